package transport

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

// DefaultPollInterval is how often block subscriptions poll the node.
const DefaultPollInterval = time.Second

const callTimeout = 10 * time.Second

// SubscribeNewBlocks calls fn with the hash of every new block until the
// returned subscription is unsubscribed. It installs a block filter and
// polls it; nodes without filter support are polled for their latest
// block instead. fn runs on the subscription's goroutine and must not
// block on the subscription being torn down.
func (c *Client) SubscribeNewBlocks(ctx context.Context, fn func(common.Hash)) (event.Subscription, error) {
	var id string
	err := c.c.CallContext(ctx, &id, "eth_newBlockFilter")
	switch {
	case err == nil:
		return event.NewSubscription(func(quit <-chan struct{}) error {
			return c.pollFilter(quit, id, fn)
		}), nil
	case IsMethodNotFound(err):
		log.Debug("Block filters unsupported, polling latest block")
		var head latestHead
		if err := c.c.CallContext(ctx, &head, "eth_getBlockByNumber", "latest", false); err != nil {
			return nil, err
		}
		return event.NewSubscription(func(quit <-chan struct{}) error {
			return c.pollLatest(quit, head.Hash, fn)
		}), nil
	default:
		return nil, err
	}
}

type latestHead struct {
	Hash   common.Hash    `json:"hash"`
	Number hexutil.Uint64 `json:"number"`
}

func (c *Client) pollFilter(quit <-chan struct{}, id string, fn func(common.Hash)) error {
	ctx, cancel := quitContext(quit)
	defer cancel()
	defer func() {
		// The subscription context is already cancelled here.
		uctx, ucancel := context.WithTimeout(context.Background(), callTimeout)
		defer ucancel()
		var ok bool
		if err := c.c.CallContext(uctx, &ok, "eth_uninstallFilter", id); err != nil {
			log.Debug("Failed to uninstall block filter", "id", id, "err", err)
		}
	}()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return nil
		case <-ticker.C:
		}
		var hashes []common.Hash
		cctx, ccancel := context.WithTimeout(ctx, callTimeout)
		err := c.c.CallContext(cctx, &hashes, "eth_getFilterChanges", id)
		ccancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// Nodes expire idle filters; install a fresh one and carry on.
			log.Warn("Block filter poll failed", "id", id, "err", err)
			var fresh string
			rctx, rcancel := context.WithTimeout(ctx, callTimeout)
			if err := c.c.CallContext(rctx, &fresh, "eth_newBlockFilter"); err == nil {
				id = fresh
			}
			rcancel()
			continue
		}
		for _, h := range hashes {
			fn(h)
		}
	}
}

func (c *Client) pollLatest(quit <-chan struct{}, last common.Hash, fn func(common.Hash)) error {
	ctx, cancel := quitContext(quit)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return nil
		case <-ticker.C:
		}
		var head latestHead
		cctx, ccancel := context.WithTimeout(ctx, callTimeout)
		err := c.c.CallContext(cctx, &head, "eth_getBlockByNumber", "latest", false)
		ccancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Warn("Latest block poll failed", "err", err)
			continue
		}
		if head.Hash != last {
			last = head.Hash
			fn(head.Hash)
		}
	}
}

// quitContext returns a context cancelled when quit is closed.
func quitContext(quit <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-quit:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
