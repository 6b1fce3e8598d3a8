package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/ssgreg/repeat"
)

// Dial connects to the node at url and checks that it answers, retrying
// transient failures with jittered backoff.
func Dial(ctx context.Context, url string) (*rpc.Client, error) {
	var client *rpc.Client
	err := repeat.Repeat(
		repeat.Fn(func() error {
			dctx, cancel := context.WithTimeout(ctx, callTimeout)
			defer cancel()
			c, err := rpc.DialContext(dctx, url)
			if err != nil {
				return temporary(err)
			}
			var id string
			if err := c.CallContext(dctx, &id, "eth_chainId"); err != nil {
				c.Close()
				return temporary(err)
			}
			log.Info("Connected to upstream node", "url", url, "chainid", id)
			client = c
			return nil
		}),
		repeat.WithDelay(repeat.FullJitterBackoff(250*time.Millisecond).Set()),
		repeat.StopOnSuccess(),
		repeat.LimitMaxTries(5),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return client, nil
}

func temporary(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	log.Debug("Upstream dial attempt failed", "err", err)
	return repeat.HintTemporary(err)
}
