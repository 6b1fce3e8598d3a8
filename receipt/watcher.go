// Package receipt waits for transactions to be included in a block.
//
// A Watcher keeps the set of transactions currently being waited on for
// one node. A single new-block subscription serves the whole set: it is
// opened with the first wait and closed when the set drains. On every new
// block all pending receipts are fetched in one batch call.
package receipt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
)

var (
	ErrNoContractCode = errors.New("no contract code at address")
	ErrNotCreation    = errors.New("transaction did not create a contract")
)

const (
	pollTimeout      = 10 * time.Second
	subscribeTimeout = 10 * time.Second
)

// Backend is the node access a Watcher needs.
type Backend interface {
	TransactionReceipts(ctx context.Context, hashes []common.Hash) ([]*types.Receipt, error)
	SubscribeNewBlocks(ctx context.Context, fn func(common.Hash)) (event.Subscription, error)
	CodeAt(ctx context.Context, addr common.Address) ([]byte, error)
}

type wait struct {
	done    chan struct{}
	receipt *types.Receipt
	waiters int
}

// attempt is an in-flight SubscribeNewBlocks call. done is closed once
// err is set and the outcome installed.
type attempt struct {
	done chan struct{}
	err  error
}

// Watcher resolves receipt waits against one backend.
type Watcher struct {
	backend Backend
	log     log.Logger

	mu          sync.Mutex
	waits       map[common.Hash]*wait
	sub         event.Subscription
	subscribing *attempt
}

// NewWatcher creates a watcher for backend.
func NewWatcher(backend Backend) *Watcher {
	return &Watcher{
		backend: backend,
		log:     log.New("module", "receipt"),
		waits:   make(map[common.Hash]*wait),
	}
}

// Pending returns the number of transactions being waited on.
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waits)
}

// Subscribed reports whether the block subscription is open.
func (w *Watcher) Subscribed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sub != nil
}

// WaitForReceipt blocks until hash has a receipt or ctx is done. Callers
// waiting on the same hash share one entry. A missing receipt is not an
// error; the wait simply continues with the next block. If the block
// subscription cannot be opened, every caller waiting on that attempt
// fails with its error.
func (w *Watcher) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	w.mu.Lock()
	entry, ok := w.waits[hash]
	if !ok {
		entry = &wait{done: make(chan struct{})}
		w.waits[hash] = entry
	}
	entry.waiters++
	att, start := w.subscribing, false
	if w.sub == nil && att == nil {
		att = &attempt{done: make(chan struct{})}
		w.subscribing = att
		start = true
	}
	w.mu.Unlock()

	if start {
		go w.subscribe(att)
	}
	if !ok {
		go w.poll()
	}

	var subscribed <-chan struct{}
	if att != nil {
		subscribed = att.done
	}
	for {
		select {
		case <-entry.done:
			return entry.receipt, nil
		case <-subscribed:
			subscribed = nil
			if att.err == nil {
				continue
			}
			select {
			case <-entry.done:
				return entry.receipt, nil
			default:
			}
			w.abandon(hash, entry)
			return nil, fmt.Errorf("subscribe to new blocks: %w", att.err)
		case <-ctx.Done():
			w.abandon(hash, entry)
			return nil, ctx.Err()
		}
	}
}

// subscribe opens the block subscription outside the lock. A subscription
// that arrives after the wait set drained is closed again.
func (w *Watcher) subscribe(att *attempt) {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	sub, err := w.backend.SubscribeNewBlocks(ctx, w.onBlock)
	cancel()

	w.mu.Lock()
	w.subscribing = nil
	att.err = err
	var stale event.Subscription
	switch {
	case err != nil:
		w.log.Warn("Block subscription failed", "pending", len(w.waits), "err", err)
	case len(w.waits) == 0:
		stale = sub
	default:
		w.sub = sub
		w.log.Debug("Opened block subscription")
	}
	close(att.done)
	w.mu.Unlock()
	release(stale)
}

// WaitForContract waits for the receipt of a contract creation and checks
// that code was deployed at the new address.
func (w *Watcher) WaitForContract(ctx context.Context, hash common.Hash) (common.Address, error) {
	r, err := w.WaitForReceipt(ctx, hash)
	if err != nil {
		return common.Address{}, err
	}
	if r.ContractAddress == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: %s", ErrNotCreation, hash.Hex())
	}
	code, err := w.backend.CodeAt(ctx, r.ContractAddress)
	if err != nil {
		return common.Address{}, fmt.Errorf("get code: %w", err)
	}
	if len(code) == 0 {
		return common.Address{}, fmt.Errorf("%w: %s", ErrNoContractCode, r.ContractAddress.Hex())
	}
	return r.ContractAddress, nil
}

func (w *Watcher) abandon(hash common.Hash, entry *wait) {
	w.mu.Lock()
	entry.waiters--
	if entry.waiters == 0 && w.waits[hash] == entry {
		delete(w.waits, hash)
	}
	sub := w.detachIdle()
	w.mu.Unlock()
	release(sub)
}

// onBlock runs on the subscription goroutine. Unsubscribe waits for that
// goroutine, so the poll happens elsewhere.
func (w *Watcher) onBlock(common.Hash) {
	go w.poll()
}

func (w *Watcher) poll() {
	w.mu.Lock()
	hashes := make([]common.Hash, 0, len(w.waits))
	for h := range w.waits {
		hashes = append(hashes, h)
	}
	w.mu.Unlock()
	if len(hashes) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
	receipts, err := w.backend.TransactionReceipts(ctx, hashes)
	cancel()
	if err != nil {
		w.log.Warn("Receipt poll failed", "pending", len(hashes), "err", err)
		return
	}

	w.mu.Lock()
	for i, r := range receipts {
		if r == nil {
			continue
		}
		entry, ok := w.waits[hashes[i]]
		if !ok {
			continue
		}
		entry.receipt = r
		close(entry.done)
		delete(w.waits, hashes[i])
		w.log.Debug("Transaction mined", "hash", hashes[i], "block", r.BlockNumber, "status", r.Status)
	}
	sub := w.detachIdle()
	w.mu.Unlock()
	release(sub)
}

// detachIdle takes the subscription when nothing is pending. The caller
// releases it after dropping the lock.
func (w *Watcher) detachIdle() event.Subscription {
	if len(w.waits) > 0 || w.sub == nil {
		return nil
	}
	sub := w.sub
	w.sub = nil
	w.log.Debug("Closed block subscription")
	return sub
}

// release unsubscribes sub on its own goroutine. Unsubscribe waits for the
// upstream filter to be uninstalled, which must not delay the caller.
func release(sub event.Subscription) {
	if sub != nil {
		go sub.Unsubscribe()
	}
}
