package receipt

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Pool keeps one Watcher per backend. Backends are compared by identity,
// so they must be comparable values such as pointers.
type Pool struct {
	mu       sync.Mutex
	watchers map[Backend]*Watcher
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{watchers: make(map[Backend]*Watcher)}
}

// Watcher returns the watcher for backend, creating it on first use.
func (p *Pool) Watcher(backend Backend) *Watcher {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.watchers[backend]
	if !ok {
		w = NewWatcher(backend)
		p.watchers[backend] = w
	}
	return w
}

// WaitForReceipt waits for hash on backend's watcher.
func (p *Pool) WaitForReceipt(ctx context.Context, hash common.Hash, backend Backend) (*types.Receipt, error) {
	return p.Watcher(backend).WaitForReceipt(ctx, hash)
}

// WaitForContract waits for a contract creation on backend's watcher.
func (p *Pool) WaitForContract(ctx context.Context, hash common.Hash, backend Backend) (common.Address, error) {
	return p.Watcher(backend).WaitForContract(ctx, hash)
}
