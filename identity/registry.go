package identity

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/tolelom/idprovider/events"
)

var (
	ErrNotFound      = errors.New("identity not found")
	ErrDuplicate     = errors.New("identity already registered")
	ErrNoKeyIdentity = errors.New("no key identity available")
)

// Registry is the ordered set of identities the provider controls.
// The most recently created identity is kept first so that callers picking
// a default get the newest one. Addresses are unique.
type Registry struct {
	mu      sync.RWMutex
	ids     []Identity
	index   map[common.Address]int
	emitter *events.Emitter
}

// NewRegistry creates a registry seeded with ids, in order. Later duplicates
// of an address are dropped.
func NewRegistry(ids []Identity, emitter *events.Emitter) *Registry {
	r := &Registry{index: make(map[common.Address]int, len(ids)), emitter: emitter}
	for _, id := range ids {
		if _, ok := r.index[id.Address]; ok {
			continue
		}
		r.index[id.Address] = len(r.ids)
		r.ids = append(r.ids, id)
	}
	return r
}

// Resolve returns the identity registered for addr.
func (r *Registry) Resolve(addr common.Address) (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[addr]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %s", ErrNotFound, FormatAddress(addr))
	}
	return r.ids[i], nil
}

// Merge appends every address not yet registered as a key identity,
// preserving the order of addrs. Known addresses are left untouched, so
// Merge may be called repeatedly with overlapping sets.
func (r *Registry) Merge(addrs []common.Address) []Identity {
	r.mu.Lock()
	var added []Identity
	for _, a := range addrs {
		if _, ok := r.index[a]; ok {
			continue
		}
		id := NewKeyIdentity(a)
		r.index[a] = len(r.ids)
		r.ids = append(r.ids, id)
		added = append(added, id)
	}
	r.mu.Unlock()

	for _, id := range added {
		r.emitter.Emit(events.Event{
			Type: events.EventIdentityMerged,
			Data: map[string]any{"address": FormatAddress(id.Address), "identity": id},
		})
	}
	return added
}

// Add registers id at the front of the registry.
func (r *Registry) Add(id Identity) error {
	r.mu.Lock()
	if _, ok := r.index[id.Address]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicate, FormatAddress(id.Address))
	}
	ids := make([]Identity, 0, len(r.ids)+1)
	ids = append(ids, id)
	ids = append(ids, r.ids...)
	r.ids = ids
	r.reindex()
	r.mu.Unlock()

	r.emitter.Emit(events.Event{
		Type: events.EventIdentityAdded,
		Data: map[string]any{"address": FormatAddress(id.Address), "identity": id},
	})
	return nil
}

// PrimaryKeyIdentity returns the first identity that is not a contract.
func (r *Registry) PrimaryKeyIdentity() (Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.ids {
		if !id.IsContract() {
			return id, nil
		}
	}
	return Identity{}, ErrNoKeyIdentity
}

// Identities returns a snapshot of the registry in order.
func (r *Registry) Identities() []Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Identity, len(r.ids))
	copy(out, r.ids)
	return out
}

// Addresses returns the registered addresses in order.
func (r *Registry) Addresses() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Address, len(r.ids))
	for i, id := range r.ids {
		out[i] = id.Address
	}
	return out
}

// Len returns the number of registered identities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// reindex rebuilds the address index. Callers must hold r.mu.
func (r *Registry) reindex() {
	index := make(map[common.Address]int, len(r.ids))
	for i, id := range r.ids {
		index[id.Address] = i
	}
	r.index = index
}
