package identity

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
	"github.com/tolelom/idprovider/events"
	"github.com/tolelom/idprovider/storage"
)

var keyIdentities = []byte("identity:list")

// Store persists registry snapshots to a storage.DB.
type Store struct {
	db storage.DB
}

// NewStore creates a Store backed by db.
func NewStore(db storage.DB) *Store {
	return &Store{db: db}
}

// Load returns the persisted identities, or nil if none were saved yet.
func (s *Store) Load() ([]Identity, error) {
	data, err := s.db.Get(keyIdentities)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ids []Identity
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("identity store unmarshal: %w", err)
	}
	return ids, nil
}

// Save overwrites the persisted identities with ids.
func (s *Store) Save(ids []Identity) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.db.Set(keyIdentities, data)
}

// Track subscribes the store to registry changes so that every added or
// merged identity is written through.
func (s *Store) Track(r *Registry, emitter *events.Emitter) {
	persist := func(ev events.Event) {
		if err := s.Save(r.Identities()); err != nil {
			log.Error("Failed to persist identities", "event", ev.Type, "err", err)
		}
	}
	emitter.Subscribe(events.EventIdentityAdded, persist)
	emitter.Subscribe(events.EventIdentityMerged, persist)
}
