// Package events is a small synchronous pub/sub broker used to announce
// identity and key changes to interested subscribers (persistence, logs).
package events

import (
	"sync"

	"github.com/ethereum/go-ethereum/log"
)

// EventType labels what happened.
type EventType string

const (
	EventIdentityAdded  EventType = "identity_added"
	EventIdentityMerged EventType = "identity_merged"
	EventKeyCreated     EventType = "key_created"
	EventTxSubmitted    EventType = "tx_submitted"
)

// Event carries a typed payload emitted after a state change.
type Event struct {
	Type EventType      `json:"type"`
	Data map[string]any `json:"data"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// Emit delivers ev to all subscribers for ev.Type synchronously.
// A panicking handler is logged and does not stop delivery to the rest.
// Emit on a nil Emitter is a no-op.
func (e *Emitter) Emit(ev Event) {
	if e == nil {
		return
	}
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("Event handler panicked", "type", ev.Type, "err", r)
				}
			}()
			h(ev)
		}()
	}
}
