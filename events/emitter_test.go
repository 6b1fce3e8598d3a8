package events

import "testing"

func TestEmitDeliversToSubscribers(t *testing.T) {
	e := NewEmitter()
	var got []string
	e.Subscribe(EventIdentityAdded, func(ev Event) {
		got = append(got, ev.Data["address"].(string))
	})
	e.Subscribe(EventKeyCreated, func(Event) {
		t.Error("handler for a different type should not run")
	})
	e.Emit(Event{Type: EventIdentityAdded, Data: map[string]any{"address": "0xaa"}})
	if len(got) != 1 || got[0] != "0xaa" {
		t.Fatalf("got %v", got)
	}
}

func TestEmitRecoversFromPanic(t *testing.T) {
	e := NewEmitter()
	called := false
	e.Subscribe(EventKeyCreated, func(Event) { panic("boom") })
	e.Subscribe(EventKeyCreated, func(Event) { called = true })
	e.Emit(Event{Type: EventKeyCreated})
	if !called {
		t.Error("second handler should still run after the first panicked")
	}
}

func TestEmitNilEmitter(t *testing.T) {
	var e *Emitter
	e.Emit(Event{Type: EventKeyCreated})
}
