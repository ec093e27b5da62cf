package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

// EventKind identifies a scheduler event.
type EventKind string

// Event kinds.
const (
	EventMessageSent        EventKind = "message_sent"
	EventMessageFailed      EventKind = "message_failed"
	EventRetriesExhausted   EventKind = "retries_exhausted"
	EventChannelUnavailable EventKind = "channel_unavailable"
)

// Event carries the context of a scheduler event.
type Event struct {
	Kind      EventKind
	MessageID string
	Channel   string
	Err       error
	At        time.Time
}

// Listener receives scheduler events.
type Listener func(Event)

// Subscription is a handle returned by Subscribe, usable for removal.
type Subscription struct {
	kind EventKind
	id   int
}

// registry is an observer list keyed by event kind. Listener panics are
// isolated so one faulty subscriber cannot break delivery.
type registry struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[EventKind]map[int]Listener
}

func newRegistry() *registry {
	return &registry{
		listeners: make(map[EventKind]map[int]Listener),
	}
}

func (r *registry) subscribe(kind EventKind, l Listener) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	if r.listeners[kind] == nil {
		r.listeners[kind] = make(map[int]Listener)
	}
	r.listeners[kind][r.nextID] = l
	return Subscription{kind: kind, id: r.nextID}
}

func (r *registry) unsubscribe(sub Subscription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	listeners, ok := r.listeners[sub.kind]
	if !ok {
		return false
	}
	if _, ok := listeners[sub.id]; !ok {
		return false
	}
	delete(listeners, sub.id)
	return true
}

func (r *registry) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	recordEvent(ev.Kind)

	r.mu.RLock()
	listeners := make([]Listener, 0, len(r.listeners[ev.Kind]))
	for _, l := range r.listeners[ev.Kind] {
		listeners = append(listeners, l)
	}
	r.mu.RUnlock()

	for _, l := range listeners {
		invokeListener(l, ev)
	}
}

func invokeListener(l Listener, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("event listener panicked",
				"kind", ev.Kind,
				"message_id", ev.MessageID,
				"panic", rec,
			)
		}
	}()
	l(ev)
}
