package webhook

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/herald-io/herald/internal/message"
)

// Tracker errors.
var (
	ErrMissingMessageID = errors.New("status event requires a message_id")
	ErrUnknownEventType = errors.New("unknown event type")
)

// TrackerConfig contains status tracker configuration.
type TrackerConfig struct {
	TTL             time.Duration // cache entry lifetime
	CleanupInterval time.Duration
	HistoryLimit    int // bounded per-message history
}

// DefaultTrackerConfig returns default tracker configuration.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		TTL:             24 * time.Hour,
		CleanupInterval: 1 * time.Hour,
		HistoryLimit:    20,
	}
}

// HistoryEntry is one recorded status change for a message.
type HistoryEntry struct {
	Status    message.Status `json:"status"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"timestamp"`
}

// Record is the externally reported delivery state of one message.
type Record struct {
	MessageID string         `json:"message_id"`
	Status    message.Status `json:"status"`
	UpdatedAt time.Time      `json:"updated_at"`
	History   []HistoryEntry `json:"history"`
}

// StatusCallback is fired for each processed status event of its type.
type StatusCallback func(Event)

// InteractionCallback is fired for user-interaction events.
type InteractionCallback func(Event)

// Handle identifies a registered callback for removal.
type Handle struct {
	interaction bool
	eventType   EventType
	id          int
}

// Tracker maintains the externally driven per-message status cache and
// fires callbacks per processed event.
type Tracker struct {
	config TrackerConfig

	mu      sync.RWMutex
	records map[string]*Record

	cbMu        sync.RWMutex
	nextID      int
	statusCbs   map[EventType]map[int]StatusCallback
	interactCbs map[int]InteractionCallback

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewTracker creates a status tracker.
func NewTracker(config TrackerConfig) *Tracker {
	def := DefaultTrackerConfig()
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = def.HistoryLimit
	}
	return &Tracker{
		config:      config,
		records:     make(map[string]*Record),
		statusCbs:   make(map[EventType]map[int]StatusCallback),
		interactCbs: make(map[int]InteractionCallback),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the TTL eviction loop.
func (t *Tracker) Start() {
	t.wg.Add(1)
	go t.cleanupLoop()
}

// Stop stops the eviction loop.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.wg.Wait()
}

// OnStatus registers a callback for one status event type.
func (t *Tracker) OnStatus(eventType EventType, cb StatusCallback) Handle {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()

	t.nextID++
	if t.statusCbs[eventType] == nil {
		t.statusCbs[eventType] = make(map[int]StatusCallback)
	}
	t.statusCbs[eventType][t.nextID] = cb
	return Handle{eventType: eventType, id: t.nextID}
}

// OnInteraction registers a callback for user-interaction events.
func (t *Tracker) OnInteraction(cb InteractionCallback) Handle {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()

	t.nextID++
	t.interactCbs[t.nextID] = cb
	return Handle{interaction: true, id: t.nextID}
}

// Remove unregisters a callback by handle.
func (t *Tracker) Remove(h Handle) bool {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()

	if h.interaction {
		if _, ok := t.interactCbs[h.id]; !ok {
			return false
		}
		delete(t.interactCbs, h.id)
		return true
	}
	cbs, ok := t.statusCbs[h.eventType]
	if !ok {
		return false
	}
	if _, ok := cbs[h.id]; !ok {
		return false
	}
	delete(cbs, h.id)
	return true
}

// Process applies one verified event: interaction events route to
// interaction callbacks; status events overwrite the cached status,
// append to the bounded history and fire that type's callbacks.
func (t *Tracker) Process(ev Event) error {
	if ev.Type.IsInteraction() {
		recordEvent(ev.Source, string(ev.Type))
		t.fireInteraction(ev)
		return nil
	}

	status, ok := ev.Type.Status()
	if !ok {
		return ErrUnknownEventType
	}
	if ev.MessageID == "" {
		return ErrMissingMessageID
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	t.mu.Lock()
	rec, ok := t.records[ev.MessageID]
	if !ok {
		rec = &Record{MessageID: ev.MessageID}
		t.records[ev.MessageID] = rec
	}
	rec.Status = status
	rec.UpdatedAt = time.Now()
	rec.History = append(rec.History, HistoryEntry{
		Status:    status,
		Source:    ev.Source,
		Timestamp: ev.Timestamp,
	})
	if len(rec.History) > t.config.HistoryLimit {
		rec.History = rec.History[len(rec.History)-t.config.HistoryLimit:]
	}
	t.mu.Unlock()

	recordEvent(ev.Source, string(ev.Type))
	t.fireStatus(ev)

	slog.Debug("webhook status tracked",
		"message_id", ev.MessageID,
		"status", status,
		"source", ev.Source,
	)
	return nil
}

// Status returns the tracked record for a message.
func (t *Tracker) Status(messageID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[messageID]
	if !ok {
		return Record{}, false
	}
	out := *rec
	out.History = append([]HistoryEntry(nil), rec.History...)
	return out, true
}

// Len returns the number of tracked messages.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

func (t *Tracker) fireStatus(ev Event) {
	t.cbMu.RLock()
	cbs := make([]StatusCallback, 0, len(t.statusCbs[ev.Type]))
	for _, cb := range t.statusCbs[ev.Type] {
		cbs = append(cbs, cb)
	}
	t.cbMu.RUnlock()

	for _, cb := range cbs {
		invokeCallback(func() { cb(ev) }, ev)
	}
}

func (t *Tracker) fireInteraction(ev Event) {
	t.cbMu.RLock()
	cbs := make([]InteractionCallback, 0, len(t.interactCbs))
	for _, cb := range t.interactCbs {
		cbs = append(cbs, cb)
	}
	t.cbMu.RUnlock()

	for _, cb := range cbs {
		invokeCallback(func() { cb(ev) }, ev)
	}
}

func invokeCallback(fn func(), ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("webhook callback panicked",
				"type", ev.Type,
				"message_id", ev.MessageID,
				"panic", rec,
			)
		}
	}()
	fn()
}

func (t *Tracker) cleanupLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.evictExpired()
		}
	}
}

func (t *Tracker) evictExpired() {
	cutoff := time.Now().Add(-t.config.TTL)
	evicted := 0

	t.mu.Lock()
	for id, rec := range t.records {
		if rec.UpdatedAt.Before(cutoff) {
			delete(t.records, id)
			evicted++
		}
	}
	t.mu.Unlock()

	if evicted > 0 {
		slog.Debug("evicted expired webhook records", "count", evicted)
	}
}
