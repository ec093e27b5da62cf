// Package scheduler composes the delivery queue and the channel manager
// into the public notification entry point: send, broadcast and cancel
// return immediately while delivery happens asynchronously, with outcomes
// observable through status queries and event callbacks.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/herald-io/herald/internal/channel"
	"github.com/herald-io/herald/internal/message"
	"github.com/herald-io/herald/internal/queue"
)

// Config contains scheduler configuration.
type Config struct {
	Retention     time.Duration // how long settled messages stay queryable
	PurgeInterval time.Duration

	DefaultMaxRetries    int
	DefaultRetryDelay    time.Duration
	DefaultBackoffFactor float64
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Retention:            7 * 24 * time.Hour,
		PurgeInterval:        1 * time.Hour,
		DefaultMaxRetries:    3,
		DefaultRetryDelay:    1 * time.Second,
		DefaultBackoffFactor: 2.0,
	}
}

// Scheduler is the delivery engine's public entry point.
type Scheduler struct {
	config  Config
	queue   *queue.Queue
	manager *channel.Manager
	store   *store
	events  *registry

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler that owns a delivery queue built around the
// given channel manager.
func New(cfg Config, queueCfg queue.Config, manager *channel.Manager) *Scheduler {
	def := DefaultConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = def.PurgeInterval
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if cfg.DefaultRetryDelay <= 0 {
		cfg.DefaultRetryDelay = def.DefaultRetryDelay
	}
	if cfg.DefaultBackoffFactor < 1 {
		cfg.DefaultBackoffFactor = def.DefaultBackoffFactor
	}

	s := &Scheduler{
		config:  cfg,
		manager: manager,
		store:   newStore(),
		events:  newRegistry(),
		stopCh:  make(chan struct{}),
	}

	s.queue = queue.New(queueCfg, s.process)
	s.queue.OnSent(s.handleSent)
	s.queue.OnRetriesExhausted(s.handleExhausted)
	manager.OnDisabled(func(name string) {
		s.events.emit(Event{Kind: EventChannelUnavailable, Channel: name})
	})

	return s
}

// Start launches the queue workers and the retention purge loop.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.queue.Start()
	s.wg.Add(1)
	go s.purgeLoop()
	slog.Info("scheduler started", "retention", s.config.Retention)
}

// Stop gracefully stops the scheduler and its queue.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.queue.Stop()
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	slog.Info("scheduler stopped")
}

// SendInput describes one notification submission.
type SendInput struct {
	Title      string
	Content    string
	Type       string
	Recipients []string
	Priority   message.Priority

	ScheduledAt   time.Time // zero means immediately
	MaxRetries    *int      // nil means the configured default
	RetryDelay    time.Duration
	BackoffFactor float64

	Channel     string // pin to a named channel
	ChannelType channel.Type

	Callback func(msg *message.Notification, err error)
}

// Send submits a notification for asynchronous delivery and returns its
// message ID immediately, before delivery completes. Eventual failure is
// observable only via status queries or event callbacks.
func (s *Scheduler) Send(_ context.Context, input SendInput) (string, error) {
	msg := message.New(input.Title, input.Content, input.Type, input.Recipients, input.Priority)

	maxRetries := s.config.DefaultMaxRetries
	if input.MaxRetries != nil {
		maxRetries = *input.MaxRetries
	}
	retryDelay := input.RetryDelay
	if retryDelay <= 0 {
		retryDelay = s.config.DefaultRetryDelay
	}
	backoff := input.BackoffFactor
	if backoff < 1 {
		backoff = s.config.DefaultBackoffFactor
	}
	msg.MaxRetries = maxRetries

	s.store.put(msg, input.ChannelType)

	err := s.queue.Enqueue(msg, queue.Options{
		Priority:      input.Priority,
		ScheduledAt:   input.ScheduledAt,
		MaxRetries:    maxRetries,
		RetryDelay:    retryDelay,
		BackoffFactor: backoff,
		Channel:       input.Channel,
		Callback:      input.Callback,
	})
	if err != nil {
		s.store.delete(msg.ID)
		return "", err
	}
	return msg.ID, nil
}

// SendBatch submits several notifications, best effort. Returned IDs
// correspond to accepted messages; errors for rejected ones are joined.
func (s *Scheduler) SendBatch(ctx context.Context, inputs []SendInput) ([]string, error) {
	ids := make([]string, 0, len(inputs))
	var errs []error
	for _, input := range inputs {
		id, err := s.Send(ctx, input)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

// Broadcast submits one independent message copy per available channel of
// the given type (empty type means every available channel), so each
// channel's retry state is isolated. Returns channel name -> message ID.
func (s *Scheduler) Broadcast(ctx context.Context, input SendInput, channelType channel.Type) (map[string]string, error) {
	targets := make([]string, 0)
	for _, info := range s.manager.Channels() {
		if !info.Enabled || info.Disabled {
			continue
		}
		if channelType != "" && info.Type != channelType {
			continue
		}
		targets = append(targets, info.Name)
	}
	if len(targets) == 0 {
		return nil, channel.ErrNoChannelAvailable
	}

	ids := make(map[string]string, len(targets))
	var errs []error
	for _, name := range targets {
		perChannel := input
		perChannel.Channel = name
		perChannel.ChannelType = ""
		id, err := s.Send(ctx, perChannel)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		ids[name] = id
	}
	return ids, errors.Join(errs...)
}

// Cancel cancels a message that has not yet been handed to a worker.
// Succeeds only while the message is QUEUED or RETRYING; a message
// already SENDING runs to completion.
func (s *Scheduler) Cancel(id string) bool {
	e, ok := s.store.get(id)
	if !ok {
		return false
	}
	cancelled := e.msg.TransitionFrom(message.StatusCancelled, message.StatusQueued, message.StatusRetrying)
	if cancelled {
		slog.Info("message cancelled", "message_id", id)
	}
	return cancelled
}

// MessageStatus returns a snapshot of a tracked message.
func (s *Scheduler) MessageStatus(id string) (message.Snapshot, bool) {
	e, ok := s.store.get(id)
	if !ok {
		return message.Snapshot{}, false
	}
	return e.msg.Snapshot(), true
}

// ApplyStatus applies a delivery status reported by a platform callback
// to a tracked message. Returns false if the message is unknown or the
// transition is not allowed from its current status.
func (s *Scheduler) ApplyStatus(id string, status message.Status) bool {
	e, ok := s.store.get(id)
	if !ok {
		return false
	}
	applied := e.msg.TransitionTo(status)
	if applied {
		slog.Debug("delivery status applied", "message_id", id, "status", status)
	}
	return applied
}

// MessagesByStatus returns snapshots of all tracked messages with the
// given status.
func (s *Scheduler) MessagesByStatus(status message.Status) []message.Snapshot {
	return s.store.byStatus(status)
}

// Subscribe registers a listener for an event kind, returning a handle
// usable for removal.
func (s *Scheduler) Subscribe(kind EventKind, l Listener) Subscription {
	return s.events.subscribe(kind, l)
}

// Unsubscribe removes a previously registered listener.
func (s *Scheduler) Unsubscribe(sub Subscription) bool {
	return s.events.unsubscribe(sub)
}

// HealthCheck reports whether the scheduler can currently deliver: it is
// running, its queue is running, and either no channels are configured or
// at least one is available.
func (s *Scheduler) HealthCheck() bool {
	if !s.running.Load() || !s.queue.Running() {
		return false
	}
	if !s.manager.HasChannels() {
		return true
	}
	return s.manager.HasAvailableChannel()
}

// Stats aggregates queue, store and channel state.
type Stats struct {
	Running  bool                   `json:"running"`
	Queue    queue.Stats            `json:"queue"`
	Messages map[message.Status]int `json:"messages"`
	Tracked  int                    `json:"tracked"`
	Channels []channel.Info         `json:"channels"`
}

// Stats returns a point-in-time view of the delivery engine.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Running:  s.running.Load(),
		Queue:    s.queue.Stats(),
		Messages: s.store.countByStatus(),
		Tracked:  s.store.len(),
		Channels: s.manager.Channels(),
	}
}

// Pause suspends queue dequeueing.
func (s *Scheduler) Pause() { s.queue.Pause() }

// Resume re-enables queue dequeueing.
func (s *Scheduler) Resume() { s.queue.Resume() }

// process is the queue's processor: a thin adapter to the channel
// manager.
func (s *Scheduler) process(ctx context.Context, msg *message.Notification, channelName string) error {
	channelType := channel.Type("")
	if e, ok := s.store.get(msg.ID); ok {
		channelType = e.channelType
	}

	used, err := s.manager.Send(ctx, msg, channelName, channelType)
	if errors.Is(err, channel.ErrNoChannelAvailable) {
		s.events.emit(Event{
			Kind:      EventChannelUnavailable,
			MessageID: msg.ID,
			Channel:   channelName,
			Err:       err,
		})
		return err
	}
	if err != nil {
		slog.Debug("delivery attempt failed",
			"message_id", msg.ID,
			"channel", used,
			"error", err,
		)
	}
	return err
}

func (s *Scheduler) handleSent(msg *message.Notification) {
	s.events.emit(Event{Kind: EventMessageSent, MessageID: msg.ID})
}

func (s *Scheduler) handleExhausted(msg *message.Notification, err error) {
	s.events.emit(Event{Kind: EventMessageFailed, MessageID: msg.ID, Err: err})
	if msg.RetryCount() >= msg.MaxRetries && msg.MaxRetries > 0 {
		s.events.emit(Event{Kind: EventRetriesExhausted, MessageID: msg.ID, Err: err})
	}
}

func (s *Scheduler) purgeLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.config.Retention)
			if purged := s.store.purgeOlderThan(cutoff); purged > 0 {
				slog.Debug("purged tracked messages", "count", purged)
			}
		}
	}
}
