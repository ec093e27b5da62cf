// Package queue implements the asynchronous delivery queue: a priority
// heap for ready messages, a delayed heap for retry/scheduled messages,
// and a worker pool that drives each dequeued message through a pluggable
// processor with exponential-backoff retry.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/herald-io/herald/internal/message"
)

// ErrQueueFull is returned by Enqueue when capacity is exceeded. Callers
// must apply their own backpressure.
var ErrQueueFull = errors.New("delivery queue is full")

// Processor attempts a single delivery of a message, optionally pinned to
// a named channel. A nil return means the send succeeded.
type Processor func(ctx context.Context, msg *message.Notification, channelName string) error

// Config contains delivery queue configuration.
type Config struct {
	Workers         int
	MaxSize         int
	PromoteInterval time.Duration
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() Config {
	return Config{
		Workers:         5,
		MaxSize:         10000,
		PromoteInterval: 1 * time.Second,
	}
}

// Options controls scheduling and retry behaviour for a single enqueue.
type Options struct {
	Priority      message.Priority
	ScheduledAt   time.Time // zero value means immediately
	MaxRetries    int
	RetryDelay    time.Duration
	BackoffFactor float64
	Channel       string // pin delivery to a named channel
	Callback      func(msg *message.Notification, err error)
}

// Queue is the delivery queue. Both heaps share one mutex; a message is
// removed from the heap before being handed to a worker, so no two
// workers ever hold the same message.
type Queue struct {
	config    Config
	processor Processor

	mu       sync.Mutex
	cond     *sync.Cond
	primary  msgHeap
	delayed  msgHeap
	inflight int
	paused   bool
	running  bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	onSent      func(msg *message.Notification)
	onExhausted func(msg *message.Notification, err error)
}

// New creates a delivery queue around the given processor.
func New(config Config, processor Processor) *Queue {
	if config.Workers <= 0 {
		config.Workers = DefaultConfig().Workers
	}
	if config.MaxSize <= 0 {
		config.MaxSize = DefaultConfig().MaxSize
	}
	if config.PromoteInterval <= 0 {
		config.PromoteInterval = DefaultConfig().PromoteInterval
	}

	q := &Queue{
		config:    config,
		processor: processor,
		stopCh:    make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// OnSent registers a hook fired after each successful send.
func (q *Queue) OnSent(fn func(msg *message.Notification)) { q.onSent = fn }

// OnRetriesExhausted registers a hook fired when a message fails
// terminally, either because retries ran out or the error was not
// retryable. The original enqueue caller already got its message ID back,
// so this hook is the only way to learn of eventual failure.
func (q *Queue) OnRetriesExhausted(fn func(msg *message.Notification, err error)) {
	q.onExhausted = fn
}

// Start launches the worker pool and the delayed-queue promoter. A
// stopped queue can be started again.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopCh = make(chan struct{})
	stopCh := q.stopCh
	q.mu.Unlock()

	slog.Info("starting delivery queue",
		"workers", q.config.Workers,
		"max_size", q.config.MaxSize,
		"promote_interval", q.config.PromoteInterval,
	)

	for i := 0; i < q.config.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	q.wg.Add(1)
	go q.promoter(stopCh)
}

// Stop gracefully stops workers and the promoter. In-flight sends run to
// completion; queued messages stay in the heaps.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	stopCh := q.stopCh
	q.mu.Unlock()

	close(stopCh)
	q.cond.Broadcast()
	q.wg.Wait()
	slog.Info("delivery queue stopped")
}

// Pause suspends dequeueing without stopping workers.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables dequeueing after a Pause.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Running reports whether the queue has been started and not stopped.
func (q *Queue) Running() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Enqueue accepts a message for delivery. Returns ErrQueueFull when
// capacity is exceeded. The message transitions to QUEUED on acceptance.
func (q *Queue) Enqueue(msg *message.Notification, opts Options) error {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 1 * time.Second
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = 2.0
	}
	scheduledAt := opts.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now()
	}

	it := &item{
		msg:           msg,
		priority:      opts.Priority,
		scheduledAt:   scheduledAt,
		maxRetries:    opts.MaxRetries,
		retryDelay:    opts.RetryDelay,
		backoffFactor: opts.BackoffFactor,
		channel:       opts.Channel,
		callback:      opts.Callback,
	}

	q.mu.Lock()
	if q.primary.Len()+q.delayed.Len()+q.inflight >= q.config.MaxSize {
		q.mu.Unlock()
		recordEnqueue("rejected")
		return ErrQueueFull
	}

	msg.TransitionTo(message.StatusQueued)

	if scheduledAt.After(time.Now()) {
		heap.Push(&q.delayed, it)
	} else {
		heap.Push(&q.primary, it)
	}
	q.recordDepthLocked()
	q.mu.Unlock()

	q.cond.Broadcast()
	recordEnqueue("accepted")
	return nil
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Ready    int  `json:"ready"`
	Delayed  int  `json:"delayed"`
	InFlight int  `json:"in_flight"`
	Paused   bool `json:"paused"`
	Running  bool `json:"running"`
}

// Stats returns current queue depth counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Ready:    q.primary.Len(),
		Delayed:  q.delayed.Len(),
		InFlight: q.inflight,
		Paused:   q.paused,
		Running:  q.running,
	}
}

func (q *Queue) worker(workerID int) {
	defer q.wg.Done()

	for {
		it := q.next()
		if it == nil {
			return
		}
		q.process(it, workerID)
	}
}

// next blocks until a ready item is available or the queue stops. Items
// popped before their due time are moved to the delayed heap instead of
// busy-waiting on them.
func (q *Queue) next() *item {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		if !q.running {
			return nil
		}
		if !q.paused && q.primary.Len() > 0 {
			it := heap.Pop(&q.primary).(*item)
			if time.Until(it.scheduledAt) > 0 {
				heap.Push(&q.delayed, it)
				continue
			}
			q.inflight++
			q.recordDepthLocked()
			return it
		}
		q.cond.Wait()
	}
}

// promoter periodically moves due delayed items back into the primary
// heap.
func (q *Queue) promoter(stopCh <-chan struct{}) {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			q.promoteDue()
		}
	}
}

func (q *Queue) promoteDue() {
	now := time.Now()
	moved := 0

	q.mu.Lock()
	for q.delayed.Len() > 0 && !q.delayed[0].scheduledAt.After(now) {
		it := heap.Pop(&q.delayed).(*item)
		// Retry items go back through QUEUED; cancelled ones stay put and
		// are dropped at the pre-processor status check.
		it.msg.TransitionFrom(message.StatusQueued, message.StatusRetrying)
		heap.Push(&q.primary, it)
		moved++
	}
	if moved > 0 {
		q.recordDepthLocked()
	}
	q.mu.Unlock()

	if moved > 0 {
		q.cond.Broadcast()
	}
}

func (q *Queue) process(it *item, workerID int) {
	defer func() {
		q.mu.Lock()
		q.inflight--
		q.recordDepthLocked()
		q.mu.Unlock()
	}()

	msg := it.msg

	// A message cancelled while QUEUED/RETRYING is dropped without side
	// effects.
	if msg.Status() == message.StatusCancelled {
		recordProcessed("cancelled")
		return
	}

	if !msg.TransitionTo(message.StatusSending) {
		slog.Warn("message not in a sendable state, dropping",
			"message_id", msg.ID,
			"status", msg.Status(),
		)
		recordProcessed("dropped")
		return
	}

	start := time.Now()
	err := q.invoke(msg, it.channel)
	recordProcessDuration(time.Since(start))

	if err == nil {
		msg.TransitionTo(message.StatusSent)
		recordProcessed("sent")
		if q.onSent != nil {
			q.onSent(msg)
		}
		if it.callback != nil {
			it.callback(msg, nil)
		}
		slog.Debug("message sent",
			"worker", workerID,
			"message_id", msg.ID,
			"channel", it.channel,
		)
		return
	}

	q.handleSendError(it, err, workerID)
}

// invoke runs the processor, converting panics into errors so a single
// bad send attempt never crashes a worker.
func (q *Queue) invoke(msg *message.Notification, channelName string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return q.processor(context.Background(), msg, channelName)
}

func (q *Queue) handleSendError(it *item, err error, workerID int) {
	msg := it.msg
	msg.SetLastError(errorKind(err), err.Error())

	attempts := msg.RetryCount()
	slog.Warn("send failed",
		"worker", workerID,
		"message_id", msg.ID,
		"attempt", attempts+1,
		"max_retries", it.maxRetries,
		"error", err,
	)

	if !isRetryable(err) || attempts >= it.maxRetries {
		msg.TransitionTo(message.StatusFailed)
		recordProcessed("failed")
		if q.onExhausted != nil {
			q.onExhausted(msg, err)
		}
		if it.callback != nil {
			it.callback(msg, err)
		}
		return
	}

	// next due = now + delay * factor^retry_count, counted before this
	// attempt's increment.
	backoff := time.Duration(float64(it.retryDelay) * math.Pow(it.backoffFactor, float64(attempts)))
	msg.IncrementRetry()
	msg.TransitionTo(message.StatusRetrying)
	it.scheduledAt = time.Now().Add(backoff)

	q.mu.Lock()
	heap.Push(&q.delayed, it)
	q.recordDepthLocked()
	q.mu.Unlock()

	recordProcessed("retry")
	slog.Info("message scheduled for retry",
		"message_id", msg.ID,
		"retry_count", msg.RetryCount(),
		"next_attempt", it.scheduledAt,
	)
}

func (q *Queue) recordDepthLocked() {
	recordDepth(q.primary.Len(), q.delayed.Len(), q.inflight)
}

// isRetryable checks if an error is retryable. Unknown errors default to
// retryable.
func isRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

// errorKind extracts a short machine-readable error kind when the error
// provides one.
func errorKind(err error) string {
	type kinded interface {
		Kind() string
	}
	var k kinded
	if errors.As(err, &k) {
		return k.Kind()
	}
	return "send"
}
