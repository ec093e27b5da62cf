// Package message defines the notification message model and its status
// state machine shared by the queue, the channel manager and the scheduler.
package message

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders messages within the delivery queue. Lower values are
// more urgent.
type Priority int

// Priorities.
const (
	PriorityUrgent Priority = 0
	PriorityHigh   Priority = 1
	PriorityNormal Priority = 2
	PriorityLow    Priority = 3
)

// Status represents the delivery status of a message.
type Status string

// Message statuses.
const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusRetrying  Status = "retrying"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusRecalled  Status = "recalled"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDelivered, StatusRead, StatusFailed, StatusCancelled, StatusExpired, StatusRecalled:
		return true
	}
	return false
}

// transitions lists the allowed next statuses for each status.
var transitions = map[Status][]Status{
	StatusPending:   {StatusQueued, StatusCancelled},
	StatusQueued:    {StatusSending, StatusCancelled},
	StatusSending:   {StatusSent, StatusRetrying, StatusFailed},
	StatusRetrying:  {StatusQueued, StatusSending, StatusFailed, StatusCancelled},
	StatusSent:      {StatusDelivered, StatusFailed, StatusExpired, StatusRecalled},
	StatusDelivered: {StatusRead, StatusExpired, StatusRecalled},
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ErrorInfo captures the last delivery error of a message.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Notification is a single notification message. Identity and content are
// set at construction and never change; status and retry bookkeeping are
// guarded by an internal mutex so concurrent status reads never observe a
// torn write.
type Notification struct {
	ID         string
	Title      string
	Content    string
	Type       string
	Recipients []string
	Priority   Priority
	MaxRetries int
	CreatedAt  time.Time
	Metadata   map[string]string

	mu          sync.Mutex
	status      Status
	retryCount  int
	sentAt      *time.Time
	deliveredAt *time.Time
	lastErr     *ErrorInfo
}

// New creates a notification with a generated ID and status PENDING.
func New(title, content, msgType string, recipients []string, priority Priority) *Notification {
	return &Notification{
		ID:         uuid.NewString(),
		Title:      title,
		Content:    content,
		Type:       msgType,
		Recipients: recipients,
		Priority:   priority,
		CreatedAt:  time.Now(),
		status:     StatusPending,
	}
}

// Status returns the current status.
func (n *Notification) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// TransitionTo moves the message to next if the state machine allows it.
// Returns false (without mutating) otherwise.
func (n *Notification) TransitionTo(next Status) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.status.CanTransitionTo(next) {
		return false
	}
	n.applyLocked(next)
	return true
}

// TransitionFrom moves the message to next only if it currently is in one
// of the given statuses. Used for cancellation, which must not touch a
// message already handed to a worker.
func (n *Notification) TransitionFrom(next Status, from ...Status) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range from {
		if n.status == s && n.status.CanTransitionTo(next) {
			n.applyLocked(next)
			return true
		}
	}
	return false
}

func (n *Notification) applyLocked(next Status) {
	n.status = next
	now := time.Now()
	switch next {
	case StatusSent:
		n.sentAt = &now
	case StatusDelivered:
		n.deliveredAt = &now
	}
}

// RetryCount returns the number of retries performed so far.
func (n *Notification) RetryCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.retryCount
}

// IncrementRetry bumps the retry counter and returns the new value.
func (n *Notification) IncrementRetry() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.retryCount++
	return n.retryCount
}

// SetLastError records the most recent delivery error.
func (n *Notification) SetLastError(kind, msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastErr = &ErrorInfo{Kind: kind, Message: msg}
}

// LastError returns the most recent delivery error, or nil.
func (n *Notification) LastError() *ErrorInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.lastErr == nil {
		return nil
	}
	e := *n.lastErr
	return &e
}

// SentAt returns when the message was sent, or nil.
func (n *Notification) SentAt() *time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sentAt
}

// DeliveredAt returns when the message was delivered, or nil.
func (n *Notification) DeliveredAt() *time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.deliveredAt
}

// Snapshot is a consistent read-only view of a notification, suitable for
// status queries and JSON encoding.
type Snapshot struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Type        string            `json:"type"`
	Recipients  []string          `json:"recipients"`
	Priority    Priority          `json:"priority"`
	Status      Status            `json:"status"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	CreatedAt   time.Time         `json:"created_at"`
	SentAt      *time.Time        `json:"sent_at,omitempty"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
	LastError   *ErrorInfo        `json:"last_error,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Snapshot returns a consistent view of the message.
func (n *Notification) Snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()

	snap := Snapshot{
		ID:         n.ID,
		Title:      n.Title,
		Type:       n.Type,
		Recipients: append([]string(nil), n.Recipients...),
		Priority:   n.Priority,
		Status:     n.status,
		RetryCount: n.retryCount,
		MaxRetries: n.MaxRetries,
		CreatedAt:  n.CreatedAt,
		Metadata:   n.Metadata,
	}
	if n.sentAt != nil {
		t := *n.sentAt
		snap.SentAt = &t
	}
	if n.deliveredAt != nil {
		t := *n.deliveredAt
		snap.DeliveredAt = &t
	}
	if n.lastErr != nil {
		e := *n.lastErr
		snap.LastError = &e
	}
	return snap
}
