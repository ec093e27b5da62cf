package message

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	msg := New("deploy finished", "build 42 is live", "ci", []string{"ops@example.com"}, PriorityHigh)

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "deploy finished", msg.Title)
	assert.Equal(t, PriorityHigh, msg.Priority)
	assert.Equal(t, StatusPending, msg.Status())
	assert.Equal(t, 0, msg.RetryCount())
	assert.Nil(t, msg.SentAt())
	assert.Nil(t, msg.LastError())
}

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusQueued, false},
		{StatusSending, false},
		{StatusSent, false},
		{StatusRetrying, false},
		{StatusDelivered, true},
		{StatusRead, true},
		{StatusFailed, true},
		{StatusCancelled, true},
		{StatusExpired, true},
		{StatusRecalled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{"pending to queued", StatusPending, StatusQueued, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to sent", StatusPending, StatusSent, false},
		{"queued to sending", StatusQueued, StatusSending, true},
		{"queued to cancelled", StatusQueued, StatusCancelled, true},
		{"sending to sent", StatusSending, StatusSent, true},
		{"sending to retrying", StatusSending, StatusRetrying, true},
		{"sending to cancelled", StatusSending, StatusCancelled, false},
		{"retrying to queued", StatusRetrying, StatusQueued, true},
		{"retrying to cancelled", StatusRetrying, StatusCancelled, true},
		{"sent to delivered", StatusSent, StatusDelivered, true},
		{"sent to read", StatusSent, StatusRead, false},
		{"delivered to read", StatusDelivered, StatusRead, true},
		{"failed is terminal", StatusFailed, StatusQueued, false},
		{"cancelled is terminal", StatusCancelled, StatusQueued, false},
		{"read is terminal", StatusRead, StatusDelivered, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestNotification_TransitionTo(t *testing.T) {
	msg := New("t", "c", "test", nil, PriorityNormal)

	assert.True(t, msg.TransitionTo(StatusQueued))
	assert.True(t, msg.TransitionTo(StatusSending))
	assert.True(t, msg.TransitionTo(StatusSent))
	assert.Equal(t, StatusSent, msg.Status())
	assert.NotNil(t, msg.SentAt())

	// Illegal transition must not mutate
	assert.False(t, msg.TransitionTo(StatusQueued))
	assert.Equal(t, StatusSent, msg.Status())

	assert.True(t, msg.TransitionTo(StatusDelivered))
	assert.NotNil(t, msg.DeliveredAt())
}

func TestNotification_TransitionFrom(t *testing.T) {
	t.Run("matches current status", func(t *testing.T) {
		msg := New("t", "c", "test", nil, PriorityNormal)
		msg.TransitionTo(StatusQueued)

		assert.True(t, msg.TransitionFrom(StatusCancelled, StatusQueued, StatusRetrying))
		assert.Equal(t, StatusCancelled, msg.Status())
	})

	t.Run("does not match current status", func(t *testing.T) {
		msg := New("t", "c", "test", nil, PriorityNormal)
		msg.TransitionTo(StatusQueued)
		msg.TransitionTo(StatusSending)

		assert.False(t, msg.TransitionFrom(StatusCancelled, StatusQueued, StatusRetrying))
		assert.Equal(t, StatusSending, msg.Status())
	})
}

func TestNotification_Snapshot(t *testing.T) {
	msg := New("t", "c", "alert", []string{"a", "b"}, PriorityUrgent)
	msg.MaxRetries = 3
	msg.TransitionTo(StatusQueued)
	msg.IncrementRetry()
	msg.SetLastError("channel", "connection refused")

	snap := msg.Snapshot()

	assert.Equal(t, msg.ID, snap.ID)
	assert.Equal(t, StatusQueued, snap.Status)
	assert.Equal(t, 1, snap.RetryCount)
	assert.Equal(t, 3, snap.MaxRetries)
	assert.Equal(t, []string{"a", "b"}, snap.Recipients)
	assert.Equal(t, "channel", snap.LastError.Kind)

	// Snapshot recipients are a copy
	snap.Recipients[0] = "mutated"
	assert.Equal(t, "a", msg.Recipients[0])
}

func TestNotification_ConcurrentTransitions(t *testing.T) {
	msg := New("t", "c", "test", nil, PriorityNormal)
	msg.TransitionTo(StatusQueued)

	var wg sync.WaitGroup
	wins := make(chan Status, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if msg.TransitionFrom(StatusCancelled, StatusQueued) {
			wins <- StatusCancelled
		}
	}()
	go func() {
		defer wg.Done()
		if msg.TransitionFrom(StatusSending, StatusQueued) {
			wins <- StatusSending
		}
	}()
	wg.Wait()
	close(wins)

	// Exactly one goroutine may win the transition race.
	var winners []Status
	for s := range wins {
		winners = append(winners, s)
	}
	assert.Len(t, winners, 1)
	assert.Equal(t, winners[0], msg.Status())
}
