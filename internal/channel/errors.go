package channel

import (
	"errors"
	"fmt"
	"time"
)

// Registry errors.
var (
	ErrChannelExists      = errors.New("channel already registered")
	ErrChannelNotFound    = errors.New("channel not found")
	ErrUnknownChannelType = errors.New("unknown channel type")
	ErrNoChannelAvailable = errors.New("no channel available")
)

// SendError wraps a failed send attempt. Retryable by default; platform
// senders mark permanent failures explicitly.
type SendError struct {
	Channel   string
	Err       error
	Permanent bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Channel, e.Err)
}

// IsRetryable reports whether the failed attempt may be retried.
func (e *SendError) IsRetryable() bool { return !e.Permanent }

// Kind identifies the error class for status bookkeeping.
func (e *SendError) Kind() string { return "channel" }

func (e *SendError) Unwrap() error { return e.Err }

// AuthError indicates a credential or token failure. It is retryable: the
// sender forces a credential refresh before the next attempt.
type AuthError struct {
	Channel string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("channel %s: authentication failed: %v", e.Channel, e.Err)
}

// IsRetryable reports whether the failed attempt may be retried.
func (e *AuthError) IsRetryable() bool { return true }

// Kind identifies the error class for status bookkeeping.
func (e *AuthError) Kind() string { return "auth" }

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError is an explicit throttle signal, either from the local
// sliding window or reported by the platform.
type RateLimitError struct {
	Channel    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("channel %s: rate limited, retry after %s", e.Channel, e.RetryAfter)
	}
	return fmt.Sprintf("channel %s: rate limited", e.Channel)
}

// IsRetryable reports whether the failed attempt may be retried.
func (e *RateLimitError) IsRetryable() bool { return true }

// Kind identifies the error class for status bookkeeping.
func (e *RateLimitError) Kind() string { return "rate_limit" }
