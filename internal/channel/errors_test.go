package channel

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSendError(t *testing.T) {
	cause := errors.New("connection reset")

	t.Run("retryable by default", func(t *testing.T) {
		err := &SendError{Channel: "bot-a", Err: cause}
		assert.True(t, err.IsRetryable())
		assert.Equal(t, "channel", err.Kind())
		assert.Equal(t, cause, errors.Unwrap(err))
	})

	t.Run("permanent", func(t *testing.T) {
		err := &SendError{Channel: "bot-a", Err: cause, Permanent: true}
		assert.False(t, err.IsRetryable())
	})

	t.Run("unwraps through wrapping", func(t *testing.T) {
		wrapped := fmt.Errorf("send: %w", &SendError{Channel: "bot-a", Err: cause})
		var sendErr *SendError
		assert.ErrorAs(t, wrapped, &sendErr)
		assert.ErrorIs(t, wrapped, cause)
	})
}

func TestAuthError(t *testing.T) {
	err := &AuthError{Channel: "wecom-main", Err: errors.New("invalid token")}
	assert.True(t, err.IsRetryable())
	assert.Equal(t, "auth", err.Kind())
	assert.Contains(t, err.Error(), "authentication failed")
}

func TestRateLimitError(t *testing.T) {
	t.Run("with retry after", func(t *testing.T) {
		err := &RateLimitError{Channel: "bot-a", RetryAfter: 30 * time.Second}
		assert.True(t, err.IsRetryable())
		assert.Equal(t, "rate_limit", err.Kind())
		assert.Contains(t, err.Error(), "retry after 30s")
	})

	t.Run("without retry after", func(t *testing.T) {
		err := &RateLimitError{Channel: "bot-a"}
		assert.Equal(t, "channel bot-a: rate limited", err.Error())
	})
}
