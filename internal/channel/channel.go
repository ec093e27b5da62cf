// Package channel provides the delivery channel abstraction: a capability
// interface implemented per external platform, wrapped with sliding-window
// rate limiting and health bookkeeping, and a manager that selects and
// broadcasts across registered channels.
package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/herald-io/herald/internal/message"
)

// Type identifies a delivery channel platform.
type Type string

// Channel types.
const (
	TypeEmail      Type = "email"
	TypeWebhookBot Type = "webhook_bot"
	TypeWeCom      Type = "wecom"
	TypeTelegram   Type = "telegram"
)

// Channel is the capability contract implemented per external platform.
type Channel interface {
	Name() string
	Type() Type
	Send(ctx context.Context, msg *message.Notification) error
	HealthCheck(ctx context.Context) error
}

// EmailSettings configures an SMTP channel.
type EmailSettings struct {
	SMTPHost     string `koanf:"smtp_host" validate:"required"`
	SMTPPort     int    `koanf:"smtp_port"`
	SMTPUser     string `koanf:"smtp_user"`
	SMTPPassword string `koanf:"smtp_password"`
	FromAddress  string `koanf:"from_address" validate:"required"`
}

// WebhookBotSettings configures a bot-style incoming-webhook channel.
type WebhookBotSettings struct {
	URL      string `koanf:"url" validate:"required,url"`
	Secret   string `koanf:"secret"`
	Username string `koanf:"username"`
	IconURL  string `koanf:"icon_url" validate:"omitempty,url"`
}

// WeComSettings configures a WeCom application-API channel.
type WeComSettings struct {
	CorpID     string `koanf:"corp_id" validate:"required"`
	CorpSecret string `koanf:"corp_secret" validate:"required"`
	AgentID    int64  `koanf:"agent_id" validate:"required"`
	APIBase    string `koanf:"api_base" validate:"omitempty,url"`
}

// TelegramSettings configures a Telegram bot channel.
type TelegramSettings struct {
	BotToken   string  `koanf:"bot_token" validate:"required"`
	RatePerSec float64 `koanf:"rate_per_sec"`
}

// Config is the static per-channel configuration supplied at startup.
// Exactly one settings variant must be populated, matching Type; the
// whole value is validated once at construction and immutable afterwards.
type Config struct {
	Name       string        `koanf:"name" validate:"required"`
	Type       Type          `koanf:"type" validate:"required,oneof=email webhook_bot wecom telegram"`
	Enabled    bool          `koanf:"enabled"`
	RateLimit  int           `koanf:"rate_limit"`
	RateWindow time.Duration `koanf:"rate_window"`
	Timeout    time.Duration `koanf:"timeout"`

	Email      *EmailSettings      `koanf:"email" validate:"omitempty"`
	WebhookBot *WebhookBotSettings `koanf:"webhook_bot" validate:"omitempty"`
	WeCom      *WeComSettings      `koanf:"wecom" validate:"omitempty"`
	Telegram   *TelegramSettings   `koanf:"telegram" validate:"omitempty"`
}

var validate = validator.New()

// Validate checks the config structurally and ensures the settings
// variant matches the declared type.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("channel %q: %w", c.Name, err)
	}

	var settings any
	switch c.Type {
	case TypeEmail:
		settings = c.Email
	case TypeWebhookBot:
		settings = c.WebhookBot
	case TypeWeCom:
		settings = c.WeCom
	case TypeTelegram:
		settings = c.Telegram
	default:
		return fmt.Errorf("channel %q: %w: %s", c.Name, ErrUnknownChannelType, c.Type)
	}

	switch s := settings.(type) {
	case *EmailSettings:
		if s == nil {
			return fmt.Errorf("channel %q: email settings are required", c.Name)
		}
		return validate.Struct(s)
	case *WebhookBotSettings:
		if s == nil {
			return fmt.Errorf("channel %q: webhook_bot settings are required", c.Name)
		}
		return validate.Struct(s)
	case *WeComSettings:
		if s == nil {
			return fmt.Errorf("channel %q: wecom settings are required", c.Name)
		}
		return validate.Struct(s)
	case *TelegramSettings:
		if s == nil {
			return fmt.Errorf("channel %q: telegram settings are required", c.Name)
		}
		return validate.Struct(s)
	}
	return nil
}

// managed wraps a platform channel with rate limiting, timeout and
// health bookkeeping. Counters are guarded per channel.
type managed struct {
	impl    Channel
	config  Config
	limiter *slidingWindow
	timeout time.Duration

	mu                  sync.Mutex
	disabled            bool // health-based, distinct from config.Enabled
	consecutiveFailures int
	lastError           string
	lastCheckedAt       time.Time
}

func newManaged(cfg Config, impl Channel, defaultWindow, defaultTimeout time.Duration) *managed {
	window := cfg.RateWindow
	if window <= 0 {
		window = defaultWindow
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &managed{
		impl:    impl,
		config:  cfg,
		limiter: newSlidingWindow(cfg.RateLimit, window),
		timeout: timeout,
	}
}

// available reports whether the channel is enabled by config and not
// health-disabled.
func (m *managed) available() bool {
	if !m.config.Enabled {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.disabled
}

// send performs one rate-limited, timeout-bounded send attempt and feeds
// the outcome into the failure counter.
func (m *managed) send(ctx context.Context, msg *message.Notification, maxFailures int) error {
	if !m.limiter.Allow() {
		return &RateLimitError{Channel: m.impl.Name()}
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	err := m.impl.Send(ctx, msg)
	recordSendDuration(m.impl.Name(), time.Since(start))

	if err != nil {
		recordSend(m.impl.Name(), "error")
		m.recordFailure(err, maxFailures)
		return err
	}
	recordSend(m.impl.Name(), "success")
	m.recordSuccess()
	return nil
}

// healthCheck probes the channel. Both failed sends and failed health
// checks count toward auto-disable; a success clears the counter and
// lifts a health-based disable.
func (m *managed) healthCheck(ctx context.Context, maxFailures int) bool {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.impl.HealthCheck(ctx)

	m.mu.Lock()
	m.lastCheckedAt = time.Now()
	m.mu.Unlock()

	if err != nil {
		recordHealthCheck(m.impl.Name(), "failure")
		m.recordFailure(err, maxFailures)
		return false
	}
	recordHealthCheck(m.impl.Name(), "success")
	m.recordSuccess()
	return true
}

func (m *managed) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures = 0
	m.lastError = ""
	if m.disabled {
		m.disabled = false
		recordChannelUp(m.impl.Name(), true)
	}
}

func (m *managed) recordFailure(err error, maxFailures int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures++
	m.lastError = err.Error()
	if !m.disabled && m.consecutiveFailures >= maxFailures {
		m.disabled = true
		recordChannelUp(m.impl.Name(), false)
	}
}

// reset clears the failure counter and lifts a health-based disable.
func (m *managed) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutiveFailures = 0
	m.lastError = ""
	m.disabled = false
	recordChannelUp(m.impl.Name(), true)
}

// Info is a read-only status view of a registered channel.
type Info struct {
	Name                string    `json:"name"`
	Type                Type      `json:"type"`
	Enabled             bool      `json:"enabled"`
	Disabled            bool      `json:"health_disabled"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	RequestsInWindow    int       `json:"requests_in_window"`
	LastError           string    `json:"last_error,omitempty"`
	LastCheckedAt       time.Time `json:"last_checked_at,omitzero"`
}

func (m *managed) info() Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Info{
		Name:                m.impl.Name(),
		Type:                m.impl.Type(),
		Enabled:             m.config.Enabled,
		Disabled:            m.disabled,
		ConsecutiveFailures: m.consecutiveFailures,
		RequestsInWindow:    m.limiter.InWindow(),
		LastError:           m.lastError,
		LastCheckedAt:       m.lastCheckedAt,
	}
}
