package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herald-io/herald/internal/message"
)

type fakeChannel struct {
	name string
	typ  Type

	mu        sync.Mutex
	sendErr   error
	healthErr error
	sends     int
}

func (f *fakeChannel) Name() string { return f.name }
func (f *fakeChannel) Type() Type   { return f.typ }

func (f *fakeChannel) Send(_ context.Context, _ *message.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends++
	return f.sendErr
}

func (f *fakeChannel) HealthCheck(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

func (f *fakeChannel) setErrors(sendErr, healthErr error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = sendErr
	f.healthErr = healthErr
}

func (f *fakeChannel) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func fakeConfig(name string, typ Type) Config {
	cfg := Config{Name: name, Type: typ, Enabled: true}
	switch typ {
	case TypeWebhookBot:
		cfg.WebhookBot = &WebhookBotSettings{URL: "https://hooks.example.com/" + name}
	case TypeTelegram:
		cfg.Telegram = &TelegramSettings{BotToken: "123:abc"}
	case TypeEmail:
		cfg.Email = &EmailSettings{SMTPHost: "smtp.example.com", FromAddress: "herald@example.com"}
	case TypeWeCom:
		cfg.WeCom = &WeComSettings{CorpID: "corp", CorpSecret: "secret", AgentID: 1}
	}
	return cfg
}

// newTestManager registers fake builders for every channel type and
// returns the fakes it built, keyed by channel name.
func newTestManager(cfg ManagerConfig) (*Manager, map[string]*fakeChannel) {
	mgr := NewManager(cfg)
	fakes := make(map[string]*fakeChannel)
	builder := func(cfg Config) (Channel, error) {
		f := &fakeChannel{name: cfg.Name, typ: cfg.Type}
		fakes[cfg.Name] = f
		return f, nil
	}
	for _, typ := range []Type{TypeEmail, TypeWebhookBot, TypeWeCom, TypeTelegram} {
		mgr.RegisterBuilder(typ, builder)
	}
	return mgr, fakes
}

func TestManager_AddChannel(t *testing.T) {
	mgr, _ := newTestManager(ManagerConfig{})

	_, err := mgr.AddChannel(fakeConfig("bot-a", TypeWebhookBot))
	require.NoError(t, err)
	assert.True(t, mgr.HasChannels())

	t.Run("duplicate name", func(t *testing.T) {
		_, err := mgr.AddChannel(fakeConfig("bot-a", TypeWebhookBot))
		assert.ErrorIs(t, err, ErrChannelExists)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := fakeConfig("bot-b", TypeWebhookBot)
		cfg.WebhookBot = nil
		_, err := mgr.AddChannel(cfg)
		assert.Error(t, err)
	})

	t.Run("no builder for type", func(t *testing.T) {
		mgr := NewManager(ManagerConfig{})
		_, err := mgr.AddChannel(fakeConfig("mail", TypeEmail))
		assert.ErrorIs(t, err, ErrUnknownChannelType)
	})
}

func TestManager_RemoveChannel(t *testing.T) {
	mgr, _ := newTestManager(ManagerConfig{})
	_, err := mgr.AddChannel(fakeConfig("bot-a", TypeWebhookBot))
	require.NoError(t, err)

	assert.True(t, mgr.RemoveChannel("bot-a"))
	assert.False(t, mgr.RemoveChannel("bot-a"))
	assert.False(t, mgr.HasChannels())
}

func TestManager_SelectBestChannel(t *testing.T) {
	mgr, _ := newTestManager(ManagerConfig{})
	for _, cfg := range []Config{
		fakeConfig("mail", TypeEmail),
		fakeConfig("bot-a", TypeWebhookBot),
		fakeConfig("bot-b", TypeWebhookBot),
	} {
		_, err := mgr.AddChannel(cfg)
		require.NoError(t, err)
	}

	t.Run("first fit in registration order", func(t *testing.T) {
		got := mgr.SelectBestChannel("", "")
		require.NotNil(t, got)
		assert.Equal(t, "mail", got.Name())
	})

	t.Run("type filter", func(t *testing.T) {
		got := mgr.SelectBestChannel(TypeWebhookBot, "")
		require.NotNil(t, got)
		assert.Equal(t, "bot-a", got.Name())
	})

	t.Run("preferred wins", func(t *testing.T) {
		got := mgr.SelectBestChannel("", "bot-b")
		require.NotNil(t, got)
		assert.Equal(t, "bot-b", got.Name())
	})

	t.Run("no match", func(t *testing.T) {
		assert.Nil(t, mgr.SelectBestChannel(TypeTelegram, ""))
	})

	t.Run("disabled channel skipped", func(t *testing.T) {
		cfg := fakeConfig("off", TypeTelegram)
		cfg.Enabled = false
		_, err := mgr.AddChannel(cfg)
		require.NoError(t, err)
		assert.Nil(t, mgr.SelectBestChannel(TypeTelegram, ""))
		assert.Nil(t, mgr.SelectBestChannel("", "off"))
	})
}

func TestManager_Send(t *testing.T) {
	msg := message.New("t", "c", "test", nil, message.PriorityNormal)

	t.Run("routes to best channel", func(t *testing.T) {
		mgr, fakes := newTestManager(ManagerConfig{})
		_, err := mgr.AddChannel(fakeConfig("bot-a", TypeWebhookBot))
		require.NoError(t, err)

		used, err := mgr.Send(context.Background(), msg, "", "")
		require.NoError(t, err)
		assert.Equal(t, "bot-a", used)
		assert.Equal(t, 1, fakes["bot-a"].sendCount())
	})

	t.Run("no channel available", func(t *testing.T) {
		mgr, _ := newTestManager(ManagerConfig{})
		_, err := mgr.Send(context.Background(), msg, "", "")
		assert.ErrorIs(t, err, ErrNoChannelAvailable)
	})

	t.Run("pinned channel does not fall through", func(t *testing.T) {
		mgr, _ := newTestManager(ManagerConfig{})
		_, err := mgr.AddChannel(fakeConfig("bot-a", TypeWebhookBot))
		require.NoError(t, err)

		_, err = mgr.Send(context.Background(), msg, "missing", "")
		assert.ErrorIs(t, err, ErrNoChannelAvailable)
	})

	t.Run("rate limited send", func(t *testing.T) {
		mgr, _ := newTestManager(ManagerConfig{})
		cfg := fakeConfig("bot-a", TypeWebhookBot)
		cfg.RateLimit = 1
		cfg.RateWindow = time.Minute
		_, err := mgr.AddChannel(cfg)
		require.NoError(t, err)

		_, err = mgr.Send(context.Background(), msg, "", "")
		require.NoError(t, err)

		_, err = mgr.Send(context.Background(), msg, "", "")
		var rateErr *RateLimitError
		assert.ErrorAs(t, err, &rateErr)
	})
}

func TestManager_AutoDisable(t *testing.T) {
	mgr, fakes := newTestManager(ManagerConfig{MaxConsecutiveFailures: 5})
	_, err := mgr.AddChannel(fakeConfig("bot-a", TypeWebhookBot))
	require.NoError(t, err)

	var disabledMu sync.Mutex
	var disabled []string
	mgr.OnDisabled(func(name string) {
		disabledMu.Lock()
		disabled = append(disabled, name)
		disabledMu.Unlock()
	})

	fakes["bot-a"].setErrors(errors.New("connection refused"), nil)
	msg := message.New("t", "c", "test", nil, message.PriorityNormal)

	for i := 0; i < 5; i++ {
		_, err := mgr.Send(context.Background(), msg, "bot-a", "")
		assert.Error(t, err)
	}

	// Fifth consecutive failure disables the channel.
	assert.False(t, mgr.HasAvailableChannel())
	infos := mgr.Channels()
	require.Len(t, infos, 1)
	assert.True(t, infos[0].Disabled)
	assert.Equal(t, 5, infos[0].ConsecutiveFailures)

	disabledMu.Lock()
	assert.Equal(t, []string{"bot-a"}, disabled)
	disabledMu.Unlock()

	t.Run("disabled channel refuses sends", func(t *testing.T) {
		_, err := mgr.Send(context.Background(), msg, "bot-a", "")
		assert.ErrorIs(t, err, ErrNoChannelAvailable)
	})

	t.Run("reset lifts the disable", func(t *testing.T) {
		assert.True(t, mgr.ResetChannel("bot-a"))
		assert.True(t, mgr.HasAvailableChannel())
		assert.Equal(t, 0, mgr.Channels()[0].ConsecutiveFailures)
	})

	t.Run("reset unknown channel", func(t *testing.T) {
		assert.False(t, mgr.ResetChannel("missing"))
	})
}

func TestManager_FailureCounterResetsOnSuccess(t *testing.T) {
	mgr, fakes := newTestManager(ManagerConfig{MaxConsecutiveFailures: 5})
	_, err := mgr.AddChannel(fakeConfig("bot-a", TypeWebhookBot))
	require.NoError(t, err)

	msg := message.New("t", "c", "test", nil, message.PriorityNormal)

	fakes["bot-a"].setErrors(errors.New("boom"), nil)
	for i := 0; i < 4; i++ {
		_, _ = mgr.Send(context.Background(), msg, "bot-a", "")
	}
	assert.Equal(t, 4, mgr.Channels()[0].ConsecutiveFailures)

	fakes["bot-a"].setErrors(nil, nil)
	_, err = mgr.Send(context.Background(), msg, "bot-a", "")
	require.NoError(t, err)
	assert.Equal(t, 0, mgr.Channels()[0].ConsecutiveFailures)
}

func TestManager_HealthCheckRecovery(t *testing.T) {
	mgr, fakes := newTestManager(ManagerConfig{MaxConsecutiveFailures: 2})
	_, err := mgr.AddChannel(fakeConfig("bot-a", TypeWebhookBot))
	require.NoError(t, err)

	fakes["bot-a"].setErrors(errors.New("boom"), errors.New("boom"))
	results := mgr.HealthCheckAll(context.Background())
	assert.False(t, results["bot-a"])
	results = mgr.HealthCheckAll(context.Background())
	assert.False(t, results["bot-a"])
	assert.False(t, mgr.HasAvailableChannel())

	// A passing health check re-enables the channel.
	fakes["bot-a"].setErrors(nil, nil)
	results = mgr.HealthCheckAll(context.Background())
	assert.True(t, results["bot-a"])
	assert.True(t, mgr.HasAvailableChannel())
}

func TestManager_Broadcast(t *testing.T) {
	mgr, fakes := newTestManager(ManagerConfig{})
	for _, name := range []string{"bot-a", "bot-b", "bot-c"} {
		_, err := mgr.AddChannel(fakeConfig(name, TypeWebhookBot))
		require.NoError(t, err)
	}
	fakes["bot-b"].setErrors(errors.New("boom"), nil)

	msg := message.New("t", "c", "test", nil, message.PriorityNormal)
	results := mgr.Broadcast(context.Background(), msg, TypeWebhookBot, []string{"bot-c"})

	// One failing channel does not affect the others; excluded channels
	// are not attempted.
	require.Len(t, results, 2)
	assert.NoError(t, results["bot-a"])
	assert.Error(t, results["bot-b"])
	assert.Equal(t, 0, fakes["bot-c"].sendCount())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"missing name", func(c *Config) { c.Name = "" }, true},
		{"unknown type", func(c *Config) { c.Type = "pigeon" }, true},
		{"missing settings variant", func(c *Config) { c.WebhookBot = nil }, true},
		{"bad url", func(c *Config) { c.WebhookBot.URL = "not a url" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := fakeConfig("bot-a", TypeWebhookBot)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
