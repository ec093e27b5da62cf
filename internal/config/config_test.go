package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herald-io/herald/internal/channel"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "herald.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.MetricsPort)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Queue.Workers)
	assert.Equal(t, 10000, cfg.Queue.MaxSize)
	assert.Equal(t, time.Second, cfg.Queue.PromoteInterval)
	assert.Equal(t, 5, cfg.Manager.MaxConsecutiveFailures)
	assert.Equal(t, 60*time.Second, cfg.Manager.RateWindow)
	assert.Equal(t, 7*24*time.Hour, cfg.Scheduler.Retention)
	assert.Equal(t, 24*time.Hour, cfg.Webhook.TTL)
	assert.Empty(t, cfg.Channels)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9999"
log:
  level: debug
  format: text
queue:
  workers: 10
channels:
  - name: ops-bot
    type: webhook_bot
    enabled: true
    rate_limit: 20
    webhook_bot:
      url: https://hooks.example.com/ops
      secret: hush
webhook:
  handlers:
    - platform: bot
      name: main
      scheme: bot
      secret: hush
    - platform: wecom
      name: main
      scheme: callback
      token: tok
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 10, cfg.Queue.Workers)
	// Untouched keys keep their defaults.
	assert.Equal(t, 10000, cfg.Queue.MaxSize)

	require.Len(t, cfg.Channels, 1)
	ch := cfg.Channels[0]
	assert.Equal(t, "ops-bot", ch.Name)
	assert.Equal(t, channel.TypeWebhookBot, ch.Type)
	assert.Equal(t, 20, ch.RateLimit)
	require.NotNil(t, ch.WebhookBot)
	assert.Equal(t, "https://hooks.example.com/ops", ch.WebhookBot.URL)

	require.Len(t, cfg.Webhook.Handlers, 2)
	assert.Equal(t, "bot", cfg.Webhook.Handlers[0].Scheme)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("HERALD_SERVER__PORT", "7777")
	t.Setenv("HERALD_LOG__LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "7777", cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/herald.yaml")
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "bad log level",
			yaml: "log:\n  level: loud\n",
		},
		{
			name: "metrics port equals server port",
			yaml: "server:\n  port: \"8080\"\n  metrics_port: \"8080\"\n",
		},
		{
			name: "channel missing settings",
			yaml: "channels:\n  - name: x\n    type: webhook_bot\n",
		},
		{
			name: "bot handler without secret",
			yaml: "webhook:\n  handlers:\n    - platform: bot\n      name: main\n      scheme: bot\n",
		},
		{
			name: "callback handler without token",
			yaml: "webhook:\n  handlers:\n    - platform: wecom\n      name: main\n      scheme: callback\n",
		},
		{
			name: "unknown scheme",
			yaml: "webhook:\n  handlers:\n    - platform: x\n      name: y\n      scheme: smoke\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			assert.Error(t, err)
		})
	}
}
