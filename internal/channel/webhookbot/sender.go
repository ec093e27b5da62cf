// Package webhookbot provides notification delivery through bot-style
// incoming webhooks (group-chat bots that accept a signed HTTP POST).
package webhookbot

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/herald-io/herald/internal/channel"
	"github.com/herald-io/herald/internal/message"
)

const defaultUsername = "herald"

// Sender implements the webhook-bot channel.
type Sender struct {
	name       string
	settings   channel.WebhookBotSettings
	httpClient *http.Client
}

// New creates a webhook-bot sender from a validated channel config.
func New(cfg channel.Config) (*Sender, error) {
	if cfg.WebhookBot == nil {
		return nil, errors.New("webhookbot sender: settings are required")
	}
	settings := *cfg.WebhookBot
	if settings.Username == "" {
		settings.Username = defaultUsername
	}

	return &Sender{
		name:       cfg.Name,
		settings:   settings,
		httpClient: &http.Client{},
	}, nil
}

// Name returns the channel name.
func (s *Sender) Name() string { return s.name }

// Type returns the channel type.
func (s *Sender) Type() channel.Type { return channel.TypeWebhookBot }

type webhookPayload struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	IconURL  string `json:"icon_url,omitempty"`
}

// Send posts the message to the incoming webhook. When a secret is
// configured the request carries a timestamp and an HMAC-SHA256
// signature over "timestamp\n" + secret, matching the bot platform's
// verification scheme.
func (s *Sender) Send(ctx context.Context, msg *message.Notification) error {
	payload := webhookPayload{
		Username: s.settings.Username,
		IconURL:  s.settings.IconURL,
	}
	if msg.Title != "" {
		payload.Text = fmt.Sprintf("### %s\n\n%s", msg.Title, msg.Content)
	} else {
		payload.Text = msg.Content
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &channel.SendError{Channel: s.name, Err: fmt.Errorf("marshal payload: %w", err), Permanent: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.settings.URL, bytes.NewReader(body))
	if err != nil {
		return &channel.SendError{Channel: s.name, Err: fmt.Errorf("create request: %w", err), Permanent: true}
	}
	req.Header.Set("Content-Type", "application/json")

	if s.settings.Secret != "" {
		timestamp := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-Timestamp", timestamp)
		req.Header.Set("X-Signature", Sign(timestamp, s.settings.Secret))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &channel.SendError{Channel: s.name, Err: fmt.Errorf("send request: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp)
}

// HealthCheck probes the webhook endpoint. Bot webhooks have no dedicated
// probe, so a HEAD request suffices to detect network/DNS failures; 4xx
// method rejections still prove reachability.
func (s *Sender) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.settings.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probe webhook: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook endpoint unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (s *Sender) handleResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &channel.SendError{Channel: s.name, Err: fmt.Errorf("read response: %w", err)}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		slog.Debug("webhook bot message sent", "channel", s.name)
		return nil

	case http.StatusBadRequest:
		return &channel.SendError{
			Channel:   s.name,
			Err:       fmt.Errorf("bad request: %s", string(body)),
			Permanent: true,
		}

	case http.StatusUnauthorized, http.StatusForbidden:
		return &channel.AuthError{
			Channel: s.name,
			Err:     errors.New("invalid or expired webhook credentials"),
		}

	case http.StatusNotFound:
		return &channel.SendError{
			Channel:   s.name,
			Err:       errors.New("webhook not found"),
			Permanent: true,
		}

	case http.StatusTooManyRequests:
		return &channel.RateLimitError{
			Channel:    s.name,
			RetryAfter: retryAfter(resp),
		}

	default:
		if resp.StatusCode >= 500 {
			return &channel.SendError{
				Channel: s.name,
				Err:     fmt.Errorf("server error %d: %s", resp.StatusCode, string(body)),
			}
		}
		return &channel.SendError{
			Channel:   s.name,
			Err:       fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body)),
			Permanent: true,
		}
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// Sign computes the bot webhook signature: base64 of HMAC-SHA256 over
// "timestamp\n" + secret, keyed by the secret.
func Sign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "\n" + secret))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
