// Package wecom provides notification delivery through the WeCom
// (enterprise WeChat) application message API.
package wecom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/herald-io/herald/internal/channel"
	"github.com/herald-io/herald/internal/message"
)

const defaultAPIBase = "https://qyapi.weixin.qq.com"

// Platform error codes.
const (
	codeOK            = 0
	codeInvalidToken  = 40014
	codeTokenExpired  = 42001
	codeInvalidSecret = 40001
	codeFreqLimit     = 45009
	codeUserNotFound  = 81013
)

// Sender implements the WeCom channel. Access tokens are cached until
// shortly before expiry; auth failures invalidate the cache so the next
// attempt fetches fresh credentials.
type Sender struct {
	name       string
	settings   channel.WeComSettings
	apiBase    string
	httpClient *http.Client

	tokenMu     sync.Mutex
	token       string
	tokenExpiry time.Time
}

// New creates a WeCom sender from a validated channel config.
func New(cfg channel.Config) (*Sender, error) {
	if cfg.WeCom == nil {
		return nil, errors.New("wecom sender: settings are required")
	}
	settings := *cfg.WeCom
	apiBase := settings.APIBase
	if apiBase == "" {
		apiBase = defaultAPIBase
	}

	return &Sender{
		name:       cfg.Name,
		settings:   settings,
		apiBase:    strings.TrimRight(apiBase, "/"),
		httpClient: &http.Client{},
	}, nil
}

// Name returns the channel name.
func (s *Sender) Name() string { return s.name }

// Type returns the channel type.
func (s *Sender) Type() channel.Type { return channel.TypeWeCom }

type apiResponse struct {
	ErrCode     int    `json:"errcode"`
	ErrMsg      string `json:"errmsg"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type sendRequest struct {
	ToUser  string   `json:"touser"`
	MsgType string   `json:"msgtype"`
	AgentID int64    `json:"agentid"`
	Text    textBody `json:"text"`
}

type textBody struct {
	Content string `json:"content"`
}

// Send delivers the message to all recipients through the application
// message API.
func (s *Sender) Send(ctx context.Context, msg *message.Notification) error {
	if len(msg.Recipients) == 0 {
		return &channel.SendError{
			Channel:   s.name,
			Err:       errors.New("no recipients"),
			Permanent: true,
		}
	}

	token, err := s.accessToken(ctx)
	if err != nil {
		return err
	}

	content := msg.Content
	if msg.Title != "" {
		content = msg.Title + "\n" + msg.Content
	}

	req := sendRequest{
		ToUser:  strings.Join(msg.Recipients, "|"),
		MsgType: "text",
		AgentID: s.settings.AgentID,
		Text:    textBody{Content: content},
	}

	resp, err := s.post(ctx, "/cgi-bin/message/send?access_token="+url.QueryEscape(token), req)
	if err != nil {
		return &channel.SendError{Channel: s.name, Err: err}
	}
	return s.mapError(resp)
}

// HealthCheck verifies credentials by fetching an access token.
func (s *Sender) HealthCheck(ctx context.Context) error {
	_, err := s.accessToken(ctx)
	return err
}

// accessToken returns a cached token or fetches a fresh one.
func (s *Sender) accessToken(ctx context.Context) (string, error) {
	s.tokenMu.Lock()
	defer s.tokenMu.Unlock()

	if s.token != "" && time.Now().Before(s.tokenExpiry) {
		return s.token, nil
	}

	query := url.Values{
		"corpid":     {s.settings.CorpID},
		"corpsecret": {s.settings.CorpSecret},
	}
	endpoint := s.apiBase + "/cgi-bin/gettoken?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", &channel.SendError{Channel: s.name, Err: fmt.Errorf("create token request: %w", err), Permanent: true}
	}

	httpResp, err := s.httpClient.Do(req)
	if err != nil {
		return "", &channel.SendError{Channel: s.name, Err: fmt.Errorf("fetch access token: %w", err)}
	}
	defer func() { _ = httpResp.Body.Close() }()

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return "", &channel.SendError{Channel: s.name, Err: fmt.Errorf("decode token response: %w", err)}
	}

	if resp.ErrCode != codeOK {
		return "", &channel.AuthError{
			Channel: s.name,
			Err:     fmt.Errorf("gettoken error %d: %s", resp.ErrCode, resp.ErrMsg),
		}
	}

	s.token = resp.AccessToken
	// Refresh a minute early to avoid racing the platform expiry.
	s.tokenExpiry = time.Now().Add(time.Duration(resp.ExpiresIn)*time.Second - time.Minute)

	slog.Debug("wecom access token refreshed", "channel", s.name, "expires_in", resp.ExpiresIn)
	return s.token, nil
}

// invalidateToken drops the cached token so the next attempt refreshes.
func (s *Sender) invalidateToken() {
	s.tokenMu.Lock()
	s.token = ""
	s.tokenExpiry = time.Time{}
	s.tokenMu.Unlock()
}

func (s *Sender) post(ctx context.Context, path string, body any) (*apiResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBase+path, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var resp apiResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// mapError converts a platform error code into the engine taxonomy.
func (s *Sender) mapError(resp *apiResponse) error {
	switch resp.ErrCode {
	case codeOK:
		return nil

	case codeInvalidToken, codeTokenExpired, codeInvalidSecret:
		// Cached credentials are stale; the retry will fetch new ones.
		s.invalidateToken()
		return &channel.AuthError{
			Channel: s.name,
			Err:     fmt.Errorf("api error %d: %s", resp.ErrCode, resp.ErrMsg),
		}

	case codeFreqLimit:
		return &channel.RateLimitError{Channel: s.name}

	case codeUserNotFound:
		return &channel.SendError{
			Channel:   s.name,
			Err:       fmt.Errorf("api error %d: %s", resp.ErrCode, resp.ErrMsg),
			Permanent: true,
		}

	default:
		return &channel.SendError{
			Channel: s.name,
			Err:     fmt.Errorf("api error %d: %s", resp.ErrCode, resp.ErrMsg),
		}
	}
}
