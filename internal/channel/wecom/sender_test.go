package wecom

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herald-io/herald/internal/channel"
	"github.com/herald-io/herald/internal/message"
)

// fakeAPI emulates the token and message endpoints.
type fakeAPI struct {
	mu          sync.Mutex
	tokenCalls  int
	sendCalls   int
	sendErrCode int
	lastSend    sendRequest
}

func (f *fakeAPI) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/cgi-bin/gettoken", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokenCalls++
		n := f.tokenCalls
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"errcode":      0,
			"access_token": fmt.Sprintf("token-%d", n),
			"expires_in":   7200,
		})
	})
	mux.HandleFunc("/cgi-bin/message/send", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.sendCalls++
		code := f.sendErrCode
		_ = json.NewDecoder(r.Body).Decode(&f.lastSend)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]any{"errcode": code, "errmsg": "msg"})
	})
	return mux
}

func newTestSender(t *testing.T, apiBase string) *Sender {
	t.Helper()
	s, err := New(channel.Config{
		Name: "wecom-main",
		Type: channel.TypeWeCom,
		WeCom: &channel.WeComSettings{
			CorpID:     "corp",
			CorpSecret: "secret",
			AgentID:    7,
			APIBase:    apiBase,
		},
	})
	require.NoError(t, err)
	return s
}

func TestSender_Send(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	s := newTestSender(t, srv.URL)
	msg := message.New("release", "v2 is out", "announce", []string{"alice", "bob"}, message.PriorityNormal)

	require.NoError(t, s.Send(context.Background(), msg))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, "alice|bob", api.lastSend.ToUser)
	assert.Equal(t, "text", api.lastSend.MsgType)
	assert.EqualValues(t, 7, api.lastSend.AgentID)
	assert.Equal(t, "release\nv2 is out", api.lastSend.Text.Content)
}

func TestSender_NoRecipients(t *testing.T) {
	s := newTestSender(t, "http://127.0.0.1:1")
	msg := message.New("t", "c", "test", nil, message.PriorityNormal)

	err := s.Send(context.Background(), msg)
	var sendErr *channel.SendError
	require.ErrorAs(t, err, &sendErr)
	assert.False(t, sendErr.IsRetryable())
}

func TestSender_TokenCaching(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	s := newTestSender(t, srv.URL)
	msg := message.New("t", "c", "test", []string{"alice"}, message.PriorityNormal)

	require.NoError(t, s.Send(context.Background(), msg))
	require.NoError(t, s.Send(context.Background(), msg))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, 2, api.sendCalls)
	assert.Equal(t, 1, api.tokenCalls, "second send must reuse the cached token")
}

func TestSender_AuthErrorInvalidatesToken(t *testing.T) {
	api := &fakeAPI{sendErrCode: codeTokenExpired}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	s := newTestSender(t, srv.URL)
	msg := message.New("t", "c", "test", []string{"alice"}, message.PriorityNormal)

	err := s.Send(context.Background(), msg)
	var authErr *channel.AuthError
	require.ErrorAs(t, err, &authErr)

	// The retry fetches a fresh token instead of reusing the stale one.
	api.mu.Lock()
	api.sendErrCode = codeOK
	api.mu.Unlock()

	require.NoError(t, s.Send(context.Background(), msg))

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, 2, api.tokenCalls)
}

func TestSender_MapError(t *testing.T) {
	s := newTestSender(t, "http://127.0.0.1:1")

	tests := []struct {
		name  string
		code  int
		check func(t *testing.T, err error)
	}{
		{"ok", codeOK, func(t *testing.T, err error) {
			assert.NoError(t, err)
		}},
		{"invalid token", codeInvalidToken, func(t *testing.T, err error) {
			var authErr *channel.AuthError
			assert.ErrorAs(t, err, &authErr)
		}},
		{"frequency limit", codeFreqLimit, func(t *testing.T, err error) {
			var rateErr *channel.RateLimitError
			assert.ErrorAs(t, err, &rateErr)
		}},
		{"user not found is permanent", codeUserNotFound, func(t *testing.T, err error) {
			var sendErr *channel.SendError
			require.ErrorAs(t, err, &sendErr)
			assert.False(t, sendErr.IsRetryable())
		}},
		{"unknown code is retryable", 99999, func(t *testing.T, err error) {
			var sendErr *channel.SendError
			require.ErrorAs(t, err, &sendErr)
			assert.True(t, sendErr.IsRetryable())
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.check(t, s.mapError(&apiResponse{ErrCode: tt.code, ErrMsg: "msg"}))
		})
	}
}

func TestSender_HealthCheck(t *testing.T) {
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	s := newTestSender(t, srv.URL)
	assert.NoError(t, s.HealthCheck(context.Background()))

	s2 := newTestSender(t, "http://127.0.0.1:1")
	assert.Error(t, s2.HealthCheck(context.Background()))
}
