package webhook

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/herald-io/herald/internal/pkg/ctxlog"
	"github.com/herald-io/herald/internal/pkg/httputil"
)

// maxBodySize caps inbound callback bodies at 1 MiB.
const maxBodySize = 1 << 20

// Handler errors.
var ErrHandlerExists = errors.New("webhook handler already registered")

// registration binds a platform/name pair to a verifier and a parser.
type registration struct {
	Platform string `json:"platform"`
	Name     string `json:"name"`
	Scheme   string `json:"scheme"`

	verifier Verifier
	parser   Parser
}

// Handler exposes the inbound webhook HTTP surface and routes verified
// events into the tracker.
type Handler struct {
	tracker *Tracker

	mu       sync.RWMutex
	handlers map[string]*registration // keyed by platform/name
}

// NewHandler creates a webhook HTTP handler around a tracker.
func NewHandler(tracker *Tracker) *Handler {
	return &Handler{
		tracker:  tracker,
		handlers: make(map[string]*registration),
	}
}

// Register binds a verifier (and optional custom parser) to
// POST /webhooks/{platform}/{name}. A nil parser means the default JSON
// shape.
func (h *Handler) Register(platform, name, scheme string, verifier Verifier, parser Parser) error {
	if parser == nil {
		parser = ParseJSON
	}
	key := platform + "/" + name

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.handlers[key]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, key)
	}
	h.handlers[key] = &registration{
		Platform: platform,
		Name:     name,
		Scheme:   scheme,
		verifier: verifier,
		parser:   parser,
	}
	slog.Info("webhook handler registered", "platform", platform, "name", name, "scheme", scheme)
	return nil
}

// RegisterRoutes registers the webhook HTTP surface.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/webhooks", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/handlers", h.ListHandlers)
		r.Post("/{platform}/{name}", h.HandleEvent)
		r.Get("/{platform}/{name}/verify", h.HandleVerify)
	})
}

func (h *Handler) lookup(r *http.Request) *registration {
	key := chi.URLParam(r, "platform") + "/" + chi.URLParam(r, "name")
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handlers[key]
}

// HandleEvent handles POST /webhooks/{platform}/{name}. Requests failing
// verification are rejected before any state mutation.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	reg := h.lookup(r)
	if reg == nil {
		writeResult(w, http.StatusNotFound, "unknown webhook handler")
		return
	}

	log := ctxlog.FromContext(ctxlog.With(r.Context(), "platform", reg.Platform, "handler", reg.Name))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeResult(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := reg.verifier.Verify(r, body); err != nil {
		recordRejected(reg.Platform, "signature")
		log.Warn("webhook rejected", "error", err)
		writeResult(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	events, err := reg.parser(body)
	if err != nil {
		recordRejected(reg.Platform, "parse")
		log.Warn("webhook payload rejected", "error", err)
		writeResult(w, http.StatusBadRequest, "malformed payload")
		return
	}

	for _, ev := range events {
		if ev.Source == "" {
			ev.Source = reg.Platform
		}
		if err := h.tracker.Process(ev); err != nil {
			recordRejected(reg.Platform, "event")
			writeResult(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	writeResult(w, http.StatusOK, fmt.Sprintf("processed %d event(s)", len(events)))
}

// HandleVerify handles GET /webhooks/{platform}/{name}/verify: providers
// probe the URL during registration and expect the challenge echoed back
// after signature verification.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	reg := h.lookup(r)
	if reg == nil {
		writeResult(w, http.StatusNotFound, "unknown webhook handler")
		return
	}

	if err := reg.verifier.Verify(r, nil); err != nil {
		recordRejected(reg.Platform, "signature")
		writeResult(w, http.StatusUnauthorized, "signature verification failed")
		return
	}

	challenge := r.URL.Query().Get("echostr")
	if challenge == "" {
		writeResult(w, http.StatusBadRequest, "missing challenge")
		return
	}
	httputil.Text(w, http.StatusOK, challenge)
}

// Health handles GET /webhooks/health.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	handlerCount := len(h.handlers)
	h.mu.RUnlock()

	httputil.JSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"handlers": handlerCount,
		"tracked":  h.tracker.Len(),
	})
}

// ListHandlers handles GET /webhooks/handlers.
func (h *Handler) ListHandlers(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	list := make([]registration, 0, len(h.handlers))
	for _, reg := range h.handlers {
		list = append(list, registration{
			Platform: reg.Platform,
			Name:     reg.Name,
			Scheme:   reg.Scheme,
		})
	}
	h.mu.RUnlock()

	httputil.JSON(w, http.StatusOK, map[string]any{"handlers": list})
}

func writeResult(w http.ResponseWriter, status int, msg string) {
	if status >= 400 {
		httputil.Error(w, status, msg)
		return
	}
	httputil.JSON(w, status, map[string]string{
		"status":  "ok",
		"message": msg,
	})
}
