// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/herald-io/herald/internal/channel"
	"github.com/herald-io/herald/internal/channel/email"
	"github.com/herald-io/herald/internal/channel/telegram"
	"github.com/herald-io/herald/internal/channel/webhookbot"
	"github.com/herald-io/herald/internal/channel/wecom"
	"github.com/herald-io/herald/internal/config"
	"github.com/herald-io/herald/internal/pkg/httputil"
	"github.com/herald-io/herald/internal/queue"
	"github.com/herald-io/herald/internal/scheduler"
	"github.com/herald-io/herald/internal/version"
	"github.com/herald-io/herald/internal/webhook"
)

// App represents the application instance.
type App struct {
	config    *config.Config
	logger    *slog.Logger
	manager   *channel.Manager
	scheduler *scheduler.Scheduler
	tracker   *webhook.Tracker

	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	manager := channel.NewManager(channel.ManagerConfig{
		HealthInterval:         cfg.Manager.HealthInterval,
		MaxConsecutiveFailures: cfg.Manager.MaxConsecutiveFailures,
		RateWindow:             cfg.Manager.RateWindow,
		SendTimeout:            cfg.Manager.SendTimeout,
	})
	registerBuilders(manager)

	for _, chCfg := range cfg.Channels {
		if _, err := manager.AddChannel(chCfg); err != nil {
			return nil, fmt.Errorf("add channel %q: %w", chCfg.Name, err)
		}
	}

	sched := scheduler.New(
		scheduler.Config{
			Retention:            cfg.Scheduler.Retention,
			PurgeInterval:        cfg.Scheduler.PurgeInterval,
			DefaultMaxRetries:    cfg.Scheduler.DefaultMaxRetries,
			DefaultRetryDelay:    cfg.Scheduler.DefaultRetryDelay,
			DefaultBackoffFactor: cfg.Scheduler.DefaultBackoffFactor,
		},
		queue.Config{
			Workers:         cfg.Queue.Workers,
			MaxSize:         cfg.Queue.MaxSize,
			PromoteInterval: cfg.Queue.PromoteInterval,
		},
		manager,
	)

	tracker := webhook.NewTracker(webhook.TrackerConfig{
		TTL:             cfg.Webhook.TTL,
		CleanupInterval: cfg.Webhook.CleanupInterval,
		HistoryLimit:    cfg.Webhook.HistoryLimit,
	})

	// Platform-confirmed statuses flow back into the tracked messages.
	for _, evType := range []webhook.EventType{
		webhook.EventSent,
		webhook.EventDelivered,
		webhook.EventRead,
		webhook.EventFailed,
		webhook.EventExpired,
		webhook.EventRecalled,
	} {
		status, _ := evType.Status()
		tracker.OnStatus(evType, func(ev webhook.Event) {
			sched.ApplyStatus(ev.MessageID, status)
		})
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		manager:       manager,
		scheduler:     sched,
		tracker:       tracker,
		metricsCancel: metricsCancel,
	}

	go app.collectSchedulerMetrics(metricsCtx)

	router, err := app.setupRouter()
	if err != nil {
		metricsCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

func registerBuilders(manager *channel.Manager) {
	manager.RegisterBuilder(channel.TypeEmail, func(cfg channel.Config) (channel.Channel, error) {
		return email.New(cfg)
	})
	manager.RegisterBuilder(channel.TypeWebhookBot, func(cfg channel.Config) (channel.Channel, error) {
		return webhookbot.New(cfg)
	})
	manager.RegisterBuilder(channel.TypeWeCom, func(cfg channel.Config) (channel.Channel, error) {
		return wecom.New(cfg)
	})
	manager.RegisterBuilder(channel.TypeTelegram, func(cfg channel.Config) (channel.Channel, error) {
		return telegram.New(cfg)
	})
}

// Run starts the delivery engine and the HTTP servers.
func (a *App) Run() error {
	a.manager.Start()
	a.scheduler.Start()
	a.tracker.Start()

	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	// Start main server
	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down servers")

	a.metricsCancel()

	// Drain the delivery engine before closing the HTTP surface
	a.scheduler.Stop()
	a.manager.Stop()
	a.tracker.Stop()

	// Shutdown both servers in parallel
	var wg sync.WaitGroup
	var errs []error
	var mu sync.Mutex

	wg.Add(2)

	go func() {
		defer wg.Done()
		if err := a.server.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown server: %w", err))
			mu.Unlock()
		}
	}()

	go func() {
		defer wg.Done()
		if err := a.metricsServer.Shutdown(ctx); err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("shutdown metrics server: %w", err))
			mu.Unlock()
		}
	}()

	wg.Wait()

	return errors.Join(errs...)
}

func (a *App) collectSchedulerMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			scheduler.RecordStats(a.scheduler.Stats())
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Scheduler returns the delivery scheduler instance.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Tracker returns the webhook status tracker instance.
func (a *App) Tracker() *webhook.Tracker {
	return a.tracker
}

func (a *App) setupRouter() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)
	r.Get("/stats", a.statsHandler)

	webhookHandler := webhook.NewHandler(a.tracker)
	for _, h := range a.config.Webhook.Handlers {
		var verifier webhook.Verifier
		switch h.Scheme {
		case "bot":
			verifier = &webhook.BotVerifier{Secret: h.Secret}
		case "callback":
			verifier = &webhook.CallbackVerifier{Token: h.Token}
		default:
			return nil, fmt.Errorf("webhook handler %s/%s: unknown scheme %q", h.Platform, h.Name, h.Scheme)
		}
		if err := webhookHandler.Register(h.Platform, h.Name, h.Scheme, verifier, nil); err != nil {
			return nil, err
		}
	}
	webhookHandler.RegisterRoutes(r)

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, _ *http.Request) {
	if !a.scheduler.HealthCheck() {
		httputil.Text(w, http.StatusServiceUnavailable, "Delivery engine unavailable")
		return
	}
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) statsHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, a.scheduler.Stats())
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
