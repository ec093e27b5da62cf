package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/herald-io/herald/internal/message"
)

// Builder constructs a platform channel from its validated config.
type Builder func(cfg Config) (Channel, error)

// ManagerConfig contains channel manager configuration.
type ManagerConfig struct {
	HealthInterval         time.Duration
	MaxConsecutiveFailures int
	RateWindow             time.Duration
	SendTimeout            time.Duration
}

// DefaultManagerConfig returns default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		HealthInterval:         5 * time.Minute,
		MaxConsecutiveFailures: 5,
		RateWindow:             60 * time.Second,
		SendTimeout:            30 * time.Second,
	}
}

// Manager is the channel registry. It selects channels for sends, fans
// out broadcasts and runs the periodic health-check loop that
// auto-disables unhealthy channels.
type Manager struct {
	config   ManagerConfig
	builders map[Type]Builder

	mu       sync.RWMutex
	channels map[string]*managed
	order    []string // registration order, selection is first-fit

	onDisabled func(name string)

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a channel manager.
func NewManager(config ManagerConfig) *Manager {
	def := DefaultManagerConfig()
	if config.HealthInterval <= 0 {
		config.HealthInterval = def.HealthInterval
	}
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if config.RateWindow <= 0 {
		config.RateWindow = def.RateWindow
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = def.SendTimeout
	}
	return &Manager{
		config:   config,
		builders: make(map[Type]Builder),
		channels: make(map[string]*managed),
		stopCh:   make(chan struct{}),
	}
}

// RegisterBuilder registers the constructor for a channel type.
func (mgr *Manager) RegisterBuilder(t Type, b Builder) {
	mgr.builders[t] = b
}

// OnDisabled registers a hook fired when a channel is auto-disabled by
// the health loop.
func (mgr *Manager) OnDisabled(fn func(name string)) {
	mgr.onDisabled = fn
}

// AddChannel validates the config, builds the platform channel and
// registers it.
func (mgr *Manager) AddChannel(cfg Config) (Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	builder, ok := mgr.builders[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannelType, cfg.Type)
	}

	impl, err := builder(cfg)
	if err != nil {
		return nil, fmt.Errorf("build channel %q: %w", cfg.Name, err)
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if _, exists := mgr.channels[cfg.Name]; exists {
		return nil, fmt.Errorf("%w: %s", ErrChannelExists, cfg.Name)
	}

	mgr.channels[cfg.Name] = newManaged(cfg, impl, mgr.config.RateWindow, mgr.config.SendTimeout)
	mgr.order = append(mgr.order, cfg.Name)
	recordChannelUp(cfg.Name, cfg.Enabled)

	slog.Info("channel registered",
		"name", cfg.Name,
		"type", cfg.Type,
		"enabled", cfg.Enabled,
		"rate_limit", cfg.RateLimit,
	)
	return impl, nil
}

// RemoveChannel unregisters a channel. Returns false if unknown.
func (mgr *Manager) RemoveChannel(name string) bool {
	mgr.mu.Lock()
	defer mgr.mu.Unlock()

	if _, ok := mgr.channels[name]; !ok {
		return false
	}
	delete(mgr.channels, name)
	for i, n := range mgr.order {
		if n == name {
			mgr.order = append(mgr.order[:i], mgr.order[i+1:]...)
			break
		}
	}
	slog.Info("channel removed", "name", name)
	return true
}

// SelectBestChannel picks a channel for a send. A preferred channel, if
// supplied and available, always wins; otherwise the first available
// channel of the requested type in registration order is used. An empty
// type matches any channel. Returns nil when nothing is eligible.
func (mgr *Manager) SelectBestChannel(channelType Type, preferred string) Channel {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()

	if preferred != "" {
		if mc, ok := mgr.channels[preferred]; ok && mc.available() {
			return mc.impl
		}
	}

	for _, name := range mgr.order {
		mc := mgr.channels[name]
		if !mc.available() {
			continue
		}
		if channelType != "" && mc.impl.Type() != channelType {
			continue
		}
		return mc.impl
	}
	return nil
}

// Send delivers a message through a named channel, or through the best
// available channel of the given type. Returns the name of the channel
// used.
func (mgr *Manager) Send(ctx context.Context, msg *message.Notification, channelName string, channelType Type) (string, error) {
	selected := mgr.SelectBestChannel(channelType, channelName)
	if selected == nil {
		return "", ErrNoChannelAvailable
	}
	// A pinned channel must not silently fall through to another one.
	if channelName != "" && selected.Name() != channelName {
		return "", fmt.Errorf("%w: %s", ErrNoChannelAvailable, channelName)
	}

	mgr.mu.RLock()
	mc := mgr.channels[selected.Name()]
	mgr.mu.RUnlock()
	if mc == nil {
		return "", ErrChannelNotFound
	}

	if err := mgr.sendManaged(ctx, mc, msg); err != nil {
		return selected.Name(), err
	}
	return selected.Name(), nil
}

func (mgr *Manager) sendManaged(ctx context.Context, mc *managed, msg *message.Notification) error {
	wasAvailable := mc.available()
	err := mc.send(ctx, msg, mgr.config.MaxConsecutiveFailures)
	if wasAvailable && !mc.available() {
		mgr.notifyDisabled(mc.impl.Name())
	}
	return err
}

// Broadcast fans a message out concurrently to every available channel of
// the given type (empty type means all), minus excludes. Each channel's
// outcome is independent.
func (mgr *Manager) Broadcast(ctx context.Context, msg *message.Notification, channelType Type, exclude []string) map[string]error {
	excluded := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		excluded[name] = true
	}

	mgr.mu.RLock()
	var targets []*managed
	for _, name := range mgr.order {
		mc := mgr.channels[name]
		if excluded[name] || !mc.available() {
			continue
		}
		if channelType != "" && mc.impl.Type() != channelType {
			continue
		}
		targets = append(targets, mc)
	}
	mgr.mu.RUnlock()

	results := make(map[string]error, len(targets))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, mc := range targets {
		wg.Add(1)
		go func(mc *managed) {
			defer wg.Done()
			err := mgr.sendManaged(ctx, mc, msg)
			resultsMu.Lock()
			results[mc.impl.Name()] = err
			resultsMu.Unlock()
		}(mc)
	}
	wg.Wait()

	return results
}

// HealthCheckAll probes every registered channel concurrently, including
// health-disabled ones so they can recover.
func (mgr *Manager) HealthCheckAll(ctx context.Context) map[string]bool {
	mgr.mu.RLock()
	targets := make([]*managed, 0, len(mgr.channels))
	for _, name := range mgr.order {
		targets = append(targets, mgr.channels[name])
	}
	mgr.mu.RUnlock()

	results := make(map[string]bool, len(targets))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, mc := range targets {
		wg.Add(1)
		go func(mc *managed) {
			defer wg.Done()
			wasAvailable := mc.available()
			healthy := mc.healthCheck(ctx, mgr.config.MaxConsecutiveFailures)
			if wasAvailable && !mc.available() {
				mgr.notifyDisabled(mc.impl.Name())
			}
			resultsMu.Lock()
			results[mc.impl.Name()] = healthy
			resultsMu.Unlock()
		}(mc)
	}
	wg.Wait()

	return results
}

// ResetChannel clears a channel's failure counter and lifts a
// health-based disable. Returns false if unknown.
func (mgr *Manager) ResetChannel(name string) bool {
	mgr.mu.RLock()
	mc, ok := mgr.channels[name]
	mgr.mu.RUnlock()
	if !ok {
		return false
	}
	mc.reset()
	slog.Info("channel reset", "name", name)
	return true
}

// HasChannels reports whether any channel is registered.
func (mgr *Manager) HasChannels() bool {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	return len(mgr.channels) > 0
}

// HasAvailableChannel reports whether at least one channel is currently
// available.
func (mgr *Manager) HasAvailableChannel() bool {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	for _, mc := range mgr.channels {
		if mc.available() {
			return true
		}
	}
	return false
}

// Channels returns status info for all registered channels in
// registration order.
func (mgr *Manager) Channels() []Info {
	mgr.mu.RLock()
	defer mgr.mu.RUnlock()
	infos := make([]Info, 0, len(mgr.order))
	for _, name := range mgr.order {
		infos = append(infos, mgr.channels[name].info())
	}
	return infos
}

// Start launches the periodic health-check loop.
func (mgr *Manager) Start() {
	slog.Info("starting channel health loop", "interval", mgr.config.HealthInterval)
	mgr.wg.Add(1)
	go mgr.healthLoop()
}

// Stop stops the health-check loop.
func (mgr *Manager) Stop() {
	mgr.stopOnce.Do(func() { close(mgr.stopCh) })
	mgr.wg.Wait()
	slog.Info("channel manager stopped")
}

func (mgr *Manager) healthLoop() {
	defer mgr.wg.Done()

	ticker := time.NewTicker(mgr.config.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-mgr.stopCh:
			return
		case <-ticker.C:
			results := mgr.HealthCheckAll(context.Background())
			for name, healthy := range results {
				if !healthy {
					slog.Warn("channel health check failed", "name", name)
				}
			}
		}
	}
}

func (mgr *Manager) notifyDisabled(name string) {
	slog.Warn("channel auto-disabled after consecutive failures",
		"name", name,
		"max_failures", mgr.config.MaxConsecutiveFailures,
	)
	if mgr.onDisabled != nil {
		mgr.onDisabled(name)
	}
}
