package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"lanchat/models"
)

const (
	// DefaultCheckInterval is how often the monitor sweeps the registry.
	DefaultCheckInterval = 2 * time.Second
	// DefaultStaleAfter is two advertisement intervals.
	DefaultStaleAfter = 10 * time.Second
	// DefaultLostAfter is five advertisement intervals.
	DefaultLostAfter = 25 * time.Second
)

// HealthOptions configures a HealthMonitor.
type HealthOptions struct {
	Interval   time.Duration
	StaleAfter time.Duration
	LostAfter  time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

func (o HealthOptions) withDefaults() HealthOptions {
	out := o
	if out.Interval <= 0 {
		out.Interval = DefaultCheckInterval
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.LostAfter <= 0 {
		out.LostAfter = DefaultLostAfter
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// HealthMonitor decays liveness of peers that stopped advertising. It never
// contacts peers itself; recovery is driven by discovery.
type HealthMonitor struct {
	registry *Registry
	opts     HealthOptions
	logger   *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthMonitor validates options and binds a monitor to registry.
func NewHealthMonitor(registry *Registry, opts HealthOptions) (*HealthMonitor, error) {
	if registry == nil {
		return nil, errors.New("registry is required")
	}
	cfg := opts.withDefaults()
	if cfg.LostAfter <= cfg.StaleAfter {
		return nil, errors.New("lost timeout must be greater than stale timeout")
	}

	return &HealthMonitor{
		registry: registry,
		opts:     cfg,
		logger:   cfg.Logger.With("component", "health"),
	}, nil
}

// Start begins periodic sweeps.
func (m *HealthMonitor) Start() {
	m.startOnce.Do(func() {
		m.ctx, m.cancel = context.WithCancel(context.Background())
		m.wg.Add(1)
		go m.loop()
	})
}

// Stop ends periodic sweeps and waits for the loop to return.
func (m *HealthMonitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		m.wg.Wait()
	})
}

// Check runs one sweep and returns the Left events it produced.
func (m *HealthMonitor) Check() []PeerEvent {
	now := m.opts.Now()
	staleCutoff := now.Add(-m.opts.StaleAfter)
	lostCutoff := now.Add(-m.opts.LostAfter)

	var left []PeerEvent
	for _, record := range m.registry.Snapshot() {
		liveness := record.Liveness
		if liveness == models.LivenessActive && m.registry.MarkStale(record.PeerID, staleCutoff) {
			liveness = models.LivenessStale
		}
		if liveness != models.LivenessStale {
			continue
		}
		if event := m.registry.MarkLost(record.PeerID, lostCutoff); event != nil {
			left = append(left, event)
		}
	}

	if len(left) > 0 {
		m.logger.Debug("health sweep removed peers", "count", len(left))
	}
	return left
}

func (m *HealthMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check()
		case <-m.ctx.Done():
			return
		}
	}
}
