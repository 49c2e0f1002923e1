// Package connectivity turns online/offline signals into engine transitions.
//
// Platform signals arrive through Set and can flap; the Monitor debounces
// them and acts on the last one only. An optional probe pings the remote
// store periodically so a device that never receives an "online" signal
// still reconnects.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Target is the sync engine as the monitor drives it.
type Target interface {
	GoOnline(ctx context.Context) error
	GoOffline()
	Offline() bool
}

// Prober checks whether the remote store is reachable.
type Prober interface {
	Ping(ctx context.Context) error
}

// Defaults.
const (
	DefaultDebounce    = 500 * time.Millisecond
	DefaultMinInterval = 10 * time.Second
)

// Monitor debounces connectivity signals for a Target.
type Monitor struct {
	target      Target
	prober      Prober
	probeEvery  time.Duration
	debounce    time.Duration
	minInterval time.Duration
	logger      *slog.Logger
	now         func() time.Time
	listeners   []func(online bool)

	signals chan bool

	mu       sync.Mutex
	online   bool
	lastSync time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithProber pings p every interval while the monitor runs.
func WithProber(p Prober, every time.Duration) Option {
	return func(m *Monitor) {
		m.prober = p
		m.probeEvery = every
	}
}

// WithDebounce sets how long a signal must stand before it is acted on.
func WithDebounce(d time.Duration) Option {
	return func(m *Monitor) { m.debounce = d }
}

// WithMinInterval sets the minimum spacing between two full syncs.
func WithMinInterval(d time.Duration) Option {
	return func(m *Monitor) { m.minInterval = d }
}

// WithNow sets the clock.
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithListener calls fn with every applied transition.
func WithListener(fn func(online bool)) Option {
	return func(m *Monitor) { m.listeners = append(m.listeners, fn) }
}

// New creates a Monitor for target. It does nothing until Run.
func New(target Target, opts ...Option) *Monitor {
	m := &Monitor{
		target:      target,
		debounce:    DefaultDebounce,
		minInterval: DefaultMinInterval,
		logger:      slog.Default(),
		now:         time.Now,
		signals:     make(chan bool, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Set reports a platform connectivity signal. It never blocks; when signals
// arrive faster than Run consumes them only the latest counts.
func (m *Monitor) Set(online bool) {
	for {
		select {
		case m.signals <- online:
			return
		default:
		}
		select {
		case <-m.signals:
		default:
		}
	}
}

// Online reports the last applied state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run consumes signals and probes until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	settle := time.NewTimer(time.Hour)
	stopTimer(settle)
	defer settle.Stop()

	var probe <-chan time.Time
	if m.prober != nil && m.probeEvery > 0 {
		t := time.NewTicker(m.probeEvery)
		defer t.Stop()
		probe = t.C
	}

	var (
		want    bool
		waiting bool
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case online := <-m.signals:
			want, waiting = online, true
			resetTimer(settle, m.debounce)

		case <-probe:
			if !m.target.Offline() {
				continue
			}
			if err := m.prober.Ping(ctx); err != nil {
				m.logger.Debug("probe failed", "error", err)
				continue
			}
			if !waiting {
				m.logger.Info("remote reachable again")
				want, waiting = true, true
				resetTimer(settle, m.debounce)
			}

		case <-settle.C:
			if !waiting {
				continue
			}
			if wait := m.holdOff(want); wait > 0 {
				resetTimer(settle, wait)
				continue
			}
			waiting = false
			m.apply(ctx, want)
		}
	}
}

// holdOff returns how long an online transition must still wait to respect
// the minimum interval between full syncs.
func (m *Monitor) holdOff(online bool) time.Duration {
	if !online {
		return 0
	}
	m.mu.Lock()
	last := m.lastSync
	m.mu.Unlock()
	if last.IsZero() {
		return 0
	}
	return m.minInterval - m.now().Sub(last)
}

func (m *Monitor) apply(ctx context.Context, online bool) {
	if !online {
		m.target.GoOffline()
		m.set(false)
		m.logger.Info("connection lost, working offline")
		return
	}

	m.mu.Lock()
	m.lastSync = m.now()
	m.mu.Unlock()

	if err := m.target.GoOnline(ctx); err != nil {
		m.logger.Warn("reconnect failed", "error", err)
		m.set(false)
		return
	}
	m.set(true)
	m.logger.Info("connection restored, synced")
}

func (m *Monitor) set(online bool) {
	m.mu.Lock()
	m.online = online
	m.mu.Unlock()
	for _, fn := range m.listeners {
		fn(online)
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
