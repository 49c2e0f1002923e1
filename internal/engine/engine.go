package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/possync/internal/metrics"
	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/store"
	"github.com/roach88/possync/internal/translate"
)

// Defaults for the engine options.
const (
	DefaultDrainInterval = 5 * time.Second
	DefaultEchoWindow    = 2 * time.Minute
	changeBuffer         = 256
)

// Engine keeps the device store and the remote store in sync.
//
// Thread-safety: all exported methods are safe for concurrent use. Sync
// operations are serialized on one mutex; GoOnline and GoOffline are
// serialized on a second one so a slow initial pull never blocks pushes
// from being queued.
type Engine struct {
	local       store.Backend
	remote      remote.Store
	tr          *translate.Translator
	queue       *Queue
	logger      *slog.Logger
	metrics     *metrics.Sync
	now         func() time.Time
	policy      RetryPolicy
	windows     PullWindows
	drainEvery  time.Duration
	echoWindow  time.Duration
	interceptor Interceptor
	onChange    func(c model.Collection, id string)
	session     string
	origins     *origins

	syncMu sync.Mutex
	lifeMu sync.Mutex

	stateMu sync.RWMutex
	state   State

	subMu    sync.Mutex
	subs     []*remote.Subscription
	feedStop chan struct{}
	feedGen  uint64
	fwd      sync.WaitGroup
	changes  chan remote.Change
	feedLost chan uint64

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records sync metrics on m.
func WithMetrics(m *metrics.Sync) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithNow sets the wall clock used for pull windows, backoff and the echo
// window.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSession sets the origin session id. Defaults to a random UUID.
func WithSession(session string) Option {
	return func(e *Engine) { e.session = session }
}

// WithInterceptor installs a push interceptor.
func WithInterceptor(i Interceptor) Option {
	return func(e *Engine) { e.interceptor = i }
}

// WithRetryPolicy overrides the rejection retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithPullWindows overrides the pull windows.
func WithPullWindows(w PullWindows) Option {
	return func(e *Engine) { e.windows = w }
}

// WithDrainInterval sets how often Run drains the queue.
func WithDrainInterval(d time.Duration) Option {
	return func(e *Engine) { e.drainEvery = d }
}

// WithEchoWindow sets how long a settled write's origin stays registered.
func WithEchoWindow(d time.Duration) Option {
	return func(e *Engine) { e.echoWindow = d }
}

// WithOnChange registers a callback invoked after every local write the
// engine makes. It runs with the sync mutex held and must not call back
// into the engine.
func WithOnChange(fn func(c model.Collection, id string)) Option {
	return func(e *Engine) { e.onChange = fn }
}

// New creates an engine in the OFFLINE state. A nil translator selects the
// built-in tables.
func New(local store.Backend, rs remote.Store, tr *translate.Translator, opts ...Option) *Engine {
	if tr == nil {
		tr = translate.Default()
	}
	e := &Engine{
		local:      local,
		remote:     rs,
		tr:         tr,
		logger:     slog.Default(),
		now:        time.Now,
		policy:     DefaultRetryPolicy(),
		windows:    DefaultPullWindows(),
		drainEvery: DefaultDrainInterval,
		echoWindow: DefaultEchoWindow,
		state:      StateOffline,
		changes:    make(chan remote.Change, changeBuffer),
		feedLost:   make(chan uint64, 8),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.session == "" {
		e.session = uuid.NewString()
	}
	e.queue = NewQueue(local, e.now)
	e.origins = newOrigins(e.session, e.echoWindow, e.now)
	return e
}

// Queue returns the engine's sync queue.
func (e *Engine) Queue() *Queue {
	return e.queue
}

// Session returns the origin session id.
func (e *Engine) Session() string {
	return e.session
}

// Init checks the device store and reports what the queue holds from a
// previous run.
func (e *Engine) Init(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	pending, dead, err := e.queue.Counts(ctx)
	if err != nil {
		return err
	}
	e.metrics.SetQueue(pending, dead)
	e.metrics.SetState(string(e.State()), allStates)
	e.logger.Info("sync engine initialized",
		"session", e.session,
		"pending", pending,
		"dead_letters", dead)
	return nil
}

// State returns the current state.
func (e *Engine) State() State {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.state
}

// Offline reports whether the engine is OFFLINE.
func (e *Engine) Offline() bool {
	return e.State() == StateOffline
}

func (e *Engine) setState(s State) {
	e.stateMu.Lock()
	prev := e.state
	e.state = s
	e.stateMu.Unlock()
	if prev == s {
		return
	}
	e.logger.Info("sync state changed", "from", prev, "to", s)
	e.metrics.SetState(string(s), allStates)
}

// Status returns a snapshot for status displays.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	pending, dead, err := e.queue.Counts(ctx)
	if err != nil {
		return Status{}, err
	}
	offline, err := e.offlineMode(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		State:       e.State(),
		Pending:     pending,
		DeadLetters: dead,
		OfflineMode: offline,
		Session:     e.session,
	}, nil
}

// offlineMode reads the device's offline_mode setting.
func (e *Engine) offlineMode(ctx context.Context) (bool, error) {
	rec, err := e.local.Get(ctx, model.Settings, model.SettingsID)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, model.NewLocalStoreError("read settings", err)
	}
	return rec.Bool("offline_mode"), nil
}

// Run processes remote changes and drains the queue periodically until ctx
// is cancelled or the engine is shut down.
func (e *Engine) Run(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	ticker := time.NewTicker(e.drainEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.done:
			return nil
		case c := <-e.changes:
			if err := e.HandleRemoteChange(ctx, c); err != nil && !errors.Is(err, ErrClosed) {
				e.logger.Warn("remote change not applied",
					"collection", c.Collection,
					"id", c.ID,
					"error", err)
			}
		case gen := <-e.feedLost:
			e.dropFeed(gen)
		case <-ticker.C:
			switch e.State() {
			case StateLive, StateRetrying:
				if _, err := e.DrainRetryQueue(ctx); err != nil && !model.IsConnectivity(err) && !errors.Is(err, ErrClosed) {
					e.logger.Error("drain failed", "error", err)
				}
			}
		}
	}
}

// GoOnline pulls every synced collection, attaches the change feeds and
// drains the queue. Any failure before the engine is LIVE leaves it
// OFFLINE. Calling GoOnline while already online only drains.
func (e *Engine) GoOnline(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	if e.closed.Load() {
		return ErrClosed
	}
	if e.State() != StateOffline {
		_, err := e.DrainRetryQueue(ctx)
		if err != nil && !model.IsConnectivity(err) {
			return err
		}
		return nil
	}

	if err := e.remote.Ping(ctx); err != nil {
		return fmt.Errorf("go online: %w", err)
	}
	e.setState(StateSyncingInitial)

	// Feeds are attached before the pull so nothing written in between is
	// missed; applying a change twice is harmless.
	if err := e.subscribeAll(ctx); err != nil {
		e.detach()
		e.setState(StateOffline)
		return fmt.Errorf("go online: %w", err)
	}
	if _, err := e.PullAll(ctx); err != nil {
		e.detach()
		e.setState(StateOffline)
		return fmt.Errorf("go online: %w", err)
	}

	e.setState(StateLive)
	if _, err := e.DrainRetryQueue(ctx); err != nil && !model.IsConnectivity(err) {
		return err
	}
	return nil
}

// GoOffline detaches the change feeds and enters OFFLINE.
func (e *Engine) GoOffline() {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	e.detach()
	e.setState(StateOffline)
}

// dropFeed goes offline after a change feed of generation gen ended with an
// error. Signals from feeds replaced since are ignored.
func (e *Engine) dropFeed(gen uint64) {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()

	e.subMu.Lock()
	current := e.feedGen == gen && e.subs != nil
	e.subMu.Unlock()
	if !current {
		return
	}
	e.logger.Warn("change feed lost")
	e.detach()
	e.setState(StateOffline)
}

// Shutdown detaches every feed and stops Run. Safe to call more than once.
// The device store is left open for its owner to close.
func (e *Engine) Shutdown() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
		e.lifeMu.Lock()
		e.detach()
		e.setState(StateOffline)
		e.lifeMu.Unlock()
		e.logger.Info("sync engine stopped", "session", e.session)
	})
}

// notify reports a local write to the change callback.
func (e *Engine) notify(c model.Collection, id string) {
	if e.onChange != nil {
		e.onChange(c, id)
	}
}

// refreshQueueMetrics publishes the queue depth.
func (e *Engine) refreshQueueMetrics(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	pending, dead, err := e.queue.Counts(ctx)
	if err != nil {
		return
	}
	e.metrics.SetQueue(pending, dead)
}
