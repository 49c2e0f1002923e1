// Package pos implements the till operations on top of the sync engine:
// checkout and cancellation, catalog and user management, manual stock
// movements and store settings.
//
// Every write goes through the engine so it is stored locally first and
// pushed or queued. Stock-affecting writes go through the stock Reserver:
// remotely in one transaction when online, against the device store when
// not.
package pos

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/possync/internal/engine"
	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/stock"
	"github.com/roach88/possync/internal/store"
)

// Service runs till operations for one device.
type Service struct {
	engine *engine.Engine
	stock  *stock.Reserver
	local  store.Backend
	device string
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	// orderMu serializes order number allocation.
	orderMu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithNow sets the clock used for timestamps and order numbers.
func WithNow(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDs sets the id source for sales and movements. Defaults to
// store.NewID.
func WithIDs(next func() string) Option {
	return func(s *Service) { s.newID = next }
}

// New creates a Service for device.
func New(e *engine.Engine, r *stock.Reserver, local store.Backend, device string, opts ...Option) *Service {
	s := &Service{
		engine: e,
		stock:  r,
		local:  local,
		device: device,
		logger: slog.Default(),
		now:    time.Now,
		newID:  store.NewID,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// online reports whether a write should try the remote store directly.
func (s *Service) online(ctx context.Context) (bool, error) {
	if s.engine.Offline() {
		return false, nil
	}
	settings, err := s.Settings(ctx)
	if err != nil {
		return false, err
	}
	return !settings.OfflineMode, nil
}

// all returns every record of c.
func (s *Service) all(ctx context.Context, c model.Collection) ([]model.Record, error) {
	recs, err := s.local.GetAll(ctx, c)
	if err != nil {
		return nil, model.NewLocalStoreError("get all "+string(c), err)
	}
	return recs, nil
}

// get returns one record of c, with ErrNotFound passed through.
func (s *Service) get(ctx context.Context, c model.Collection, id string) (model.Record, error) {
	rec, err := s.local.Get(ctx, c, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, model.NewLocalStoreError("get "+string(c), err)
	}
	return rec, nil
}

func (s *Service) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// save pushes rec through the engine and logs queued writes.
func (s *Service) save(ctx context.Context, c model.Collection, rec model.Record) (model.Record, error) {
	saved, res, err := s.engine.Save(ctx, c, rec)
	if err != nil {
		return nil, err
	}
	if res == engine.PushQueued {
		s.logger.Debug("write queued", "collection", c, "id", saved.ID())
	}
	return saved, nil
}
