package engine

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
)

// PullWindows bound the history fetched for append-heavy collections.
// Zero or negative days fetch the whole collection.
type PullWindows struct {
	// SalesDays counts calendar days back from local midnight; 1 is today.
	SalesDays int
	// MovementDays counts 24h periods back from now.
	MovementDays int
}

// DefaultPullWindows returns today's sales and 30 days of movements.
func DefaultPullWindows() PullWindows {
	return PullWindows{SalesDays: 1, MovementDays: 30}
}

// Since returns the lower bound for collection c, if it is windowed.
func (w PullWindows) Since(c model.Collection, now time.Time) (time.Time, bool) {
	switch c {
	case model.Sales:
		if w.SalesDays <= 0 {
			return time.Time{}, false
		}
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return midnight.AddDate(0, 0, -(w.SalesDays - 1)), true
	case model.InventoryMovements:
		if w.MovementDays <= 0 {
			return time.Time{}, false
		}
		return now.AddDate(0, 0, -w.MovementDays), true
	}
	return time.Time{}, false
}

// Pull fetches one collection and upserts it into the device store.
//
// Local records are never deleted by a pull. Records with PENDING queue
// entries keep their local version, fields held by pending mutations of
// other records keep their local values, and documents that fail
// translation are skipped with a warning. Returns the number of records written.
func (e *Engine) Pull(ctx context.Context, c model.Collection) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	return e.pullLocked(ctx, c)
}

func (e *Engine) pullLocked(ctx context.Context, c model.Collection) (int, error) {
	name, err := e.tr.RemoteCollection(c)
	if err != nil {
		return 0, err
	}
	var opts remote.ListOptions
	if since, ok := e.windows.Since(c, e.now()); ok {
		opts.SinceField = e.tr.RemoteField(c, "created_at")
		opts.Since = since
	}

	docs, err := e.remote.List(ctx, name, opts)
	if err != nil {
		return 0, err
	}
	pending, err := e.queue.PendingKeys(ctx)
	if err != nil {
		return 0, err
	}
	held, err := e.held(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, doc := range docs {
		rec, err := e.tr.ToLocal(c, doc)
		if err != nil {
			e.logger.Warn("skipping untranslatable record",
				"collection", c,
				"id", doc.ID(),
				"error", err)
			continue
		}
		if pending[model.RecordKey(c, rec.ID())] {
			e.logger.Debug("pull kept local record with pending mutation", "collection", c, "id", rec.ID())
			continue
		}
		if err := e.upsertKeeping(ctx, c, rec, held[model.RecordKey(c, rec.ID())]); err != nil {
			return n, err
		}
		n++
	}
	e.logger.Debug("pulled collection", "collection", c, "records", n)
	return n, nil
}

// PullAll pulls every synced collection in dependency order.
func (e *Engine) PullAll(ctx context.Context) (map[model.Collection]int, error) {
	start := time.Now()
	counts := make(map[model.Collection]int, len(model.SyncedCollections))
	for _, c := range model.SyncedCollections {
		n, err := e.Pull(ctx, c)
		if err != nil {
			return counts, err
		}
		counts[c] = n
	}
	e.metrics.ObservePull(time.Since(start))
	return counts, nil
}

// upsertLocked writes a remote-derived record, carrying over the local
// values of device-owned fields.
func (e *Engine) upsertLocked(ctx context.Context, c model.Collection, rec model.Record) error {
	return e.upsertKeeping(ctx, c, rec, nil)
}

// upsertKeeping is upsertLocked that also keeps the local values of keep.
func (e *Engine) upsertKeeping(ctx context.Context, c model.Collection, rec model.Record, keep []string) error {
	if fields := slices.Concat(e.tr.DeviceOwnedFields(c), keep); len(fields) > 0 {
		existing, err := e.local.Get(ctx, c, rec.ID())
		switch {
		case err == nil:
			for _, f := range fields {
				if existing.Has(f) {
					rec[f] = existing[f]
				}
			}
		case !errors.Is(err, model.ErrNotFound):
			return model.NewLocalStoreError("get", err)
		}
	}
	if _, err := e.local.Put(ctx, c, rec); err != nil {
		return model.NewLocalStoreError("put", err)
	}
	e.notify(c, rec.ID())
	return nil
}

// held returns the local fields that pending mutations hold, by record key.
func (e *Engine) held(ctx context.Context) (map[string][]string, error) {
	h, ok := e.interceptor.(Holder)
	if !ok {
		return nil, nil
	}
	pending, err := e.queue.Pending(ctx)
	if err != nil {
		return nil, err
	}
	return h.HeldFields(pending), nil
}
