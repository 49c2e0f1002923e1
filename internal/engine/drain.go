package engine

import (
	"context"
	"errors"

	"github.com/roach88/possync/internal/model"
)

// DrainReport counts what one pass over the sync queue did.
type DrainReport struct {
	Applied      int  `json:"applied"`
	Rejected     int  `json:"rejected"`
	DeadLettered int  `json:"dead_lettered"`
	Superseded   int  `json:"superseded"`
	Deferred     int  `json:"deferred"`
	Stopped      bool `json:"stopped"`
}

// DrainRetryQueue replays PENDING entries oldest first.
//
// Entries of one record are replayed in order: once an entry of a record is
// deferred or refused, later entries of that record wait for the next pass.
// A connectivity failure ends the pass and is returned. Nothing is sent
// while the engine is offline or the device is in offline mode.
func (e *Engine) DrainRetryQueue(ctx context.Context) (DrainReport, error) {
	if e.closed.Load() {
		return DrainReport{}, ErrClosed
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	return e.drainLocked(ctx)
}

func (e *Engine) drainLocked(ctx context.Context) (DrainReport, error) {
	var rep DrainReport

	switch e.State() {
	case StateOffline, StateSyncingInitial:
		return rep, nil
	}
	offline, err := e.offlineMode(ctx)
	if err != nil || offline {
		return rep, err
	}

	entries, err := e.queue.Pending(ctx)
	if err != nil {
		return rep, err
	}
	defer e.refreshQueueMetrics(ctx)

	blocked := make(map[string]bool)
	resolved := make(map[string]bool)
	now := e.now()

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			rep.Stopped = true
			return rep, err
		}
		key := entry.Key()
		if resolved[key] {
			continue
		}
		if blocked[key] {
			rep.Deferred++
			continue
		}
		if entry.NextAttemptAt != nil && now.Before(*entry.NextAttemptAt) {
			blocked[key] = true
			rep.Deferred++
			continue
		}

		err := e.send(ctx, entry.Collection, entry.Operation, entry.Payload)
		switch {
		case err == nil:
			if err := e.queue.Remove(ctx, entry.ID); err != nil {
				return rep, err
			}
			rep.Applied++
			e.metrics.Push(string(entry.Collection), string(PushApplied))
			// The record may have flipped to SYNCED only now that its last
			// entry is gone.
			if entry.Operation != model.OpDelete {
				if err := e.markSynced(ctx, entry.Collection, entry.RecordID); err != nil {
					return rep, err
				}
			}

		case model.IsConnectivity(err):
			entry.LastError = err.Error()
			if err := e.queue.Save(ctx, entry); err != nil {
				return rep, err
			}
			rep.Stopped = true
			e.setState(StateRetrying)
			e.logger.Info("drain stopped, remote unreachable", "applied", rep.Applied)
			return rep, err

		case contended(err):
			entry.LastError = err.Error()
			if err := e.queue.Save(ctx, entry); err != nil {
				return rep, err
			}
			blocked[key] = true
			rep.Deferred++
			e.logger.Info("replay contended, will retry",
				"collection", entry.Collection,
				"id", entry.RecordID,
				"error", err)

		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			rep.Stopped = true
			return rep, err

		case superseded(err):
			if err := e.remoteWins(ctx, entry.Collection, entry.RecordID); err != nil {
				return rep, err
			}
			resolved[key] = true
			rep.Superseded++
			e.metrics.Push(string(entry.Collection), string(PushSuperseded))

		case refused(err):
			e.reject(&entry, err)
			if err := e.queue.Save(ctx, entry); err != nil {
				return rep, err
			}
			blocked[key] = true
			if entry.Status == model.QueueFailed {
				rep.DeadLettered++
			} else {
				rep.Rejected++
			}
			e.metrics.Push(string(entry.Collection), "rejected")

		case model.IsLocalStore(err):
			return rep, err

		default:
			// Retrying cannot fix a payload that does not translate.
			entry.Status = model.QueueFailed
			entry.LastError = err.Error()
			if err := e.queue.Save(ctx, entry); err != nil {
				return rep, err
			}
			blocked[key] = true
			rep.DeadLettered++
			e.logger.Warn("mutation dead-lettered",
				"collection", entry.Collection,
				"op", entry.Operation,
				"id", entry.RecordID,
				"error", err)
		}
	}

	pending, _, err := e.queue.Counts(ctx)
	if err != nil {
		return rep, err
	}
	if pending == 0 {
		e.setState(StateLive)
	} else {
		e.setState(StateRetrying)
	}
	if rep != (DrainReport{}) {
		e.logger.Info("queue drained",
			"applied", rep.Applied,
			"rejected", rep.Rejected,
			"dead_lettered", rep.DeadLettered,
			"superseded", rep.Superseded,
			"deferred", rep.Deferred,
			"remaining", pending)
	}
	return rep, nil
}
