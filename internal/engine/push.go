package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/store"
)

// PushResult says what happened to a pushed mutation.
type PushResult string

const (
	// PushApplied means the remote store accepted the write.
	PushApplied PushResult = "applied"
	// PushQueued means the mutation waits in the sync queue.
	PushQueued PushResult = "queued"
	// PushSuperseded means the remote copy won a conflict and the local
	// intent was discarded.
	PushSuperseded PushResult = "superseded"
)

// Push sends a local mutation to the remote store.
//
// The mutation is queued instead when the engine is not online, when the
// device is in offline mode, or when the record already has PENDING entries.
// A connectivity failure queues it and returns nil. A rejection queues it
// with backoff and is returned to the caller. A conflict resolves remote
// wins, except when a stock transaction lost to other devices: that
// mutation is queued as well. Translation errors are returned and nothing is queued.
func (e *Engine) Push(ctx context.Context, c model.Collection, op model.Operation, rec model.Record) (PushResult, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	return e.pushLocked(ctx, c, op, rec)
}

func validatePush(c model.Collection, op model.Operation, rec model.Record) error {
	if !c.Synced() {
		return fmt.Errorf("push: collection %q is not synced", c)
	}
	if !op.Valid() {
		return fmt.Errorf("push: invalid operation %q", op)
	}
	if rec.ID() == "" {
		return model.NewTranslationError(string(c), "", "record has no id")
	}
	return nil
}

func (e *Engine) pushLocked(ctx context.Context, c model.Collection, op model.Operation, rec model.Record) (PushResult, error) {
	if err := validatePush(c, op, rec); err != nil {
		return "", err
	}

	defer e.refreshQueueMetrics(ctx)

	hold, err := e.mustQueue(ctx, c, rec.ID())
	if err != nil {
		return "", err
	}
	if hold {
		if _, err := e.queue.Enqueue(ctx, c, op, rec); err != nil {
			return "", err
		}
		e.metrics.Push(string(c), string(PushQueued))
		e.logger.Debug("mutation queued", "collection", c, "op", op, "id", rec.ID())
		return PushQueued, nil
	}

	err = e.send(ctx, c, op, rec)
	switch {
	case err == nil:
		e.metrics.Push(string(c), string(PushApplied))
		return PushApplied, nil

	case model.IsConnectivity(err), contended(err):
		entry, qerr := e.queue.Enqueue(ctx, c, op, rec)
		if qerr != nil {
			return "", qerr
		}
		entry.LastError = err.Error()
		if qerr := e.queue.Save(ctx, entry); qerr != nil {
			return "", qerr
		}
		e.enterRetrying()
		e.metrics.Push(string(c), string(PushQueued))
		e.logger.Info("push failed, mutation queued", "collection", c, "op", op, "id", rec.ID(), "error", err)
		return PushQueued, nil

	case superseded(err):
		if err := e.remoteWins(ctx, c, rec.ID()); err != nil {
			return "", err
		}
		e.metrics.Push(string(c), string(PushSuperseded))
		return PushSuperseded, nil

	case refused(err):
		entry, qerr := e.queue.Enqueue(ctx, c, op, rec)
		if qerr != nil {
			return "", qerr
		}
		e.reject(&entry, err)
		if qerr := e.queue.Save(ctx, entry); qerr != nil {
			return "", qerr
		}
		e.enterRetrying()
		e.metrics.Push(string(c), "rejected")
		return PushQueued, err
	}

	e.metrics.Push(string(c), "failed")
	return "", err
}

// mustQueue reports whether a mutation has to wait in the queue.
func (e *Engine) mustQueue(ctx context.Context, c model.Collection, id string) (bool, error) {
	switch e.State() {
	case StateOffline, StateSyncingInitial:
		return true, nil
	}
	offline, err := e.offlineMode(ctx)
	if err != nil {
		return false, err
	}
	if offline {
		return true, nil
	}
	return e.queue.HasPending(ctx, c, id)
}

func (e *Engine) enterRetrying() {
	if e.State() == StateLive {
		e.setState(StateRetrying)
	}
}

// reject counts a refusal on entry and schedules its next attempt, or
// dead-letters it once the retry budget is spent.
func (e *Engine) reject(entry *model.QueueEntry, err error) {
	entry.RetryCount++
	entry.LastError = err.Error()
	if e.policy.MaxRejections > 0 && entry.RetryCount >= e.policy.MaxRejections {
		entry.Status = model.QueueFailed
		entry.NextAttemptAt = nil
		e.logger.Warn("mutation dead-lettered",
			"collection", entry.Collection,
			"op", entry.Operation,
			"id", entry.RecordID,
			"attempts", entry.RetryCount,
			"error", err)
		return
	}
	next := e.now().Add(e.policy.Backoff(entry.RetryCount)).UTC()
	entry.NextAttemptAt = &next
	e.logger.Warn("mutation rejected, will retry",
		"collection", entry.Collection,
		"op", entry.Operation,
		"id", entry.RecordID,
		"attempt", entry.RetryCount,
		"next_attempt_at", next,
		"error", err)
}

// send performs one remote write and applies its local consequences.
func (e *Engine) send(ctx context.Context, c model.Collection, op model.Operation, rec model.Record) error {
	name, err := e.tr.RemoteCollection(c)
	if err != nil {
		return err
	}
	var doc model.Record
	if op != model.OpDelete {
		if doc, err = e.tr.ToRemote(c, rec); err != nil {
			return err
		}
	}

	octx, settle := e.Track(ctx)
	defer settle()

	var (
		handled bool
		applied []Applied
	)
	if e.interceptor != nil {
		handled, applied, err = e.interceptor.InterceptPush(octx, c, op, rec)
		if err != nil {
			return contention(err)
		}
	}
	if !handled {
		switch op {
		case model.OpCreate:
			err = e.remote.Create(octx, name, doc)
		case model.OpUpdate:
			err = e.remote.Update(octx, name, rec.ID(), doc)
		case model.OpDelete:
			err = e.remote.Delete(octx, name, rec.ID())
		}
		if err != nil {
			return err
		}
	}

	for _, a := range applied {
		if err := e.upsertLocked(ctx, a.Collection, a.Record); err != nil {
			return err
		}
	}
	if op != model.OpDelete {
		return e.markSynced(ctx, c, rec.ID())
	}
	return nil
}

// markSynced flips a record's sync_status once nothing is left to push.
func (e *Engine) markSynced(ctx context.Context, c model.Collection, id string) error {
	table, ok := e.tr.Table(c)
	if !ok {
		return nil
	}
	if _, ok := table.Field("sync_status"); !ok {
		return nil
	}
	pending, err := e.queue.HasPending(ctx, c, id)
	if err != nil || pending {
		return err
	}
	rec, err := e.local.Get(ctx, c, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return model.NewLocalStoreError("get", err)
	}
	if rec.String("sync_status") == model.SyncSynced {
		return nil
	}
	rec["sync_status"] = model.SyncSynced
	if _, err := e.local.Put(ctx, c, rec); err != nil {
		return model.NewLocalStoreError("put", err)
	}
	e.notify(c, id)
	return nil
}

// remoteWins discards the local intent for a record and adopts the remote
// copy. A document missing remotely is deleted locally.
func (e *Engine) remoteWins(ctx context.Context, c model.Collection, id string) error {
	dropped, err := e.queue.Discard(ctx, c, id)
	if err != nil {
		return err
	}
	e.logger.Info("conflict resolved, remote wins", "collection", c, "id", id, "discarded", dropped)

	name, err := e.tr.RemoteCollection(c)
	if err != nil {
		return err
	}
	doc, err := e.remote.GetByID(ctx, name, id)
	if errors.Is(err, model.ErrNotFound) {
		if err := e.local.Delete(ctx, c, id); err != nil {
			return model.NewLocalStoreError("delete", err)
		}
		e.notify(c, id)
		return nil
	}
	if err != nil {
		// The next pull or change event brings the remote copy.
		e.logger.Warn("remote copy unavailable after conflict", "collection", c, "id", id, "error", err)
		return nil
	}
	rec, err := e.tr.ToLocal(c, doc)
	if err != nil {
		e.logger.Warn("remote copy untranslatable after conflict", "collection", c, "id", id, "error", err)
		return nil
	}
	return e.upsertLocked(ctx, c, rec)
}

// Save writes a record to the device store as PENDING and pushes it. A
// record without id gets a new one; the operation is CREATE when the record
// is new locally and UPDATE otherwise. Returns the stored record.
func (e *Engine) Save(ctx context.Context, c model.Collection, rec model.Record) (model.Record, PushResult, error) {
	if e.closed.Load() {
		return nil, "", ErrClosed
	}
	if !c.Synced() {
		return nil, "", fmt.Errorf("save: collection %q is not synced", c)
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	rec = rec.Clone()
	op := model.OpUpdate
	if rec.ID() == "" {
		rec["id"] = store.NewID()
		op = model.OpCreate
	} else if _, err := e.local.Get(ctx, c, rec.ID()); errors.Is(err, model.ErrNotFound) {
		op = model.OpCreate
	} else if err != nil {
		return nil, "", model.NewLocalStoreError("get", err)
	}

	if table, ok := e.tr.Table(c); ok {
		if _, ok := table.Field("sync_status"); ok {
			rec["sync_status"] = model.SyncPending
		}
	}
	if _, err := e.local.Put(ctx, c, rec); err != nil {
		return nil, "", model.NewLocalStoreError("put", err)
	}
	e.notify(c, rec.ID())

	res, err := e.pushLocked(ctx, c, op, rec)
	return rec, res, err
}

// Remove deletes a record locally and pushes the deletion.
func (e *Engine) Remove(ctx context.Context, c model.Collection, id string) (PushResult, error) {
	if e.closed.Load() {
		return "", ErrClosed
	}
	if !c.Synced() {
		return "", fmt.Errorf("remove: collection %q is not synced", c)
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	payload := model.Record{"id": id}
	if existing, err := e.local.Get(ctx, c, id); err == nil {
		payload = existing
	} else if !errors.Is(err, model.ErrNotFound) {
		return "", model.NewLocalStoreError("get", err)
	}
	if err := e.local.Delete(ctx, c, id); err != nil {
		return "", model.NewLocalStoreError("delete", err)
	}
	e.notify(c, id)
	return e.pushLocked(ctx, c, model.OpDelete, payload)
}

// Apply writes records the remote store has already confirmed, such as the
// outcome of a stock transaction, to the device store.
func (e *Engine) Apply(ctx context.Context, applied ...Applied) error {
	if e.closed.Load() {
		return ErrClosed
	}
	e.syncMu.Lock()
	defer e.syncMu.Unlock()
	for _, a := range applied {
		if err := e.upsertLocked(ctx, a.Collection, a.Record.Clone()); err != nil {
			return err
		}
	}
	return nil
}
