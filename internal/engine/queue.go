package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/store"
)

// Queue is the persisted outbound mutation queue, kept in the sync_queue
// collection of the device store so it survives restarts.
//
// Entries are returned oldest first: the store orders a collection by first
// insert and entry updates keep their position.
type Queue struct {
	local store.Backend
	now   func() time.Time
}

// NewQueue opens the queue held in local.
func NewQueue(local store.Backend, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{local: local, now: now}
}

// All returns every entry, whatever its status.
func (q *Queue) All(ctx context.Context) ([]model.QueueEntry, error) {
	records, err := q.local.GetAll(ctx, model.SyncQueue)
	if err != nil {
		return nil, model.NewLocalStoreError("read sync queue", err)
	}
	entries := make([]model.QueueEntry, 0, len(records))
	for _, rec := range records {
		var e model.QueueEntry
		if err := model.Decode(rec, &e); err != nil {
			return nil, model.NewLocalStoreError("read sync queue", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Pending returns the PENDING entries, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]model.QueueEntry, error) {
	all, err := q.All(ctx)
	if err != nil {
		return nil, err
	}
	pending := all[:0]
	for _, e := range all {
		if e.Status == model.QueuePending {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

// PendingKeys returns the record keys that have PENDING entries.
func (q *Queue) PendingKeys(ctx context.Context) (map[string]bool, error) {
	pending, err := q.Pending(ctx)
	if err != nil {
		return nil, err
	}
	keys := make(map[string]bool, len(pending))
	for _, e := range pending {
		keys[e.Key()] = true
	}
	return keys, nil
}

// HasPending reports whether the record has PENDING entries.
func (q *Queue) HasPending(ctx context.Context, c model.Collection, id string) (bool, error) {
	keys, err := q.PendingKeys(ctx)
	if err != nil {
		return false, err
	}
	return keys[model.RecordKey(c, id)], nil
}

// Get returns one entry or model.ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (model.QueueEntry, error) {
	rec, err := q.local.Get(ctx, model.SyncQueue, id)
	if errors.Is(err, model.ErrNotFound) {
		return model.QueueEntry{}, fmt.Errorf("queue entry %s: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.QueueEntry{}, model.NewLocalStoreError("read sync queue", err)
	}
	var e model.QueueEntry
	if err := model.Decode(rec, &e); err != nil {
		return model.QueueEntry{}, model.NewLocalStoreError("read sync queue", err)
	}
	return e, nil
}

// Enqueue appends a PENDING entry for a mutation.
func (q *Queue) Enqueue(ctx context.Context, c model.Collection, op model.Operation, rec model.Record) (model.QueueEntry, error) {
	e := model.QueueEntry{
		ID:         store.NewID(),
		Collection: c,
		Operation:  op,
		RecordID:   rec.ID(),
		Payload:    rec.Clone(),
		EnqueuedAt: q.now().UTC(),
		Status:     model.QueuePending,
	}
	return e, q.Save(ctx, e)
}

// Save writes an entry back, keeping its queue position.
func (q *Queue) Save(ctx context.Context, e model.QueueEntry) error {
	rec, err := model.Encode(e)
	if err != nil {
		return model.NewLocalStoreError("write sync queue", err)
	}
	if _, err := q.local.Put(ctx, model.SyncQueue, rec); err != nil {
		return model.NewLocalStoreError("write sync queue", err)
	}
	return nil
}

// Remove deletes an entry. Removing a missing entry is a no-op.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.local.Delete(ctx, model.SyncQueue, id); err != nil {
		return model.NewLocalStoreError("write sync queue", err)
	}
	return nil
}

// Discard removes every PENDING entry of a record and returns how many were
// removed.
func (q *Queue) Discard(ctx context.Context, c model.Collection, id string) (int, error) {
	pending, err := q.Pending(ctx)
	if err != nil {
		return 0, err
	}
	key := model.RecordKey(c, id)
	n := 0
	for _, e := range pending {
		if e.Key() != key {
			continue
		}
		if err := q.Remove(ctx, e.ID); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Counts returns the number of PENDING and FAILED entries.
func (q *Queue) Counts(ctx context.Context) (pending, failed int, err error) {
	all, err := q.All(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, e := range all {
		switch e.Status {
		case model.QueuePending:
			pending++
		case model.QueueFailed:
			failed++
		}
	}
	return pending, failed, nil
}

// Requeue moves a FAILED entry back to PENDING with a fresh retry budget.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	e, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if e.Status != model.QueueFailed {
		return fmt.Errorf("queue entry %s is %s, only FAILED entries can be requeued", id, e.Status)
	}
	e.Status = model.QueuePending
	e.RetryCount = 0
	e.NextAttemptAt = nil
	e.LastError = ""
	return q.Save(ctx, e)
}

// Drop deletes an entry, returning model.ErrNotFound when it does not exist.
func (q *Queue) Drop(ctx context.Context, id string) error {
	if _, err := q.Get(ctx, id); err != nil {
		return err
	}
	return q.Remove(ctx, id)
}
