package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/possync/internal/model"
)

// VersionedAccess is the subset of VersionedStore needed to run optimistic
// transactions.
type VersionedAccess interface {
	GetVersioned(ctx context.Context, collection, id string) (VersionedDocument, error)
	Commit(ctx context.Context, c Commit) error
}

// RunOptimistic implements RunAtomicTransaction on top of versioned reads
// and a conditional commit. The read set is snapshotted, fn runs against the
// snapshot, and the buffered writes are committed with one precondition per
// read. A failed precondition reruns the whole transaction under policy.
//
// Errors returned by fn are passed through unchanged and nothing is written.
func RunOptimistic(ctx context.Context, store VersionedAccess, readSet []Ref, fn func(tx Tx) error, policy RetryPolicy) error {
	retryable := func(err error) bool { return errors.Is(err, ErrPreconditionFailed) }
	return policy.Do(ctx, retryable, func() error {
		tx, err := NewBufferedTx(readSet, func(ref Ref) (VersionedDocument, error) {
			return store.GetVersioned(ctx, ref.Collection, ref.ID)
		})
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			return err
		}
		if len(tx.Writes()) == 0 {
			return nil
		}
		return store.Commit(ctx, Commit{Preconditions: tx.Preconditions(), Writes: tx.Writes()})
	})
}

// BufferedTx is a Tx over a snapshot of the read set that records writes
// instead of applying them. Adapters commit the recorded writes themselves.
type BufferedTx struct {
	snapshot map[Ref]VersionedDocument
	order    []Ref
	view     map[Ref]Document
	writes   []Write
}

// NewBufferedTx snapshots readSet through load. Version 0 marks a missing
// document.
func NewBufferedTx(readSet []Ref, load func(Ref) (VersionedDocument, error)) (*BufferedTx, error) {
	tx := &BufferedTx{
		snapshot: make(map[Ref]VersionedDocument, len(readSet)),
		view:     make(map[Ref]Document, len(readSet)),
	}
	for _, ref := range readSet {
		if _, seen := tx.snapshot[ref]; seen {
			continue
		}
		vd, err := load(ref)
		if err != nil {
			return nil, err
		}
		tx.snapshot[ref] = vd
		tx.order = append(tx.order, ref)
		if vd.Version > 0 {
			tx.view[ref] = vd.Doc.Clone()
		}
	}
	return tx, nil
}

// Writes returns the recorded writes in call order.
func (tx *BufferedTx) Writes() []Write {
	return tx.writes
}

// Preconditions pins every document of the read set to its snapshot version.
func (tx *BufferedTx) Preconditions() []Precondition {
	out := make([]Precondition, 0, len(tx.order))
	for _, ref := range tx.order {
		out = append(out, Precondition{Ref: ref, Version: tx.snapshot[ref].Version})
	}
	return out
}

func (tx *BufferedTx) Get(ref Ref) (Document, error) {
	if _, ok := tx.snapshot[ref]; !ok {
		if doc, written := tx.view[ref]; written {
			return doc.Clone(), nil
		}
		return nil, fmt.Errorf("transaction read of %s/%s outside the read set", ref.Collection, ref.ID)
	}
	doc, ok := tx.view[ref]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", ref.Collection, ref.ID, model.ErrNotFound)
	}
	return doc.Clone(), nil
}

func (tx *BufferedTx) Set(ref Ref, doc Document) {
	doc = doc.Clone()
	if doc == nil {
		doc = Document{}
	}
	doc["id"] = ref.ID
	tx.view[ref] = doc
	tx.writes = append(tx.writes, Write{Ref: ref, Op: WriteSet, Doc: doc.Clone()})
}

func (tx *BufferedTx) Update(ref Ref, partial Document) {
	if cur, ok := tx.view[ref]; ok {
		for k, v := range partial {
			cur[k] = v
		}
	}
	tx.writes = append(tx.writes, Write{Ref: ref, Op: WriteUpdate, Doc: partial.Clone()})
}
