package remote

import (
	"context"
	"time"

	"github.com/roach88/possync/internal/model"
)

// Document is a remote record, keyed by its "id" field, using remote naming.
type Document = model.Record

// ChangeType is the kind of a change feed event.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one event of a collection's change feed.
//
// Origin is the token the writer attached through WithOrigin; it lets a
// device recognize the echo of its own writes. Seq is the store's
// monotonically increasing change sequence.
type Change struct {
	Collection string     `json:"collection"`
	Type       ChangeType `json:"type"`
	ID         string     `json:"id"`
	Doc        Document   `json:"doc,omitempty"`
	Origin     string     `json:"origin,omitempty"`
	Seq        int64      `json:"seq"`
	At         time.Time  `json:"at"`
}

// ListOptions bounds a List call. A zero value lists the whole collection.
type ListOptions struct {
	// SinceField names a timestamp field; documents whose value is before
	// Since are skipped. Documents without the field are kept.
	SinceField string
	Since      time.Time
}

// Ref addresses one document.
type Ref struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// Tx is the view a RunAtomicTransaction write function gets. Reads are
// limited to the declared read set; writes are applied only if the function
// returns nil.
type Tx interface {
	// Get returns the document as of the transaction start, or
	// model.ErrNotFound.
	Get(ref Ref) (Document, error)
	// Set replaces (or creates) a document.
	Set(ref Ref, doc Document)
	// Update merges fields into an existing document.
	Update(ref Ref, partial Document)
}

// Store is the remote document store contract consumed by the sync engine.
//
// Create is an upsert by id, so replays are no-ops. Update merges into an
// existing document and returns model.ErrNotFound when it is gone. Delete of
// a missing document succeeds without emitting a change.
//
// Transport failures are model connectivity errors; permission and
// validation failures are rejection errors.
type Store interface {
	List(ctx context.Context, collection string, opts ListOptions) ([]Document, error)
	GetByID(ctx context.Context, collection, id string) (Document, error)
	Create(ctx context.Context, collection string, doc Document) error
	Update(ctx context.Context, collection, id string, partial Document) error
	Delete(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, collection string) (*Subscription, error)
	RunAtomicTransaction(ctx context.Context, readSet []Ref, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// VersionedDocument is a document with its optimistic-concurrency version.
// Version 0 means the document does not exist.
type VersionedDocument struct {
	Doc     Document `json:"doc"`
	Version int64    `json:"version"`
}

// Precondition asserts a document's version at commit time.
type Precondition struct {
	Ref
	Version int64 `json:"version"`
}

// WriteOp is the kind of a committed write.
type WriteOp string

const (
	WriteSet    WriteOp = "set"
	WriteUpdate WriteOp = "update"
	WriteDelete WriteOp = "delete"
)

// Write is one write of an optimistic commit.
type Write struct {
	Ref
	Op  WriteOp  `json:"op"`
	Doc Document `json:"doc,omitempty"`
}

// Commit is an optimistic transaction: every precondition must hold or no
// write is applied.
type Commit struct {
	Preconditions []Precondition `json:"preconditions"`
	Writes        []Write        `json:"writes"`
}

// VersionedStore is implemented by stores that can serve optimistic
// transactions to remote clients.
type VersionedStore interface {
	Store
	GetVersioned(ctx context.Context, collection, id string) (VersionedDocument, error)
	Commit(ctx context.Context, c Commit) error
}
