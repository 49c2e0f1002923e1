// Package memremote is an in-process remote store. It backs the engine
// tests and the demo mode of the CLI, and can be switched offline to
// exercise the connectivity paths.
package memremote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/translate"
)

// ErrOffline is wrapped in the connectivity errors returned while the store
// is switched offline.
var ErrOffline = errors.New("remote unreachable")

// Validator inspects a write before it is applied. A non-nil error rejects
// the write as a permission or validation failure.
type Validator func(op remote.WriteOp, collection, id string, doc remote.Document) error

type entry struct {
	doc     remote.Document
	version int64
	seq     int64
}

// Store is an in-memory remote.VersionedStore.
type Store struct {
	mu       sync.Mutex
	data     map[string]map[string]*entry
	seq      int64
	subs     map[string]map[*remote.Subscription]struct{}
	online   bool
	validate Validator
	now      func() time.Time
	txRetry  remote.RetryPolicy
	writes   int
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithValidator installs a write validator.
func WithValidator(v Validator) Option {
	return func(s *Store) { s.validate = v }
}

// WithTxRetry overrides the optimistic transaction retry policy.
func WithTxRetry(p remote.RetryPolicy) Option {
	return func(s *Store) { s.txRetry = p }
}

var _ remote.VersionedStore = (*Store)(nil)

// New returns an empty, online store.
func New(opts ...Option) *Store {
	s := &Store{
		data:    make(map[string]map[string]*entry),
		subs:    make(map[string]map[*remote.Subscription]struct{}),
		online:  true,
		now:     time.Now,
		txRetry: remote.DefaultTxRetry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOnline switches the store's reachability. Going offline ends every
// live subscription with a connectivity error.
func (s *Store) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.online = online
	if online {
		return
	}
	for collection, subs := range s.subs {
		for sub := range subs {
			sub.Fail(model.NewConnectivityError("subscribe "+collection, ErrOffline))
		}
	}
	s.subs = make(map[string]map[*remote.Subscription]struct{})
}

// Online reports the store's reachability.
func (s *Store) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Writes counts applied document writes. Tests use it to prove a replay
// or an echo caused no extra remote traffic.
func (s *Store) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Subscribers returns the number of live subscriptions on a collection.
func (s *Store) Subscribers(collection string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[collection])
}

func (s *Store) checkOnline(op string) error {
	if !s.online {
		return model.NewConnectivityError(op, ErrOffline)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return model.NewConnectivityError("ping", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkOnline("ping")
}

func (s *Store) List(ctx context.Context, collection string, opts remote.ListOptions) ([]remote.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline("list " + collection); err != nil {
		return nil, err
	}

	entries := make([]*entry, 0, len(s.data[collection]))
	for _, e := range s.data[collection] {
		if opts.SinceField != "" {
			if at, ok := e.doc.Time(opts.SinceField); ok && at.Before(opts.Since) {
				continue
			}
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]remote.Document, len(entries))
	for i, e := range entries {
		out[i] = e.doc.Clone()
	}
	return out, nil
}

func (s *Store) GetByID(ctx context.Context, collection, id string) (remote.Document, error) {
	vd, err := s.GetVersioned(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	if vd.Version == 0 {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, model.ErrNotFound)
	}
	return vd.Doc, nil
}

func (s *Store) GetVersioned(_ context.Context, collection, id string) (remote.VersionedDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline("get " + collection); err != nil {
		return remote.VersionedDocument{}, err
	}
	e, ok := s.data[collection][id]
	if !ok {
		return remote.VersionedDocument{}, nil
	}
	return remote.VersionedDocument{Doc: e.doc.Clone(), Version: e.version}, nil
}

func (s *Store) Create(ctx context.Context, collection string, doc remote.Document) error {
	id := doc.ID()
	if id == "" {
		return model.NewRejectionError("create", collection, "", "document has no id")
	}
	return s.Commit(ctx, remote.Commit{Writes: []remote.Write{{
		Ref: remote.Ref{Collection: collection, ID: id},
		Op:  remote.WriteSet,
		Doc: doc,
	}}})
}

func (s *Store) Update(ctx context.Context, collection, id string, partial remote.Document) error {
	return s.Commit(ctx, remote.Commit{Writes: []remote.Write{{
		Ref: remote.Ref{Collection: collection, ID: id},
		Op:  remote.WriteUpdate,
		Doc: partial,
	}}})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.Commit(ctx, remote.Commit{Writes: []remote.Write{{
		Ref: remote.Ref{Collection: collection, ID: id},
		Op:  remote.WriteDelete,
	}}})
}

// Commit applies the writes if every precondition holds. All writes land
// or none do.
func (s *Store) Commit(ctx context.Context, c remote.Commit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline("commit"); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return model.NewConnectivityError("commit", err)
	}

	for _, p := range c.Preconditions {
		var version int64
		if e, ok := s.data[p.Collection][p.ID]; ok {
			version = e.version
		}
		if version != p.Version {
			return fmt.Errorf("%s/%s at version %d, expected %d: %w", p.Collection, p.ID, version, p.Version, remote.ErrPreconditionFailed)
		}
	}

	// Validate against a staged view so a failing write leaves nothing behind.
	staged := make(map[remote.Ref]remote.Document)
	lookup := func(ref remote.Ref) (remote.Document, bool) {
		if doc, ok := staged[ref]; ok {
			return doc, doc != nil
		}
		if e, ok := s.data[ref.Collection][ref.ID]; ok {
			return e.doc, true
		}
		return nil, false
	}
	stamp := s.now().UTC().Format(time.RFC3339Nano)
	for _, w := range c.Writes {
		var next remote.Document
		switch w.Op {
		case remote.WriteSet:
			next = w.Doc.Clone()
			if next == nil {
				next = remote.Document{}
			}
			next["id"] = w.ID
		case remote.WriteUpdate:
			cur, ok := lookup(w.Ref)
			if !ok {
				return fmt.Errorf("update %s/%s: %w", w.Collection, w.ID, model.ErrNotFound)
			}
			next = cur.Clone()
			for k, v := range w.Doc {
				next[k] = v
			}
		case remote.WriteDelete:
			staged[w.Ref] = nil
			continue
		default:
			return model.NewRejectionError("commit", w.Collection, w.ID, fmt.Sprintf("unknown write op %q", w.Op))
		}
		next[translate.UpdatedAtField] = stamp
		if s.validate != nil {
			if err := s.validate(w.Op, w.Collection, w.ID, next); err != nil {
				return model.NewRejectionError(string(w.Op), w.Collection, w.ID, err.Error())
			}
		}
		staged[w.Ref] = next
	}

	origin := remote.OriginFrom(ctx)
	at := s.now()
	for _, w := range c.Writes {
		doc := staged[w.Ref]
		coll := s.data[w.Collection]
		if coll == nil {
			coll = make(map[string]*entry)
			s.data[w.Collection] = coll
		}
		existing, exists := coll[w.ID]

		change := remote.Change{Collection: w.Collection, ID: w.ID, Origin: origin, At: at}
		if doc == nil {
			if !exists {
				continue
			}
			delete(coll, w.ID)
			change.Type = remote.ChangeDelete
		} else if exists {
			existing.doc = doc.Clone()
			existing.version++
			change.Type = remote.ChangeUpdate
			change.Doc = doc.Clone()
		} else {
			s.seq++
			coll[w.ID] = &entry{doc: doc.Clone(), version: 1, seq: s.seq}
			change.Type = remote.ChangeInsert
			change.Doc = doc.Clone()
		}
		s.writes++
		s.seq++
		change.Seq = s.seq
		for sub := range s.subs[w.Collection] {
			sub.Publish(change)
		}
	}
	return nil
}

func (s *Store) RunAtomicTransaction(ctx context.Context, readSet []remote.Ref, fn func(tx remote.Tx) error) error {
	return remote.RunOptimistic(ctx, s, readSet, fn, s.txRetry)
}

func (s *Store) Subscribe(_ context.Context, collection string) (*remote.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOnline("subscribe " + collection); err != nil {
		return nil, err
	}

	var sub *remote.Subscription
	sub = remote.NewSubscription(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs[collection], sub)
	})
	if s.subs[collection] == nil {
		s.subs[collection] = make(map[*remote.Subscription]struct{})
	}
	s.subs[collection][sub] = struct{}{}
	return sub, nil
}
