// Package gormremote implements the remote document store on a SQL
// database through gorm. MySQL is the production target; SQLite serves
// single-node deployments and tests.
//
// Documents live as JSON bodies in remote_documents. Every write appends to
// remote_changes, which subscriptions tail by sequence number, so several
// server processes sharing one database see each other's writes.
package gormremote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/translate"
)

// Validator inspects a write before it is applied. A non-nil error rejects
// the write.
type Validator func(op remote.WriteOp, collection, id string, doc remote.Document) error

// Store is a remote.VersionedStore backed by gorm.
type Store struct {
	db       *gorm.DB
	logger   *slog.Logger
	now      func() time.Time
	poll     time.Duration
	validate Validator
	lockWait remote.RetryPolicy

	mu    sync.Mutex
	wake  chan struct{}
	subs  map[*remote.Subscription]struct{}
	tails sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for subscription failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock sets the clock used for server timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithPollInterval sets how often subscriptions poll the change log for
// writes made by other processes.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) { s.poll = d }
}

// WithValidator installs a write validator.
func WithValidator(v Validator) Option {
	return func(s *Store) { s.validate = v }
}

var _ remote.VersionedStore = (*Store)(nil)

// Open connects with the named driver ("mysql" or "sqlite") and migrates
// the schema.
func Open(driver, dsn string, opts ...Option) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite", "sqlite3":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported remote driver %q", driver)
	}
	return New(dialector, opts...)
}

// New opens a store on an arbitrary gorm dialector.
func New(dialector gorm.Dialector, opts ...Option) (*Store, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open remote database: %w", err)
	}
	if dialector.Name() == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY
		// between our own transactions.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&documentRow{}, &changeRow{}); err != nil {
		return nil, fmt.Errorf("migrate remote schema: %w", err)
	}

	s := &Store{
		db:       db,
		logger:   slog.Default(),
		now:      time.Now,
		poll:     500 * time.Millisecond,
		lockWait: remote.RetryPolicy{Attempts: 3, Base: 50 * time.Millisecond, Max: time.Second},
		wake:     make(chan struct{}),
		subs:     make(map[*remote.Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close ends all subscriptions and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	subs := make([]*remote.Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	s.tails.Wait()
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return model.NewConnectivityError("ping", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return model.NewConnectivityError("ping", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, collection string, opts remote.ListOptions) ([]remote.Document, error) {
	var rows []documentRow
	err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("seq").
		Find(&rows).Error
	if err != nil {
		return nil, wrapDB("list "+collection, err)
	}

	out := make([]remote.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := row.document()
		if err != nil {
			s.logger.Warn("skipping undecodable document", "collection", collection, "id", row.ID, "error", err)
			continue
		}
		if opts.SinceField != "" {
			if at, ok := doc.Time(opts.SinceField); ok && at.Before(opts.Since) {
				continue
			}
		}
		out = append(out, doc)
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

func (s *Store) GetVersioned(ctx context.Context, collection, id string) (remote.VersionedDocument, error) {
	return loadVersioned(s.db.WithContext(ctx), remote.Ref{Collection: collection, ID: id}, false)
}

func loadVersioned(db *gorm.DB, ref remote.Ref, lock bool) (remote.VersionedDocument, error) {
	if lock {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var rows []documentRow
	err := db.Where("collection = ? AND id = ?", ref.Collection, ref.ID).Limit(1).Find(&rows).Error
	if err != nil {
		return remote.VersionedDocument{}, wrapDB("get "+ref.Collection, err)
	}
	if len(rows) == 0 {
		return remote.VersionedDocument{}, nil
	}
	doc, err := rows[0].document()
	if err != nil {
		return remote.VersionedDocument{}, fmt.Errorf("decode %s/%s: %w", ref.Collection, ref.ID, err)
	}
	return remote.VersionedDocument{Doc: doc, Version: rows[0].Version}, nil
}

func (s *Store) Create(ctx context.Context, collection string, doc remote.Document) error {
	id := doc.ID()
	if id == "" {
		return model.NewRejectionError("create", collection, "", "document has no id")
	}
	return s.Commit(ctx, remote.Commit{Writes: []remote.Write{{
		Ref: remote.Ref{Collection: collection, ID: id}, Op: remote.WriteSet, Doc: doc,
	}}})
}

func (s *Store) Update(ctx context.Context, collection, id string, partial remote.Document) error {
	return s.Commit(ctx, remote.Commit{Writes: []remote.Write{{
		Ref: remote.Ref{Collection: collection, ID: id}, Op: remote.WriteUpdate, Doc: partial,
	}}})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	return s.Commit(ctx, remote.Commit{Writes: []remote.Write{{
		Ref: remote.Ref{Collection: collection, ID: id}, Op: remote.WriteDelete,
	}}})
}

// Commit checks every precondition under row locks and applies the writes
// in one database transaction.
func (s *Store) Commit(ctx context.Context, c remote.Commit) error {
	return s.transact(ctx, func(tx *gorm.DB) error {
		for _, p := range c.Preconditions {
			vd, err := loadVersioned(tx, p.Ref, true)
			if err != nil {
				return err
			}
			if vd.Version != p.Version {
				return fmt.Errorf("%s/%s at version %d, expected %d: %w",
					p.Collection, p.ID, vd.Version, p.Version, remote.ErrPreconditionFailed)
			}
		}
		return s.apply(ctx, tx, c.Writes)
	})
}

// RunAtomicTransaction locks the read set, runs fn on the locked snapshot
// and applies its writes before releasing the locks.
func (s *Store) RunAtomicTransaction(ctx context.Context, readSet []remote.Ref, fn func(tx remote.Tx) error) error {
	// Lock in a stable order so concurrent transactions cannot deadlock on
	// each other.
	refs := append([]remote.Ref(nil), readSet...)
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Collection != refs[j].Collection {
			return refs[i].Collection < refs[j].Collection
		}
		return refs[i].ID < refs[j].ID
	})

	return s.transact(ctx, func(db *gorm.DB) error {
		btx, err := remote.NewBufferedTx(refs, func(ref remote.Ref) (remote.VersionedDocument, error) {
			return loadVersioned(db, ref, true)
		})
		if err != nil {
			return err
		}
		if err := fn(btx); err != nil {
			return err
		}
		return s.apply(ctx, db, btx.Writes())
	})
}

// transact runs fn in a database transaction, retrying on lock contention.
// Errors produced by fn itself come back unchanged.
func (s *Store) transact(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var fnErr error
	err := s.lockWait.Do(ctx, retryable, func() error {
		fnErr = nil
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := fn(tx); err != nil {
				fnErr = err
				return err
			}
			return nil
		})
	})
	switch {
	case err == nil:
		s.signal()
		return nil
	case fnErr != nil && errors.Is(err, fnErr):
		return err
	}
	return wrapDB("commit", err)
}

func (s *Store) apply(ctx context.Context, tx *gorm.DB, writes []remote.Write) error {
	origin := remote.OriginFrom(ctx)
	now := s.now()
	stamp := now.UTC().Format(time.RFC3339Nano)

	for _, w := range writes {
		cur, err := loadVersioned(tx, w.Ref, false)
		if err != nil {
			return err
		}

		var next remote.Document
		switch w.Op {
		case remote.WriteSet:
			next = w.Doc.Clone()
			if next == nil {
				next = remote.Document{}
			}
			next["id"] = w.ID
		case remote.WriteUpdate:
			if cur.Version == 0 {
				return fmt.Errorf("update %s/%s: %w", w.Collection, w.ID, model.ErrNotFound)
			}
			next = cur.Doc
			for k, v := range w.Doc {
				next[k] = v
			}
		case remote.WriteDelete:
			if cur.Version == 0 {
				continue
			}
			if err := tx.Where("collection = ? AND id = ?", w.Collection, w.ID).Delete(&documentRow{}).Error; err != nil {
				return wrapDB("delete "+w.Collection, err)
			}
			if err := tx.Create(&changeRow{Collection: w.Collection, DocID: w.ID, Type: string(remote.ChangeDelete), Origin: origin, CreatedAt: now}).Error; err != nil {
				return wrapDB("log change", err)
			}
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
		body, err := json.Marshal(next)
		if err != nil {
			return model.NewRejectionError(string(w.Op), w.Collection, w.ID, err.Error())
		}

		change := changeRow{Collection: w.Collection, DocID: w.ID, Body: string(body), Origin: origin, CreatedAt: now}
		if cur.Version == 0 {
			change.Type = string(remote.ChangeInsert)
		} else {
			change.Type = string(remote.ChangeUpdate)
		}
		if err := tx.Create(&change).Error; err != nil {
			return wrapDB("log change", err)
		}

		row := documentRow{Collection: w.Collection, ID: w.ID, Body: string(body), Version: cur.Version + 1, Seq: change.Seq, UpdatedAt: now}
		if cur.Version == 0 {
			err = tx.Create(&row).Error
		} else {
			err = tx.Model(&documentRow{}).
				Where("collection = ? AND id = ?", w.Collection, w.ID).
				Updates(map[string]any{"body": row.Body, "version": row.Version, "updated_at": now}).Error
		}
		if err != nil {
			return wrapDB("write "+w.Collection, err)
		}
	}
	return nil
}
