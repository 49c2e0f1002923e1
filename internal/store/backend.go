package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/roach88/possync/internal/model"
)

// Backend is the local store API shared by the SQLite store and the
// in-memory fallback.
//
// Get returns model.ErrNotFound for missing records. GetAll returns records
// in first-insert order; re-putting an existing id keeps its position.
// Put assigns a UUIDv7 id when the record has none and returns the id.
type Backend interface {
	Get(ctx context.Context, c model.Collection, id string) (model.Record, error)
	GetAll(ctx context.Context, c model.Collection) ([]model.Record, error)
	Put(ctx context.Context, c model.Collection, rec model.Record) (string, error)
	Delete(ctx context.Context, c model.Collection, id string) error
	Close() error
}

var (
	_ Backend = (*Store)(nil)
	_ Backend = (*Memory)(nil)
)

// OpenWithFallback opens the SQLite store at path. When the file store is
// unusable it logs a warning and returns an in-memory backend, so the till
// keeps working for the session at the cost of durability.
func OpenWithFallback(path string, logger *slog.Logger) (Backend, bool) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := Open(path)
	if err != nil {
		logger.Warn("local store unavailable, using in-memory fallback", "path", path, "error", err)
		return NewMemory(), false
	}
	return s, true
}

// NewID returns a time-sortable UUIDv7 string.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// prepare validates the collection, assigns a missing id and encodes the body.
func prepare(c model.Collection, rec model.Record) (string, []byte, error) {
	if !c.Valid() {
		return "", nil, fmt.Errorf("unknown collection %q", c)
	}
	if rec == nil {
		return "", nil, fmt.Errorf("put %s: nil record", c)
	}
	id := rec.ID()
	if id == "" {
		id = NewID()
		rec = rec.Clone()
		rec["id"] = id
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s/%s: %w", c, id, err)
	}
	return id, body, nil
}

func decodeBody(c model.Collection, id string, body []byte) (model.Record, error) {
	var rec model.Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", c, id, err)
	}
	return rec, nil
}
