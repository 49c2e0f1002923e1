package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/possync/internal/model"
)

// Get returns one record or model.ErrNotFound.
func (s *Store) Get(ctx context.Context, c model.Collection, id string) (model.Record, error) {
	var body []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM documents WHERE collection = ? AND id = ?`,
		string(c), id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s/%s: %w", c, id, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", c, id, err)
	}
	return decodeBody(c, id, body)
}

// GetAll returns every record of a collection in first-insert order.
func (s *Store) GetAll(ctx context.Context, c model.Collection) ([]model.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, body FROM documents WHERE collection = ? ORDER BY seq ASC, id ASC`,
		string(c),
	)
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w", c, err)
	}
	defer rows.Close()

	records := make([]model.Record, 0)
	for rows.Next() {
		var (
			id   string
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", c, err)
		}
		rec, err := decodeBody(c, id, body)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", c, err)
	}
	return records, nil
}

// Put upserts a record by id. Writing the same record twice leaves the
// same stored state as writing it once.
func (s *Store) Put(ctx context.Context, c model.Collection, rec model.Record) (string, error) {
	id, body, err := prepare(c, rec)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, id, seq, body, updated_at)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM documents), ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at
	`, string(c), id, string(body), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("put %s/%s: %w", c, id, err)
	}
	return id, nil
}

// Delete removes a record. Deleting a missing record is a no-op.
func (s *Store) Delete(ctx context.Context, c model.Collection, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`,
		string(c), id,
	); err != nil {
		return fmt.Errorf("delete %s/%s: %w", c, id, err)
	}
	return nil
}

// Count returns the number of records in a collection.
func (s *Store) Count(ctx context.Context, c model.Collection) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE collection = ?`, string(c),
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", c, err)
	}
	return n, nil
}
