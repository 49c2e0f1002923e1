package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/possync/internal/model"
)

type memDoc struct {
	seq  int64
	body []byte
}

// Memory is the non-durable fallback backend. Bodies are kept as JSON so
// records read back with the same shapes the SQLite store returns.
type Memory struct {
	mu   sync.RWMutex
	seq  int64
	docs map[model.Collection]map[string]memDoc
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{docs: make(map[model.Collection]map[string]memDoc)}
}

// Get returns one record or model.ErrNotFound.
func (m *Memory) Get(_ context.Context, c model.Collection, id string) (model.Record, error) {
	m.mu.RLock()
	doc, ok := m.docs[c][id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", c, id, model.ErrNotFound)
	}
	return decodeBody(c, id, doc.body)
}

// GetAll returns every record of a collection in first-insert order.
func (m *Memory) GetAll(_ context.Context, c model.Collection) ([]model.Record, error) {
	m.mu.RLock()
	type entry struct {
		id  string
		doc memDoc
	}
	entries := make([]entry, 0, len(m.docs[c]))
	for id, doc := range m.docs[c] {
		entries = append(entries, entry{id: id, doc: doc})
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].doc.seq < entries[j].doc.seq
	})

	records := make([]model.Record, 0, len(entries))
	for _, e := range entries {
		rec, err := decodeBody(c, e.id, e.doc.body)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Put upserts a record by id.
func (m *Memory) Put(_ context.Context, c model.Collection, rec model.Record) (string, error) {
	id, body, err := prepare(c, rec)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll, ok := m.docs[c]
	if !ok {
		coll = make(map[string]memDoc)
		m.docs[c] = coll
	}
	doc, exists := coll[id]
	if !exists {
		m.seq++
		doc.seq = m.seq
	}
	doc.body = body
	coll[id] = doc
	return id, nil
}

// Delete removes a record. Deleting a missing record is a no-op.
func (m *Memory) Delete(_ context.Context, c model.Collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs[c], id)
	return nil
}

// Close is a no-op; the data is discarded with the process.
func (m *Memory) Close() error {
	return nil
}
