// Package remotetest holds the behavioral contract every remote.Store
// adapter must satisfy, written as a reusable test suite.
package remotetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/translate"
)

// Factory builds a fresh, empty store for one subtest.
type Factory func(t *testing.T) remote.Store

// Wait bounds how long the suite waits for a change feed event.
const Wait = 3 * time.Second

// Next receives one change or fails the test.
func Next(t *testing.T, sub *remote.Subscription) remote.Change {
	t.Helper()
	select {
	case c, ok := <-sub.Changes():
		require.True(t, ok, "change feed closed: %v", sub.Err())
		return c
	case <-time.After(Wait):
		t.Fatal("timed out waiting for change")
		return remote.Change{}
	}
}

// Run executes the contract against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	ctx := context.Background()

	t.Run("create is an upsert", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Create(ctx, "productos", remote.Document{"id": "p1", "nombre": "Soda", "stock": 5.0}))
		require.NoError(t, s.Create(ctx, "productos", remote.Document{"id": "p1", "nombre": "Soda", "stock": 5.0}))

		docs, err := s.List(ctx, "productos", remote.ListOptions{})
		require.NoError(t, err)
		require.Len(t, docs, 1)
		assert.Equal(t, "Soda", docs[0]["nombre"])
		assert.True(t, docs[0].Has(translate.UpdatedAtField), "server stamps update time")
	})

	t.Run("get missing returns not found", func(t *testing.T) {
		s := factory(t)
		_, err := s.GetByID(ctx, "productos", "nope")
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("update merges and requires existence", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Create(ctx, "productos", remote.Document{"id": "p1", "nombre": "Soda", "stock": 5.0}))
		require.NoError(t, s.Update(ctx, "productos", "p1", remote.Document{"stock": 3.0}))

		doc, err := s.GetByID(ctx, "productos", "p1")
		require.NoError(t, err)
		assert.Equal(t, "Soda", doc["nombre"])
		assert.Equal(t, 3.0, doc["stock"])

		err = s.Update(ctx, "productos", "gone", remote.Document{"stock": 1.0})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Create(ctx, "clientes", remote.Document{"id": "c1"}))
		require.NoError(t, s.Delete(ctx, "clientes", "c1"))
		require.NoError(t, s.Delete(ctx, "clientes", "c1"))

		docs, err := s.List(ctx, "clientes", remote.ListOptions{})
		require.NoError(t, err)
		assert.Empty(t, docs)
	})

	t.Run("list since filters by field", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Create(ctx, "ventas", remote.Document{"id": "old", "fecha": "2026-10-16T10:00:00Z"}))
		require.NoError(t, s.Create(ctx, "ventas", remote.Document{"id": "new", "fecha": "2026-10-18T10:00:00Z"}))
		require.NoError(t, s.Create(ctx, "ventas", remote.Document{"id": "undated"}))

		since := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC)
		docs, err := s.List(ctx, "ventas", remote.ListOptions{SinceField: "fecha", Since: since})
		require.NoError(t, err)
		ids := make([]string, 0, len(docs))
		for _, d := range docs {
			ids = append(ids, d.ID())
		}
		assert.ElementsMatch(t, []string{"new", "undated"}, ids)
	})

	t.Run("subscription delivers changes with origin", func(t *testing.T) {
		s := factory(t)
		sub, err := s.Subscribe(ctx, "categorias")
		require.NoError(t, err)
		defer sub.Unsubscribe()

		octx := remote.WithOrigin(ctx, "dev1:7")
		require.NoError(t, s.Create(octx, "categorias", remote.Document{"id": "c1", "nombre": "Snacks"}))
		require.NoError(t, s.Update(ctx, "categorias", "c1", remote.Document{"nombre": "Dulces"}))
		require.NoError(t, s.Delete(ctx, "categorias", "c1"))

		c := Next(t, sub)
		assert.Equal(t, remote.ChangeInsert, c.Type)
		assert.Equal(t, "c1", c.ID)
		assert.Equal(t, "dev1:7", c.Origin)
		assert.Equal(t, "Snacks", c.Doc["nombre"])

		c2 := Next(t, sub)
		assert.Equal(t, remote.ChangeUpdate, c2.Type)
		assert.Equal(t, "Dulces", c2.Doc["nombre"])
		assert.Empty(t, c2.Origin)
		assert.Greater(t, c2.Seq, c.Seq)

		c3 := Next(t, sub)
		assert.Equal(t, remote.ChangeDelete, c3.Type)
		assert.Equal(t, "c1", c3.ID)
	})

	t.Run("subscription is scoped to its collection", func(t *testing.T) {
		s := factory(t)
		sub, err := s.Subscribe(ctx, "usuarios")
		require.NoError(t, err)
		defer sub.Unsubscribe()

		require.NoError(t, s.Create(ctx, "clientes", remote.Document{"id": "c1"}))
		require.NoError(t, s.Create(ctx, "usuarios", remote.Document{"id": "u1"}))
		assert.Equal(t, "u1", Next(t, sub).ID)
	})

	t.Run("transaction commits atomically", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Create(ctx, "productos", remote.Document{"id": "p1", "stock": 5.0}))
		ref := remote.Ref{Collection: "productos", ID: "p1"}
		sale := remote.Ref{Collection: "ventas", ID: "s1"}

		err := s.RunAtomicTransaction(ctx, []remote.Ref{ref}, func(tx remote.Tx) error {
			doc, err := tx.Get(ref)
			if err != nil {
				return err
			}
			tx.Update(ref, remote.Document{"stock": doc.Float("stock") - 2})
			tx.Set(sale, remote.Document{"total": 100.0})
			return nil
		})
		require.NoError(t, err)

		doc, err := s.GetByID(ctx, "productos", "p1")
		require.NoError(t, err)
		assert.Equal(t, 3.0, doc["stock"])
		_, err = s.GetByID(ctx, "ventas", "s1")
		assert.NoError(t, err)
	})

	t.Run("transaction error writes nothing", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Create(ctx, "productos", remote.Document{"id": "p1", "stock": 1.0}))
		ref := remote.Ref{Collection: "productos", ID: "p1"}
		boom := errors.New("not enough")

		err := s.RunAtomicTransaction(ctx, []remote.Ref{ref}, func(tx remote.Tx) error {
			tx.Update(ref, remote.Document{"stock": 0.0})
			return boom
		})
		assert.ErrorIs(t, err, boom)

		doc, err := s.GetByID(ctx, "productos", "p1")
		require.NoError(t, err)
		assert.Equal(t, 1.0, doc["stock"])
	})

	t.Run("transaction sees missing documents as not found", func(t *testing.T) {
		s := factory(t)
		ref := remote.Ref{Collection: "productos", ID: "ghost"}
		err := s.RunAtomicTransaction(ctx, []remote.Ref{ref}, func(tx remote.Tx) error {
			_, err := tx.Get(ref)
			return err
		})
		assert.ErrorIs(t, err, model.ErrNotFound)
	})

	t.Run("concurrent transactions never lose updates", func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Create(ctx, "productos", remote.Document{"id": "p1", "stock": 4.0}))
		ref := remote.Ref{Collection: "productos", ID: "p1"}

		var (
			wg       sync.WaitGroup
			mu       sync.Mutex
			succeeded int
		)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := s.RunAtomicTransaction(ctx, []remote.Ref{ref}, func(tx remote.Tx) error {
					doc, err := tx.Get(ref)
					if err != nil {
						return err
					}
					tx.Update(ref, remote.Document{"stock": doc.Float("stock") - 1})
					return nil
				})
				if err == nil {
					mu.Lock()
					succeeded++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		doc, err := s.GetByID(ctx, "productos", "p1")
		require.NoError(t, err)
		assert.Equal(t, float64(4-succeeded), doc["stock"])
		assert.GreaterOrEqual(t, succeeded, 1)
	})

	t.Run("ping", func(t *testing.T) {
		s := factory(t)
		assert.NoError(t, s.Ping(ctx))
	})
}
