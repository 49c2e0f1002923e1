package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/roach88/possync/internal/model"
)

func TestBackend_PutGet(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			id, err := b.Put(ctx, model.Products, model.Record{
				"id":    "p-1",
				"name":  "Burger",
				"price": 4500,
				"stock": nil,
				"tags":  []any{"hot"},
			})
			require.NoError(t, err)
			assert.Equal(t, "p-1", id)

			got, err := b.Get(ctx, model.Products, "p-1")
			require.NoError(t, err)
			assert.Equal(t, "Burger", got.String("name"))
			assert.Equal(t, 4500.0, got["price"], "numbers read back as float64")
			assert.True(t, got.Has("stock"))
			assert.Nil(t, got["stock"])
			assert.Equal(t, []any{"hot"}, got["tags"])
		})
	}
}

func TestBackend_GetMissing(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Get(context.Background(), model.Products, "nope")
			require.Error(t, err)
			assert.True(t, errors.Is(err, model.ErrNotFound))
		})
	}
}

func TestBackend_PutAssignsID(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := model.Record{"name": "Snacks"}

			id, err := b.Put(ctx, model.Categories, rec)
			require.NoError(t, err)
			assert.Len(t, id, 36)
			assert.False(t, rec.Has("id"), "caller's record is not mutated")

			got, err := b.Get(ctx, model.Categories, id)
			require.NoError(t, err)
			assert.Equal(t, id, got.ID())
		})
	}
}

func TestBackend_GetAllFirstInsertOrder(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for _, id := range []string{"c", "a", "b"} {
				_, err := b.Put(ctx, model.SyncQueue, model.Record{"id": id, "v": 1})
				require.NoError(t, err)
			}
			// Updating "c" must not move it to the back.
			_, err := b.Put(ctx, model.SyncQueue, model.Record{"id": "c", "v": 2})
			require.NoError(t, err)

			all, err := b.GetAll(ctx, model.SyncQueue)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []string{"c", "a", "b"}, []string{all[0].ID(), all[1].ID(), all[2].ID()})
			assert.Equal(t, 2.0, all[0]["v"])
		})
	}
}

func TestBackend_CollectionsAreIsolated(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := b.Put(ctx, model.Products, model.Record{"id": "x", "kind": "product"})
			require.NoError(t, err)
			_, err = b.Put(ctx, model.Categories, model.Record{"id": "x", "kind": "category"})
			require.NoError(t, err)

			p, err := b.Get(ctx, model.Products, "x")
			require.NoError(t, err)
			assert.Equal(t, "product", p.String("kind"))

			all, err := b.GetAll(ctx, model.Users)
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestBackend_Delete(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := b.Put(ctx, model.Categories, model.Record{"id": "snacks"})
			require.NoError(t, err)

			require.NoError(t, b.Delete(ctx, model.Categories, "snacks"))
			require.NoError(t, b.Delete(ctx, model.Categories, "snacks"), "second delete is a no-op")

			_, err = b.Get(ctx, model.Categories, "snacks")
			assert.ErrorIs(t, err, model.ErrNotFound)
		})
	}
}

func TestBackend_RejectsUnknownCollection(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Put(context.Background(), model.Collection("orders"), model.Record{"id": "1"})
			assert.Error(t, err)
		})
	}
}

// Putting the same record twice leaves the same stored state as putting it once.
func TestBackend_IdempotentUpsertProperty(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rapid.Check(t, func(rt *rapid.T) {
				id := rapid.StringMatching(`[a-z0-9]{1,12}`).Draw(rt, "id")
				rec := model.Record{
					"id":        id,
					"name":      rapid.String().Draw(rt, "name"),
					"price":     float64(rapid.IntRange(0, 1_000_000).Draw(rt, "price")),
					"is_active": rapid.Bool().Draw(rt, "active"),
				}

				_, err := b.Put(ctx, model.Products, rec)
				require.NoError(rt, err)
				once, err := b.Get(ctx, model.Products, id)
				require.NoError(rt, err)
				countOnce, err := b.GetAll(ctx, model.Products)
				require.NoError(rt, err)

				_, err = b.Put(ctx, model.Products, rec)
				require.NoError(rt, err)
				twice, err := b.Get(ctx, model.Products, id)
				require.NoError(rt, err)
				countTwice, err := b.GetAll(ctx, model.Products)
				require.NoError(rt, err)

				assert.Equal(rt, once, twice)
				assert.Equal(rt, len(countOnce), len(countTwice))
			})
		})
	}
}
