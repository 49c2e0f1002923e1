package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/remote/memremote"
	"github.com/roach88/possync/internal/store"
)

func TestSave_OfflineQueues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	rec, res, err := f.engine.Save(ctx, model.Products, product("p-1", "Soda", 5))
	require.NoError(t, err)
	assert.Equal(t, PushQueued, res)
	assert.Equal(t, model.SyncPending, rec["sync_status"])

	entries := pendingEntries(t, f.engine)
	require.Len(t, entries, 1)
	assert.Equal(t, model.OpCreate, entries[0].Operation)
	assert.Equal(t, "p-1", entries[0].RecordID)
	assert.Equal(t, 0, f.remote.Writes())

	local := localRecord(t, f, model.Products, "p-1")
	assert.Equal(t, "Soda", local.String("name"))
	assert.Equal(t, model.SyncPending, local.String("sync_status"))
}

func TestSave_AssignsIDAndPicksOperation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	rec := product("", "Chips", 3)
	delete(rec, "id")
	saved, _, err := f.engine.Save(ctx, model.Products, rec)
	require.NoError(t, err)
	require.NotEmpty(t, saved.ID())

	saved["name"] = "Chips XL"
	_, _, err = f.engine.Save(ctx, model.Products, saved)
	require.NoError(t, err)

	entries := pendingEntries(t, f.engine)
	require.Len(t, entries, 2)
	assert.Equal(t, model.OpCreate, entries[0].Operation)
	assert.Equal(t, model.OpUpdate, entries[1].Operation)
	assert.Equal(t, "Chips XL", entries[1].Payload.String("name"))
}

func TestPush_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.engine.Push(ctx, model.SyncQueue, model.OpCreate, model.Record{"id": "q"})
	assert.Error(t, err)

	_, err = f.engine.Push(ctx, model.Products, "UPSERT", model.Record{"id": "p-1"})
	assert.Error(t, err)

	_, err = f.engine.Push(ctx, model.Products, model.OpCreate, model.Record{"name": "no id"})
	assert.True(t, model.IsTranslation(err))

	assert.Empty(t, pendingEntries(t, f.engine), "invalid pushes are never queued")
}

func TestPush_TranslationErrorIsNotQueued(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.engine.GoOnline(ctx))

	bad := sale("s-1", epoch)
	bad["items"] = []any{map[string]any{"quantity": 1.0}}
	res, err := f.engine.Push(ctx, model.Sales, model.OpCreate, bad)
	require.Error(t, err)
	assert.True(t, model.IsTranslation(err))
	assert.Equal(t, PushResult(""), res)
	assert.Empty(t, pendingEntries(t, f.engine))
}

// Mutations made offline reach the remote in order once the
// device reconnects, and the remote's own records are pulled down.
func TestGoOnline_PullsThenDrains(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	require.NoError(t, f.remote.Create(ctx, "productos", remoteDoc(t, model.Products, product("p-remote", "Water", 10))))

	_, _, err := f.engine.Save(ctx, model.Products, product("p-1", "Soda", 5))
	require.NoError(t, err)
	_, _, err = f.engine.Save(ctx, model.Sales, sale("s-1", epoch))
	require.NoError(t, err)
	renamed := product("p-1", "Soda Zero", 5)
	_, res, err := f.engine.Save(ctx, model.Products, renamed)
	require.NoError(t, err)
	assert.Equal(t, PushQueued, res)

	require.NoError(t, f.engine.GoOnline(ctx))
	assert.Equal(t, StateLive, f.engine.State())
	assert.Empty(t, pendingEntries(t, f.engine))

	doc, err := f.remote.GetByID(ctx, "productos", "p-1")
	require.NoError(t, err)
	assert.Equal(t, "Soda Zero", doc.String("nombre"))
	_, err = f.remote.GetByID(ctx, "ventas", "s-1")
	require.NoError(t, err)

	pulled := localRecord(t, f, model.Products, "p-remote")
	assert.Equal(t, "Water", pulled.String("name"))
	assert.Equal(t, model.SyncSynced, localRecord(t, f, model.Products, "p-1").String("sync_status"))
	assert.Equal(t, model.SyncSynced, localRecord(t, f, model.Sales, "s-1").String("sync_status"))
	assert.Equal(t, 4, f.remote.Writes())
}

func TestGoOnline_FailureStaysOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	f.remote.SetOnline(false)

	err := f.engine.GoOnline(ctx)
	require.Error(t, err)
	assert.True(t, model.IsConnectivity(err))
	assert.Equal(t, StateOffline, f.engine.State())
	assert.Equal(t, 0, f.remote.Subscribers("productos"))
}

func TestGoOnlineGoOffline_AttachesAndDetachesFeeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	require.NoError(t, f.engine.GoOnline(ctx))
	for _, name := range []string{"productos", "ventas", "configuracion"} {
		assert.Equal(t, 1, f.remote.Subscribers(name), name)
	}
	require.NoError(t, f.engine.GoOnline(ctx), "second call is a drain only")
	assert.Equal(t, 1, f.remote.Subscribers("productos"))

	f.engine.GoOffline()
	assert.True(t, f.engine.Offline())
	assert.Equal(t, 0, f.remote.Subscribers("productos"))
}

// Queued mutations survive a restart and are replayed afterwards.
func TestQueue_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "device.db")
	rs := memremote.New()

	local1, err := store.Open(path)
	require.NoError(t, err)
	e1 := New(local1, rs, nil, WithLogger(quietLogger()))
	require.NoError(t, e1.Init(ctx))
	for _, id := range []string{"p-1", "p-2", "p-3"} {
		_, res, err := e1.Save(ctx, model.Products, product(id, "Item "+id, 1))
		require.NoError(t, err)
		require.Equal(t, PushQueued, res)
	}
	e1.Shutdown()
	require.NoError(t, local1.Close())

	local2, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { local2.Close() })
	e2 := New(local2, rs, nil, WithLogger(quietLogger()))
	t.Cleanup(e2.Shutdown)
	require.NoError(t, e2.Init(ctx))

	st, err := e2.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.Pending)
	assert.NotEqual(t, e1.Session(), e2.Session())

	require.NoError(t, e2.GoOnline(ctx))
	for _, id := range []string{"p-1", "p-2", "p-3"} {
		_, err := rs.GetByID(ctx, "productos", id)
		assert.NoError(t, err, id)
	}
	st, err = e2.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, "synced", st.Indicator())
}

func TestPush_ConnectivityFailureQueuesWithoutError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.engine.GoOnline(ctx))

	f.remote.SetOnline(false)
	_, res, err := f.engine.Save(ctx, model.Products, product("p-1", "Soda", 5))
	require.NoError(t, err)
	assert.Equal(t, PushQueued, res)
	assert.Equal(t, StateRetrying, f.engine.State())

	entries := pendingEntries(t, f.engine)
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].LastError)
	assert.Equal(t, 0, entries[0].RetryCount)

	rep, err := f.engine.DrainRetryQueue(ctx)
	require.Error(t, err)
	assert.True(t, rep.Stopped)

	f.remote.SetOnline(true)
	rep, err = f.engine.DrainRetryQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Applied)
	assert.Equal(t, StateLive, f.engine.State())
	assert.Equal(t, model.SyncSynced, localRecord(t, f, model.Products, "p-1").String("sync_status"))
}

func TestPush_RejectionBacksOffThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	rs := memremote.New(memremote.WithValidator(func(_ remote.WriteOp, collection, _ string, _ remote.Document) error {
		if collection == "productos" {
			return errors.New("permission denied")
		}
		return nil
	}))
	f := newFixture(t, rs, WithRetryPolicy(RetryPolicy{Base: time.Second, Max: time.Minute, MaxRejections: 3}))
	require.NoError(t, f.engine.GoOnline(ctx))

	_, res, err := f.engine.Save(ctx, model.Products, product("p-1", "Soda", 5))
	require.Error(t, err)
	assert.True(t, model.IsRejection(err))
	assert.Equal(t, PushQueued, res)
	assert.Equal(t, StateRetrying, f.engine.State())

	entries := pendingEntries(t, f.engine)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	require.NotNil(t, entries[0].NextAttemptAt)
	assert.True(t, entries[0].NextAttemptAt.Equal(epoch.Add(time.Second)))

	rep, err := f.engine.DrainRetryQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Deferred: 1}, rep, "backoff not elapsed")

	f.clock.Advance(2 * time.Second)
	rep, err = f.engine.DrainRetryQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Rejected)
	entries = pendingEntries(t, f.engine)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].RetryCount)

	f.clock.Advance(5 * time.Second)
	rep, err = f.engine.DrainRetryQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.DeadLettered)
	assert.Empty(t, pendingEntries(t, f.engine))

	st, err := f.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.DeadLetters)
	assert.Equal(t, StateLive, st.State)

	all, err := f.engine.Queue().All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, model.QueueFailed, all[0].Status)
	assert.Contains(t, all[0].LastError, "permission denied")
}

func TestDrain_KeepsPerRecordOrder(t *testing.T) {
	ctx := context.Background()
	rejectFirst := true
	var mu sync.Mutex
	rs := memremote.New(memremote.WithValidator(func(_ remote.WriteOp, collection, id string, _ remote.Document) error {
		mu.Lock()
		defer mu.Unlock()
		if collection == "productos" && id == "p-1" && rejectFirst {
			rejectFirst = false
			return errors.New("validation failed")
		}
		return nil
	}))
	f := newFixture(t, rs)

	_, _, err := f.engine.Save(ctx, model.Products, product("p-1", "v1", 1))
	require.NoError(t, err)
	_, _, err = f.engine.Save(ctx, model.Products, product("p-2", "other", 1))
	require.NoError(t, err)
	_, _, err = f.engine.Save(ctx, model.Products, product("p-1", "v2", 1))
	require.NoError(t, err)

	require.NoError(t, f.engine.GoOnline(ctx))
	entries := pendingEntries(t, f.engine)
	require.Len(t, entries, 2, "both p-1 entries wait")
	assert.Equal(t, "v1", entries[0].Payload.String("name"))
	assert.Equal(t, "v2", entries[1].Payload.String("name"))
	_, err = f.remote.GetByID(ctx, "productos", "p-2")
	require.NoError(t, err, "other records are not held back")

	f.clock.Advance(time.Minute)
	rep, err := f.engine.DrainRetryQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Applied)
	doc, err := f.remote.GetByID(ctx, "productos", "p-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", doc.String("nombre"))
}

func TestPush_UpdateOfRemotelyDeletedRecordIsSuperseded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.engine.GoOnline(ctx))

	_, res, err := f.engine.Save(ctx, model.Products, product("p-1", "Soda", 5))
	require.NoError(t, err)
	require.Equal(t, PushApplied, res)

	require.NoError(t, f.remote.Delete(ctx, "productos", "p-1"))

	_, res, err = f.engine.Save(ctx, model.Products, product("p-1", "Renamed", 5))
	require.NoError(t, err)
	assert.Equal(t, PushSuperseded, res)

	_, err = f.local.Get(ctx, model.Products, "p-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Empty(t, pendingEntries(t, f.engine))
}

func TestPush_ConflictAdoptsRemoteCopy(t *testing.T) {
	ctx := context.Background()
	conflict := InterceptorFunc(func(_ context.Context, c model.Collection, _ model.Operation, rec model.Record) (bool, []Applied, error) {
		if c != model.Products {
			return false, nil, nil
		}
		return true, nil, model.NewConflictError("update", "productos", rec.ID(), nil)
	})
	f := newFixture(t, nil, WithInterceptor(conflict))
	require.NoError(t, f.remote.Create(ctx, "productos", remoteDoc(t, model.Products, product("p-1", "Remote", 7))))
	require.NoError(t, f.engine.GoOnline(ctx))

	_, res, err := f.engine.Save(ctx, model.Products, product("p-1", "Local", 7))
	require.NoError(t, err)
	assert.Equal(t, PushSuperseded, res)

	local := localRecord(t, f, model.Products, "p-1")
	assert.Equal(t, "Remote", local.String("name"))
	assert.Equal(t, model.SyncSynced, local.String("sync_status"))
}

func TestInterceptor_AppliesConfirmedRecords(t *testing.T) {
	ctx := context.Background()
	var calls int
	icpt := InterceptorFunc(func(_ context.Context, c model.Collection, _ model.Operation, _ model.Record) (bool, []Applied, error) {
		if c != model.Sales {
			return false, nil, nil
		}
		calls++
		return true, []Applied{{Collection: model.Products, Record: product("p-1", "Soda", 4)}}, nil
	})
	f := newFixture(t, nil, WithInterceptor(icpt))
	require.NoError(t, f.engine.GoOnline(ctx))
	_, err := f.local.Put(ctx, model.Products, product("p-1", "Soda", 5))
	require.NoError(t, err)

	_, res, err := f.engine.Save(ctx, model.Sales, sale("s-1", epoch))
	require.NoError(t, err)
	assert.Equal(t, PushApplied, res)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, f.remote.Writes(), "the interceptor replaced the default write")
	assert.Equal(t, 4, localRecord(t, f, model.Products, "p-1").Int("stock"))
	assert.Equal(t, model.SyncSynced, localRecord(t, f, model.Sales, "s-1").String("sync_status"))
}

func TestOfflineMode_HoldsEveryPush(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.engine.GoOnline(ctx))
	_, err := f.local.Put(ctx, model.Settings, model.Record{"id": model.SettingsID, "offline_mode": true})
	require.NoError(t, err)

	_, res, err := f.engine.Save(ctx, model.Products, product("p-1", "Soda", 5))
	require.NoError(t, err)
	assert.Equal(t, PushQueued, res)

	rep, err := f.engine.DrainRetryQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainReport{}, rep)
	assert.Equal(t, 0, f.remote.Writes())

	st, err := f.engine.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.OfflineMode)
	assert.Equal(t, "offline", st.Indicator())

	_, err = f.local.Put(ctx, model.Settings, model.Record{"id": model.SettingsID, "offline_mode": false})
	require.NoError(t, err)
	rep, err = f.engine.DrainRetryQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Applied)
}

func TestRemove_PushesDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.engine.GoOnline(ctx))

	_, _, err := f.engine.Save(ctx, model.Customers, model.Record{"id": "c-1", "name": "Ana"})
	require.NoError(t, err)
	res, err := f.engine.Remove(ctx, model.Customers, "c-1")
	require.NoError(t, err)
	assert.Equal(t, PushApplied, res)

	_, err = f.remote.GetByID(ctx, "clientes", "c-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.local.Get(ctx, model.Customers, "c-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestFeedLoss_GoesOffline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.engine.GoOnline(ctx))
	runEngine(t, f.engine)

	f.remote.SetOnline(false)
	require.Eventually(t, f.engine.Offline, 2*time.Second, 10*time.Millisecond)

	f.remote.SetOnline(true)
	require.NoError(t, f.engine.GoOnline(ctx))
	assert.Equal(t, StateLive, f.engine.State())
	assert.Equal(t, 1, f.remote.Subscribers("productos"))
}

func TestShutdown_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	require.NoError(t, f.engine.GoOnline(ctx))

	f.engine.Shutdown()
	f.engine.Shutdown()

	assert.True(t, f.engine.Offline())
	assert.Equal(t, 0, f.remote.Subscribers("productos"))
	_, err := f.engine.Push(ctx, model.Products, model.OpCreate, product("p-1", "Soda", 1))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, f.engine.Run(ctx), ErrClosed)
	assert.ErrorIs(t, f.engine.GoOnline(ctx), ErrClosed)
}
