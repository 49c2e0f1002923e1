package stock

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/possync/internal/engine"
	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/remote/memremote"
	"github.com/roach88/possync/internal/store"
	"github.com/roach88/possync/internal/testutil"
)

type replayFixture struct {
	local    *store.Store
	remote   *memremote.Store
	clock    *testutil.FakeClock
	reserver *Reserver
	engine   *engine.Engine
}

func newReplayFixture(t *testing.T, policy engine.RetryPolicy) *replayFixture {
	return newReplayFixtureOver(t, policy, nil)
}

// newReplayFixtureOver runs the device against wrap(remote) when wrap is set.
func newReplayFixtureOver(t *testing.T, policy engine.RetryPolicy, wrap func(*memremote.Store) remote.Store) *replayFixture {
	t.Helper()
	clock := testutil.NewFakeClock(epoch)
	mem := memremote.New(memremote.WithClock(clock.Now))
	var rs remote.Store = mem
	if wrap != nil {
		rs = wrap(mem)
	}
	local := createTestStore(t)
	r := New(rs, local, WithNow(clock.Now), WithLogger(quietLogger()))
	e := engine.New(local, rs, nil,
		engine.WithNow(clock.Now),
		engine.WithSession("dev1"),
		engine.WithLogger(quietLogger()),
		engine.WithInterceptor(r),
		engine.WithRetryPolicy(policy))
	t.Cleanup(e.Shutdown)
	require.NoError(t, e.Init(context.Background()))
	return &replayFixture{local: local, remote: mem, clock: clock, reserver: r, engine: e}
}

// sellOffline records a sale the way the till does without a connection.
func (f *replayFixture) sellOffline(t *testing.T, rec model.Record, items ...model.LineItem) {
	t.Helper()
	ctx := context.Background()
	_, err := f.reserver.ReserveLocal(ctx, items)
	require.NoError(t, err)
	_, res, err := f.engine.Save(ctx, model.Sales, rec)
	require.NoError(t, err)
	require.Equal(t, engine.PushQueued, res)
}

func (f *replayFixture) seedBoth(t *testing.T, products ...model.Record) {
	t.Helper()
	seedRemote(t, f.remote, products...)
	for _, p := range products {
		_, err := f.local.Put(context.Background(), model.Products, p)
		require.NoError(t, err)
	}
}

func TestInterceptPush_IgnoresOtherWrites(t *testing.T) {
	r := newReserver(t, memremote.New())
	ctx := context.Background()

	handled, _, err := r.InterceptPush(ctx, model.Products, model.OpCreate, product("p", "Soda", units(1)))
	require.NoError(t, err)
	assert.False(t, handled)

	committed := sale("s-1", line("p", 1))
	committed["stock_committed"] = true
	handled, _, err = r.InterceptPush(ctx, model.Sales, model.OpCreate, committed)
	require.NoError(t, err)
	assert.False(t, handled, "already committed online")

	reversed := sale("s-1", line("p", 1))
	reversed["status"] = model.SaleStatusCancelled
	reversed["stock_reversed"] = true
	handled, _, err = r.InterceptPush(ctx, model.Sales, model.OpUpdate, reversed)
	require.NoError(t, err)
	assert.False(t, handled, "already reversed online")
}

// An order status change is written without the stock flags of the queued
// copy, so a sale committed on replay stays committed.
func TestInterceptPush_StatusUpdateKeepsStockFlags(t *testing.T) {
	ctx := context.Background()
	rs := memremote.New()
	seedRemote(t, rs, product("burger", "Burger", units(5)))
	r := newReserver(t, rs)

	queued := sale("s-1", line("burger", 2))
	queued["status"] = model.SaleStatusPending
	_, err := r.CommitSale(ctx, queued)
	require.NoError(t, err)

	ready := queued.Clone()
	ready["status"] = model.SaleStatusReady
	ready["ready_at"] = epoch.Format(time.RFC3339Nano)
	handled, applied, err := r.InterceptPush(ctx, model.Sales, model.OpUpdate, ready)
	require.NoError(t, err)
	assert.True(t, handled)
	require.Len(t, applied, 1)
	got := applied[0].Record
	assert.Equal(t, model.SaleStatusReady, got.String("status"))
	assert.True(t, got.Bool("stock_committed"))
	assert.NotEmpty(t, got.String("ready_at"))

	doc, err := rs.GetByID(ctx, "ventas", "s-1")
	require.NoError(t, err)
	assert.Equal(t, "lista", doc.String("estado"))
	assert.True(t, doc.Bool("stockDescontado"))
	assert.Equal(t, 3, *remoteStock(t, rs, "burger"))
}

func TestCancelledBy(t *testing.T) {
	rec := sale("s-1", line("p", 1))
	assert.Equal(t, "u-1", cancelledBy(rec))
	rec["cancelled_by"] = "u-9"
	assert.Equal(t, "u-9", cancelledBy(rec))
}

func TestOfflineSale_CommittedOnReconnect(t *testing.T) {
	ctx := context.Background()
	f := newReplayFixture(t, engine.DefaultRetryPolicy())
	f.seedBoth(t, product("burger", "Burger", units(5)))

	f.sellOffline(t, sale("s-1", line("burger", 2)), line("burger", 2))
	assert.Equal(t, 5, *remoteStock(t, f.remote, "burger"), "nothing leaves the device offline")

	require.NoError(t, f.engine.GoOnline(ctx))
	assert.Equal(t, engine.StateLive, f.engine.State())

	assert.Equal(t, 3, *remoteStock(t, f.remote, "burger"))
	got, err := f.local.Get(ctx, model.Sales, "s-1")
	require.NoError(t, err)
	assert.True(t, got.Bool("stock_committed"))
	assert.Equal(t, model.SyncSynced, got.String("sync_status"))
	mov, err := f.local.Get(ctx, model.InventoryMovements, "s-1-burger")
	require.NoError(t, err)
	assert.Equal(t, -2, mov.Int("quantity"))

	status, err := f.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Pending)
}

func TestOfflineCancel_ReversedOnReconnect(t *testing.T) {
	ctx := context.Background()
	f := newReplayFixture(t, engine.DefaultRetryPolicy())
	f.seedBoth(t, product("burger", "Burger", units(5)))

	rec := sale("s-1", line("burger", 2))
	f.sellOffline(t, rec, line("burger", 2))

	_, err := f.reserver.RestoreLocal(ctx, []model.LineItem{line("burger", 2)})
	require.NoError(t, err)
	cancelled := rec.Clone()
	cancelled["status"] = model.SaleStatusCancelled
	cancelled["cancel_reason"] = "wrong order"
	cancelled["cancelled_by"] = "u-2"
	_, res, err := f.engine.Save(ctx, model.Sales, cancelled)
	require.NoError(t, err)
	require.Equal(t, engine.PushQueued, res)

	require.NoError(t, f.engine.GoOnline(ctx))

	assert.Equal(t, 5, *remoteStock(t, f.remote, "burger"))
	got, err := f.local.Get(ctx, model.Sales, "s-1")
	require.NoError(t, err)
	assert.Equal(t, model.SaleStatusCancelled, got.String("status"))
	assert.True(t, got.Bool("stock_reversed"))
	rev, err := f.local.Get(ctx, model.InventoryMovements, "s-1-burger-rev")
	require.NoError(t, err)
	assert.Equal(t, "u-2", rev.String("user_id"))
}

// Another device sold the last units while this one was offline: the
// replayed sale backs off, then is dead-lettered, and remote stock never
// goes negative.
func TestOfflineSale_StockGoneWhileOffline(t *testing.T) {
	ctx := context.Background()
	f := newReplayFixture(t, engine.RetryPolicy{Base: time.Second, Max: time.Minute, MaxRejections: 2})
	f.seedBoth(t, product("burger", "Burger", units(1)))

	f.sellOffline(t, sale("s-1", line("burger", 1)), line("burger", 1))

	other := New(f.remote, store.NewMemory(), WithLogger(quietLogger()))
	_, err := other.ReserveStock(ctx, []model.LineItem{line("burger", 1)})
	require.NoError(t, err)

	require.NoError(t, f.engine.GoOnline(ctx))
	assert.Equal(t, engine.StateRetrying, f.engine.State())
	entries, err := f.engine.Queue().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Contains(t, entries[0].LastError, "insufficient stock")

	f.clock.Advance(2 * time.Second)
	rep, err := f.engine.DrainRetryQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.DeadLettered)

	status, err := f.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, status.Pending)
	assert.Equal(t, 1, status.DeadLetters)
	assert.Equal(t, 0, *remoteStock(t, f.remote, "burger"))

	_, err = f.remote.GetByID(ctx, "ventas", "s-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

// contendedRemote loses its first stock transactions to other devices.
type contendedRemote struct {
	*memremote.Store
	losses atomic.Int32
}

func (c *contendedRemote) RunAtomicTransaction(ctx context.Context, readSet []remote.Ref, fn func(tx remote.Tx) error) error {
	if c.losses.Add(-1) >= 0 {
		return fmt.Errorf("commit: %w", remote.ErrPreconditionFailed)
	}
	return c.Store.RunAtomicTransaction(ctx, readSet, fn)
}

func (f *replayFixture) localStock(t *testing.T, id string) int {
	t.Helper()
	rec, err := f.local.Get(context.Background(), model.Products, id)
	require.NoError(t, err)
	return rec.Int("stock")
}

// A replayed sale that keeps losing its transaction stays queued with the
// sale and its reservation intact, and goes through on a later pass.
func TestOfflineSale_ContendedReplayStaysQueued(t *testing.T) {
	ctx := context.Background()
	f := newReplayFixtureOver(t, engine.DefaultRetryPolicy(), func(m *memremote.Store) remote.Store {
		rs := &contendedRemote{Store: m}
		rs.losses.Store(1)
		return rs
	})
	f.seedBoth(t, product("burger", "Burger", units(5)))
	f.sellOffline(t, sale("s-1", line("burger", 2)), line("burger", 2))

	require.NoError(t, f.engine.GoOnline(ctx))
	assert.Equal(t, engine.StateRetrying, f.engine.State())

	got, err := f.local.Get(ctx, model.Sales, "s-1")
	require.NoError(t, err, "the sale is kept")
	assert.Equal(t, model.SyncPending, got.String("sync_status"))
	entries, err := f.engine.Queue().Pending(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Zero(t, entries[0].RetryCount)
	assert.Contains(t, entries[0].LastError, "precondition failed")
	assert.Equal(t, 5, *remoteStock(t, f.remote, "burger"))
	assert.Equal(t, 3, f.localStock(t, "burger"), "the reservation survives the pull")

	rep, err := f.engine.DrainRetryQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Applied)
	assert.Equal(t, engine.StateLive, f.engine.State())
	assert.Equal(t, 3, *remoteStock(t, f.remote, "burger"))
	got, err = f.local.Get(ctx, model.Sales, "s-1")
	require.NoError(t, err)
	assert.True(t, got.Bool("stock_committed"))
}

// Pulls and change events keep the device stock of products that queued
// offline sales already reserved, and the replay hands back remote stock.
func TestOfflineSale_PullKeepsReservedStock(t *testing.T) {
	ctx := context.Background()
	f := newReplayFixture(t, engine.DefaultRetryPolicy())
	f.seedBoth(t, product("burger", "Burger", units(5)), product("fries", "Fries", units(8)))
	f.sellOffline(t, sale("s-1", line("burger", 2)), line("burger", 2))

	// Another device sells fries and a burger meanwhile.
	other := New(f.remote, store.NewMemory(), WithLogger(quietLogger()))
	_, err := other.ReserveStock(ctx, []model.LineItem{line("fries", 3), line("burger", 1)})
	require.NoError(t, err)

	_, err = f.engine.Pull(ctx, model.Products)
	require.NoError(t, err)
	assert.Equal(t, 3, f.localStock(t, "burger"), "held while the sale is queued")
	assert.Equal(t, 5, f.localStock(t, "fries"), "other products follow the remote")

	doc, err := f.remote.GetByID(ctx, "productos", "burger")
	require.NoError(t, err)
	require.NoError(t, f.engine.HandleRemoteChange(ctx, remote.Change{
		Type: remote.ChangeUpdate, Collection: "productos", ID: "burger", Doc: doc,
	}))
	assert.Equal(t, 3, f.localStock(t, "burger"))

	require.NoError(t, f.engine.GoOnline(ctx))
	assert.Equal(t, 2, *remoteStock(t, f.remote, "burger"))
	assert.Equal(t, 2, f.localStock(t, "burger"))
}

func TestHeldFields(t *testing.T) {
	r := newReserver(t, memremote.New())
	cancelled := sale("s-2", line("fries", 1))
	cancelled["status"] = model.SaleStatusCancelled

	held := r.HeldFields([]model.QueueEntry{
		{Collection: model.Sales, Operation: model.OpCreate, RecordID: "s-1", Payload: sale("s-1", line("burger", 2))},
		{Collection: model.Sales, Operation: model.OpUpdate, RecordID: "s-2", Payload: cancelled},
		{Collection: model.InventoryMovements, Operation: model.OpCreate, RecordID: "m-1",
			Payload: manualMovement("m-1", "soda", model.MovementPurchase, 3)},
		{Collection: model.Products, Operation: model.OpUpdate, RecordID: "cola", Payload: product("cola", "Cola", units(1))},
	})
	assert.Equal(t, map[string][]string{
		model.RecordKey(model.Products, "burger"): {"stock"},
		model.RecordKey(model.Products, "fries"):  {"stock"},
		model.RecordKey(model.Products, "soda"):   {"stock"},
	}, held)
}
