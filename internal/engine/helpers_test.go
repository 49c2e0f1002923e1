package engine

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote/memremote"
	"github.com/roach88/possync/internal/store"
	"github.com/roach88/possync/internal/testutil"
	"github.com/roach88/possync/internal/translate"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// createTestStore creates a new SQLite store in a temp dir for testing.
func createTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := store.Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type fixture struct {
	local  *store.Store
	remote *memremote.Store
	clock  *testutil.FakeClock
	engine *Engine
}

// newFixture wires an engine over a temp SQLite store and rs (a fresh
// memremote when nil). The engine starts OFFLINE.
func newFixture(t *testing.T, rs *memremote.Store, opts ...Option) *fixture {
	t.Helper()
	clock := testutil.NewFakeClock(epoch)
	if rs == nil {
		rs = memremote.New(memremote.WithClock(clock.Now))
	}
	local := createTestStore(t)
	base := []Option{WithNow(clock.Now), WithSession("dev1"), WithLogger(quietLogger())}
	e := New(local, rs, nil, append(base, opts...)...)
	t.Cleanup(e.Shutdown)
	require.NoError(t, e.Init(context.Background()))
	return &fixture{local: local, remote: rs, clock: clock, engine: e}
}

// runEngine runs the change loop until the test ends.
func runEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func product(id, name string, stock int) model.Record {
	return model.Record{
		"id":          id,
		"name":        name,
		"price":       1000.0,
		"cost":        400.0,
		"stock":       float64(stock),
		"category_id": nil,
		"barcode":     nil,
		"image":       nil,
		"is_active":   true,
		"tax_rate":    model.DefaultTaxRate,
		"created_at":  epoch.Format(time.RFC3339Nano),
	}
}

func sale(id string, at time.Time) model.Record {
	return model.Record{
		"id":           id,
		"order_number": "dev1-20261018-1",
		"items": []any{map[string]any{
			"product_id":   "p-1",
			"product_name": "Soda",
			"unit_price":   1000.0,
			"unit_cost":    400.0,
			"quantity":     1.0,
			"subtotal":     1000.0,
		}},
		"payment_method":  model.PaymentCash,
		"cashier_id":      "u-1",
		"customer_id":     nil,
		"discount":        0.0,
		"subtotal":        1000.0,
		"tax":             160.0,
		"total":           1000.0,
		"comments":        "",
		"status":          model.SaleStatusCompleted,
		"created_at":      at.Format(time.RFC3339Nano),
		"device_id":       "dev1",
		"stock_committed": true,
		"stock_reversed":  false,
	}
}

// remoteDoc renders a local record the way another device would write it.
func remoteDoc(t *testing.T, c model.Collection, rec model.Record) model.Record {
	t.Helper()
	doc, err := translate.Default().ToRemote(c, rec)
	require.NoError(t, err)
	return doc
}

func localRecord(t *testing.T, f *fixture, c model.Collection, id string) model.Record {
	t.Helper()
	rec, err := f.local.Get(context.Background(), c, id)
	require.NoError(t, err)
	return rec
}

func pendingEntries(t *testing.T, e *Engine) []model.QueueEntry {
	t.Helper()
	entries, err := e.Queue().Pending(context.Background())
	require.NoError(t, err)
	return entries
}
