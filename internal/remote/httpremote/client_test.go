package httpremote

import (
	"context"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/possync/internal/auth"
	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/remote/memremote"
	"github.com/roach88/possync/internal/remote/remotetest"
	"github.com/roach88/possync/internal/server"
)

const testSecret = "till-secret"

type fixture struct {
	client  *Client
	backend *memremote.Store
	ts      *httptest.Server
	skew    *atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testSecret), bcrypt.MinCost)
	require.NoError(t, err)

	skew := new(atomic.Int64)
	issuer, err := auth.NewIssuer([]byte("0123456789abcdef0123456789abcdef"), string(hash),
		auth.WithTTL(time.Hour),
		auth.WithClock(func() time.Time { return time.Now().Add(time.Duration(skew.Load())) }))
	require.NoError(t, err)

	backend := memremote.New()
	srv := server.New(backend, issuer)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	client, err := New(ts.URL, "dev-1", testSecret, WithTxRetry(remote.RetryPolicy{Attempts: 5, Base: time.Millisecond}))
	require.NoError(t, err)
	return &fixture{client: client, backend: backend, ts: ts, skew: skew}
}

func TestContract(t *testing.T) {
	remotetest.Run(t, func(t *testing.T) remote.Store { return newFixture(t).client })
}

func TestNew_RejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com", "d", "s")
	assert.Error(t, err)
}

func TestBadSecretIsRejection(t *testing.T) {
	f := newFixture(t)
	c, err := New(f.ts.URL, "dev-2", "wrong")
	require.NoError(t, err)

	_, err = c.List(context.Background(), "productos", remote.ListOptions{})
	require.Error(t, err)
	assert.True(t, model.IsRejection(err))
}

func TestServerDownIsConnectivity(t *testing.T) {
	f := newFixture(t)
	f.ts.Close()

	err := f.client.Create(context.Background(), "productos", remote.Document{"id": "p1"})
	assert.True(t, model.IsConnectivity(err))
	assert.True(t, model.IsConnectivity(f.client.Ping(context.Background())))
}

func TestBackendOfflineIsConnectivity(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.client.Ping(context.Background()))
	f.backend.SetOnline(false)

	err := f.client.Create(context.Background(), "productos", remote.Document{"id": "p1"})
	assert.True(t, model.IsConnectivity(err), "503 maps to connectivity")
	assert.True(t, model.IsConnectivity(f.client.Ping(context.Background())))
}

func TestValidationFailureIsRejection(t *testing.T) {
	f := newFixture(t)
	err := f.client.Create(context.Background(), "productos", remote.Document{"nombre": "no id"})
	assert.True(t, model.IsRejection(err))
}

func TestExpiredTokenReenrolls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.client.Create(ctx, "clientes", remote.Document{"id": "c1"}))

	f.skew.Store(int64(2 * time.Hour))
	require.NoError(t, f.client.Create(ctx, "clientes", remote.Document{"id": "c2"}))

	docs, err := f.client.List(ctx, "clientes", remote.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, docs, 2)
}

func TestOriginTravelsToChangeFeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub, err := f.backend.Subscribe(ctx, "ventas")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, f.client.Create(remote.WithOrigin(ctx, "sess:3"), "ventas", remote.Document{"id": "s1"}))
	c := remotetest.Next(t, sub)
	assert.Equal(t, "sess:3", c.Origin)
}

func TestFeedDropFailsSubscription(t *testing.T) {
	f := newFixture(t)
	sub, err := f.client.Subscribe(context.Background(), "productos")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	f.backend.SetOnline(false)

	select {
	case _, ok := <-sub.Changes():
		assert.False(t, ok)
	case <-time.After(remotetest.Wait):
		t.Fatal("feed did not end")
	}
	assert.True(t, model.IsConnectivity(sub.Err()))
}

func TestTransactionConflictSurfacesAsConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.client.Create(ctx, "productos", remote.Document{"id": "p1", "stock": 5.0}))
	ref := remote.Ref{Collection: "productos", ID: "p1"}

	// Another writer changes the document inside every attempt.
	err := f.client.RunAtomicTransaction(ctx, []remote.Ref{ref}, func(tx remote.Tx) error {
		if err := f.backend.Update(ctx, "productos", "p1", remote.Document{"nombre": "bump"}); err != nil {
			return err
		}
		tx.Update(ref, remote.Document{"stock": 4.0})
		return nil
	})
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))
	assert.ErrorIs(t, err, remote.ErrPreconditionFailed)
}
