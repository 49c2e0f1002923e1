package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
)

func TestHandleRemoteChange_InsertUpdateDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	doc := remoteDoc(t, model.Products, product("p-9", "Juice", 3))
	require.NoError(t, f.engine.HandleRemoteChange(ctx, remote.Change{
		Collection: "productos", Type: remote.ChangeInsert, ID: "p-9", Doc: doc,
	}))
	local := localRecord(t, f, model.Products, "p-9")
	assert.Equal(t, "Juice", local.String("name"))
	assert.Equal(t, model.SyncSynced, local.String("sync_status"))

	doc["nombre"] = "Orange Juice"
	require.NoError(t, f.engine.HandleRemoteChange(ctx, remote.Change{
		Collection: "productos", Type: remote.ChangeUpdate, ID: "p-9", Doc: doc,
	}))
	assert.Equal(t, "Orange Juice", localRecord(t, f, model.Products, "p-9").String("name"))

	require.NoError(t, f.engine.HandleRemoteChange(ctx, remote.Change{
		Collection: "productos", Type: remote.ChangeDelete, ID: "p-9",
	}))
	_, err := f.local.Get(ctx, model.Products, "p-9")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestHandleRemoteChange_IgnoresUnknownCollections(t *testing.T) {
	f := newFixture(t, nil)
	err := f.engine.HandleRemoteChange(context.Background(), remote.Change{
		Collection: "pedidos", Type: remote.ChangeInsert, ID: "x", Doc: model.Record{"id": "x"},
	})
	assert.NoError(t, err)
}

func TestHandleRemoteChange_KeepsPendingRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, _, err := f.engine.Save(ctx, model.Products, product("p-1", "Local", 5))
	require.NoError(t, err)

	require.NoError(t, f.engine.HandleRemoteChange(ctx, remote.Change{
		Collection: "productos",
		Type:       remote.ChangeUpdate,
		ID:         "p-1",
		Doc:        remoteDoc(t, model.Products, product("p-1", "Remote", 5)),
	}))
	assert.Equal(t, "Local", localRecord(t, f, model.Products, "p-1").String("name"))

	require.NoError(t, f.engine.HandleRemoteChange(ctx, remote.Change{
		Collection: "productos", Type: remote.ChangeDelete, ID: "p-1",
	}))
	assert.Equal(t, "Local", localRecord(t, f, model.Products, "p-1").String("name"))
}

func TestHandleRemoteChange_PreservesDeviceOwnedFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	_, err := f.local.Put(ctx, model.Settings, model.Record{"id": model.SettingsID, "offline_mode": true})
	require.NoError(t, err)

	require.NoError(t, f.engine.HandleRemoteChange(ctx, remote.Change{
		Collection: "configuracion",
		Type:       remote.ChangeUpdate,
		ID:         model.SettingsID,
		Doc:        model.Record{"id": model.SettingsID, "nombreNegocio": "Chic"},
	}))

	settings := localRecord(t, f, model.Settings, model.SettingsID)
	assert.Equal(t, "Chic", settings.String("business_name"))
	assert.True(t, settings.Bool("offline_mode"))
}

func TestHandleRemoteChange_IgnoresOwnOrigin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	tagged, settle := f.engine.Track(ctx)
	token := remote.OriginFrom(tagged)
	require.NotEmpty(t, token)

	change := remote.Change{
		Collection: "productos",
		Type:       remote.ChangeInsert,
		ID:         "p-1",
		Doc:        remoteDoc(t, model.Products, product("p-1", "Soda", 1)),
		Origin:     token,
	}
	require.NoError(t, f.engine.HandleRemoteChange(ctx, change), "in flight")
	settle()
	require.NoError(t, f.engine.HandleRemoteChange(ctx, change), "within the echo window")
	_, err := f.local.Get(ctx, model.Products, "p-1")
	assert.ErrorIs(t, err, model.ErrNotFound)

	change.Origin = "other-device:1"
	require.NoError(t, f.engine.HandleRemoteChange(ctx, change))
	assert.Equal(t, "Soda", localRecord(t, f, model.Products, "p-1").String("name"))
}

// A device's own write never comes back as a local write, while writes
// from elsewhere on the same feed do.
func TestEchoSuppression_EndToEnd(t *testing.T) {
	ctx := context.Background()

	var (
		mu     sync.Mutex
		writes = make(map[string]int)
	)
	f := newFixture(t, nil, WithOnChange(func(_ model.Collection, id string) {
		mu.Lock()
		writes[id]++
		mu.Unlock()
	}))
	require.NoError(t, f.engine.GoOnline(ctx))
	runEngine(t, f.engine)

	_, res, err := f.engine.Save(ctx, model.Products, product("p-1", "Soda", 5))
	require.NoError(t, err)
	require.Equal(t, PushApplied, res)

	// The feed is ordered: once this foreign write lands locally, the echo
	// of p-1 has been handled.
	require.NoError(t, f.remote.Create(ctx, "productos", remoteDoc(t, model.Products, product("p-2", "Water", 1))))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return writes["p-2"] == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, writes["p-1"], "the PENDING write and the SYNCED flip, no echo")
}
