package translate

import (
	"encoding/json"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/possync/internal/model"
)

func TestToRemote_Golden(t *testing.T) {
	tr := Default()

	tests := []struct {
		name       string
		collection model.Collection
		record     model.Record
	}{
		{
			name:       "category_to_remote",
			collection: model.Categories,
			record: model.Record{
				"id":         "cat-snacks",
				"name":       "Snacks",
				"parent_id":  nil,
				"created_at": "2026-10-18T09:30:00Z",
			},
		},
		{
			name:       "sale_to_remote",
			collection: model.Sales,
			record: model.Record{
				"id":           "sale-0001",
				"order_number": "dev1-20261018-1",
				"items": []any{
					map[string]any{
						"product_id":   "p-burger",
						"product_name": "Burger",
						"unit_price":   4500,
						"unit_cost":    2000,
						"quantity":     2,
						"subtotal":     9000,
					},
				},
				"payment_method":  model.PaymentCash,
				"cashier_id":      "u-ana",
				"customer_id":     nil,
				"discount":        0,
				"subtotal":        9000,
				"tax":             1437,
				"total":           9000,
				"comments":        "",
				"status":          model.SaleStatusCompleted,
				"created_at":      "2026-10-18T12:00:00Z",
				"device_id":       "dev1",
				"stock_committed": true,
				"stock_reversed":  false,
				"sync_status":     model.SyncPending,
			},
		},
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := tr.ToRemote(tt.collection, tt.record)
			require.NoError(t, err)

			data, err := json.MarshalIndent(doc, "", "  ")
			require.NoError(t, err)
			g.Assert(t, tt.name, append(data, '\n'))
		})
	}
}

// A remote category without an icon gets the default glyph.
func TestToLocal_AppliesDefaultsForAbsentFields(t *testing.T) {
	tr := Default()

	local, err := tr.ToLocal(model.Categories, model.Record{
		"id":     "cat-drinks",
		"nombre": "Drinks",
	})
	require.NoError(t, err)

	assert.Equal(t, DefaultCategoryIcon, local["icon"])
	assert.Equal(t, DefaultCategoryColor, local["color"])
	assert.True(t, local.Has("parent_id"))
	assert.Nil(t, local["parent_id"])
}

func TestToLocal_NullDoesNotOverrideDefault(t *testing.T) {
	local, err := Default().ToLocal(model.Categories, model.Record{
		"id":    "cat-1",
		"icono": nil,
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultCategoryIcon, local["icon"])
}

func TestToLocal_ProductDefaultsAndSyncStatus(t *testing.T) {
	local, err := Default().ToLocal(model.Products, model.Record{
		"id":     "p-1",
		"nombre": "Soda",
		"precio": 1000,
	})
	require.NoError(t, err)

	assert.Equal(t, 1000.0, local["price"])
	assert.Equal(t, 0.0, local["cost"])
	assert.Equal(t, true, local["is_active"])
	assert.Equal(t, model.DefaultTaxRate, local["tax_rate"])
	assert.Equal(t, model.SyncSynced, local["sync_status"])
	assert.Nil(t, local["stock"], "stock absent means untracked")
}

func TestToLocal_CoercesNumericStrings(t *testing.T) {
	local, err := Default().ToLocal(model.Products, model.Record{
		"id":     "p-1",
		"precio": "1200",
		"costo":  "not-a-number",
		"stock":  "7.6",
	})
	require.NoError(t, err)

	assert.Equal(t, 1200.0, local["price"])
	assert.Equal(t, 0.0, local["cost"], "unparsable numbers fall back to 0")
	assert.Equal(t, 8.0, local["stock"])
}

func TestToLocal_AcceptsAliases(t *testing.T) {
	local, err := Default().ToLocal(model.Products, model.Record{
		"id":        "p-1",
		"categoria": "cat-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "cat-1", local["category_id"])

	sale, err := Default().ToLocal(model.Sales, model.Record{
		"id":    "s-1",
		"folio": "42",
		"notas": "no onions",
		"items": []any{map[string]any{"productoId": "p-1", "total": 500}},
	})
	require.NoError(t, err)
	assert.Equal(t, "42", sale["order_number"])
	assert.Equal(t, "no onions", sale["comments"])
	item := sale["items"].([]any)[0].(map[string]any)
	assert.Equal(t, 500.0, item["subtotal"])
	assert.Equal(t, DefaultProductName, item["product_name"])
	assert.Equal(t, 1.0, item["quantity"])
}

func TestValueMaps(t *testing.T) {
	tr := Default()

	remote, err := tr.ToRemote(model.Users, model.Record{"id": "u-1", "name": "Ana", "pin": "1234", "role": model.RoleCashier})
	require.NoError(t, err)
	assert.Equal(t, "vendedor", remote["rol"])

	local, err := tr.ToLocal(model.Users, remote)
	require.NoError(t, err)
	assert.Equal(t, model.RoleCashier, local["role"])

	// Unknown remote values pass through.
	local, err = tr.ToLocal(model.Users, model.Record{"id": "u-2", "rol": "supervisor"})
	require.NoError(t, err)
	assert.Equal(t, "supervisor", local["role"])

	mov, err := tr.ToRemote(model.InventoryMovements, model.Record{"id": "m-1", "type": model.MovementLoss})
	require.NoError(t, err)
	assert.Equal(t, "merma", mov["tipo"])
}

func TestToRemote_DefaultsUseRemoteValues(t *testing.T) {
	tr := Default()

	user, err := tr.ToRemote(model.Users, model.Record{"id": "u-1", "name": "Ana", "pin": "1234"})
	require.NoError(t, err)
	assert.Equal(t, "vendedor", user["rol"])

	sale, err := tr.ToRemote(model.Sales, model.Record{"id": "s-1"})
	require.NoError(t, err)
	assert.Equal(t, "completada", sale["estado"])

	local, err := tr.ToLocal(model.Sales, sale)
	require.NoError(t, err)
	assert.Equal(t, model.SaleStatusCompleted, local["status"])
}

func TestTranslationErrors(t *testing.T) {
	tr := Default()

	_, err := tr.ToLocal(model.Products, model.Record{"nombre": "no id"})
	require.Error(t, err)
	assert.True(t, model.IsTranslation(err))

	_, err = tr.ToLocal(model.Sales, model.Record{"id": "s-1", "items": "garbage"})
	require.Error(t, err)
	assert.True(t, model.IsTranslation(err))

	_, err = tr.ToRemote(model.Sales, model.Record{"id": "s-1", "items": []any{map[string]any{"quantity": 1}}})
	require.Error(t, err, "line items need a product id")
	assert.True(t, model.IsTranslation(err))

	_, err = tr.ToRemote(model.SyncQueue, model.Record{"id": "q-1"})
	assert.True(t, model.IsTranslation(err))
}

func TestTransientAndDeviceOwnedFields(t *testing.T) {
	tr := Default()

	remote, err := tr.ToRemote(model.Products, model.Record{
		"id":          "p-1",
		"updated_at":  "2026-10-18T10:00:00Z",
		"sync_status": model.SyncPending,
	})
	require.NoError(t, err)
	assert.False(t, remote.Has(UpdatedAtField), "server timestamps are not sent")
	assert.False(t, remote.Has("sync_status"))

	settings, err := tr.ToRemote(model.Settings, model.Record{"id": model.SettingsID, "offline_mode": true})
	require.NoError(t, err)
	assert.NotContains(t, settings, "offline_mode")

	local, err := tr.ToLocal(model.Settings, model.Record{"id": model.SettingsID, "nombreNegocio": "Chic"})
	require.NoError(t, err)
	assert.False(t, local.Has("offline_mode"))
	assert.Equal(t, []string{"offline_mode"}, tr.DeviceOwnedFields(model.Settings))
}

func TestToRemotePartial(t *testing.T) {
	doc, err := Default().ToRemotePartial(model.Products, model.Record{"stock": 3})
	require.NoError(t, err)
	assert.Equal(t, model.Record{"stock": 3.0}, doc)
}

func TestTimeCoercion(t *testing.T) {
	tr := Default()

	local, err := tr.ToLocal(model.Customers, model.Record{
		"id":            "c-1",
		"fechaCreacion": map[string]any{"seconds": 1760780400.0, "nanoseconds": 0.0},
	})
	require.NoError(t, err)
	assert.Equal(t, "2025-10-18T09:40:00Z", local["created_at"])

	local, err = tr.ToLocal(model.Customers, model.Record{"id": "c-2", "fechaCreacion": 1760780400000.0})
	require.NoError(t, err)
	assert.Equal(t, "2025-10-18T09:40:00Z", local["created_at"])
}

func TestNames(t *testing.T) {
	tr := Default()

	name, err := tr.RemoteCollection(model.Products)
	require.NoError(t, err)
	assert.Equal(t, "productos", name)

	c, ok := tr.LocalCollection("ventas")
	require.True(t, ok)
	assert.Equal(t, model.Sales, c)

	_, err = tr.RemoteCollection(model.SyncQueue)
	assert.Error(t, err)

	assert.Equal(t, "fecha", tr.RemoteField(model.Sales, "created_at"))
	assert.Equal(t, "", tr.RemoteField(model.Sales, "nope"))
	assert.Len(t, tr.RemoteCollections(), 7)
}
