package model

import "fmt"

// Collection names a local document collection.
type Collection string

const (
	Products           Collection = "products"
	Categories         Collection = "categories"
	Sales              Collection = "sales"
	Users              Collection = "users"
	Customers          Collection = "customers"
	Settings           Collection = "settings"
	InventoryMovements Collection = "inventory_movements"
	SyncQueue          Collection = "sync_queue"
)

// AllCollections lists every collection the local store knows about.
var AllCollections = []Collection{
	Products,
	Categories,
	Sales,
	Users,
	Customers,
	Settings,
	InventoryMovements,
	SyncQueue,
}

// SyncedCollections are mirrored with the remote store, in pull order.
// The sync queue is device-local and never leaves the device.
var SyncedCollections = []Collection{
	Settings,
	Users,
	Categories,
	Products,
	Customers,
	Sales,
	InventoryMovements,
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	for _, known := range AllCollections {
		if c == known {
			return true
		}
	}
	return false
}

// Synced reports whether c is mirrored remotely.
func (c Collection) Synced() bool {
	for _, known := range SyncedCollections {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCollection validates a collection name.
func ParseCollection(s string) (Collection, error) {
	c := Collection(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown collection %q", s)
	}
	return c, nil
}

// Operation is the kind of mutation carried by a push or a queue entry.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the three supported operations.
func (op Operation) Valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// Sync status tags stored on locally written records.
const (
	SyncPending = "PENDING"
	SyncSynced  = "SYNCED"
)

// SettingsID is the id of the single settings record.
const SettingsID = "global"
