package model

import "time"

// Product is a sellable catalog item.
type Product struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Price      float64   `json:"price"`
	Cost       float64   `json:"cost"`
	Stock      *int      `json:"stock"` // nil means stock is not tracked
	CategoryID *string   `json:"category_id"`
	Barcode    *string   `json:"barcode"`
	Image      *string   `json:"image"`
	IsActive   bool      `json:"is_active"`
	TaxRate    float64   `json:"tax_rate"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	SyncStatus string    `json:"sync_status,omitempty"`
}

// Tracked reports whether the product's stock is counted.
func (p Product) Tracked() bool {
	return p.Stock != nil
}

// Category groups products. Categories form a tree through ParentID.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	Icon      string    `json:"icon"`
	Image     *string   `json:"image"`
	ParentID  *string   `json:"parent_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Sale statuses.
const (
	SaleStatusPending   = "pending"
	SaleStatusPreparing = "preparing"
	SaleStatusReady     = "ready"
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
)

// Payment methods.
const (
	PaymentCash     = "cash"
	PaymentCard     = "card"
	PaymentTransfer = "transfer"
)

// LineItem is one product line of a sale. Name, price and cost are captured
// at sale time so later catalog edits do not rewrite history.
type LineItem struct {
	ProductID   string  `json:"product_id"`
	ProductName string  `json:"product_name"`
	UnitPrice   float64 `json:"unit_price"`
	UnitCost    float64 `json:"unit_cost"`
	Quantity    int     `json:"quantity"`
	Subtotal    float64 `json:"subtotal"`
	Notes       string  `json:"notes,omitempty"`
}

// Sale is a completed or in-progress order.
type Sale struct {
	ID             string     `json:"id"`
	OrderNumber    string     `json:"order_number"`
	Items          []LineItem `json:"items"`
	PaymentMethod  string     `json:"payment_method"`
	CashierID      string     `json:"cashier_id"`
	CustomerID     *string    `json:"customer_id"`
	Discount       float64    `json:"discount"`
	Subtotal       float64    `json:"subtotal"`
	Tax            float64    `json:"tax"`
	Total          float64    `json:"total"`
	Comments       string     `json:"comments"`
	Status         string     `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	CancelReason   string     `json:"cancel_reason,omitempty"`
	CancelledAt    *time.Time `json:"cancelled_at,omitempty"`
	CancelledBy    string     `json:"cancelled_by,omitempty"` // device-local
	ReadyAt        *time.Time `json:"ready_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	DeviceID       string     `json:"device_id"`
	StockCommitted bool       `json:"stock_committed"`
	StockReversed  bool       `json:"stock_reversed"`
	SyncStatus     string     `json:"sync_status,omitempty"`
}

// User roles.
const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
	RoleKitchen = "kitchen"
)

// User is an operator identified at the till by a 4-digit PIN.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PIN       string    `json:"pin"`
	Role      string    `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// Customer is an optional buyer reference on a sale.
type Customer struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Inventory movement types.
const (
	MovementPurchase   = "purchase"
	MovementAdjustment = "adjustment"
	MovementLoss       = "loss"
	MovementSale       = "sale"
)

// InventoryMovement is an append-only stock ledger entry.
type InventoryMovement struct {
	ID            string    `json:"id"`
	ProductID     string    `json:"product_id"`
	Type          string    `json:"type"`
	Quantity      int       `json:"quantity"`
	PreviousStock int       `json:"previous_stock"`
	NewStock      int       `json:"new_stock"`
	Reason        string    `json:"reason"`
	UserID        string    `json:"user_id"`
	CreatedAt     time.Time `json:"created_at"`
	SyncStatus    string    `json:"sync_status,omitempty"`
}

// DefaultTaxRate is applied when settings carry none.
const DefaultTaxRate = 0.19

// StoreSettings is the business configuration record.
type StoreSettings struct {
	ID            string  `json:"id"`
	BusinessName  string  `json:"business_name"`
	Address       string  `json:"address"`
	Phone         string  `json:"phone"`
	TaxID         string  `json:"tax_id"`
	TaxRate       float64 `json:"tax_rate"`
	Currency      string  `json:"currency"`
	PrintReceipts bool    `json:"print_receipts"`
	OfflineMode   bool    `json:"offline_mode"`
}

// DefaultSettings returns the settings used before any are saved.
func DefaultSettings() StoreSettings {
	return StoreSettings{
		ID:            SettingsID,
		TaxRate:       DefaultTaxRate,
		Currency:      "CLP",
		PrintReceipts: true,
	}
}

// QueueStatus is the lifecycle state of a sync queue entry.
type QueueStatus string

const (
	QueuePending QueueStatus = "PENDING"
	QueueDone    QueueStatus = "DONE"
	QueueFailed  QueueStatus = "FAILED"
)

// QueueEntry is a persisted outbound mutation waiting for the remote store.
type QueueEntry struct {
	ID            string      `json:"id"`
	Collection    Collection  `json:"collection"`
	Operation     Operation   `json:"operation"`
	RecordID      string      `json:"record_id"`
	Payload       Record      `json:"payload"`
	EnqueuedAt    time.Time   `json:"enqueued_at"`
	Status        QueueStatus `json:"status"`
	RetryCount    int         `json:"retry_count"`
	NextAttemptAt *time.Time  `json:"next_attempt_at,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
}

// Key identifies the record an entry mutates.
func (e QueueEntry) Key() string {
	return RecordKey(e.Collection, e.RecordID)
}

// RecordKey joins a collection and id into a map key.
func RecordKey(c Collection, id string) string {
	return string(c) + "/" + id
}
