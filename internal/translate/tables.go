package translate

import "github.com/roach88/possync/internal/model"

// Documented fallbacks applied when a record lacks the field.
const (
	DefaultCategoryColor = "#FF6B35"
	DefaultCategoryIcon  = "📦"
	DefaultProductName   = "Producto"
)

// UpdatedAtField is the server timestamp remote stores stamp on every write.
const UpdatedAtField = "fechaActualizacion"

func id() Field {
	return Field{Local: "id", Remote: "id", Kind: String, Required: true}
}

func syncStatus() Field {
	return Field{Local: "sync_status", Kind: String, LocalOnly: true, Default: model.SyncSynced}
}

var roleValues = map[string]string{
	model.RoleAdmin:   "admin",
	model.RoleCashier: "vendedor",
	model.RoleKitchen: "cocina",
}

var saleStatusValues = map[string]string{
	model.SaleStatusPending:   "pendiente",
	model.SaleStatusPreparing: "preparando",
	model.SaleStatusReady:     "lista",
	model.SaleStatusCompleted: "completada",
	model.SaleStatusCancelled: "anulada",
}

var paymentValues = map[string]string{
	model.PaymentCash:     "efectivo",
	model.PaymentCard:     "tarjeta",
	model.PaymentTransfer: "transferencia",
}

var movementValues = map[string]string{
	model.MovementPurchase:   "compra",
	model.MovementAdjustment: "ajuste",
	model.MovementLoss:       "merma",
	model.MovementSale:       "venta",
}

// ProductsTable maps products <-> productos.
var ProductsTable = &Table{
	Collection: model.Products,
	Remote:     "productos",
	Fields: []Field{
		id(),
		{Local: "name", Remote: "nombre", Kind: String},
		{Local: "price", Remote: "precio", Kind: Number, Default: 0.0},
		{Local: "cost", Remote: "costo", Kind: Number, Default: 0.0},
		{Local: "stock", Remote: "stock", Kind: Int, Nullable: true},
		{Local: "category_id", Remote: "categoriaId", Kind: String, Nullable: true, Aliases: []string{"categoria", "category_id"}},
		{Local: "barcode", Remote: "codigo", Kind: String, Nullable: true, Aliases: []string{"codigoBarras"}},
		{Local: "image", Remote: "imagen", Kind: String, Nullable: true},
		{Local: "is_active", Remote: "activo", Kind: Bool, Default: true},
		{Local: "tax_rate", Remote: "impuesto", Kind: Number, Default: model.DefaultTaxRate},
		{Local: "created_at", Remote: "fechaCreacion", Kind: Time},
		{Local: "updated_at", Remote: UpdatedAtField, Kind: Time, Transient: true},
		syncStatus(),
	},
}

// CategoriesTable maps categories <-> categorias.
var CategoriesTable = &Table{
	Collection: model.Categories,
	Remote:     "categorias",
	Fields: []Field{
		id(),
		{Local: "name", Remote: "nombre", Kind: String},
		{Local: "color", Remote: "color", Kind: String, Default: DefaultCategoryColor},
		{Local: "icon", Remote: "icono", Kind: String, Default: DefaultCategoryIcon},
		{Local: "image", Remote: "imagen", Kind: String, Nullable: true},
		{Local: "parent_id", Remote: "padreId", Kind: String, Nullable: true},
		{Local: "created_at", Remote: "fechaCreacion", Kind: Time},
	},
}

// UsersTable maps users <-> usuarios.
var UsersTable = &Table{
	Collection: model.Users,
	Remote:     "usuarios",
	Fields: []Field{
		id(),
		{Local: "name", Remote: "nombre", Kind: String},
		{Local: "pin", Remote: "pin", Kind: String},
		{Local: "role", Remote: "rol", Kind: String, Default: model.RoleCashier, Values: roleValues},
		{Local: "is_active", Remote: "activo", Kind: Bool, Default: true},
		{Local: "created_at", Remote: "fechaCreacion", Kind: Time},
	},
}

// CustomersTable maps customers <-> clientes.
var CustomersTable = &Table{
	Collection: model.Customers,
	Remote:     "clientes",
	Fields: []Field{
		id(),
		{Local: "name", Remote: "nombre", Kind: String},
		{Local: "phone", Remote: "telefono", Kind: String},
		{Local: "email", Remote: "email", Kind: String},
		{Local: "created_at", Remote: "fechaCreacion", Kind: Time},
	},
}

// SettingsTable maps settings <-> configuracion. offline_mode is a per-device
// override and never leaves the device.
var SettingsTable = &Table{
	Collection: model.Settings,
	Remote:     "configuracion",
	Fields: []Field{
		id(),
		{Local: "business_name", Remote: "nombreNegocio", Kind: String},
		{Local: "address", Remote: "direccion", Kind: String},
		{Local: "phone", Remote: "telefono", Kind: String},
		{Local: "tax_id", Remote: "rut", Kind: String},
		{Local: "tax_rate", Remote: "impuesto", Kind: Number, Default: model.DefaultTaxRate},
		{Local: "currency", Remote: "moneda", Kind: String, Default: "CLP"},
		{Local: "print_receipts", Remote: "imprimirBoletas", Kind: Bool, Default: true},
		{Local: "offline_mode", Kind: Bool, DeviceOwned: true},
	},
}

// SaleItemsTable maps one sale line item.
var SaleItemsTable = &Table{
	Remote: "items",
	Fields: []Field{
		{Local: "product_id", Remote: "productoId", Kind: String, Required: true},
		{Local: "product_name", Remote: "nombre", Kind: String, Default: DefaultProductName},
		{Local: "unit_price", Remote: "precioUnitario", Kind: Number, Default: 0.0},
		{Local: "unit_cost", Remote: "costoUnitario", Kind: Number, Default: 0.0},
		{Local: "quantity", Remote: "cantidad", Kind: Int, Default: 1.0},
		{Local: "subtotal", Remote: "subtotal", Kind: Number, Default: 0.0, Aliases: []string{"total"}},
		{Local: "notes", Remote: "notas", Kind: String},
	},
}

// SalesTable maps sales <-> ventas.
var SalesTable = &Table{
	Collection: model.Sales,
	Remote:     "ventas",
	Fields: []Field{
		id(),
		{Local: "order_number", Remote: "numero", Kind: String, Aliases: []string{"folio"}},
		{Local: "items", Remote: "items", Kind: List, Items: SaleItemsTable, Default: []any{}},
		{Local: "payment_method", Remote: "metodoPago", Kind: String, Values: paymentValues},
		{Local: "cashier_id", Remote: "vendedorId", Kind: String, Aliases: []string{"usuarioId"}},
		{Local: "customer_id", Remote: "clienteId", Kind: String, Nullable: true},
		{Local: "discount", Remote: "descuento", Kind: Number, Default: 0.0},
		{Local: "subtotal", Remote: "subtotal", Kind: Number, Default: 0.0},
		{Local: "tax", Remote: "iva", Kind: Number, Default: 0.0},
		{Local: "total", Remote: "total", Kind: Number, Default: 0.0},
		{Local: "comments", Remote: "comentarios", Kind: String, Default: "", Aliases: []string{"notas"}},
		{Local: "status", Remote: "estado", Kind: String, Default: model.SaleStatusCompleted, Values: saleStatusValues},
		{Local: "created_at", Remote: "fecha", Kind: Time},
		{Local: "cancel_reason", Remote: "motivoAnulacion", Kind: String},
		{Local: "cancelled_at", Remote: "fechaAnulacion", Kind: Time},
		{Local: "ready_at", Remote: "fechaLista", Kind: Time},
		{Local: "completed_at", Remote: "fechaCompletada", Kind: Time},
		{Local: "device_id", Remote: "dispositivoId", Kind: String},
		{Local: "stock_committed", Remote: "stockDescontado", Kind: Bool, Default: false},
		{Local: "stock_reversed", Remote: "stockRevertido", Kind: Bool, Default: false},
		syncStatus(),
	},
}

// InventoryMovementsTable maps inventory_movements <-> movimientos_inventario.
var InventoryMovementsTable = &Table{
	Collection: model.InventoryMovements,
	Remote:     "movimientos_inventario",
	Fields: []Field{
		id(),
		{Local: "product_id", Remote: "productoId", Kind: String},
		{Local: "type", Remote: "tipo", Kind: String, Values: movementValues},
		{Local: "quantity", Remote: "cantidad", Kind: Int},
		{Local: "previous_stock", Remote: "stockAnterior", Kind: Int},
		{Local: "new_stock", Remote: "stockNuevo", Kind: Int},
		{Local: "reason", Remote: "motivo", Kind: String, Default: ""},
		{Local: "user_id", Remote: "usuarioId", Kind: String},
		{Local: "created_at", Remote: "fecha", Kind: Time},
		syncStatus(),
	},
}

// DefaultTables returns every built-in collection table.
func DefaultTables() []*Table {
	return []*Table{
		ProductsTable,
		CategoriesTable,
		UsersTable,
		CustomersTable,
		SettingsTable,
		SalesTable,
		InventoryMovementsTable,
	}
}
