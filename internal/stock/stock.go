// Package stock reserves product stock for sales.
//
// Remote reservations run as one atomic transaction over every product of a
// sale, so two devices can never sell the same last unit. Offline sales are
// checked and reserved against the device store and committed remotely when
// the sync engine replays them.
package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/possync/internal/engine"
	"github.com/roach88/possync/internal/metrics"
	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
	"github.com/roach88/possync/internal/store"
	"github.com/roach88/possync/internal/translate"
)

// Reserver runs stock transactions against the remote store and the device
// store.
type Reserver struct {
	remote  remote.Store
	local   store.Backend
	tr      *translate.Translator
	logger  *slog.Logger
	metrics *metrics.Sync
	now     func() time.Time
}

// Option configures a Reserver.
type Option func(*Reserver)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Reserver) { r.logger = l }
}

// WithMetrics counts insufficient stock rejections on m.
func WithMetrics(m *metrics.Sync) Option {
	return func(r *Reserver) { r.metrics = m }
}

// WithNow sets the clock used for movement and cancellation timestamps.
func WithNow(now func() time.Time) Option {
	return func(r *Reserver) { r.now = now }
}

// WithTranslator overrides the translation tables.
func WithTranslator(tr *translate.Translator) Option {
	return func(r *Reserver) { r.tr = tr }
}

// New creates a Reserver.
func New(rs remote.Store, local store.Backend, opts ...Option) *Reserver {
	r := &Reserver{
		remote: rs,
		local:  local,
		tr:     translate.Default(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// demand is the total quantity requested of one product.
type demand struct {
	productID string
	quantity  int
}

// totals sums line quantities per product, in first-appearance order.
func totals(items []model.LineItem) ([]demand, error) {
	if len(items) == 0 {
		return nil, errors.New("no line items")
	}
	index := make(map[string]int)
	var out []demand
	for _, it := range items {
		if it.ProductID == "" {
			return nil, errors.New("line item without product")
		}
		if it.Quantity < 1 {
			return nil, fmt.Errorf("product %s: quantity %d must be at least 1", it.ProductID, it.Quantity)
		}
		if i, ok := index[it.ProductID]; ok {
			out[i].quantity += it.Quantity
			continue
		}
		index[it.ProductID] = len(out)
		out = append(out, demand{productID: it.ProductID, quantity: it.Quantity})
	}
	return out, nil
}

func (r *Reserver) productRef(id string) remote.Ref {
	name, _ := r.tr.RemoteCollection(model.Products)
	return remote.Ref{Collection: name, ID: id}
}

func (r *Reserver) saleRef(id string) remote.Ref {
	name, _ := r.tr.RemoteCollection(model.Sales)
	return remote.Ref{Collection: name, ID: id}
}

func (r *Reserver) movementRef(id string) remote.Ref {
	name, _ := r.tr.RemoteCollection(model.InventoryMovements)
	return remote.Ref{Collection: name, ID: id}
}

// stockField is the remote name of the product stock field.
func (r *Reserver) stockField() string {
	return r.tr.RemoteField(model.Products, "stock")
}

// reservation is the outcome of decrementing one product inside a
// transaction.
type reservation struct {
	productID string
	name      string
	quantity  int
	previous  int
	tracked   bool
	doc       remote.Document
}

// decrement checks and decrements every demanded product through tx.
// Nothing is written when any product falls short.
func (r *Reserver) decrement(tx remote.Tx, wants []demand) ([]reservation, error) {
	field := r.stockField()
	out := make([]reservation, 0, len(wants))
	for _, want := range wants {
		ref := r.productRef(want.productID)
		doc, err := tx.Get(ref)
		if errors.Is(err, model.ErrNotFound) {
			// Deleted products no longer carry stock.
			out = append(out, reservation{productID: want.productID, quantity: want.quantity})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", want.productID, err)
		}
		res := reservation{
			productID: want.productID,
			name:      doc.String(r.tr.RemoteField(model.Products, "name")),
			quantity:  want.quantity,
			doc:       doc,
		}
		if stock := doc.IntPtr(field); stock != nil {
			res.tracked = true
			res.previous = *stock
			if *stock < want.quantity {
				return nil, &model.InsufficientStockError{
					ProductID:   want.productID,
					ProductName: res.name,
					Available:   *stock,
					Requested:   want.quantity,
				}
			}
		}
		out = append(out, res)
	}
	for i, res := range out {
		if !res.tracked {
			continue
		}
		next := float64(res.previous - res.quantity)
		tx.Update(r.productRef(res.productID), remote.Document{field: next})
		out[i].doc = res.doc.Clone()
		out[i].doc[field] = next
	}
	return out, nil
}

// ReserveStock atomically checks and decrements the stock of every product
// in items. Quantities of the same product are summed. Untracked products
// pass. Any shortfall aborts the whole reservation with an
// InsufficientStockError. Returns the updated products in local form.
func (r *Reserver) ReserveStock(ctx context.Context, items []model.LineItem) ([]model.Record, error) {
	wants, err := totals(items)
	if err != nil {
		return nil, err
	}
	refs := make([]remote.Ref, len(wants))
	for i, w := range wants {
		refs[i] = r.productRef(w.productID)
	}

	var reserved []reservation
	err = r.remote.RunAtomicTransaction(ctx, refs, func(tx remote.Tx) error {
		var err error
		reserved, err = r.decrement(tx, wants)
		return err
	})
	if err != nil {
		return nil, r.rejected(err)
	}

	products := make([]model.Record, 0, len(reserved))
	for _, res := range reserved {
		if !res.tracked {
			continue
		}
		rec, err := r.tr.ToLocal(model.Products, res.doc)
		if err != nil {
			return nil, err
		}
		products = append(products, rec)
	}
	return products, nil
}

func (r *Reserver) rejected(err error) error {
	if ise, ok := model.AsInsufficientStock(err); ok {
		r.metrics.StockRejected()
		r.logger.Info("sale refused, insufficient stock",
			"product", ise.ProductID,
			"available", ise.Available,
			"requested", ise.Requested)
	}
	return err
}

// movement builds an inventory movement for a reserved or restored product.
func movement(id string, res reservation, kind string, delta int, reason, userID string, at time.Time) model.Record {
	return model.Record{
		"id":             id,
		"product_id":     res.productID,
		"type":           kind,
		"quantity":       float64(delta),
		"previous_stock": float64(res.previous),
		"new_stock":      float64(res.previous + delta),
		"reason":         reason,
		"user_id":        userID,
		"created_at":     at.UTC().Format(time.RFC3339Nano),
	}
}

// CommitSale records a sale remotely in one transaction: stock of every line
// is decremented, the sale is written with stock_committed set, and one
// "sale" movement is appended per tracked product. Committing a sale the
// remote already holds as committed changes nothing, which makes replays
// safe. Returns the confirmed records in local form.
func (r *Reserver) CommitSale(ctx context.Context, sale model.Record) ([]engine.Applied, error) {
	var s model.Sale
	if err := model.Decode(sale, &s); err != nil {
		return nil, err
	}
	if s.ID == "" {
		return nil, model.NewTranslationError(string(model.Sales), "", "sale has no id")
	}
	wants, err := totals(s.Items)
	if err != nil {
		return nil, fmt.Errorf("sale %s: %w", s.ID, err)
	}

	committed := sale.Clone()
	committed["stock_committed"] = true
	delete(committed, "sync_status")
	saleDoc, err := r.tr.ToRemote(model.Sales, committed)
	if err != nil {
		return nil, err
	}

	saleRef := r.saleRef(s.ID)
	refs := []remote.Ref{saleRef}
	for _, w := range wants {
		refs = append(refs, r.productRef(w.productID))
	}
	committedField := r.tr.RemoteField(model.Sales, "stock_committed")
	at := s.CreatedAt
	if at.IsZero() {
		at = r.now()
	}

	var (
		applied []engine.Applied
		replay  bool
	)
	err = r.remote.RunAtomicTransaction(ctx, refs, func(tx remote.Tx) error {
		applied = applied[:0]
		replay = false

		existing, err := tx.Get(saleRef)
		switch {
		case err == nil && existing.Bool(committedField):
			replay = true
			rec, err := r.tr.ToLocal(model.Sales, existing)
			if err != nil {
				return err
			}
			applied = append(applied, engine.Applied{Collection: model.Sales, Record: rec})
			return nil
		case err != nil && !errors.Is(err, model.ErrNotFound):
			return err
		}

		reserved, err := r.decrement(tx, wants)
		if err != nil {
			return err
		}
		tx.Set(saleRef, saleDoc)
		for _, res := range reserved {
			if !res.tracked {
				continue
			}
			mov := movement(s.ID+"-"+res.productID, res, model.MovementSale, -res.quantity,
				"Sale "+s.OrderNumber, s.CashierID, at)
			movDoc, err := r.tr.ToRemote(model.InventoryMovements, mov)
			if err != nil {
				return err
			}
			tx.Set(r.movementRef(mov.ID()), movDoc)
			prod, err := r.tr.ToLocal(model.Products, res.doc)
			if err != nil {
				return err
			}
			applied = append(applied,
				engine.Applied{Collection: model.Products, Record: prod},
				engine.Applied{Collection: model.InventoryMovements, Record: withSynced(mov)})
		}
		rec, err := r.tr.ToLocal(model.Sales, saleDoc)
		if err != nil {
			return err
		}
		applied = append(applied, engine.Applied{Collection: model.Sales, Record: rec})
		return nil
	})
	if err != nil {
		return nil, r.rejected(err)
	}
	if replay {
		r.logger.Debug("sale already committed", "sale", s.ID)
	} else {
		r.logger.Info("sale committed", "sale", s.ID, "order", s.OrderNumber, "lines", len(s.Items))
	}
	return applied, nil
}

// ReverseSale cancels a committed sale and restores its stock. Stock is
// restored exactly once: reversing an already reversed sale only returns
// the remote copy. A sale whose stock was never committed is cancelled
// without restoring anything.
func (r *Reserver) ReverseSale(ctx context.Context, saleID, reason, userID string) ([]engine.Applied, error) {
	salesName, _ := r.tr.RemoteCollection(model.Sales)
	doc, err := r.remote.GetByID(ctx, salesName, saleID)
	if err != nil {
		return nil, err
	}
	current, err := r.tr.ToLocal(model.Sales, doc)
	if err != nil {
		return nil, err
	}
	var s model.Sale
	if err := model.Decode(current, &s); err != nil {
		return nil, err
	}

	saleRef := r.saleRef(saleID)
	refs := []remote.Ref{saleRef}
	var wants []demand
	if len(s.Items) > 0 {
		if wants, err = totals(s.Items); err != nil {
			return nil, fmt.Errorf("sale %s: %w", saleID, err)
		}
		for _, w := range wants {
			refs = append(refs, r.productRef(w.productID))
		}
	}
	at := r.now()
	field := r.stockField()

	var applied []engine.Applied
	err = r.remote.RunAtomicTransaction(ctx, refs, func(tx remote.Tx) error {
		applied = applied[:0]
		existing, err := tx.Get(saleRef)
		if err != nil {
			return err
		}
		local, err := r.tr.ToLocal(model.Sales, existing)
		if err != nil {
			return err
		}
		if local.Bool("stock_reversed") {
			applied = append(applied, engine.Applied{Collection: model.Sales, Record: local})
			return nil
		}

		if local.Bool("stock_committed") {
			for _, w := range wants {
				ref := r.productRef(w.productID)
				pdoc, err := tx.Get(ref)
				if errors.Is(err, model.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				stock := pdoc.IntPtr(field)
				if stock == nil {
					continue
				}
				res := reservation{productID: w.productID, previous: *stock, tracked: true}
				next := float64(*stock + w.quantity)
				tx.Update(ref, remote.Document{field: next})

				mov := movement(saleID+"-"+w.productID+"-rev", res, model.MovementAdjustment, w.quantity,
					"Cancelled sale "+s.OrderNumber, userID, at)
				movDoc, err := r.tr.ToRemote(model.InventoryMovements, mov)
				if err != nil {
					return err
				}
				tx.Set(r.movementRef(mov.ID()), movDoc)

				pdoc = pdoc.Clone()
				pdoc[field] = next
				prod, err := r.tr.ToLocal(model.Products, pdoc)
				if err != nil {
					return err
				}
				applied = append(applied,
					engine.Applied{Collection: model.Products, Record: prod},
					engine.Applied{Collection: model.InventoryMovements, Record: withSynced(mov)})
			}
		}

		local["status"] = model.SaleStatusCancelled
		local["cancel_reason"] = reason
		local["cancelled_at"] = at.UTC().Format(time.RFC3339Nano)
		local["stock_reversed"] = true
		cancelled, err := r.tr.ToRemote(model.Sales, local)
		if err != nil {
			return err
		}
		tx.Set(saleRef, cancelled)
		applied = append(applied, engine.Applied{Collection: model.Sales, Record: local})
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("sale reversed", "sale", saleID, "reason", reason)
	return applied, nil
}

func withSynced(rec model.Record) model.Record {
	rec = rec.Clone()
	rec["sync_status"] = model.SyncSynced
	return rec
}

// ReserveLocal checks and decrements stock in the device store for a sale
// made offline. The remote reservation happens when the sale is replayed.
// Returns the updated products.
func (r *Reserver) ReserveLocal(ctx context.Context, items []model.LineItem) ([]model.Record, error) {
	wants, err := totals(items)
	if err != nil {
		return nil, err
	}
	products := make([]model.Record, 0, len(wants))
	for _, w := range wants {
		p, err := r.local.Get(ctx, model.Products, w.productID)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				return nil, fmt.Errorf("product %s: %w", w.productID, err)
			}
			return nil, model.NewLocalStoreError("get", err)
		}
		stock := p.IntPtr("stock")
		if stock == nil {
			continue
		}
		if *stock < w.quantity {
			return nil, r.rejected(&model.InsufficientStockError{
				ProductID:   w.productID,
				ProductName: p.String("name"),
				Available:   *stock,
				Requested:   w.quantity,
			})
		}
		p["stock"] = float64(*stock - w.quantity)
		products = append(products, p)
	}
	for _, p := range products {
		if _, err := r.local.Put(ctx, model.Products, p); err != nil {
			return nil, model.NewLocalStoreError("put", err)
		}
	}
	return products, nil
}

// RestoreLocal gives back locally reserved stock, for a sale cancelled
// before its reservation reached the remote store. Returns the updated
// products.
func (r *Reserver) RestoreLocal(ctx context.Context, items []model.LineItem) ([]model.Record, error) {
	wants, err := totals(items)
	if err != nil {
		return nil, err
	}
	products := make([]model.Record, 0, len(wants))
	for _, w := range wants {
		p, err := r.local.Get(ctx, model.Products, w.productID)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, model.NewLocalStoreError("get", err)
		}
		stock := p.IntPtr("stock")
		if stock == nil {
			continue
		}
		p["stock"] = float64(*stock + w.quantity)
		if _, err := r.local.Put(ctx, model.Products, p); err != nil {
			return nil, model.NewLocalStoreError("put", err)
		}
		products = append(products, p)
	}
	return products, nil
}
