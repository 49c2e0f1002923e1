package stock

import (
	"context"

	"github.com/roach88/possync/internal/engine"
	"github.com/roach88/possync/internal/model"
)

var (
	_ engine.Interceptor = (*Reserver)(nil)
	_ engine.Holder      = (*Reserver)(nil)
)

// InterceptPush replays offline sales and stock movements through the
// stock transactions.
//
// A sale created without a remote reservation is committed with CommitSale;
// a cancelled sale whose stock is not yet reversed goes through ReverseSale.
// A new manual movement goes through AdjustStock. Any other sale update is
// an order status change, written without the stock flags. Every other
// push is left to the engine's default write.
func (r *Reserver) InterceptPush(ctx context.Context, c model.Collection, op model.Operation, rec model.Record) (bool, []engine.Applied, error) {
	switch replayKind(c, op, rec) {
	case replayMovement:
		applied, err := r.AdjustStock(ctx, rec)
		return true, applied, err
	case replaySale:
		applied, err := r.CommitSale(ctx, rec)
		return true, applied, err
	case replayCancel:
		applied, err := r.ReverseSale(ctx, rec.ID(), rec.String("cancel_reason"), cancelledBy(rec))
		return true, applied, err
	case replayStatus:
		applied, err := r.pushStatus(ctx, rec)
		return true, applied, err
	}
	return false, nil, nil
}

type replay int

const (
	replayNone replay = iota
	replayMovement
	replaySale
	replayCancel
	replayStatus
)

// replayKind classifies a push that moves stock remotely.
func replayKind(c model.Collection, op model.Operation, rec model.Record) replay {
	switch {
	case c == model.InventoryMovements && op == model.OpCreate && rec.String("type") != model.MovementSale:
		return replayMovement
	case c == model.Sales && op == model.OpCreate && !rec.Bool("stock_committed"):
		return replaySale
	case c == model.Sales && op == model.OpUpdate &&
		rec.String("status") == model.SaleStatusCancelled &&
		!rec.Bool("stock_reversed"):
		return replayCancel
	case c == model.Sales && op == model.OpUpdate && rec.String("status") != model.SaleStatusCancelled:
		return replayStatus
	}
	return replayNone
}

// orderFields are the sale fields an order status change writes.
var orderFields = []string{"status", "ready_at", "completed_at"}

// pushStatus writes a sale's order status as a partial update. The stock
// flags are left alone: only the stock transactions set them remotely, and
// a queued copy of the sale may predate its commit. Returns the updated
// sale in local form.
func (r *Reserver) pushStatus(ctx context.Context, rec model.Record) ([]engine.Applied, error) {
	partial := model.Record{}
	for _, f := range orderFields {
		if rec.Has(f) {
			partial[f] = rec[f]
		}
	}
	doc, err := r.tr.ToRemotePartial(model.Sales, partial)
	if err != nil {
		return nil, err
	}
	name, err := r.tr.RemoteCollection(model.Sales)
	if err != nil {
		return nil, err
	}
	if err := r.remote.Update(ctx, name, rec.ID(), doc); err != nil {
		return nil, err
	}

	updated, err := r.remote.GetByID(ctx, name, rec.ID())
	if err != nil {
		// The change feed or the next pull brings the remote copy.
		r.logger.Warn("updated sale unavailable", "sale", rec.ID(), "error", err)
		return nil, nil
	}
	sale, err := r.tr.ToLocal(model.Sales, updated)
	if err != nil {
		return nil, err
	}
	return []engine.Applied{{Collection: model.Sales, Record: sale}}, nil
}

// HeldFields keeps the device stock of products that queued offline sales,
// cancellations and movements already changed locally. Remote stock does
// not include them until they are replayed.
func (r *Reserver) HeldFields(pending []model.QueueEntry) map[string][]string {
	held := make(map[string][]string)
	hold := func(id string) {
		if id != "" {
			held[model.RecordKey(model.Products, id)] = []string{"stock"}
		}
	}
	for _, e := range pending {
		switch replayKind(e.Collection, e.Operation, e.Payload) {
		case replayMovement:
			hold(e.Payload.String("product_id"))
		case replaySale, replayCancel:
			var s model.Sale
			if err := model.Decode(e.Payload, &s); err != nil {
				r.logger.Warn("queued sale unreadable", "id", e.RecordID, "error", err)
				continue
			}
			for _, item := range s.Items {
				hold(item.ProductID)
			}
		}
	}
	return held
}

// cancelledBy picks the user recorded on a cancellation, falling back to the
// cashier.
func cancelledBy(rec model.Record) string {
	if u := rec.String("cancelled_by"); u != "" {
		return u
	}
	return rec.String("cashier_id")
}
