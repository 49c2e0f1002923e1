package stock

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/possync/internal/engine"
	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/remote"
)

// ErrInvalidMovement rejects a movement that cannot be applied to any stock.
var ErrInvalidMovement = errors.New("invalid inventory movement")

// Signed returns the stock delta of a manual movement: purchases always add,
// losses always remove, adjustments keep their sign.
func Signed(kind string, quantity int) (int, error) {
	if quantity == 0 {
		return 0, fmt.Errorf("%w: quantity must not be zero", ErrInvalidMovement)
	}
	abs := quantity
	if abs < 0 {
		abs = -abs
	}
	switch kind {
	case model.MovementPurchase:
		return abs, nil
	case model.MovementLoss:
		return -abs, nil
	case model.MovementAdjustment:
		return quantity, nil
	}
	return 0, fmt.Errorf("%w: type %q", ErrInvalidMovement, kind)
}

// AdjustStock applies a manual inventory movement remotely: the product
// stock moves by the movement's quantity and the movement is appended with
// the stock it was applied to. Stock never goes below zero. Applying a
// movement the remote already holds changes nothing.
func (r *Reserver) AdjustStock(ctx context.Context, mov model.Record) ([]engine.Applied, error) {
	var m model.InventoryMovement
	if err := model.Decode(mov, &m); err != nil {
		return nil, err
	}
	if m.ID == "" || m.ProductID == "" {
		return nil, fmt.Errorf("%w: movement needs an id and a product", ErrInvalidMovement)
	}
	delta, err := Signed(m.Type, m.Quantity)
	if err != nil {
		return nil, err
	}

	movRef := r.movementRef(m.ID)
	prodRef := r.productRef(m.ProductID)
	field := r.stockField()

	var applied []engine.Applied
	err = r.remote.RunAtomicTransaction(ctx, []remote.Ref{movRef, prodRef}, func(tx remote.Tx) error {
		applied = applied[:0]

		if existing, err := tx.Get(movRef); err == nil {
			rec, err := r.tr.ToLocal(model.InventoryMovements, existing)
			if err != nil {
				return err
			}
			applied = append(applied, engine.Applied{Collection: model.InventoryMovements, Record: rec})
			return nil
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}

		pdoc, err := tx.Get(prodRef)
		if err != nil {
			return fmt.Errorf("product %s: %w", m.ProductID, err)
		}
		previous := 0
		if stock := pdoc.IntPtr(field); stock != nil {
			previous = *stock
		}
		next := previous + delta
		if next < 0 {
			return &model.InsufficientStockError{
				ProductID:   m.ProductID,
				ProductName: pdoc.String(r.tr.RemoteField(model.Products, "name")),
				Available:   previous,
				Requested:   -delta,
			}
		}
		tx.Update(prodRef, remote.Document{field: float64(next)})

		at := m.CreatedAt
		if at.IsZero() {
			at = r.now()
		}
		res := reservation{productID: m.ProductID, previous: previous, tracked: true}
		out := movement(m.ID, res, m.Type, delta, m.Reason, m.UserID, at)
		movDoc, err := r.tr.ToRemote(model.InventoryMovements, out)
		if err != nil {
			return err
		}
		tx.Set(movRef, movDoc)

		pdoc = pdoc.Clone()
		pdoc[field] = float64(next)
		prod, err := r.tr.ToLocal(model.Products, pdoc)
		if err != nil {
			return err
		}
		applied = append(applied,
			engine.Applied{Collection: model.Products, Record: prod},
			engine.Applied{Collection: model.InventoryMovements, Record: withSynced(out)})
		return nil
	})
	if err != nil {
		return nil, r.rejected(err)
	}
	r.logger.Info("stock adjusted", "product", m.ProductID, "type", m.Type, "delta", delta)
	return applied, nil
}

// AdjustLocal applies a manual movement to the device store's product for a
// movement made offline. Returns the updated product and the movement with
// its stock snapshot filled in.
func (r *Reserver) AdjustLocal(ctx context.Context, mov model.Record) (model.Record, model.Record, error) {
	delta, err := Signed(mov.String("type"), mov.Int("quantity"))
	if err != nil {
		return nil, nil, err
	}
	id := mov.String("product_id")
	p, err := r.local.Get(ctx, model.Products, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, nil, fmt.Errorf("product %s: %w", id, err)
		}
		return nil, nil, model.NewLocalStoreError("get", err)
	}
	previous := 0
	if stock := p.IntPtr("stock"); stock != nil {
		previous = *stock
	}
	next := previous + delta
	if next < 0 {
		return nil, nil, r.rejected(&model.InsufficientStockError{
			ProductID:   id,
			ProductName: p.String("name"),
			Available:   previous,
			Requested:   -delta,
		})
	}
	p["stock"] = float64(next)
	if _, err := r.local.Put(ctx, model.Products, p); err != nil {
		return nil, nil, model.NewLocalStoreError("put", err)
	}
	mov = mov.Clone()
	mov["quantity"] = float64(delta)
	mov["previous_stock"] = float64(previous)
	mov["new_stock"] = float64(next)
	return p, mov, nil
}
