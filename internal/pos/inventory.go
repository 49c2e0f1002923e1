package pos

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/possync/internal/engine"
	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/stock"
)

// MovementRequest is a manual stock change: a purchase, an adjustment or a
// loss. Purchases add and losses remove regardless of the quantity's sign.
type MovementRequest struct {
	ProductID string
	Type      string
	Quantity  int
	Reason    string
	UserID    string
}

// RecordMovement appends an inventory movement and moves the product's
// stock by it. Stock never goes below zero.
func (s *Service) RecordMovement(ctx context.Context, req MovementRequest) (model.Record, error) {
	delta, err := stock.Signed(req.Type, req.Quantity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := s.get(ctx, model.Products, req.ProductID); err != nil {
		return nil, fmt.Errorf("product %s: %w", req.ProductID, err)
	}
	mov := model.Record{
		"id":         s.newID(),
		"product_id": req.ProductID,
		"type":       req.Type,
		"quantity":   float64(delta),
		"reason":     strings.TrimSpace(req.Reason),
		"user_id":    req.UserID,
		"created_at": s.timestamp(),
	}

	online, err := s.online(ctx)
	if err != nil {
		return nil, err
	}
	if online {
		tctx, settle := s.engine.Track(ctx)
		applied, err := s.stock.AdjustStock(tctx, mov)
		settle()
		switch {
		case err == nil:
			if err := s.engine.Apply(ctx, applied...); err != nil {
				return nil, err
			}
			for _, a := range applied {
				if a.Collection == model.InventoryMovements {
					return a.Record, nil
				}
			}
			return mov, nil
		case !model.IsConnectivity(err):
			return nil, err
		}
		s.logger.Info("remote unreachable, recording movement offline", "product", req.ProductID, "error", err)
	}

	_, mov, err = s.stock.AdjustLocal(ctx, mov)
	if err != nil {
		return nil, err
	}
	saved, res, err := s.engine.Save(ctx, model.InventoryMovements, mov)
	if err != nil {
		return nil, err
	}
	if res == engine.PushQueued {
		s.logger.Debug("movement queued", "id", saved.ID(), "product", req.ProductID)
	}
	return saved, nil
}
