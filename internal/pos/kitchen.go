package pos

import (
	"context"
	"fmt"

	"github.com/roach88/possync/internal/model"
)

// orderStage ranks the order statuses. An order only moves forward.
var orderStage = map[string]int{
	model.SaleStatusPending:   0,
	model.SaleStatusPreparing: 1,
	model.SaleStatusReady:     2,
	model.SaleStatusCompleted: 3,
}

// UpdateOrderStatus moves a kitchen order forward through pending,
// preparing, ready and completed. Reaching ready stamps ready_at and
// reaching completed stamps completed_at. Cancelled orders are refused;
// cancelling goes through CancelSale.
func (s *Service) UpdateOrderStatus(ctx context.Context, id, status string) (model.Sale, error) {
	next, ok := orderStage[status]
	if !ok {
		return model.Sale{}, fmt.Errorf("%w: order status %q", ErrInvalid, status)
	}
	rec, err := s.get(ctx, model.Sales, id)
	if err != nil {
		return model.Sale{}, fmt.Errorf("sale %s: %w", id, err)
	}
	order := rec.String("order_number")
	current := rec.String("status")
	if current == model.SaleStatusCancelled {
		return model.Sale{}, fmt.Errorf("sale %s: %w", order, ErrAlreadyCancelled)
	}
	if from, ok := orderStage[current]; ok && next <= from {
		return model.Sale{}, fmt.Errorf("%w: order %s cannot go from %s to %s", ErrInvalid, order, current, status)
	}

	rec = rec.Clone()
	rec["status"] = status
	switch status {
	case model.SaleStatusReady:
		rec["ready_at"] = s.timestamp()
	case model.SaleStatusCompleted:
		rec["completed_at"] = s.timestamp()
	}
	saved, err := s.save(ctx, model.Sales, rec)
	if err != nil {
		return model.Sale{}, err
	}
	var out model.Sale
	if err := model.Decode(saved, &out); err != nil {
		return model.Sale{}, err
	}
	s.logger.Info("order status changed", "sale", id, "order", order, "from", current, "to", status)
	return out, nil
}
