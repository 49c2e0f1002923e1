package pos

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/roach88/possync/internal/engine"
	"github.com/roach88/possync/internal/model"
)

// CartLine is one product line at checkout.
type CartLine struct {
	ProductID string
	Quantity  int
	Notes     string
}

// CheckoutRequest is a cart ready to be paid.
type CheckoutRequest struct {
	Lines         []CartLine
	PaymentMethod string
	CashierID     string
	CustomerID    *string
	Discount      float64
	// CashReceived must cover the total for cash payments.
	CashReceived float64
	Comments     string
	// Kitchen sends the order to the kitchen: the sale starts pending and
	// moves on through UpdateOrderStatus.
	Kitchen bool
}

// Receipt is the outcome of a checkout.
type Receipt struct {
	Sale   model.Sale
	Change float64
	// Queued is set when the sale waits in the sync queue.
	Queued bool
}

// Totals are the money figures of a sale. Subtotal is the net amount
// before tax; Total includes tax.
type Totals struct {
	Gross    decimal.Decimal
	Discount decimal.Decimal
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// ComputeTotals derives net and tax from tax-inclusive line amounts:
// net = round(total / (1 + rate)) and tax = total - net.
func ComputeTotals(lines []decimal.Decimal, discount, rate decimal.Decimal) (Totals, error) {
	t := Totals{Gross: decimal.Zero, Discount: discount}
	for _, l := range lines {
		t.Gross = t.Gross.Add(l)
	}
	if discount.IsNegative() || discount.GreaterThan(t.Gross) {
		return Totals{}, fmt.Errorf("%w: discount %s outside 0..%s", ErrInvalid, discount, t.Gross)
	}
	if rate.IsNegative() {
		return Totals{}, fmt.Errorf("%w: negative tax rate", ErrInvalid)
	}
	t.Total = t.Gross.Sub(discount)
	t.Subtotal = t.Total.Div(decimal.NewFromInt(1).Add(rate)).Round(0)
	t.Tax = t.Total.Sub(t.Subtotal)
	return t, nil
}

func validPayment(method string) bool {
	switch method {
	case model.PaymentCash, model.PaymentCard, model.PaymentTransfer:
		return true
	}
	return false
}

// Checkout prices the cart from the device catalog and records the sale.
//
// Online, stock is reserved and the sale written remotely in one
// transaction; an InsufficientStockError blocks the sale. Offline, or when
// the remote store turns out unreachable, stock is checked and reserved
// locally and the sale is queued for replay.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*Receipt, error) {
	if len(req.Lines) == 0 {
		return nil, fmt.Errorf("%w: empty cart", ErrInvalid)
	}
	if req.PaymentMethod == "" {
		req.PaymentMethod = model.PaymentCash
	}
	if !validPayment(req.PaymentMethod) {
		return nil, fmt.Errorf("%w: payment method %q", ErrInvalid, req.PaymentMethod)
	}
	if req.CashierID == "" {
		return nil, fmt.Errorf("%w: no cashier", ErrInvalid)
	}

	settings, err := s.Settings(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]model.LineItem, 0, len(req.Lines))
	amounts := make([]decimal.Decimal, 0, len(req.Lines))
	for _, line := range req.Lines {
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: quantity %d for %s", ErrInvalid, line.Quantity, line.ProductID)
		}
		rec, err := s.get(ctx, model.Products, line.ProductID)
		if err != nil {
			return nil, fmt.Errorf("product %s: %w", line.ProductID, err)
		}
		var p model.Product
		if err := model.Decode(rec, &p); err != nil {
			return nil, err
		}
		if !p.IsActive {
			return nil, fmt.Errorf("%w: product %q is inactive", ErrInvalid, p.Name)
		}
		amount := decimal.NewFromFloat(p.Price).Mul(decimal.NewFromInt(int64(line.Quantity)))
		amounts = append(amounts, amount)
		items = append(items, model.LineItem{
			ProductID:   p.ID,
			ProductName: p.Name,
			UnitPrice:   p.Price,
			UnitCost:    p.Cost,
			Quantity:    line.Quantity,
			Subtotal:    amount.InexactFloat64(),
			Notes:       line.Notes,
		})
	}

	totals, err := ComputeTotals(amounts, decimal.NewFromFloat(req.Discount), decimal.NewFromFloat(settings.TaxRate))
	if err != nil {
		return nil, err
	}
	var change decimal.Decimal
	if req.PaymentMethod == model.PaymentCash {
		received := decimal.NewFromFloat(req.CashReceived)
		if received.LessThan(totals.Total) {
			return nil, fmt.Errorf("%w: cash %s does not cover %s", ErrInvalid, received, totals.Total)
		}
		change = received.Sub(totals.Total)
	}

	order, err := s.nextOrderNumber(ctx)
	if err != nil {
		return nil, err
	}
	status := model.SaleStatusCompleted
	if req.Kitchen {
		status = model.SaleStatusPending
	}
	sale := model.Sale{
		ID:            s.newID(),
		OrderNumber:   order,
		Items:         items,
		PaymentMethod: req.PaymentMethod,
		CashierID:     req.CashierID,
		CustomerID:    req.CustomerID,
		Discount:      totals.Discount.InexactFloat64(),
		Subtotal:      totals.Subtotal.InexactFloat64(),
		Tax:           totals.Tax.InexactFloat64(),
		Total:         totals.Total.InexactFloat64(),
		Comments:      strings.TrimSpace(req.Comments),
		Status:        status,
		CreatedAt:     s.now().UTC(),
		DeviceID:      s.device,
	}
	rec, err := model.Encode(sale)
	if err != nil {
		return nil, err
	}

	online, err := s.online(ctx)
	if err != nil {
		return nil, err
	}
	if online {
		tctx, settle := s.engine.Track(ctx)
		applied, err := s.stock.CommitSale(tctx, rec)
		settle()
		switch {
		case err == nil:
			if err := s.engine.Apply(ctx, applied...); err != nil {
				return nil, err
			}
			committed, err := pick(applied, model.Sales)
			if err != nil {
				return nil, err
			}
			s.logger.Info("sale recorded", "sale", sale.ID, "order", order, "total", totals.Total)
			return &Receipt{Sale: committed, Change: change.InexactFloat64()}, nil
		case !model.IsConnectivity(err):
			return nil, err
		}
		s.logger.Info("remote unreachable, recording sale offline", "sale", sale.ID, "error", err)
	}

	if _, err := s.stock.ReserveLocal(ctx, items); err != nil {
		return nil, err
	}
	saved, res, err := s.engine.Save(ctx, model.Sales, rec)
	if err != nil {
		return nil, err
	}
	var out model.Sale
	if err := model.Decode(saved, &out); err != nil {
		return nil, err
	}
	s.logger.Info("sale recorded", "sale", sale.ID, "order", order, "total", totals.Total, "result", res)
	return &Receipt{Sale: out, Change: change.InexactFloat64(), Queued: res == engine.PushQueued}, nil
}

// pick returns the applied record of collection c as a Sale.
func pick(applied []engine.Applied, c model.Collection) (model.Sale, error) {
	for _, a := range applied {
		if a.Collection != c {
			continue
		}
		var sale model.Sale
		err := model.Decode(a.Record, &sale)
		return sale, err
	}
	return model.Sale{}, fmt.Errorf("no %s record in transaction result", c)
}

// nextOrderNumber allocates "<device>-<yyyymmdd>-<n>" with n one past the
// highest number this device used today.
func (s *Service) nextOrderNumber(ctx context.Context) (string, error) {
	s.orderMu.Lock()
	defer s.orderMu.Unlock()

	prefix := fmt.Sprintf("%s-%s-", s.device, s.now().Format("20060102"))
	sales, err := s.all(ctx, model.Sales)
	if err != nil {
		return "", err
	}
	highest := 0
	for _, sale := range sales {
		suffix, ok := strings.CutPrefix(sale.String("order_number"), prefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(suffix); err == nil && n > highest {
			highest = n
		}
	}
	return prefix + strconv.Itoa(highest+1), nil
}

// CancelSale cancels a sale and gives its stock back exactly once.
//
// Online, a committed sale is reversed remotely in one transaction.
// Otherwise the stock is restored locally and the cancellation queued; the
// remote reversal happens when it is replayed.
func (s *Service) CancelSale(ctx context.Context, id, reason, userID string) (model.Sale, error) {
	rec, err := s.get(ctx, model.Sales, id)
	if err != nil {
		return model.Sale{}, fmt.Errorf("sale %s: %w", id, err)
	}
	var sale model.Sale
	if err := model.Decode(rec, &sale); err != nil {
		return model.Sale{}, err
	}
	if sale.Status == model.SaleStatusCancelled {
		return model.Sale{}, fmt.Errorf("sale %s: %w", sale.OrderNumber, ErrAlreadyCancelled)
	}
	reason = strings.TrimSpace(reason)

	online, err := s.online(ctx)
	if err != nil {
		return model.Sale{}, err
	}
	pending, err := s.engine.Queue().HasPending(ctx, model.Sales, id)
	if err != nil {
		return model.Sale{}, err
	}
	if online && sale.StockCommitted && !pending {
		tctx, settle := s.engine.Track(ctx)
		applied, err := s.stock.ReverseSale(tctx, id, reason, userID)
		settle()
		switch {
		case err == nil:
			if err := s.engine.Apply(ctx, applied...); err != nil {
				return model.Sale{}, err
			}
			s.logger.Info("sale cancelled", "sale", id, "order", sale.OrderNumber)
			return pick(applied, model.Sales)
		case !model.IsConnectivity(err):
			return model.Sale{}, err
		}
		s.logger.Info("remote unreachable, cancelling sale offline", "sale", id, "error", err)
	}

	if len(sale.Items) > 0 {
		if _, err := s.stock.RestoreLocal(ctx, sale.Items); err != nil {
			return model.Sale{}, err
		}
	}
	rec = rec.Clone()
	rec["status"] = model.SaleStatusCancelled
	rec["cancel_reason"] = reason
	rec["cancelled_at"] = s.timestamp()
	rec["cancelled_by"] = userID
	saved, err := s.save(ctx, model.Sales, rec)
	if err != nil {
		return model.Sale{}, err
	}
	var out model.Sale
	err = model.Decode(saved, &out)
	s.logger.Info("sale cancelled", "sale", id, "order", sale.OrderNumber)
	return out, err
}
