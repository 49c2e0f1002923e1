package pos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/possync/internal/model"
	"github.com/roach88/possync/internal/translate"
)

// createdAt keeps the creation time of an existing record, or stamps now.
func (s *Service) createdAt(ctx context.Context, c model.Collection, id string, given time.Time) (time.Time, error) {
	if !given.IsZero() {
		return given, nil
	}
	if id != "" {
		existing, err := s.get(ctx, c, id)
		switch {
		case err == nil:
			if at, ok := existing.Time("created_at"); ok {
				return at, nil
			}
		case !errors.Is(err, model.ErrNotFound):
			return time.Time{}, err
		}
	}
	return s.now().UTC(), nil
}

// SaveProduct creates or updates a catalog product.
func (s *Service) SaveProduct(ctx context.Context, p model.Product) (model.Record, error) {
	p.Name = strings.TrimSpace(p.Name)
	switch {
	case p.Name == "":
		return nil, fmt.Errorf("%w: product name is required", ErrInvalid)
	case p.Price < 0 || p.Cost < 0:
		return nil, fmt.Errorf("%w: price and cost must not be negative", ErrInvalid)
	case p.Stock != nil && *p.Stock < 0:
		return nil, fmt.Errorf("%w: stock must not be negative", ErrInvalid)
	case p.TaxRate < 0 || p.TaxRate > 1:
		return nil, fmt.Errorf("%w: tax rate %v outside 0..1", ErrInvalid, p.TaxRate)
	}
	if p.CategoryID != nil && *p.CategoryID != "" {
		if _, err := s.get(ctx, model.Categories, *p.CategoryID); err != nil {
			return nil, fmt.Errorf("category %s: %w", *p.CategoryID, err)
		}
	}
	if p.Barcode != nil && *p.Barcode != "" {
		products, err := s.all(ctx, model.Products)
		if err != nil {
			return nil, err
		}
		for _, other := range products {
			if other.ID() != p.ID && other.String("barcode") == *p.Barcode {
				return nil, fmt.Errorf("%w: barcode %s already used by %q", ErrInvalid, *p.Barcode, other.String("name"))
			}
		}
	}

	at, err := s.createdAt(ctx, model.Products, p.ID, p.CreatedAt)
	if err != nil {
		return nil, err
	}
	p.CreatedAt = at
	p.UpdatedAt = s.now().UTC()
	p.SyncStatus = ""

	rec, err := model.Encode(p)
	if err != nil {
		return nil, err
	}
	return s.save(ctx, model.Products, rec)
}

// DeleteProduct removes a product. Past sales keep their captured lines.
func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	_, err := s.engine.Remove(ctx, model.Products, id)
	return err
}

// SaveCategory creates or updates a category. A category cannot be its own
// ancestor.
func (s *Service) SaveCategory(ctx context.Context, c model.Category) (model.Record, error) {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return nil, fmt.Errorf("%w: category name is required", ErrInvalid)
	}
	if c.Color == "" {
		c.Color = translate.DefaultCategoryColor
	}
	if c.Icon == "" {
		c.Icon = translate.DefaultCategoryIcon
	}
	if c.ParentID != nil && *c.ParentID == "" {
		c.ParentID = nil
	}
	if c.ParentID != nil {
		if err := s.checkParent(ctx, c.ID, *c.ParentID); err != nil {
			return nil, err
		}
	}

	at, err := s.createdAt(ctx, model.Categories, c.ID, c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = at
	rec, err := model.Encode(c)
	if err != nil {
		return nil, err
	}
	return s.save(ctx, model.Categories, rec)
}

// checkParent walks up from parent and fails if it reaches id.
func (s *Service) checkParent(ctx context.Context, id, parent string) error {
	cats, err := s.all(ctx, model.Categories)
	if err != nil {
		return err
	}
	parents := make(map[string]string, len(cats))
	for _, c := range cats {
		parents[c.ID()] = c.String("parent_id")
	}
	if _, ok := parents[parent]; !ok {
		return fmt.Errorf("parent category %s: %w", parent, model.ErrNotFound)
	}
	seen := make(map[string]bool)
	for cur := parent; cur != ""; cur = parents[cur] {
		if cur == id || seen[cur] {
			return fmt.Errorf("%w: %s cannot be placed under %s", ErrCycle, id, parent)
		}
		seen[cur] = true
	}
	return nil
}

// DeleteCategory removes a category that has no subcategories.
func (s *Service) DeleteCategory(ctx context.Context, id string) error {
	cats, err := s.all(ctx, model.Categories)
	if err != nil {
		return err
	}
	for _, c := range cats {
		if c.String("parent_id") == id {
			return fmt.Errorf("category %s: %w", id, ErrHasChildren)
		}
	}
	_, err = s.engine.Remove(ctx, model.Categories, id)
	return err
}

// SaveCustomer creates or updates a customer.
func (s *Service) SaveCustomer(ctx context.Context, c model.Customer) (model.Record, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.TrimSpace(c.Email)
	if c.Name == "" {
		return nil, fmt.Errorf("%w: customer name is required", ErrInvalid)
	}
	if c.Email != "" && !strings.Contains(c.Email, "@") {
		return nil, fmt.Errorf("%w: email %q", ErrInvalid, c.Email)
	}
	at, err := s.createdAt(ctx, model.Customers, c.ID, c.CreatedAt)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = at
	rec, err := model.Encode(c)
	if err != nil {
		return nil, err
	}
	return s.save(ctx, model.Customers, rec)
}
