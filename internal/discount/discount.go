// Package discount prices baskets: per-item reseller percentages and
// operator-issued discount codes.
//
// Validation here is advisory only — a code can be consumed between
// preview and checkout. The usage cap is enforced by the store's
// conditional increment at finalisation time, never here.
package discount

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rvasily/streetmarket/internal/money"
	"github.com/rvasily/streetmarket/internal/storage"
)

var (
	// ErrCodeInvalid covers unknown, inactive, expired, and capped-out codes.
	ErrCodeInvalid = errors.New("discount: code invalid")
)

// Service computes basket totals and validates discount codes.
type Service struct {
	store  storage.Store
	logger *slog.Logger
}

// New creates a discount service.
func New(store storage.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// BasketTotal sums the snapshot's prices after per-item reseller
// discounts, computed from current rules.
func (s *Service) BasketTotal(ctx context.Context, userID int64, snapshot []storage.BasketItem) (money.Amount, error) {
	var total money.Amount
	for _, item := range snapshot {
		pct, err := s.store.ResellerDiscountPercent(ctx, userID, item.ProductType)
		if err != nil {
			return 0, fmt.Errorf("reseller rule for %q: %w", item.ProductType, err)
		}
		total += item.Price - item.Price.PercentOff(pct)
	}
	return total, nil
}

// Validate checks a code against the current clock and cap and returns
// the total after applying it. The cap check here only rejects codes that
// are already exhausted; it does not reserve a use.
func (s *Service) Validate(ctx context.Context, code string, total money.Amount, now time.Time) (money.Amount, error) {
	c, err := s.store.GetDiscountCode(ctx, code)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, ErrCodeInvalid
	}
	if err != nil {
		return 0, fmt.Errorf("load discount code: %w", err)
	}
	if !c.Active {
		return 0, ErrCodeInvalid
	}
	if c.ExpiresAt != nil && now.After(*c.ExpiresAt) {
		return 0, ErrCodeInvalid
	}
	if c.MaxUses != nil && c.UsesCount >= *c.MaxUses {
		return 0, ErrCodeInvalid
	}
	return Apply(c, total), nil
}

// Apply computes the total after the code's deduction. Percentage values
// round down to the cent; fixed deductions floor at zero.
func Apply(c *storage.DiscountCode, total money.Amount) money.Amount {
	switch c.Kind {
	case storage.DiscountPercentage:
		return total - total.PercentOff(c.Value)
	case storage.DiscountFixed:
		deducted := total - money.Amount(c.Value)
		if deducted < 0 {
			return 0
		}
		return deducted
	}
	return total
}
