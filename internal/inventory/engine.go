// Package inventory implements the exclusive-reservation engine.
//
// A basket hold binds one user to one product row. The single-row
// conditional update in the store is the only path that sets reserved=1,
// which is what guarantees that no two users ever hold the same row.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rvasily/streetmarket/internal/metrics"
	"github.com/rvasily/streetmarket/internal/storage"
)

// Outcome is the discriminated result of a reserve attempt.
type Outcome int

const (
	// Reserved means this caller now holds the row.
	Reserved Outcome = iota
	// NotAvailable means the row is gone or not sellable.
	NotAvailable
	// AlreadyReserved means another basket holds the row.
	AlreadyReserved
)

func (o Outcome) String() string {
	switch o {
	case Reserved:
		return "reserved"
	case NotAvailable:
		return "not_available"
	case AlreadyReserved:
		return "already_reserved"
	}
	return "unknown"
}

// Engine reserves, releases, and snapshots basket holds.
type Engine struct {
	store  storage.Store
	logger *slog.Logger
}

// New creates a reservation engine.
func New(store storage.Store, logger *slog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// Reserve attempts to hold productID for userID. Exactly one of N
// concurrent contenders observes Reserved; the rest observe
// AlreadyReserved. Storage errors bubble up; there is no retry here.
func (e *Engine) Reserve(ctx context.Context, userID, productID int64) (Outcome, error) {
	err := e.store.ReserveProduct(ctx, userID, productID, time.Now().UTC())
	switch {
	case err == nil:
		metrics.ReservationsTotal.WithLabelValues(Reserved.String()).Inc()
		e.logger.Debug("product reserved", "user", userID, "product", productID)
		return Reserved, nil
	case errors.Is(err, storage.ErrAlreadyReserved):
		metrics.ReservationsTotal.WithLabelValues(AlreadyReserved.String()).Inc()
		return AlreadyReserved, nil
	case errors.Is(err, storage.ErrNotAvailable):
		metrics.ReservationsTotal.WithLabelValues(NotAvailable.String()).Inc()
		return NotAvailable, nil
	default:
		return NotAvailable, fmt.Errorf("reserve product %d: %w", productID, err)
	}
}

// Release removes userID's hold on productID and flips reserved back.
// Releasing a hold you don't have is a no-op, not an error.
func (e *Engine) Release(ctx context.Context, userID, productID int64) (bool, error) {
	released, err := e.store.ReleaseHold(ctx, userID, productID)
	if err != nil {
		return false, fmt.Errorf("release product %d: %w", productID, err)
	}
	if released {
		e.logger.Debug("hold released", "user", userID, "product", productID)
	}
	return released, nil
}

// ReleaseAllForUser clears the user's whole basket.
func (e *Engine) ReleaseAllForUser(ctx context.Context, userID int64) (int, error) {
	n, err := e.store.ReleaseAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("release basket for user %d: %w", userID, err)
	}
	return n, nil
}

// ReleaseSnapshot releases the rows named by a payment snapshot. Used when
// a crypto purchase fails or underpays: the snapshot is authoritative for
// what was held, even if the basket has since changed.
func (e *Engine) ReleaseSnapshot(ctx context.Context, userID int64, snapshot []storage.BasketItem) {
	for _, item := range snapshot {
		if _, err := e.store.ReleaseHold(ctx, userID, item.ProductID); err != nil {
			e.logger.Error("failed to release snapshot item",
				"user", userID, "product", item.ProductID, "error", err)
		}
	}
}

// SweepExpired releases every hold whose age is at least ttl.
func (e *Engine) SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	released, err := e.store.ReleaseExpiredHolds(ctx, now.Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("sweep expired holds: %w", err)
	}
	return released, nil
}

// SnapshotBasket returns the user's basket as self-contained items that
// can finalise a purchase even if the live rows are later deleted.
func (e *Engine) SnapshotBasket(ctx context.Context, userID int64) ([]storage.BasketItem, error) {
	return e.store.BasketSnapshot(ctx, userID)
}
