// Package storage persists all shop state: users, products, basket holds,
// pending payments, discount codes, purchases, and the admin audit log.
//
// The process is the single writer. The MemoryStore serialises everything
// behind one mutex; the PostgresStore opens serializable transactions for
// operations that touch holds or stock, while balance changes are single
// conditional statements. Multi-entity atomic
// operations (reserve, finalise, conditional debit) are single Store
// methods so no invariant ever straddles two calls.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rvasily/streetmarket/internal/money"
)

var (
	// ErrNotFound is returned when a requested entity is missing from the store.
	ErrNotFound = errors.New("storage: not found")
	// ErrNotAvailable means the product row is gone or not sellable.
	ErrNotAvailable = errors.New("storage: product not available")
	// ErrAlreadyReserved means another basket already holds the row.
	ErrAlreadyReserved = errors.New("storage: product already reserved")
	// ErrInsufficientBalance means a conditional debit found too little balance.
	ErrInsufficientBalance = errors.New("storage: insufficient balance")
	// ErrNothingFulfilled means every snapshot row was gone at finalisation;
	// the transaction was rolled back.
	ErrNothingFulfilled = errors.New("storage: no basket item could be fulfilled")
)

// Store captures the persistence requirements of the shop core.
type Store interface {
	// Users
	GetOrCreateUser(ctx context.Context, id int64) (*User, error)
	GetUser(ctx context.Context, id int64) (*User, error)
	SetUserLanguage(ctx context.Context, id int64, lang string) error
	SetUserBanned(ctx context.Context, id int64, banned bool) error
	SetUserReseller(ctx context.Context, id int64, reseller bool) error
	// CreditBalance adds amount to the user's balance.
	CreditBalance(ctx context.Context, userID int64, amount money.Amount, reference string) error
	// DebitBalanceIf subtracts amount only if the current balance covers it,
	// in one conditional write. Returns ErrInsufficientBalance otherwise.
	DebitBalanceIf(ctx context.Context, userID int64, amount money.Amount, reference string) error

	// Products
	InsertProduct(ctx context.Context, p *Product, media []Media) (int64, error)
	GetProduct(ctx context.Context, id int64) (*Product, error)
	ListAvailableProducts(ctx context.Context, city, district, productType string) ([]*Product, error)
	// DeleteProducts removes product rows and their media descriptors.
	// Media blobs on disk are the caller's problem.
	DeleteProducts(ctx context.Context, ids []int64) error
	// AttachMedia replaces a product's media descriptors.
	AttachMedia(ctx context.Context, productID int64, media []Media) error
	MediaForProducts(ctx context.Context, ids []int64) (map[int64][]Media, error)
	DistinctCities(ctx context.Context) ([]string, error)
	DistinctDistricts(ctx context.Context, city string) ([]string, error)
	DistinctProductTypes(ctx context.Context, city, district string) ([]string, error)

	// Reservations. ReserveProduct performs the conditional write
	// reserved: 0 -> 1 (only if available=1 AND reserved=0) and inserts the
	// basket hold in the same transaction. A zero-row update maps to
	// ErrNotAvailable (row gone or not sellable) or ErrAlreadyReserved.
	ReserveProduct(ctx context.Context, userID, productID int64, now time.Time) error
	// ReleaseHold flips reserved back to 0 and deletes the hold, only if the
	// hold belongs to userID. Returns false if no such hold existed.
	ReleaseHold(ctx context.Context, userID, productID int64) (bool, error)
	ReleaseAllForUser(ctx context.Context, userID int64) (int, error)
	// ReleaseExpiredHolds releases every hold inserted at or before cutoff.
	ReleaseExpiredHolds(ctx context.Context, cutoff time.Time) (int, error)
	// AbandonedHolds lists holds inserted at or before cutoff whose user has
	// no pending purchase payment.
	AbandonedHolds(ctx context.Context, cutoff time.Time) ([]BasketHold, error)
	ListHolds(ctx context.Context, userID int64) ([]BasketHold, error)
	// BasketSnapshot returns the user's holds joined with their product rows,
	// in hold-insertion order.
	BasketSnapshot(ctx context.Context, userID int64) ([]BasketItem, error)

	// Pending payments
	PutPendingPayment(ctx context.Context, p *PendingPayment) error
	GetPendingPayment(ctx context.Context, paymentID string) (*PendingPayment, error)
	// RemovePendingPayment deletes the record and reports whether it existed.
	// This is the per-payment linearisation point: observing false means the
	// payment's side effects have already been committed (or never existed).
	RemovePendingPayment(ctx context.Context, paymentID string) (bool, error)
	PendingPaymentsOlderThan(ctx context.Context, cutoff time.Time) ([]*PendingPayment, error)

	// Discount codes and reseller rules
	CreateDiscountCode(ctx context.Context, code *DiscountCode) error
	GetDiscountCode(ctx context.Context, code string) (*DiscountCode, error)
	// IncrementDiscountUse executes the single-statement CAS
	// uses_count = uses_count + 1 WHERE code = ? AND (max_uses IS NULL OR
	// uses_count < max_uses). Returns false when the cap has been reached.
	IncrementDiscountUse(ctx context.Context, code string) (bool, error)
	SetResellerRule(ctx context.Context, rule ResellerRule) error
	ResellerDiscountPercent(ctx context.Context, userID int64, productType string) (int64, error)

	// Purchases. FinalizeBasket runs the whole finalisation transaction:
	// per-item conditional stock decrement (skipping dead rows), purchase
	// records at reseller-discounted prices, lifetime counter increment,
	// discount-code CAS, basket clear. Post-commit work (delivery, row
	// deletion) belongs to the purchase service.
	FinalizeBasket(ctx context.Context, userID int64, snapshot []BasketItem, discountCode string, now time.Time) (*FinalizeResult, error)
	PurchasesByUser(ctx context.Context, userID int64, limit int) ([]*Purchase, error)

	// Admin audit log
	LogAdminAction(ctx context.Context, a *AdminAction) error

	Close() error
}
