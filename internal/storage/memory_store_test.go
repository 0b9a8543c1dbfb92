package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvasily/streetmarket/internal/money"
)

func seedProduct(t *testing.T, s *MemoryStore, price money.Amount) int64 {
	t.Helper()
	id, err := s.InsertProduct(context.Background(), &Product{
		City: "Riga", District: "Centrs", ProductType: "widget", Size: "M",
		Name: "widget M", Price: price, Text: "pickup at the usual spot",
		Available: 1,
	}, []Media{{Kind: MediaPhoto, FilePath: "/tmp/p.jpg"}})
	require.NoError(t, err)
	return id
}

func TestReserveProduct_CAS(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := seedProduct(t, s, 1000)

	require.NoError(t, s.ReserveProduct(ctx, 1, id, time.Now()))

	err := s.ReserveProduct(ctx, 2, id, time.Now())
	assert.ErrorIs(t, err, ErrAlreadyReserved)

	err = s.ReserveProduct(ctx, 1, 9999, time.Now())
	assert.ErrorIs(t, err, ErrNotAvailable)

	p, err := s.GetProduct(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Reserved)

	holds, err := s.ListHolds(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, holds, 1)
}

func TestReleaseHold_Idempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := seedProduct(t, s, 1000)
	require.NoError(t, s.ReserveProduct(ctx, 1, id, time.Now()))

	released, err := s.ReleaseHold(ctx, 1, id)
	require.NoError(t, err)
	assert.True(t, released)

	released, err = s.ReleaseHold(ctx, 1, id)
	require.NoError(t, err)
	assert.False(t, released)

	p, _ := s.GetProduct(ctx, id)
	assert.Equal(t, 0, p.Reserved)

	// Released row is reservable again by another user.
	require.NoError(t, s.ReserveProduct(ctx, 2, id, time.Now()))
}

func TestReleaseHold_WrongUser(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := seedProduct(t, s, 1000)
	require.NoError(t, s.ReserveProduct(ctx, 1, id, time.Now()))

	released, err := s.ReleaseHold(ctx, 2, id)
	require.NoError(t, err)
	assert.False(t, released)

	p, _ := s.GetProduct(ctx, id)
	assert.Equal(t, 1, p.Reserved)
}

func TestReleaseExpiredHolds(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id1 := seedProduct(t, s, 1000)
	id2 := seedProduct(t, s, 1000)

	old := time.Now().Add(-20 * time.Minute)
	require.NoError(t, s.ReserveProduct(ctx, 1, id1, old))
	require.NoError(t, s.ReserveProduct(ctx, 2, id2, time.Now()))

	released, err := s.ReleaseExpiredHolds(ctx, time.Now().Add(-15*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	p1, _ := s.GetProduct(ctx, id1)
	p2, _ := s.GetProduct(ctx, id2)
	assert.Equal(t, 0, p1.Reserved)
	assert.Equal(t, 1, p2.Reserved)
}

func TestDebitBalanceIf(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.CreditBalance(ctx, 1, 2000, "refill"))

	require.NoError(t, s.DebitBalanceIf(ctx, 1, 1500, "checkout"))

	err := s.DebitBalanceIf(ctx, 1, 1000, "checkout")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	u, err := s.GetUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(500), u.Balance)
}

func TestIncrementDiscountUse_Cap(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	one := 1
	require.NoError(t, s.CreateDiscountCode(ctx, &DiscountCode{
		Code: "X10", Kind: DiscountPercentage, Value: 10, MaxUses: &one, Active: true,
	}))

	ok, err := s.IncrementDiscountUse(ctx, "X10")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.IncrementDiscountUse(ctx, "X10")
	require.NoError(t, err)
	assert.False(t, ok)

	c, _ := s.GetDiscountCode(ctx, "X10")
	assert.Equal(t, 1, c.UsesCount)
}

func TestFinalizeBasket_SkipsDeadRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id1 := seedProduct(t, s, 1000)
	id2 := seedProduct(t, s, 1200)
	require.NoError(t, s.ReserveProduct(ctx, 1, id1, time.Now()))
	require.NoError(t, s.ReserveProduct(ctx, 1, id2, time.Now()))

	snap, err := s.BasketSnapshot(ctx, 1)
	require.NoError(t, err)
	require.Len(t, snap, 2)

	// Admin deletes one row mid-flight.
	require.NoError(t, s.DeleteProducts(ctx, []int64{id2}))

	res, err := s.FinalizeBasket(ctx, 1, snap, "", time.Now())
	require.NoError(t, err)
	assert.Len(t, res.Items, 1)
	assert.Equal(t, []int64{id2}, res.SkippedIDs)
	assert.Equal(t, money.Amount(1000), res.Total)

	// Basket cleared, purchase logged, counter bumped.
	holds, _ := s.ListHolds(ctx, 1)
	assert.Empty(t, holds)
	purchases, _ := s.PurchasesByUser(ctx, 1, 10)
	assert.Len(t, purchases, 1)
	u, _ := s.GetUser(ctx, 1)
	assert.Equal(t, 1, u.TotalPurchases)
}

func TestFinalizeBasket_NothingFulfilled(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := seedProduct(t, s, 1000)
	require.NoError(t, s.ReserveProduct(ctx, 1, id, time.Now()))
	snap, _ := s.BasketSnapshot(ctx, 1)
	require.NoError(t, s.DeleteProducts(ctx, []int64{id}))

	_, err := s.FinalizeBasket(ctx, 1, snap, "", time.Now())
	assert.True(t, errors.Is(err, ErrNothingFulfilled))

	// Holds are untouched on rollback.
	holds, _ := s.ListHolds(ctx, 1)
	assert.Len(t, holds, 1)
}

func TestFinalizeBasket_ResellerDiscount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := seedProduct(t, s, 1000)

	_, err := s.GetOrCreateUser(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, s.SetUserReseller(ctx, 7, true))
	require.NoError(t, s.SetResellerRule(ctx, ResellerRule{UserID: 7, ProductType: "widget", Percent: 20}))

	require.NoError(t, s.ReserveProduct(ctx, 7, id, time.Now()))
	snap, _ := s.BasketSnapshot(ctx, 7)

	res, err := s.FinalizeBasket(ctx, 7, snap, "", time.Now())
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, money.Amount(800), res.Items[0].Paid)
}

func TestAbandonedHolds_SkipsUsersAwaitingPayment(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id1 := seedProduct(t, s, 1000)
	id2 := seedProduct(t, s, 1000)

	old := time.Now().Add(-30 * time.Minute)
	require.NoError(t, s.ReserveProduct(ctx, 1, id1, old))
	require.NoError(t, s.ReserveProduct(ctx, 2, id2, old))

	// User 2 has a live purchase payment pending.
	require.NoError(t, s.PutPendingPayment(ctx, &PendingPayment{
		PaymentID: "pay-2", UserID: 2, TargetEUR: 1000, Currency: "btc", IsPurchase: true,
	}))

	abandoned, err := s.AbandonedHolds(ctx, time.Now().Add(-15*time.Minute))
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.Equal(t, int64(1), abandoned[0].UserID)
}

func TestRemovePendingPayment_Linearisation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.PutPendingPayment(ctx, &PendingPayment{
		PaymentID: "pay-1", UserID: 1, TargetEUR: 1250, Currency: "btc",
	}))

	removed, err := s.RemovePendingPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.RemovePendingPayment(ctx, "pay-1")
	require.NoError(t, err)
	assert.False(t, removed)

	_, err = s.GetPendingPayment(ctx, "pay-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBasketSnapshot_Order(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id1 := seedProduct(t, s, 100)
	id2 := seedProduct(t, s, 200)
	id3 := seedProduct(t, s, 300)

	now := time.Now()
	require.NoError(t, s.ReserveProduct(ctx, 1, id2, now))
	require.NoError(t, s.ReserveProduct(ctx, 1, id3, now.Add(time.Second)))
	require.NoError(t, s.ReserveProduct(ctx, 1, id1, now.Add(2*time.Second)))

	snap, err := s.BasketSnapshot(ctx, 1)
	require.NoError(t, err)
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{id2, id3, id1}, []int64{snap[0].ProductID, snap[1].ProductID, snap[2].ProductID})
}
