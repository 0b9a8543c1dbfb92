package discount

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvasily/streetmarket/internal/money"
	"github.com/rvasily/streetmarket/internal/storage"
)

func newService(t *testing.T) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	return New(store, slog.Default()), store
}

func TestBasketTotal_PlainUser(t *testing.T) {
	s, _ := newService(t)
	snapshot := []storage.BasketItem{
		{ProductID: 1, Price: 1000, ProductType: "widget"},
		{ProductID: 2, Price: 1000, ProductType: "widget"},
	}
	total, err := s.BasketTotal(context.Background(), 1, snapshot)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(2000), total)
}

func TestBasketTotal_Reseller(t *testing.T) {
	s, store := newService(t)
	ctx := context.Background()
	_, err := store.GetOrCreateUser(ctx, 7)
	require.NoError(t, err)
	require.NoError(t, store.SetUserReseller(ctx, 7, true))
	require.NoError(t, store.SetResellerRule(ctx, storage.ResellerRule{UserID: 7, ProductType: "widget", Percent: 25}))

	snapshot := []storage.BasketItem{
		{ProductID: 1, Price: 999, ProductType: "widget"},
		{ProductID: 2, Price: 1000, ProductType: "gadget"}, // no rule
	}
	total, err := s.BasketTotal(ctx, 7, snapshot)
	require.NoError(t, err)
	// 9.99 - 2.49 (25% rounded down) + 10.00
	assert.Equal(t, money.Amount(750+1000), total)
}

func TestValidate_PercentageCode(t *testing.T) {
	s, store := newService(t)
	ctx := context.Background()
	require.NoError(t, store.CreateDiscountCode(ctx, &storage.DiscountCode{
		Code: "X10", Kind: storage.DiscountPercentage, Value: 10, Active: true,
	}))

	final, err := s.Validate(ctx, "X10", 2000, time.Now())
	require.NoError(t, err)
	assert.Equal(t, money.Amount(1800), final)
}

func TestValidate_FixedCode_FloorsAtZero(t *testing.T) {
	s, store := newService(t)
	ctx := context.Background()
	require.NoError(t, store.CreateDiscountCode(ctx, &storage.DiscountCode{
		Code: "MINUS5", Kind: storage.DiscountFixed, Value: 500, Active: true,
	}))

	final, err := s.Validate(ctx, "MINUS5", 1200, time.Now())
	require.NoError(t, err)
	assert.Equal(t, money.Amount(700), final)

	final, err = s.Validate(ctx, "MINUS5", 300, time.Now())
	require.NoError(t, err)
	assert.Equal(t, money.Amount(0), final)
}

func TestValidate_Rejections(t *testing.T) {
	s, store := newService(t)
	ctx := context.Background()
	now := time.Now()

	past := now.Add(-time.Hour)
	one := 1
	require.NoError(t, store.CreateDiscountCode(ctx, &storage.DiscountCode{
		Code: "OFF", Kind: storage.DiscountPercentage, Value: 10, Active: false,
	}))
	require.NoError(t, store.CreateDiscountCode(ctx, &storage.DiscountCode{
		Code: "OLD", Kind: storage.DiscountPercentage, Value: 10, Active: true, ExpiresAt: &past,
	}))
	require.NoError(t, store.CreateDiscountCode(ctx, &storage.DiscountCode{
		Code: "USED", Kind: storage.DiscountPercentage, Value: 10, Active: true, MaxUses: &one, UsesCount: 1,
	}))

	for _, code := range []string{"NOPE", "OFF", "OLD", "USED"} {
		_, err := s.Validate(ctx, code, 1000, now)
		assert.ErrorIs(t, err, ErrCodeInvalid, "code %q", code)
	}
}
