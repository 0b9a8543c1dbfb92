package storage

import "github.com/rvasily/streetmarket/internal/money"

// applyCodeToItems spreads a redeemed discount code over the purchased
// items so the immutable purchase records carry the price actually paid.
// Percentage codes deduct per item (rounded down to the cent); fixed
// codes consume their value across the items in order.
func applyCodeToItems(code *DiscountCode, items []PurchasedItem) {
	if code == nil {
		return
	}
	switch code.Kind {
	case DiscountPercentage:
		for i := range items {
			items[i].Paid -= items[i].Paid.PercentOff(code.Value)
		}
	case DiscountFixed:
		remaining := money.Amount(code.Value)
		for i := range items {
			if remaining <= 0 {
				break
			}
			deduct := items[i].Paid
			if deduct > remaining {
				deduct = remaining
			}
			items[i].Paid -= deduct
			remaining -= deduct
		}
	}
}
