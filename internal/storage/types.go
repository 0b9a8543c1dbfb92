package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rvasily/streetmarket/internal/money"
)

// User is a shop customer. Created on first contact, never deleted.
type User struct {
	ID             int64        `json:"id"`
	Language       string       `json:"language"`
	Balance        money.Amount `json:"balance"`
	TotalPurchases int          `json:"totalPurchases"`
	IsReseller     bool         `json:"isReseller"`
	Banned         bool         `json:"banned"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// MediaKind is the kind of a product media attachment.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
)

// Media is one attachment of a product row. FileHandle is the platform's
// cached identifier and may be stale after a credential rotation; FilePath
// is the on-disk original and is authoritative until the row is deleted.
type Media struct {
	ProductID  int64     `json:"productId"`
	Kind       MediaKind `json:"kind"`
	FilePath   string    `json:"filePath"`
	FileHandle string    `json:"fileHandle,omitempty"`
	Position   int       `json:"position"`
}

// Product is one sellable unit. Quantity is implicit in the existence of
// the row: available and reserved are 0/1 flags, and the reservation CAS
// depends on that.
type Product struct {
	ID          int64        `json:"id"`
	City        string       `json:"city"`
	District    string       `json:"district"`
	ProductType string       `json:"productType"`
	Size        string       `json:"size"`
	Name        string       `json:"name"`
	Price       money.Amount `json:"price"`
	Text        string       `json:"text"`
	Available   int          `json:"available"` // 0 or 1
	Reserved    int          `json:"reserved"`  // 0 or 1
	CreatedAt   time.Time    `json:"createdAt"`
}

// BasketHold binds one user to one product row. At most one hold exists
// per product row system-wide.
type BasketHold struct {
	UserID     int64     `json:"userId"`
	ProductID  int64     `json:"productId"`
	InsertedAt time.Time `json:"insertedAt"`
}

// BasketItem is the snapshot view of a held product: everything needed to
// finalise the purchase even if the live row is deleted in the meantime.
type BasketItem struct {
	ProductID   int64        `json:"productId"`
	Price       money.Amount `json:"price"` // original unit price
	ProductType string       `json:"productType"`
	City        string       `json:"city"`
	District    string       `json:"district"`
	Size        string       `json:"size"`
	Name        string       `json:"name"`
	Text        string       `json:"text"`
}

// PendingPayment is the persisted intent-to-pay, keyed by the provider's
// payment id. Its removal is the only signal that a payment has been
// fully processed.
type PendingPayment struct {
	PaymentID      string          `json:"paymentId"`
	UserID         int64           `json:"userId"`
	TargetEUR      money.Amount    `json:"targetEur"`
	ExpectedCrypto decimal.Decimal `json:"expectedCrypto"`
	Currency       string          `json:"currency"`
	IsPurchase     bool            `json:"isPurchase"`
	Snapshot       []BasketItem    `json:"snapshot,omitempty"`
	DiscountCode   string          `json:"discountCode,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// DiscountKind is how a discount code's value is interpreted.
type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed"
)

// DiscountCode is an operator-issued code. UsesCount never exceeds
// MaxUses when MaxUses is set; the cap is enforced by a conditional
// update at redemption time.
type DiscountCode struct {
	Code      string       `json:"code"`
	Kind      DiscountKind `json:"kind"`
	Value     int64        `json:"value"` // percent for percentage, cents for fixed
	MaxUses   *int         `json:"maxUses,omitempty"`
	UsesCount int          `json:"usesCount"`
	ExpiresAt *time.Time   `json:"expiresAt,omitempty"`
	Active    bool         `json:"active"`
}

// ResellerRule grants a reseller user a per-item percentage discount on
// one product type.
type ResellerRule struct {
	UserID      int64  `json:"userId"`
	ProductType string `json:"productType"`
	Percent     int64  `json:"percent"` // 0-100
}

// Purchase is the immutable sale record written at finalisation.
type Purchase struct {
	ID          int64        `json:"id"`
	UserID      int64        `json:"userId"`
	ProductID   int64        `json:"productId"`
	Name        string       `json:"name"`
	ProductType string       `json:"productType"`
	Size        string       `json:"size"`
	City        string       `json:"city"`
	District    string       `json:"district"`
	PricePaid   money.Amount `json:"pricePaid"`
	At          time.Time    `json:"at"`
}

// PurchasedItem pairs a snapshot item with the price actually paid after
// the per-item reseller discount and, when its redemption succeeded, the
// purchase's discount code.
type PurchasedItem struct {
	BasketItem
	Paid money.Amount `json:"paid"`
}

// FinalizeResult reports what the finalisation transaction did.
type FinalizeResult struct {
	Items         []PurchasedItem `json:"items"`          // fulfilled, in snapshot order
	SkippedIDs    []int64         `json:"skippedIds"`     // rows gone or out of stock
	Total         money.Amount    `json:"total"`          // sum of paid prices
	CodeExhausted bool            `json:"codeExhausted"`  // discount CAS hit the cap
}

// AdminAction is one row of the append-only administrative audit log.
type AdminAction struct {
	ID      int64     `json:"id"`
	AdminID int64     `json:"adminId"`
	Action  string    `json:"action"`
	Details string    `json:"details,omitempty"`
	At      time.Time `json:"at"`
}
