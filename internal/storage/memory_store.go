package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rvasily/streetmarket/internal/money"
)

// MemoryStore is the embedded single-writer implementation. One mutex
// serialises every operation, which is exactly the transaction model the
// shop assumes: begin = Lock, commit = Unlock.
type MemoryStore struct {
	mu sync.Mutex

	users     map[int64]*User
	products  map[int64]*Product
	media     map[int64][]Media
	holds     []BasketHold // insertion-ordered
	pending   map[string]*PendingPayment
	codes     map[string]*DiscountCode
	resellers map[int64]map[string]int64 // userID -> productType -> percent
	purchases []*Purchase
	admin     []*AdminAction

	nextProductID  int64
	nextPurchaseID int64
	nextAdminID    int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[int64]*User),
		products:  make(map[int64]*Product),
		media:     make(map[int64][]Media),
		pending:   make(map[string]*PendingPayment),
		codes:     make(map[string]*DiscountCode),
		resellers: make(map[int64]map[string]int64),
	}
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (m *MemoryStore) GetOrCreateUser(ctx context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(id), nil
}

func (m *MemoryStore) getOrCreateLocked(id int64) *User {
	if u, ok := m.users[id]; ok {
		cp := *u
		return &cp
	}
	u := &User{ID: id, Language: "en", CreatedAt: time.Now().UTC()}
	m.users[id] = u
	cp := *u
	return &cp
}

func (m *MemoryStore) GetUser(ctx context.Context, id int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryStore) SetUserLanguage(ctx context.Context, id int64, lang string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Language = lang
	return nil
}

func (m *MemoryStore) SetUserBanned(ctx context.Context, id int64, banned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Banned = banned
	return nil
}

func (m *MemoryStore) SetUserReseller(ctx context.Context, id int64, reseller bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.IsReseller = reseller
	return nil
}

func (m *MemoryStore) CreditBalance(ctx context.Context, userID int64, amount money.Amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		u = &User{ID: userID, Language: "en", CreatedAt: time.Now().UTC()}
		m.users[userID] = u
	}
	u.Balance += amount
	return nil
}

func (m *MemoryStore) DebitBalanceIf(ctx context.Context, userID int64, amount money.Amount, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.Balance < amount {
		return ErrInsufficientBalance
	}
	u.Balance -= amount
	return nil
}

// ---------------------------------------------------------------------------
// Products
// ---------------------------------------------------------------------------

func (m *MemoryStore) InsertProduct(ctx context.Context, p *Product, media []Media) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextProductID++
	cp := *p
	cp.ID = m.nextProductID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.products[cp.ID] = &cp
	for i, md := range media {
		md.ProductID = cp.ID
		md.Position = i
		m.media[cp.ID] = append(m.media[cp.ID], md)
	}
	return cp.ID, nil
}

func (m *MemoryStore) GetProduct(ctx context.Context, id int64) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListAvailableProducts(ctx context.Context, city, district, productType string) ([]*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Product
	for _, p := range m.products {
		if p.Available != 1 {
			continue
		}
		if city != "" && p.City != city {
			continue
		}
		if district != "" && p.District != district {
			continue
		}
		if productType != "" && p.ProductType != productType {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteProducts(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.products, id)
		delete(m.media, id)
	}
	return nil
}

func (m *MemoryStore) AttachMedia(ctx context.Context, productID int64, media []Media) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[productID]; !ok {
		return ErrNotFound
	}
	out := make([]Media, 0, len(media))
	for i, md := range media {
		md.ProductID = productID
		md.Position = i
		out = append(out, md)
	}
	m.media[productID] = out
	return nil
}

func (m *MemoryStore) MediaForProducts(ctx context.Context, ids []int64) (map[int64][]Media, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64][]Media, len(ids))
	for _, id := range ids {
		if md, ok := m.media[id]; ok {
			out[id] = append([]Media(nil), md...)
		}
	}
	return out, nil
}

func (m *MemoryStore) DistinctCities(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, p := range m.products {
		if p.Available == 1 {
			seen[p.City] = true
		}
	}
	return sortedKeys(seen), nil
}

func (m *MemoryStore) DistinctDistricts(ctx context.Context, city string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, p := range m.products {
		if p.Available == 1 && p.City == city {
			seen[p.District] = true
		}
	}
	return sortedKeys(seen), nil
}

func (m *MemoryStore) DistinctProductTypes(ctx context.Context, city, district string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	for _, p := range m.products {
		if p.Available == 1 && p.City == city && p.District == district {
			seen[p.ProductType] = true
		}
	}
	return sortedKeys(seen), nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

func (m *MemoryStore) ReserveProduct(ctx context.Context, userID, productID int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[productID]
	if !ok || p.Available != 1 {
		return ErrNotAvailable
	}
	if p.Reserved != 0 {
		return ErrAlreadyReserved
	}
	p.Reserved = 1
	m.holds = append(m.holds, BasketHold{UserID: userID, ProductID: productID, InsertedAt: now})
	return nil
}

func (m *MemoryStore) ReleaseHold(ctx context.Context, userID, productID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseLocked(userID, productID), nil
}

func (m *MemoryStore) releaseLocked(userID, productID int64) bool {
	for i, h := range m.holds {
		if h.UserID == userID && h.ProductID == productID {
			m.holds = append(m.holds[:i], m.holds[i+1:]...)
			if p, ok := m.products[productID]; ok {
				p.Reserved = 0
			}
			return true
		}
	}
	return false
}

func (m *MemoryStore) ReleaseAllForUser(ctx context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	kept := m.holds[:0]
	for _, h := range m.holds {
		if h.UserID == userID {
			if p, ok := m.products[h.ProductID]; ok {
				p.Reserved = 0
			}
			released++
			continue
		}
		kept = append(kept, h)
	}
	m.holds = kept
	return released, nil
}

func (m *MemoryStore) ReleaseExpiredHolds(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	kept := m.holds[:0]
	for _, h := range m.holds {
		if !h.InsertedAt.After(cutoff) {
			if p, ok := m.products[h.ProductID]; ok {
				p.Reserved = 0
			}
			released++
			continue
		}
		kept = append(kept, h)
	}
	m.holds = kept
	return released, nil
}

func (m *MemoryStore) AbandonedHolds(ctx context.Context, cutoff time.Time) ([]BasketHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	awaiting := map[int64]bool{}
	for _, pp := range m.pending {
		if pp.IsPurchase {
			awaiting[pp.UserID] = true
		}
	}
	var out []BasketHold
	for _, h := range m.holds {
		if !h.InsertedAt.After(cutoff) && !awaiting[h.UserID] {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *MemoryStore) ListHolds(ctx context.Context, userID int64) ([]BasketHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BasketHold
	for _, h := range m.holds {
		if h.UserID == userID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *MemoryStore) BasketSnapshot(ctx context.Context, userID int64) ([]BasketItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BasketItem
	for _, h := range m.holds {
		if h.UserID != userID {
			continue
		}
		p, ok := m.products[h.ProductID]
		if !ok {
			continue
		}
		out = append(out, BasketItem{
			ProductID:   p.ID,
			Price:       p.Price,
			ProductType: p.ProductType,
			City:        p.City,
			District:    p.District,
			Size:        p.Size,
			Name:        p.Name,
			Text:        p.Text,
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Pending payments
// ---------------------------------------------------------------------------

func (m *MemoryStore) PutPendingPayment(ctx context.Context, p *PendingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.Snapshot = append([]BasketItem(nil), p.Snapshot...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.pending[cp.PaymentID] = &cp
	return nil
}

func (m *MemoryStore) GetPendingPayment(ctx context.Context, paymentID string) (*PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[paymentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.Snapshot = append([]BasketItem(nil), p.Snapshot...)
	return &cp, nil
}

func (m *MemoryStore) RemovePendingPayment(ctx context.Context, paymentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[paymentID]
	delete(m.pending, paymentID)
	return ok, nil
}

func (m *MemoryStore) PendingPaymentsOlderThan(ctx context.Context, cutoff time.Time) ([]*PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*PendingPayment
	for _, p := range m.pending {
		if p.CreatedAt.Before(cutoff) {
			cp := *p
			cp.Snapshot = append([]BasketItem(nil), p.Snapshot...)
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ---------------------------------------------------------------------------
// Discount codes and reseller rules
// ---------------------------------------------------------------------------

func (m *MemoryStore) CreateDiscountCode(ctx context.Context, code *DiscountCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *code
	m.codes[cp.Code] = &cp
	return nil
}

func (m *MemoryStore) GetDiscountCode(ctx context.Context, code string) (*DiscountCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) IncrementDiscountUse(ctx context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.incrementDiscountLocked(code), nil
}

func (m *MemoryStore) incrementDiscountLocked(code string) bool {
	c, ok := m.codes[code]
	if !ok {
		return false
	}
	if c.MaxUses != nil && c.UsesCount >= *c.MaxUses {
		return false
	}
	c.UsesCount++
	return true
}

func (m *MemoryStore) SetResellerRule(ctx context.Context, rule ResellerRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType, ok := m.resellers[rule.UserID]
	if !ok {
		byType = make(map[string]int64)
		m.resellers[rule.UserID] = byType
	}
	byType[rule.ProductType] = rule.Percent
	return nil
}

func (m *MemoryStore) ResellerDiscountPercent(ctx context.Context, userID int64, productType string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resellerPercentLocked(userID, productType), nil
}

func (m *MemoryStore) resellerPercentLocked(userID int64, productType string) int64 {
	u, ok := m.users[userID]
	if !ok || !u.IsReseller {
		return 0
	}
	if byType, ok := m.resellers[userID]; ok {
		return byType[productType]
	}
	return 0
}

// ---------------------------------------------------------------------------
// Purchases
// ---------------------------------------------------------------------------

func (m *MemoryStore) FinalizeBasket(ctx context.Context, userID int64, snapshot []BasketItem, discountCode string, now time.Time) (*FinalizeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := &FinalizeResult{}
	for _, item := range snapshot {
		p, ok := m.products[item.ProductID]
		if !ok || p.Available <= 0 {
			res.SkippedIDs = append(res.SkippedIDs, item.ProductID)
			continue
		}
		p.Available--

		pct := m.resellerPercentLocked(userID, item.ProductType)
		paid := item.Price - item.Price.PercentOff(pct)
		res.Items = append(res.Items, PurchasedItem{BasketItem: item, Paid: paid})
	}

	if len(res.Items) == 0 {
		// Roll back the nothing-happened transaction: no state was changed
		// for skipped items, so there is nothing to undo.
		return nil, ErrNothingFulfilled
	}

	// The conditional increment decides whether the code applies to this
	// purchase. A cap hit means the recorded prices stay undiscounted.
	if discountCode != "" {
		if m.incrementDiscountLocked(discountCode) {
			applyCodeToItems(m.codes[discountCode], res.Items)
		} else {
			res.CodeExhausted = true
		}
	}

	for i := range res.Items {
		it := &res.Items[i]
		res.Total += it.Paid
		m.nextPurchaseID++
		m.purchases = append(m.purchases, &Purchase{
			ID:          m.nextPurchaseID,
			UserID:      userID,
			ProductID:   it.ProductID,
			Name:        it.Name,
			ProductType: it.ProductType,
			Size:        it.Size,
			City:        it.City,
			District:    it.District,
			PricePaid:   it.Paid,
			At:          now,
		})
	}

	u := m.users[userID]
	if u == nil {
		u = &User{ID: userID, Language: "en", CreatedAt: now}
		m.users[userID] = u
	}
	u.TotalPurchases += len(res.Items)

	// Clear the basket and drop reserved flags on whatever rows remain.
	kept := m.holds[:0]
	for _, h := range m.holds {
		if h.UserID == userID {
			if p, ok := m.products[h.ProductID]; ok {
				p.Reserved = 0
			}
			continue
		}
		kept = append(kept, h)
	}
	m.holds = kept

	return res, nil
}

func (m *MemoryStore) PurchasesByUser(ctx context.Context, userID int64, limit int) ([]*Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Purchase
	for i := len(m.purchases) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.purchases[i].UserID == userID {
			cp := *m.purchases[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Admin audit log
// ---------------------------------------------------------------------------

func (m *MemoryStore) LogAdminAction(ctx context.Context, a *AdminAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAdminID++
	cp := *a
	cp.ID = m.nextAdminID
	if cp.At.IsZero() {
		cp.At = time.Now().UTC()
	}
	m.admin = append(m.admin, &cp)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
