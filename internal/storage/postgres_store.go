package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/rvasily/streetmarket/internal/money"
)

// PostgresStore implements Store with PostgreSQL. Every operation that
// touches holds or reserved stock runs in a serializable transaction;
// balance credits and debits are single conditional statements outside a
// transaction. The conditional single-row updates do the actual invariant
// work.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) serializable(ctx context.Context) (*sql.Tx, error) {
	return p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

func (p *PostgresStore) GetOrCreateUser(ctx context.Context, id int64) (*User, error) {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, language, balance, total_purchases, is_reseller, banned, created_at)
		VALUES ($1, 'en', 0, 0, FALSE, FALSE, NOW())
		ON CONFLICT (id) DO NOTHING
	`, id)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	return p.GetUser(ctx, id)
}

func (p *PostgresStore) GetUser(ctx context.Context, id int64) (*User, error) {
	u := &User{}
	var balance int64
	err := p.db.QueryRowContext(ctx, `
		SELECT id, language, balance, total_purchases, is_reseller, banned, created_at
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.Language, &balance, &u.TotalPurchases, &u.IsReseller, &u.Banned, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Balance = money.Amount(balance)
	return u, nil
}

func (p *PostgresStore) SetUserLanguage(ctx context.Context, id int64, lang string) error {
	return p.updateUserFlag(ctx, `UPDATE users SET language = $2 WHERE id = $1`, id, lang)
}

func (p *PostgresStore) SetUserBanned(ctx context.Context, id int64, banned bool) error {
	return p.updateUserFlag(ctx, `UPDATE users SET banned = $2 WHERE id = $1`, id, banned)
}

func (p *PostgresStore) SetUserReseller(ctx context.Context, id int64, reseller bool) error {
	return p.updateUserFlag(ctx, `UPDATE users SET is_reseller = $2 WHERE id = $1`, id, reseller)
}

func (p *PostgresStore) updateUserFlag(ctx context.Context, query string, id int64, val any) error {
	res, err := p.db.ExecContext(ctx, query, id, val)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CreditBalance(ctx context.Context, userID int64, amount money.Amount, reference string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO users (id, language, balance, total_purchases, is_reseller, banned, created_at)
		VALUES ($1, 'en', $2, 0, FALSE, FALSE, NOW())
		ON CONFLICT (id) DO UPDATE SET balance = users.balance + $2
	`, userID, int64(amount))
	if err != nil {
		return fmt.Errorf("credit balance: %w", err)
	}
	return nil
}

func (p *PostgresStore) DebitBalanceIf(ctx context.Context, userID int64, amount money.Amount, reference string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE users SET balance = balance - $2 WHERE id = $1 AND balance >= $2
	`, userID, int64(amount))
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrInsufficientBalance
	}
	return nil
}

// ---------------------------------------------------------------------------
// Products
// ---------------------------------------------------------------------------

func (p *PostgresStore) InsertProduct(ctx context.Context, prod *Product, media []Media) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO products (city, district, product_type, size, name, price, text, available, reserved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, 0, NOW())
		RETURNING id
	`, prod.City, prod.District, prod.ProductType, prod.Size, prod.Name, int64(prod.Price), prod.Text).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert product: %w", err)
	}

	for i, md := range media {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO product_media (product_id, kind, file_path, file_handle, position)
			VALUES ($1, $2, $3, $4, $5)
		`, id, md.Kind, md.FilePath, md.FileHandle, i)
		if err != nil {
			return 0, fmt.Errorf("insert media: %w", err)
		}
	}

	return id, tx.Commit()
}

func (p *PostgresStore) GetProduct(ctx context.Context, id int64) (*Product, error) {
	prod := &Product{}
	var price int64
	err := p.db.QueryRowContext(ctx, `
		SELECT id, city, district, product_type, size, name, price, text, available, reserved, created_at
		FROM products WHERE id = $1
	`, id).Scan(&prod.ID, &prod.City, &prod.District, &prod.ProductType, &prod.Size, &prod.Name,
		&price, &prod.Text, &prod.Available, &prod.Reserved, &prod.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	prod.Price = money.Amount(price)
	return prod, nil
}

func (p *PostgresStore) ListAvailableProducts(ctx context.Context, city, district, productType string) ([]*Product, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, city, district, product_type, size, name, price, text, available, reserved, created_at
		FROM products
		WHERE available = 1
		  AND ($1 = '' OR city = $1)
		  AND ($2 = '' OR district = $2)
		  AND ($3 = '' OR product_type = $3)
		ORDER BY id
	`, city, district, productType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Product
	for rows.Next() {
		prod := &Product{}
		var price int64
		if err := rows.Scan(&prod.ID, &prod.City, &prod.District, &prod.ProductType, &prod.Size, &prod.Name,
			&price, &prod.Text, &prod.Available, &prod.Reserved, &prod.CreatedAt); err != nil {
			return nil, err
		}
		prod.Price = money.Amount(price)
		out = append(out, prod)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DeleteProducts(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM product_media WHERE product_id = ANY($1)`, pq.Array(ids)); err != nil {
		return fmt.Errorf("delete media: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM products WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return fmt.Errorf("delete products: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) AttachMedia(ctx context.Context, productID int64, media []Media) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM product_media WHERE product_id = $1`, productID); err != nil {
		return fmt.Errorf("clear media: %w", err)
	}
	for i, md := range media {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO product_media (product_id, kind, file_path, file_handle, position)
			VALUES ($1, $2, $3, $4, $5)
		`, productID, md.Kind, md.FilePath, md.FileHandle, i)
		if err != nil {
			return fmt.Errorf("insert media: %w", err)
		}
	}
	return tx.Commit()
}

func (p *PostgresStore) MediaForProducts(ctx context.Context, ids []int64) (map[int64][]Media, error) {
	out := make(map[int64][]Media, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT product_id, kind, file_path, COALESCE(file_handle, ''), position
		FROM product_media WHERE product_id = ANY($1)
		ORDER BY product_id, position
	`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var md Media
		if err := rows.Scan(&md.ProductID, &md.Kind, &md.FilePath, &md.FileHandle, &md.Position); err != nil {
			return nil, err
		}
		out[md.ProductID] = append(out[md.ProductID], md)
	}
	return out, rows.Err()
}

func (p *PostgresStore) DistinctCities(ctx context.Context) ([]string, error) {
	return p.distinct(ctx, `SELECT DISTINCT city FROM products WHERE available = 1 ORDER BY city`)
}

func (p *PostgresStore) DistinctDistricts(ctx context.Context, city string) ([]string, error) {
	return p.distinct(ctx, `SELECT DISTINCT district FROM products WHERE available = 1 AND city = $1 ORDER BY district`, city)
}

func (p *PostgresStore) DistinctProductTypes(ctx context.Context, city, district string) ([]string, error) {
	return p.distinct(ctx, `SELECT DISTINCT product_type FROM products WHERE available = 1 AND city = $1 AND district = $2 ORDER BY product_type`, city, district)
}

func (p *PostgresStore) distinct(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

func (p *PostgresStore) ReserveProduct(ctx context.Context, userID, productID int64, now time.Time) error {
	tx, err := p.serializable(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The conditional update is the only path that sets reserved=1, so the
	// zero-row case fully discriminates the outcome.
	res, err := tx.ExecContext(ctx, `
		UPDATE products SET reserved = 1 WHERE id = $1 AND available = 1 AND reserved = 0
	`, productID)
	if err != nil {
		return fmt.Errorf("reserve: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var reserved int
		err := tx.QueryRowContext(ctx, `SELECT reserved FROM products WHERE id = $1 AND available = 1`, productID).Scan(&reserved)
		if err == sql.ErrNoRows {
			return ErrNotAvailable
		}
		if err != nil {
			return err
		}
		if reserved == 1 {
			return ErrAlreadyReserved
		}
		return ErrNotAvailable
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO basket_holds (user_id, product_id, inserted_at) VALUES ($1, $2, $3)
	`, userID, productID, now)
	if err != nil {
		return fmt.Errorf("insert hold: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) ReleaseHold(ctx context.Context, userID, productID int64) (bool, error) {
	tx, err := p.serializable(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM basket_holds WHERE user_id = $1 AND product_id = $2
	`, userID, productID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `UPDATE products SET reserved = 0 WHERE id = $1`, productID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (p *PostgresStore) ReleaseAllForUser(ctx context.Context, userID int64) (int, error) {
	tx, err := p.serializable(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE products SET reserved = 0
		WHERE id IN (SELECT product_id FROM basket_holds WHERE user_id = $1)
	`, userID); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM basket_holds WHERE user_id = $1`, userID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

func (p *PostgresStore) ReleaseExpiredHolds(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := p.serializable(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE products SET reserved = 0
		WHERE id IN (SELECT product_id FROM basket_holds WHERE inserted_at <= $1)
	`, cutoff); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM basket_holds WHERE inserted_at <= $1`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

func (p *PostgresStore) AbandonedHolds(ctx context.Context, cutoff time.Time) ([]BasketHold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT h.user_id, h.product_id, h.inserted_at
		FROM basket_holds h
		WHERE h.inserted_at <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM pending_payments pp
			WHERE pp.user_id = h.user_id AND pp.is_purchase
		  )
		ORDER BY h.inserted_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BasketHold
	for rows.Next() {
		var h BasketHold
		if err := rows.Scan(&h.UserID, &h.ProductID, &h.InsertedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListHolds(ctx context.Context, userID int64) ([]BasketHold, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT user_id, product_id, inserted_at FROM basket_holds
		WHERE user_id = $1 ORDER BY inserted_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BasketHold
	for rows.Next() {
		var h BasketHold
		if err := rows.Scan(&h.UserID, &h.ProductID, &h.InsertedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (p *PostgresStore) BasketSnapshot(ctx context.Context, userID int64) ([]BasketItem, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT pr.id, pr.price, pr.product_type, pr.city, pr.district, pr.size, pr.name, pr.text
		FROM basket_holds h
		JOIN products pr ON pr.id = h.product_id
		WHERE h.user_id = $1
		ORDER BY h.inserted_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BasketItem
	for rows.Next() {
		var it BasketItem
		var price int64
		if err := rows.Scan(&it.ProductID, &price, &it.ProductType, &it.City, &it.District, &it.Size, &it.Name, &it.Text); err != nil {
			return nil, err
		}
		it.Price = money.Amount(price)
		out = append(out, it)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Pending payments
// ---------------------------------------------------------------------------

func (p *PostgresStore) PutPendingPayment(ctx context.Context, pp *PendingPayment) error {
	snap, err := json.Marshal(pp.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	createdAt := pp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO pending_payments
			(payment_id, user_id, target_eur, expected_crypto, currency, is_purchase, snapshot, discount_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, pp.PaymentID, pp.UserID, int64(pp.TargetEUR), pp.ExpectedCrypto.String(), pp.Currency,
		pp.IsPurchase, snap, pp.DiscountCode, createdAt)
	if err != nil {
		return fmt.Errorf("insert pending payment: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetPendingPayment(ctx context.Context, paymentID string) (*PendingPayment, error) {
	return p.scanPending(p.db.QueryRowContext(ctx, `
		SELECT payment_id, user_id, target_eur, expected_crypto, currency, is_purchase, snapshot, discount_code, created_at
		FROM pending_payments WHERE payment_id = $1
	`, paymentID))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanPending(row rowScanner) (*PendingPayment, error) {
	pp := &PendingPayment{}
	var target int64
	var expected string
	var snap []byte
	err := row.Scan(&pp.PaymentID, &pp.UserID, &target, &expected, &pp.Currency, &pp.IsPurchase, &snap, &pp.DiscountCode, &pp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	pp.TargetEUR = money.Amount(target)
	pp.ExpectedCrypto, err = decimal.NewFromString(expected)
	if err != nil {
		return nil, fmt.Errorf("corrupt expected_crypto %q: %w", expected, err)
	}
	if len(snap) > 0 {
		if err := json.Unmarshal(snap, &pp.Snapshot); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
	}
	return pp, nil
}

func (p *PostgresStore) RemovePendingPayment(ctx context.Context, paymentID string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM pending_payments WHERE payment_id = $1`, paymentID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *PostgresStore) PendingPaymentsOlderThan(ctx context.Context, cutoff time.Time) ([]*PendingPayment, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT payment_id, user_id, target_eur, expected_crypto, currency, is_purchase, snapshot, discount_code, created_at
		FROM pending_payments WHERE created_at < $1 ORDER BY created_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PendingPayment
	for rows.Next() {
		pp, err := p.scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pp)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Discount codes and reseller rules
// ---------------------------------------------------------------------------

func (p *PostgresStore) CreateDiscountCode(ctx context.Context, code *DiscountCode) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO discount_codes (code, kind, value, max_uses, uses_count, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, code.Code, code.Kind, code.Value, code.MaxUses, code.UsesCount, code.ExpiresAt, code.Active)
	return err
}

func (p *PostgresStore) GetDiscountCode(ctx context.Context, code string) (*DiscountCode, error) {
	c := &DiscountCode{}
	var maxUses sql.NullInt64
	var expires sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT code, kind, value, max_uses, uses_count, expires_at, active
		FROM discount_codes WHERE code = $1
	`, code).Scan(&c.Code, &c.Kind, &c.Value, &maxUses, &c.UsesCount, &expires, &c.Active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if maxUses.Valid {
		v := int(maxUses.Int64)
		c.MaxUses = &v
	}
	if expires.Valid {
		c.ExpiresAt = &expires.Time
	}
	return c, nil
}

func (p *PostgresStore) IncrementDiscountUse(ctx context.Context, code string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE discount_codes
		SET uses_count = uses_count + 1
		WHERE code = $1 AND (max_uses IS NULL OR uses_count < max_uses)
	`, code)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *PostgresStore) SetResellerRule(ctx context.Context, rule ResellerRule) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reseller_discounts (user_id, product_type, percent)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, product_type) DO UPDATE SET percent = $3
	`, rule.UserID, rule.ProductType, rule.Percent)
	return err
}

func (p *PostgresStore) ResellerDiscountPercent(ctx context.Context, userID int64, productType string) (int64, error) {
	var pct int64
	err := p.db.QueryRowContext(ctx, `
		SELECT r.percent
		FROM reseller_discounts r
		JOIN users u ON u.id = r.user_id AND u.is_reseller
		WHERE r.user_id = $1 AND r.product_type = $2
	`, userID, productType).Scan(&pct)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return pct, nil
}

// ---------------------------------------------------------------------------
// Purchases
// ---------------------------------------------------------------------------

func (p *PostgresStore) FinalizeBasket(ctx context.Context, userID int64, snapshot []BasketItem, discountCode string, now time.Time) (*FinalizeResult, error) {
	tx, err := p.serializable(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res := &FinalizeResult{}
	for _, item := range snapshot {
		r, err := tx.ExecContext(ctx, `
			UPDATE products SET available = available - 1 WHERE id = $1 AND available > 0
		`, item.ProductID)
		if err != nil {
			return nil, fmt.Errorf("decrement stock %d: %w", item.ProductID, err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			res.SkippedIDs = append(res.SkippedIDs, item.ProductID)
			continue
		}

		var pct int64
		err = tx.QueryRowContext(ctx, `
			SELECT r.percent FROM reseller_discounts r
			JOIN users u ON u.id = r.user_id AND u.is_reseller
			WHERE r.user_id = $1 AND r.product_type = $2
		`, userID, item.ProductType).Scan(&pct)
		if err != nil && err != sql.ErrNoRows {
			return nil, fmt.Errorf("reseller lookup: %w", err)
		}
		paid := item.Price - item.Price.PercentOff(pct)
		res.Items = append(res.Items, PurchasedItem{BasketItem: item, Paid: paid})
	}

	if len(res.Items) == 0 {
		return nil, ErrNothingFulfilled
	}

	// The conditional increment decides whether the code applies to this
	// purchase. A cap hit means the recorded prices stay undiscounted.
	if discountCode != "" {
		r, err := tx.ExecContext(ctx, `
			UPDATE discount_codes
			SET uses_count = uses_count + 1
			WHERE code = $1 AND (max_uses IS NULL OR uses_count < max_uses)
		`, discountCode)
		if err != nil {
			return nil, fmt.Errorf("increment discount use: %w", err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			res.CodeExhausted = true
		} else {
			code := &DiscountCode{}
			err := tx.QueryRowContext(ctx, `
				SELECT code, kind, value FROM discount_codes WHERE code = $1
			`, discountCode).Scan(&code.Code, &code.Kind, &code.Value)
			if err != nil {
				return nil, fmt.Errorf("load discount code: %w", err)
			}
			applyCodeToItems(code, res.Items)
		}
	}

	for _, it := range res.Items {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO purchases (user_id, product_id, name, product_type, size, city, district, price_paid, purchased_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, userID, it.ProductID, it.Name, it.ProductType, it.Size, it.City, it.District, int64(it.Paid), now)
		if err != nil {
			return nil, fmt.Errorf("insert purchase: %w", err)
		}
		res.Total += it.Paid
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users SET total_purchases = total_purchases + $2 WHERE id = $1
	`, userID, len(res.Items)); err != nil {
		return nil, fmt.Errorf("bump purchase counter: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE products SET reserved = 0
		WHERE id IN (SELECT product_id FROM basket_holds WHERE user_id = $1)
	`, userID); err != nil {
		return nil, fmt.Errorf("drop reserved flags: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM basket_holds WHERE user_id = $1`, userID); err != nil {
		return nil, fmt.Errorf("clear basket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func (p *PostgresStore) PurchasesByUser(ctx context.Context, userID int64, limit int) ([]*Purchase, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, user_id, product_id, name, product_type, size, city, district, price_paid, purchased_at
		FROM purchases WHERE user_id = $1 ORDER BY purchased_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Purchase
	for rows.Next() {
		pu := &Purchase{}
		var paid int64
		if err := rows.Scan(&pu.ID, &pu.UserID, &pu.ProductID, &pu.Name, &pu.ProductType, &pu.Size,
			&pu.City, &pu.District, &paid, &pu.At); err != nil {
			return nil, err
		}
		pu.PricePaid = money.Amount(paid)
		out = append(out, pu)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Admin audit log
// ---------------------------------------------------------------------------

func (p *PostgresStore) LogAdminAction(ctx context.Context, a *AdminAction) error {
	at := a.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO admin_log (admin_id, action, details, at) VALUES ($1, $2, $3, $4)
	`, a.AdminID, a.Action, a.Details, at)
	return err
}

func (p *PostgresStore) Close() error { return p.db.Close() }
