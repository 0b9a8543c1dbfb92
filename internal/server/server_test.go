package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rvasily/streetmarket/internal/config"
	"github.com/rvasily/streetmarket/internal/money"
	"github.com/rvasily/streetmarket/internal/payments"
	"github.com/rvasily/streetmarket/internal/storage"
)

const testBotToken = "12345:TEST-TOKEN"

// stubProvider answers every provider call with fixed values.
type stubProvider struct {
	estimate decimal.Decimal
	spot     decimal.Decimal
	invoices int
}

func (p *stubProvider) Estimate(ctx context.Context, target money.Amount, currency string) (decimal.Decimal, error) {
	return p.estimate, nil
}

func (p *stubProvider) MinAmount(ctx context.Context, currency string) (decimal.Decimal, error) {
	return decimal.New(1, -8), nil
}

func (p *stubProvider) CreatePayment(ctx context.Context, amount decimal.Decimal, currency, orderID, description, callbackURL string) (*payments.Invoice, error) {
	p.invoices++
	return &payments.Invoice{
		PaymentID:  payments.FlexID(fmt.Sprintf("srvpay-%d", p.invoices)),
		PayAddress: "addr",
		PayAmount:  amount,
	}, nil
}

func (p *stubProvider) Status(ctx context.Context, paymentID string) (*payments.Status, error) {
	return nil, payments.ErrAPIRequestFailed
}

func (p *stubProvider) SpotPriceEUR(ctx context.Context, currency string) (decimal.Decimal, error) {
	return p.spot, nil
}

type testEnv struct {
	srv      *Server
	store    *storage.MemoryStore
	provider *stubProvider
	botAPI   *httptest.Server
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	// Fake platform API so replies and alerts go nowhere real.
	botAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{}})
	}))
	t.Cleanup(botAPI.Close)

	cfg := &config.Config{
		Port:             "8080",
		Env:              "development",
		BotToken:         testBotToken,
		BotAPIURL:        botAPI.URL,
		MediaDir:         t.TempDir(),
		MinDepositEUR:    "5.00",
		BasketTimeout:    15 * time.Minute,
		BasketSweepEvery: time.Minute,
		PendingSweepEvery: 10 * time.Minute,
		PendingMaxAge:    2 * time.Hour,
		AbandonedEvery:   3 * time.Minute,
		HTTPWriteTimeout: 30 * time.Second,
		RequestTimeout:   30 * time.Second,
	}
	if mutate != nil {
		mutate(cfg)
	}

	store := storage.NewMemoryStore()
	provider := &stubProvider{
		estimate: decimal.RequireFromString("0.001"),
		spot:     decimal.RequireFromString("12500"),
	}

	srv, err := New(cfg, WithStore(store), WithProvider(provider))
	require.NoError(t, err)
	return &testEnv{srv: srv, store: store, provider: provider, botAPI: botAPI}
}

func (e *testEnv) post(t *testing.T, path, contentType string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

// signInitData builds a valid init-data blob for the test bot token.
func signInitData(t *testing.T, userID int64) string {
	t.Helper()
	userJSON, err := json.Marshal(map[string]any{"id": userID, "language_code": "en"})
	require.NoError(t, err)

	values := url.Values{}
	values.Set("user", string(userJSON))
	values.Set("auth_date", "1700000000")

	keys := []string{"auth_date", "user"}
	check := ""
	for i, k := range keys {
		if i > 0 {
			check += "\n"
		}
		check += k + "=" + values.Get(k)
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(testBotToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(check))
	values.Set("hash", hex.EncodeToString(mac.Sum(nil)))

	return values.Encode()
}

func (e *testEnv) apiGet(t *testing.T, path string, userID int64) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-Init-Data", signInitData(t, userID))
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

func (e *testEnv) apiPost(t *testing.T, path string, userID int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Init-Data", signInitData(t, userID))
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Payment webhook
// ---------------------------------------------------------------------------

func TestWebhook_NonJSONRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.post(t, "/webhook", "text/plain", []byte("hello"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_MissingKeysRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.post(t, "/webhook", "application/json", []byte(`{"payment_id":"p1"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_UnknownPaymentStill200(t *testing.T) {
	e := newTestEnv(t, nil)
	body := []byte(`{"payment_id":"ghost","payment_status":"finished","pay_currency":"btc","actually_paid":"0.001"}`)
	w := e.post(t, "/webhook", "application/json", body, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "no_pending")
}

func TestWebhook_ChildIgnored(t *testing.T) {
	e := newTestEnv(t, nil)
	body := []byte(`{"payment_id":123,"payment_status":"finished","pay_currency":"btc","actually_paid":1,"parent_payment_id":99}`)
	w := e.post(t, "/webhook", "application/json", body, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored_child")
}

func TestWebhook_SignatureVerification(t *testing.T) {
	const secret = "ipn-secret"
	e := newTestEnv(t, func(cfg *config.Config) {
		cfg.VerifyIPN = true
		cfg.IPNSecret = secret
	})

	// The signed form is the sorted-keys, minimised re-serialisation.
	body := []byte(`{"payment_status":"finished","payment_id":"ghost","pay_currency":"btc","actually_paid":"0.001"}`)
	canonical := `{"actually_paid":"0.001","pay_currency":"btc","payment_id":"ghost","payment_status":"finished"}`
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write([]byte(canonical))
	sig := hex.EncodeToString(mac.Sum(nil))

	w := e.post(t, "/webhook", "application/json", body, map[string]string{"x-nowpayments-sig": sig})
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.post(t, "/webhook", "application/json", body, map[string]string{"x-nowpayments-sig": "deadbeef"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.post(t, "/webhook", "application/json", body, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// ---------------------------------------------------------------------------
// Browse API auth
// ---------------------------------------------------------------------------

func TestAPI_RequiresValidInitData(t *testing.T) {
	e := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	w := httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/profile", nil)
	req.Header.Set("X-Init-Data", "user=%7B%22id%22%3A7%7D&hash=bogus")
	w = httptest.NewRecorder()
	e.srv.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.apiGet(t, "/api/profile", 7)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"balance":"0.00"`)
}

func TestAPI_BannedUserForbidden(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := e.store.GetOrCreateUser(ctx, 9)
	require.NoError(t, err)
	require.NoError(t, e.store.SetUserBanned(ctx, 9, true))

	w := e.apiGet(t, "/api/profile", 9)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

// ---------------------------------------------------------------------------
// End to end: browse, reserve, invoice, callback
// ---------------------------------------------------------------------------

func TestAPI_BasketAndCryptoPurchaseFlow(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	id, err := e.store.InsertProduct(ctx, &storage.Product{
		City: "Riga", District: "Centrs", ProductType: "widget", Size: "M",
		Name: "widget M", Price: 1250, Text: "pickup", Available: 1,
	}, nil)
	require.NoError(t, err)

	// Reserve through the browse API.
	w := e.apiPost(t, "/api/basket/add", 7, map[string]any{"product_id": id})
	require.Equal(t, http.StatusOK, w.Code)

	// A second user cannot take the same row.
	w = e.apiPost(t, "/api/basket/add", 8, map[string]any{"product_id": id})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Create the invoice.
	w = e.apiPost(t, "/api/invoice", 7, map[string]any{"currency": "btc", "purchase": true})
	require.Equal(t, http.StatusOK, w.Code)
	var inv struct {
		PaymentID string `json:"payment_id"`
		PayAmount string `json:"pay_amount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &inv))
	require.NotEmpty(t, inv.PaymentID)

	// Exact payment arrives on the IPN endpoint.
	cb := fmt.Sprintf(`{"payment_id":"%s","payment_status":"finished","pay_currency":"btc","actually_paid":"%s"}`,
		inv.PaymentID, inv.PayAmount)
	w = e.post(t, "/webhook", "application/json", []byte(cb), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "purchase_delivered")

	// The sale is logged and the row is gone.
	purchases, err := e.store.PurchasesByUser(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, purchases, 1)
	assert.Equal(t, money.Amount(1250), purchases[0].PricePaid)
	_, err = e.store.GetProduct(ctx, id)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Replay is harmless.
	w = e.post(t, "/webhook", "application/json", []byte(cb), nil)
	assert.Contains(t, w.Body.String(), "no_pending")
}

func TestAPI_RefillBelowMinimumRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.apiPost(t, "/api/invoice", 7, map[string]any{"currency": "btc", "amount_eur": "2.00"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "minimum")
}

func TestAPI_BalanceCheckout(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	id, err := e.store.InsertProduct(ctx, &storage.Product{
		City: "Riga", District: "Centrs", ProductType: "widget", Size: "M",
		Name: "widget M", Price: 1000, Text: "pickup", Available: 1,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, e.store.CreditBalance(ctx, 7, 1500, "test refill"))

	w := e.apiPost(t, "/api/basket/add", 7, map[string]any{"product_id": id})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.apiPost(t, "/api/basket/checkout", 7, map[string]any{})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"charged":"10.00"`)

	u, err := e.store.GetUser(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, money.Amount(500), u.Balance)
}

func TestAPI_CheckoutInsufficientBalance(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()

	id, err := e.store.InsertProduct(ctx, &storage.Product{
		City: "Riga", District: "Centrs", ProductType: "widget", Size: "M",
		Name: "widget M", Price: 1000, Available: 1,
	}, nil)
	require.NoError(t, err)

	w := e.apiPost(t, "/api/basket/add", 7, map[string]any{"product_id": id})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.apiPost(t, "/api/basket/checkout", 7, map[string]any{})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

// ---------------------------------------------------------------------------
// Platform updates
// ---------------------------------------------------------------------------

func TestPlatformUpdate_InvalidJSON(t *testing.T) {
	e := newTestEnv(t, nil)
	w := e.post(t, "/telegram/"+testBotToken, "application/json", []byte("nope"), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPlatformUpdate_CallbackAddToBasket(t *testing.T) {
	e := newTestEnv(t, nil)
	ctx := context.Background()
	id, err := e.store.InsertProduct(ctx, &storage.Product{
		City: "Riga", District: "Centrs", ProductType: "widget", Size: "M",
		Name: "widget M", Price: 1000, Available: 1,
	}, nil)
	require.NoError(t, err)

	upd := fmt.Sprintf(`{"callback_query":{"from":{"id":7},"data":"add_to_basket|%d"}}`, id)
	w := e.post(t, "/telegram/"+testBotToken, "application/json", []byte(upd), nil)
	require.Equal(t, http.StatusOK, w.Code)

	holds, err := e.store.ListHolds(ctx, 7)
	require.NoError(t, err)
	assert.Len(t, holds, 1)
}
