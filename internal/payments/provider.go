// Package payments orchestrates provider invoices and their asynchronous
// callbacks: creation, correlation through pending-payment records, and
// exactly-once finalisation of purchases and refills.
package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rvasily/streetmarket/internal/money"
)

var (
	// ErrAPIKeyInvalid means the provider rejected our credentials.
	ErrAPIKeyInvalid = errors.New("payments: provider api key invalid")
	// ErrAPITimeout means the provider call timed out.
	ErrAPITimeout = errors.New("payments: provider request timed out")
	// ErrAPIRequestFailed covers any other provider failure.
	ErrAPIRequestFailed = errors.New("payments: provider request failed")
	// ErrCurrencyNotSupported means the provider does not quote this currency.
	ErrCurrencyNotSupported = errors.New("payments: currency not supported")
)

// FlexID is a payment id that the provider serialises sometimes as a
// JSON string and sometimes as a bare number.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	*f = FlexID(b)
	return nil
}

// Invoice is the provider's response to a payment creation request.
type Invoice struct {
	PaymentID   FlexID          `json:"payment_id"`
	PayAddress  string          `json:"pay_address"`
	PayAmount   decimal.Decimal `json:"pay_amount"`
	PayCurrency string          `json:"pay_currency"`
	ExpiresAt   string          `json:"expiration_estimate_date,omitempty"`
}

// Status is the provider's view of a payment, as returned by the status
// endpoint and by IPN callbacks.
type Status struct {
	PaymentID       FlexID          `json:"payment_id"`
	PaymentStatus   string          `json:"payment_status"`
	PayCurrency     string          `json:"pay_currency"`
	ActuallyPaid    decimal.Decimal `json:"actually_paid"`
	ParentPaymentID FlexID          `json:"parent_payment_id,omitempty"`
}

// Provider is the payment processor's API surface the orchestrator needs.
type Provider interface {
	// Estimate converts a EUR target into the crypto amount to request.
	Estimate(ctx context.Context, target money.Amount, currency string) (decimal.Decimal, error)
	// MinAmount returns the provider's per-currency payment minimum.
	MinAmount(ctx context.Context, currency string) (decimal.Decimal, error)
	// CreatePayment requests an invoice at the given crypto amount.
	CreatePayment(ctx context.Context, amount decimal.Decimal, currency, orderID, description, callbackURL string) (*Invoice, error)
	// Status fetches the current payment state.
	Status(ctx context.Context, paymentID string) (*Status, error)
	// SpotPriceEUR returns the EUR value of one unit of the currency.
	SpotPriceEUR(ctx context.Context, currency string) (decimal.Decimal, error)
}

// Client talks to a NOWPayments-compatible REST API.
type Client struct {
	baseURL string
	apiKey  string
	// Separate clients because creation tolerates a longer deadline than
	// estimate/status.
	queryHTTP  *http.Client
	createHTTP *http.Client
}

// NewClient creates a provider client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		queryHTTP:  &http.Client{Timeout: 15 * time.Second},
		createHTTP: &http.Client{Timeout: 20 * time.Second},
	}
}

func (c *Client) Estimate(ctx context.Context, target money.Amount, currency string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("amount", target.Format())
	q.Set("currency_from", "eur")
	q.Set("currency_to", strings.ToLower(currency))

	var resp struct {
		EstimatedAmount decimal.Decimal `json:"estimated_amount"`
	}
	if err := c.getJSON(ctx, "/v1/estimate?"+q.Encode(), &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.EstimatedAmount, nil
}

func (c *Client) MinAmount(ctx context.Context, currency string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("currency_from", strings.ToLower(currency))
	q.Set("currency_to", strings.ToLower(currency))

	var resp struct {
		MinAmount decimal.Decimal `json:"min_amount"`
	}
	if err := c.getJSON(ctx, "/v1/min-amount?"+q.Encode(), &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.MinAmount, nil
}

func (c *Client) CreatePayment(ctx context.Context, amount decimal.Decimal, currency, orderID, description, callbackURL string) (*Invoice, error) {
	payload := map[string]any{
		"price_amount":     amount,
		"price_currency":   strings.ToLower(currency),
		"pay_currency":     strings.ToLower(currency),
		"order_id":         orderID,
		"order_description": description,
		"is_fixed_rate":    true,
	}
	if callbackURL != "" {
		payload["ipn_callback_url"] = callbackURL
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/payment", strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.createHTTP.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return nil, err
	}

	var inv Invoice
	if err := json.NewDecoder(resp.Body).Decode(&inv); err != nil {
		return nil, fmt.Errorf("%w: decode invoice: %v", ErrAPIRequestFailed, err)
	}
	if inv.PaymentID == "" {
		return nil, fmt.Errorf("%w: invoice missing payment_id", ErrAPIRequestFailed)
	}
	return &inv, nil
}

func (c *Client) Status(ctx context.Context, paymentID string) (*Status, error) {
	var st Status
	if err := c.getJSON(ctx, "/v1/payment/"+url.PathEscape(paymentID), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) SpotPriceEUR(ctx context.Context, currency string) (decimal.Decimal, error) {
	q := url.Values{}
	q.Set("amount", "1")
	q.Set("currency_from", strings.ToLower(currency))
	q.Set("currency_to", "eur")

	var resp struct {
		EstimatedAmount decimal.Decimal `json:"estimated_amount"`
	}
	if err := c.getJSON(ctx, "/v1/estimate?"+q.Encode(), &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.EstimatedAmount, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-api-key", c.apiKey)

	resp, err := c.queryHTTP.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrAPIRequestFailed, err)
	}
	return nil
}

func classifyTransportError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return ErrAPITimeout
	}
	return fmt.Errorf("%w: %v", ErrAPIRequestFailed, err)
}

func classifyStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrAPIKeyInvalid
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(string(body)), "currency") {
		return ErrCurrencyNotSupported
	}
	return fmt.Errorf("%w: status %d: %s", ErrAPIRequestFailed, resp.StatusCode, string(body))
}
