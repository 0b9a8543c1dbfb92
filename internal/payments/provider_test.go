package payments

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Estimate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/estimate", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		q := r.URL.Query()
		assert.Equal(t, "12.50", q.Get("amount"))
		assert.Equal(t, "eur", q.Get("currency_from"))
		assert.Equal(t, "btc", q.Get("currency_to"))
		json.NewEncoder(w).Encode(map[string]any{"estimated_amount": "0.00052"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	est, err := c.Estimate(context.Background(), 1250, "BTC")
	require.NoError(t, err)
	assert.Equal(t, "0.00052", est.String())
}

func TestClient_CreatePayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/payment", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "btc", body["pay_currency"])
		assert.Equal(t, true, body["is_fixed_rate"])
		json.NewEncoder(w).Encode(map[string]any{
			"payment_id":  "pid-1",
			"pay_address": "bc1qexample",
			"pay_amount":  "0.00052",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "test-key")
	inv, err := c.CreatePayment(context.Background(), decimal.RequireFromString("0.00052"), "btc", "order-1", "desc", "https://cb")
	require.NoError(t, err)
	assert.Equal(t, "pid-1", string(inv.PaymentID))
	assert.Equal(t, "bc1qexample", inv.PayAddress)
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, `{}`, ErrAPIKeyInvalid},
		{"forbidden", http.StatusForbidden, `{}`, ErrAPIKeyInvalid},
		{"bad currency", http.StatusBadRequest, `{"message":"currency not found"}`, ErrCurrencyNotSupported},
		{"server error", http.StatusInternalServerError, `{}`, ErrAPIRequestFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(srv.URL, "k")
			_, err := c.Status(context.Background(), "pid")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClient_StatusPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payment/pid-9", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"payment_id":     "pid-9",
			"payment_status": "partially_paid",
			"pay_currency":   "btc",
			"actually_paid":  0.00026,
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "k")
	st, err := c.Status(context.Background(), "pid-9")
	require.NoError(t, err)
	assert.Equal(t, "partially_paid", st.PaymentStatus)
	assert.Equal(t, "0.00026", st.ActuallyPaid.String())
}
