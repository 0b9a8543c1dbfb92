package bot

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okResponse(w http.ResponseWriter) {
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]any{}})
}

func apiError(w http.ResponseWriter, code int, desc string, retryAfter int) {
	body := map[string]any{"ok": false, "error_code": code, "description": desc}
	if retryAfter > 0 {
		body["parameters"] = map[string]any{"retry_after": retryAfter}
	}
	json.NewEncoder(w).Encode(body)
}

func TestSendMessage_OK(t *testing.T) {
	var path atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.Path)
		okResponse(w)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "123:token", slog.Default())
	require.NoError(t, c.SendMessage(context.Background(), 42, "hi"))
	assert.Equal(t, "/bot123:token/sendMessage", path.Load())
}

func TestSendMessage_RetryAfterSleepsAndRetriesOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			apiError(w, http.StatusTooManyRequests, "Too Many Requests", 2)
			return
		}
		okResponse(w)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", slog.Default())
	var slept time.Duration
	c.sleep = func(d time.Duration) { slept = d }

	require.NoError(t, c.SendMessage(context.Background(), 1, "hi"))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 3*time.Second, slept, "sleeps retry_after + 1")
}

func TestSendMessage_UnauthorizedDropsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		apiError(w, http.StatusUnauthorized, "Unauthorized", 0)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", slog.Default())
	err := c.SendMessage(context.Background(), 1, "hi")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, int32(1), calls.Load(), "no retry on unauthorized")
}

func TestSendMessage_BadRequestDropsImmediately(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		apiError(w, http.StatusBadRequest, "chat not found", 0)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", slog.Default())
	err := c.SendMessage(context.Background(), 1, "hi")
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendMessage_ExcessiveRetryAfterAbandoned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiError(w, http.StatusTooManyRequests, "flood", 600)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "t", slog.Default())
	c.sleep = func(time.Duration) { t.Fatal("must not sleep past the budget") }

	err := c.SendMessage(context.Background(), 1, "hi")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestDecodeCallback(t *testing.T) {
	tests := []struct {
		payload string
		kind    CommandKind
		args    []string
	}{
		{"home", CmdHome, nil},
		{"city|12", CmdCity, []string{"12"}},
		{"district|12|3", CmdDistrict, []string{"12", "3"}},
		{"confirm_pay", CmdConfirmPay, nil},
		{"adm_delete_prod|99", CmdAdmDeleteProd, []string{"99"}},
		{"apply_discount|X10", CmdApplyDiscount, []string{"X10"}},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			cmd, err := DecodeCallback(tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, cmd.Kind)
			if len(tt.args) > 0 {
				assert.Equal(t, tt.args, cmd.Args)
			}
		})
	}
}

func TestDecodeCallback_Unknown(t *testing.T) {
	for _, payload := range []string{"", "selfdestruct", "city", "city|1|2", "home|extra"} {
		_, err := DecodeCallback(payload)
		assert.ErrorIs(t, err, ErrUnknownCommand, "payload %q", payload)
	}
}
