package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// handlePaymentWebhook is the provider's IPN endpoint. The raw body is
// the canonical input for signature verification; a well-formed request
// always gets 200, even when the business-level work was a no-op, so
// provider retries don't hammer the log.
func (s *Server) handlePaymentWebhook(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.String(http.StatusBadRequest, "cannot read body")
		return
	}

	if s.cfg.VerifyIPN {
		sig := c.GetHeader("x-nowpayments-sig")
		if !verifyIPNSignature(raw, sig, s.cfg.IPNSecret) {
			s.logger.Warn("rejected IPN with bad signature", "have_sig", sig != "")
			c.String(http.StatusForbidden, "invalid signature")
			return
		}
	}

	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		s.logger.Warn("IPN with non-JSON body")
		c.String(http.StatusBadRequest, "invalid request: not JSON")
		return
	}
	for _, key := range []string{"payment_id", "payment_status", "pay_currency", "actually_paid"} {
		if _, ok := payload[key]; !ok {
			s.logger.Warn("IPN missing required key", "key", key)
			c.String(http.StatusBadRequest, "missing required keys")
			return
		}
	}

	var cb callbackBody
	if err := json.Unmarshal(raw, &cb); err != nil {
		c.String(http.StatusBadRequest, "malformed fields")
		return
	}

	result, err := s.orchestrator.HandleCallback(c.Request.Context(), cb.toCallback())
	if err != nil {
		// Business-level trouble is logged and alerted inside the
		// orchestrator; the provider still gets its 200.
		s.logger.Error("callback processing error", "payment_id", string(cb.PaymentID), "error", err)
	}
	c.String(http.StatusOK, string(result))
}

// verifyIPNSignature checks HMAC-SHA512 over the sorted-keys,
// separator-minimised re-serialisation of the JSON body.
func verifyIPNSignature(raw []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	canonical, ok := canonicalJSON(raw)
	if !ok {
		return false
	}
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(canonical)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// canonicalJSON re-encodes the JSON body with sorted keys (recursively)
// and no whitespace, matching the provider's signing convention.
// json.Number keeps numeric literals byte-identical across the round
// trip; encoding/json already sorts map keys and minimises separators.
func canonicalJSON(raw []byte) ([]byte, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var obj any
	if err := dec.Decode(&obj); err != nil {
		return nil, false
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, false
	}
	return out, true
}
