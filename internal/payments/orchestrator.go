package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rvasily/streetmarket/internal/discount"
	"github.com/rvasily/streetmarket/internal/inventory"
	"github.com/rvasily/streetmarket/internal/metrics"
	"github.com/rvasily/streetmarket/internal/money"
	"github.com/rvasily/streetmarket/internal/storage"
	"github.com/rvasily/streetmarket/internal/traces"
)

var (
	// ErrDiscountInvalid means the code failed re-validation at checkout.
	ErrDiscountInvalid = errors.New("payments: discount code invalid")
	// ErrDiscountMismatch means the re-computed total disagrees with the
	// amount the caller previewed (outside the 1-cent tolerance).
	ErrDiscountMismatch = errors.New("payments: discount total mismatch")
)

// AmountTooLowError reports a target below the provider's per-currency
// minimum, with the minimum in both crypto and EUR for display.
type AmountTooLowError struct {
	Currency  string
	MinCrypto decimal.Decimal
	MinEUR    money.Amount // zero when the spot lookup failed
	Estimated decimal.Decimal
}

func (e *AmountTooLowError) Error() string {
	return fmt.Sprintf("payments: amount too low: %s %s < minimum %s", e.Estimated, e.Currency, e.MinCrypto)
}

// InvoiceRequest describes an invoice to create. FinalEUR must already
// account for every discount.
type InvoiceRequest struct {
	UserID       int64
	FinalEUR     money.Amount
	Currency     string
	IsPurchase   bool
	Snapshot     []storage.BasketItem
	DiscountCode string
}

// InvoiceDescriptor is what the UI shows the user.
type InvoiceDescriptor struct {
	PaymentID  string
	PayAddress string
	PayAmount  decimal.Decimal
	Currency   string
	TargetEUR  money.Amount
	ExpiresAt  string
}

// Callback is the provider's asynchronous payment notification. The same
// shape serves the IPN webhook and the manual status probe.
type Callback struct {
	PaymentID       string          `json:"payment_id"`
	PaymentStatus   string          `json:"payment_status"`
	PayCurrency     string          `json:"pay_currency"`
	ActuallyPaid    decimal.Decimal `json:"actually_paid"`
	ParentPaymentID string          `json:"parent_payment_id,omitempty"`
}

// Result classifies what a callback did. Every result is an acknowledged
// outcome — the webhook returns 200 for all of them.
type Result string

const (
	ResultIgnoredChild       Result = "ignored_child"
	ResultNoPending          Result = "no_pending"
	ResultZeroPaid           Result = "zero_paid"
	ResultCurrencyMismatch   Result = "currency_mismatch"
	ResultUnprocessable      Result = "unprocessable"
	ResultPurchaseDelivered  Result = "purchase_delivered"
	ResultPurchaseOverpaid   Result = "purchase_overpaid"
	ResultPurchaseUnderpaid  Result = "purchase_underpaid"
	ResultRefillCredited     Result = "refill_credited"
	ResultCancelled          Result = "cancelled"
	ResultFinalizeFailed     Result = "finalize_failed"
	ResultCreditFailed       Result = "credit_failed"
	ResultIgnored            Result = "ignored"
)

// Finalizer is the purchase service's surface the orchestrator needs.
type Finalizer interface {
	FinalizeSnapshot(ctx context.Context, userID int64, snapshot []storage.BasketItem, discountCode, paymentID string) error
}

// Notifier delivers user-facing payment outcomes and operator alerts
// through the outbound boundary adapter.
type Notifier interface {
	PaymentCancelled(ctx context.Context, userID int64, paymentID string, wasPurchase bool)
	PurchaseUnderpaid(ctx context.Context, userID int64, needed, credited money.Amount)
	PurchaseOverpaid(ctx context.Context, userID int64, credited money.Amount)
	RefillCredited(ctx context.Context, userID int64, credited money.Amount)
	AlertOperator(ctx context.Context, message string)
}

// Orchestrator creates invoices and applies callbacks exactly once.
type Orchestrator struct {
	store       storage.Store
	provider    Provider
	discounts   *discount.Service
	inventory   *inventory.Engine
	finalizer   Finalizer
	notifier    Notifier
	callbackURL string
	logger      *slog.Logger
}

// New creates a payment orchestrator.
func New(store storage.Store, provider Provider, discounts *discount.Service,
	inv *inventory.Engine, finalizer Finalizer, notifier Notifier,
	callbackURL string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:       store,
		provider:    provider,
		discounts:   discounts,
		inventory:   inv,
		finalizer:   finalizer,
		notifier:    notifier,
		callbackURL: callbackURL,
		logger:      logger,
	}
}

// discountTolerance is the rounding slack allowed between the previewed
// total and the recomputed one.
const discountTolerance = money.Amount(1)

// CreateInvoice obtains an estimate, requests the invoice, and records
// the pending payment. The pending write is part of success: if it
// fails, the caller must treat the invoice as never created.
func (o *Orchestrator) CreateInvoice(ctx context.Context, req InvoiceRequest) (*InvoiceDescriptor, error) {
	ctx, span := traces.StartSpan(ctx, "payments.CreateInvoice",
		traces.UserID(req.UserID), traces.Amount(req.FinalEUR.Format()))
	defer span.End()

	// Re-validate the discount right before creation. The code may have
	// been consumed or amended since the preview.
	if req.IsPurchase && req.DiscountCode != "" {
		total, err := o.discounts.BasketTotal(ctx, req.UserID, req.Snapshot)
		if err != nil {
			return nil, err
		}
		final, err := o.discounts.Validate(ctx, req.DiscountCode, total, time.Now().UTC())
		if errors.Is(err, discount.ErrCodeInvalid) {
			metrics.InvoicesTotal.WithLabelValues("discount_invalid").Inc()
			return nil, ErrDiscountInvalid
		}
		if err != nil {
			return nil, err
		}
		diff := final - req.FinalEUR
		if diff < -discountTolerance || diff > discountTolerance {
			o.logger.Warn("discount total mismatch at invoice creation",
				"user", req.UserID, "code", req.DiscountCode,
				"expected", final.Format(), "received", req.FinalEUR.Format())
			metrics.InvoicesTotal.WithLabelValues("discount_mismatch").Inc()
			return nil, ErrDiscountMismatch
		}
	}

	estimated, err := o.provider.Estimate(ctx, req.FinalEUR, req.Currency)
	if err != nil {
		metrics.InvoicesTotal.WithLabelValues("estimate_failed").Inc()
		return nil, err
	}

	minAmount, err := o.provider.MinAmount(ctx, req.Currency)
	if err != nil {
		metrics.InvoicesTotal.WithLabelValues("min_amount_failed").Inc()
		return nil, err
	}
	if estimated.LessThan(minAmount) {
		tooLow := &AmountTooLowError{
			Currency:  strings.ToUpper(req.Currency),
			MinCrypto: minAmount,
			Estimated: estimated,
		}
		// Best-effort EUR equivalent of the minimum for display.
		if spot, err := o.provider.SpotPriceEUR(ctx, req.Currency); err == nil && spot.IsPositive() {
			tooLow.MinEUR = toCentsRoundUp(minAmount.Mul(spot))
		}
		metrics.InvoicesTotal.WithLabelValues("amount_too_low").Inc()
		return nil, tooLow
	}

	kind, description := "REFILL", "Balance top-up"
	if req.IsPurchase {
		kind, description = "PURCHASE", "Basket purchase"
	}
	orderID := fmt.Sprintf("USER%d_%s_%d_%s", req.UserID, kind, time.Now().Unix(), uuid.NewString()[:6])
	description = fmt.Sprintf("%s for user %d (~%s EUR)", description, req.UserID, req.FinalEUR.Format())

	invoice, err := o.provider.CreatePayment(ctx, estimated, req.Currency, orderID, description, o.callbackURL)
	if err != nil {
		metrics.InvoicesTotal.WithLabelValues("create_failed").Inc()
		return nil, err
	}

	pending := &storage.PendingPayment{
		PaymentID:      string(invoice.PaymentID),
		UserID:         req.UserID,
		TargetEUR:      req.FinalEUR,
		ExpectedCrypto: invoice.PayAmount,
		Currency:       strings.ToLower(req.Currency),
		IsPurchase:     req.IsPurchase,
		Snapshot:       req.Snapshot,
		DiscountCode:   req.DiscountCode,
		CreatedAt:      time.Now().UTC(),
	}
	if err := o.store.PutPendingPayment(ctx, pending); err != nil {
		// An invoice without a pending record can never be correlated:
		// surface the failure so the caller treats creation as failed.
		o.logger.Error("failed to record pending payment",
			"payment_id", invoice.PaymentID, "user", req.UserID, "error", err)
		metrics.InvoicesTotal.WithLabelValues("record_failed").Inc()
		return nil, fmt.Errorf("record pending payment: %w", err)
	}

	metrics.InvoicesTotal.WithLabelValues("created").Inc()
	o.logger.Info("invoice created",
		"payment_id", invoice.PaymentID, "user", req.UserID,
		"target_eur", req.FinalEUR.Format(), "pay_amount", invoice.PayAmount.String(),
		"currency", req.Currency, "purchase", req.IsPurchase)

	return &InvoiceDescriptor{
		PaymentID:  string(invoice.PaymentID),
		PayAddress: invoice.PayAddress,
		PayAmount:  invoice.PayAmount,
		Currency:   strings.ToLower(req.Currency),
		TargetEUR:  req.FinalEUR,
		ExpiresAt:  invoice.ExpiresAt,
	}, nil
}

// HandleCallback dispatches one provider notification. Idempotency key is
// the payment id: every side effect is gated on the pending record, and
// removing it is the linearisation point, so replays are harmless.
func (o *Orchestrator) HandleCallback(ctx context.Context, cb Callback) (Result, error) {
	ctx, span := traces.StartSpan(ctx, "payments.HandleCallback", traces.PaymentID(cb.PaymentID))
	defer span.End()

	res, err := o.dispatch(ctx, cb)
	metrics.PaymentsTotal.WithLabelValues(string(res)).Inc()
	return res, err
}

func (o *Orchestrator) dispatch(ctx context.Context, cb Callback) (Result, error) {
	if cb.ParentPaymentID != "" {
		o.logger.Info("ignoring child payment notification",
			"payment_id", cb.PaymentID, "parent", cb.ParentPaymentID)
		return ResultIgnoredChild, nil
	}

	switch cb.PaymentStatus {
	case "finished", "confirmed", "partially_paid":
		return o.handlePaid(ctx, cb)
	case "failed", "expired", "refunded":
		return o.handleTerminalFailure(ctx, cb)
	default:
		o.logger.Debug("ignoring callback status",
			"payment_id", cb.PaymentID, "status", cb.PaymentStatus)
		return ResultIgnored, nil
	}
}

func (o *Orchestrator) handlePaid(ctx context.Context, cb Callback) (Result, error) {
	if !cb.ActuallyPaid.IsPositive() {
		o.logger.Warn("callback with zero actually_paid", "payment_id", cb.PaymentID, "status", cb.PaymentStatus)
		if cb.PaymentStatus != "confirmed" {
			// A final zero-paid update; nothing will ever arrive for it.
			if _, err := o.store.RemovePendingPayment(ctx, cb.PaymentID); err != nil {
				o.logger.Error("failed to remove zero-paid pending record", "payment_id", cb.PaymentID, "error", err)
			}
		}
		return ResultZeroPaid, nil
	}

	pending, err := o.store.GetPendingPayment(ctx, cb.PaymentID)
	if errors.Is(err, storage.ErrNotFound) {
		// Already processed or spurious: acknowledge and ignore.
		return ResultNoPending, nil
	}
	if err != nil {
		return ResultUnprocessable, fmt.Errorf("load pending payment: %w", err)
	}

	if !strings.EqualFold(pending.Currency, cb.PayCurrency) {
		o.logger.Error("callback currency mismatch",
			"payment_id", cb.PaymentID, "stored", pending.Currency, "received", cb.PayCurrency)
		if _, err := o.store.RemovePendingPayment(ctx, cb.PaymentID); err != nil {
			o.logger.Error("failed to remove mismatched pending record", "payment_id", cb.PaymentID, "error", err)
		}
		return ResultCurrencyMismatch, nil
	}

	paidEUR, ok := o.paidEUREquivalent(ctx, cb, pending)
	if !ok {
		if _, err := o.store.RemovePendingPayment(ctx, cb.PaymentID); err != nil {
			o.logger.Error("failed to remove unprocessable pending record", "payment_id", cb.PaymentID, "error", err)
		}
		return ResultUnprocessable, nil
	}

	o.logger.Info("processing paid callback",
		"payment_id", cb.PaymentID, "user", pending.UserID, "status", cb.PaymentStatus,
		"actually_paid", cb.ActuallyPaid.String(), "currency", cb.PayCurrency,
		"paid_eur", paidEUR.Format(), "target_eur", pending.TargetEUR.Format())

	if pending.IsPurchase {
		return o.settlePurchase(ctx, cb, pending, paidEUR)
	}
	return o.settleRefill(ctx, cb, pending, paidEUR)
}

func (o *Orchestrator) settlePurchase(ctx context.Context, cb Callback, pending *storage.PendingPayment, paidEUR money.Amount) (Result, error) {
	if cb.ActuallyPaid.GreaterThanOrEqual(pending.ExpectedCrypto) {
		if err := o.finalizer.FinalizeSnapshot(ctx, pending.UserID, pending.Snapshot, pending.DiscountCode, pending.PaymentID); err != nil {
			// Money has moved but inventory has not. Keep the pending record
			// so the situation stays discoverable and alert the operator.
			o.logger.Error("CRITICAL: paid purchase failed to finalize",
				"payment_id", pending.PaymentID, "user", pending.UserID, "error", err)
			o.notifier.AlertOperator(ctx, fmt.Sprintf(
				"CRITICAL: purchase %s paid by user %d but failed to finalize: %v. Pending record kept; manual intervention required.",
				pending.PaymentID, pending.UserID, err))
			return ResultFinalizeFailed, nil
		}

		result := ResultPurchaseDelivered
		if overage := paidEUR - pending.TargetEUR; overage > 0 {
			if err := o.store.CreditBalance(ctx, pending.UserID, overage, "overpayment "+pending.PaymentID); err != nil {
				o.logger.Error("CRITICAL: failed to credit overpayment",
					"payment_id", pending.PaymentID, "user", pending.UserID,
					"amount", overage.Format(), "error", err)
				o.notifier.AlertOperator(ctx, fmt.Sprintf(
					"CRITICAL: failed to credit overpayment of %s EUR for purchase %s user %d. Manual check needed.",
					overage.Format(), pending.PaymentID, pending.UserID))
			} else {
				o.notifier.PurchaseOverpaid(ctx, pending.UserID, overage)
				result = ResultPurchaseOverpaid
			}
		}

		if _, err := o.store.RemovePendingPayment(ctx, pending.PaymentID); err != nil {
			o.logger.Error("failed to remove pending record after delivery",
				"payment_id", pending.PaymentID, "error", err)
		}
		return result, nil
	}

	// Underpayment: no delivery. Credit what arrived, release the holds,
	// tell the user.
	if err := o.store.CreditBalance(ctx, pending.UserID, paidEUR, "underpayment "+pending.PaymentID); err != nil {
		o.logger.Error("CRITICAL: failed to credit underpayment",
			"payment_id", pending.PaymentID, "user", pending.UserID,
			"amount", paidEUR.Format(), "error", err)
		o.notifier.AlertOperator(ctx, fmt.Sprintf(
			"CRITICAL: failed to credit underpayment of %s EUR for purchase %s user %d. Pending record kept; manual check needed.",
			paidEUR.Format(), pending.PaymentID, pending.UserID))
		return ResultCreditFailed, nil
	}

	o.inventory.ReleaseSnapshot(ctx, pending.UserID, pending.Snapshot)
	o.notifier.PurchaseUnderpaid(ctx, pending.UserID, pending.TargetEUR, paidEUR)

	if _, err := o.store.RemovePendingPayment(ctx, pending.PaymentID); err != nil {
		o.logger.Error("failed to remove pending record after underpayment",
			"payment_id", pending.PaymentID, "error", err)
	}
	return ResultPurchaseUnderpaid, nil
}

func (o *Orchestrator) settleRefill(ctx context.Context, cb Callback, pending *storage.PendingPayment, paidEUR money.Amount) (Result, error) {
	if paidEUR <= 0 {
		o.logger.Warn("refill resolves to zero EUR, removing pending record",
			"payment_id", pending.PaymentID, "user", pending.UserID)
		if _, err := o.store.RemovePendingPayment(ctx, pending.PaymentID); err != nil {
			o.logger.Error("failed to remove zero-credit pending record", "payment_id", pending.PaymentID, "error", err)
		}
		return ResultZeroPaid, nil
	}

	if err := o.store.CreditBalance(ctx, pending.UserID, paidEUR, "refill "+pending.PaymentID); err != nil {
		o.logger.Error("CRITICAL: failed to credit refill",
			"payment_id", pending.PaymentID, "user", pending.UserID,
			"amount", paidEUR.Format(), "error", err)
		o.notifier.AlertOperator(ctx, fmt.Sprintf(
			"CRITICAL: failed to credit refill of %s EUR for payment %s user %d. Pending record kept.",
			paidEUR.Format(), pending.PaymentID, pending.UserID))
		return ResultCreditFailed, nil
	}

	o.notifier.RefillCredited(ctx, pending.UserID, paidEUR)
	if _, err := o.store.RemovePendingPayment(ctx, pending.PaymentID); err != nil {
		o.logger.Error("failed to remove pending record after refill",
			"payment_id", pending.PaymentID, "error", err)
	}
	return ResultRefillCredited, nil
}

func (o *Orchestrator) handleTerminalFailure(ctx context.Context, cb Callback) (Result, error) {
	pending, err := o.store.GetPendingPayment(ctx, cb.PaymentID)
	if errors.Is(err, storage.ErrNotFound) {
		return ResultNoPending, nil
	}
	if err != nil {
		return ResultUnprocessable, fmt.Errorf("load pending payment: %w", err)
	}

	o.logger.Warn("payment reached terminal failure state",
		"payment_id", cb.PaymentID, "user", pending.UserID, "status", cb.PaymentStatus)

	if _, err := o.store.RemovePendingPayment(ctx, cb.PaymentID); err != nil {
		o.logger.Error("failed to remove failed pending record", "payment_id", cb.PaymentID, "error", err)
		return ResultUnprocessable, nil
	}
	if pending.IsPurchase {
		o.inventory.ReleaseSnapshot(ctx, pending.UserID, pending.Snapshot)
	}
	o.notifier.PaymentCancelled(ctx, pending.UserID, pending.PaymentID, pending.IsPurchase)
	return ResultCancelled, nil
}

// CheckStatus is the manual "check now" probe: fetch the provider's view
// and run the same dispatch as a callback.
func (o *Orchestrator) CheckStatus(ctx context.Context, paymentID string) (Result, error) {
	st, err := o.provider.Status(ctx, paymentID)
	if err != nil {
		return ResultUnprocessable, err
	}
	return o.HandleCallback(ctx, Callback{
		PaymentID:       string(st.PaymentID),
		PaymentStatus:   st.PaymentStatus,
		PayCurrency:     st.PayCurrency,
		ActuallyPaid:    st.ActuallyPaid,
		ParentPaymentID: string(st.ParentPaymentID),
	})
}

// ExpirePending removes pending records older than maxAge, releasing the
// reserved items of stale purchases and notifying their users. Used by
// the background sweeper; per-row failures are logged and skipped.
func (o *Orchestrator) ExpirePending(ctx context.Context, now time.Time, maxAge time.Duration) (int, error) {
	stale, err := o.store.PendingPaymentsOlderThan(ctx, now.Add(-maxAge))
	if err != nil {
		return 0, fmt.Errorf("list stale pending payments: %w", err)
	}

	expired := 0
	for _, pending := range stale {
		removed, err := o.store.RemovePendingPayment(ctx, pending.PaymentID)
		if err != nil {
			o.logger.Error("failed to remove stale pending payment",
				"payment_id", pending.PaymentID, "error", err)
			continue
		}
		if !removed {
			// A live callback beat us to it.
			continue
		}
		expired++
		if pending.IsPurchase {
			o.inventory.ReleaseSnapshot(ctx, pending.UserID, pending.Snapshot)
		}
		o.notifier.PaymentCancelled(ctx, pending.UserID, pending.PaymentID, pending.IsPurchase)
		o.logger.Info("expired stale pending payment",
			"payment_id", pending.PaymentID, "user", pending.UserID,
			"age", now.Sub(pending.CreatedAt).String())
	}
	return expired, nil
}

// paidEUREquivalent converts the paid crypto amount to EUR, preferring
// the real-time spot price and falling back to the proportional method.
// Returns false when neither conversion is possible.
func (o *Orchestrator) paidEUREquivalent(ctx context.Context, cb Callback, pending *storage.PendingPayment) (money.Amount, bool) {
	if spot, err := o.provider.SpotPriceEUR(ctx, cb.PayCurrency); err == nil && spot.IsPositive() {
		return toCentsRoundHalfUp(cb.ActuallyPaid.Mul(spot)), true
	}
	o.logger.Warn("spot price unavailable, using proportional conversion",
		"payment_id", cb.PaymentID, "currency", cb.PayCurrency)

	if !pending.ExpectedCrypto.IsPositive() {
		o.logger.Error("cannot compute EUR equivalent: expected crypto amount is zero",
			"payment_id", cb.PaymentID)
		return 0, false
	}
	target := decimal.New(int64(pending.TargetEUR), -2)
	eur := cb.ActuallyPaid.Div(pending.ExpectedCrypto).Mul(target)
	return toCentsRoundHalfUp(eur), true
}

func toCentsRoundHalfUp(eur decimal.Decimal) money.Amount {
	return money.Amount(eur.Round(2).Shift(2).IntPart())
}

func toCentsRoundUp(eur decimal.Decimal) money.Amount {
	return money.Amount(eur.RoundCeil(2).Shift(2).IntPart())
}
