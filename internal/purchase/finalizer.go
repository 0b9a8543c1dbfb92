// Package purchase converts reserved inventory into sales. It owns the
// only code path that consumes a reservation: the finalisation
// transaction plus the post-commit delivery and cleanup.
package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rvasily/streetmarket/internal/discount"
	"github.com/rvasily/streetmarket/internal/inventory"
	"github.com/rvasily/streetmarket/internal/metrics"
	"github.com/rvasily/streetmarket/internal/money"
	"github.com/rvasily/streetmarket/internal/storage"
	"github.com/rvasily/streetmarket/internal/traces"
)

// ErrInsufficientBalance surfaces a balance-checkout that could not cover
// the total.
var ErrInsufficientBalance = errors.New("purchase: insufficient balance")

// Deliverer sends purchased content to the user through the platform.
// Media goes first so the text receipt still arrives if a large upload
// fails.
type Deliverer interface {
	DeliverMedia(ctx context.Context, userID int64, media []storage.Media) error
	DeliverText(ctx context.Context, userID int64, text string) error
}

// Alerter reaches the primary operator out of band.
type Alerter interface {
	AlertOperator(ctx context.Context, message string)
}

// Service is the purchase finaliser.
type Service struct {
	store     storage.Store
	discounts *discount.Service
	inventory *inventory.Engine
	deliverer Deliverer
	alerter   Alerter
	mediaDir  string
	logger    *slog.Logger
}

// New creates a finaliser.
func New(store storage.Store, discounts *discount.Service, inv *inventory.Engine,
	deliverer Deliverer, alerter Alerter, mediaDir string, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		discounts: discounts,
		inventory: inv,
		deliverer: deliverer,
		alerter:   alerter,
		mediaDir:  mediaDir,
		logger:    logger,
	}
}

// FinalizeSnapshot runs the finalisation transaction for an already-paid
// snapshot and then delivers the goods. paymentID is empty for balance
// checkouts and set for crypto purchases; it only appears in logs.
//
// The transactional body either commits whole or not at all. Post-commit
// delivery failures never roll back the sale — payment is not reversible,
// so the failure is logged and alerted instead.
func (s *Service) FinalizeSnapshot(ctx context.Context, userID int64, snapshot []storage.BasketItem, discountCode, paymentID string) error {
	ctx, span := traces.StartSpan(ctx, "purchase.FinalizeSnapshot", traces.UserID(userID))
	defer span.End()

	if len(snapshot) == 0 {
		return fmt.Errorf("empty basket snapshot for user %d", userID)
	}

	start := time.Now()
	res, err := s.store.FinalizeBasket(ctx, userID, snapshot, discountCode, time.Now().UTC())
	metrics.FinalisationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.FinalisationsTotal.WithLabelValues("failed").Inc()
		return fmt.Errorf("finalize basket for user %d: %w", userID, err)
	}
	metrics.FinalisationsTotal.WithLabelValues("committed").Inc()

	for _, id := range res.SkippedIDs {
		// The user already paid for this row; partial fulfilment beats
		// refund churn, but the operator needs to know.
		s.logger.Error("CRITICAL: paid basket item could not be fulfilled",
			"user", userID, "product", id, "payment_id", paymentID)
		s.alerter.AlertOperator(ctx, fmt.Sprintf(
			"CRITICAL: product %d in paid basket of user %d was gone at finalisation (payment %s). Check stock and compensate manually.",
			id, userID, paymentID))
	}
	if res.CodeExhausted {
		s.logger.Warn("discount code cap reached during finalisation; purchase completed without increment",
			"user", userID, "code", discountCode)
	}

	s.logger.Info("purchase finalised",
		"user", userID, "items", len(res.Items), "skipped", len(res.SkippedIDs),
		"total", res.Total.Format(), "payment_id", paymentID)

	s.deliverAndCleanup(ctx, userID, res.Items)
	return nil
}

// deliverAndCleanup runs strictly after commit. Rows and blobs must stay
// on disk until the media has been sent.
func (s *Service) deliverAndCleanup(ctx context.Context, userID int64, items []storage.PurchasedItem) {
	ids := make([]int64, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}

	mediaByProduct, err := s.store.MediaForProducts(ctx, ids)
	if err != nil {
		s.logger.Error("failed to load media post-purchase", "user", userID, "error", err)
		mediaByProduct = nil
	}

	for _, it := range items {
		if media := mediaByProduct[it.ProductID]; len(media) > 0 {
			if err := s.deliverer.DeliverMedia(ctx, userID, media); err != nil {
				// The sale stands; the text receipt below is the fallback.
				s.logger.Error("media delivery failed",
					"user", userID, "product", it.ProductID, "error", err)
				s.alerter.AlertOperator(ctx, fmt.Sprintf(
					"Media delivery failed for product %d, user %d: %v", it.ProductID, userID, err))
			}
		}

		receipt := fmt.Sprintf("--- Item: %s %s ---\n\n%s", it.Name, it.Size, receiptText(it.Text))
		if err := s.deliverer.DeliverText(ctx, userID, receipt); err != nil {
			s.logger.Error("receipt delivery failed",
				"user", userID, "product", it.ProductID, "error", err)
			s.alerter.AlertOperator(ctx, fmt.Sprintf(
				"Receipt delivery failed for product %d, user %d: %v", it.ProductID, userID, err))
		}
	}

	// Only now are the rows and blobs safe to drop.
	if err := s.store.DeleteProducts(ctx, ids); err != nil {
		s.logger.Error("failed to delete sold product rows", "user", userID, "ids", ids, "error", err)
		return
	}
	for _, id := range ids {
		dir := filepath.Join(s.mediaDir, strconv.FormatInt(id, 10))
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("failed to remove media directory", "dir", dir, "error", err)
		}
	}
}

func receiptText(text string) string {
	if text == "" {
		return "(No specific pickup details provided)"
	}
	return text
}

// PayFromBalance is the balance-checkout wrapper: an atomic conditional
// debit, then the shared finalisation. The debit and the finalisation are
// separate transactions, so a finaliser failure is compensated with an
// explicit refund rather than a rollback.
func (s *Service) PayFromBalance(ctx context.Context, userID int64, snapshot []storage.BasketItem, discountCode string) (money.Amount, error) {
	ctx, span := traces.StartSpan(ctx, "purchase.PayFromBalance", traces.UserID(userID))
	defer span.End()

	total, err := s.discounts.BasketTotal(ctx, userID, snapshot)
	if err != nil {
		return 0, err
	}
	if discountCode != "" {
		final, err := s.discounts.Validate(ctx, discountCode, total, time.Now().UTC())
		if errors.Is(err, discount.ErrCodeInvalid) {
			// Treat a dead code as checkout at full price is NOT acceptable:
			// the user previewed a lower total. Surface it instead.
			return 0, err
		}
		if err != nil {
			return 0, err
		}
		total = final
	}

	if err := s.store.DebitBalanceIf(ctx, userID, total, "balance checkout"); err != nil {
		if errors.Is(err, storage.ErrInsufficientBalance) {
			if _, relErr := s.inventory.ReleaseAllForUser(ctx, userID); relErr != nil {
				s.logger.Error("failed to release basket after insufficient balance",
					"user", userID, "error", relErr)
			}
			return 0, ErrInsufficientBalance
		}
		return 0, fmt.Errorf("debit balance for user %d: %w", userID, err)
	}

	if err := s.FinalizeSnapshot(ctx, userID, snapshot, discountCode, ""); err != nil {
		// Compensating credit: the debit already happened.
		if refundErr := s.store.CreditBalance(ctx, userID, total, "checkout refund"); refundErr != nil {
			s.logger.Error("CRITICAL: refund after failed finalisation also failed",
				"user", userID, "amount", total.Format(), "error", refundErr)
			s.alerter.AlertOperator(ctx, fmt.Sprintf(
				"CRITICAL: user %d was debited %s EUR, finalisation failed, and the refund failed too: %v. Manual intervention required.",
				userID, total.Format(), refundErr))
		}
		return 0, err
	}

	return total, nil
}
