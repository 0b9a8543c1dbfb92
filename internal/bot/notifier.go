package bot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rvasily/streetmarket/internal/money"
	"github.com/rvasily/streetmarket/internal/storage"
)

// Notifier delivers payment outcomes to users and critical alerts to the
// primary operator. It implements the notifier and deliverer surfaces
// the payments and purchase services expect.
type Notifier struct {
	client      *Client
	adminChatID int64
	logger      *slog.Logger
}

// NewNotifier creates a notifier. adminChatID zero disables operator
// messages (alerts still reach the log).
func NewNotifier(client *Client, adminChatID int64, logger *slog.Logger) *Notifier {
	return &Notifier{client: client, adminChatID: adminChatID, logger: logger}
}

// DeliverMedia sends purchased attachments, ten per album.
func (n *Notifier) DeliverMedia(ctx context.Context, userID int64, media []storage.Media) error {
	for len(media) > 0 {
		batch := media
		if len(batch) > 10 {
			batch = media[:10]
		}
		if err := n.client.SendMediaGroup(ctx, userID, batch); err != nil {
			return err
		}
		media = media[len(batch):]
	}
	return nil
}

// DeliverText sends a purchase receipt message.
func (n *Notifier) DeliverText(ctx context.Context, userID int64, text string) error {
	return n.client.SendMessage(ctx, userID, text)
}

func (n *Notifier) PaymentCancelled(ctx context.Context, userID int64, paymentID string, wasPurchase bool) {
	msg := fmt.Sprintf("Payment Status: your payment (%s) was cancelled or expired.", paymentID)
	if wasPurchase {
		msg = "Payment failed or expired. Your items are no longer reserved."
	}
	n.send(ctx, userID, msg)
}

func (n *Notifier) PurchaseUnderpaid(ctx context.Context, userID int64, needed, credited money.Amount) {
	n.send(ctx, userID, fmt.Sprintf(
		"Purchase failed: underpayment detected. Amount needed was %s EUR. Your balance has been credited with the received value (%s EUR). Your items were not delivered.",
		needed.Format(), credited.Format()))
}

func (n *Notifier) PurchaseOverpaid(ctx context.Context, userID int64, credited money.Amount) {
	n.send(ctx, userID, fmt.Sprintf(
		"Overpayment detected: %s EUR has been credited to your balance.", credited.Format()))
}

func (n *Notifier) RefillCredited(ctx context.Context, userID int64, credited money.Amount) {
	n.send(ctx, userID, fmt.Sprintf(
		"Top-up successful: %s EUR has been added to your balance.", credited.Format()))
}

// AlertOperator reaches the primary operator out of band. Alerts must not
// fail silently: if the send fails (or no operator is configured), the
// alert text still lands in the log at error level.
func (n *Notifier) AlertOperator(ctx context.Context, message string) {
	if n.adminChatID == 0 {
		n.logger.Error("operator alert (no admin chat configured)", "alert", message)
		return
	}
	if err := n.client.SendMessage(ctx, n.adminChatID, message); err != nil {
		n.logger.Error("failed to deliver operator alert", "alert", message, "error", err)
	}
}

func (n *Notifier) send(ctx context.Context, userID int64, msg string) {
	if err := n.client.SendMessage(ctx, userID, msg); err != nil {
		n.logger.Warn("failed to notify user", "user", userID, "error", err)
	}
}
