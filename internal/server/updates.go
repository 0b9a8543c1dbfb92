package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/rvasily/streetmarket/internal/bot"
	"github.com/rvasily/streetmarket/internal/inventory"
	"github.com/rvasily/streetmarket/internal/mediagroup"
	"github.com/rvasily/streetmarket/internal/payments"
	"github.com/rvasily/streetmarket/internal/purchase"
	"github.com/rvasily/streetmarket/internal/storage"
)

// Platform update wire shapes (only the fields the shop reads).

type platformUpdate struct {
	Message       *platformMessage  `json:"message"`
	CallbackQuery *platformCallback `json:"callback_query"`
}

type platformMessage struct {
	From         *platformSender `json:"from"`
	Text         string          `json:"text"`
	Caption      string          `json:"caption"`
	MediaGroupID string          `json:"media_group_id"`
	Photo        []platformFile  `json:"photo"`
	Video        *platformFile   `json:"video"`
	Animation    *platformFile   `json:"animation"`
}

type platformSender struct {
	ID int64 `json:"id"`
}

type platformFile struct {
	FileID string `json:"file_id"`
}

type platformCallback struct {
	From *platformSender `json:"from"`
	Data string          `json:"data"`
}

// Conversation state per user. Transitions happen at message boundaries
// only; no state spans a suspension point it cannot resume from.
type convState interface{ isConvState() }

type stateAwaitingProductMedia struct {
	draft storage.Product
}

func (stateAwaitingProductMedia) isConvState() {}

type convStates struct {
	mu     sync.Mutex
	states map[int64]convState
}

func (c *convStates) get(userID int64) convState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[userID]
}

func (c *convStates) set(userID int64, st convState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.states == nil {
		c.states = map[int64]convState{}
	}
	if st == nil {
		delete(c.states, userID)
		return
	}
	c.states[userID] = st
}

// handlePlatformUpdate is the bot webhook: every user action enters here.
func (s *Server) handlePlatformUpdate(c *gin.Context) {
	var upd platformUpdate
	if err := json.NewDecoder(c.Request.Body).Decode(&upd); err != nil {
		c.String(http.StatusBadRequest, "invalid update")
		return
	}
	// The platform retries non-200 responses; business handling must not
	// convert into retry storms.
	c.Status(http.StatusOK)

	switch {
	case upd.CallbackQuery != nil && upd.CallbackQuery.From != nil:
		s.handleCallbackQuery(c, upd.CallbackQuery)
	case upd.Message != nil && upd.Message.From != nil:
		s.handleMessage(c, upd.Message)
	}
}

func (s *Server) handleMessage(c *gin.Context, msg *platformMessage) {
	ctx := c.Request.Context()
	userID := msg.From.ID

	if _, err := s.store.GetOrCreateUser(ctx, userID); err != nil {
		s.logger.Error("failed to resolve user", "user", userID, "error", err)
		return
	}

	part, hasMedia := messagePart(msg)
	switch {
	case hasMedia && msg.MediaGroupID != "":
		s.collector.Add(userID, msg.MediaGroupID, part, msg.Caption)
		return
	case hasMedia:
		// Single attachments bypass the collector entirely.
		s.handleMediaSubmission(mediagroup.Submission{
			UserID:  userID,
			Parts:   []mediagroup.Part{part},
			Caption: msg.Caption,
		})
		return
	case s.collector.Collecting(userID):
		// A stray text while an album is in flight is not part of the group.
		return
	}

	s.handleTextCommand(c, userID, strings.TrimSpace(msg.Text))
}

func messagePart(msg *platformMessage) (mediagroup.Part, bool) {
	switch {
	case len(msg.Photo) > 0:
		// The platform sends multiple resolutions; the last is the largest.
		return mediagroup.Part{Kind: storage.MediaPhoto, FileHandle: msg.Photo[len(msg.Photo)-1].FileID}, true
	case msg.Video != nil:
		return mediagroup.Part{Kind: storage.MediaVideo, FileHandle: msg.Video.FileID}, true
	case msg.Animation != nil:
		return mediagroup.Part{Kind: storage.MediaAnimation, FileHandle: msg.Animation.FileID}, true
	}
	return mediagroup.Part{}, false
}

func (s *Server) handleTextCommand(c *gin.Context, userID int64, text string) {
	ctx := c.Request.Context()
	switch {
	case text == "/start":
		s.reply(ctx, userID, "Welcome. Use the shop menu to browse the catalogue.")
	case text == "/cancel":
		s.convs.set(userID, nil)
		s.collector.CancelAllForUser(userID)
		s.reply(ctx, userID, "Cancelled.")
	case strings.HasPrefix(text, "/addproduct "):
		s.handleAddProduct(c, userID, strings.TrimPrefix(text, "/addproduct "))
	}
}

// handleAddProduct starts the admin ingest flow:
// /addproduct city|district|type|size|price — the next media upload
// (album or single) becomes the product's attachments.
func (s *Server) handleAddProduct(c *gin.Context, userID int64, args string) {
	ctx := c.Request.Context()
	if userID != s.cfg.AdminChatID {
		return
	}

	fields := strings.Split(args, "|")
	if len(fields) != 5 {
		s.reply(ctx, userID, "Usage: /addproduct city|district|type|size|price")
		return
	}
	price, ok := parseAmount(strings.TrimSpace(fields[4]))
	if !ok {
		s.reply(ctx, userID, "Invalid price.")
		return
	}

	draft := storage.Product{
		City:        strings.TrimSpace(fields[0]),
		District:    strings.TrimSpace(fields[1]),
		ProductType: strings.TrimSpace(fields[2]),
		Size:        strings.TrimSpace(fields[3]),
		Price:       price,
		Available:   1,
	}
	draft.Name = draft.ProductType + " " + draft.Size
	s.convs.set(userID, stateAwaitingProductMedia{draft: draft})
	s.reply(ctx, userID, "Send the product media (album or single) with the pickup text as caption.")
}

// handleMediaSubmission consumes collector output: the awaiting flow
// decides what a completed upload means.
func (s *Server) handleMediaSubmission(sub mediagroup.Submission) {
	ctx := context.Background()

	st := s.convs.get(sub.UserID)
	flow, ok := st.(stateAwaitingProductMedia)
	if !ok {
		s.logger.Debug("dropping media submission with no awaiting flow",
			"user", sub.UserID, "parts", len(sub.Parts))
		return
	}
	s.convs.set(sub.UserID, nil)

	product := flow.draft
	product.Text = sub.Caption

	id, err := s.store.InsertProduct(ctx, &product, nil)
	if err != nil {
		s.logger.Error("failed to insert product", "user", sub.UserID, "error", err)
		s.reply(ctx, sub.UserID, "Failed to save the product.")
		return
	}

	destDir := filepath.Join(s.cfg.MediaDir, strconv.FormatInt(id, 10))
	media := make([]storage.Media, 0, len(sub.Parts))
	for i, part := range sub.Parts {
		path, err := s.botClient.DownloadFile(ctx, part.FileHandle, destDir)
		if err != nil {
			s.logger.Warn("failed to persist product media blob",
				"product", id, "handle", part.FileHandle, "error", err)
			path = ""
		}
		media = append(media, storage.Media{
			ProductID:  id,
			Kind:       part.Kind,
			FilePath:   path,
			FileHandle: part.FileHandle,
			Position:   i,
		})
	}
	// The row is created first so the blob directory can be named after
	// its id; the descriptors attach once the downloads settle.
	if err := s.store.AttachMedia(ctx, id, media); err != nil {
		s.logger.Error("failed to attach product media", "product", id, "error", err)
	}

	if err := s.catalog.Refresh(ctx); err != nil {
		s.logger.Warn("catalogue refresh after ingest failed", "error", err)
	}
	_ = s.store.LogAdminAction(ctx, &storage.AdminAction{
		AdminID: sub.UserID,
		Action:  "add_product",
		Details: fmt.Sprintf("product %d (%s/%s %s %s)", id, product.City, product.District, product.ProductType, product.Size),
	})
	s.reply(ctx, sub.UserID, fmt.Sprintf("Product %d saved with %d attachments.", id, len(media)))
}

func (s *Server) handleCallbackQuery(c *gin.Context, cq *platformCallback) {
	ctx := c.Request.Context()
	userID := cq.From.ID

	cmd, err := bot.DecodeCallback(cq.Data)
	if err != nil {
		// A button we never issued: generic error, keep serving.
		s.logger.Error("unhandled callback payload", "user", userID, "payload", cq.Data, "error", err)
		s.reply(ctx, userID, "Something went wrong. Please use the menu again.")
		return
	}

	user, err := s.store.GetOrCreateUser(ctx, userID)
	if err != nil {
		s.logger.Error("failed to resolve user", "user", userID, "error", err)
		return
	}
	if user.Banned {
		return
	}

	switch cmd.Kind {
	case bot.CmdAddToBasket:
		s.callbackAddToBasket(c, userID, cmd)
	case bot.CmdRemoveFromBasket:
		if id, err := strconv.ParseInt(cmd.Arg(0), 10, 64); err == nil {
			_, _ = s.inventory.Release(ctx, userID, id)
			s.reply(ctx, userID, "Removed from basket.")
		}
	case bot.CmdClearBasket:
		_, _ = s.inventory.ReleaseAllForUser(ctx, userID)
		s.reply(ctx, userID, "Basket cleared.")
	case bot.CmdViewBasket:
		s.callbackViewBasket(c, userID)
	case bot.CmdConfirmPay:
		s.callbackConfirmPay(c, userID, cmd.Arg(0))
	case bot.CmdCheckPayment:
		if result, err := s.orchestrator.CheckStatus(ctx, cmd.Arg(0)); err == nil {
			s.reply(ctx, userID, "Payment status: "+string(result))
		} else {
			s.reply(ctx, userID, "Could not check the payment right now, try again later.")
		}
	case bot.CmdCancelPayment:
		// User-initiated cancel runs the terminal-failure path.
		_, _ = s.orchestrator.HandleCallback(ctx, cancelCallback(cmd.Arg(0)))
	case bot.CmdAdmDeleteProd:
		s.callbackAdminDelete(c, userID, cmd)
	case bot.CmdAdmBanUser, bot.CmdAdmUnbanUser:
		s.callbackAdminBan(c, userID, cmd)
	default:
		// Browse commands render menus; menu rendering lives in the UI
		// layer and only needs the catalogue snapshot.
		s.logger.Debug("browse callback", "user", userID, "kind", string(cmd.Kind))
	}
}

func (s *Server) callbackAddToBasket(c *gin.Context, userID int64, cmd bot.Command) {
	ctx := c.Request.Context()
	productID, err := strconv.ParseInt(cmd.Arg(0), 10, 64)
	if err != nil {
		return
	}
	outcome, err := s.inventory.Reserve(ctx, userID, productID)
	if err != nil {
		s.reply(ctx, userID, "Something went wrong, try again later.")
		return
	}
	switch outcome {
	case inventory.Reserved:
		s.reply(ctx, userID, "Added to basket. Items are reserved for a limited time.")
	case inventory.AlreadyReserved:
		s.reply(ctx, userID, "Someone else holds this item right now.")
	default:
		s.reply(ctx, userID, "This item is no longer available.")
	}
}

func (s *Server) callbackViewBasket(c *gin.Context, userID int64) {
	ctx := c.Request.Context()
	snap, err := s.inventory.SnapshotBasket(ctx, userID)
	if err != nil || len(snap) == 0 {
		s.reply(ctx, userID, "Your basket is empty.")
		return
	}
	total, err := s.discounts.BasketTotal(ctx, userID, snap)
	if err != nil {
		s.reply(ctx, userID, "Something went wrong, try again later.")
		return
	}
	var b strings.Builder
	b.WriteString("Your basket:\n")
	for _, it := range snap {
		fmt.Fprintf(&b, "- %s %s: %s EUR\n", it.Name, it.Size, it.Price.Format())
	}
	fmt.Fprintf(&b, "Total: %s EUR", total.Format())
	s.reply(ctx, userID, b.String())
}

func (s *Server) callbackConfirmPay(c *gin.Context, userID int64, discountCode string) {
	ctx := c.Request.Context()
	snap, err := s.inventory.SnapshotBasket(ctx, userID)
	if err != nil || len(snap) == 0 {
		s.reply(ctx, userID, "Your basket is empty.")
		return
	}
	total, err := s.purchases.PayFromBalance(ctx, userID, snap, discountCode)
	if err != nil {
		if errors.Is(err, purchase.ErrInsufficientBalance) {
			s.reply(ctx, userID, "Insufficient balance. Top up or pay with crypto.")
			return
		}
		s.reply(ctx, userID, "Purchase failed. Please contact support.")
		return
	}
	s.reply(ctx, userID, fmt.Sprintf("Purchase complete. %s EUR charged from your balance.", total.Format()))
}

func (s *Server) callbackAdminDelete(c *gin.Context, userID int64, cmd bot.Command) {
	ctx := c.Request.Context()
	if userID != s.cfg.AdminChatID {
		return
	}
	id, err := strconv.ParseInt(cmd.Arg(0), 10, 64)
	if err != nil {
		return
	}
	if err := s.store.DeleteProducts(ctx, []int64{id}); err != nil {
		s.reply(ctx, userID, "Delete failed.")
		return
	}
	if err := s.catalog.Refresh(ctx); err != nil {
		s.logger.Warn("catalogue refresh after delete failed", "error", err)
	}
	_ = s.store.LogAdminAction(ctx, &storage.AdminAction{
		AdminID: userID, Action: "delete_product", Details: cmd.Arg(0),
	})
	s.reply(ctx, userID, "Product deleted.")
}

func (s *Server) callbackAdminBan(c *gin.Context, userID int64, cmd bot.Command) {
	ctx := c.Request.Context()
	if userID != s.cfg.AdminChatID {
		return
	}
	target, err := strconv.ParseInt(cmd.Arg(0), 10, 64)
	if err != nil {
		return
	}
	banned := cmd.Kind == bot.CmdAdmBanUser
	if err := s.store.SetUserBanned(ctx, target, banned); err != nil {
		s.reply(ctx, userID, "User not found.")
		return
	}
	_ = s.store.LogAdminAction(ctx, &storage.AdminAction{
		AdminID: userID, Action: string(cmd.Kind), Details: cmd.Arg(0),
	})
	s.reply(ctx, userID, "Done.")
}

func (s *Server) reply(ctx context.Context, userID int64, text string) {
	if err := s.botClient.SendMessage(ctx, userID, text); err != nil {
		s.logger.Warn("failed to send reply", "user", userID, "error", err)
	}
}

func cancelCallback(paymentID string) payments.Callback {
	return payments.Callback{PaymentID: paymentID, PaymentStatus: "failed"}
}
