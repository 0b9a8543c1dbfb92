package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/rvasily/streetmarket/internal/inventory"
	"github.com/rvasily/streetmarket/internal/payments"
	"github.com/rvasily/streetmarket/internal/purchase"
	"github.com/rvasily/streetmarket/internal/storage"
)

// callbackBody is the wire shape of the provider's IPN payload.
type callbackBody struct {
	PaymentID       payments.FlexID `json:"payment_id"`
	PaymentStatus   string          `json:"payment_status"`
	PayCurrency     string          `json:"pay_currency"`
	ActuallyPaid    decimal.Decimal `json:"actually_paid"`
	ParentPaymentID payments.FlexID `json:"parent_payment_id,omitempty"`
}

func (b callbackBody) toCallback() payments.Callback {
	return payments.Callback{
		PaymentID:       string(b.PaymentID),
		PaymentStatus:   b.PaymentStatus,
		PayCurrency:     b.PayCurrency,
		ActuallyPaid:    b.ActuallyPaid,
		ParentPaymentID: string(b.ParentPaymentID),
	}
}

const ctxUserKey = "shop_user"

// initDataAuth authenticates /api/* requests by the platform-issued
// init-data blob and resolves (or creates) the shop user.
func (s *Server) initDataAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("X-Init-Data")
		if raw == "" {
			raw = c.Query("init_data")
		}
		idu, err := verifyInitData(raw, s.cfg.BotToken)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid init data"})
			return
		}

		user, err := s.store.GetOrCreateUser(c.Request.Context(), idu.ID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if user.Banned {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "account banned"})
			return
		}
		c.Set(ctxUserKey, user)
		c.Next()
	}
}

func currentUser(c *gin.Context) *storage.User {
	return c.MustGet(ctxUserKey).(*storage.User)
}

func (s *Server) handleProfile(c *gin.Context) {
	u := currentUser(c)
	c.JSON(http.StatusOK, gin.H{
		"id":              u.ID,
		"balance":         u.Balance.Format(),
		"total_purchases": u.TotalPurchases,
		"language":        u.Language,
	})
}

func (s *Server) handleCities(c *gin.Context) {
	snap := s.catalog.Current()
	c.JSON(http.StatusOK, gin.H{"cities": snap.Cities})
}

func (s *Server) handleDistricts(c *gin.Context) {
	city := c.Query("city")
	snap := s.catalog.Current()
	c.JSON(http.StatusOK, gin.H{"districts": snap.DistrictsOf(city)})
}

func (s *Server) handleProducts(c *gin.Context) {
	products, err := s.store.ListAvailableProducts(c.Request.Context(),
		c.Query("city"), c.Query("district"), c.Query("type"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	out := make([]gin.H, 0, len(products))
	for _, p := range products {
		out = append(out, gin.H{
			"id":       p.ID,
			"type":     p.ProductType,
			"size":     p.Size,
			"name":     p.Name,
			"price":    p.Price.Format(),
			"reserved": p.Reserved == 1,
		})
	}
	c.JSON(http.StatusOK, gin.H{"products": out})
}

func (s *Server) handleBasket(c *gin.Context) {
	u := currentUser(c)
	snap, err := s.inventory.SnapshotBasket(c.Request.Context(), u.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	items := make([]gin.H, 0, len(snap))
	for _, it := range snap {
		items = append(items, gin.H{
			"product_id": it.ProductID,
			"name":       it.Name,
			"size":       it.Size,
			"price":      it.Price.Format(),
		})
	}
	total, err := s.discounts.BasketTotal(c.Request.Context(), u.ID, snap)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total.Format()})
}

type basketItemRequest struct {
	ProductID int64 `json:"product_id" binding:"required"`
}

func (s *Server) handleBasketAdd(c *gin.Context) {
	u := currentUser(c)
	var req basketItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product_id required"})
		return
	}

	outcome, err := s.inventory.Reserve(c.Request.Context(), u.ID, req.ProductID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	switch outcome {
	case inventory.Reserved:
		c.JSON(http.StatusOK, gin.H{"status": "reserved"})
	case inventory.AlreadyReserved:
		c.JSON(http.StatusConflict, gin.H{"error": "item already reserved"})
	default:
		c.JSON(http.StatusGone, gin.H{"error": "item no longer available"})
	}
}

func (s *Server) handleBasketRemove(c *gin.Context) {
	u := currentUser(c)
	var req basketItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product_id required"})
		return
	}
	released, err := s.inventory.Release(c.Request.Context(), u.ID, req.ProductID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": released})
}

type checkoutRequest struct {
	DiscountCode string `json:"discount_code"`
}

// handleCheckout pays the basket from the internal balance.
func (s *Server) handleCheckout(c *gin.Context) {
	u := currentUser(c)
	var req checkoutRequest
	_ = c.ShouldBindJSON(&req)

	snap, err := s.inventory.SnapshotBasket(c.Request.Context(), u.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if len(snap) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "basket empty"})
		return
	}

	total, err := s.purchases.PayFromBalance(c.Request.Context(), u.ID, snap, req.DiscountCode)
	if err != nil {
		switch {
		case errors.Is(err, purchase.ErrInsufficientBalance):
			c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient balance"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "purchase failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered", "charged": total.Format()})
}

type invoiceRequest struct {
	AmountEUR    string `json:"amount_eur"` // refills only
	Currency     string `json:"currency" binding:"required"`
	Purchase     bool   `json:"purchase"`
	DiscountCode string `json:"discount_code"`
}

// handleCreateInvoice creates a crypto invoice for the basket or a refill.
func (s *Server) handleCreateInvoice(c *gin.Context) {
	u := currentUser(c)
	var req invoiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "currency required"})
		return
	}

	ir := payments.InvoiceRequest{
		UserID:       u.ID,
		Currency:     req.Currency,
		IsPurchase:   req.Purchase,
		DiscountCode: req.DiscountCode,
	}

	if req.Purchase {
		snap, err := s.inventory.SnapshotBasket(c.Request.Context(), u.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if len(snap) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "basket empty"})
			return
		}
		total, err := s.discounts.BasketTotal(c.Request.Context(), u.ID, snap)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if req.DiscountCode != "" {
			total, err = s.discounts.Validate(c.Request.Context(), req.DiscountCode, total, timeNow())
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "discount code invalid"})
				return
			}
		}
		ir.Snapshot = snap
		ir.FinalEUR = total
	} else {
		amount, ok := parseAmount(req.AmountEUR)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
		minDeposit, _ := parseAmount(s.cfg.MinDepositEUR)
		if amount < minDeposit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "amount below minimum deposit", "minimum": minDeposit.Format()})
			return
		}
		ir.FinalEUR = amount
	}

	desc, err := s.orchestrator.CreateInvoice(c.Request.Context(), ir)
	if err != nil {
		s.renderInvoiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"payment_id":  desc.PaymentID,
		"pay_address": desc.PayAddress,
		"pay_amount":  desc.PayAmount.String(),
		"currency":    desc.Currency,
		"target_eur":  desc.TargetEUR.Format(),
		"expires_at":  desc.ExpiresAt,
	})
}

func (s *Server) renderInvoiceError(c *gin.Context, err error) {
	var tooLow *payments.AmountTooLowError
	switch {
	case errors.As(err, &tooLow):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":      "amount too low",
			"currency":   tooLow.Currency,
			"min_crypto": tooLow.MinCrypto.String(),
			"min_eur":    tooLow.MinEUR.Format(),
		})
	case errors.Is(err, payments.ErrDiscountInvalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": "discount code invalid"})
	case errors.Is(err, payments.ErrDiscountMismatch):
		c.JSON(http.StatusConflict, gin.H{"error": "basket total changed, refresh and retry"})
	case errors.Is(err, payments.ErrCurrencyNotSupported):
		c.JSON(http.StatusBadRequest, gin.H{"error": "currency not supported"})
	case errors.Is(err, payments.ErrAPIKeyInvalid),
		errors.Is(err, payments.ErrAPITimeout),
		errors.Is(err, payments.ErrAPIRequestFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment service unavailable, try again later"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// handleCheckPayment is the "check now" button: probe the provider and
// run the regular dispatch.
func (s *Server) handleCheckPayment(c *gin.Context) {
	u := currentUser(c)
	paymentID := c.Param("id")

	// The probe only makes sense for the payment's owner.
	pending, err := s.store.GetPendingPayment(c.Request.Context(), paymentID)
	if err == nil && pending.UserID != u.ID {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}

	result, err := s.orchestrator.CheckStatus(c.Request.Context(), paymentID)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "status check failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": string(result)})
}

func (s *Server) handlePurchaseHistory(c *gin.Context) {
	u := currentUser(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	purchases, err := s.store.PurchasesByUser(c.Request.Context(), u.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	out := make([]gin.H, 0, len(purchases))
	for _, p := range purchases {
		out = append(out, gin.H{
			"name":  p.Name,
			"size":  p.Size,
			"price": p.PricePaid.Format(),
			"at":    p.At,
		})
	}
	c.JSON(http.StatusOK, gin.H{"purchases": out})
}
