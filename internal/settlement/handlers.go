package settlement

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/paynest/escrowd/internal/audit"
	"github.com/paynest/escrowd/internal/logging"
	"github.com/paynest/escrowd/internal/receipts"
	"github.com/paynest/escrowd/internal/validation"
	"github.com/shopspring/decimal"
)

// SignatureHeader carries the webhook body HMAC.
const SignatureHeader = "X-Webhook-Signature"

// Handler provides HTTP endpoints for settlement operations.
type Handler struct {
	service       *Service
	webhookSecret string
}

// NewHandler creates a new settlement handler. An empty webhookSecret
// accepts unsigned webhooks.
func NewHandler(service *Service, webhookSecret string) *Handler {
	return &Handler{service: service, webhookSecret: webhookSecret}
}

// RegisterRoutes sets up settlement, payment-intent and webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/settlements", h.StartSettlement)
	r.POST("/payment-intents", h.CreatePaymentIntent)

	ref := r.Group("/settlements/:reference", validation.ReferenceParamMiddleware())
	ref.GET("", h.GetSettlement)
	ref.GET("/receipt", h.GetReceipt)
	ref.GET("/audit", h.GetAuditTrail)

	r.POST("/webhooks/collection", h.webhook(LegCollection))
	r.POST("/webhooks/payout", h.webhook(LegPayout))
}

// StartRequestBody is the JSON body of POST /v1/settlements.
type StartRequestBody struct {
	Amount           decimal.Decimal `json:"amount"`
	RecipientAccount string          `json:"recipientAccount"`
	PayerReference   string          `json:"payerReference"`
	Note             string          `json:"note"`
	PaymentIntentID  string          `json:"paymentIntentId"`
}

// StartSettlement handles POST /v1/settlements
func (h *Handler) StartSettlement(c *gin.Context) {
	var req StartRequestBody
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ctx := audit.WithActor(c.Request.Context(), "payer", req.PayerReference)
	ctx = audit.WithIP(ctx, c.ClientIP())
	view, err := h.service.StartSettlement(ctx, StartRequest(req))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, view)
}

// CreatePaymentIntent handles POST /v1/payment-intents
func (h *Handler) CreatePaymentIntent(c *gin.Context) {
	var req struct {
		Amount           decimal.Decimal `json:"amount"`
		RecipientAccount string          `json:"recipientAccount"`
		PayerReference   string          `json:"payerReference"`
		Note             string          `json:"note"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	intent, err := h.service.CreatePaymentIntent(c.Request.Context(), IntentRequest(req))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"paymentIntent": intent})
}

// GetSettlement handles GET /v1/settlements/:reference
func (h *Handler) GetSettlement(c *gin.Context) {
	ctx := audit.WithActor(c.Request.Context(), "poll", "")
	view, err := h.service.Status(ctx, c.Param("reference"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetReceipt handles GET /v1/settlements/:reference/receipt
func (h *Handler) GetReceipt(c *gin.Context) {
	receipt, err := h.service.Receipt(c.Request.Context(), c.Param("reference"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// GetAuditTrail handles GET /v1/settlements/:reference/audit
func (h *Handler) GetAuditTrail(c *gin.Context) {
	entries, history, err := h.service.Trail(c.Request.Context(), c.Param("reference"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"audit":   entries,
		"history": history,
	})
}

// webhook handles POST /v1/webhooks/{collection,payout}
func (h *Handler) webhook(leg string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Unreadable request body",
			})
			return
		}
		if !VerifySignature(h.webhookSecret, body, c.GetHeader(SignatureHeader)) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_signature",
				"message": ErrInvalidSignature.Error(),
			})
			return
		}

		var evt WebhookEvent
		if err := binding.JSON.BindBody(body, &evt); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "Invalid webhook payload",
			})
			return
		}

		ctx := audit.WithActor(c.Request.Context(), "gateway", leg+"_webhook")
		ctx = audit.WithIP(ctx, c.ClientIP())
		view, err := h.service.HandleWebhook(ctx, leg, evt)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

// writeError maps engine errors onto the API vocabulary. Gateway and
// storage error text never reaches the response body.
func writeError(c *gin.Context, err error) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": verrs.Error(),
			"details": verrs,
		})
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Settlement not found",
		})
	case errors.Is(err, ErrReceiptNotReady), errors.Is(err, receipts.ErrNotCompleted):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "receipt_not_ready",
			"message": "Receipt is issued once the settlement completes",
		})
	case errors.Is(err, ErrIntentUnavailable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "intent_unavailable",
			"message": ErrIntentUnavailable.Error(),
		})
	case errors.Is(err, ErrWebhookMismatch):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "webhook_mismatch",
			"message": "Webhook does not match the settlement's transaction",
		})
	case errors.Is(err, ErrGatewayUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "gateway_unavailable",
			"message": "Payment gateway is temporarily unavailable, please retry",
		})
	default:
		logging.L(c.Request.Context()).Error("settlement request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Internal error",
		})
	}
}
