package receipts

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/paynest/escrowd/internal/validation"
)

// Handler serves read-only receipt lookups by receipt number.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts /receipts/:number and /receipts/:number/verify.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/receipts/:number", requireNumber)
	g.GET("", h.GetReceipt)
	g.GET("/verify", h.VerifyReceipt)
}

func requireNumber(c *gin.Context) {
	if !validation.IsValidReference(c.Param("number")) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_receipt_number",
			"message": "Receipt number is malformed",
		})
		return
	}
	c.Next()
}

// GetReceipt handles GET /v1/receipts/:number
func (h *Handler) GetReceipt(c *gin.Context) {
	receipt, err := h.service.GetByNumber(c.Request.Context(), c.Param("number"))
	switch {
	case errors.Is(err, ErrReceiptNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Receipt not found"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load receipt"})
	default:
		c.JSON(http.StatusOK, gin.H{"receipt": receipt})
	}
}

// VerifyReceipt handles GET /v1/receipts/:number/verify. An unknown or
// unsigned receipt is a 200 with valid=false, not an error.
func (h *Handler) VerifyReceipt(c *gin.Context) {
	resp, err := h.service.Verify(c.Request.Context(), c.Param("number"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to verify receipt"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"verification": resp})
}
