package settings

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// Handler provides admin HTTP endpoints for platform settings.
type Handler struct {
	store Store
}

// NewHandler creates a new settings handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterAdminRoutes sets up settings routes on the admin group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/settings", h.Get)
	r.PUT("/settings", h.Update)
}

// Get handles GET /v1/admin/settings
func (h *Handler) Get(c *gin.Context) {
	s, err := h.store.Get(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": s})
}

// UpdateRequest is the body for PUT /v1/admin/settings.
type UpdateRequest struct {
	PlatformFeeRate   decimal.Decimal `json:"platformFeeRate"`
	MinTransactionFee decimal.Decimal `json:"minTransactionFee"`
	Currency          string          `json:"currency"`
}

// Update handles PUT /v1/admin/settings
func (h *Handler) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	updated, err := h.store.Update(c.Request.Context(), Settings{
		PlatformFeeRate:   req.PlatformFeeRate,
		MinTransactionFee: req.MinTransactionFee,
		Currency:          req.Currency,
	})
	if err != nil {
		if errors.Is(err, ErrInvalidFeeRate) || errors.Is(err, ErrInvalidMinFee) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_settings", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settings": updated})
}
