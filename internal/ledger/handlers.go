package ledger

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tutorhub/payments/internal/metrics"
	"github.com/tutorhub/payments/internal/validation"
	"github.com/tutorhub/payments/internal/wallet"
)

// Handler provides HTTP endpoints for ledger queries and withdrawals.
type Handler struct {
	ledger   *Ledger
	currency string
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger, currency string) *Handler {
	return &Handler{ledger: ledger, currency: currency}
}

// RegisterRoutes sets up public ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/assignments/:id/ledger", h.ListByAssignment)
	r.GET("/users/:id/ledger", h.ListByUser)
	r.POST("/users/:id/withdrawals", h.RequestWithdrawal)
}

// RegisterAdminRoutes sets up admin-only ledger routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals/:entryId/complete", validation.IDParamMiddleware("entryId"), h.CompleteWithdrawal)
}

// ListByAssignment handles GET /v1/assignments/:id/ledger
func (h *Handler) ListByAssignment(c *gin.Context) {
	entries, err := h.ledger.ListByAssignment(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// ListByUser handles GET /v1/users/:id/ledger
func (h *Handler) ListByUser(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	entries, err := h.ledger.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// WithdrawalRequest is the body for POST /v1/users/:id/withdrawals.
type WithdrawalRequest struct {
	Amount string `json:"amount" binding:"required"`
}

// RequestWithdrawal handles POST /v1/users/:id/withdrawals
func (h *Handler) RequestWithdrawal(c *gin.Context) {
	var req WithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Amount is required"})
		return
	}

	if errs := validation.Validate(
		validation.ValidAmount("amount", req.Amount),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be a decimal number"})
		return
	}

	entry, err := h.ledger.RequestWithdrawal(c.Request.Context(), c.Param("id"), amount, h.currency)
	if err != nil {
		metrics.WithdrawalsTotal.WithLabelValues("rejected").Inc()
		switch {
		case errors.Is(err, wallet.ErrInsufficientFunds):
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "insufficient_funds",
				"message": "Available balance does not cover the requested withdrawal",
			})
		case errors.Is(err, ErrInvalidAmount):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": "Amount must be positive"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		}
		return
	}
	metrics.WithdrawalsTotal.WithLabelValues("requested").Inc()
	c.JSON(http.StatusCreated, gin.H{"withdrawal": entry})
}

// CompleteWithdrawal handles POST /v1/admin/withdrawals/:entryId/complete
func (h *Handler) CompleteWithdrawal(c *gin.Context) {
	var req struct {
		GatewayReference string `json:"gatewayReference"`
	}
	_ = c.ShouldBindJSON(&req)

	entry, err := h.ledger.CompleteWithdrawal(c.Request.Context(), c.Param("entryId"), req.GatewayReference)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No pending withdrawal with that id"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	metrics.WithdrawalsTotal.WithLabelValues("completed").Inc()
	c.JSON(http.StatusOK, gin.H{"withdrawal": entry})
}
