package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tutorhub/payments/internal/escrow"
	"github.com/tutorhub/payments/internal/validation"
)

// WebhookKeyHeader carries the provider's shared webhook key.
const WebhookKeyHeader = "X-Webhook-Key"

// Handler provides HTTP endpoints for checkout, verification and webhooks.
type Handler struct {
	service *Service
	escrows EscrowService
}

// NewHandler creates a new gateway handler.
func NewHandler(service *Service, escrows EscrowService) *Handler {
	return &Handler{service: service, escrows: escrows}
}

// RegisterRoutes sets up public gateway routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/checkout", h.CreateCheckout)
	r.GET("/payments/:invoiceId/verify", validation.IDParamMiddleware("invoiceId"), h.Verify)
}

// RegisterWebhookRoutes sets up the provider callback route.
func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/webhook", h.Webhook)
}

// CheckoutRequest is the body for POST /v1/checkout. Student and tutor are
// needed only when no escrow record exists yet for the assignment.
type CheckoutRequest struct {
	AssignmentID string          `json:"assignmentId" binding:"required"`
	Amount       decimal.Decimal `json:"amount"`
	StudentID    string          `json:"studentId"`
	TutorID      string          `json:"tutorId"`
}

// CreateCheckout handles POST /v1/checkout
func (h *Handler) CreateCheckout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "assignmentId is required"})
		return
	}

	if errs := validation.Validate(
		validation.ValidID("assignmentId", req.AssignmentID),
		validation.ValidID("studentId", req.StudentID),
		validation.ValidID("tutorId", req.TutorID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	ctx := c.Request.Context()

	// First checkout for an assignment opens its escrow record.
	if _, err := h.escrows.GetByAssignment(ctx, req.AssignmentID); errors.Is(err, escrow.ErrRecordNotFound) {
		if _, err := h.escrows.Open(ctx, escrow.OpenRequest{
			AssignmentID: req.AssignmentID,
			Amount:       req.Amount,
			StudentID:    req.StudentID,
			TutorID:      req.TutorID,
		}); err != nil && !errors.Is(err, escrow.ErrAlreadyOpen) {
			h.writeError(c, err)
			return
		}
	}

	session, err := h.service.CreateCheckout(ctx, req.AssignmentID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"checkout": session})
}

// Verify handles GET /v1/payments/:invoiceId/verify
func (h *Handler) Verify(c *gin.Context) {
	result, err := h.service.Verify(c.Request.Context(), c.Param("invoiceId"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": result})
}

// webhookPayload is the provider's callback body.
type webhookPayload struct {
	InvoiceID string `json:"invoiceId"`
	Status    string `json:"status"`
}

// Webhook handles POST /v1/gateway/webhook. The key check runs before the
// body is even parsed.
func (h *Handler) Webhook(c *gin.Context) {
	if !h.service.AuthenticateWebhook(c.GetHeader(WebhookKeyHeader)) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var payload webhookPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.InvoiceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "invoiceId and status are required"})
		return
	}

	result, err := h.service.ProcessWebhook(c.Request.Context(), payload.InvoiceID, payload.Status)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			// Unknown invoice: acknowledge so the provider stops retrying,
			// but flag it.
			c.JSON(http.StatusOK, gin.H{"received": true, "warning": "unknown invoice"})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true, "payment": result})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPaymentNotFound), errors.Is(err, escrow.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, escrow.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "state_conflict", "message": err.Error()})
	case errors.Is(err, escrow.ErrInvalidAmount), errors.Is(err, escrow.ErrSameParticipants), errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrGatewayTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "gateway_timeout", "message": "Payment provider did not respond in time"})
	case errors.Is(err, ErrGatewayUnavailable):
		c.JSON(http.StatusBadGateway, gin.H{"error": "gateway_unavailable", "message": "Payment provider unavailable"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
