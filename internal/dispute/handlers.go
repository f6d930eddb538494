package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tutorhub/payments/internal/escrow"
	"github.com/tutorhub/payments/internal/validation"
)

// Handler provides HTTP endpoints for dispute resolution and acceptance.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/assignments/:id/accept", h.Accept)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	disputes := r.Group("/disputes", validation.IDParamMiddleware("assignmentId"))
	disputes.GET("/:assignmentId/preview", h.Preview)
	disputes.POST("/:assignmentId/resolve", h.Resolve)
	r.POST("/assignments/:id/cancel", h.Cancel)
}

// Accept handles POST /v1/assignments/:id/accept
func (h *Handler) Accept(c *gin.Context) {
	summary, err := h.service.Accept(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolution": summary})
}

// Preview handles GET /v1/admin/disputes/:assignmentId/preview
func (h *Handler) Preview(c *gin.Context) {
	percent := decimal.NewFromInt(50)
	if q := c.Query("studentPercent"); q != "" {
		parsed, err := decimal.NewFromString(q)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "studentPercent must be a number"})
			return
		}
		percent = parsed
	}

	pv, err := h.service.PreviewResolution(c.Request.Context(), c.Param("assignmentId"), percent)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"preview": pv})
}

// ResolveRequest is the body for POST /v1/admin/disputes/:assignmentId/resolve.
type ResolveRequest struct {
	ResolutionType ResolutionType  `json:"resolutionType" binding:"required"`
	StudentPercent decimal.Decimal `json:"studentPercent"`
	Reason         string          `json:"reason"`
	AdminID        string          `json:"adminId"`
}

// Resolve handles POST /v1/admin/disputes/:assignmentId/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "resolutionType is required"})
		return
	}

	if errs := validation.Validate(
		validation.Required("adminId", req.AdminID),
		validation.ValidID("adminId", req.AdminID),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}

	summary, err := h.service.Resolve(c.Request.Context(), c.Param("assignmentId"), Ruling{
		ResolutionType: req.ResolutionType,
		StudentPercent: req.StudentPercent,
		Reason:         validation.SanitizeString(req.Reason, 1000),
		AdminID:        req.AdminID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolution": summary})
}

// Cancel handles POST /v1/admin/assignments/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	rec, err := h.service.escrows.CancelUnpaid(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": rec})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, escrow.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No escrow record for that assignment"})
	case errors.Is(err, escrow.ErrEscrowNotHeld):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_held",
			"message": "Escrow is not in held state; it may already be settled",
		})
	case errors.Is(err, escrow.ErrNotCancellable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "not_cancellable",
			"message": "Funded escrow cannot be cancelled; issue a refund ruling instead",
		})
	case errors.Is(err, escrow.ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "state_conflict", "message": err.Error()})
	case errors.Is(err, ErrUnknownResolution), errors.Is(err, ErrInvalidPercent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
