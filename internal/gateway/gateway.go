// Package gateway reconciles payments with the external payment provider.
//
// The provider's status vocabulary is normalized to a small fixed set before
// any business logic sees it. Payment confirmation reaches the escrow machine
// through two independent paths, polling (verify) and webhooks, and both are
// replay-safe: the ledger's unique gateway reference guard makes a duplicate
// confirmation a no-op.
package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tutorhub/payments/internal/escrow"
	"github.com/tutorhub/payments/internal/metrics"
)

var (
	ErrPaymentNotFound    = errors.New("gateway: pending payment not found")
	ErrGatewayTimeout     = errors.New("gateway: request timed out")
	ErrGatewayUnavailable = errors.New("gateway: provider unavailable")
	ErrInvalidAmount      = errors.New("gateway: invalid amount")
)

// Status is the normalized payment status.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusPending   Status = "pending"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusRefunded  Status = "refunded"
	StatusUnknown   Status = "unknown"
)

// statusVocabulary maps raw provider statuses to the normalized set.
// Lookups are case-insensitive; anything unlisted normalizes to unknown.
var statusVocabulary = map[string]Status{
	"success":    StatusCompleted,
	"successful": StatusCompleted,
	"paid":       StatusCompleted,
	"completed":  StatusCompleted,
	"pending":    StatusPending,
	"processing": StatusPending,
	"created":    StatusPending,
	"failed":     StatusFailed,
	"error":      StatusFailed,
	"declined":   StatusFailed,
	"cancelled":  StatusCancelled,
	"canceled":   StatusCancelled,
	"expired":    StatusCancelled,
	"abandoned":  StatusCancelled,
	"refunded":   StatusRefunded,
	"reversed":   StatusRefunded,
}

// NormalizeStatus maps a raw provider status to the normalized vocabulary.
func NormalizeStatus(raw string) Status {
	if s, ok := statusVocabulary[strings.ToLower(strings.TrimSpace(raw))]; ok {
		return s
	}
	return StatusUnknown
}

// PendingPayment tracks a checkout from creation until the provider settles it.
type PendingPayment struct {
	ID           string          `json:"id"`
	AssignmentID string          `json:"assignmentId"`
	StudentID    string          `json:"studentId"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	InvoiceID    string          `json:"invoiceId"`
	Status       Status          `json:"status"`
	CreatedAt    time.Time       `json:"createdAt"`
	ExpiresAt    time.Time       `json:"expiresAt"`
}

// CheckoutSession is what a client needs to complete payment.
type CheckoutSession struct {
	InvoiceID   string `json:"invoiceId"`
	RedirectURL string `json:"redirectUrl"`
}

// Store persists pending payments.
type Store interface {
	Create(ctx context.Context, p *PendingPayment) error
	GetByInvoice(ctx context.Context, invoiceID string) (*PendingPayment, error)
	UpdateStatus(ctx context.Context, invoiceID string, status Status) error
}

// Client talks to the payment provider.
type Client interface {
	CreateInvoice(ctx context.Context, req InvoiceRequest) (*Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (*Invoice, error)
}

// InvoiceRequest is the outbound checkout creation payload.
type InvoiceRequest struct {
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Payer     string          `json:"payer"`
}

// Invoice is the provider's view of a payment. Status is the raw provider
// value; callers normalize it.
type Invoice struct {
	InvoiceID   string `json:"invoiceId"`
	RedirectURL string `json:"redirectUrl"`
	Status      string `json:"status"`
}

// EscrowService is the slice of the escrow machine payment confirmation needs.
type EscrowService interface {
	Open(ctx context.Context, req escrow.OpenRequest) (*escrow.Record, error)
	GetByAssignment(ctx context.Context, assignmentID string) (*escrow.Record, error)
	ConfirmPayment(ctx context.Context, assignmentID, gatewayRef, invoiceID string) (*escrow.Record, bool, error)
}

// VerifyResult reports the reconciled state of a payment.
type VerifyResult struct {
	InvoiceID    string `json:"invoiceId"`
	AssignmentID string `json:"assignmentId"`
	Status       Status `json:"status"`
	EscrowState  string `json:"escrowState,omitempty"`
	Replayed     bool   `json:"replayed,omitempty"`
}

// Config holds the adapter's tunables.
type Config struct {
	Currency    string
	CheckoutTTL time.Duration
	WebhookKey  string
}

// Service reconciles provider payments with escrow records.
type Service struct {
	store          Store
	client         Client
	escrows        EscrowService
	currency       string
	checkoutTTL    time.Duration
	webhookKeyHash [sha256.Size]byte
	logger         *slog.Logger
}

// NewService creates a new gateway reconciliation service.
func NewService(store Store, client Client, escrows EscrowService, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CheckoutTTL <= 0 {
		cfg.CheckoutTTL = 30 * time.Minute
	}
	return &Service{
		store:          store,
		client:         client,
		escrows:        escrows,
		currency:       cfg.Currency,
		checkoutTTL:    cfg.CheckoutTTL,
		webhookKeyHash: sha256.Sum256([]byte(cfg.WebhookKey)),
		logger:         logger,
	}
}

// AuthenticateWebhook compares the provided key against the configured one.
// Both sides are hashed first so comparison time is independent of where the
// strings differ and of their lengths; a missing key takes the same path as
// a wrong one.
func (s *Service) AuthenticateWebhook(providedKey string) bool {
	provided := sha256.Sum256([]byte(providedKey))
	return subtle.ConstantTimeCompare(provided[:], s.webhookKeyHash[:]) == 1
}

// CreateCheckout asks the provider for a payment invoice and records it as a
// pending payment tied to the assignment's escrow. The escrow record itself
// must already exist and be unpaid.
func (s *Service) CreateCheckout(ctx context.Context, assignmentID string) (*CheckoutSession, error) {
	rec, err := s.escrows.GetByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if rec.State != escrow.StateUnpaid {
		return nil, fmt.Errorf("%w: assignment %s is %s", escrow.ErrStateConflict, assignmentID, rec.State)
	}

	inv, err := s.client.CreateInvoice(ctx, InvoiceRequest{
		Reference: assignmentID,
		Amount:    rec.Amount,
		Currency:  rec.Currency,
		Payer:     rec.StudentID,
	})
	if err != nil {
		metrics.CheckoutsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	now := time.Now()
	pending := &PendingPayment{
		AssignmentID: assignmentID,
		StudentID:    rec.StudentID,
		Amount:       rec.Amount,
		Currency:     rec.Currency,
		InvoiceID:    inv.InvoiceID,
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.checkoutTTL),
	}
	if err := s.store.Create(ctx, pending); err != nil {
		return nil, err
	}

	metrics.CheckoutsTotal.WithLabelValues("created").Inc()
	s.logger.Info("checkout created",
		"assignment_id", assignmentID, "invoice_id", inv.InvoiceID, "amount", rec.Amount)
	return &CheckoutSession{InvoiceID: inv.InvoiceID, RedirectURL: inv.RedirectURL}, nil
}

// Verify polls the provider for the payment's current status and reconciles
// it. Pending records past their expiry are closed as cancelled without a
// provider call.
func (s *Service) Verify(ctx context.Context, invoiceID string) (*VerifyResult, error) {
	pending, err := s.store.GetByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}

	if pending.Status == StatusPending && time.Now().After(pending.ExpiresAt) {
		if err := s.store.UpdateStatus(ctx, invoiceID, StatusCancelled); err != nil {
			return nil, err
		}
		return &VerifyResult{InvoiceID: invoiceID, AssignmentID: pending.AssignmentID, Status: StatusCancelled}, nil
	}
	if pending.Status != StatusPending {
		return s.result(ctx, pending, pending.Status, false), nil
	}

	inv, err := s.client.GetInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, pending, NormalizeStatus(inv.Status))
}

// ProcessWebhook reconciles a provider callback. Same path as Verify minus
// the provider poll; the caller has already authenticated the request.
func (s *Service) ProcessWebhook(ctx context.Context, invoiceID, rawStatus string) (*VerifyResult, error) {
	pending, err := s.store.GetByInvoice(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, pending, NormalizeStatus(rawStatus))
}

// reconcile applies a normalized status to a pending payment and, on
// completion, confirms the payment into escrow.
func (s *Service) reconcile(ctx context.Context, pending *PendingPayment, status Status) (*VerifyResult, error) {
	switch status {
	case StatusCompleted:
		rec, replayed, err := s.escrows.ConfirmPayment(ctx, pending.AssignmentID, pending.InvoiceID, pending.InvoiceID)
		if err != nil {
			return nil, fmt.Errorf("confirm payment for invoice %s: %w", pending.InvoiceID, err)
		}
		if replayed {
			metrics.WebhookReplaysTotal.Inc()
		} else {
			metrics.PaymentsConfirmedTotal.Inc()
			if err := s.store.UpdateStatus(ctx, pending.InvoiceID, StatusCompleted); err != nil {
				// Escrow already holds the funds; the pending record is a
				// reconciliation aid, so log and report success.
				s.logger.Error("pending payment not marked completed",
					"invoice_id", pending.InvoiceID, "error", err)
			}
			s.logger.Info("payment confirmed",
				"assignment_id", pending.AssignmentID, "invoice_id", pending.InvoiceID)
		}
		return &VerifyResult{
			InvoiceID:    pending.InvoiceID,
			AssignmentID: pending.AssignmentID,
			Status:       StatusCompleted,
			EscrowState:  string(rec.State),
			Replayed:     replayed,
		}, nil

	case StatusFailed, StatusCancelled, StatusRefunded:
		if pending.Status == StatusPending {
			if err := s.store.UpdateStatus(ctx, pending.InvoiceID, status); err != nil {
				return nil, err
			}
		}
		return s.result(ctx, pending, status, false), nil

	default:
		// pending or unknown: nothing to apply yet.
		return s.result(ctx, pending, status, false), nil
	}
}

func (s *Service) result(ctx context.Context, pending *PendingPayment, status Status, replayed bool) *VerifyResult {
	res := &VerifyResult{
		InvoiceID:    pending.InvoiceID,
		AssignmentID: pending.AssignmentID,
		Status:       status,
		Replayed:     replayed,
	}
	if rec, err := s.escrows.GetByAssignment(ctx, pending.AssignmentID); err == nil {
		res.EscrowState = string(rec.State)
	}
	return res
}
