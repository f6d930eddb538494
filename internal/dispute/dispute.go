// Package dispute turns admin rulings and delivery acceptances into escrow
// settlements. It owns no money itself: it reads the current fee settings,
// computes the breakdown, and asks the escrow machine to apply it.
package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/tutorhub/payments/internal/escrow"
	"github.com/tutorhub/payments/internal/fees"
	"github.com/tutorhub/payments/internal/metrics"
	"github.com/tutorhub/payments/internal/settings"
	"github.com/tutorhub/payments/internal/wallet"
)

var (
	ErrUnknownResolution = errors.New("dispute: unknown resolution type")
	ErrInvalidPercent    = errors.New("dispute: student percent must be between 0 and 100")
)

// ResolutionType is the kind of ruling an admin can issue.
type ResolutionType string

const (
	ResolutionRefund  ResolutionType = "refund"
	ResolutionRelease ResolutionType = "release"
	ResolutionSplit   ResolutionType = "split"
)

// Ruling is an admin's decision on a disputed assignment.
type Ruling struct {
	ResolutionType ResolutionType  `json:"resolutionType"`
	StudentPercent decimal.Decimal `json:"studentPercent"` // split only, 0..100
	Reason         string          `json:"reason"`
	AdminID        string          `json:"adminId"`
}

// Summary reports what a resolution did (or would do) with the held money.
type Summary struct {
	AssignmentID        string          `json:"assignmentId"`
	ResolutionType      ResolutionType  `json:"resolutionType"`
	EscrowState         escrow.State    `json:"escrowState"`
	EscrowAmount        decimal.Decimal `json:"escrowAmount"`
	StudentAmount       decimal.Decimal `json:"studentAmount"`
	TutorAmount         decimal.Decimal `json:"tutorAmount"`
	PlatformFee         decimal.Decimal `json:"platformFee"`
	NoFinancialTransfer bool            `json:"noFinancialTransfer"`
	Reason              string          `json:"reason,omitempty"`
}

// EscrowService is the slice of the escrow machine rulings need.
type EscrowService interface {
	GetByAssignment(ctx context.Context, assignmentID string) (*escrow.Record, error)
	Settle(ctx context.Context, assignmentID string, out escrow.Outcome) (*escrow.Record, error)
	CancelUnpaid(ctx context.Context, assignmentID string) (*escrow.Record, error)
}

// SettingsSource supplies the current fee configuration.
type SettingsSource interface {
	Get(ctx context.Context) (settings.Settings, error)
}

// Service resolves disputes and delivery acceptances.
type Service struct {
	escrows  EscrowService
	settings SettingsSource
	logger   *slog.Logger
}

// NewService creates a new dispute resolution service.
func NewService(escrows EscrowService, src SettingsSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{escrows: escrows, settings: src, logger: logger}
}

// Resolve applies a ruling to an assignment's escrow.
//
// An unpaid escrow short-circuits: the record is closed as cancelled and no
// ledger entries are written, whatever the ruling says. A held escrow is
// settled under the fee settings in force right now.
func (s *Service) Resolve(ctx context.Context, assignmentID string, ruling Ruling) (*Summary, error) {
	rec, err := s.escrows.GetByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	if rec.State == escrow.StateUnpaid {
		rec, err = s.escrows.CancelUnpaid(ctx, assignmentID)
		if err != nil {
			return nil, err
		}
		s.logger.Info("dispute resolved without transfer",
			"assignment_id", assignmentID, "admin_id", ruling.AdminID, "reason", ruling.Reason)
		return &Summary{
			AssignmentID:        assignmentID,
			ResolutionType:      ruling.ResolutionType,
			EscrowState:         rec.State,
			EscrowAmount:        decimal.Zero,
			NoFinancialTransfer: true,
			Reason:              ruling.Reason,
		}, nil
	}

	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load fee settings: %w", err)
	}

	out, err := outcomeFor(rec.Amount, ruling, cfg)
	if err != nil {
		return nil, err
	}

	settled, err := s.escrows.Settle(ctx, assignmentID, out)
	if err != nil {
		if errors.Is(err, escrow.ErrEscrowNotHeld) {
			metrics.SettlementConflictsTotal.Inc()
		}
		// An insufficient escrow bucket here means balances and escrow
		// records disagree, which should be impossible.
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			s.logger.Error("CRITICAL: escrow record held but escrow bucket cannot cover it",
				"assignment_id", assignmentID, "amount", rec.Amount)
		}
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues(string(ruling.ResolutionType)).Inc()
	s.logger.Info("dispute resolved",
		"assignment_id", assignmentID, "resolution", ruling.ResolutionType,
		"admin_id", ruling.AdminID, "amount", rec.Amount)

	return &Summary{
		AssignmentID:   assignmentID,
		ResolutionType: ruling.ResolutionType,
		EscrowState:    settled.State,
		EscrowAmount:   rec.Amount,
		StudentAmount:  out.StudentAmount,
		TutorAmount:    out.TutorAmount,
		PlatformFee:    out.PlatformFee,
		Reason:         ruling.Reason,
	}, nil
}

// Accept settles a delivery acceptance: the student confirms the work, the
// tutor is paid out under the current fee settings.
func (s *Service) Accept(ctx context.Context, assignmentID string) (*Summary, error) {
	return s.Resolve(ctx, assignmentID, Ruling{
		ResolutionType: ResolutionRelease,
		Reason:         "delivery_accepted",
	})
}

// PreviewOption is one possible ruling and its financial effect.
type PreviewOption struct {
	ResolutionType ResolutionType  `json:"resolutionType"`
	StudentAmount  decimal.Decimal `json:"studentAmount"`
	TutorAmount    decimal.Decimal `json:"tutorAmount"`
	PlatformFee    decimal.Decimal `json:"platformFee"`
}

// Preview reports what each ruling would do without applying anything.
type Preview struct {
	AssignmentID          string          `json:"assignmentId"`
	EscrowState           escrow.State    `json:"escrowState"`
	EscrowAmount          decimal.Decimal `json:"escrowAmount"`
	FinanciallyActionable bool            `json:"financiallyActionable"`
	Options               []PreviewOption `json:"options,omitempty"`
}

// PreviewResolution computes the effect of every ruling type against the
// current fee settings. studentPercent shapes the split option.
func (s *Service) PreviewResolution(ctx context.Context, assignmentID string, studentPercent decimal.Decimal) (*Preview, error) {
	rec, err := s.escrows.GetByAssignment(ctx, assignmentID)
	if err != nil {
		return nil, err
	}

	pv := &Preview{
		AssignmentID:          assignmentID,
		EscrowState:           rec.State,
		EscrowAmount:          rec.Amount,
		FinanciallyActionable: rec.State == escrow.StateHeld,
	}
	if !pv.FinanciallyActionable {
		return pv, nil
	}

	cfg, err := s.settings.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("load fee settings: %w", err)
	}

	for _, rt := range []ResolutionType{ResolutionRefund, ResolutionRelease, ResolutionSplit} {
		out, err := outcomeFor(rec.Amount, Ruling{ResolutionType: rt, StudentPercent: studentPercent}, cfg)
		if err != nil {
			return nil, err
		}
		pv.Options = append(pv.Options, PreviewOption{
			ResolutionType: rt,
			StudentAmount:  out.StudentAmount,
			TutorAmount:    out.TutorAmount,
			PlatformFee:    out.PlatformFee,
		})
	}
	return pv, nil
}

// outcomeFor maps a ruling to a settlement outcome under the given settings.
func outcomeFor(escrowAmount decimal.Decimal, ruling Ruling, cfg settings.Settings) (escrow.Outcome, error) {
	params := fees.Params{
		PlatformFeeRate:   cfg.PlatformFeeRate,
		MinTransactionFee: cfg.MinTransactionFee,
	}

	var (
		b     fees.Breakdown
		err   error
		state escrow.State
	)
	switch ruling.ResolutionType {
	case ResolutionRefund:
		b, err = fees.Refund(escrowAmount)
		state = escrow.StateRefunded
	case ResolutionRelease:
		b, err = fees.Release(escrowAmount, params)
		state = escrow.StateReleased
	case ResolutionSplit:
		b, err = fees.Split(escrowAmount, ruling.StudentPercent, params)
		state = escrow.StateSplitSettled
		if errors.Is(err, fees.ErrInvalidAmount) {
			err = fmt.Errorf("%w: got %s", ErrInvalidPercent, ruling.StudentPercent)
		}
	default:
		return escrow.Outcome{}, fmt.Errorf("%w: %q", ErrUnknownResolution, ruling.ResolutionType)
	}
	if err != nil {
		return escrow.Outcome{}, err
	}

	return escrow.Outcome{
		State:         state,
		StudentAmount: b.StudentAmount,
		TutorAmount:   b.TutorAmount,
		PlatformFee:   b.PlatformFee,
	}, nil
}
