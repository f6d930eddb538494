// Package fees computes how a held escrow amount is distributed at
// settlement time: tutor payout, student refund, and platform fee.
//
// All functions are pure. They never touch wallets or the ledger, and they
// guarantee conservation: the sum of the computed parts equals the escrow
// amount exactly. Any rounding remainder is absorbed on the fee/tutor side,
// never by inflating a payout.
package fees

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var ErrInvalidAmount = errors.New("fees: invalid amount")

var oneHundred = decimal.NewFromInt(100)

// Params are the platform fee settings in effect at settlement time.
// Callers load them fresh per settlement; they may change while a dispute
// is open.
type Params struct {
	PlatformFeeRate   decimal.Decimal // fraction in [0,1]
	MinTransactionFee decimal.Decimal // currency floor applied when a fee is levied
}

// Breakdown is the final distribution of a held escrow amount.
type Breakdown struct {
	StudentAmount decimal.Decimal `json:"studentAmount"`
	TutorAmount   decimal.Decimal `json:"tutorAmount"`
	PlatformFee   decimal.Decimal `json:"platformFee"`
}

// Total returns the sum of all parts.
func (b Breakdown) Total() decimal.Decimal {
	return b.StudentAmount.Add(b.TutorAmount).Add(b.PlatformFee)
}

// Release computes the distribution when the full amount goes to the tutor
// minus the platform fee. The fee is max(amount*rate, minFee) when the rate
// is positive, zero otherwise, and never exceeds the amount itself.
func Release(escrowAmount decimal.Decimal, p Params) (Breakdown, error) {
	if err := checkAmount(escrowAmount); err != nil {
		return Breakdown{}, err
	}
	if err := checkParams(p); err != nil {
		return Breakdown{}, err
	}

	fee := feeOn(escrowAmount, p)
	return Breakdown{
		StudentAmount: decimal.Zero,
		TutorAmount:   escrowAmount.Sub(fee),
		PlatformFee:   fee,
	}, nil
}

// Refund computes a full refund to the student. No fee is taken.
func Refund(escrowAmount decimal.Decimal) (Breakdown, error) {
	if err := checkAmount(escrowAmount); err != nil {
		return Breakdown{}, err
	}
	return Breakdown{
		StudentAmount: escrowAmount,
		TutorAmount:   decimal.Zero,
		PlatformFee:   decimal.Zero,
	}, nil
}

// Split divides the escrow between student and tutor according to a ruling
// percentage. The student receives studentPercent of the amount, rounded
// half-up to 2 decimal places. The platform fee is levied only against the
// tutor's share, never against the student's refunded portion.
func Split(escrowAmount, studentPercent decimal.Decimal, p Params) (Breakdown, error) {
	if err := checkAmount(escrowAmount); err != nil {
		return Breakdown{}, err
	}
	if err := checkParams(p); err != nil {
		return Breakdown{}, err
	}
	if studentPercent.IsNegative() || studentPercent.GreaterThan(oneHundred) {
		return Breakdown{}, fmt.Errorf("%w: student percent %s outside [0,100]", ErrInvalidAmount, studentPercent)
	}

	studentAmount := round2(escrowAmount.Mul(studentPercent).Div(oneHundred))
	tutorShare := escrowAmount.Sub(studentAmount)
	fee := feeOn(tutorShare, p)

	return Breakdown{
		StudentAmount: studentAmount,
		TutorAmount:   tutorShare.Sub(fee),
		PlatformFee:   fee,
	}, nil
}

// feeOn returns the platform fee levied against share: max(share*rate, minFee)
// rounded to 2 decimal places, clamped so it never exceeds the share. A zero
// fee rate means the platform takes nothing, fee floor included.
func feeOn(share decimal.Decimal, p Params) decimal.Decimal {
	if !share.IsPositive() || !p.PlatformFeeRate.IsPositive() {
		return decimal.Zero
	}
	fee := round2(share.Mul(p.PlatformFeeRate))
	if fee.LessThan(p.MinTransactionFee) {
		fee = round2(p.MinTransactionFee)
	}
	if fee.GreaterThan(share) {
		fee = share
	}
	return fee
}

func checkAmount(amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("%w: escrow amount %s is negative", ErrInvalidAmount, amount)
	}
	return nil
}

func checkParams(p Params) error {
	if p.PlatformFeeRate.IsNegative() || p.PlatformFeeRate.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: platform fee rate %s outside [0,1]", ErrInvalidAmount, p.PlatformFeeRate)
	}
	if p.MinTransactionFee.IsNegative() {
		return fmt.Errorf("%w: minimum fee %s is negative", ErrInvalidAmount, p.MinTransactionFee)
	}
	return nil
}

// round2 rounds to 2 decimal places, half up.
func round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}
