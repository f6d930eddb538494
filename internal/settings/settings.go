// Package settings holds the platform's adjustable financial configuration.
// Rulings always read a fresh copy so an admin fee change applies to the
// next settlement without a restart.
package settings

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidFeeRate = errors.New("settings: platform fee rate must be between 0 and 1")
	ErrInvalidMinFee  = errors.New("settings: minimum transaction fee must be non-negative")
)

// Settings is the platform's financial configuration.
type Settings struct {
	PlatformFeeRate   decimal.Decimal `json:"platformFeeRate"`
	MinTransactionFee decimal.Decimal `json:"minTransactionFee"`
	Currency          string          `json:"currency"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

// Validate checks the settings are internally consistent.
func (s Settings) Validate() error {
	if s.PlatformFeeRate.IsNegative() || s.PlatformFeeRate.GreaterThan(decimal.NewFromInt(1)) {
		return ErrInvalidFeeRate
	}
	if s.MinTransactionFee.IsNegative() {
		return ErrInvalidMinFee
	}
	return nil
}

// Store persists platform settings.
type Store interface {
	Get(ctx context.Context) (Settings, error)
	Update(ctx context.Context, s Settings) (Settings, error)
}
