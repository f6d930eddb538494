// Package wallet tracks per-user balance buckets.
//
// Every participant (student, tutor, and the platform itself) has one wallet
// with an available bucket (withdrawable), an escrow bucket (held pending
// settlement, not withdrawable), and a monotonic lifetime-earnings total for
// tutors. Wallets are created lazily on the first financial event and never
// deleted, only zeroed.
//
// Balance mutations are atomic per wallet and reject anything that would
// drive a bucket negative. Callers are responsible for writing the matching
// ledger entry; the ledger package bundles both under one transaction.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrInvalidAmount     = errors.New("wallet: amount must be positive")
	ErrUnknownBucket     = errors.New("wallet: unknown bucket")
)

// PlatformAccountID is the reserved owner id of the platform fee wallet.
const PlatformAccountID = "platform"

// Bucket identifies which balance a mutation applies to.
type Bucket string

const (
	BucketAvailable Bucket = "available"
	BucketEscrow    Bucket = "escrow"
)

func (b Bucket) valid() bool {
	return b == BucketAvailable || b == BucketEscrow
}

// Wallet holds one user's balances.
type Wallet struct {
	UserID           string          `json:"userId"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	EscrowBalance    decimal.Decimal `json:"escrowBalance"`
	TotalEarnings    decimal.Decimal `json:"totalEarnings"`
	Currency         string          `json:"currency"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Store persists wallet balances.
//
// Get returns a zero-balance wallet for users that have no financial history
// yet; mutating calls create the wallet row on first use. Debit fails with
// ErrInsufficientFunds and leaves the wallet unchanged when the bucket would
// go negative.
type Store interface {
	Get(ctx context.Context, userID string) (*Wallet, error)
	Credit(ctx context.Context, userID string, amount decimal.Decimal, bucket Bucket) error
	Debit(ctx context.Context, userID string, amount decimal.Decimal, bucket Bucket) error
	MoveBetweenBuckets(ctx context.Context, userID string, amount decimal.Decimal, from, to Bucket) error

	// CreditEarnings credits the available bucket and bumps the lifetime
	// earnings total in one step. Used for tutor payouts.
	CreditEarnings(ctx context.Context, userID string, amount decimal.Decimal) error
}

func checkMutation(amount decimal.Decimal, buckets ...Bucket) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	for _, b := range buckets {
		if !b.valid() {
			return ErrUnknownBucket
		}
	}
	return nil
}
