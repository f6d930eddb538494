package settings

import (
	"context"
	"database/sql"
	"errors"
)

// PostgresStore implements Store against the single-row platform_settings
// table. The migration seeds row id=1; Get falls back to the provided
// defaults only if that row is somehow missing.
type PostgresStore struct {
	db       *sql.DB
	defaults Settings
}

// NewPostgresStore creates a new PostgreSQL-backed settings store.
func NewPostgresStore(db *sql.DB, defaults Settings) *PostgresStore {
	return &PostgresStore{db: db, defaults: defaults}
}

func (p *PostgresStore) Get(ctx context.Context) (Settings, error) {
	var s Settings
	err := p.db.QueryRowContext(ctx, `
		SELECT platform_fee_rate, min_transaction_fee, currency, updated_at
		FROM platform_settings WHERE id = 1
	`).Scan(&s.PlatformFeeRate, &s.MinTransactionFee, &s.Currency, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p.defaults, nil
	}
	if err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (p *PostgresStore) Update(ctx context.Context, s Settings) (Settings, error) {
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	if s.Currency == "" {
		s.Currency = p.defaults.Currency
	}
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO platform_settings (id, platform_fee_rate, min_transaction_fee, currency, updated_at)
		VALUES (1, $1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE SET
			platform_fee_rate   = $1,
			min_transaction_fee = $2,
			currency            = $3,
			updated_at          = NOW()
		RETURNING updated_at
	`, s.PlatformFeeRate, s.MinTransactionFee, s.Currency).Scan(&s.UpdatedAt)
	if err != nil {
		return Settings{}, err
	}
	return s, nil
}
