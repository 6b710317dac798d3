package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/caesarlabs/caesar-core/internal/domain"
)

// accountRepository implements domain.AccountRepository
type accountRepository struct {
	db *DB
}

// NewAccountRepository creates a new account repository
func NewAccountRepository(db *DB) domain.AccountRepository {
	return &accountRepository{db: db}
}

// Get retrieves an account by its ID
func (r *accountRepository) Get(ctx context.Context, id string) (*domain.Account, error) {
	query := `
		SELECT id, balance, last_activity_at, lifetime_fiat_onramped, lifetime_fiat_offramped, is_liquidity_provider
		FROM accounts
		WHERE id = $1
	`

	var acct domain.Account
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&acct.ID,
		&acct.Balance,
		&acct.LastActivityAt,
		&acct.LifetimeFiatOnramped,
		&acct.LifetimeFiatOfframped,
		&acct.IsLiquidityProvider,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrAccountNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query account: %w", err)
	}
	return &acct, nil
}

// Save upserts the account record
func (r *accountRepository) Save(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, balance, last_activity_at, lifetime_fiat_onramped, lifetime_fiat_offramped, is_liquidity_provider)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			balance = EXCLUDED.balance,
			last_activity_at = EXCLUDED.last_activity_at,
			lifetime_fiat_onramped = EXCLUDED.lifetime_fiat_onramped,
			lifetime_fiat_offramped = EXCLUDED.lifetime_fiat_offramped,
			is_liquidity_provider = EXCLUDED.is_liquidity_provider
	`

	_, err := r.db.ExecContext(ctx, query,
		account.ID,
		account.Balance.String(),
		account.LastActivityAt,
		account.LifetimeFiatOnramped.String(),
		account.LifetimeFiatOfframped.String(),
		account.IsLiquidityProvider,
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// List retrieves all accounts ordered by ID
func (r *accountRepository) List(ctx context.Context) ([]*domain.Account, error) {
	query := `
		SELECT id, balance, last_activity_at, lifetime_fiat_onramped, lifetime_fiat_offramped, is_liquidity_provider
		FROM accounts
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*domain.Account
	for rows.Next() {
		var acct domain.Account
		if err := rows.Scan(
			&acct.ID,
			&acct.Balance,
			&acct.LastActivityAt,
			&acct.LifetimeFiatOnramped,
			&acct.LifetimeFiatOfframped,
			&acct.IsLiquidityProvider,
		); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, &acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate accounts: %w", err)
	}
	return accounts, nil
}
