package postgres

import (
	"context"
	"fmt"

	"github.com/caesarlabs/caesar-core/internal/domain"
)

// settlementRepository implements domain.SettlementRepository
type settlementRepository struct {
	db *DB
}

// NewSettlementRepository creates a new settlement key repository
func NewSettlementRepository(db *DB) domain.SettlementRepository {
	return &settlementRepository{db: db}
}

// Applied reports whether the key has been settled
func (r *settlementRepository) Applied(ctx context.Context, key string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM relay_settlements WHERE settlement_key = $1)`

	var applied bool
	if err := r.db.QueryRowContext(ctx, query, key).Scan(&applied); err != nil {
		return false, fmt.Errorf("failed to check settlement %s: %w", key, err)
	}
	return applied, nil
}

// Mark records the key as settled
func (r *settlementRepository) Mark(ctx context.Context, key string) error {
	query := `
		INSERT INTO relay_settlements (settlement_key)
		VALUES ($1)
		ON CONFLICT (settlement_key) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to mark settlement %s: %w", key, err)
	}
	return nil
}
