package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/caesarlabs/caesar-core/internal/domain"
)

const (
	eventKindOnramp   = "ONRAMP"
	eventKindTransfer = "TRANSFER"
)

// activityRepository implements domain.ActivityRepository
type activityRepository struct {
	db *DB
}

// NewActivityRepository creates a new activity repository
func NewActivityRepository(db *DB) domain.ActivityRepository {
	return &activityRepository{db: db}
}

// RecordOnramp records a fiat onramp event for the account
func (r *activityRepository) RecordOnramp(ctx context.Context, accountID string, fiatAmount decimal.Decimal, at time.Time) error {
	return r.record(ctx, accountID, eventKindOnramp, fiatAmount, at)
}

// RecordTransfer records an outbound transfer debit for the account
func (r *activityRepository) RecordTransfer(ctx context.Context, accountID string, amount decimal.Decimal, at time.Time) error {
	return r.record(ctx, accountID, eventKindTransfer, amount, at)
}

func (r *activityRepository) record(ctx context.Context, accountID, kind string, amount decimal.Decimal, at time.Time) error {
	query := `
		INSERT INTO activity_events (account_id, kind, amount, occurred_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := r.db.ExecContext(ctx, query, accountID, kind, amount.String(), at); err != nil {
		return fmt.Errorf("failed to record %s event: %w", kind, err)
	}
	return nil
}

// SumOnramps totals onramp events for the account since the cutoff
func (r *activityRepository) SumOnramps(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error) {
	return r.sum(ctx, accountID, eventKindOnramp, since)
}

// SumTransfers totals transfer events for the account since the cutoff
func (r *activityRepository) SumTransfers(ctx context.Context, accountID string, since time.Time) (decimal.Decimal, error) {
	return r.sum(ctx, accountID, eventKindTransfer, since)
}

func (r *activityRepository) sum(ctx context.Context, accountID, kind string, since time.Time) (decimal.Decimal, error) {
	query := `
		SELECT COALESCE(SUM(amount), 0)
		FROM activity_events
		WHERE account_id = $1 AND kind = $2 AND occurred_at >= $3
	`

	var total decimal.Decimal
	if err := r.db.QueryRowContext(ctx, query, accountID, kind, since).Scan(&total); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum %s events: %w", kind, err)
	}
	return total, nil
}
