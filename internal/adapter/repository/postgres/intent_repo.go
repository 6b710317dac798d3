package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caesarlabs/caesar-core/internal/domain"
)

// intentRepository implements domain.IntentRepository
type intentRepository struct {
	db *DB
}

// NewIntentRepository creates a new transfer intent repository
func NewIntentRepository(db *DB) domain.IntentRepository {
	return &intentRepository{db: db}
}

// Create persists a new intent
func (r *intentRepository) Create(ctx context.Context, intent *domain.TransferIntent) error {
	query := `
		INSERT INTO transfer_intents
			(id, source_account, destination_account, amount, source_chain_id, destination_chain_id,
			 requested_at, state, penalty_fee, throttled_at, reject_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.ExecContext(ctx, query,
		intent.ID,
		intent.SourceAccount,
		intent.DestinationAccount,
		intent.Amount.String(),
		intent.SourceChainID,
		intent.DestinationChainID,
		intent.RequestedAt,
		string(intent.State),
		intent.PenaltyFee.String(),
		intent.ThrottledAt,
		intent.RejectReason,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transfer intent: %w", err)
	}
	return nil
}

// Get retrieves an intent by ID
func (r *intentRepository) Get(ctx context.Context, id uuid.UUID) (*domain.TransferIntent, error) {
	query := `
		SELECT id, source_account, destination_account, amount, source_chain_id, destination_chain_id,
		       requested_at, state, penalty_fee, throttled_at, reject_reason
		FROM transfer_intents
		WHERE id = $1
	`

	intent, err := scanIntent(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrIntentNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transfer intent: %w", err)
	}
	return intent, nil
}

// Update persists changes to an existing intent
func (r *intentRepository) Update(ctx context.Context, intent *domain.TransferIntent) error {
	query := `
		UPDATE transfer_intents
		SET state = $2, penalty_fee = $3, throttled_at = $4, reject_reason = $5
		WHERE id = $1
	`

	result, err := r.db.ExecContext(ctx, query,
		intent.ID,
		string(intent.State),
		intent.PenaltyFee.String(),
		intent.ThrottledAt,
		intent.RejectReason,
	)
	if err != nil {
		return fmt.Errorf("failed to update transfer intent: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrIntentNotFound, intent.ID)
	}
	return nil
}

// ListThrottledBefore returns throttled intents older than the cutoff
func (r *intentRepository) ListThrottledBefore(ctx context.Context, cutoff time.Time) ([]*domain.TransferIntent, error) {
	query := `
		SELECT id, source_account, destination_account, amount, source_chain_id, destination_chain_id,
		       requested_at, state, penalty_fee, throttled_at, reject_reason
		FROM transfer_intents
		WHERE state = $1 AND throttled_at <= $2
	`

	rows, err := r.db.QueryContext(ctx, query, string(domain.IntentThrottled), cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list throttled intents: %w", err)
	}
	defer rows.Close()

	var intents []*domain.TransferIntent
	for rows.Next() {
		intent, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer intent: %w", err)
		}
		intents = append(intents, intent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transfer intents: %w", err)
	}
	return intents, nil
}

// scanner abstracts over sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanIntent(s scanner) (*domain.TransferIntent, error) {
	var intent domain.TransferIntent
	var state string
	var throttledAt sql.NullTime

	err := s.Scan(
		&intent.ID,
		&intent.SourceAccount,
		&intent.DestinationAccount,
		&intent.Amount,
		&intent.SourceChainID,
		&intent.DestinationChainID,
		&intent.RequestedAt,
		&state,
		&intent.PenaltyFee,
		&throttledAt,
		&intent.RejectReason,
	)
	if err != nil {
		return nil, err
	}

	intent.State = domain.IntentState(state)
	if throttledAt.Valid {
		intent.ThrottledAt = &throttledAt.Time
	}
	return &intent, nil
}
