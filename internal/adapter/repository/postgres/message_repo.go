package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/caesarlabs/caesar-core/internal/domain"
)

// messageRepository implements domain.MessageRepository
type messageRepository struct {
	db *DB
}

// NewMessageRepository creates a new relay message repository
func NewMessageRepository(db *DB) domain.MessageRepository {
	return &messageRepository{db: db}
}

// Create persists a new message and its validations in one transaction
func (r *messageRepository) Create(ctx context.Context, msg *domain.RelayMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO relay_messages
			(id, intent_id, source_account, dest_account, source_chain_id, dest_chain_id,
			 amount, nonce, quorum_threshold, state, submitted_at, credit_pending, refund_pending)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = tx.ExecContext(ctx, query,
		msg.ID,
		msg.IntentID,
		msg.Payload.SourceAccount,
		msg.Payload.DestinationAccount,
		msg.Payload.SourceChainID,
		msg.Payload.DestinationChainID,
		msg.Payload.Amount.String(),
		msg.Payload.Nonce,
		msg.QuorumThreshold,
		string(msg.State),
		msg.SubmittedAt,
		msg.CreditPending,
		msg.RefundPending,
	)
	if err != nil {
		return fmt.Errorf("failed to insert relay message: %w", err)
	}

	if err := insertValidations(ctx, tx, msg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Get retrieves a message by ID, including its validations
func (r *messageRepository) Get(ctx context.Context, id uuid.UUID) (*domain.RelayMessage, error) {
	query := `
		SELECT id, intent_id, source_account, dest_account, source_chain_id, dest_chain_id,
		       amount, nonce, quorum_threshold, state, submitted_at, credit_pending, refund_pending
		FROM relay_messages
		WHERE id = $1
	`

	msg, err := scanMessage(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrMessageNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query relay message: %w", err)
	}

	if err := r.loadValidations(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Update persists message state and replaces its validation set
func (r *messageRepository) Update(ctx context.Context, msg *domain.RelayMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE relay_messages
		SET state = $2, credit_pending = $3, refund_pending = $4
		WHERE id = $1
	`
	result, err := tx.ExecContext(ctx, query, msg.ID, string(msg.State), msg.CreditPending, msg.RefundPending)
	if err != nil {
		return fmt.Errorf("failed to update relay message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrMessageNotFound, msg.ID)
	}

	// Validations are append-only per (message, validator); re-inserting
	// the full set with conflict-skip keeps the write idempotent.
	if err := insertValidations(ctx, tx, msg); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// NextNonce atomically allocates the next nonce for the route scope
func (r *messageRepository) NextNonce(ctx context.Context, sourceChain, destChain, sourceAccount string) (uint64, error) {
	query := `
		INSERT INTO relay_nonces (source_chain_id, dest_chain_id, source_account, next_nonce)
		VALUES ($1, $2, $3, 2)
		ON CONFLICT (source_chain_id, dest_chain_id, source_account)
		DO UPDATE SET next_nonce = relay_nonces.next_nonce + 1
		RETURNING next_nonce - 1
	`

	var nonce uint64
	if err := r.db.QueryRowContext(ctx, query, sourceChain, destChain, sourceAccount).Scan(&nonce); err != nil {
		return 0, fmt.Errorf("failed to allocate nonce: %w", err)
	}
	return nonce, nil
}

// ListCollecting returns all messages still collecting validations
func (r *messageRepository) ListCollecting(ctx context.Context) ([]*domain.RelayMessage, error) {
	return r.listWhere(ctx, `state = $1`, string(domain.MessageCollecting))
}

// ListCreditPending returns delivered messages with an outstanding credit
func (r *messageRepository) ListCreditPending(ctx context.Context) ([]*domain.RelayMessage, error) {
	return r.listWhere(ctx, `credit_pending = $1`, true)
}

// ListRefundPending returns expired messages with an outstanding refund
func (r *messageRepository) ListRefundPending(ctx context.Context) ([]*domain.RelayMessage, error) {
	return r.listWhere(ctx, `refund_pending = $1`, true)
}

func (r *messageRepository) listWhere(ctx context.Context, where string, arg any) ([]*domain.RelayMessage, error) {
	query := `
		SELECT id, intent_id, source_account, dest_account, source_chain_id, dest_chain_id,
		       amount, nonce, quorum_threshold, state, submitted_at, credit_pending, refund_pending
		FROM relay_messages
		WHERE ` + where

	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list relay messages: %w", err)
	}
	defer rows.Close()

	var msgs []*domain.RelayMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relay message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate relay messages: %w", err)
	}

	for _, msg := range msgs {
		if err := r.loadValidations(ctx, msg); err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func (r *messageRepository) loadValidations(ctx context.Context, msg *domain.RelayMessage) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT validator_id, signature FROM relay_validations WHERE message_id = $1`, msg.ID)
	if err != nil {
		return fmt.Errorf("failed to load validations: %w", err)
	}
	defer rows.Close()

	msg.Validations = make(map[string][]byte)
	for rows.Next() {
		var validatorID string
		var signature []byte
		if err := rows.Scan(&validatorID, &signature); err != nil {
			return fmt.Errorf("failed to scan validation: %w", err)
		}
		msg.Validations[validatorID] = signature
	}
	return rows.Err()
}

func insertValidations(ctx context.Context, tx *sql.Tx, msg *domain.RelayMessage) error {
	query := `
		INSERT INTO relay_validations (message_id, validator_id, signature)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, validator_id) DO NOTHING
	`
	for validatorID, signature := range msg.Validations {
		if _, err := tx.ExecContext(ctx, query, msg.ID, validatorID, signature); err != nil {
			return fmt.Errorf("failed to insert validation: %w", err)
		}
	}
	return nil
}

func scanMessage(s scanner) (*domain.RelayMessage, error) {
	var msg domain.RelayMessage
	var state string

	err := s.Scan(
		&msg.ID,
		&msg.IntentID,
		&msg.Payload.SourceAccount,
		&msg.Payload.DestinationAccount,
		&msg.Payload.SourceChainID,
		&msg.Payload.DestinationChainID,
		&msg.Payload.Amount,
		&msg.Payload.Nonce,
		&msg.QuorumThreshold,
		&state,
		&msg.SubmittedAt,
		&msg.CreditPending,
		&msg.RefundPending,
	)
	if err != nil {
		return nil, err
	}
	msg.State = domain.MessageState(state)
	return &msg, nil
}
