package postgres

import (
	"context"
	"fmt"
)

// migrations are applied in order; each entry runs at most once,
// tracked in the schema_migrations table.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id                      TEXT PRIMARY KEY,
		balance                 NUMERIC(38, 0) NOT NULL DEFAULT 0,
		last_activity_at        TIMESTAMPTZ NOT NULL,
		lifetime_fiat_onramped  NUMERIC(38, 2) NOT NULL DEFAULT 0,
		lifetime_fiat_offramped NUMERIC(38, 2) NOT NULL DEFAULT 0,
		is_liquidity_provider   BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	`CREATE TABLE IF NOT EXISTS activity_events (
		id          BIGSERIAL PRIMARY KEY,
		account_id  TEXT NOT NULL,
		kind        TEXT NOT NULL, -- ONRAMP | TRANSFER
		amount      NUMERIC(38, 2) NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL
	)`,

	`CREATE INDEX IF NOT EXISTS idx_activity_events_account_time
		ON activity_events (account_id, kind, occurred_at)`,

	`CREATE TABLE IF NOT EXISTS transfer_intents (
		id                   UUID PRIMARY KEY,
		source_account       TEXT NOT NULL,
		destination_account  TEXT NOT NULL,
		amount               NUMERIC(38, 0) NOT NULL,
		source_chain_id      TEXT NOT NULL,
		destination_chain_id TEXT NOT NULL,
		requested_at         TIMESTAMPTZ NOT NULL,
		state                TEXT NOT NULL,
		penalty_fee          NUMERIC(38, 0) NOT NULL DEFAULT 0,
		throttled_at         TIMESTAMPTZ,
		reject_reason        TEXT NOT NULL DEFAULT ''
	)`,

	`CREATE INDEX IF NOT EXISTS idx_transfer_intents_state
		ON transfer_intents (state, throttled_at)`,

	`CREATE TABLE IF NOT EXISTS relay_messages (
		id               UUID PRIMARY KEY,
		intent_id        UUID NOT NULL REFERENCES transfer_intents (id),
		source_account   TEXT NOT NULL,
		dest_account     TEXT NOT NULL,
		source_chain_id  TEXT NOT NULL,
		dest_chain_id    TEXT NOT NULL,
		amount           NUMERIC(38, 0) NOT NULL,
		nonce            BIGINT NOT NULL,
		quorum_threshold INT NOT NULL,
		state            TEXT NOT NULL,
		submitted_at     TIMESTAMPTZ NOT NULL,
		credit_pending   BOOLEAN NOT NULL DEFAULT FALSE,
		refund_pending   BOOLEAN NOT NULL DEFAULT FALSE,
		UNIQUE (source_chain_id, dest_chain_id, source_account, nonce)
	)`,

	`CREATE TABLE IF NOT EXISTS relay_validations (
		message_id   UUID NOT NULL REFERENCES relay_messages (id),
		validator_id TEXT NOT NULL,
		signature    BYTEA NOT NULL,
		PRIMARY KEY (message_id, validator_id)
	)`,

	`CREATE TABLE IF NOT EXISTS relay_nonces (
		source_chain_id TEXT NOT NULL,
		dest_chain_id   TEXT NOT NULL,
		source_account  TEXT NOT NULL,
		next_nonce      BIGINT NOT NULL DEFAULT 1,
		PRIMARY KEY (source_chain_id, dest_chain_id, source_account)
	)`,

	`CREATE TABLE IF NOT EXISTS relay_settlements (
		settlement_key TEXT PRIMARY KEY,
		settled_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate applies all pending schema migrations.
func Migrate(ctx context.Context, db *DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	for version, stmt := range migrations {
		var exists bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", version, err)
		}
		if exists {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", version, err)
		}
	}
	return nil
}
