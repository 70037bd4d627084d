package storage

import (
	"context"

	"github.com/md-rashed-zaman/bankledger/libs/db"
)

// Schema matches the logical model: append-only events with a unique
// (aggregate_id, version) pair, one snapshot row per aggregate, outbox rows
// shadowing events, and the consumer inbox. Events are never updated or
// deleted; full retention is the policy.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS ledger_events (
		id UUID PRIMARY KEY,
		aggregate_id UUID NOT NULL,
		version BIGINT NOT NULL,
		event_type TEXT NOT NULL,
		payload JSONB NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		UNIQUE (aggregate_id, version)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_snapshots (
		aggregate_id UUID PRIMARY KEY,
		version BIGINT NOT NULL,
		state BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_outbox (
		event_id UUID PRIMARY KEY REFERENCES ledger_events (id),
		aggregate_id UUID NOT NULL,
		version BIGINT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'published', 'failed')),
		attempts INT NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMPTZ,
		traceparent TEXT NOT NULL DEFAULT '',
		tracestate TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_outbox_unpublished_idx
		ON ledger_outbox (aggregate_id, version)
		WHERE status <> 'published'`,
	`CREATE TABLE IF NOT EXISTS ledger_inbox (
		event_id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

func EnsureSchema(ctx context.Context, pool *db.Pool) error {
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
