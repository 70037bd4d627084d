package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/md-rashed-zaman/bankledger/libs/db"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/event"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/outbox"
)

// ConflictError reports an optimistic concurrency failure: the caller's
// expected version no longer matches the aggregate's committed history.
// The caller is expected to reload, re-decide and resubmit; the store never
// retries on its own.
type ConflictError struct {
	AggregateID uuid.UUID
	Expected    int64
	Actual      int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on aggregate %s: expected %d, found %d", e.AggregateID, e.Expected, e.Actual)
}

type querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the append-only event log. Events and their outbox entries are
// written in a single transaction; the unique (aggregate_id, version) index
// is the serialization point for concurrent writers.
type Store struct {
	pool       querier
	outboxRepo *outbox.Repository
}

func NewStore(pool *db.Pool, outboxRepo *outbox.Repository) *Store {
	return &Store{pool: pool, outboxRepo: outboxRepo}
}

// Append commits events at versions expectedVersion+1..+N, all or nothing.
// expectedVersion must equal the aggregate's current highest version (0 for a
// new aggregate) or the call fails with *ConflictError and writes nothing.
func (s *Store) Append(ctx context.Context, aggregateID uuid.UUID, expectedVersion int64, events []event.NewEvent) ([]event.Event, error) {
	if len(events) == 0 {
		return nil, errors.New("append requires at least one event")
	}
	if expectedVersion < 0 {
		return nil, fmt.Errorf("expected version must be >= 0 (got %d)", expectedVersion)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current int64
	if err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM ledger_events WHERE aggregate_id = $1
	`, aggregateID).Scan(&current); err != nil {
		return nil, err
	}
	if current != expectedVersion {
		return nil, &ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: current}
	}

	now := time.Now().UTC()
	committed := make([]event.Event, 0, len(events))
	for i, ne := range events {
		evt := event.Event{
			ID:          uuid.New(),
			AggregateID: aggregateID,
			Version:     expectedVersion + int64(i) + 1,
			EventType:   ne.EventType,
			Payload:     ne.Payload,
			OccurredAt:  now,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO ledger_events (id, aggregate_id, version, event_type, payload, occurred_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, evt.ID, evt.AggregateID, evt.Version, evt.EventType, evt.Payload, evt.OccurredAt); err != nil {
			if isUniqueViolation(err) {
				// A racing writer committed this version between our read
				// and insert. Exactly one of us wins. The failed tx can't
				// run queries anymore, so re-read the committed version on
				// the pool to report where history actually stands.
				return nil, &ConflictError{AggregateID: aggregateID, Expected: expectedVersion, Actual: s.currentVersion(ctx, aggregateID, evt.Version)}
			}
			return nil, err
		}
		if err := s.outboxRepo.Insert(ctx, tx, evt); err != nil {
			return nil, err
		}
		committed = append(committed, evt)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return committed, nil
}

// Read returns the aggregate's events from fromVersion (inclusive), ordered
// strictly by version ascending.
func (s *Store) Read(ctx context.Context, aggregateID uuid.UUID, fromVersion int64) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, aggregate_id, version, event_type, payload, occurred_at
		FROM ledger_events
		WHERE aggregate_id = $1 AND version >= $2
		ORDER BY version
	`, aggregateID, fromVersion)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var evt event.Event
		if err := rows.Scan(&evt.ID, &evt.AggregateID, &evt.Version, &evt.EventType, &evt.Payload, &evt.OccurredAt); err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// currentVersion reads the aggregate's committed highest version. fallback is
// returned when the read itself fails, so conflict reporting never masks the
// conflict.
func (s *Store) currentVersion(ctx context.Context, aggregateID uuid.UUID, fallback int64) int64 {
	var current int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(version), 0) FROM ledger_events WHERE aggregate_id = $1
	`, aggregateID).Scan(&current); err != nil {
		return fallback
	}
	return current
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
