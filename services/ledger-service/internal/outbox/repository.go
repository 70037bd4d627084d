package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/bankledger/libs/db"
	otelx "github.com/md-rashed-zaman/bankledger/libs/otel"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/event"
)

const (
	StatusPending   = "pending"
	StatusPublished = "published"
	StatusFailed    = "failed"
)

// Record is a pending outbox entry joined with the event it shadows.
type Record struct {
	EventID     uuid.UUID
	AggregateID uuid.UUID
	Version     int64
	Attempts    int
	EventType   string
	Payload     []byte
	Traceparent string
	Tracestate  string
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert records a delivery obligation for a freshly committed event. It must
// run inside the same transaction as the event insert so that a commit either
// persists both or neither.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt event.Event) error {
	traceparent, tracestate := otelx.TraceContextStrings(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_outbox (event_id, aggregate_id, version, status, attempts, traceparent, tracestate)
		VALUES ($1, $2, $3, 'pending', 0, $4, $5)
	`, evt.ID, evt.AggregateID, evt.Version, traceparent, tracestate)
	return err
}

// FetchFrontier selects pending entries that are the lowest unpublished
// version of their aggregate. Selecting only the frontier keeps per-aggregate
// publish order strict even when multiple publisher instances poll with
// SKIP LOCKED: version N+1 is never visible while N is pending, in flight, or
// failed. Entries that failed recently are held back until the retry delay
// elapses.
func (r *Repository) FetchFrontier(ctx context.Context, tx pgx.Tx, retryAfter time.Duration, limit int) ([]Record, error) {
	rows, err := tx.Query(ctx, `
		SELECT o.event_id, o.aggregate_id, o.version, o.attempts, o.traceparent, o.tracestate,
		       e.event_type, e.payload
		FROM ledger_outbox o
		JOIN ledger_events e ON e.id = o.event_id
		WHERE o.status = 'pending'
		  AND (o.last_attempt_at IS NULL OR o.last_attempt_at <= now() - make_interval(secs => $1))
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_outbox prev
			WHERE prev.aggregate_id = o.aggregate_id
			  AND prev.version < o.version
			  AND prev.status <> 'published'
		  )
		ORDER BY o.aggregate_id, o.version
		LIMIT $2
		FOR UPDATE OF o SKIP LOCKED
	`, retryAfter.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rcd Record
		if err := rows.Scan(&rcd.EventID, &rcd.AggregateID, &rcd.Version, &rcd.Attempts, &rcd.Traceparent, &rcd.Tracestate, &rcd.EventType, &rcd.Payload); err != nil {
			return nil, err
		}
		records = append(records, rcd)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

func (r *Repository) MarkPublished(ctx context.Context, tx pgx.Tx, eventIDs []uuid.UUID) error {
	if len(eventIDs) == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, `
		UPDATE ledger_outbox
		SET status = 'published', last_attempt_at = now()
		WHERE event_id = ANY($1)
	`, eventIDs)
	return err
}

// MarkAttemptFailed records a delivery failure. The entry stays pending until
// attempts reach maxAttempts, then transitions to failed. A failed entry
// blocks later versions of its aggregate until an operator requeues it; the
// event itself stays durable in ledger_events either way.
func (r *Repository) MarkAttemptFailed(ctx context.Context, tx pgx.Tx, eventID uuid.UUID, attempts, maxAttempts int) error {
	_, err := tx.Exec(ctx, `
		UPDATE ledger_outbox
		SET attempts = $2,
		    status = $3,
		    last_attempt_at = now()
		WHERE event_id = $1
	`, eventID, attempts, statusAfter(attempts, maxAttempts))
	return err
}

// Requeue resets an aggregate's failed entries back to pending so the
// publisher picks them up again. Used by the operator re-drive endpoint.
func (r *Repository) Requeue(ctx context.Context, aggregateID uuid.UUID) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE ledger_outbox
		SET status = 'pending', attempts = 0, last_attempt_at = NULL
		WHERE aggregate_id = $1 AND status = 'failed'
	`, aggregateID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM ledger_outbox GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func statusAfter(attempts, maxAttempts int) string {
	if attempts >= maxAttempts {
		return StatusFailed
	}
	return StatusPending
}
