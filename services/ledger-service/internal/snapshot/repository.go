package snapshot

import (
	"context"
	"errors"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/bankledger/libs/db"
)

// Candidate is an aggregate whose replay cost warrants a fresh snapshot.
type Candidate struct {
	AggregateID         uuid.UUID
	EventCount          int64
	MaxVersion          int64
	LastSnapshotVersion int64
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetLatest returns the current snapshot state and version for an aggregate.
// ok is false when no snapshot exists; callers fall back to full replay.
func (r *Repository) GetLatest(ctx context.Context, aggregateID uuid.UUID) (state []byte, version int64, ok bool, err error) {
	var compressed []byte
	err = r.pool.QueryRow(ctx, `
		SELECT state, version FROM ledger_snapshots WHERE aggregate_id = $1
	`, aggregateID).Scan(&compressed, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	state, err = decompressState(compressed)
	if err != nil {
		return nil, 0, false, err
	}
	return state, version, true, nil
}

// Upsert replaces the aggregate's snapshot, but only if the new version is
// higher than the stored one. A concurrent snapshotter that raced ahead of
// us wins and our stale write becomes a no-op.
func (r *Repository) Upsert(ctx context.Context, aggregateID uuid.UUID, version int64, state []byte) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO ledger_snapshots (aggregate_id, version, state, created_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (aggregate_id) DO UPDATE
		SET version = EXCLUDED.version, state = EXCLUDED.state, created_at = now()
		WHERE ledger_snapshots.version < EXCLUDED.version
	`, aggregateID, version, compressState(state))
	return err
}

// Candidates lists aggregates with more than threshold events whose history
// has grown past the last snapshot (version 0 when none exists), heaviest
// first, capped at limit.
func (r *Repository) Candidates(ctx context.Context, threshold int64, limit int) ([]Candidate, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT e.aggregate_id,
		       COUNT(*) AS event_count,
		       MAX(e.version) AS max_version,
		       COALESCE(s.version, 0) AS last_snapshot_version
		FROM ledger_events e
		LEFT JOIN ledger_snapshots s ON s.aggregate_id = e.aggregate_id
		GROUP BY e.aggregate_id, s.version
		HAVING COUNT(*) > $1 AND MAX(e.version) > COALESCE(s.version, 0)
		ORDER BY COUNT(*) DESC
		LIMIT $2
	`, threshold, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.AggregateID, &c.EventCount, &c.MaxVersion, &c.LastSnapshotVersion); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return candidates, nil
}

func compressState(state []byte) []byte {
	return snappy.Encode(nil, state)
}

func decompressState(compressed []byte) ([]byte, error) {
	return snappy.Decode(nil, compressed)
}
