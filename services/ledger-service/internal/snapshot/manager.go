package snapshot

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/aggregate"
)

type Loader interface {
	Load(ctx context.Context, aggregateID uuid.UUID) (aggregate.Root, int64, error)
}

type store interface {
	Candidates(ctx context.Context, threshold int64, limit int) ([]Candidate, error)
	Upsert(ctx context.Context, aggregateID uuid.UUID, version int64, state []byte) error
}

// Manager periodically snapshots the most event-heavy aggregates. It runs
// entirely off the write path: a failed or slow pass only leaves replay more
// expensive, it never blocks or fails a command.
type Manager struct {
	repo      store
	loader    Loader
	logger    *slog.Logger
	interval  time.Duration
	threshold int64
	limit     int
}

type ManagerConfig struct {
	Interval  time.Duration
	Threshold int64
	Limit     int
}

func NewManager(repo *Repository, loader Loader, logger *slog.Logger, cfg ManagerConfig) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 100
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 10
	}
	return &Manager{
		repo:      repo,
		loader:    loader,
		logger:    logger,
		interval:  cfg.Interval,
		threshold: cfg.Threshold,
		limit:     cfg.Limit,
	}
}

func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.snapshotBatch(ctx)
		}
	}
}

func (m *Manager) snapshotBatch(ctx context.Context) {
	candidates, err := m.repo.Candidates(ctx, m.threshold, m.limit)
	if err != nil {
		m.logger.Error("snapshot candidate query failed", "err", err)
		return
	}
	for _, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		if err := m.snapshotOne(ctx, c.AggregateID); err != nil {
			m.logger.Error("snapshot failed", "aggregate_id", c.AggregateID, "err", err)
		}
	}
}

func (m *Manager) snapshotOne(ctx context.Context, aggregateID uuid.UUID) error {
	root, version, err := m.loader.Load(ctx, aggregateID)
	if err != nil {
		return err
	}
	state, err := root.SnapshotState()
	if err != nil {
		return err
	}
	if err := m.repo.Upsert(ctx, aggregateID, version, state); err != nil {
		return err
	}
	m.logger.Info("snapshot written", "aggregate_id", aggregateID, "version", version)
	return nil
}
