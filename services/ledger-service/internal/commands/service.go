package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/account"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/aggregate"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/event"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/eventstore"
)

type EventAppender interface {
	Append(ctx context.Context, aggregateID uuid.UUID, expectedVersion int64, events []event.NewEvent) ([]event.Event, error)
}

type AccountLoader interface {
	Load(ctx context.Context, aggregateID uuid.UUID) (aggregate.Root, int64, error)
}

// CacheNotifier is the externally-owned read cache the service pokes after
// commits. Both calls are best-effort.
type CacheNotifier interface {
	OnCommitted(ctx context.Context, aggregateID uuid.UUID, version int64)
	Refresh(ctx context.Context, aggregateID uuid.UUID, payload []byte)
}

// Service is the command side of the ledger: load current state, decide,
// append with the loaded version as the concurrency check. Version conflicts
// are retried with freshly reloaded state, since the decision may come out
// differently against the new balance.
type Service struct {
	store      EventAppender
	loader     AccountLoader
	cache      CacheNotifier
	logger     *slog.Logger
	maxRetries int
	retryBase  time.Duration
}

type Config struct {
	MaxRetries int
	RetryBase  time.Duration
}

func NewService(store EventAppender, loader AccountLoader, cache CacheNotifier, logger *slog.Logger, cfg Config) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 25 * time.Millisecond
	}
	return &Service{
		store:      store,
		loader:     loader,
		cache:      cache,
		logger:     logger,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
	}
}

func (s *Service) OpenAccount(ctx context.Context, ownerName string, initialBalance int64) (uuid.UUID, error) {
	evt, err := account.Open(ownerName, initialBalance)
	if err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	committed, err := s.store.Append(ctx, id, 0, []event.NewEvent{evt})
	if err != nil {
		return uuid.Nil, err
	}
	s.notify(ctx, id, committed[len(committed)-1].Version)
	return id, nil
}

func (s *Service) Deposit(ctx context.Context, accountID uuid.UUID, amount int64) (int64, error) {
	return s.mutate(ctx, accountID, func(acc *account.Account) (event.NewEvent, error) {
		return acc.Deposit(amount)
	})
}

func (s *Service) Withdraw(ctx context.Context, accountID uuid.UUID, amount int64) (int64, error) {
	return s.mutate(ctx, accountID, func(acc *account.Account) (event.NewEvent, error) {
		return acc.Withdraw(amount)
	})
}

// GetAccount returns the current state and version, refreshing the read
// cache as a side effect. The cached payload is the same view document the
// read endpoint serves, so hits and misses render identically.
func (s *Service) GetAccount(ctx context.Context, accountID uuid.UUID) (*account.Account, int64, error) {
	acc, version, err := s.load(ctx, accountID)
	if err != nil {
		return nil, 0, err
	}
	if s.cache != nil {
		if doc, err := json.Marshal(acc.View(version)); err == nil {
			s.cache.Refresh(ctx, accountID, doc)
		}
	}
	return acc, version, nil
}

func (s *Service) mutate(ctx context.Context, accountID uuid.UUID, decide func(*account.Account) (event.NewEvent, error)) (int64, error) {
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			delay := s.retryBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(delay):
			}
		}

		acc, version, err := s.load(ctx, accountID)
		if err != nil {
			return 0, err
		}
		evt, err := decide(acc)
		if err != nil {
			return 0, err
		}

		committed, err := s.store.Append(ctx, accountID, version, []event.NewEvent{evt})
		if err != nil {
			var conflict *eventstore.ConflictError
			if errors.As(err, &conflict) {
				lastErr = err
				s.logger.Info("append conflict, retrying with fresh state",
					"aggregate_id", accountID,
					"attempt", attempt+1,
				)
				continue
			}
			return 0, err
		}

		newVersion := committed[len(committed)-1].Version
		s.notify(ctx, accountID, newVersion)
		return newVersion, nil
	}
	return 0, fmt.Errorf("gave up after %d conflicting attempts: %w", s.maxRetries+1, lastErr)
}

func (s *Service) load(ctx context.Context, accountID uuid.UUID) (*account.Account, int64, error) {
	root, version, err := s.loader.Load(ctx, accountID)
	if err != nil {
		return nil, 0, err
	}
	acc, ok := root.(*account.Account)
	if !ok {
		return nil, 0, fmt.Errorf("loader returned %T, want *account.Account", root)
	}
	return acc, version, nil
}

func (s *Service) notify(ctx context.Context, accountID uuid.UUID, version int64) {
	if s.cache != nil {
		s.cache.OnCommitted(ctx, accountID, version)
	}
}
