package outbox

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/bankledger/libs/db"
	"github.com/md-rashed-zaman/bankledger/libs/kafkax"
	otelx "github.com/md-rashed-zaman/bankledger/libs/otel"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the slice of kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type outboxStore interface {
	FetchFrontier(ctx context.Context, tx pgx.Tx, retryAfter time.Duration, limit int) ([]Record, error)
	MarkPublished(ctx context.Context, tx pgx.Tx, eventIDs []uuid.UUID) error
	MarkAttemptFailed(ctx context.Context, tx pgx.Tx, eventID uuid.UUID, attempts, maxAttempts int) error
}

type Publisher struct {
	pool        txBeginner
	repo        outboxStore
	logger      *slog.Logger
	brokers     []string
	topic       string
	pollEvery   time.Duration
	batchSize   int
	maxAttempts int
	retryAfter  time.Duration
}

type PublisherConfig struct {
	Brokers     string
	Topic       string
	PollEvery   time.Duration
	BatchSize   int
	MaxAttempts int
	RetryAfter  time.Duration
}

func NewPublisher(pool *db.Pool, repo *Repository, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	brokers := kafkax.SplitBrokers(cfg.Brokers)
	if cfg.Topic == "" {
		cfg.Topic = "ledger.events.v1"
	}
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.RetryAfter <= 0 {
		cfg.RetryAfter = 30 * time.Second
	}
	return &Publisher{
		pool:        pool,
		repo:        repo,
		logger:      logger,
		brokers:     brokers,
		topic:       cfg.Topic,
		pollEvery:   cfg.PollEvery,
		batchSize:   cfg.BatchSize,
		maxAttempts: cfg.MaxAttempts,
		retryAfter:  cfg.RetryAfter,
	}
}

func (p *Publisher) Run(ctx context.Context) {
	if len(p.brokers) == 0 {
		p.logger.Warn("outbox publisher disabled (no kafka brokers configured)")
		return
	}

	// Hash balancer keys partitions by aggregate_id, so the log preserves
	// per-aggregate order on the wire.
	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  p.brokers,
		Topic:    p.topic,
		Balancer: &kafka.Hash{},
	})
	defer writer.Close()

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.drain(ctx, writer); err != nil {
				p.logger.Error("outbox drain failed", "err", err)
			}
		}
	}
}

// drain publishes frontier rounds until no work remains. Each round ships at
// most one event per aggregate, so repeated rounds walk each aggregate's
// history forward in commit order.
func (p *Publisher) drain(ctx context.Context, writer MessageWriter) error {
	for {
		n, err := p.publishRound(ctx, writer)
		if err != nil || n == 0 {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (p *Publisher) publishRound(ctx context.Context, writer MessageWriter) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := p.repo.FetchFrontier(ctx, tx, p.retryAfter, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, tx.Commit(ctx)
	}

	var published []uuid.UUID
	for _, rcd := range records {
		msgCtx := otelx.ContextWithTraceContext(ctx, rcd.Traceparent, rcd.Tracestate)
		msg := buildMessage(rcd)
		msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)

		if err := writer.WriteMessages(ctx, msg); err != nil {
			attempts := rcd.Attempts + 1
			if markErr := p.repo.MarkAttemptFailed(ctx, tx, rcd.EventID, attempts, p.maxAttempts); markErr != nil {
				return 0, markErr
			}
			if attempts >= p.maxAttempts {
				p.logger.Error("outbox delivery exhausted",
					"event_id", rcd.EventID,
					"aggregate_id", rcd.AggregateID,
					"version", rcd.Version,
					"attempts", attempts,
					"err", err,
				)
			} else {
				p.logger.Warn("outbox delivery failed",
					"event_id", rcd.EventID,
					"aggregate_id", rcd.AggregateID,
					"version", rcd.Version,
					"attempts", attempts,
					"err", err,
				)
			}
			// Other aggregates keep publishing; this aggregate's later
			// versions stay blocked by the frontier query.
			continue
		}
		published = append(published, rcd.EventID)
	}

	if err := p.repo.MarkPublished(ctx, tx, published); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(published), nil
}

// buildMessage maps an outbox record to its wire form: keyed by aggregate_id
// with event identity in headers so consumers can dedupe on event_id.
func buildMessage(rcd Record) kafka.Message {
	return kafka.Message{
		Key:   []byte(rcd.AggregateID.String()),
		Value: rcd.Payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(rcd.EventID.String())},
			{Key: "event_type", Value: []byte(rcd.EventType)},
			{Key: "aggregate_version", Value: []byte(strconv.FormatInt(rcd.Version, 10))},
		},
	}
}
