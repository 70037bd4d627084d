package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/bankledger/libs/config"
	"github.com/md-rashed-zaman/bankledger/libs/db"
	"github.com/md-rashed-zaman/bankledger/libs/httpx"
	"github.com/md-rashed-zaman/bankledger/libs/kafkax"
	otelx "github.com/md-rashed-zaman/bankledger/libs/otel"
	"github.com/md-rashed-zaman/bankledger/libs/redisx"
	"github.com/md-rashed-zaman/bankledger/libs/runtime"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/account"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/aggregate"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/cache"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/commands"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/consumer"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/eventstore"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/inbox"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/outbox"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/snapshot"
	"github.com/md-rashed-zaman/bankledger/services/ledger-service/internal/storage"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "ledger-service")
	port, err := config.Port("PORT", "8090")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}

	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	if err := storage.EnsureSchema(ctx, pool); err != nil {
		logger.Error("schema bootstrap failed", "err", err)
		panic(err)
	}

	var cacheCoordinator *cache.Coordinator
	readyChecks := []runtime.ReadyCheck{
		{Name: "db", Check: db.ReadyCheck(pool)},
		{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	}
	if addr := config.String("REDIS_ADDR", ""); addr != "" {
		rdb, err := redisx.Open(ctx, addr, config.String("REDIS_PASSWORD", ""), config.Int("REDIS_DB", 0))
		if err != nil {
			logger.Error("redis connection failed", "err", err)
			panic(err)
		}
		defer func() { _ = rdb.Close() }()
		cacheCoordinator = cache.NewCoordinator(rdb, logger, config.Duration("CACHE_TTL", 5*time.Minute))
		readyChecks = append(readyChecks, runtime.ReadyCheck{Name: "redis", Check: redisx.ReadyCheck(rdb)})
	} else {
		logger.Warn("read cache disabled (no REDIS_ADDR configured)")
	}

	outboxRepo := outbox.NewRepository(pool)
	snapshotRepo := snapshot.NewRepository(pool)
	store := eventstore.NewStore(pool, outboxRepo)
	loader := aggregate.NewLoader(store, snapshotRepo, account.Factory)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:     config.String("KAFKA_BROKERS", ""),
		Topic:       config.String("KAFKA_EVENTS_TOPIC", "ledger.events.v1"),
		PollEvery:   config.Duration("OUTBOX_POLL_INTERVAL", 2*time.Second),
		BatchSize:   config.Int("OUTBOX_BATCH_SIZE", 50),
		MaxAttempts: config.Int("OUTBOX_MAX_ATTEMPTS", 10),
		RetryAfter:  config.Duration("OUTBOX_RETRY_AFTER", 30*time.Second),
	})
	go outboxPublisher.Run(ctx)

	snapshotManager := snapshot.NewManager(snapshotRepo, loader, logger, snapshot.ManagerConfig{
		Interval:  config.Duration("SNAPSHOT_INTERVAL", 30*time.Second),
		Threshold: int64(config.Int("SNAPSHOT_THRESHOLD", 100)),
		Limit:     config.Int("SNAPSHOT_LIMIT", 10),
	})
	go snapshotManager.Run(ctx)

	commandService := commands.NewService(store, loader, cacheCoordinator, logger, commands.Config{
		MaxRetries: config.Int("COMMAND_MAX_RETRIES", 5),
		RetryBase:  config.Duration("COMMAND_RETRY_BASE", 25*time.Millisecond),
	})

	inboxRepo := inbox.NewRepository(pool)
	consumerCfg := consumer.Config{
		Brokers: config.String("KAFKA_BROKERS", ""),
		GroupID: config.String("KAFKA_GROUP_ID", "ledger-service"),
		Topic:   config.String("KAFKA_COMMAND_TOPIC", "ledger.command.requested.v1"),
	}

	type commandRequest struct {
		Command   string `json:"command"`
		AccountID string `json:"account_id"`
		OwnerName string `json:"owner_name"`
		Amount    int64  `json:"amount_minor"`
	}

	commandConsumer := consumer.New(logger, inboxRepo, consumerCfg, func(ctx context.Context, msg kafka.Message) error {
		var req commandRequest
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			logger.Error("invalid command payload", "err", err)
			return nil
		}

		switch req.Command {
		case "open_account":
			id, err := commandService.OpenAccount(ctx, req.OwnerName, req.Amount)
			if err != nil {
				logger.Error("open account failed", "err", err)
				return nil
			}
			logger.Info("account opened", "account_id", id)
		case "deposit", "withdraw":
			accountID, err := uuid.Parse(req.AccountID)
			if err != nil {
				logger.Error("invalid account_id", "err", err)
				return nil
			}
			var version int64
			if req.Command == "deposit" {
				version, err = commandService.Deposit(ctx, accountID, req.Amount)
			} else {
				version, err = commandService.Withdraw(ctx, accountID, req.Amount)
			}
			if err != nil {
				if errors.Is(err, account.ErrInsufficientFunds) || errors.Is(err, account.ErrInvalidAmount) || errors.Is(err, aggregate.ErrNotFound) {
					logger.Info("command rejected", "command", req.Command, "account_id", accountID, "reason", err)
					return nil
				}
				return err
			}
			logger.Info("command applied", "command", req.Command, "account_id", accountID, "version", version)
		default:
			logger.Error("unknown command", "command", req.Command)
		}
		return nil
	})
	go commandConsumer.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(readyChecks...)

	// Operator endpoints: re-drive exhausted outbox entries, inspect the
	// pipeline state.
	mux.HandleFunc("POST /admin/outbox/requeue", func(w http.ResponseWriter, r *http.Request) {
		aggregateID, err := uuid.Parse(r.URL.Query().Get("aggregate_id"))
		if err != nil {
			http.Error(w, "aggregate_id must be a UUID", http.StatusBadRequest)
			return
		}
		n, err := outboxRepo.Requeue(r.Context(), aggregateID)
		if err != nil {
			logger.Error("outbox requeue failed", "aggregate_id", aggregateID, "err", err)
			http.Error(w, "requeue failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int64{"requeued": n})
	})
	mux.HandleFunc("GET /admin/accounts/{id}", func(w http.ResponseWriter, r *http.Request) {
		accountID, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			http.Error(w, "id must be a UUID", http.StatusBadRequest)
			return
		}
		// The cache stores the same view document GetAccount refreshes it
		// with, so a hit serves bytes identical in shape to a miss.
		if cacheCoordinator != nil {
			if doc, ok := cacheCoordinator.Get(r.Context(), accountID); ok {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write(doc)
				return
			}
		}
		acc, version, err := commandService.GetAccount(r.Context(), accountID)
		if err != nil {
			if errors.Is(err, aggregate.ErrNotFound) {
				http.Error(w, "account not found", http.StatusNotFound)
				return
			}
			logger.Error("account lookup failed", "account_id", accountID, "err", err)
			http.Error(w, "lookup failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(acc.View(version))
	})
	mux.HandleFunc("GET /admin/outbox/status", func(w http.ResponseWriter, r *http.Request) {
		counts, err := outboxRepo.CountByStatus(r.Context())
		if err != nil {
			http.Error(w, "status query failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(counts)
	})

	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, "ledger")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}
