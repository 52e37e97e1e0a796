package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notifyhub/send-throttle/internal/api"
	"github.com/notifyhub/send-throttle/internal/bucket"
	"github.com/notifyhub/send-throttle/internal/campaign"
	"github.com/notifyhub/send-throttle/internal/clock"
	"github.com/notifyhub/send-throttle/internal/config"
	"github.com/notifyhub/send-throttle/internal/db"
	"github.com/notifyhub/send-throttle/internal/eventlog"
	"github.com/notifyhub/send-throttle/internal/gate"
	"github.com/notifyhub/send-throttle/internal/metrics"
	"github.com/notifyhub/send-throttle/internal/pacing"
	"github.com/notifyhub/send-throttle/internal/sender"
	"github.com/notifyhub/send-throttle/internal/service"
	"github.com/notifyhub/send-throttle/internal/tier"
	"github.com/notifyhub/send-throttle/internal/worker"
)

func main() {
	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		boot, _ := zap.NewProduction()
		boot.Fatal("failed to load config", zap.Error(err))
	}

	logger := newLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck

	ctx := context.Background()
	clk := clock.System{}

	// ---- tracing ----
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.TraceSampleRatio))),
	)
	otel.SetTracerProvider(tp)
	defer tp.Shutdown(ctx) //nolint:errcheck

	// ---- database ----
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		pool, err = db.Connect(ctx, cfg)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		if cfg.RunMigrations {
			if err := db.Migrate(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
			logger.Info("database migrations applied")
		}
	}

	// ---- redis ----
	var rdb *redis.Client
	if cfg.NeedsRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
	}

	// ---- metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ---- bucket store ----
	var backend bucket.Store
	switch cfg.StoreBackend {
	case config.BackendRedis:
		backend = bucket.NewRedisStore(rdb, clk, bucket.WithRedisIdleTTL(cfg.BucketIdleTTL))
	case config.BackendPostgres:
		backend = bucket.NewPgStore(pool, clk)
	default:
		backend = bucket.NewMemoryStore(clk)
	}
	breakerCfg := bucket.DefaultBreakerConfig()
	breakerCfg.ConsecutiveFailures = uint32(cfg.StoreBreakerFailures)
	breakerCfg.Timeout = cfg.StoreBreakerTimeout
	breakerCfg.OnStateChange = m.BreakerStateHook()
	store := bucket.NewBreakerStore(backend, breakerCfg, logger)

	// ---- tier resolution ----
	var source tier.PolicySource
	if cfg.PolicySource == config.PolicyFile {
		source, err = tier.LoadFile(cfg.TiersFile)
		if err != nil {
			logger.Fatal("failed to load tiers file", zap.Error(err))
		}
	} else {
		source = tier.NewPgSource(pool)
	}
	var cache tier.Cache = tier.NewMemoryCache(cfg.TierCacheTTL, clk)
	if cfg.TierCache == config.CacheRedis {
		cache = tier.NewRedisCache(rdb, cfg.TierCacheTTL)
	}
	resolver := tier.NewResolver(source, cache, logger, m.TierHooks())

	// ---- sender health, campaigns, event log ----
	// These share the database when one is configured and fall back to
	// process-local state otherwise.
	var (
		senderStore sender.Store           = sender.NewMemoryStore()
		running     campaign.RunningCounter = campaign.NewMemoryCounter()
		eventRepo   eventlog.Repository     = eventlog.NewMemoryRepository()
	)
	if pool != nil {
		senderStore = sender.NewPgStore(pool)
		running = campaign.NewPgCounter(pool)
		eventRepo = eventlog.NewPgRepository(pool)
	} else {
		logger.Warn("no database configured: sender health and throttle events are process-local")
	}

	policy := sender.Policy{
		SuccessReward:      cfg.SuccessReward,
		TransientPenalty:   cfg.TransientPenalty,
		PermanentPenalty:   cfg.PermanentPenalty,
		FairThreshold:      cfg.FairThreshold,
		PoorThreshold:      cfg.PoorThreshold,
		BreakerThreshold:   cfg.BreakerThreshold,
		Cooldown:           cfg.CooldownDuration,
		SuspendAfterBreaks: cfg.SuspendAfterBreaks,
		SuspendFor:         cfg.SuspendDuration,
	}
	tracker := sender.NewTracker(senderStore, policy, clk, logger, m.SenderHooks())

	events := eventlog.NewAsyncLogger(eventRepo, eventlog.Options{
		BufferSize:    cfg.EventBufferSize,
		BatchSize:     cfg.EventBatchSize,
		FlushInterval: cfg.EventFlushInterval,
	}, clk, logger, m.EventLogHooks())

	// ---- gate and engine ----
	g := gate.New(gate.Config{
		GlobalCapacity:        cfg.GlobalCapacity,
		GlobalRefillPerSecond: cfg.GlobalRefillPerSecond,
		SenderMinCapacity:     cfg.SenderMinCapacity,
		SenderMinRefill:       cfg.SenderMinRefill,
		PausedMinWait:         cfg.PausedMinWait,
		FailurePolicy:         gate.FailurePolicy(cfg.FailurePolicy),
		FailOpenDelay:         cfg.FailOpenDelay,
		FailClosedWait:        cfg.FailClosedWait,
	},
		resolver, tracker, store,
		pacing.NewCalculator(cfg.MinDelay, policy.HealthMultiplier),
		events, logger,
		gate.WithTracerProvider(otel.GetTracerProvider()),
		gate.WithHooks(m.GateHooks()),
	)
	engine := service.NewEngine(g, resolver, tracker, store, campaign.NewAdmission(running), events, clk, logger)

	// ---- background workers ----
	// Context for all background goroutines; cancelled on shutdown signal.
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	janitor := worker.NewJanitor(worker.JanitorConfig{
		EventSchedule:  cfg.EventPruneSchedule,
		EventRetention: cfg.EventRetention,
		BucketSchedule: cfg.BucketGCSchedule,
		BucketIdle:     cfg.BucketIdleTTL,
		JobTimeout:     worker.DefaultJanitorConfig().JobTimeout,
	}, eventRepo, store, clk, logger, m.JanitorHooks())

	var workers errgroup.Group
	workers.Go(func() error {
		events.Run(workerCtx)
		return nil
	})
	workers.Go(func() error {
		return janitor.Run(workerCtx)
	})

	// ---- HTTP server ----
	router := api.NewRouter(engine, api.Deps{
		Gatherer:     reg,
		Events:       events,
		StorageState: store.State,
	}, logger)
	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	// Start server in a goroutine so it does not block the shutdown listener.
	go func() {
		logger.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("store_backend", cfg.StoreBackend),
			zap.String("policy_source", cfg.PolicySource),
			zap.String("failure_policy", cfg.FailurePolicy),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// 2. Stop the janitor and let the event log drain its buffer.
	cancelWorkers()
	if err := workers.Wait(); err != nil {
		logger.Error("background worker error", zap.Error(err))
	}

	logger.Info("server stopped cleanly",
		zap.Int64("events_dropped", events.Dropped()),
	)
}

// newLogger builds the production JSON logger at the configured level.
// An unparseable level falls back to info.
func newLogger(level string) *zap.Logger {
	zcfg := zap.NewProductionConfig()
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		zcfg.Level = lvl
	}
	logger, err := zcfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
