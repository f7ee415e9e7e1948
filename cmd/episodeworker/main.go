// Command episodeworker is the composition root for the asynchronous
// episode processing subsystem: it wires the task store, durable queue,
// handler registry, worker pool, recovery sweeper and schema sync sink, and
// serves the primary API over HTTP until it receives a shutdown signal.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"net/http"

	"github.com/s1366560/memstack-sub002/internal/config"
	"github.com/s1366560/memstack-sub002/internal/httpapi"
	"github.com/s1366560/memstack-sub002/internal/platform/logging"
	"github.com/s1366560/memstack-sub002/internal/platform/natsbus"
	"github.com/s1366560/memstack-sub002/internal/platform/otelinit"
	"github.com/s1366560/memstack-sub002/internal/platform/resilience"
	"github.com/s1366560/memstack-sub002/internal/queue"
	"github.com/s1366560/memstack-sub002/internal/queue/boltstore"
	"github.com/s1366560/memstack-sub002/internal/queue/graphclient"
	"github.com/s1366560/memstack-sub002/internal/queue/handlers"
	"github.com/s1366560/memstack-sub002/internal/queue/llm"
	"github.com/s1366560/memstack-sub002/internal/queue/redisqueue"
	"github.com/s1366560/memstack-sub002/internal/queue/schemasync"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.Service)
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTrace := otelinit.InitTracer(ctx, cfg.Service)
	shutdownMetrics := otelinit.InitMetrics(ctx, cfg.Service)
	meter := otel.GetMeterProvider().Meter(cfg.Service)

	store, err := boltstore.Open(cfg.BoltPath, meter)
	if err != nil {
		slog.Error("open task store failed", "error", err)
		return
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	dq := redisqueue.New(rdb)

	var sink queue.SchemaSyncPort
	if cfg.PostgresDSN != "" {
		sqlDB, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			slog.Error("open postgres for migrations failed", "error", err)
		} else if err := schemasync.Migrate(sqlDB); err != nil {
			slog.Error("schema sync migration failed", "error", err)
		}
		_ = sqlDB.Close()

		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			slog.Error("open postgres pool failed", "error", err)
		} else {
			sink = schemasync.New(pool)
		}
	}

	var llmClient llm.Client
	if cfg.OpenAIAPIKey != "" {
		llmClient = llm.New(llm.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
		})
	}
	graph := graphclient.NewInMemory()

	episodeBreaker := resilience.NewCircuitBreakerAdaptive(
		cfg.CircuitBreakerWindow, 12, cfg.CircuitBreakerMinSamples,
		cfg.CircuitBreakerFailureRate, cfg.CircuitBreakerHalfOpenAfter, cfg.CircuitBreakerHalfOpenProbes,
	)
	rebuildBreaker := resilience.NewCircuitBreakerAdaptive(
		cfg.CircuitBreakerWindow, 12, cfg.CircuitBreakerMinSamples,
		cfg.CircuitBreakerFailureRate, cfg.CircuitBreakerHalfOpenAfter, cfg.CircuitBreakerHalfOpenProbes,
	)
	llmLimiter := resilience.NewRateLimiter(cfg.LLMRateLimitBurst, cfg.LLMRateLimitPerSecond, time.Second, 0)

	registry := queue.NewHandlerRegistry()
	if llmClient != nil {
		_ = registry.Register(queue.HandlerDescriptor{
			Kind:        handlers.EpisodeKind,
			Handler:     &handlers.Episode{LLM: llmClient, Graph: graph, Breaker: episodeBreaker, Limiter: llmLimiter},
			Timeout:     cfg.DefaultHandlerTimeout,
			MaxAttempts: cfg.DefaultMaxAttempts,
		})
	}
	_ = registry.Register(queue.HandlerDescriptor{
		Kind:        handlers.RebuildCommunityKind,
		Handler:     &handlers.RebuildCommunity{Graph: graph, Breaker: rebuildBreaker},
		Timeout:     3600 * time.Second,
		MaxAttempts: 1,
	})

	svc := queue.NewService(store, dq, registry, sink, queue.Config{
		WorkerCount:              cfg.WorkerCount,
		RecoveryInterval:         cfg.RecoveryInterval,
		ProgressFlushMinInterval: cfg.ProgressFlushMinInterval,
		Retention:                cfg.Retention,
		RetentionSchedule:        cfg.RetentionSchedule,
	}, meter)
	svc.Start(ctx)

	if nc, err := natsbus.Connect(cfg.NatsURL); err != nil {
		slog.Warn("nats connect failed, wake notifications disabled", "error", err)
	} else if nc != nil {
		defer nc.Close()

		svc.SetGroupReadyPublisher(func(ctx context.Context, group string) {
			if err := natsbus.PublishGroupReady(ctx, nc, group); err != nil {
				slog.Warn("nats publish group ready failed", "group_id", group, "error", err)
			}
		})
		if _, err := natsbus.SubscribeGroupReady(nc, func(ctx context.Context, group string) {
			svc.Notify(ctx, group)
		}); err != nil {
			slog.Warn("nats subscribe group ready failed", "error", err)
		}

		slog.Info("nats wake notifications enabled", "url", cfg.NatsURL)
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.New(svc)}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
			cancel()
		}
	}()

	slog.Info("episode worker started", "addr", cfg.Addr, "worker_count", cfg.WorkerCount)
	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	svc.Wait()
	otelinit.Flush(shutdownCtx, shutdownTrace)
	_ = shutdownMetrics(shutdownCtx)
	slog.Info("shutdown complete")
}
