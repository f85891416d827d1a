// Copyright (c) 2026 John Earle
//
// Licensed under the Business Source License 1.1 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://github.com/yourusername/bcem/blob/main/LICENSE
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Mail Tracking Engine: HTTP Service
//
// Entry point for the tracking service. It:
//  1. Loads configuration from config.yaml, .env and the environment
//  2. Connects to PostgreSQL (or uses the in-memory store) and, optionally, Redis
//  3. Builds the registry with its message cache, the ingest handler and the aggregator
//  4. Serves register, pixel, redirect, status, health and metrics endpoints
//  5. Handles graceful shutdown on SIGTERM/SIGINT
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/mailtrack/engine/internal/aggregate"
	"github.com/mailtrack/engine/internal/api"
	"github.com/mailtrack/engine/internal/cache"
	"github.com/mailtrack/engine/internal/config"
	"github.com/mailtrack/engine/internal/fingerprint"
	"github.com/mailtrack/engine/internal/ingest"
	"github.com/mailtrack/engine/internal/queue"
	"github.com/mailtrack/engine/internal/registry"
	"github.com/mailtrack/engine/internal/store"
	"github.com/mailtrack/engine/internal/validation"
)

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg),
	}))
	slog.SetDefault(logger)

	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting mail tracking service",
		"store", cfg.StoreDriver,
		"redis", cfg.RedisURL != "",
		"sender_echo_window", cfg.Validation.SenderEchoWindow,
		"proxy_min_delay", cfg.Validation.ProxyMinDelay,
		"min_open_delay", cfg.Validation.MinOpenDelay,
		"proxy_corroboration", cfg.Validation.ProxyCorroboration,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var checks []api.HealthCheck

	// --- Persistence ---
	var st store.Store
	switch cfg.StoreDriver {
	case config.StoreMemory:
		slog.Warn("using in-memory store, data is lost on restart")
		st = store.NewMemory()
	default:
		pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to PostgreSQL")

		pg, err := store.NewPostgres(ctx, pgPool)
		if err != nil {
			slog.Error("failed to initialise message store", "error", err)
			os.Exit(1)
		}
		st = pg
	}
	checks = append(checks, api.HealthCheck{Name: "store", Ping: st.Ping})

	// --- Caches ---
	tiers := cache.Chain{cache.NewLRU(cfg.CacheSize, cfg.CacheTTL)}

	// --- Redis (optional) ---
	var rdb *redis.Client
	var notifier ingest.Notifier
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			// Redis only accelerates and fans out; the service runs without it.
			slog.Warn("Redis unreachable at startup, continuing", "error", err)
		} else {
			slog.Info("connected to Redis")
		}

		tiers = append(tiers, cache.NewRedis(rdb, cfg.RedisCacheTTL))
		checks = append(checks, api.HealthCheck{
			Name: "redis",
			Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		})

		if cfg.EventsQueue != "" {
			notifier = queue.NewPublisher(rdb, cfg.EventsQueue)
			slog.Info("publishing event notices", "queue", cfg.EventsQueue)
		}
	}

	// --- Engine ---
	reg := registry.New(st, tiers, nil)
	classifier := fingerprint.NewClassifier(cfg.Validation.AutomatedSignatures)
	ingester := ingest.NewHandler(reg, st, classifier, notifier)
	aggregator := aggregate.NewAggregator(st, validation.New(cfg.Validation), cfg.SummaryLimit)

	// --- HTTP ---
	routerOpts := api.RouterOptions{CORSOrigins: cfg.CORSOrigins}
	if cfg.RateLimit.Enabled {
		routerOpts.Limiter = api.NewLimiter(cfg.RateLimit, rdb)
		slog.Info("rate limiting enabled",
			"limit", cfg.RateLimit.Limit,
			"period", cfg.RateLimit.Period,
			"shared", rdb != nil,
		)
	}
	handler := api.NewHandler(reg, ingester, aggregator, cfg.IngestTimeout, checks...)

	ready, done, err := api.Serve(ctx, cfg.Port, api.NewRouter(handler, routerOpts), 15*time.Second)
	if err != nil {
		slog.Error("failed to start http server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case <-done:
		slog.Error("http server stopped unexpectedly")
	}
	cancel()
	<-done

	slog.Info("mail tracking service stopped")
}

func parseLevel(cfg *config.Config) slog.Level {
	if cfg == nil {
		return slog.LevelInfo
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
