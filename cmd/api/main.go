package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/splax/teamforge/internal/app/storage"
	httpx "github.com/splax/teamforge/internal/http"
	"github.com/splax/teamforge/internal/service/team"
	"github.com/splax/teamforge/internal/txrunner"
	"github.com/splax/teamforge/internal/ws"
	"github.com/splax/teamforge/pkg/config"
	"github.com/splax/teamforge/pkg/logger"
)

func main() {
	cfg := config.LoadAPIConfig()
	log := logger.New("api", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := storage.Open(ctx, cfg)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		os.Exit(1)
	}
	defer backend.Close()
	if err := backend.Ping(ctx); err != nil {
		log.Error("store ping failed", "driver", backend.Driver, "error", err)
		os.Exit(1)
	}
	if cfg.AutoMigrate {
		if err := backend.Migrate(ctx, log); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}
	}
	if len(cfg.SeedUsers) > 0 {
		created, err := storage.SeedUsers(ctx, backend.Tx, cfg.SeedUsers)
		if err != nil {
			log.Error("seeding users failed", "error", err)
			os.Exit(1)
		}
		log.Info("users seeded", "created", created, "requested", len(cfg.SeedUsers))
	}

	metrics, err := txrunner.NewMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		log.Error("failed to register transaction metrics", "error", err)
		os.Exit(1)
	}
	runner := txrunner.New(backend.Tx,
		txrunner.WithPolicy(txrunner.Policy{
			MaxAttempts: cfg.TxMaxAttempts,
			BaseDelay:   cfg.TxBaseDelay,
			Jitter:      cfg.TxJitter,
		}),
		txrunner.WithLogger(log),
		txrunner.WithMetrics(metrics),
	)

	hub := ws.NewHub(cfg.EventBuffer)
	defer hub.Stop()
	teamSvc := team.New(runner, ws.NewEventPublisher(hub, log), log)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, teamSvc, hub, limiter, cfg.JWTSecret, backend.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpx.WithCORS(router, cfg.CORSAllowedOrigins),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("api server starting", "addr", cfg.Addr, "driver", backend.Driver, "env", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("api server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
