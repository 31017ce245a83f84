package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/app/migrate"
	httpx "github.com/AudienceActivatorAI/lendpro-admin-portal/internal/http"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/railway"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/repository/postgres"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/service/auth"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/service/client"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/service/deploy"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/internal/ws"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/pkg/config"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/pkg/crypto"
	"github.com/AudienceActivatorAI/lendpro-admin-portal/pkg/logger"
)

func main() {
	cfg := config.LoadPortalConfig()
	log := logger.New("portal", slog.LevelInfo)

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	masterKey, err := crypto.ParseMasterKey(cfg.MasterKey)
	if err != nil {
		log.Error("invalid master encryption key", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	hub := ws.NewHub()
	platform := railway.New(cfg.RailwayEndpoint, cfg.RailwayToken, log)

	authSvc := auth.New(repo, log, cfg)
	clientSvc := client.New(repo, repo, log, masterKey)
	deploySvc := deploy.New(repo, repo, repo, platform, hub, log, cfg, masterKey)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, authSvc, clientSvc, deploySvc, hub, limiter, cfg.DeployTimeout, pool.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("portal server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("portal server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
