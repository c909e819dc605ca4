package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callaudit-engine/internal/campaign"
	"callaudit-engine/internal/config"
	"callaudit-engine/internal/dispatcher"
	"callaudit-engine/internal/executor"
	"callaudit-engine/internal/queue"
	"callaudit-engine/internal/ratelimit"
	"callaudit-engine/pkg/logger"
	"callaudit-engine/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Best-effort: local dev convenience, absent in production.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store := campaign.NewPostgresStore(db)
	jobQueue := queue.NewRedisQueue(rdb, cfg.Engine.MaxRetries)
	svc := campaign.NewService(store, jobQueue, campaign.Options{
		MinFailureSample: cfg.Engine.MinFailureSample,
		StaleAfter:       cfg.Engine.StaleAfter,
	})

	exec := executor.NewHTTPExecutor(cfg.Audit.URL, cfg.Audit.APIKey, cfg.Audit.Timeout)
	limiter := ratelimit.New(cfg.Engine.DefaultRPM)

	disp := dispatcher.New(svc, jobQueue, limiter, exec, logger.Component(log, "dispatcher"), dispatcher.Config{
		PollInterval:  cfg.Engine.PollInterval,
		SweepInterval: cfg.Engine.SweepInterval,
		MaxWorkers:    cfg.Engine.MaxWorkers,
	})

	dispDone := make(chan struct{})
	go func() {
		defer close(dispDone)
		if err := disp.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("dispatcher stopped", "err", err)
			stop()
		}
	}()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, svc, func(c *gin.Context) error {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			return err
		}
		return rdb.Ping(c.Request.Context()).Err()
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("engine listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	// Let in-flight dispatch work finish before the process exits.
	select {
	case <-dispDone:
	case <-shutdownCtx.Done():
		log.Warn("dispatcher did not drain before shutdown deadline")
	}
}
