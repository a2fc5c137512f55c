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

	"github.com/gin-gonic/gin"

	"sams/internal/anticheat"
	"sams/internal/attendance"
	"sams/internal/config"
	"sams/internal/device"
	"sams/internal/handler"
	"sams/internal/kv"
	"sams/internal/queue"
	"sams/internal/review"
	"sams/internal/session"
	"sams/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("http server failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.App, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := map[string]func(context.Context) bool{}

	var (
		sessions session.Repository
		records  attendance.Repository
	)
	switch cfg.StoreBackend {
	case "memory":
		sessions = session.NewMemory()
		records = attendance.NewMemory()
		logger.Warn("using in-memory store; data is lost on restart")
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := store.Migrate(ctx, db.Client); err != nil {
			return err
		}
		sessions = session.NewPostgres(db.Client)
		records = attendance.NewPostgres(db.Client)
		health["db"] = db.Healthy
	}

	var rdb *store.Redis
	if cfg.KVBackend == "redis" || cfg.QueueBackend == "redis" {
		var err error
		rdb, err = store.NewRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer rdb.Close()
		health["redis"] = rdb.Healthy
	}

	var (
		kvStore kv.Store
		feed    review.Feed
	)
	if cfg.KVBackend == "redis" {
		kvStore = kv.NewRedis(rdb.Client, "sams")
		feed = review.NewRedisFeed(rdb.Client, "", cfg.FeedSize, 0)
	} else {
		kvStore = kv.NewMemory(nil)
		feed = review.NewMemory(cfg.FeedSize)
	}

	var q queue.Queue
	if cfg.QueueBackend == "redis" {
		q = queue.NewRedisQueue(rdb.Client, "", logger)
	} else {
		q = queue.NewInMemory(64)
		// no worker process shares an in-memory queue, so drain it here
		msgs, err := q.Consume(ctx)
		if err != nil {
			return err
		}
		go review.Forward(ctx, msgs, feed, logger)
	}

	devices := device.NewStore(kvStore, cfg.Devices(), logger)
	engine := anticheat.NewEngine(kvStore, devices, cfg.AntiCheat(), logger)
	gate := session.NewGate(sessions, cfg.Gate(), logger)
	recorder := attendance.NewRecorder(records, gate, engine, q, cfg.Recorder(), logger)

	r := handler.NewRouter(handler.Deps{
		Gate:      gate,
		Recorder:  recorder,
		Records:   records,
		AntiCheat: engine,
		Feed:      feed,
		Auth: handler.AuthConfig{
			SigningKey: cfg.JWTSigningKey,
			Issuer:     cfg.JWTIssuer,
			AccessTTL:  cfg.AccessTTL,
			RefreshTTL: cfg.RefreshTTL,
		},
		DevTokens:       cfg.MountDevTokens(),
		RateLimitPerMin: cfg.RateLimitPerMin,
		Health:          health,
		Logger:          logger,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "addr", srv.Addr, "env", cfg.Env, "store", cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", "err", err)
	}
	logger.Info("server exited")
	return nil
}
