package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sams/internal/config"
	"sams/internal/queue"
	"sams/internal/review"
	"sams/internal/store"
)

// Worker consumes flagged check-ins and keeps the reviewers' feed current.
func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config", "err", err)
		os.Exit(1)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.CheckWorker(); err != nil {
		logger.Error("worker disabled; with memory backends the api handles flagged events itself", "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	rdb, err := store.NewRedis(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("redis connect failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	feed := review.NewRedisFeed(rdb.Client, "", cfg.FeedSize, 0)

	q := queue.NewRedisQueue(rdb.Client, "", logger)
	messages, err := q.Consume(ctx)
	if err != nil {
		logger.Error("queue consume init failed", "err", err)
		os.Exit(1)
	}

	logger.Info("worker started, waiting for messages")
	n := review.Forward(ctx, messages, feed, logger)
	logger.Info("worker stopped", "pushed", n)
}
