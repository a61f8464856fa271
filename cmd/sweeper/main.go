// Command sweeper runs one stuck-task sweep and exits. It is meant for cron
// hosts that do not run the asynq scheduler.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"image-creator-backend/internal/config"
	"image-creator-backend/internal/credits"
	"image-creator-backend/internal/database"
	"image-creator-backend/internal/logger"
	"image-creator-backend/internal/notifier"
	"image-creator-backend/internal/supabase"
	"image-creator-backend/internal/sweeper"
	"image-creator-backend/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	minutes := flag.Int("threshold", cfg.StuckTaskMinutes, "minutes a task may stay unfinished")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall run timeout")
	includePending := flag.Bool("include-pending", !cfg.WorkerEnabled, "also time out tasks that never left pending")
	flag.Parse()

	zlog, err := logger.New(logger.Config{
		ServiceName: "image-creator-sweeper",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = zlog.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		zlog.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	dbClient := supabase.NewDatabaseClient(db)

	// Events still go through Redis so watchers on the API instances see the failures.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		zlog.Fatal("invalid REDIS_URL", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	broker := notifier.NewRedisBroker(rdb, zlog)

	ledger := credits.NewLedger(dbClient, cfg.DefaultCredits, zlog)
	taskService := tasks.NewService(dbClient, ledger, broker, cfg.TaskCreditCost, cfg.DefaultCredits, zlog)

	var opts []sweeper.Option
	if *includePending {
		opts = append(opts, sweeper.WithPendingTasks())
	}
	report, err := sweeper.New(dbClient, taskService, ledger, zlog, opts...).Run(ctx, time.Duration(*minutes)*time.Minute)
	if err != nil {
		zlog.Fatal("sweep failed", zap.Error(err))
	}
	zlog.Info("sweeper exiting",
		zap.Int("scanned", report.Scanned),
		zap.Int("failed", report.Failed),
		zap.Int("refunded", report.Refunded),
		zap.Int("errors", report.Errors),
	)
}
