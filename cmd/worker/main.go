package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/lessonreel/internal/cache"
	"github.com/nikhilbhutani/lessonreel/internal/config"
	"github.com/nikhilbhutani/lessonreel/internal/database"
	"github.com/nikhilbhutani/lessonreel/internal/pipeline"
	"github.com/nikhilbhutani/lessonreel/internal/queue"
	"github.com/nikhilbhutani/lessonreel/internal/queue/workers"
	"github.com/nikhilbhutani/lessonreel/internal/retry"
	"github.com/nikhilbhutani/lessonreel/internal/runstore"
	"github.com/nikhilbhutani/lessonreel/internal/storage"
	"github.com/nikhilbhutani/lessonreel/internal/webhook"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("worker error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.RunMigrations(ctx, db, database.Migrations()); err != nil {
		return err
	}

	rdb, err := cache.Connect(ctx, &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return err
	}
	defer rdb.Close()

	blobs, err := storage.FromConfig(cfg.Storage)
	if err != nil {
		return err
	}

	runner, err := pipeline.Build(ctx, cfg, pipeline.Dependencies{
		Storage:     blobs,
		ScriptCache: cache.NewCache(rdb),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	srv := asynq.NewServer(queue.RedisOpt(cfg.Redis), asynq.Config{
		Concurrency: cfg.Worker.Concurrency,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
		ShutdownTimeout: 30 * time.Second,
		Logger:          asynqLogger{logger.With("component", "asynq")},
	})

	registry := queue.NewHandlersRegistry(logger)
	notifier := webhook.NewNotifier(cfg.Worker.CallbackSecret,
		retry.New("webhook", cfg.Pipeline.Retry, retry.WithLogger(logger)), logger)
	pipelineWorker := workers.NewPipelineWorker(runner, runstore.NewPostgres(db), cache.NewRunBus(rdb), logger,
		workers.WithNotifier(notifier))
	registry.Register(queue.TypePipelineRun, asynq.HandlerFunc(pipelineWorker.ProcessTask))

	slog.Info("starting worker", "concurrency", cfg.Worker.Concurrency)
	if err := srv.Start(registry.Mux()); err != nil {
		return err
	}
	<-ctx.Done()
	slog.Info("shutting down worker...")
	srv.Shutdown()
	return nil
}

// asynqLogger routes asynq's own logging through slog.
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug(fmt.Sprint(args...)) }
func (a asynqLogger) Info(args ...any)  { a.l.Info(fmt.Sprint(args...)) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn(fmt.Sprint(args...)) }
func (a asynqLogger) Error(args ...any) { a.l.Error(fmt.Sprint(args...)) }
func (a asynqLogger) Fatal(args ...any) {
	a.l.Error(fmt.Sprint(args...))
	os.Exit(1)
}
