package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/nikhilbhutani/lessonreel/internal/api"
	"github.com/nikhilbhutani/lessonreel/internal/cache"
	"github.com/nikhilbhutani/lessonreel/internal/config"
	"github.com/nikhilbhutani/lessonreel/internal/database"
	"github.com/nikhilbhutani/lessonreel/internal/queue"
	"github.com/nikhilbhutani/lessonreel/internal/runstore"
)

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := database.RunMigrations(ctx, db, database.Migrations()); err != nil {
		slog.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	rdb, err := cache.Connect(ctx, &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	queueClient := queue.NewClient(cfg.Redis, cfg.Worker.TaskTimeout)
	defer queueClient.Close()

	router := api.NewRouter(cfg, api.Dependencies{
		DB:     db,
		Redis:  rdb,
		Runs:   runstore.NewPostgres(db),
		Queue:  queueClient,
		Bus:    cache.NewRunBus(rdb),
		Logger: logger,
	})
	defer router.Close()

	// Event streams stay open for the life of a run, so there is no write
	// timeout.
	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		slog.Info("starting API server", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced shutdown", "error", err)
	}
	slog.Info("server stopped")
}
