package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/paulgrammer/contourline/internal/artifacts"
	"github.com/paulgrammer/contourline/internal/config"
	"github.com/paulgrammer/contourline/internal/httpapi"
	"github.com/paulgrammer/contourline/internal/imaging"
	"github.com/paulgrammer/contourline/internal/ingress"
	"github.com/paulgrammer/contourline/internal/jobs"
	"github.com/paulgrammer/contourline/internal/queue"
	"github.com/paulgrammer/contourline/internal/webhook"
	"github.com/paulgrammer/contourline/internal/worker"
)

func main() {
	loadDotEnv()
	cfg := config.Load()

	level := parseLogLevel(cfg.LogLevel)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("failed to create data dir", "error", err)
		os.Exit(1)
	}

	uploads, err := artifacts.New(cfg.UploadDir)
	if err != nil {
		slog.Error("failed to init upload store", "error", err)
		os.Exit(1)
	}
	results, err := artifacts.New(cfg.ResultDir)
	if err != nil {
		slog.Error("failed to init result store", "error", err)
		os.Exit(1)
	}

	store, err := jobs.OpenStore(cfg.JobStorePath())
	if err != nil {
		slog.Error("failed to open job store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	q, err := queue.Open(cfg.QueuePath(), queue.Options{
		VisibilityTimeout: cfg.VisibilityTimeout,
		PollInterval:      cfg.QueuePollInterval,
	})
	if err != nil {
		slog.Error("failed to open queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	streamer := jobs.NewStatusStreamer()
	in := ingress.New(store, q, uploads, streamer, cfg.MaxFileSize, cfg.AllowedExtensions)

	var opts []worker.Option
	if cfg.WebhookURL != "" {
		opts = append(opts, worker.WithWebhook(webhook.NewHTTPSender(10*time.Second, 5), cfg.WebhookURL))
	}
	pool, err := worker.NewPool(cfg.PoolSize, store, q, imaging.NewContourDetector(), uploads, results, streamer, cfg.StalenessThreshold, opts...)
	if err != nil {
		slog.Error("failed to initialize worker pool", "error", err)
		os.Exit(1)
	}
	pool.Start()
	defer pool.Stop()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewRouter(in, store, streamer, cfg),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr, "workers", cfg.PoolSize)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
}

func loadDotEnv() {
	dir, err := os.Getwd()
	if err != nil {
		return
	}
	for i := 0; i < 5; i++ {
		envPath := filepath.Join(dir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			_ = godotenv.Load(envPath)
			return
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return
		}
		dir = parent
	}
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "DEBUG", "debug":
		return slog.LevelDebug
	case "INFO", "info":
		return slog.LevelInfo
	case "WARN", "warning", "warn":
		return slog.LevelWarn
	case "ERROR", "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
