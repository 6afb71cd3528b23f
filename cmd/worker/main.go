package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"live-ingest/internal/events"
	"live-ingest/internal/objectstore"
	"live-ingest/internal/platform/config"
	"live-ingest/internal/platform/health"
	"live-ingest/internal/platform/logger"
	"live-ingest/internal/platform/metrics"
	"live-ingest/internal/platform/retry"
	"live-ingest/internal/syncer"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = config.Load()
	cfg, err := config.New()
	if err != nil {
		slog.Error("load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := objectstore.New(cfg.Storage)
	if err != nil {
		log.Error("create object store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if s3, ok := store.(*objectstore.S3Store); ok {
		policy := retry.Policy{Attempts: cfg.Storage.InitAttempts, Delay: cfg.Storage.InitDelay}
		if err := policy.Do(ctx, log, "initialize bucket", s3.EnsureBucket); err != nil {
			log.Error("object store unavailable", slog.String("bucket", cfg.Storage.Bucket), slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	root, err := filepath.Abs(cfg.HLS.OutputDir)
	if err != nil {
		log.Error("resolve output dir", slog.String("error", err.Error()))
		os.Exit(1)
	}

	met := metrics.New("worker")
	watcher := syncer.New(syncer.Config{
		Root:           root,
		SettleInterval: cfg.Sync.SettleInterval,
		PollInterval:   cfg.Sync.PollInterval,
		StopGrace:      cfg.Sync.StopGrace,
		UploadTimeout:  cfg.Sync.UploadTimeout,
	}, store, log, met)
	defer watcher.Close()

	bus := events.Connect(ctx, events.FromConfig(cfg.Redis, cfg.Redis.Queue), log)
	defer bus.Close()
	if err := bus.Subscribe(ctx, events.Durable(cfg.Redis.Queue), watcher.HandleEvent); err != nil {
		log.Error("subscribe to durable queue", slog.String("queue", cfg.Redis.Queue), slog.String("error", err.Error()))
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetWatchedStreams(len(watcher.Watching())) }).ServeHTTP(w, r)
	})
	r.Get("/health", health.Handler(bus.Healthy))
	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("storage sync worker starting",
			slog.String("addr", cfg.HTTP.Addr),
			slog.String("queue", cfg.Redis.Queue),
			slog.String("watch_root", root),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, flushing watches")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := watcher.Close(); err != nil {
			log.Warn("close watcher", slog.String("error", err.Error()))
		}
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("storage sync worker failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("storage sync worker stopped")
}
