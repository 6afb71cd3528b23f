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

	"live-ingest/internal/events"
	"live-ingest/internal/objectstore"
	"live-ingest/internal/platform/config"
	"live-ingest/internal/platform/logger"
	"live-ingest/internal/platform/metrics"
	"live-ingest/internal/registry"

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

	reg := registry.New(log)
	bus := events.Connect(ctx, events.FromConfig(cfg.Redis), log)
	defer bus.Close()
	if err := bus.Subscribe(ctx, events.Live(), reg.Apply); err != nil {
		log.Error("subscribe to stream events", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ingestURL := strings.TrimRight(cfg.HTTP.PublicURL, "/") + cfg.Ingest.Path
	svc := registry.NewService(reg, store, ingestURL, cfg.HLS.PublicPath)
	met := metrics.New("api")
	h := registry.NewHandler(svc, log, bus.Healthy)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveStreams(reg.Count()) }).ServeHTTP(w, r)
	})
	h.Routes(r)
	if local, ok := store.(*objectstore.LocalStore); ok && cfg.Storage.PublicURL == "" {
		r.Handle(objectstore.LocalPublicPath+"/*", http.StripPrefix(objectstore.LocalPublicPath, local))
	}

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("api service starting", slog.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("api service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("api service stopped")
}
