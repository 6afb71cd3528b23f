package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"live-ingest/internal/encoder"
	"live-ingest/internal/events"
	"live-ingest/internal/platform/config"
	"live-ingest/internal/platform/health"
	"live-ingest/internal/platform/logger"
	"live-ingest/internal/platform/metrics"
	"live-ingest/internal/session"

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

	met := metrics.New("ingest")
	bus := events.Connect(ctx, events.FromConfig(cfg.Redis, cfg.Redis.Queue), log)
	defer bus.Close()

	outputDir, err := filepath.Abs(cfg.HLS.OutputDir)
	if err != nil {
		log.Error("resolve output dir", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		log.Error("create output dir", slog.String("error", err.Error()))
		os.Exit(1)
	}

	sup := encoder.NewExecSupervisor(encoder.Config{
		Binary:         cfg.Encoder.Binary,
		SegmentSeconds: cfg.Encoder.SegmentSeconds,
		ListSize:       cfg.Encoder.ListSize,
		Flags:          cfg.Encoder.Flags,
		InputQueue:     cfg.Encoder.InputQueue,
	}, log)
	mgr := session.NewManager(sup, bus, session.Config{
		OutputDir:      outputDir,
		PublicPath:     cfg.HLS.PublicPath,
		StopTimeout:    cfg.Encoder.StopTimeout,
		PublishTimeout: cfg.Ingest.PublishTimeout,
	}, log, met)
	h := session.NewHandler(mgr, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveStreams(mgr.ActiveCount()) }).ServeHTTP(w, r)
	})
	r.Get("/health", health.Handler(bus.Healthy))
	r.Handle(cfg.Ingest.Path, session.NewWSHandler(mgr, cfg.Ingest.MaxFrameBytes, log))
	r.Route("/api/streams", func(r chi.Router) {
		r.Get("/", h.ListStreams)
		r.Get("/{stream_key}", h.GetStream)
	})
	public := "/" + strings.Trim(cfg.HLS.PublicPath, "/")
	r.Handle(public+"/*", http.StripPrefix(public, http.FileServer(http.Dir(outputDir))))

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("ingest service starting",
			slog.String("addr", cfg.HTTP.Addr),
			slog.String("ingest_path", cfg.Ingest.Path),
			slog.String("output_dir", outputDir),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, ending sessions")

		sctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		mgr.Shutdown(sctx)
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		log.Error("ingest service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("ingest service stopped")
}
