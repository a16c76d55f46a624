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
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apihttp "scrubengine/internal/api/http"
	"scrubengine/internal/app"
	"scrubengine/internal/metrics"
	mongorepo "scrubengine/internal/repository/mongo"
	"scrubengine/internal/services/decoder/synthetic"
	memstore "scrubengine/internal/storage/memory"
	"scrubengine/internal/telemetry"
	"scrubengine/internal/usecase"

	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"
)

const serviceVersion = "0.1.0"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "scrub-engine", serviceVersion)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "scrub-engine"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Duration("decodeSeekCost", cfg.DecodeSeekCost),
		slog.Duration("decodeFrameCost", cfg.DecodeFrameCost),
		slog.Int("cacheMaxFramesPerClip", cfg.CacheMaxFramesPerClip),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()

	mongoMonitor := otelmongo.NewMonitor()
	mongoClient, err := mongorepo.Connect(ctx, cfg.MongoURI, options.Client().SetMonitor(mongoMonitor))
	if err != nil {
		logger.Error("mongo connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
		logger.Error("mongo ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	tuningRepo := mongorepo.NewTuningRepository(mongoClient, cfg.MongoDatabase)
	if stored, ok, err := tuningRepo.GetTuning(ctx); err != nil {
		logger.Warn("tuning settings load failed", slog.String("error", err.Error()))
	} else if ok {
		if err := stored.Validate(); err != nil {
			logger.Warn("stored tuning rejected", slog.String("error", err.Error()))
		} else {
			cfg.Tuning = stored
		}
	}

	hub := apihttp.NewHub(logger)
	go hub.Run()

	decoder := synthetic.New(cfg.DecodeSeekCost, cfg.DecodeFrameCost)
	cache := memstore.NewCache(cfg.CacheMaxFramesPerClip)
	pipeline := usecase.NewPipeline(cfg.Tuning, decoder, cache, hub, logger)

	// Watchdog sweep loop; stops with the root context.
	go pipeline.Run(rootCtx)

	tuningMgr := app.NewTuningManager(pipeline, tuningRepo)

	handler := apihttp.NewServer(pipeline,
		apihttp.WithLogger(logger),
		apihttp.WithHub(hub),
		apihttp.WithStats(statsAdapter{pipeline: pipeline, cache: cache}),
		apihttp.WithTuning(tuningMgr),
		apihttp.WithAllowedOrigins(cfg.CORSAllowedOrigins),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	pipeline.Cleanup()
	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if err := mongoClient.Disconnect(context.Background()); err != nil {
		logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

// statsAdapter narrows the pipeline internals to the read-only view the
// stats endpoint serves.
type statsAdapter struct {
	pipeline *usecase.Pipeline
	cache    *memstore.Cache
}

func (a statsAdapter) AdmissionSnapshot() (int, []apihttp.ClipStats) {
	global, clips := a.pipeline.Admission().Snapshot()
	out := make([]apihttp.ClipStats, 0, len(clips))
	for _, cs := range clips {
		out = append(out, apihttp.ClipStats{
			Clip:     cs.Clip,
			Inflight: cs.Inflight,
			Reverse:  cs.Reverse,
			Repair:   cs.Repair,
			Deadline: cs.Deadline,
		})
	}
	return global, out
}

func (a statsAdapter) CoalescerCounters() apihttp.CoalescerStats {
	c := a.pipeline.Coalescer().Counters()
	return apihttp.CoalescerStats{
		Starts:    c.Starts,
		Reuses:    c.Reuses,
		Retargets: c.Retargets,
		Cancels:   c.Cancels,
	}
}

func (a statsAdapter) OutstandingJobs() int {
	return a.pipeline.Scheduler().Outstanding()
}

func (a statsAdapter) CachedFrames() int {
	return a.cache.Len()
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
