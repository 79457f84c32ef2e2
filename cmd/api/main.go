// Package main implements the filings analyst API server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/filings-analyst/engine/analysis"
	"github.com/WessleyAI/filings-analyst/engine/backend"
	"github.com/WessleyAI/filings-analyst/engine/forecast"
	"github.com/WessleyAI/filings-analyst/engine/ingest"
	"github.com/WessleyAI/filings-analyst/engine/rag"
	"github.com/WessleyAI/filings-analyst/engine/strategy"
	"github.com/WessleyAI/filings-analyst/pkg/config"
	"github.com/WessleyAI/filings-analyst/pkg/metrics"
	"github.com/WessleyAI/filings-analyst/pkg/mid"
	"github.com/WessleyAI/filings-analyst/pkg/resilience"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	reg.CollectRuntime(ctx, "filings_api", 15*time.Second)

	// --- Backends ---
	b, err := backend.Open(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer b.Close()

	tickers, err := strategy.LoadTickerMap(cfg.TickerMapFile)
	if err != nil {
		return err
	}

	// --- Status events (optional) ---
	var pub ingest.Publisher
	if nc, err := nats.Connect(cfg.NATSURL, nats.Name("filings-api"), nats.Timeout(2*time.Second)); err != nil {
		logger.Warn("nats unavailable, ingest status events disabled", "url", cfg.NATSURL, "err", err)
	} else {
		defer nc.Drain()
		pub = ingest.NewNATSPublisher(nc)
	}

	// --- Engine ---
	srv := newServer(cfg, b, tickers, pub, logger, reg)

	handler := mid.Chain(srv.routes(reg),
		mid.Recover(logger),
		mid.Logger(logger),
		mid.CORS(cfg.CORSOrigin),
		mid.OTel("filings-api"),
		mid.Metrics(reg),
		mid.RateLimit(resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.APIRate, Burst: cfg.APIBurst})),
	)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "store", cfg.StoreBackend, "vector", cfg.VectorBackend, "embed", b.Embedder.Model())
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("api: listen: %w", err)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

// newServer assembles the engine services over the opened backends.
func newServer(cfg config.Config, b *backend.Backends, tickers strategy.TickerMap, pub ingest.Publisher, logger *slog.Logger, reg *metrics.Registry) *server {
	pipeline := ingest.NewPipeline(ingest.Deps{
		Embedder:  b.Embedder,
		Store:     b.Store,
		Publisher: pub,
		Logger:    logger,
		Metrics:   reg,
	})

	ragOpts := rag.DefaultOptions()
	ragOpts.Logger, ragOpts.Metrics = logger, reg
	answers := rag.New(b.Embedder, b.Store, b.Chat, ragOpts)

	analyzer := analysis.New(b.Store, b.Chat, analysis.Options{Logger: logger, Metrics: reg})
	forecaster := forecast.New(forecast.NewYahoo(cfg.YahooURL), forecast.Options{Logger: logger, Metrics: reg})

	return &server{
		docs:     b.Store,
		ingest:   pipeline,
		embed:    b.Embedder,
		rag:      answers,
		signals:  analyzer,
		forecast: forecaster,
		advisor:  strategy.NewAdvisor(forecaster, analyzer, b.Store, tickers, logger),
		logger:   logger,
	}
}
