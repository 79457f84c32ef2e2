// Command ingest is the ingestion worker. It consumes jobs from NATS and,
// when given a directory, queues every new filing it finds there.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/filings-analyst/engine/backend"
	"github.com/WessleyAI/filings-analyst/engine/ingest"
	"github.com/WessleyAI/filings-analyst/pkg/config"
	"github.com/WessleyAI/filings-analyst/pkg/metrics"
	"github.com/WessleyAI/filings-analyst/pkg/natsutil"
)

func main() {
	var (
		dataDir    = flag.String("dir", "", "directory to watch for filings (disabled when empty)")
		interval   = flag.Duration("interval", 30*time.Second, "directory rescan interval")
		settle     = flag.Duration("settle", 2*time.Second, "quiet period after a file event before scanning")
		stateFile  = flag.String("state", "", "processed files state (default <dir>/.ingest-state.json)")
		jobTimeout = flag.Duration("job-timeout", 10*time.Minute, "how long to wait for one queued file")
	)
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(log)

	cfg, err := config.Load()
	if err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	met := metrics.New()
	met.CollectRuntime(ctx, "filings_ingest", 15*time.Second)
	met.ServeAsync(ctx, cfg.MetricsAddr, log)

	b, err := backend.Open(ctx, cfg, log, met)
	if err != nil {
		log.Error("backend setup failed", "err", err)
		os.Exit(1)
	}
	defer b.Close()

	nc, err := nats.Connect(cfg.NATSURL, nats.Name("filings-ingest"), nats.MaxReconnects(-1))
	if err != nil {
		log.Error("nats connect failed", "url", cfg.NATSURL, "err", err)
		os.Exit(1)
	}
	defer nc.Drain()

	pipeline := ingest.NewPipeline(ingest.Deps{
		Embedder:  b.Embedder,
		Store:     b.Store,
		Publisher: ingest.NewNATSPublisher(nc),
		Logger:    log,
		Metrics:   met,
	})
	sub, err := ingest.StartConsumer(nc, pipeline, ingest.ConsumerOpts{Logger: log})
	if err != nil {
		log.Error("subscribe failed", "subject", ingest.IngestSubject, "err", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()
	log.Info("ingest worker started", "subject", ingest.IngestSubject, "store", cfg.StoreBackend, "embed", b.Embedder.Model())

	if *dataDir == "" {
		<-ctx.Done()
		log.Info("shutting down")
		return
	}

	if *stateFile == "" {
		*stateFile = defaultStatePath(*dataDir)
	}
	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.Error("create data dir failed", "dir", *dataDir, "err", err)
		os.Exit(1)
	}
	sc := newScanner(*dataDir, *stateFile, func(ctx context.Context, job ingest.Job) (ingest.Report, error) {
		ctx, cancel := context.WithTimeout(ctx, *jobTimeout)
		defer cancel()
		return natsutil.Request[ingest.Job, ingest.Report](ctx, nc, ingest.IngestSubject, job)
	}, log, met)
	log.Info("watching for filings", "dir", *dataDir, "interval", *interval)

	if err := sc.run(ctx, *interval, *settle); err != nil {
		log.Error("directory watch failed", "dir", *dataDir, "err", err)
		os.Exit(1)
	}
	log.Info("shutting down")
}
