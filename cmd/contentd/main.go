// Command contentd serves the content store: the chunked upload API over
// HTTP, the content RPC service used by rpmctl's bulk workflows, and an
// optional importer that adds units published on the unit feed topic.
//
// Usage:
//
//	contentd [-config configs/contentd.yaml] [-feed-repo REPO] [-feed-idle 5s]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/content"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/content/service"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/ingest/handler"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/ingest/publisher"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/ingest/store"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/internal/workflow"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/grpc"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/rpmtransfer/pkg/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/contentd.yaml", "path to config file")
	feedRepo := flag.String("feed-repo", "", "import units from the unit feed topic into this repository")
	feedIdle := flag.Duration("feed-idle", 5*time.Second, "flush a partial feed page after this long without messages")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg, *feedRepo, *feedIdle); err != nil {
		slog.Error("contentd exited", "error", err)
		os.Exit(1)
	}
	slog.Info("contentd stopped")
}

func run(cfg *config.Config, feedRepo string, feedIdle time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("starting contentd", "port", cfg.Server.Port, "rpc_addr", cfg.RPC.Addr)
	mt := metrics.New(prometheus.DefaultRegisterer)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	svc := service.NewPostgresService(db)

	st := store.New(cfg.Filesystem.IngestDataDir)
	if err := st.Init(); err != nil {
		return fmt.Errorf("preparing ingest data dir: %w", err)
	}

	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.UploadEvents)
	defer producer.Close()
	slog.Info("kafka producer initialized", "topic", cfg.Kafka.Topics.UploadEvents)

	h := handler.New(st, publisher.New(st, svc, producer), cfg.Server.MaxChunkBytes, mt)
	checker := health.NewChecker(5 * time.Second)
	checker.Register("postgres", health.PingCheck(db.Ping))
	checker.Register("ingest_dir", health.PingCheck(func(context.Context) error { return st.Writable() }))

	mux := http.NewServeMux()
	h.Routes(mux)
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /healthz", checker.LiveHandler())
	mux.Handle("GET /readyz", checker.ReadyHandler())

	var limiter *middleware.Limiter
	if cfg.Server.RateLimit > 0 {
		limiter = middleware.NewLimiter(ctx, cfg.Server.RateLimit, time.Minute)
	}
	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: middleware.Chain(mux,
			middleware.RequestID,
			middleware.Metrics(mt),
			middleware.RateLimit(limiter),
			middleware.Timeout(cfg.Server.RequestTimeout),
		),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	rpc := grpc.NewServer()
	service.Register(rpc, svc)

	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port, prometheus.DefaultGatherer)
		defer shutdownMetrics(context.Background())
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("upload api listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := rpc.Serve(cfg.RPC.Addr); err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
		return nil
	})
	if feedRepo != "" {
		runner, err := workflow.New(svc, cfg.Paging.PageSize, mt)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return importFeed(gctx, cfg.Kafka, runner, feedRepo, feedIdle)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		rpc.Stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		return nil
	})
	return g.Wait()
}

// importFeed pages units off the feed topic into repoID until ctx ends. A
// page that fails to store stays uncommitted; the source is rewound and the
// page is retried after a pause.
func importFeed(ctx context.Context, cfg config.KafkaConfig, runner *workflow.Runner, repoID string, idle time.Duration) error {
	reader := kafka.NewReader(cfg, cfg.Topics.UnitFeed)
	defer reader.Close()
	log := logger.WithComponent("feed-import").With("topic", cfg.Topics.UnitFeed, "repo_id", repoID)
	log.Info("unit feed import started")

	src := content.NewKafkaSource(reader, idle)
	for ctx.Err() == nil {
		res, err := runner.Import(ctx, src, repoID, src.Commit)
		switch {
		case ctx.Err() != nil:
		case err != nil:
			log.Error("feed import failed", "error", err, "pages", res.Pages, "replaying", src.Pending())
			src.Rewind()
			select {
			case <-ctx.Done():
			case <-time.After(idle):
			}
		case res.Records > 0:
			log.Info("feed units imported", "pages", res.Pages, "records", res.Records, "added", res.Changed)
		}
	}
	return nil
}
