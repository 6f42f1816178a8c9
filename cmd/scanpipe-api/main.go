// Scanpipe API - submission, status and report HTTP server.
//
// Accepts scan submissions (structured forms or uploaded scanner
// output), exposes the derived lifecycle status, and serves compiled
// reports as JSON or PDF. The pipeline itself runs in scanpipe-worker;
// the two processes share the store and the dispatch queue on disk.
//
// Usage:
//
//	scanpipe-api -config config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vigiasec/scanpipe/pkg/audit"
	"github.com/vigiasec/scanpipe/pkg/config"
	"github.com/vigiasec/scanpipe/pkg/health"
	"github.com/vigiasec/scanpipe/pkg/ingest"
	"github.com/vigiasec/scanpipe/pkg/logging"
	"github.com/vigiasec/scanpipe/pkg/metrics"
	"github.com/vigiasec/scanpipe/pkg/queue"
	"github.com/vigiasec/scanpipe/pkg/report"
	"github.com/vigiasec/scanpipe/pkg/server"
	"github.com/vigiasec/scanpipe/pkg/store"
)

const (
	appName    = "scanpipe-api"
	appVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	listen := flag.String("listen", "", "Listen address (overrides config)")
	showVersion := flag.Bool("version", false, "Show version")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", appName, appVersion)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	logger := logging.NewStdLogger(appName, logging.ParseLevel(cfg.Log.Level))

	if err := run(cfg, logger); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger logging.Logger) error {
	st, err := store.NewFileStore(cfg.Store.Dir)
	if err != nil {
		return err
	}

	q, err := queue.NewFileQueue(queue.Config{
		Dir:               cfg.Queue.Dir,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		BaseDelay:         cfg.Queue.BaseDelay,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
	})
	if err != nil {
		return err
	}

	auditLog, err := audit.NewLogger(cfg.Audit.Path)
	if err != nil {
		return err
	}
	defer auditLog.Close()

	var collector metrics.Collector = metrics.NopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(&metrics.PrometheusConfig{
			RegisterDefaultMetrics: true,
		})
	}

	checks := health.NewHandler()
	checks.Register("queue", func(ctx context.Context) health.CheckResult {
		if _, err := q.Len(); err != nil {
			return health.CheckResult{Status: health.StatusUnhealthy, Message: err.Error()}
		}
		return health.CheckResult{Status: health.StatusHealthy}
	})
	checks.Register("store", func(ctx context.Context) health.CheckResult {
		if _, err := st.ListSubmissions(); err != nil {
			return health.CheckResult{Status: health.StatusUnhealthy, Message: err.Error()}
		}
		return health.CheckResult{Status: health.StatusHealthy}
	})

	srv := server.New(server.Config{
		Store:    st,
		Ingestor: ingest.NewIngestor(st, q, logger),
		Queue:    q,
		Renderer: report.NewCommandRenderer(cfg.PDF.Command, cfg.PDF.Args),
		Health:   checks,
		Metrics:  collector,
		Audit:    auditLog,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.Server.Listen)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
