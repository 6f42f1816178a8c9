// Scanpipe Worker - queue consumer driving the analysis pipeline.
//
// Claims dispatched scans from the shared queue, runs the extraction,
// per-category analysis and report compilation stages, and persists
// the final report. Runs alongside scanpipe-api against the same
// store and queue directories.
//
// Usage:
//
//	scanpipe-worker -config config.yaml
//	scanpipe-worker -config config.yaml -once   # drain one message and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/vigiasec/scanpipe/pkg/audit"
	"github.com/vigiasec/scanpipe/pkg/config"
	"github.com/vigiasec/scanpipe/pkg/llm"
	"github.com/vigiasec/scanpipe/pkg/logging"
	"github.com/vigiasec/scanpipe/pkg/metrics"
	"github.com/vigiasec/scanpipe/pkg/parsers"
	"github.com/vigiasec/scanpipe/pkg/queue"
	"github.com/vigiasec/scanpipe/pkg/report"
	"github.com/vigiasec/scanpipe/pkg/store"
	"github.com/vigiasec/scanpipe/pkg/worker"
)

const (
	appName    = "scanpipe-worker"
	appVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	once := flag.Bool("once", false, "Process at most one message, then exit")
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
	logger := logging.NewStdLogger(appName, logging.ParseLevel(cfg.Log.Level))

	if err := run(cfg, logger, *once); err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger logging.Logger, once bool) error {
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

	completer := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey,
		llm.WithModel(cfg.LLM.Model),
		llm.WithGeneration(cfg.LLM.MaxTokens, cfg.LLM.Temperature, cfg.LLM.TopP),
		llm.WithTimeout(cfg.LLM.Timeout),
		llm.WithMaxRetries(cfg.LLM.MaxRetries),
		llm.WithRateLimit(cfg.LLM.RateLimit, 2),
		llm.WithLogger(logger),
		llm.WithCollector(collector),
	)

	chain := worker.NewChainBuilder(
		st,
		parsers.NewRegistry(),
		completer,
		report.NewCompiler(report.CompilerConfig{TolerateMissing: cfg.Pipeline.TolerateMissingSections}),
		cfg.Pipeline.StageTimeout,
		auditLog,
		collector,
	)

	w := worker.New(worker.Config{
		Queue:        q,
		Store:        st,
		Chain:        chain,
		Audit:        auditLog,
		Logger:       logger,
		Metric:       collector,
		PollInterval: cfg.Worker.PollInterval,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if once {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			return err
		}
		if !processed {
			logger.Info("queue empty, nothing to do")
		}
		return nil
	}
	return w.Run(ctx)
}
