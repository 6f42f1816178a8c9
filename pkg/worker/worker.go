// Package worker consumes the dispatch queue and drives each scan
// through the analysis chain to its final report.
package worker

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/vigiasec/scanpipe/pkg/audit"
	"github.com/vigiasec/scanpipe/pkg/errors"
	"github.com/vigiasec/scanpipe/pkg/logging"
	"github.com/vigiasec/scanpipe/pkg/metrics"
	"github.com/vigiasec/scanpipe/pkg/queue"
	"github.com/vigiasec/scanpipe/pkg/stage"
	"github.com/vigiasec/scanpipe/pkg/store"
)

// Config wires a worker's collaborators.
type Config struct {
	Queue  *queue.FileQueue
	Store  *store.FileStore
	Chain  *ChainBuilder
	Audit  *audit.Logger // optional
	Logger logging.Logger
	Metric metrics.Collector

	// PollInterval is the sleep between polls of an empty queue.
	// Default: 2s.
	PollInterval time.Duration
}

// Worker is the single-consumer pipeline loop. One message is
// processed at a time; combined with the runner's sequential stage
// execution this keeps each scan's pipeline strictly linear.
type Worker struct {
	cfg    Config
	runner *stage.Runner
}

// New creates a worker.
func New(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = &logging.NopLogger{}
	}
	if cfg.Metric == nil {
		cfg.Metric = metrics.NopCollector{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Worker{
		cfg:    cfg,
		runner: stage.NewRunner(cfg.Store, cfg.Logger),
	}
}

// Run consumes the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.cfg.Logger.Info("worker started, polling every %s", w.cfg.PollInterval)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		msg, err := w.cfg.Queue.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.cfg.Logger.Info("worker stopping: %v", ctx.Err())
				return nil
			}
			w.cfg.Logger.Error("receive: %v", err)
		}
		if msg != nil {
			w.process(ctx, msg)
			w.observeDepth()
			continue
		}

		select {
		case <-ctx.Done():
			w.cfg.Logger.Info("worker stopping: %v", ctx.Err())
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessOne claims and processes a single message. Returns false when
// the queue had nothing due. Used by tests and one-shot invocations.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	msg, err := w.cfg.Queue.Receive(ctx)
	if err != nil {
		return false, err
	}
	if msg == nil {
		return false, nil
	}
	w.process(ctx, msg)
	return true, nil
}

func (w *Worker) process(ctx context.Context, msg *queue.Message) {
	scanID := msg.Envelope.ScanID
	log := w.cfg.Logger

	// A report already on disk means a previous attempt finished but
	// its ack was lost. Nothing to redo.
	if w.cfg.Store.HasReport(scanID) {
		log.Info("scan %s already has a report, acking duplicate delivery", scanID)
		w.ack(msg)
		return
	}

	log.Info("scan %s: pipeline starting (attempt %d)", scanID, msg.Attempts)
	w.record(audit.EventPipelineStarted, scanID, "", "")

	err := w.runner.Run(ctx, scanID, w.cfg.Chain.Build())
	if err == nil || stderrors.Is(err, errors.ErrReportAlreadyExists) {
		log.Info("scan %s: pipeline complete", scanID)
		w.record(audit.EventPipelineCompleted, scanID, "", "")
		w.cfg.Metric.CounterInc(metrics.ScansCompletedTotal.Name)
		// A stale failure artifact from an earlier attempt is now moot.
		if clearErr := w.cfg.Store.ClearPipelineError(scanID); clearErr != nil {
			log.Warn("scan %s: clear pipeline error: %v", scanID, clearErr)
		}
		w.ack(msg)
		return
	}

	kind := string(errors.GetKind(err))
	log.Error("scan %s: pipeline failed: %v", scanID, err)
	w.record(audit.EventPipelineFailed, scanID, "", err.Error())
	w.cfg.Metric.CounterInc(metrics.ScansFailedTotal.Name, kind)

	if putErr := w.cfg.Store.PutPipelineError(store.PipelineError{
		ScanID:  scanID,
		Kind:    kind,
		Message: err.Error(),
	}); putErr != nil {
		log.Error("scan %s: record pipeline error: %v", scanID, putErr)
	}

	if nackErr := w.cfg.Queue.Nack(msg.ID, err.Error()); nackErr != nil {
		log.Error("scan %s: nack message %s: %v", scanID, msg.ID, nackErr)
		return
	}
	w.cfg.Metric.CounterInc(metrics.QueueDeliveriesTotal.Name, "nacked")
}

func (w *Worker) ack(msg *queue.Message) {
	if err := w.cfg.Queue.Ack(msg.ID); err != nil {
		w.cfg.Logger.Error("ack message %s: %v", msg.ID, err)
		return
	}
	w.cfg.Metric.CounterInc(metrics.QueueDeliveriesTotal.Name, "acked")
}

func (w *Worker) observeDepth() {
	if n, err := w.cfg.Queue.Len(); err == nil {
		w.cfg.Metric.GaugeSet(metrics.QueueDepth.Name, float64(n))
	}
}

func (w *Worker) record(t audit.EventType, scanID, stageName, msg string) {
	if w.cfg.Audit == nil {
		return
	}
	if err := w.cfg.Audit.Record(audit.Event{Type: t, ScanID: scanID, Stage: stageName, Message: msg}); err != nil {
		w.cfg.Logger.Warn("audit record: %v", err)
	}
}
