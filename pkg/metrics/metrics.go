// Package metrics provides metrics collection for the scan pipeline.
// It includes a collection interface, a Prometheus implementation,
// and a no-op implementation for tests and minimal deployments.
package metrics

import (
	"net/http"
	"sync"
)

// =============================================================================
// Metrics Interface
// =============================================================================

// Collector is the interface for collecting and reporting metrics.
type Collector interface {
	// Counter operations
	CounterInc(name string, labels ...string)
	CounterAdd(name string, value float64, labels ...string)

	// Gauge operations
	GaugeSet(name string, value float64, labels ...string)
	GaugeInc(name string, labels ...string)
	GaugeDec(name string, labels ...string)

	// Histogram operations
	HistogramObserve(name string, value float64, labels ...string)

	// Handler returns an HTTP handler for the metrics endpoint
	Handler() http.Handler
}

// MetricType represents the type of metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// MetricDefinition defines a metric with its metadata.
type MetricDefinition struct {
	Name    string     `json:"name"`
	Type    MetricType `json:"type"`
	Help    string     `json:"help"`
	Labels  []string   `json:"labels,omitempty"`
	Buckets []float64  `json:"buckets,omitempty"`
}

// =============================================================================
// Default Metrics - Standard metrics for the scan pipeline
// =============================================================================

var (
	// Ingestion metrics
	SubmissionsTotal = MetricDefinition{
		Name:   "scanpipe_submissions_total",
		Type:   MetricTypeCounter,
		Help:   "Total number of scan submissions",
		Labels: []string{"kind", "status"},
	}
	UploadBytes = MetricDefinition{
		Name:    "scanpipe_upload_bytes",
		Type:    MetricTypeHistogram,
		Help:    "Uploaded document sizes in bytes",
		Buckets: []float64{1024, 10240, 102400, 1048576, 10485760, 52428800},
	}

	// Queue metrics
	QueueDepth = MetricDefinition{
		Name: "scanpipe_queue_depth",
		Type: MetricTypeGauge,
		Help: "Messages currently in the dispatch queue",
	}
	QueueDeliveriesTotal = MetricDefinition{
		Name:   "scanpipe_queue_deliveries_total",
		Type:   MetricTypeCounter,
		Help:   "Queue message deliveries by outcome",
		Labels: []string{"outcome"},
	}

	// Pipeline metrics
	StageRunsTotal = MetricDefinition{
		Name:   "scanpipe_stage_runs_total",
		Type:   MetricTypeCounter,
		Help:   "Pipeline stage executions by stage and status",
		Labels: []string{"stage", "status"},
	}
	StageDuration = MetricDefinition{
		Name:    "scanpipe_stage_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Pipeline stage execution duration",
		Labels:  []string{"stage"},
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}
	ScansCompletedTotal = MetricDefinition{
		Name: "scanpipe_scans_completed_total",
		Type: MetricTypeCounter,
		Help: "Scans that reached the completed state",
	}
	ScansFailedTotal = MetricDefinition{
		Name:   "scanpipe_scans_failed_total",
		Type:   MetricTypeCounter,
		Help:   "Scan pipeline runs that failed",
		Labels: []string{"kind"},
	}

	// Text-completion client metrics
	CompletionRequestsTotal = MetricDefinition{
		Name:   "scanpipe_completion_requests_total",
		Type:   MetricTypeCounter,
		Help:   "Text-completion requests by status",
		Labels: []string{"status"},
	}
	CompletionDuration = MetricDefinition{
		Name:    "scanpipe_completion_duration_seconds",
		Type:    MetricTypeHistogram,
		Help:    "Text-completion request duration",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	}

	// Report metrics
	ReportsCompiledTotal = MetricDefinition{
		Name: "scanpipe_reports_compiled_total",
		Type: MetricTypeCounter,
		Help: "Final reports compiled",
	}
	PDFRendersTotal = MetricDefinition{
		Name:   "scanpipe_pdf_renders_total",
		Type:   MetricTypeCounter,
		Help:   "PDF renditions produced by status",
		Labels: []string{"status"},
	}
)

// DefaultMetrics returns every standard pipeline metric definition.
func DefaultMetrics() []MetricDefinition {
	return []MetricDefinition{
		SubmissionsTotal, UploadBytes,
		QueueDepth, QueueDeliveriesTotal,
		StageRunsTotal, StageDuration, ScansCompletedTotal, ScansFailedTotal,
		CompletionRequestsTotal, CompletionDuration,
		ReportsCompiledTotal, PDFRendersTotal,
	}
}

// =============================================================================
// Nop Collector
// =============================================================================

// NopCollector discards all metrics.
type NopCollector struct{}

func (NopCollector) CounterInc(name string, labels ...string)                  {}
func (NopCollector) CounterAdd(name string, value float64, labels ...string)   {}
func (NopCollector) GaugeSet(name string, value float64, labels ...string)     {}
func (NopCollector) GaugeInc(name string, labels ...string)                    {}
func (NopCollector) GaugeDec(name string, labels ...string)                    {}
func (NopCollector) HistogramObserve(name string, value float64, labels ...string) {
}
func (NopCollector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
}

// =============================================================================
// In-Memory Collector
// =============================================================================

// InMemoryCollector accumulates metric values in maps, for tests.
type InMemoryCollector struct {
	mu         sync.RWMutex
	counters   map[string]float64
	gauges     map[string]float64
	histograms map[string][]float64
}

// NewInMemoryCollector creates an in-memory collector.
func NewInMemoryCollector() *InMemoryCollector {
	return &InMemoryCollector{
		counters:   make(map[string]float64),
		gauges:     make(map[string]float64),
		histograms: make(map[string][]float64),
	}
}

func key(name string, labels []string) string {
	k := name
	for _, l := range labels {
		k += "|" + l
	}
	return k
}

func (c *InMemoryCollector) CounterInc(name string, labels ...string) {
	c.CounterAdd(name, 1, labels...)
}

func (c *InMemoryCollector) CounterAdd(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key(name, labels)] += value
}

func (c *InMemoryCollector) GaugeSet(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[key(name, labels)] = value
}

func (c *InMemoryCollector) GaugeInc(name string, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[key(name, labels)]++
}

func (c *InMemoryCollector) GaugeDec(name string, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gauges[key(name, labels)]--
}

func (c *InMemoryCollector) HistogramObserve(name string, value float64, labels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key(name, labels)
	c.histograms[k] = append(c.histograms[k], value)
}

func (c *InMemoryCollector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// CounterValue returns the accumulated value for a counter.
func (c *InMemoryCollector) CounterValue(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[key(name, labels)]
}

// GaugeValue returns the current value for a gauge.
func (c *InMemoryCollector) GaugeValue(name string, labels ...string) float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gauges[key(name, labels)]
}

// Observations returns the recorded histogram observations.
func (c *InMemoryCollector) Observations(name string, labels ...string) []float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.histograms[key(name, labels)]
}

var _ Collector = NopCollector{}
var _ Collector = (*InMemoryCollector)(nil)
