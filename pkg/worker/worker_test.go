package worker

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/vigiasec/scanpipe/pkg/errors"
	"github.com/vigiasec/scanpipe/pkg/llm"
	"github.com/vigiasec/scanpipe/pkg/metrics"
	"github.com/vigiasec/scanpipe/pkg/parsers"
	"github.com/vigiasec/scanpipe/pkg/queue"
	"github.com/vigiasec/scanpipe/pkg/report"
	"github.com/vigiasec/scanpipe/pkg/store"
)

const nmapSample = `Starting Nmap 7.94 ( https://nmap.org )
Nmap scan report for web01.example.com (10.0.0.5)
Host is up (0.0010s latency).

PORT     STATE SERVICE       VERSION
22/tcp   open  ssh           OpenSSH 8.9
80/tcp   open  http          Apache httpd 2.4.52
3389/tcp open  ms-wbt-server
`

// fakeCompleter returns a canned narrative, or a retryable-looking
// external error while fail is set.
type fakeCompleter struct {
	fail  bool
	calls int
}

func (f *fakeCompleter) Complete(ctx context.Context, msgs []llm.Message) (string, error) {
	f.calls++
	if f.fail {
		return "", errors.E(errors.KindExternal, "llm.Complete", "completion service unavailable")
	}
	return "Analysis narrative covering the supplied findings.", nil
}

type env struct {
	store     *store.FileStore
	queue     *queue.FileQueue
	completer *fakeCompleter
	metrics   *metrics.InMemoryCollector
	worker    *Worker
}

func newEnv(t *testing.T) *env {
	t.Helper()
	dir := t.TempDir()

	st, err := store.NewFileStore(filepath.Join(dir, "store"))
	if err != nil {
		t.Fatal(err)
	}
	q, err := queue.NewFileQueue(queue.Config{
		Dir:       filepath.Join(dir, "queue"),
		BaseDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	fc := &fakeCompleter{}
	mc := metrics.NewInMemoryCollector()
	chain := NewChainBuilder(st, parsers.NewRegistry(), fc,
		report.NewCompiler(report.CompilerConfig{}), time.Minute, nil, mc)

	return &env{
		store:     st,
		queue:     q,
		completer: fc,
		metrics:   mc,
		worker:    New(Config{Queue: q, Store: st, Chain: chain, Metric: mc}),
	}
}

// submitFiles persists an uploaded-scan submission and dispatches it.
func (e *env) submitFiles(t *testing.T, files map[string][]byte) string {
	t.Helper()
	scanID := store.NewScanID()
	sub := store.Submission{ScanID: scanID, CreatedAt: time.Now().UTC()}
	for name, content := range files {
		if err := e.store.PutUpload(scanID, name, content); err != nil {
			t.Fatal(err)
		}
		sub.Files = append(sub.Files, name)
	}
	if err := e.store.PutSubmission(sub); err != nil {
		t.Fatal(err)
	}
	if _, err := e.queue.Publish(context.Background(), queue.Envelope{ScanID: scanID}); err != nil {
		t.Fatal(err)
	}
	if err := e.store.MarkDispatched(scanID); err != nil {
		t.Fatal(err)
	}
	return scanID
}

func TestProcessOne_FileSubmissionToReport(t *testing.T) {
	e := newEnv(t)
	scanID := e.submitFiles(t, map[string][]byte{"scan.nmap": []byte(nmapSample)})

	processed, err := e.worker.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if !processed {
		t.Fatal("expected a message to be processed")
	}

	if got := e.store.Status(scanID); got != store.StatusCompleted {
		t.Fatalf("status = %q, want %q", got, store.StatusCompleted)
	}

	raw, err := e.store.GetReport(scanID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	var rep report.Report
	if err := json.Unmarshal(raw, &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.ScanID != scanID {
		t.Errorf("report scan_id = %q, want %q", rep.ScanID, scanID)
	}
	if len(rep.Sections) != 4 {
		t.Errorf("sections = %d, want one per category", len(rep.Sections))
	}
	if rep.Counts.Total == 0 {
		t.Error("expected findings extracted from the nmap output")
	}
	if rep.ExecutiveSummary == "" {
		t.Error("expected an executive summary")
	}

	// Message acked, queue drained.
	if n, _ := e.queue.Len(); n != 0 {
		t.Errorf("queue length = %d after ack, want 0", n)
	}
	if got := e.metrics.CounterValue(metrics.ScansCompletedTotal.Name); got != 1 {
		t.Errorf("scans completed counter = %v, want 1", got)
	}
}

func TestProcessOne_FormSubmission(t *testing.T) {
	e := newEnv(t)
	scanID := store.NewScanID()
	sub := store.Submission{
		ScanID:    scanID,
		CreatedAt: time.Now().UTC(),
		TargetURL: "https://app.example.com",
		TargetIP:  "203.0.113.10",
	}
	if err := e.store.PutSubmission(sub); err != nil {
		t.Fatal(err)
	}
	if _, err := e.queue.Publish(context.Background(), queue.Envelope{ScanID: scanID}); err != nil {
		t.Fatal(err)
	}
	if err := e.store.MarkDispatched(scanID); err != nil {
		t.Fatal(err)
	}

	if _, err := e.worker.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if got := e.store.Status(scanID); got != store.StatusCompleted {
		t.Fatalf("status = %q, want %q", got, store.StatusCompleted)
	}

	raw, _ := e.store.GetReport(scanID)
	var rep report.Report
	if err := json.Unmarshal(raw, &rep); err != nil {
		t.Fatal(err)
	}
	// One synthetic finding per declared target.
	if rep.Counts.Total != 2 {
		t.Errorf("findings = %d, want 2 declared-target findings", rep.Counts.Total)
	}
}

func TestProcessOne_FailureThenResume(t *testing.T) {
	e := newEnv(t)
	e.completer.fail = true
	scanID := e.submitFiles(t, map[string][]byte{"scan.nmap": []byte(nmapSample)})

	if _, err := e.worker.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}

	// Failed mid-chain: no report, status unchanged, error recorded.
	if e.store.HasReport(scanID) {
		t.Fatal("no report should exist after a failed pipeline")
	}
	if got := e.store.Status(scanID); got != store.StatusInProgress {
		t.Errorf("status = %q, want %q", got, store.StatusInProgress)
	}
	pe, err := e.store.GetPipelineError(scanID)
	if err != nil {
		t.Fatalf("expected a pipeline error artifact: %v", err)
	}
	if pe.Kind != string(errors.KindExternal) {
		t.Errorf("pipeline error kind = %q, want %q", pe.Kind, errors.KindExternal)
	}

	// The extract stage completed before the failure; its artifact
	// survives for the retry.
	if !e.store.HasArtifact(scanID, StageExtract) {
		t.Fatal("extract artifact should persist across the failure")
	}
	callsAfterFailure := e.completer.calls

	// Redelivery after backoff resumes from the first failed stage.
	e.completer.fail = false
	time.Sleep(5 * time.Millisecond)
	processed, err := e.worker.ProcessOne(context.Background())
	if err != nil {
		t.Fatalf("ProcessOne retry: %v", err)
	}
	if !processed {
		t.Fatal("expected the nacked message to be redelivered")
	}

	if got := e.store.Status(scanID); got != store.StatusCompleted {
		t.Fatalf("status after retry = %q, want %q", got, store.StatusCompleted)
	}
	if _, err := e.store.GetPipelineError(scanID); !errors.IsNotFound(err) {
		t.Error("pipeline error artifact should be cleared after success")
	}
	if e.completer.calls <= callsAfterFailure {
		t.Error("retry should have issued new completion calls")
	}
}

const nessusSample = `<?xml version="1.0" ?>
<NessusClientData_v2>
  <Report name="host scan">
    <ReportHost name="10.0.0.9">
      <ReportItem port="22" protocol="tcp" svc_name="ssh" severity="2" pluginName="SSH Weak Algorithms Supported">
        <description>The remote SSH server is configured to allow weak encryption algorithms.</description>
        <risk_factor>Medium</risk_factor>
      </ReportItem>
      <ReportItem port="0" protocol="icmp" svc_name="general" severity="0" pluginName="ICMP Timestamp Request Remote Date Disclosure">
        <description>The remote host answers ICMP timestamp requests, disclosing its clock.</description>
      </ReportItem>
    </ReportHost>
  </Report>
</NessusClientData_v2>
`

func TestProcessOne_UnclassifiedFindingSurfaced(t *testing.T) {
	e := newEnv(t)
	scanID := e.submitFiles(t, map[string][]byte{"hosts.nessus": []byte(nessusSample)})

	if _, err := e.worker.ProcessOne(context.Background()); err != nil {
		t.Fatalf("ProcessOne: %v", err)
	}
	if got := e.store.Status(scanID); got != store.StatusCompleted {
		t.Fatalf("status = %q, want %q", got, store.StatusCompleted)
	}

	raw, err := e.store.GetReport(scanID)
	if err != nil {
		t.Fatal(err)
	}
	var rep report.Report
	if err := json.Unmarshal(raw, &rep); err != nil {
		t.Fatal(err)
	}

	// Both findings reach the report: the ssh one through its analysis
	// section, the icmp one (no rule matches) through the unclassified
	// list. Nothing extracted may vanish from the compiled report.
	if rep.Counts.Total != 2 {
		t.Fatalf("total = %d, want 2", rep.Counts.Total)
	}
	if len(rep.Unclassified) != 1 {
		t.Fatalf("unclassified = %d, want 1", len(rep.Unclassified))
	}
	if got := rep.Unclassified[0].Title; got != "ICMP Timestamp Request Remote Date Disclosure" {
		t.Errorf("unclassified title = %q", got)
	}

	inGroups := 0
	for _, g := range rep.SeverityGroups {
		inGroups += len(g.Findings)
	}
	if inGroups != 2 {
		t.Errorf("severity groups carry %d findings, want 2", inGroups)
	}
}

func TestProcessOne_DuplicateDeliveryAcked(t *testing.T) {
	e := newEnv(t)
	scanID := e.submitFiles(t, map[string][]byte{"scan.nmap": []byte(nmapSample)})

	if _, err := e.worker.ProcessOne(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A second message for the same scan (lost-ack replay) is acked
	// without rerunning anything.
	if _, err := e.queue.Publish(context.Background(), queue.Envelope{ScanID: scanID}); err != nil {
		t.Fatal(err)
	}
	before := e.completer.calls
	if _, err := e.worker.ProcessOne(context.Background()); err != nil {
		t.Fatal(err)
	}
	if e.completer.calls != before {
		t.Error("duplicate delivery must not re-invoke the completion service")
	}
	if n, _ := e.queue.Len(); n != 0 {
		t.Errorf("queue length = %d, want 0", n)
	}
}

func TestChainShape(t *testing.T) {
	e := newEnv(t)
	stages := e.worker.cfg.Chain.Build()
	if len(stages) != 6 {
		t.Fatalf("chain length = %d, want 6", len(stages))
	}
	if stages[0].Name != StageExtract {
		t.Errorf("first stage = %q, want %q", stages[0].Name, StageExtract)
	}
	last := stages[len(stages)-1]
	if last.Name != StageCompile {
		t.Errorf("last stage = %q, want %q", last.Name, StageCompile)
	}
	if len(last.DependsOn) != 5 {
		t.Errorf("compile depends on %d stages, want 5", len(last.DependsOn))
	}
}
