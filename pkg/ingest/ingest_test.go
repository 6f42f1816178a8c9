package ingest

import (
	"context"
	"strings"
	"testing"

	"github.com/vigiasec/scanpipe/pkg/errors"
	"github.com/vigiasec/scanpipe/pkg/queue"
	"github.com/vigiasec/scanpipe/pkg/store"
)

type stubPublisher struct {
	published []queue.Envelope
	fail      bool
}

func (p *stubPublisher) Publish(ctx context.Context, env queue.Envelope) (string, error) {
	if p.fail {
		return "", errors.E(errors.KindDispatch, "stub.Publish", "broker unavailable")
	}
	p.published = append(p.published, env)
	return "msg-1", nil
}

func newTestIngestor(t *testing.T, pub *stubPublisher) (*Ingestor, *store.FileStore) {
	t.Helper()
	s, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewIngestor(s, pub, nil), s
}

func TestValidateUpload(t *testing.T) {
	tests := []struct {
		name    string
		upload  Upload
		wantErr string
	}{
		{"valid nmap", Upload{Filename: "scan.nmap", Content: []byte("22/tcp open ssh")}, ""},
		{"valid txt", Upload{Filename: "output.txt", Content: []byte("plain text")}, ""},
		{"valid nessus", Upload{Filename: "export.nessus", Content: []byte("<xml/>")}, ""},
		{"bad extension", Upload{Filename: "shot.png", Content: []byte("x")}, `file "shot.png" has unsupported extension`},
		{"empty file", Upload{Filename: "empty.txt", Content: nil}, `file "empty.txt" is empty`},
		{"binary content", Upload{Filename: "sneaky.txt", Content: []byte("ab\x00cd")}, `file "sneaky.txt" is not a text file`},
		{"no filename", Upload{Filename: "", Content: []byte("x")}, "no filename"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUpload(tt.upload)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("ValidateUpload() error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.IsValidation(err) {
				t.Errorf("error kind = %v, want validation", errors.GetKind(err))
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSubmitForm(t *testing.T) {
	pub := &stubPublisher{}
	ing, s := newTestIngestor(t, pub)

	scanID, err := ing.SubmitForm(context.Background(), FormSubmission{
		EmployeeName: "Ana",
		CompanyName:  "Acme",
		TargetIP:     "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("SubmitForm() error: %v", err)
	}
	if len(scanID) != 32 {
		t.Errorf("scan_id = %q", scanID)
	}

	if got := s.Status(scanID); got != store.StatusInProgress {
		t.Errorf("Status = %v, want Em Andamento", got)
	}
	if len(pub.published) != 1 || pub.published[0].ScanID != scanID {
		t.Errorf("published = %+v", pub.published)
	}
	// Form payload travels in the envelope.
	if !strings.Contains(string(pub.published[0].Data), "10.0.0.1") {
		t.Errorf("envelope data = %s", pub.published[0].Data)
	}
}

func TestSubmitForm_RequiresTarget(t *testing.T) {
	pub := &stubPublisher{}
	ing, _ := newTestIngestor(t, pub)

	_, err := ing.SubmitForm(context.Background(), FormSubmission{EmployeeName: "Ana"})
	if !errors.IsValidation(err) {
		t.Errorf("error kind = %v, want validation", errors.GetKind(err))
	}
	if len(pub.published) != 0 {
		t.Error("nothing should be enqueued on validation failure")
	}
}

func TestSubmitFiles(t *testing.T) {
	pub := &stubPublisher{}
	ing, s := newTestIngestor(t, pub)

	scanID, err := ing.SubmitFiles(context.Background(), []Upload{
		{Filename: "scan.nmap", Content: []byte("22/tcp open ssh")},
		{Filename: "export.nessus", Content: []byte("<NessusClientData_v2/>")},
	})
	if err != nil {
		t.Fatalf("SubmitFiles() error: %v", err)
	}

	if got := s.Status(scanID); got != store.StatusInProgress {
		t.Errorf("Status = %v, want Em Andamento", got)
	}
	names, err := s.ListUploads(scanID)
	if err != nil || len(names) != 2 {
		t.Errorf("ListUploads() = %v, %v", names, err)
	}
	content, err := s.GetUpload(scanID, "scan.nmap")
	if err != nil || string(content) != "22/tcp open ssh" {
		t.Errorf("GetUpload() = %q, %v", content, err)
	}
}

func TestSubmitFiles_RejectsWholeBatch(t *testing.T) {
	pub := &stubPublisher{}
	ing, s := newTestIngestor(t, pub)

	_, err := ing.SubmitFiles(context.Background(), []Upload{
		{Filename: "good.txt", Content: []byte("fine")},
		{Filename: "bad.exe", Content: []byte("nope")},
	})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "bad.exe") {
		t.Errorf("error should name the offending file: %v", err)
	}
	if len(pub.published) != 0 {
		t.Error("nothing should be enqueued")
	}
	subs, _ := s.ListSubmissions()
	if len(subs) != 0 {
		t.Error("nothing should be persisted")
	}
}

func TestDispatchFailure_IsDistinctAndLeavesPendente(t *testing.T) {
	pub := &stubPublisher{fail: true}
	ing, s := newTestIngestor(t, pub)

	scanID, err := ing.SubmitForm(context.Background(), FormSubmission{TargetIP: "10.0.0.1"})
	if err == nil {
		t.Fatal("expected dispatch error")
	}
	if !errors.IsDispatch(err) {
		t.Errorf("error kind = %v, want dispatch", errors.GetKind(err))
	}
	// SubmitForm returns the scan_id even on dispatch failure so the
	// caller can point an operator at it.
	if scanID == "" {
		t.Error("scan_id should be returned despite dispatch failure")
	}
	// The submission is persisted but never dispatched: diagnosable
	// as Pendente with no progress.
	if got := s.Status(scanID); got != store.StatusPending {
		t.Errorf("Status = %v, want Pendente", got)
	}
}

func TestRedispatch(t *testing.T) {
	pub := &stubPublisher{fail: true}
	ing, s := newTestIngestor(t, pub)

	scanID, _ := ing.SubmitForm(context.Background(), FormSubmission{TargetIP: "10.0.0.1"})
	if got := s.Status(scanID); got != store.StatusPending {
		t.Fatalf("Status = %v", got)
	}

	// Broker recovers; operator re-dispatches.
	pub.fail = false
	if err := ing.Redispatch(context.Background(), scanID); err != nil {
		t.Fatalf("Redispatch() error: %v", err)
	}
	if got := s.Status(scanID); got != store.StatusInProgress {
		t.Errorf("Status after redispatch = %v, want Em Andamento", got)
	}
	if len(pub.published) != 1 {
		t.Errorf("published = %+v", pub.published)
	}
}

func TestRedispatch_UnknownAndCompleted(t *testing.T) {
	pub := &stubPublisher{}
	ing, s := newTestIngestor(t, pub)

	if err := ing.Redispatch(context.Background(), "ghost"); !errors.IsNotFound(err) {
		t.Errorf("unknown scan: kind = %v, want not_found", errors.GetKind(err))
	}

	scanID, _ := ing.SubmitForm(context.Background(), FormSubmission{TargetIP: "10.0.0.1"})
	if err := s.PutReport(scanID, map[string]string{"done": "yes"}); err != nil {
		t.Fatal(err)
	}
	if err := ing.Redispatch(context.Background(), scanID); !errors.IsConflict(err) {
		t.Errorf("completed scan: kind = %v, want conflict", errors.GetKind(err))
	}
}
