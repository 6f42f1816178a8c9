// Package ingest validates incoming submissions, persists them, and
// dispatches them to the pipeline queue.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/vigiasec/scanpipe/pkg/errors"
	"github.com/vigiasec/scanpipe/pkg/logging"
	"github.com/vigiasec/scanpipe/pkg/queue"
	"github.com/vigiasec/scanpipe/pkg/store"
)

// allowedExtensions lists the upload extensions accepted for file
// submissions, without the leading dot.
var allowedExtensions = map[string]bool{
	"txt":    true,
	"log":    true,
	"xml":    true,
	"json":   true,
	"csv":    true,
	"nmap":   true,
	"scan":   true,
	"nessus": true,
}

// MaxUploadSize is the per-file upload limit.
const MaxUploadSize = 50 << 20 // 50 MB

// Upload is one submitted document.
type Upload struct {
	Filename string
	Content  []byte
}

// FormSubmission carries the structured form fields.
type FormSubmission struct {
	EmployeeName string `json:"employee_name"`
	CompanyName  string `json:"company_name"`
	TaxID        string `json:"tax_id"`
	TargetIP     string `json:"target_ip"`
	TargetURL    string `json:"target_url"`
}

// Validate checks the form fields. At least one target is required.
func (f *FormSubmission) Validate() error {
	if strings.TrimSpace(f.TargetIP) == "" && strings.TrimSpace(f.TargetURL) == "" {
		return errors.E(errors.KindValidation, "ingest.Validate",
			"submission must include a target IP or a target URL")
	}
	return nil
}

// ValidateUpload checks one uploaded document, naming the offending
// file in every rejection.
func ValidateUpload(u Upload) error {
	name := filepath.Base(u.Filename)
	if name == "" || name == "." {
		return errors.E(errors.KindValidation, "ingest.ValidateUpload", "upload has no filename")
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if !allowedExtensions[ext] {
		return errors.E(errors.KindValidation, "ingest.ValidateUpload",
			fmt.Sprintf("file %q has unsupported extension %q", name, ext))
	}
	if len(u.Content) == 0 {
		return errors.E(errors.KindValidation, "ingest.ValidateUpload",
			fmt.Sprintf("file %q is empty", name))
	}
	if len(u.Content) > MaxUploadSize {
		return errors.E(errors.KindValidation, "ingest.ValidateUpload",
			fmt.Sprintf("file %q exceeds the %d byte limit", name, MaxUploadSize))
	}
	// Only text content is accepted: a NUL byte in the leading window
	// marks binary data.
	head := u.Content
	if len(head) > 8192 {
		head = head[:8192]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return errors.E(errors.KindValidation, "ingest.ValidateUpload",
			fmt.Sprintf("file %q is not a text file", name))
	}
	return nil
}

// =============================================================================
// Ingestor
// =============================================================================

// Publisher is the slice of the queue the ingestor needs.
type Publisher interface {
	Publish(ctx context.Context, env queue.Envelope) (string, error)
}

// Ingestor runs the submission flow: validate, persist, enqueue.
type Ingestor struct {
	store  *store.FileStore
	queue  Publisher
	logger logging.Logger
}

// NewIngestor creates an ingestor.
func NewIngestor(s *store.FileStore, q Publisher, logger logging.Logger) *Ingestor {
	if logger == nil {
		logger = &logging.NopLogger{}
	}
	return &Ingestor{store: s, queue: q, logger: logger}
}

// SubmitForm ingests a structured form submission and returns the new
// scan_id. Validation failures surface synchronously and nothing is
// persisted or enqueued.
func (i *Ingestor) SubmitForm(ctx context.Context, form FormSubmission) (string, error) {
	if err := form.Validate(); err != nil {
		return "", err
	}

	scanID := store.NewScanID()
	sub := store.Submission{
		ScanID:       scanID,
		CreatedAt:    time.Now().UTC(),
		EmployeeName: form.EmployeeName,
		CompanyName:  form.CompanyName,
		TaxID:        form.TaxID,
		TargetIP:     form.TargetIP,
		TargetURL:    form.TargetURL,
	}
	if err := i.store.PutSubmission(sub); err != nil {
		return "", err
	}

	data, err := json.Marshal(form)
	if err != nil {
		return "", errors.E(errors.KindInternal, "ingest.SubmitForm", "marshal form payload", err)
	}
	return scanID, i.dispatch(ctx, scanID, data)
}

// SubmitFiles ingests a set of uploaded documents and returns the new
// scan_id. All files are validated before anything is persisted, so a
// bad file rejects the whole submission with no side effects.
func (i *Ingestor) SubmitFiles(ctx context.Context, uploads []Upload) (string, error) {
	if len(uploads) == 0 {
		return "", errors.E(errors.KindValidation, "ingest.SubmitFiles", "no files uploaded")
	}
	for _, u := range uploads {
		if err := ValidateUpload(u); err != nil {
			return "", err
		}
	}

	scanID := store.NewScanID()
	names := make([]string, 0, len(uploads))
	for _, u := range uploads {
		names = append(names, filepath.Base(u.Filename))
	}
	sub := store.Submission{
		ScanID:    scanID,
		CreatedAt: time.Now().UTC(),
		Files:     names,
	}
	if err := i.store.PutSubmission(sub); err != nil {
		return "", err
	}
	for _, u := range uploads {
		if err := i.store.PutUpload(scanID, u.Filename, u.Content); err != nil {
			return "", err
		}
	}

	return scanID, i.dispatch(ctx, scanID, nil)
}

// Redispatch republishes the queue message for a persisted submission
// whose original dispatch failed or whose pipeline stalled. The
// operator-facing recovery path for "Em Andamento with no progress".
func (i *Ingestor) Redispatch(ctx context.Context, scanID string) error {
	if _, err := i.store.GetSubmission(scanID); err != nil {
		return err
	}
	if i.store.HasReport(scanID) {
		return errors.E(errors.KindConflict, "ingest.Redispatch",
			fmt.Sprintf("scan %s already completed", scanID))
	}
	if err := i.store.ClearPipelineError(scanID); err != nil {
		return err
	}
	return i.dispatch(ctx, scanID, nil)
}

// dispatch publishes the envelope and records the dispatch marker.
// A publish failure after successful persistence is a distinct
// dispatch error: the submission exists but stays Pendente, which is
// exactly what the redispatch path looks for.
func (i *Ingestor) dispatch(ctx context.Context, scanID string, data json.RawMessage) error {
	if _, err := i.queue.Publish(ctx, queue.Envelope{ScanID: scanID, Data: data}); err != nil {
		i.logger.Error("scan %s: persisted but not dispatched: %v", scanID, err)
		if errors.GetKind(err) == errors.KindDispatch {
			return err
		}
		return errors.E(errors.KindDispatch, "ingest.dispatch",
			fmt.Sprintf("submission %s persisted but queue publish failed", scanID), err)
	}
	if err := i.store.MarkDispatched(scanID); err != nil {
		return err
	}
	i.logger.Info("scan %s: dispatched", scanID)
	return nil
}
