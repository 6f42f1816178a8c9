// Package store implements the scan lifecycle store. A scan's status
// is never a mutable field: it is derived entirely from which
// artifacts exist on disk for its scan_id, so status can never drift
// from actual pipeline state.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vigiasec/scanpipe/pkg/compress"
	"github.com/vigiasec/scanpipe/pkg/errors"
)

// Status is the derived lifecycle state of a scan. Labels are the
// user-facing Portuguese strings served by the status endpoint.
type Status string

const (
	// StatusPending - submission persisted, not yet dispatched.
	StatusPending Status = "Pendente"

	// StatusInProgress - dispatched to the queue, no final report yet.
	StatusInProgress Status = "Em Andamento"

	// StatusCompleted - final report persisted. Terminal.
	StatusCompleted Status = "Concluído"

	// StatusNotFound - no record exists for the scan_id. A query-side
	// result, not a real lifecycle state.
	StatusNotFound Status = "Não Encontrado"
)

// Submission is one persisted scan request. Immutable after creation.
type Submission struct {
	ScanID    string    `json:"scan_id"`
	CreatedAt time.Time `json:"created_at"`

	// Form fields, present for form submissions.
	EmployeeName string `json:"employee_name,omitempty"`
	CompanyName  string `json:"company_name,omitempty"`
	TaxID        string `json:"tax_id,omitempty"`
	TargetIP     string `json:"target_ip,omitempty"`
	TargetURL    string `json:"target_url,omitempty"`

	// Files lists the uploaded document names, for file submissions.
	Files []string `json:"files,omitempty"`
}

// PipelineError is the distinguishable error artifact written when a
// scan's pipeline fails. Its presence does not advance the lifecycle:
// the scan stays Em Andamento, but operators can see why.
type PipelineError struct {
	ScanID     string    `json:"scan_id"`
	Stage      string    `json:"stage,omitempty"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewScanID generates a new opaque scan identifier: a random UUID
// rendered as 32 hex characters.
func NewScanID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// =============================================================================
// FileStore
// =============================================================================

// FileStore is the file-backed lifecycle store. Writers for one
// scan_id are serialized externally by the queue's one-message-at-a-
// time processing; the store only guarantees that no reader observes
// a torn write (all writes are temp-then-rename).
type FileStore struct {
	root  string
	codec *compress.Codec
}

// NewFileStore creates the store rooted at dir, creating the artifact
// directories if needed.
func NewFileStore(dir string) (*FileStore, error) {
	s := &FileStore{
		root:  dir,
		codec: compress.NewCodec(compress.AlgorithmZSTD, compress.LevelDefault),
	}
	for _, sub := range []string{"submissions", "dispatched", "uploads", "artifacts", "reports", "renditions", "errors"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, errors.E(errors.KindInternal, "store.NewFileStore", "create layout", err)
		}
	}
	return s, nil
}

func (s *FileStore) submissionPath(scanID string) string {
	return filepath.Join(s.root, "submissions", scanID+".json")
}

func (s *FileStore) dispatchedPath(scanID string) string {
	return filepath.Join(s.root, "dispatched", scanID+".json")
}

func (s *FileStore) reportPath(scanID string) string {
	return filepath.Join(s.root, "reports", scanID+".json")
}

func (s *FileStore) artifactPath(scanID, stage string) string {
	return filepath.Join(s.root, "artifacts", scanID, stage+".json")
}

func (s *FileStore) errorPath(scanID string) string {
	return filepath.Join(s.root, "errors", scanID+".json")
}

func (s *FileStore) renditionPath(scanID string) string {
	return filepath.Join(s.root, "renditions", scanID+".pdf")
}

// writeAtomic writes data via a temp file in the destination directory
// and renames it into place, so concurrent readers never observe a
// partial write.
func (s *FileStore) writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// =============================================================================
// Submissions
// =============================================================================

// PutSubmission persists a submission. Fails with a conflict error if
// the scan_id is already in use.
func (s *FileStore) PutSubmission(sub Submission) error {
	if sub.ScanID == "" {
		return errors.E(errors.KindValidation, "store.PutSubmission", "empty scan_id")
	}
	if exists(s.submissionPath(sub.ScanID)) {
		return errors.E(errors.KindConflict, "store.PutSubmission",
			fmt.Sprintf("scan_id %s already exists", sub.ScanID), errors.ErrAlreadyExists)
	}
	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return errors.E(errors.KindInternal, "store.PutSubmission", "marshal submission", err)
	}
	if err := s.writeAtomic(s.submissionPath(sub.ScanID), data); err != nil {
		return errors.E(errors.KindInternal, "store.PutSubmission", "write submission", err)
	}
	return nil
}

// GetSubmission returns the submission for the scan_id.
func (s *FileStore) GetSubmission(scanID string) (*Submission, error) {
	data, err := os.ReadFile(s.submissionPath(scanID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.KindNotFound, "store.GetSubmission",
				fmt.Sprintf("no submission for scan_id %s", scanID))
		}
		return nil, errors.E(errors.KindInternal, "store.GetSubmission", "read submission", err)
	}
	var sub Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, errors.E(errors.KindInternal, "store.GetSubmission", "decode submission", err)
	}
	return &sub, nil
}

// ListSubmissions returns all persisted submissions, newest first.
func (s *FileStore) ListSubmissions() ([]Submission, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "submissions"))
	if err != nil {
		return nil, errors.E(errors.KindInternal, "store.ListSubmissions", "read directory", err)
	}
	var out []Submission
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		sub, err := s.GetSubmission(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, *sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// MarkDispatched records that the scan's queue message was published.
// This is what moves the derived status from Pendente to Em Andamento.
func (s *FileStore) MarkDispatched(scanID string) error {
	if !exists(s.submissionPath(scanID)) {
		return errors.E(errors.KindNotFound, "store.MarkDispatched",
			fmt.Sprintf("no submission for scan_id %s", scanID))
	}
	marker, _ := json.Marshal(map[string]string{
		"scan_id":       scanID,
		"dispatched_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err := s.writeAtomic(s.dispatchedPath(scanID), marker); err != nil {
		return errors.E(errors.KindInternal, "store.MarkDispatched", "write marker", err)
	}
	return nil
}

// =============================================================================
// Status
// =============================================================================

// Status derives the lifecycle state from artifact existence alone:
// a report means Concluído, a dispatch marker means Em Andamento, a
// bare submission means Pendente, nothing means Não Encontrado.
func (s *FileStore) Status(scanID string) Status {
	if exists(s.reportPath(scanID)) {
		return StatusCompleted
	}
	if exists(s.dispatchedPath(scanID)) {
		return StatusInProgress
	}
	if exists(s.submissionPath(scanID)) {
		return StatusPending
	}
	return StatusNotFound
}

// =============================================================================
// Raw Uploads
// =============================================================================

// PutUpload stores one uploaded document's raw content, compressed.
func (s *FileStore) PutUpload(scanID, filename string, content []byte) error {
	dir := filepath.Join(s.root, "uploads", scanID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.E(errors.KindInternal, "store.PutUpload", "create upload dir", err)
	}
	compressed, err := s.codec.Compress(content)
	if err != nil {
		return errors.E(errors.KindInternal, "store.PutUpload", "compress upload", err)
	}
	path := filepath.Join(dir, filepath.Base(filename)+s.codec.Algorithm().Extension())
	if err := s.writeAtomic(path, compressed); err != nil {
		return errors.E(errors.KindInternal, "store.PutUpload", "write upload", err)
	}
	return nil
}

// GetUpload returns one uploaded document's raw content, inflated.
func (s *FileStore) GetUpload(scanID, filename string) ([]byte, error) {
	path := filepath.Join(s.root, "uploads", scanID, filepath.Base(filename)+s.codec.Algorithm().Extension())
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.KindNotFound, "store.GetUpload",
				fmt.Sprintf("no upload %q for scan_id %s", filename, scanID))
		}
		return nil, errors.E(errors.KindInternal, "store.GetUpload", "read upload", err)
	}
	out, err := s.codec.Decompress(data)
	if err != nil {
		return nil, errors.E(errors.KindInternal, "store.GetUpload", "decompress upload", err)
	}
	return out, nil
}

// ListUploads returns the stored upload filenames for a scan, in
// lexical order.
func (s *FileStore) ListUploads(scanID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "uploads", scanID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.E(errors.KindInternal, "store.ListUploads", "read directory", err)
	}
	ext := s.codec.Algorithm().Extension()
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, strings.TrimSuffix(e.Name(), ext))
		}
	}
	sort.Strings(out)
	return out, nil
}

// =============================================================================
// Stage Artifacts
// =============================================================================

// PutArtifact writes one stage's output artifact.
func (s *FileStore) PutArtifact(scanID, stage string, artifact any) error {
	dir := filepath.Join(s.root, "artifacts", scanID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.E(errors.KindInternal, "store.PutArtifact", "create artifact dir", err)
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return errors.E(errors.KindInternal, "store.PutArtifact", "marshal artifact", err)
	}
	if err := s.writeAtomic(s.artifactPath(scanID, stage), data); err != nil {
		return errors.E(errors.KindInternal, "store.PutArtifact", "write artifact", err)
	}
	return nil
}

// GetArtifact reads one stage's artifact as raw JSON.
func (s *FileStore) GetArtifact(scanID, stage string) ([]byte, error) {
	data, err := os.ReadFile(s.artifactPath(scanID, stage))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.KindNotFound, "store.GetArtifact",
				fmt.Sprintf("no artifact %q for scan_id %s", stage, scanID))
		}
		return nil, errors.E(errors.KindInternal, "store.GetArtifact", "read artifact", err)
	}
	return data, nil
}

// HasArtifact reports whether the stage's artifact exists.
func (s *FileStore) HasArtifact(scanID, stage string) bool {
	return exists(s.artifactPath(scanID, stage))
}

// =============================================================================
// Reports
// =============================================================================

// PutReport persists the final report. Reports are write-once: the
// first write wins and a second attempt fails with a conflict; the
// lifecycle never moves backwards out of Concluído.
func (s *FileStore) PutReport(scanID string, report any) error {
	if exists(s.reportPath(scanID)) {
		return errors.E(errors.KindConflict, "store.PutReport",
			fmt.Sprintf("report for scan_id %s already exists", scanID), errors.ErrReportAlreadyExists)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return errors.E(errors.KindInternal, "store.PutReport", "marshal report", err)
	}
	if err := s.writeAtomic(s.reportPath(scanID), data); err != nil {
		return errors.E(errors.KindInternal, "store.PutReport", "write report", err)
	}
	return nil
}

// GetReport returns the final report as raw JSON.
func (s *FileStore) GetReport(scanID string) ([]byte, error) {
	data, err := os.ReadFile(s.reportPath(scanID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.KindNotFound, "store.GetReport",
				fmt.Sprintf("no report for scan_id %s", scanID))
		}
		return nil, errors.E(errors.KindInternal, "store.GetReport", "read report", err)
	}
	return data, nil
}

// HasReport reports whether the final report exists.
func (s *FileStore) HasReport(scanID string) bool {
	return exists(s.reportPath(scanID))
}

// =============================================================================
// PDF Renditions
// =============================================================================

// PutRendition stores the PDF rendition of a report.
func (s *FileStore) PutRendition(scanID string, pdf []byte) error {
	if err := s.writeAtomic(s.renditionPath(scanID), pdf); err != nil {
		return errors.E(errors.KindInternal, "store.PutRendition", "write rendition", err)
	}
	return nil
}

// GetRendition returns the stored PDF rendition.
func (s *FileStore) GetRendition(scanID string) ([]byte, error) {
	data, err := os.ReadFile(s.renditionPath(scanID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.KindNotFound, "store.GetRendition",
				fmt.Sprintf("no rendition for scan_id %s", scanID))
		}
		return nil, errors.E(errors.KindInternal, "store.GetRendition", "read rendition", err)
	}
	return data, nil
}

// HasRendition reports whether the PDF rendition exists.
func (s *FileStore) HasRendition(scanID string) bool {
	return exists(s.renditionPath(scanID))
}

// =============================================================================
// Pipeline Errors
// =============================================================================

// PutPipelineError records a distinguishable pipeline failure
// artifact. Does not change the derived status.
func (s *FileStore) PutPipelineError(pe PipelineError) error {
	if pe.OccurredAt.IsZero() {
		pe.OccurredAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(pe, "", "  ")
	if err != nil {
		return errors.E(errors.KindInternal, "store.PutPipelineError", "marshal error artifact", err)
	}
	if err := s.writeAtomic(s.errorPath(pe.ScanID), data); err != nil {
		return errors.E(errors.KindInternal, "store.PutPipelineError", "write error artifact", err)
	}
	return nil
}

// GetPipelineError returns the pipeline failure artifact, if any.
func (s *FileStore) GetPipelineError(scanID string) (*PipelineError, error) {
	data, err := os.ReadFile(s.errorPath(scanID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.E(errors.KindNotFound, "store.GetPipelineError",
				fmt.Sprintf("no pipeline error for scan_id %s", scanID))
		}
		return nil, errors.E(errors.KindInternal, "store.GetPipelineError", "read error artifact", err)
	}
	var pe PipelineError
	if err := json.Unmarshal(data, &pe); err != nil {
		return nil, errors.E(errors.KindInternal, "store.GetPipelineError", "decode error artifact", err)
	}
	return &pe, nil
}

// ClearPipelineError removes the failure artifact, typically before an
// operator re-dispatch.
func (s *FileStore) ClearPipelineError(scanID string) error {
	err := os.Remove(s.errorPath(scanID))
	if err != nil && !os.IsNotExist(err) {
		return errors.E(errors.KindInternal, "store.ClearPipelineError", "remove error artifact", err)
	}
	return nil
}

// ListPipelineErrors returns all recorded pipeline failures, newest
// first.
func (s *FileStore) ListPipelineErrors() ([]PipelineError, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "errors"))
	if err != nil {
		return nil, errors.E(errors.KindInternal, "store.ListPipelineErrors", "read directory", err)
	}
	var out []PipelineError
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		pe, err := s.GetPipelineError(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			continue
		}
		out = append(out, *pe)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	return out, nil
}
