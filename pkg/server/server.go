// Package server exposes the submission, status, report and operator
// HTTP API.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/vigiasec/scanpipe/pkg/audit"
	"github.com/vigiasec/scanpipe/pkg/errors"
	"github.com/vigiasec/scanpipe/pkg/health"
	"github.com/vigiasec/scanpipe/pkg/ingest"
	"github.com/vigiasec/scanpipe/pkg/logging"
	"github.com/vigiasec/scanpipe/pkg/metrics"
	"github.com/vigiasec/scanpipe/pkg/queue"
	"github.com/vigiasec/scanpipe/pkg/report"
	"github.com/vigiasec/scanpipe/pkg/store"
)

// Config wires the server's collaborators.
type Config struct {
	Store    *store.FileStore
	Ingestor *ingest.Ingestor
	Queue    *queue.FileQueue
	Renderer report.PDFRenderer
	Health   *health.Handler
	Metrics  metrics.Collector
	Audit    *audit.Logger // optional
	Logger   logging.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg Config
	mux *http.ServeMux
}

// New creates the server and registers all routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = &logging.NopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NopCollector{}
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/v1/submit-form", s.handleSubmitForm)
	s.mux.HandleFunc("POST /api/v1/submit-files", s.handleSubmitFiles)
	s.mux.HandleFunc("GET /api/v1/submissions", s.handleListSubmissions)
	s.mux.HandleFunc("GET /api/v1/status/{scan_id}", s.handleStatus)
	s.mux.HandleFunc("GET /api/v1/report/{scan_id}", s.handleReport)
	s.mux.HandleFunc("GET /api/v1/report/{scan_id}/download", s.handleDownload)
	s.mux.HandleFunc("POST /api/v1/ops/redispatch/{scan_id}", s.handleRedispatch)
	s.mux.HandleFunc("GET /api/v1/ops/failures", s.handleFailures)

	if s.cfg.Health != nil {
		s.mux.Handle("GET /healthz", s.cfg.Health)
	}
	s.mux.Handle("GET /metrics", s.cfg.Metrics.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// =============================================================================
// Submission
// =============================================================================

func (s *Server) handleSubmitForm(w http.ResponseWriter, r *http.Request) {
	var form ingest.FormSubmission
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		s.writeError(w, errors.E(errors.KindValidation, "server.SubmitForm", "invalid JSON body", err))
		return
	}

	scanID, err := s.cfg.Ingestor.SubmitForm(r.Context(), form)
	s.finishSubmit(w, "form", scanID, err)
}

func (s *Server) handleSubmitFiles(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(ingest.MaxUploadSize); err != nil {
		s.writeError(w, errors.E(errors.KindValidation, "server.SubmitFiles", "invalid multipart body", err))
		return
	}

	var uploads []ingest.Upload
	for _, headers := range r.MultipartForm.File {
		for _, fh := range headers {
			f, err := fh.Open()
			if err != nil {
				s.writeError(w, errors.E(errors.KindValidation, "server.SubmitFiles",
					fmt.Sprintf("open uploaded file %q", fh.Filename), err))
				return
			}
			content, err := io.ReadAll(io.LimitReader(f, ingest.MaxUploadSize+1))
			f.Close()
			if err != nil {
				s.writeError(w, errors.E(errors.KindInternal, "server.SubmitFiles",
					fmt.Sprintf("read uploaded file %q", fh.Filename), err))
				return
			}
			s.cfg.Metrics.HistogramObserve(metrics.UploadBytes.Name, float64(len(content)))
			uploads = append(uploads, ingest.Upload{Filename: fh.Filename, Content: content})
		}
	}

	scanID, err := s.cfg.Ingestor.SubmitFiles(r.Context(), uploads)
	s.finishSubmit(w, "files", scanID, err)
}

// finishSubmit writes the submission response. A dispatch failure with
// a persisted submission is still accepted: the scan exists as
// Pendente and can be re-dispatched, so the client keeps its scan_id.
func (s *Server) finishSubmit(w http.ResponseWriter, kind, scanID string, err error) {
	if err != nil && !(errors.IsDispatch(err) && scanID != "") {
		s.cfg.Metrics.CounterInc(metrics.SubmissionsTotal.Name, kind, "rejected")
		s.record(audit.EventSubmissionRejected, scanID, err.Error())
		s.writeError(w, err)
		return
	}

	s.cfg.Metrics.CounterInc(metrics.SubmissionsTotal.Name, kind, "accepted")
	s.record(audit.EventSubmissionAccepted, scanID, "")

	resp := map[string]any{
		"scan_id": scanID,
		"status":  s.cfg.Store.Status(scanID),
	}
	if err != nil {
		s.cfg.Logger.Warn("scan %s accepted but not dispatched: %v", scanID, err)
		s.record(audit.EventDispatchFailed, scanID, err.Error())
		resp["warning"] = "submission stored but not yet dispatched; it can be re-dispatched"
	}
	s.writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	subs, err := s.cfg.Store.ListSubmissions()
	if err != nil {
		s.writeError(w, err)
		return
	}
	type entry struct {
		store.Submission
		Status store.Status `json:"status"`
	}
	out := make([]entry, 0, len(subs))
	for _, sub := range subs {
		out = append(out, entry{Submission: sub, Status: s.cfg.Store.Status(sub.ScanID)})
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"submissions": out})
}

// =============================================================================
// Status & Report
// =============================================================================

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("scan_id")
	status := s.cfg.Store.Status(scanID)

	resp := map[string]any{
		"scan_id": scanID,
		"status":  status,
	}
	if pe, err := s.cfg.Store.GetPipelineError(scanID); err == nil {
		resp["pipeline_error"] = pe
	}

	code := http.StatusOK
	if status == store.StatusNotFound {
		code = http.StatusNotFound
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("scan_id")
	raw, err := s.cfg.Store.GetReport(scanID)
	if err != nil {
		if errors.IsNotFound(err) && s.cfg.Store.Status(scanID) != store.StatusNotFound {
			// The scan exists but has not finished.
			s.writeJSON(w, http.StatusNotFound, map[string]any{
				"scan_id": scanID,
				"status":  s.cfg.Store.Status(scanID),
				"error":   "report not yet available",
			})
			return
		}
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// handleDownload serves the PDF rendition, producing it on first
// request. The rendition is cached; reports are immutable so it never
// goes stale.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("scan_id")

	pdf, err := s.cfg.Store.GetRendition(scanID)
	if errors.IsNotFound(err) {
		pdf, err = s.renderPDF(r.Context(), scanID)
	}
	if err != nil {
		s.cfg.Metrics.CounterInc(metrics.PDFRendersTotal.Name, "failed")
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "report-"+scanID+".pdf"))
	w.WriteHeader(http.StatusOK)
	w.Write(pdf)
}

func (s *Server) renderPDF(ctx context.Context, scanID string) ([]byte, error) {
	raw, err := s.cfg.Store.GetReport(scanID)
	if err != nil {
		return nil, err
	}
	var rep report.Report
	if err := json.Unmarshal(raw, &rep); err != nil {
		return nil, errors.E(errors.KindInternal, "server.renderPDF", "decode report", err)
	}

	pdf, err := s.cfg.Renderer.Render(ctx, []byte(report.RenderMarkdown(&rep)))
	if err != nil {
		return nil, err
	}
	if err := s.cfg.Store.PutRendition(scanID, pdf); err != nil {
		s.cfg.Logger.Warn("scan %s: cache rendition: %v", scanID, err)
	}
	s.cfg.Metrics.CounterInc(metrics.PDFRendersTotal.Name, "rendered")
	s.record(audit.EventPDFRendered, scanID, "")
	return pdf, nil
}

// =============================================================================
// Operator Endpoints
// =============================================================================

func (s *Server) handleRedispatch(w http.ResponseWriter, r *http.Request) {
	scanID := r.PathValue("scan_id")
	if err := s.cfg.Ingestor.Redispatch(r.Context(), scanID); err != nil {
		s.writeError(w, err)
		return
	}
	s.record(audit.EventRedispatched, scanID, "")
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"scan_id": scanID,
		"status":  s.cfg.Store.Status(scanID),
	})
}

func (s *Server) handleFailures(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}

	if s.cfg.Queue != nil {
		failed, err := s.cfg.Queue.ListFailed()
		if err != nil {
			s.writeError(w, err)
			return
		}
		resp["queue_failures"] = failed
	}

	pipeErrs, err := s.cfg.Store.ListPipelineErrors()
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp["pipeline_errors"] = pipeErrs

	if s.cfg.Audit != nil {
		if events, err := s.cfg.Audit.RecentFailures(50); err == nil {
			resp["recent_events"] = events
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// Helpers
// =============================================================================

func (s *Server) record(t audit.EventType, scanID, msg string) {
	if s.cfg.Audit == nil {
		return
	}
	if err := s.cfg.Audit.Record(audit.Event{Type: t, ScanID: scanID, Message: msg}); err != nil {
		s.cfg.Logger.Warn("audit record: %v", err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.cfg.Logger.Error("encode response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.cfg.Logger.Error("request failed: %v", err)
	}
	s.writeJSON(w, code, map[string]any{
		"error": err.Error(),
		"kind":  errors.GetKind(err),
	})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch errors.GetKind(err) {
	case errors.KindValidation, errors.KindUnsupportedFormat, errors.KindIncompleteInput:
		return http.StatusBadRequest
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindDispatch, errors.KindExternal:
		return http.StatusBadGateway
	case errors.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
