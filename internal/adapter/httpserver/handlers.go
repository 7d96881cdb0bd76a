// Package httpserver contains HTTP handlers and middleware.
//
// It provides REST API endpoints for the application including
// job submission, queue lifecycle control, and result retrieval.
// The package follows clean architecture principles and provides
// a clear separation between HTTP concerns and business logic.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/backspacevenkat/x-orchestrator/internal/config"
	"github.com/backspacevenkat/x-orchestrator/internal/domain"
	"github.com/backspacevenkat/x-orchestrator/internal/usecase"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Manager    *usecase.TaskManager
	Store      domain.Store
	Hub        *Hub
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, manager *usecase.TaskManager, store domain.Store, hub *Hub, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Manager: manager, Store: store, Hub: hub, DBCheck: dbCheck, RedisCheck: redisCheck}
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, maxBytes int64, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid json: %v", domain.ErrInvalidArgument, err), nil)
		return false
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		if ve, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		writeError(w, r, fmt.Errorf("%w: validation failed", domain.ErrInvalidArgument), verrs)
		return false
	}
	return true
}

// createJobRequest is the POST /jobs and POST /jobs/bulk body shape.
type createJobRequest struct {
	Type        string         `json:"type" validate:"required"`
	InputParams map[string]any `json:"input_params"`
	Priority    int            `json:"priority" validate:"gte=0,lte=10"`
}

func (req createJobRequest) toJob() domain.Job {
	return domain.Job{Type: domain.JobType(req.Type), InputParams: req.InputParams, Priority: req.Priority}
}

type jobEnvelope struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Type     string `json:"type,omitempty"`
	Batch    int    `json:"batch,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

func toJobEnvelope(j domain.Job) jobEnvelope {
	return jobEnvelope{ID: j.ID, Status: string(j.Status), Type: string(j.Type), Batch: j.Batch, Priority: j.Priority}
}

// CreateJobHandler handles POST /jobs.
func (s *Server) CreateJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if !decodeAndValidate(w, r, 1<<20, &req) {
			return
		}
		created, err := s.Manager.AddJob(r.Context(), req.toJob())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, toJobEnvelope(created))
	}
}

// BulkCreateJobsHandler handles POST /jobs/bulk: a list of same-type jobs.
func (s *Server) BulkCreateJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Jobs []createJobRequest `json:"jobs" validate:"required,min=1,dive"`
		}
		if !decodeAndValidate(w, r, 4<<20, &req) {
			return
		}
		out := make([]jobEnvelope, 0, len(req.Jobs))
		for _, jr := range req.Jobs {
			created, err := s.Manager.AddJob(r.Context(), jr.toJob())
			if err != nil {
				writeError(w, r, err, map[string]string{"failed_at": jr.Type})
				return
			}
			out = append(out, toJobEnvelope(created))
		}
		writeJSON(w, http.StatusCreated, map[string]any{"jobs": out, "count": len(out)})
	}
}

// UploadJobsHandler handles POST /jobs/upload: a multipart CSV with a single `Username`
// column, one scrape job of the `type` query-param's JobType per row, per spec.md §6.
func (s *Server) UploadJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobType := domain.JobType(r.URL.Query().Get("type"))
		if !domain.ValidJobTypes[jobType] {
			writeError(w, r, fmt.Errorf("%w: unknown or missing type query param", domain.ErrInvalidArgument), nil)
			return
		}
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file field required", domain.ErrInvalidArgument), nil)
			return
		}
		defer func() { _ = file.Close() }()

		jobs, err := parseScrapeUploadCSV(file, jobType)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobEnvelope, 0, len(jobs))
		for _, j := range jobs {
			created, err := s.Manager.AddJob(r.Context(), j)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			out = append(out, toJobEnvelope(created))
		}
		writeJSON(w, http.StatusCreated, map[string]any{"jobs": out, "count": len(out)})
	}
}

// ImportActionsHandler handles the Action-import CSV format (for mutating classes) described
// in spec.md §6: account_no/task_type required, plus per-task_type conditional columns.
func (s *Server) ImportActionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
			writeError(w, r, fmt.Errorf("%w: content-type must be multipart/form-data", domain.ErrInvalidArgument), nil)
			return
		}
		maxBytes := s.Cfg.MaxUploadMB * 1024 * 1024
		r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			writeError(w, r, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err), nil)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file field required", domain.ErrInvalidArgument), nil)
			return
		}
		defer func() { _ = file.Close() }()

		jobs, err := parseActionImportCSV(file)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]jobEnvelope, 0, len(jobs))
		for _, j := range jobs {
			created, err := s.Manager.AddJob(r.Context(), j)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			out = append(out, toJobEnvelope(created))
		}
		writeJSON(w, http.StatusCreated, map[string]any{"jobs": out, "count": len(out)})
	}
}

// GetJobHandler handles GET /jobs/{id}.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if res := ValidateJobID(id); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid job id", domain.ErrInvalidArgument), res.Errors)
			return
		}
		job, err := s.Store.Jobs().Get(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// ListJobsHandler handles GET /jobs?page&page_size&status&type.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		status := q.Get("status")
		jobType := q.Get("type")
		if res := ValidateStatus(status); !res.Valid {
			writeError(w, r, fmt.Errorf("%w: invalid status filter", domain.ErrInvalidArgument), res.Errors)
			return
		}
		page, pageSize := 1, 20
		if v := q.Get("page"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				page = n
			}
		}
		if v := q.Get("page_size"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
				pageSize = n
			}
		}
		offset := (page - 1) * pageSize
		jobs, err := s.Store.Jobs().ListWithFilters(r.Context(), offset, pageSize, status, jobType)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		total, err := s.Store.Jobs().CountWithFilters(r.Context(), status, jobType)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs": jobs, "page": page, "page_size": pageSize, "total": total,
		})
	}
}

// StatsHandler handles GET /jobs/stats: aggregate counts plus pool utilisation.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		total, err := s.Store.Jobs().Count(ctx)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		byStatus := make(map[string]int64, 6)
		for _, st := range []domain.JobStatus{
			domain.JobPending, domain.JobLocked, domain.JobRunning,
			domain.JobCompleted, domain.JobFailed, domain.JobCancelled,
		} {
			n, err := s.Store.Jobs().CountByStatus(ctx, st)
			if err != nil {
				writeError(w, r, err, nil)
				return
			}
			byStatus[string(st)] = n
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total_jobs":     total,
			"by_status":      byStatus,
			"active_workers": s.Manager.ActiveWorkerCount(),
			"current_batch":  s.Manager.CurrentBatch(),
			"queue_status":   string(s.Manager.Status()),
		})
	}
}

// QueueStartHandler handles POST /queue/start.
func (s *Server) QueueStartHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Manager.Start(context.WithoutCancel(r.Context()))
		writeJSON(w, http.StatusOK, map[string]string{"status": string(s.Manager.Status())})
	}
}

// QueueStopHandler handles POST /queue/stop.
func (s *Server) QueueStopHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Manager.Stop()
		writeJSON(w, http.StatusOK, map[string]string{"status": string(s.Manager.Status())})
	}
}

// QueuePauseHandler handles POST /queue/pause.
func (s *Server) QueuePauseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Manager.Pause()
		writeJSON(w, http.StatusOK, map[string]string{"status": string(s.Manager.Status())})
	}
}

// QueueResumeHandler handles POST /queue/resume.
func (s *Server) QueueResumeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Manager.Resume()
		writeJSON(w, http.StatusOK, map[string]string{"status": string(s.Manager.Status())})
	}
}

// QueueStatusHandler handles GET /queue/status.
func (s *Server) QueueStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":         string(s.Manager.Status()),
			"current_batch":  s.Manager.CurrentBatch(),
			"active_workers": s.Manager.ActiveWorkerCount(),
		})
	}
}

// WebSocketHandler handles GET /ws: upgrades to a WebSocket connection fed by the Hub.
func (s *Server) WebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Hub == nil {
			writeError(w, r, fmt.Errorf("%w: websocket hub not configured", domain.ErrInternal), nil)
			return
		}
		s.Hub.ServeWS(w, r)
	}
}

// ReadyzHandler handles GET /readyz: probes the database, then Redis.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.DBCheck != nil {
			if err := s.DBCheck(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "db": err.Error()})
				return
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "redis": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

// HealthzHandler handles GET /healthz: a liveness probe independent of DB reachability.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
