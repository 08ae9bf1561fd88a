package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"newsflow/internal/backpressure"
	"newsflow/internal/domain"
	"newsflow/internal/provider"
	"newsflow/internal/queue"
	"newsflow/internal/scheduler"
	"newsflow/internal/transition"
)

const correlationHeader = "X-Correlation-ID"

type Deps struct {
	Repo      queue.Repository
	Gate      *backpressure.Gate
	Guard     *transition.Guard
	Router    *provider.Router
	Scheduler *scheduler.Service

	DefaultMaxAttempts int
	StaleRunning       time.Duration
	StaleQueued        time.Duration
	Debug              bool
}

type Server struct {
	r    *chi.Mux
	deps Deps
}

func NewServer(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, deps: deps}

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", metricsHandler(deps))

	r.Route("/api", func(r chi.Router) {
		r.Post("/jobs", s.submitJob)
		r.Get("/jobs", s.listJobs)
		r.Post("/jobs/recover-stale", s.recoverStale)
		r.Get("/jobs/{id}", s.getJob)
		r.Get("/jobs/{id}/attempts", s.jobAttempts)
		r.Post("/jobs/{id}/retry", s.retryJob)
		r.Get("/dead-letter-jobs", s.listDeadLetters)

		r.Get("/providers/health", s.providerHealth)
		r.Get("/queues/depth", s.queueDepths)
		r.Get("/queues/{name}/admission", s.admission)

		r.Post("/content", s.createContent)
		r.Get("/content/{id}", s.getContent)
		r.Post("/content/{id}/transition", s.transitionContent)

		r.Post("/schedules", s.createSchedule)
		r.Get("/schedules", s.listSchedules)
		r.Get("/schedules/{id}", s.getSchedule)
		r.Delete("/schedules/{id}", s.deleteSchedule)
	})

	// Debug routes (pprof)
	if deps.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type submitReq struct {
	JobType        string          `json:"job_type"`
	QueueName      string          `json:"queue_name"`
	EntityID       *string         `json:"entity_id"`
	Payload        json.RawMessage `json:"payload"`
	MaxAttempts    int             `json:"max_attempts"`
	Priority       domain.Priority `json:"priority"`
	IdempotencyKey *string         `json:"idempotency_key"`
	RunAt          *time.Time      `json:"run_at"`
}

type submitResp struct {
	JobID  string           `json:"job_id"`
	Status domain.JobStatus `json:"status"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.JobType == "" {
		writeError(w, http.StatusBadRequest, "job_type is required")
		return
	}
	if req.QueueName == "" {
		req.QueueName = queue.DefaultQueue
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.deps.DefaultMaxAttempts
	}

	// a resubmission only returns the existing job, so it never counts against the queue
	if req.IdempotencyKey != nil && *req.IdempotencyKey != "" {
		job, err := s.deps.Repo.GetByIdempotencyKey(r.Context(), *req.IdempotencyKey)
		if err == nil {
			w.Header().Set(correlationHeader, job.CorrelationID)
			writeJSON(w, http.StatusAccepted, submitResp{JobID: job.ID, Status: job.Status})
			return
		}
		if !errors.Is(err, queue.ErrNotFound) {
			s.writeRepoError(w, err)
			return
		}
	}

	if _, err := s.deps.Gate.Admit(r.Context(), req.QueueName); err != nil {
		var ae *backpressure.AdmissionError
		if errors.As(err, &ae) {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":      "queue at capacity, try later",
				"queue_name": ae.Queue,
				"depth":      ae.Depth,
				"limit":      ae.Limit,
			})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	reqID := middleware.GetReqID(r.Context())
	correlationID := r.Header.Get(correlationHeader)
	if correlationID == "" {
		correlationID = reqID
	}

	sub := queue.SubmitRequest{
		JobType:        req.JobType,
		QueueName:      req.QueueName,
		EntityID:       req.EntityID,
		Payload:        req.Payload,
		MaxAttempts:    req.MaxAttempts,
		Priority:       req.Priority,
		IdempotencyKey: req.IdempotencyKey,
		CorrelationID:  correlationID,
		RequestID:      reqID,
	}
	if req.RunAt != nil {
		sub.RunAt = *req.RunAt
	}

	job, err := s.deps.Repo.Submit(r.Context(), sub)
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	w.Header().Set(correlationHeader, job.CorrelationID)
	writeJSON(w, http.StatusAccepted, submitResp{JobID: job.ID, Status: job.Status})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Repo.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) jobAttempts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.Repo.Get(r.Context(), id); err != nil {
		s.writeRepoError(w, err)
		return
	}
	attempts, err := s.deps.Repo.Attempts(r.Context(), id)
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	out := make([]attemptView, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, attemptView{
			Attempt: a.Attempt, StartedAt: a.StartedAt, FinishedAt: a.FinishedAt, Success: a.Success, Error: a.Error,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := queue.ListFilter{
		Status:    domain.JobStatus(q.Get("status")),
		JobType:   q.Get("job_type"),
		QueueName: q.Get("queue_name"),
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", f.Status))
		return
	}
	limit, ok := intParam(w, r, "limit", 0)
	if !ok {
		return
	}
	f.Limit = limit

	jobs, err := s.deps.Repo.List(r.Context(), f)
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	out := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobView(j))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	opts := queue.RetryOptions{ResetAttempts: r.URL.Query().Get("reset_attempts") == "true"}
	job, err := s.deps.Repo.Retry(r.Context(), chi.URLParam(r, "id"), opts, time.Now())
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	log.Info().Str("job_id", job.ID).Bool("reset_attempts", opts.ResetAttempts).Msg("job retried by operator")
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) recoverStale(w http.ResponseWriter, r *http.Request) {
	running, ok := intParam(w, r, "stale_running_minutes", int(s.deps.StaleRunning/time.Minute))
	if !ok {
		return
	}
	queued, ok := intParam(w, r, "stale_queued_minutes", int(s.deps.StaleQueued/time.Minute))
	if !ok {
		return
	}
	res, err := s.deps.Repo.RecoverStale(r.Context(),
		time.Duration(running)*time.Minute, time.Duration(queued)*time.Minute, time.Now())
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", 0)
	if !ok {
		return
	}
	records, err := s.deps.Repo.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	out := make([]deadLetterView, 0, len(records))
	for _, d := range records {
		out = append(out, deadLetterView{
			ID: d.ID, JobID: d.JobID, JobType: d.JobType, QueueName: d.QueueName, Attempt: d.Attempt,
			FailedAt: d.FailedAt, Error: d.Error, StackTrace: d.StackTrace, Payload: rawPayload(d.Payload),
			Metadata: d.Metadata,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) providerHealth(w http.ResponseWriter, r *http.Request) {
	snap := map[string]provider.HealthView{}
	if s.deps.Router != nil {
		var err error
		if snap, err = s.deps.Router.Snapshot(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) queueDepths(w http.ResponseWriter, r *http.Request) {
	depths, err := s.deps.Repo.QueueDepths(r.Context())
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, depths)
}

func (s *Server) admission(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Gate.CheckAdmission(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type createContentReq struct {
	Title  string               `json:"title"`
	Status domain.ContentStatus `json:"status"`
}

func (s *Server) createContent(w http.ResponseWriter, r *http.Request) {
	var req createContentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	item, err := s.deps.Guard.Create(r.Context(), domain.ContentItem{Title: req.Title, Status: req.Status})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, newContentView(item))
}

func (s *Server) getContent(w http.ResponseWriter, r *http.Request) {
	item, err := s.deps.Guard.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newContentView(item))
}

type transitionReq struct {
	Target   domain.ContentStatus  `json:"target"`
	Expected *domain.ContentStatus `json:"expected"`
}

func (s *Server) transitionContent(w http.ResponseWriter, r *http.Request) {
	var req transitionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Target == "" {
		writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	item, prev, err := s.deps.Guard.Apply(r.Context(), chi.URLParam(r, "id"), req.Target, req.Expected)
	if err != nil {
		writeTransitionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"item": newContentView(item), "previous": prev})
}

type createScheduleReq struct {
	Name        string          `json:"name"`
	CronExpr    string          `json:"cron_expr"`
	JobType     string          `json:"job_type"`
	QueueName   string          `json:"queue_name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    domain.Priority `json:"priority"`
	MaxAttempts int             `json:"max_attempts"`
	Enabled     *bool           `json:"enabled"`
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Priority != "" && !req.Priority.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown priority %q", req.Priority))
		return
	}
	enabled := req.Enabled == nil || *req.Enabled

	schedule, err := s.deps.Scheduler.Create(r.Context(), domain.Schedule{
		Name:        req.Name,
		CronExpr:    req.CronExpr,
		JobType:     req.JobType,
		QueueName:   req.QueueName,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		Enabled:     enabled,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, newScheduleView(schedule))
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.deps.Repo.ListSchedules(r.Context())
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	out := make([]scheduleView, 0, len(schedules))
	for _, sch := range schedules {
		out = append(out, newScheduleView(sch))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	schedule, err := s.deps.Repo.GetSchedule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newScheduleView(schedule))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Repo.DeleteSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeRepoError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, queue.ErrNotRetryable), errors.Is(err, queue.ErrNotRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queue.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Error().Err(err).Msg("repository error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeTransitionError(w http.ResponseWriter, err error) {
	var (
		invalid  *transition.InvalidTransitionError
		conflict *transition.ConflictError
	)
	switch {
	case errors.As(err, &invalid):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   err.Error(),
			"from":    invalid.From,
			"to":      invalid.To,
			"allowed": invalid.Allowed,
		})
	case errors.As(err, &conflict):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":    err.Error(),
			"expected": conflict.Expected,
			"actual":   conflict.Actual,
			"locked":   conflict.Locked,
		})
	case errors.Is(err, transition.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Error().Err(err).Msg("transition error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// intParam reads an optional non-negative integer query parameter. On a bad
// value it writes a 400 and reports false.
func intParam(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a non-negative integer", name))
		return 0, false
	}
	return n, true
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
