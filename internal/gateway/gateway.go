// Package gateway serves the admin HTTP API for managing keepalive tasks.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-keepalive/internal/audit"
	"github.com/basket/go-keepalive/internal/otel"
	"github.com/basket/go-keepalive/internal/persistence"
	"github.com/basket/go-keepalive/internal/probe"
	"github.com/basket/go-keepalive/internal/session"
	"github.com/basket/go-keepalive/internal/shared"
)

const (
	maxBodyBytes      = 64 << 10
	recentEventsLimit = 20
)

// TaskManager is the session surface the API drives. *session.Manager
// satisfies it.
type TaskManager interface {
	CreateTask(ctx context.Context, credential string, notifyTarget int64) (string, error)
	ValidateCredential(ctx context.Context, credential string) (probe.AccountInfo, error)
	CleanupTask(ctx context.Context, id, reason string) error
	Get(id string) (persistence.Task, bool)
	List() []persistence.Task
	Len() int
	NextRun(id string) (time.Time, bool)
}

// EventLog exposes recent lifecycle events. *audit.Journal satisfies it.
type EventLog interface {
	Recent(ctx context.Context, taskID string, limit int) ([]audit.Entry, error)
}

type Config struct {
	Manager      TaskManager
	Journal      EventLog
	Logger       *slog.Logger
	Metrics      *otel.Metrics
	Tracer       trace.Tracer
	AuthToken    string
	RateLimitRPS float64
	RateBurst    int
	Version      string
	// ConfigFingerprint is the hash of the active config, reported by /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg       Config
	logger    *slog.Logger
	tracer    trace.Tracer
	auth      *AuthMiddleware
	ratelimit *RateLimitMiddleware
	started   time.Time
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	s := &Server{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "gateway"),
		tracer:    cfg.Tracer,
		auth:      NewAuthMiddleware(cfg.AuthToken),
		ratelimit: NewRateLimitMiddleware(cfg.RateLimitRPS, cfg.RateBurst),
		started:   time.Now(),
	}
	s.ratelimit.OnReject = func(r *http.Request) {
		cfg.Metrics.APIRejected(r.Context())
	}
	return s
}

// StartBackgroundTasks runs rate limiter eviction until ctx ends.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.ratelimit.StartEviction(ctx, time.Minute, 10*time.Minute)
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(s.requestLogger)
	r.Use(s.auth.Wrap)
	r.Use(s.ratelimit.Wrap)

	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/tasks", s.handleListTasks)
	r.Post("/v1/tasks", s.handleCreateTask)
	r.Post("/v1/tasks/validate", s.handleValidate)
	r.Get("/v1/tasks/{id}", s.handleGetTask)
	r.Delete("/v1/tasks/{id}", s.handleDeleteTask)
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "not_found", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	return r
}

type taskView struct {
	ID                  string        `json:"id"`
	AccountID           int64         `json:"external_account_id"`
	Credential          string        `json:"credential"`
	NotifyTarget        int64         `json:"notify_target"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	CreatedAt           time.Time     `json:"created_at"`
	LastHeartbeatAt     *time.Time    `json:"last_heartbeat_at,omitempty"`
	NextRunAt           *time.Time    `json:"next_run_at,omitempty"`
	Events              []audit.Entry `json:"events,omitempty"`
}

func (s *Server) view(t persistence.Task) taskView {
	v := taskView{
		ID:                  t.ID,
		AccountID:           t.ExternalAccountID,
		Credential:          t.MaskedCredential(),
		NotifyTarget:        t.NotifyTarget,
		ConsecutiveFailures: t.ConsecutiveFailures,
		CreatedAt:           t.CreatedAt,
		LastHeartbeatAt:     t.LastHeartbeatAt,
	}
	if at, ok := s.cfg.Manager.NextRun(t.ID); ok {
		v.NextRunAt = &at
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"live_tasks":         s.cfg.Manager.Len(),
		"version":            s.cfg.Version,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	})
}

func (s *Server) handleListTasks(w http.ResponseWriter, _ *http.Request) {
	tasks := s.cfg.Manager.List()
	out := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, s.view(t))
	}
	respondJSON(w, http.StatusOK, map[string]any{"tasks": out, "count": len(out)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	t, found := s.cfg.Manager.Get(id)
	if !found {
		respondError(w, http.StatusNotFound, "not_found", fmt.Sprintf("task %s not found", id))
		return
	}
	v := s.view(t)
	if s.cfg.Journal != nil {
		events, err := s.cfg.Journal.Recent(r.Context(), id, recentEventsLimit)
		if err != nil {
			s.logger.Warn("journal lookup failed", "task_id", id, "error", err)
		}
		v.Events = events
	}
	respondJSON(w, http.StatusOK, v)
}

type createTaskRequest struct {
	Credential   string `json:"credential"`
	NotifyTarget int64  `json:"notify_target"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	req.Credential = strings.TrimSpace(req.Credential)
	if req.Credential == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "credential is required")
		return
	}

	id, err := s.cfg.Manager.CreateTask(r.Context(), req.Credential, req.NotifyTarget)
	if err != nil {
		if errors.Is(err, probe.ErrInvalidCredential) {
			respondError(w, http.StatusBadRequest, "invalid_credential", "credential rejected by the external service")
			return
		}
		s.logger.Error("create task failed", "trace_id", shared.TraceID(r.Context()), "error", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "task creation failed")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"id": id})
}

type validateRequest struct {
	Credential string `json:"credential"`
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if strings.TrimSpace(req.Credential) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "credential is required")
		return
	}
	info, err := s.cfg.Manager.ValidateCredential(r.Context(), strings.TrimSpace(req.Credential))
	if err != nil {
		if errors.Is(err, probe.ErrInvalidCredential) {
			respondJSON(w, http.StatusOK, map[string]any{"valid": false})
			return
		}
		s.logger.Error("validate credential failed", "trace_id", shared.TraceID(r.Context()), "error", err)
		respondError(w, http.StatusBadGateway, "probe_failed", "credential check failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"valid":      true,
		"account_id": info.AccountID,
		"username":   info.Username,
	})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, ok := taskIDParam(w, r)
	if !ok {
		return
	}
	if _, ok := s.cfg.Manager.Get(id); !ok {
		respondError(w, http.StatusNotFound, "not_found", fmt.Sprintf("task %s not found", id))
		return
	}
	if err := s.cfg.Manager.CleanupTask(r.Context(), id, session.ReasonManual); err != nil {
		respondError(w, http.StatusInternalServerError, "internal_error", "task deletion failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"id": id, "status": "deleted"})
}

func taskIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "id")))
	if !persistence.ValidID(id) {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "task id must be a UUID")
		return "", false
	}
	return id, true
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := shared.NewTraceID()
		ctx := shared.WithTraceID(r.Context(), traceID)
		ctx, span := otel.StartServerSpan(ctx, s.tracer, r.Method+" "+r.URL.Path)
		defer span.End()
		w.Header().Set("X-Trace-ID", traceID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r.WithContext(ctx))

		level := slog.LevelInfo
		if r.URL.Path == "/healthz" {
			level = slog.LevelDebug
		}
		s.logger.Log(ctx, level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"trace_id", traceID)
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", fmt.Sprint(v))
				respondError(w, http.StatusInternalServerError, "internal_error", "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(w http.ResponseWriter, r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
