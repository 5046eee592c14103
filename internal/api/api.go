// Package api exposes the pipeline trigger, run bookkeeping, and the review
// gate over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/stagegate/internal/lock"
	"github.com/sells-group/stagegate/internal/model"
	"github.com/sells-group/stagegate/internal/orchestrator"
	"github.com/sells-group/stagegate/internal/review"
	"github.com/sells-group/stagegate/internal/store"
)

// DefaultAdminHeader carries the upstream identity check's verdict.
const DefaultAdminHeader = "X-Stagegate-Admin"

// Runner starts pipeline runs.
type Runner interface {
	Run(ctx context.Context, req orchestrator.Request) (*orchestrator.Outcome, error)
}

// Reviewer applies review decisions and lists staged rows.
type Reviewer interface {
	Review(ctx context.Context, req review.Request, isAdmin bool) (*review.Result, error)
	List(ctx context.Context, table, status string, limit, offset int) ([]model.StagedEntity, error)
}

// RunReader reads run bookkeeping.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*model.ScrapingRun, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]model.ScrapingRun, error)
}

// Options configures the router.
type Options struct {
	// AdminHeader is trusted only when set by the fronting identity check.
	AdminHeader string
	CORSOrigins []string
	// OpenCircuits, when set, lists fetch hosts currently rejected by their
	// circuit breaker. It is reported by /health.
	OpenCircuits func() []string
}

type server struct {
	runner   Runner
	reviewer Reviewer
	runs     RunReader
	opts     Options
}

// NewRouter builds the HTTP handler.
func NewRouter(runner Runner, reviewer Reviewer, runs RunReader, opts Options) http.Handler {
	if opts.AdminHeader == "" {
		opts.AdminHeader = DefaultAdminHeader
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	s := &server{runner: runner, reviewer: reviewer, runs: runs, opts: opts}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", opts.AdminHeader},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Post("/scrape", s.scrape)
	r.Get("/runs", s.listRuns)
	r.Get("/runs/{id}", s.getRun)
	r.Group(func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/review", s.review)
		r.Get("/staged/{table}", s.listStaged)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("http request",
			zap.String("component", "api"),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *server) isAdmin(r *http.Request) bool {
	return strings.EqualFold(strings.TrimSpace(r.Header.Get(s.opts.AdminHeader)), "true")
}

func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.isAdmin(r) {
			writeError(w, http.StatusForbidden, string(review.CodeForbidden), "administrator access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *server) health(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{"status": "ok"}
	if s.opts.OpenCircuits != nil {
		resp["openCircuits"] = s.opts.OpenCircuits()
	}
	writeJSON(w, http.StatusOK, resp)
}

type scrapeResponse struct {
	Success     bool                                    `json:"success"`
	RunID       string                                  `json:"runId,omitempty"`
	Counts      map[model.Kind]int                      `json:"counts,omitempty"`
	SourceCount int                                     `json:"sourceCount"`
	Reports     map[model.Kind]*orchestrator.KindReport `json:"reports,omitempty"`
	Error       string                                  `json:"error,omitempty"`
	Code        string                                  `json:"code,omitempty"`
}

func (s *server) scrape(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_parameters", "invalid request body")
		return
	}

	out, err := s.runner.Run(r.Context(), req)
	if err != nil {
		status, code := scrapeStatus(err)
		resp := scrapeResponse{Error: err.Error(), Code: code, RunID: req.RunID}
		if out != nil && out.RunID != "" {
			resp.RunID = out.RunID
		}
		writeJSON(w, status, resp)
		return
	}
	writeJSON(w, http.StatusOK, scrapeResponse{
		Success:     true,
		RunID:       out.RunID,
		Counts:      out.Counts,
		SourceCount: out.SourceCount,
		Reports:     out.Reports,
	})
}

func scrapeStatus(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_parameters"
	case errors.Is(err, orchestrator.ErrRunNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, orchestrator.ErrRunNotRunning), errors.Is(err, lock.ErrLocked):
		return http.StatusConflict, "conflict"
	default:
		return http.StatusInternalServerError, "run_failed"
	}
}

func (s *server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Limit:  queryInt(q.Get("limit")),
		Offset: queryInt(q.Get("offset")),
	}
	if st := q.Get("status"); st != "" {
		filter.Status = model.RunStatus(strings.ToLower(st))
		switch filter.Status {
		case model.RunRunning, model.RunProcessing, model.RunCompleted, model.RunFailed:
		default:
			writeError(w, http.StatusBadRequest, "invalid_parameters", "unknown status "+strconv.Quote(st))
			return
		}
	}
	runs, err := s.runs.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store_error", "could not list runs")
		return
	}
	if runs == nil {
		runs = []model.ScrapingRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.runs.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "run "+id+" not found")
		return
	}
	if err != nil {
		zap.L().Error("get run failed", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "store_error", "could not load run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *server) review(w http.ResponseWriter, r *http.Request) {
	var req review.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(review.CodeInvalidParameters), "invalid request body")
		return
	}
	res, err := s.reviewer.Review(r.Context(), req, s.isAdmin(r))
	if err != nil {
		writeReviewError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": res})
}

func (s *server) listStaged(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	if _, set := q["status"]; !set {
		status = string(model.StatusPending)
	}
	rows, err := s.reviewer.List(r.Context(), chi.URLParam(r, "table"), status, queryInt(q.Get("limit")), queryInt(q.Get("offset")))
	if err != nil {
		writeReviewError(w, err)
		return
	}
	if rows == nil {
		rows = []model.StagedEntity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": rows})
}

func writeReviewError(w http.ResponseWriter, err error) {
	re, ok := review.AsError(err)
	if !ok {
		writeError(w, http.StatusInternalServerError, string(review.CodeStoreError), err.Error())
		return
	}
	status := http.StatusInternalServerError
	switch re.Code {
	case review.CodeInvalidParameters:
		status = http.StatusBadRequest
	case review.CodeNotFound:
		status = http.StatusNotFound
	case review.CodeForbidden:
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]string{
		"error": re.Message,
		"code":  string(re.Code),
		"step":  string(re.Step),
	})
}

func queryInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("api: encode response", zap.Error(err))
	}
}
