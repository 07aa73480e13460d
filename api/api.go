// Package api serves the read-only introspection surface over HTTP.
//
// The handler exposes queue stats, the rate limiter snapshot, individual
// jobs, and their op-log history. There are no mutation routes; enqueueing
// and cancelling go through the engine's Go API.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/emergent-company/pace"
	"github.com/emergent-company/pace/engine"
	"github.com/emergent-company/pace/id"
	"github.com/emergent-company/pace/job"
	"github.com/emergent-company/pace/oplog"
	"github.com/emergent-company/pace/worker"
)

// defaultListLimit caps unpaginated job listings.
const defaultListLimit = 50

// API holds the handler state.
type API struct {
	eng    *engine.Engine
	logger *slog.Logger
}

// New assembles the introspection router for an engine.
func New(eng *engine.Engine, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{eng: eng, logger: logger}

	r := chi.NewRouter()
	r.Get("/healthz", a.health)
	r.Get("/stats", a.stats)
	r.Get("/ratelimit", a.rateLimit)
	r.Get("/jobs", a.listJobs)
	r.Get("/jobs/{jobID}", a.getJob)
	r.Get("/jobs/{jobID}/oplog", a.jobOpLog)
	return r
}

// ──────────────────────────────────────────────────
// Handlers
// ──────────────────────────────────────────────────

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Health(r.Context()); err != nil {
		a.writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	Jobs   job.Stats      `json:"jobs"`
	Worker worker.Metrics `json:"worker"`
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.eng.Stats(r.Context())
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	a.writeJSON(w, http.StatusOK, statsResponse{
		Jobs:   stats,
		Worker: a.eng.WorkerMetrics(),
	})
}

func (a *API) rateLimit(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.eng.RateLimit())
}

type jobsResponse struct {
	Jobs []*job.Job `json:"jobs"`
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	status := job.Status(q.Get("status"))
	if status != "" && !status.Valid() {
		a.writeError(w, http.StatusBadRequest, errors.New("unknown status "+strconv.Quote(string(status))))
		return
	}

	jobs, err := a.eng.List(r.Context(), job.ListOpts{
		Status: status,
		OrgID:  q.Get("org"),
		Limit:  intParam(q, "limit", defaultListLimit),
		Offset: intParam(q, "offset", 0),
	})
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	a.writeJSON(w, http.StatusOK, jobsResponse{Jobs: jobs})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	j, err := a.eng.Get(r.Context(), jobID)
	if err != nil {
		a.writeError(w, storeStatus(err), err)
		return
	}
	a.writeJSON(w, http.StatusOK, j)
}

type opLogResponse struct {
	Entries []*oplog.Entry `json:"entries"`
}

func (a *API) jobOpLog(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseJobID(chi.URLParam(r, "jobID"))
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	// 404 on unknown jobs, same as the job route.
	if _, err := a.eng.Get(r.Context(), jobID); err != nil {
		a.writeError(w, storeStatus(err), err)
		return
	}

	entries, err := a.eng.OpLog(r.Context(), jobID, intParam(r.URL.Query(), "limit", 0))
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []*oplog.Entry{}
	}
	a.writeJSON(w, http.StatusOK, opLogResponse{Entries: entries})
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("api: encode response", slog.String("error", err.Error()))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		a.logger.Error("api: request failed",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	a.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// storeStatus maps store sentinels to HTTP status codes.
func storeStatus(err error) int {
	if errors.Is(err, pace.ErrJobNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// intParam reads a non-negative integer query parameter, falling back to
// def when missing or malformed.
func intParam(q url.Values, key string, def int) int {
	v := q.Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
