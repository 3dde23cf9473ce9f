// Package api exposes the pipeline trigger, run status, intelligence query
// and source administration over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/market-intel/internal/aggregate"
	"github.com/sells-group/market-intel/internal/model"
	"github.com/sells-group/market-intel/internal/pipeline"
	"github.com/sells-group/market-intel/internal/scheduler"
	"github.com/sells-group/market-intel/internal/source"
)

// Service is the pipeline surface the API drives.
type Service interface {
	StartRun(ctx context.Context, mode pipeline.Mode, categories []model.Category) (string, error)
	GetRunStatus(id string) (pipeline.Snapshot, error)
	Acknowledge(id string) (pipeline.Snapshot, error)
	QueryIntelligence(ctx context.Context, f model.ItemFilter) (aggregate.Result, error)
	Stage() pipeline.Stage
}

// Sources is the catalog and scheduler surface the API reads and resumes.
type Sources interface {
	List(f source.Filter) []model.SourceDescriptor
	Status() []scheduler.SourceState
	Resume(id string) error
}

// Options configures the router.
type Options struct {
	AllowedOrigins []string
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// NewRouter builds the HTTP handler.
func NewRouter(svc Service, src Sources, opts Options) http.Handler {
	h := &handlers{svc: svc, src: src, log: zap.L().With(zap.String("component", "api"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", h.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/runs", h.startRun)
		r.Get("/runs/{id}", h.getRun)
		r.Post("/runs/{id}/ack", h.ackRun)
		r.Get("/intelligence", h.intelligence)
		r.Get("/sources", h.listSources)
		r.Get("/sources/status", h.sourceStatus)
		r.Post("/sources/{id}/resume", h.resumeSource)
	})
	return r
}

type handlers struct {
	svc Service
	src Sources
	log *zap.Logger
}

func (h *handlers) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"stage":  string(h.svc.Stage()),
	})
}

type startRunRequest struct {
	Mode       string   `json:"mode"`
	Categories []string `json:"categories"`
}

func (h *handlers) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	mode, err := pipeline.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cats, err := model.ParseCategories(req.Categories)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.svc.StartRun(r.Context(), mode, cats)
	switch {
	case errors.Is(err, pipeline.ErrRunAlreadyActive):
		writeError(w, http.StatusConflict, "a run is already in progress")
		return
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id, "status": "accepted"})
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetRunStatus(chi.URLParam(r, "id"))
	if errors.Is(err, pipeline.ErrUnknownRun) {
		writeError(w, http.StatusNotFound, "unknown run")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) ackRun(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.Acknowledge(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, pipeline.ErrUnknownRun):
		writeError(w, http.StatusNotFound, "unknown run")
	case errors.Is(err, pipeline.ErrRunNotFinished):
		writeError(w, http.StatusConflict, "run not finished")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

type intelligenceResponse struct {
	Total      int                                   `json:"total"`
	Categories []model.Category                      `json:"categories"`
	Buckets    map[model.Category][]model.StoredItem `json:"buckets"`
}

func (h *handlers) intelligence(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.ItemFilter{Ticker: q.Get("ticker")}
	if c := q.Get("category"); c != "" {
		cat, err := model.ParseCategory(c)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Category = cat
	}
	if s := q.Get("since"); s != "" {
		t, err := parseSince(s, time.Now())
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC 3339 or a duration like 24h")
			return
		}
		f.Since = t
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}

	res, err := h.svc.QueryIntelligence(r.Context(), f)
	if err != nil {
		h.log.Error("query intelligence", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	cats := res.Categories()
	if cats == nil {
		cats = []model.Category{}
	}
	writeJSON(w, http.StatusOK, intelligenceResponse{Total: res.Total, Categories: cats, Buckets: res.Buckets})
}

// parseSince accepts an RFC 3339 timestamp or a lookback duration.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(-d), nil
}

func (h *handlers) listSources(w http.ResponseWriter, r *http.Request) {
	f := source.Filter{EnabledOnly: r.URL.Query().Get("enabled") == "true"}
	if c := r.URL.Query().Get("category"); c != "" {
		cat, err := model.ParseCategory(c)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f.Category = cat
	}
	writeJSON(w, http.StatusOK, h.src.List(f))
}

func (h *handlers) sourceStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.src.Status())
}

func (h *handlers) resumeSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.src.Resume(id); err != nil {
		if errors.Is(err, source.ErrUnknownSource) {
			writeError(w, http.StatusNotFound, "unknown source")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source_id": id, "status": "resumed"})
}
