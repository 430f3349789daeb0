package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/essaylake/essaylake/internal/errors"
	"github.com/essaylake/essaylake/internal/executor"
	"github.com/essaylake/essaylake/internal/observability"
	"github.com/essaylake/essaylake/internal/query"
	"github.com/essaylake/essaylake/internal/search"
	"github.com/essaylake/essaylake/internal/snapshot"
)

// defaultTopSchools is used when /v1/stats/schools has no top parameter.
const defaultTopSchools = 10

// Searcher is the service the handlers serve.
type Searcher interface {
	Search(ctx context.Context, f query.Filter) (*search.EssayPage, error)
	ApplicationBreakdown(ctx context.Context, f query.Filter) (*search.Breakdown, error)
	TopSchools(ctx context.Context, f query.Filter, n int) (*search.SchoolRanking, error)
	CurrentSnapshot(ctx context.Context) (*snapshot.Snapshot, error)
	FilterStats(n int) []observability.DimensionStats
}

// EssaysResponse is the response of /v1/essays.
type EssaysResponse struct {
	Snapshot  string         `json:"snapshot"`
	Mode      query.Mode     `json:"mode"`
	Rows      []executor.Row `json:"rows"`
	Count     int            `json:"count"`
	Cached    bool           `json:"cached"`
	RequestID string         `json:"request_id"`
}

// ApplicationsResponse is the response of /v1/stats/applications.
type ApplicationsResponse struct {
	Snapshot     string                      `json:"snapshot"`
	Applications []executor.ApplicationCount `json:"applications"`
	Cached       bool                        `json:"cached"`
	RequestID    string                      `json:"request_id"`
}

// SchoolsResponse is the response of /v1/stats/schools.
type SchoolsResponse struct {
	Snapshot  string                 `json:"snapshot"`
	Schools   []executor.SchoolCount `json:"schools"`
	Cached    bool                   `json:"cached"`
	RequestID string                 `json:"request_id"`
}

// SnapshotResponse describes the current snapshot.
type SnapshotResponse struct {
	Prefix    string   `json:"prefix"`
	Timestamp string   `json:"timestamp"`
	Files     []string `json:"files"`
	RequestID string   `json:"request_id"`
}

// FilterStatsResponse lists the most used filter dimensions.
type FilterStatsResponse struct {
	Dimensions []observability.DimensionStats `json:"dimensions"`
	RequestID  string                         `json:"request_id"`
}

// HealthResponse is the response of /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Snapshot string `json:"snapshot,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Handlers serves the search API.
type Handlers struct {
	svc Searcher
	log zerolog.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(svc Searcher, log zerolog.Logger) *Handlers {
	return &Handlers{svc: svc, log: log}
}

// Essays handles GET|POST /v1/essays.
func (h *Handlers) Essays(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromRequest(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	page, err := h.svc.Search(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	rows := page.Rows
	if rows == nil {
		rows = []executor.Row{}
	}
	writeJSON(w, http.StatusOK, EssaysResponse{
		Snapshot:  page.Snapshot,
		Mode:      page.Mode,
		Rows:      rows,
		Count:     page.Count,
		Cached:    page.Cached,
		RequestID: GetRequestID(r.Context()),
	})
}

// Applications handles GET|POST /v1/stats/applications.
func (h *Handlers) Applications(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromRequest(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	res, err := h.svc.ApplicationBreakdown(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	apps := res.Applications
	if apps == nil {
		apps = []executor.ApplicationCount{}
	}
	writeJSON(w, http.StatusOK, ApplicationsResponse{
		Snapshot:     res.Snapshot,
		Applications: apps,
		Cached:       res.Cached,
		RequestID:    GetRequestID(r.Context()),
	})
}

// Schools handles GET|POST /v1/stats/schools?top=N.
func (h *Handlers) Schools(w http.ResponseWriter, r *http.Request) {
	top := defaultTopSchools
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeServiceError(w, r, invalidParam("top", v, err))
			return
		}
		top = n
	}

	f, err := filterFromRequest(r)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	res, err := h.svc.TopSchools(r.Context(), f, top)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	schools := res.Schools
	if schools == nil {
		schools = []executor.SchoolCount{}
	}
	writeJSON(w, http.StatusOK, SchoolsResponse{
		Snapshot:  res.Snapshot,
		Schools:   schools,
		Cached:    res.Cached,
		RequestID: GetRequestID(r.Context()),
	})
}

// Snapshot handles GET /v1/snapshot.
func (h *Handlers) Snapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.CurrentSnapshot(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SnapshotResponse{
		Prefix:    snap.Prefix,
		Timestamp: snap.Timestamp,
		Files:     snap.Files(),
		RequestID: GetRequestID(r.Context()),
	})
}

// FilterStats handles GET /v1/stats/filters?top=N.
func (h *Handlers) FilterStats(w http.ResponseWriter, r *http.Request) {
	top := 20
	if v := r.URL.Query().Get("top"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeServiceError(w, r, errors.NewValidationError("top must be a positive integer"))
			return
		}
		top = n
	}
	writeJSON(w, http.StatusOK, FilterStatsResponse{
		Dimensions: h.svc.FilterStats(top),
		RequestID:  GetRequestID(r.Context()),
	})
}

// Health handles GET /health. The service is healthy when a snapshot
// resolves.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	snap, err := h.svc.CurrentSnapshot(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Snapshot: snap.Timestamp})
}

// NewRouter registers the API routes behind the default middleware. extra
// wraps the chain from outside, e.g. for shutdown tracking.
func NewRouter(svc Searcher, log zerolog.Logger, extra ...func(http.Handler) http.Handler) http.Handler {
	h := NewHandlers(svc, log)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/essays", h.Essays)
	mux.HandleFunc("POST /v1/essays", h.Essays)
	mux.HandleFunc("GET /v1/stats/applications", h.Applications)
	mux.HandleFunc("POST /v1/stats/applications", h.Applications)
	mux.HandleFunc("GET /v1/stats/schools", h.Schools)
	mux.HandleFunc("POST /v1/stats/schools", h.Schools)
	mux.HandleFunc("GET /v1/stats/filters", h.FilterStats)
	mux.HandleFunc("GET /v1/snapshot", h.Snapshot)
	mux.HandleFunc("GET /health", h.Health)

	api := DefaultMiddleware(log)(mux)

	root := http.NewServeMux()
	root.Handle("GET /metrics", observability.Handler())
	root.Handle("/", api)

	var handler http.Handler = root
	for i := len(extra) - 1; i >= 0; i-- {
		handler = extra[i](handler)
	}
	return handler
}
