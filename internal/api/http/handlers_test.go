package http

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/essaylake/essaylake/internal/errors"
	"github.com/essaylake/essaylake/internal/executor"
	"github.com/essaylake/essaylake/internal/observability"
	"github.com/essaylake/essaylake/internal/query"
	"github.com/essaylake/essaylake/internal/search"
	"github.com/essaylake/essaylake/internal/snapshot"
	"github.com/essaylake/essaylake/pkg/types"
)

type fakeSearcher struct {
	filter query.Filter
	top    int
	err    error
}

func (s *fakeSearcher) Search(_ context.Context, f query.Filter) (*search.EssayPage, error) {
	s.filter = f
	if s.err != nil {
		return nil, s.err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &search.EssayPage{
		Snapshot: "20240110_120000",
		Mode:     query.ModeGrouped,
		Rows:     []executor.Row{{Essay: types.Essay{AuthorID: "a1", SchoolIDs: []int64{10, 20}}}},
		Count:    1,
	}, nil
}

func (s *fakeSearcher) ApplicationBreakdown(_ context.Context, f query.Filter) (*search.Breakdown, error) {
	s.filter = f
	if s.err != nil {
		return nil, s.err
	}
	app := types.ApplicationCommonApp
	return &search.Breakdown{
		Snapshot: "20240110_120000",
		Applications: []executor.ApplicationCount{
			{Application: nil, Essays: 2},
			{Application: &app, Essays: 1},
		},
	}, nil
}

func (s *fakeSearcher) TopSchools(_ context.Context, f query.Filter, n int) (*search.SchoolRanking, error) {
	s.filter, s.top = f, n
	if s.err != nil {
		return nil, s.err
	}
	if n <= 0 {
		return nil, errors.NewValidationError("top must be positive")
	}
	return &search.SchoolRanking{Snapshot: "20240110_120000"}, nil
}

func (s *fakeSearcher) CurrentSnapshot(context.Context) (*snapshot.Snapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &snapshot.Snapshot{
		Prefix:    "essaylake",
		Timestamp: "20240110_120000",
		Essays:    "snapshots/essaylake_20240110_120000_essays.sqlite",
		Prompts:   "snapshots/essaylake_20240110_120000_prompts.sqlite",
		Schools:   "snapshots/essaylake_20240110_120000_schools.sqlite",
	}, nil
}

func (s *fakeSearcher) FilterStats(n int) []observability.DimensionStats {
	return []observability.DimensionStats{{Dimension: "application", Frequency: 3}}
}

func serve(t *testing.T, svc Searcher, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	NewRouter(svc, zerolog.Nop()).ServeHTTP(rec, req)
	return rec
}

func TestEssays_DateBoundsCoverWholeDays(t *testing.T) {
	svc := &fakeSearcher{}
	rec := serve(t, svc, http.MethodGet, "/v1/essays?created_from=2024-01-01&created_to=2024-01-31", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	r := svc.filter.Created
	require.NotNil(t, r)
	assert.True(t, r.From.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, r.To.Equal(time.Date(2024, 1, 31, 23, 59, 59, int(999*time.Millisecond), time.UTC)), r.To.String())

	// an essay written during the last day is inside the range
	lastDay := time.Date(2024, 1, 31, 18, 30, 0, 0, time.UTC).UnixMilli()
	assert.LessOrEqual(t, lastDay, r.To.UnixMilli())
	assert.Greater(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).UnixMilli(), r.To.UnixMilli())

	// an explicit instant is kept as given
	rec = serve(t, svc, http.MethodGet, "/v1/essays?created_to=2024-01-31T12:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, svc.filter.Created.To.Equal(time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)))
}

func TestEssays_QueryString(t *testing.T) {
	svc := &fakeSearcher{}
	rec := serve(t, svc, http.MethodGet,
		"/v1/essays?application=common_app&school_name_like=stan&word_count_min=100&created_from=2024-01-01&explode=true&limit=5", "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	f := svc.filter
	require.NotNil(t, f.Application)
	assert.Equal(t, types.ApplicationCommonApp, *f.Application)
	assert.Equal(t, "stan", *f.SchoolNameLike)
	assert.Equal(t, int64(100), *f.WordCount.Min)
	assert.Nil(t, f.WordCount.Max)
	assert.True(t, f.Created.From.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, f.Explode)
	assert.Equal(t, 5, *f.Limit)
	assert.Nil(t, f.AuthorID)
	assert.Nil(t, f.Applications)

	var resp EssaysResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "20240110_120000", resp.Snapshot)
	assert.Equal(t, 1, resp.Count)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), resp.RequestID)
	require.Len(t, resp.Rows, 1)
	assert.Equal(t, "a1", resp.Rows[0].AuthorID)
}

func TestEssays_JSONBody(t *testing.T) {
	svc := &fakeSearcher{}
	body := `{"applications":["COMMON_APP","COMMON_APP_ASSUMED"],"include_unspecified":true,"author_id":"a9"}`
	rec := serve(t, svc, http.MethodPost, "/v1/essays", body)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []types.Application{types.ApplicationCommonApp, types.ApplicationCommonAppAssumed}, svc.filter.Applications)
	assert.True(t, svc.filter.IncludeUnspecified)
	assert.Equal(t, "a9", *svc.filter.AuthorID)
}

func TestEssays_EmptyApplicationsIsExplicit(t *testing.T) {
	svc := &fakeSearcher{}
	rec := serve(t, svc, http.MethodGet, "/v1/essays?applications=", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, svc.filter.Applications)
	assert.Empty(t, svc.filter.Applications)
}

func TestEssays_BadInput(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		body   string
	}{
		{"bad integer", http.MethodGet, "/v1/essays?limit=ten", ""},
		{"bad bool", http.MethodGet, "/v1/essays?explode=maybe", ""},
		{"bad date", http.MethodGet, "/v1/essays?created_to=yesterday", ""},
		{"zero limit", http.MethodGet, "/v1/essays?limit=0", ""},
		{"unknown field", http.MethodPost, "/v1/essays", `{"school":"stan"}`},
		{"malformed body", http.MethodPost, "/v1/essays", `{"limit":`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, &fakeSearcher{}, tt.method, tt.target, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, errors.CodeInvalidFilter, resp.Code)
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{errors.NewSnapshotNotFound("snapshots", "essaylake"), http.StatusNotFound, errors.CodeSnapshotNotFound},
		{errors.NewIncompleteSnapshot("20240110_120000", []string{"schools"}), http.StatusInternalServerError, errors.CodeIncompleteSnapshot},
		{errors.NewQueryExecutionError("no such column: e.bogus", fmt.Errorf("no such column: e.bogus")), http.StatusInternalServerError, errors.CodeExecutionFailed},
		{errors.NewStorageError(errors.CodeDownloadFailed, "failed to fetch snapshot files", nil), http.StatusBadGateway, errors.CodeDownloadFailed},
		{errors.NewValidationError("bad"), http.StatusBadRequest, errors.CodeInvalidFilter},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, ""},
		{fmt.Errorf("boom"), http.StatusInternalServerError, ""},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			rec := serve(t, &fakeSearcher{err: tt.err}, http.MethodGet, "/v1/essays", "")
			assert.Equal(t, tt.status, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, resp.RequestID)
		})
	}
}

func TestErrorMapping_NoDataMessage(t *testing.T) {
	rec := serve(t, &fakeSearcher{err: errors.NewSnapshotNotFound("snapshots", "essaylake")}, http.MethodGet, "/v1/essays", "")

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "no data available", resp.Error)
	assert.Equal(t, "essaylake", resp.Details["prefix"])
}

func TestErrorMapping_EngineTextIncluded(t *testing.T) {
	err := errors.NewQueryExecutionError("no such table: sdb.schools", fmt.Errorf("no such table: sdb.schools"))
	rec := serve(t, &fakeSearcher{err: err}, http.MethodGet, "/v1/stats/applications", "")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "no such table: sdb.schools")
}

func TestStats(t *testing.T) {
	svc := &fakeSearcher{}

	rec := serve(t, svc, http.MethodGet, "/v1/stats/applications?author_id=a1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var apps ApplicationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apps))
	require.Len(t, apps.Applications, 2)
	assert.Nil(t, apps.Applications[0].Application)
	assert.Equal(t, "a1", *svc.filter.AuthorID)

	rec = serve(t, svc, http.MethodGet, "/v1/stats/schools?top=3&application=UC_APP", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3, svc.top)
	assert.Equal(t, types.ApplicationUCApp, *svc.filter.Application)
	assert.Contains(t, rec.Body.String(), `"schools":[]`)

	rec = serve(t, svc, http.MethodGet, "/v1/stats/schools", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultTopSchools, svc.top)

	rec = serve(t, svc, http.MethodGet, "/v1/stats/schools?top=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, svc, http.MethodGet, "/v1/stats/filters", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var filters FilterStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &filters))
	assert.Equal(t, "application", filters.Dimensions[0].Dimension)
}

func TestSnapshotAndHealth(t *testing.T) {
	rec := serve(t, &fakeSearcher{}, http.MethodGet, "/v1/snapshot", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap SnapshotResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, "20240110_120000", snap.Timestamp)
	assert.Len(t, snap.Files, 3)

	rec = serve(t, &fakeSearcher{}, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, &fakeSearcher{err: errors.NewSnapshotNotFound("snapshots", "")}, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	serve(t, &fakeSearcher{}, http.MethodGet, "/v1/snapshot", "")

	rec := serve(t, &fakeSearcher{}, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "essaylake_http_requests_total")
}

func TestMiddleware_RequestAndCorrelationIDs(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/snapshot", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	NewRouter(&fakeSearcher{}, zerolog.Nop()).ServeHTTP(rec, req)

	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-1", rec.Header().Get("X-Correlation-ID"))
}

func TestMiddleware_Recovery(t *testing.T) {
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") })
	handler := DefaultMiddleware(zerolog.Nop())(panicking)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/essays", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}
