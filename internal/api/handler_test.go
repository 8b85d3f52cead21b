package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-timer/internal/clock"
	"github.com/ChuLiYu/beaver-timer/internal/jobmanager"
	"github.com/ChuLiYu/beaver-timer/internal/metrics"
	"github.com/ChuLiYu/beaver-timer/internal/store"
	"github.com/ChuLiYu/beaver-timer/internal/timer"
	"github.com/ChuLiYu/beaver-timer/internal/validation"
	"github.com/ChuLiYu/beaver-timer/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2030, 6, 1, 8, 0, 0, 0, time.UTC)

type testServer struct {
	handler http.Handler
	store   *jobmanager.JobManager
	clock   *clock.Fake
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clk := clock.NewFake(start)
	jm := jobmanager.NewJobManager(jobmanager.Options{Clock: clk})
	reg := prometheus.NewRegistry()
	svc := timer.NewService(jm, timer.Options{Clock: clk, Metrics: metrics.NewCollector(reg)})
	return &testServer{
		handler: NewHandler(svc, Options{Gatherer: reg}),
		store:   jm,
		clock:   clk,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) []validation.FieldError {
	t.Helper()
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	var out ValidationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out.Detail
}

// brokenStore fails every call with err.
type brokenStore struct {
	store.Store
	err error
}

func (b *brokenStore) Put(context.Context, *types.Job) error { return b.err }
func (b *brokenStore) Get(context.Context, types.JobID) (*types.Job, error) {
	return nil, b.err
}
func (b *brokenStore) Ping(context.Context) error { return b.err }

// ============================================================================
// POST /api/v1/timer
// ============================================================================

func TestScheduleCreated(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/timer", `{"hours":1,"minutes":1,"seconds":1,"url":"https://www.google.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decodeBody(t, rec)
	assert.Equal(t, float64(3661), body["time_left"])
	id, ok := body["id"].(string)
	require.True(t, ok)
	assert.Len(t, id, 36)

	job, err := s.store.Get(context.Background(), types.JobID(id))
	require.NoError(t, err)
	assert.Equal(t, "https://www.google.com", job.URL)
}

func TestScheduleAcceptsLaxIntegers(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/timer", `{"hours":"1","minutes":2.0,"seconds":0,"url":"https://example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, float64(3720), decodeBody(t, rec)["time_left"])
}

func TestScheduleNegativeFields(t *testing.T) {
	s := newTestServer(t)

	fields := detail(t, s.do(t, http.MethodPost, "/api/v1/timer", `{"hours":-1,"minutes":-1,"seconds":-1,"url":"https://www.google.com"}`))
	require.Len(t, fields, 3)
	for i, name := range []string{"hours", "minutes", "seconds"} {
		assert.Equal(t, []string{"body", name}, fields[i].Loc)
		assert.Equal(t, "Value should be greater than 0", fields[i].Msg)
		assert.Equal(t, "value_error", fields[i].Type)
	}
	assert.Equal(t, 0, s.store.Stats()[string(types.StatusPending)])
}

func TestScheduleOversizedDelay(t *testing.T) {
	s := newTestServer(t)

	fields := detail(t, s.do(t, http.MethodPost, "/api/v1/timer", `{"hours":10000000000000,"minutes":0,"seconds":-1,"url":"https://www.google.com"}`))
	require.Len(t, fields, 2)
	assert.Equal(t, []string{"body", "hours"}, fields[0].Loc)
	assert.Equal(t, validation.MsgAtMost(timer.MaxHours), fields[0].Msg)
	assert.Equal(t, "less_than_equal", fields[0].Type)
	assert.Equal(t, []string{"body", "seconds"}, fields[1].Loc)
	assert.Empty(t, s.store.Snapshot().Jobs)
}

func TestScheduleInvalidURL(t *testing.T) {
	s := newTestServer(t)

	fields := detail(t, s.do(t, http.MethodPost, "/api/v1/timer", `{"hours":0,"minutes":0,"seconds":1,"url":"https://www/google.com"}`))
	require.Len(t, fields, 1)
	assert.Equal(t, []string{"body", "url"}, fields[0].Loc)
	assert.Equal(t, validation.MsgInvalidURL, fields[0].Msg)
}

func TestScheduleMissingAndMistypedFields(t *testing.T) {
	s := newTestServer(t)

	fields := detail(t, s.do(t, http.MethodPost, "/api/v1/timer", `{"hours":"soon","seconds":1.5,"url":7}`))
	require.Len(t, fields, 4)

	assert.Equal(t, []string{"body", "hours"}, fields[0].Loc)
	assert.Equal(t, validation.TypeInt, fields[0].Type)
	assert.Equal(t, []string{"body", "minutes"}, fields[1].Loc)
	assert.Equal(t, validation.TypeMissing, fields[1].Type)
	assert.Equal(t, validation.MsgRequired, fields[1].Msg)
	assert.Equal(t, []string{"body", "seconds"}, fields[2].Loc)
	assert.Equal(t, validation.TypeInt, fields[2].Type)
	assert.Equal(t, []string{"body", "url"}, fields[3].Loc)
	assert.Equal(t, validation.TypeString, fields[3].Type)
}

func TestScheduleMalformedJSON(t *testing.T) {
	s := newTestServer(t)

	for _, body := range []string{``, `{`, `[1,2]`, `null`, `"text"`} {
		fields := detail(t, s.do(t, http.MethodPost, "/api/v1/timer", body))
		require.Len(t, fields, 1, "body %q", body)
		assert.Equal(t, []string{"body"}, fields[0].Loc)
		assert.Equal(t, validation.TypeJSONInvalid, fields[0].Type)
	}
}

func TestScheduleStoreFailure(t *testing.T) {
	svc := timer.NewService(&brokenStore{err: store.Unavailable("put", errors.New("connection refused"))}, timer.Options{})
	h := NewHandler(svc, Options{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/timer",
		strings.NewReader(`{"hours":0,"minutes":0,"seconds":5,"url":"https://example.com"}`)))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "-1", body["id"])
	assert.Contains(t, body["error"], "connection refused")
}

func TestScheduleWrongMethod(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPut, "/api/v1/timer", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// ============================================================================
// GET /api/v1/timer/{id}
// ============================================================================

func TestStatusCountsDown(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/v1/timer", `{"hours":0,"minutes":1,"seconds":0,"url":"https://example.com"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	id := decodeBody(t, rec)["id"].(string)

	rec = s.do(t, http.MethodGet, "/api/v1/timer/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, float64(60), body["time_left"])
	assert.Equal(t, "pending", body["status"])
	assert.NotContains(t, body, "error")

	s.clock.Advance(45*time.Second + 300*time.Millisecond)
	body = decodeBody(t, s.do(t, http.MethodGet, "/api/v1/timer/"+id, ""))
	assert.Equal(t, float64(14), body["time_left"])

	s.clock.Advance(time.Hour)
	body = decodeBody(t, s.do(t, http.MethodGet, "/api/v1/timer/"+id, ""))
	assert.Equal(t, float64(0), body["time_left"])
}

func TestStatusUnknownID(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/timer/does-not-exist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "does-not-exist", body["id"])
	assert.Equal(t, float64(0), body["time_left"])
	assert.Equal(t, "unknown", body["status"])
}

func TestStatusCorruptSchedule(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.store.Put(context.Background(), &types.Job{ID: "broken", URL: "https://example.com"}))

	rec := s.do(t, http.MethodGet, "/api/v1/timer/broken", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "broken", body["id"])
	assert.Equal(t, timer.MsgUnreadableSchedule, body["error"])
	assert.NotContains(t, body, "time_left")
}

func TestStatusStoreFailure(t *testing.T) {
	svc := timer.NewService(&brokenStore{err: store.ErrStoreUnavailable}, timer.Options{})
	h := NewHandler(svc, Options{})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/timer/abc", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "abc", body["id"])
	assert.Equal(t, MsgLookupFailed, body["error"])
}

// ============================================================================
// Ambient endpoints
// ============================================================================

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	svc := timer.NewService(&brokenStore{err: store.ErrStoreUnavailable}, timer.Options{})
	rec = httptest.NewRecorder()
	NewHandler(svc, Options{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.do(t, http.MethodPost, "/api/v1/timer", `{"hours":0,"minutes":0,"seconds":1,"url":"https://example.com"}`)

	rec := s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "timer_jobs_scheduled_total 1")
}

func TestMetricsEndpointDisabled(t *testing.T) {
	svc := timer.NewService(jobmanager.NewJobManager(jobmanager.Options{}), timer.Options{})
	rec := httptest.NewRecorder()
	NewHandler(svc, Options{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerTimingHeader(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/v1/timer/x", "")
	assert.Contains(t, rec.Header().Get("Server-Timing"), "store")

	rec = s.do(t, http.MethodPost, "/api/v1/timer", `{"hours":0,"minutes":0,"seconds":1,"url":"https://example.com"}`)
	assert.Contains(t, rec.Header().Get("Server-Timing"), "store")
}
