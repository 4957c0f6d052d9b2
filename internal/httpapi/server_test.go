package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/npsd/internal/logging"
	"github.com/fyrsmithlabs/npsd/internal/run"
	"github.com/fyrsmithlabs/npsd/internal/survey"
	"github.com/fyrsmithlabs/npsd/internal/telemetry"
)

// fakeRunner blocks each run until release is closed.
type fakeRunner struct {
	mu       sync.Mutex
	release  chan struct{}
	known    map[string]bool
	started  []string
	resumed  []string
	failWith error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{release: make(chan struct{}), known: map[string]bool{}}
}

func (f *fakeRunner) finish(rc run.Context) (*run.Aggregate, error) {
	<-f.release
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &run.Aggregate{
		Run:      rc,
		Phases:   []run.PhaseResult{},
		Warnings: []string{},
		Errors:   []string{},
		Status:   run.Status{State: run.StateCompleted, CompletedPhases: run.Phases()},
	}, nil
}

func (f *fakeRunner) Execute(_ context.Context, rc run.Context) (*run.Aggregate, error) {
	f.mu.Lock()
	f.started = append(f.started, rc.ID)
	f.mu.Unlock()
	return f.finish(rc)
}

func (f *fakeRunner) Resume(_ context.Context, runID string) (*run.Aggregate, error) {
	f.mu.Lock()
	f.resumed = append(f.resumed, runID)
	f.mu.Unlock()
	return f.finish(run.Context{ID: runID})
}

func (f *fakeRunner) Status(_ context.Context, runID string) (run.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[runID] {
		return run.StatusReport{RunID: runID, Checkpointed: []run.Phase{}}, nil
	}
	return run.StatusReport{RunID: runID, Known: true, Checkpointed: []run.Phase{run.Foundation}, Next: run.Analysis}, nil
}

func setupTestServer(t *testing.T, runner Runner) *Server {
	t.Helper()
	s, err := NewServer(runner, logging.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func do(s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		s, err := NewServer(newFakeRunner(), logging.Nop(), nil)
		require.NoError(t, err)
		assert.Equal(t, "localhost", s.config.Host)
		assert.Equal(t, 9090, s.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(newFakeRunner(), nil, nil)
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error when runner is nil", func(t *testing.T) {
		_, err := NewServer(nil, logging.Nop(), nil)
		assert.ErrorContains(t, err, "runner cannot be nil")
	})
}

func TestHandleHealth(t *testing.T) {
	rec := do(setupTestServer(t, newFakeRunner()), http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandleMetrics(t *testing.T) {
	rec := do(setupTestServer(t, newFakeRunner()), http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestRunLifecycle(t *testing.T) {
	runner := newFakeRunner()
	s := setupTestServer(t, runner)

	body, err := json.Marshal(survey.Dataset{Name: "q1", Responses: []survey.Response{{ID: "r1", Score: 9}}})
	require.NoError(t, err)

	rec := do(s, http.MethodPost, "/api/v1/runs", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.RunID)
	assert.Equal(t, run.StateRunning, accepted.State)

	rec = do(s, http.MethodGet, "/api/v1/runs/"+accepted.RunID, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(s, http.MethodPost, "/api/v1/runs/"+accepted.RunID+"/resume", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(runner.release)
	require.Eventually(t, func() bool {
		return do(s, http.MethodGet, "/api/v1/runs/"+accepted.RunID, nil).Code == http.StatusOK
	}, time.Second, 5*time.Millisecond)

	rec = do(s, http.MethodGet, "/api/v1/runs/"+accepted.RunID, nil)
	var agg run.Aggregate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.Equal(t, accepted.RunID, agg.Run.ID)
	assert.Equal(t, run.StateCompleted, agg.Status.State)
	assert.Equal(t, "q1", agg.Run.Input.Name)
}

func TestCreateRun_Validation(t *testing.T) {
	s := setupTestServer(t, newFakeRunner())

	rec := do(s, http.MethodPost, "/api/v1/runs", []byte("not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodPost, "/api/v1/runs", []byte(`{"responses":[]}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "responses field is required")
}

func TestStatusAndResume(t *testing.T) {
	runner := newFakeRunner()
	runner.known["run-1"] = true
	s := setupTestServer(t, runner)

	rec := do(s, http.MethodGet, "/api/v1/runs/run-1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report run.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Known)
	assert.Equal(t, []run.Phase{run.Foundation}, report.Checkpointed)
	assert.Equal(t, run.Analysis, report.Next)

	// Known from checkpoints but not started here.
	rec = do(s, http.MethodGet, "/api/v1/runs/run-1", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(s, http.MethodPost, "/api/v1/runs/run-1/resume", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	close(runner.release)
	require.Eventually(t, func() bool {
		return do(s, http.MethodGet, "/api/v1/runs/run-1", nil).Code == http.StatusOK
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"run-1"}, runner.resumed)
}

func TestResume_ConcurrentRequestsLaunchOnce(t *testing.T) {
	runner := newFakeRunner()
	runner.known["run-1"] = true
	s := setupTestServer(t, runner)

	const n = 16
	codes := make(chan int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- do(s, http.MethodPost, "/api/v1/runs/run-1/resume", nil).Code
		}()
	}
	wg.Wait()
	close(codes)

	counts := map[int]int{}
	for code := range codes {
		counts[code]++
	}
	assert.Equal(t, 1, counts[http.StatusAccepted])
	assert.Equal(t, n-1, counts[http.StatusConflict])

	close(runner.release)
	require.Eventually(t, func() bool {
		return do(s, http.MethodGet, "/api/v1/runs/run-1", nil).Code == http.StatusOK
	}, time.Second, 5*time.Millisecond)
	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, []string{"run-1"}, runner.resumed)
}

func TestUnknownRun(t *testing.T) {
	s := setupTestServer(t, newFakeRunner())

	for _, tc := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/runs/nope"},
		{http.MethodGet, "/api/v1/runs/nope/status"},
		{http.MethodPost, "/api/v1/runs/nope/resume"},
	} {
		rec := do(s, tc.method, tc.path, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, tc.path)
	}
}

func TestRunFailureStillReturnsAggregate(t *testing.T) {
	runner := newFakeRunner()
	runner.failWith = errors.New("checkpoint write failure: disk full")
	s := setupTestServer(t, runner)

	body, err := json.Marshal(survey.Dataset{Responses: []survey.Response{{ID: "r1", Score: 3}}})
	require.NoError(t, err)
	rec := do(s, http.MethodPost, "/api/v1/runs", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	close(runner.release)
	require.Eventually(t, func() bool {
		return do(s, http.MethodGet, "/api/v1/runs/"+accepted.RunID, nil).Code == http.StatusOK
	}, time.Second, 5*time.Millisecond)

	rec = do(s, http.MethodGet, "/api/v1/runs/"+accepted.RunID, nil)
	var agg run.Aggregate
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agg))
	assert.Equal(t, run.StatePartiallyFailed, agg.Status.State)
	assert.Equal(t, []string{"checkpoint write failure: disk full"}, agg.Errors)
}

func TestMetricsMiddleware(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	m := newHTTPMetrics(tt.Meter(httpInstrumentationName), logging.Nop())

	e := echo.New()
	e.Use(m.MetricsMiddleware())
	e.GET("/api/v1/runs/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for _, id := range []string{"a", "b"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+id, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Equal(t, int64(2), tt.CounterValue(t, "npsd.http.requests_total",
		attribute.String("route", "/api/v1/runs/:id"),
	))
}
