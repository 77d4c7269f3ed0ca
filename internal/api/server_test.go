package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/dispatch/internal/events"
	"github.com/terrpan/dispatch/internal/executor"
	"github.com/terrpan/dispatch/internal/health"
	"github.com/terrpan/dispatch/internal/history"
	"github.com/terrpan/dispatch/internal/job"
	"github.com/terrpan/dispatch/internal/worker"
)

// ---------------------------------------------------------------------------
// Mock executor
// ---------------------------------------------------------------------------

type mockExecutor struct {
	mu sync.Mutex

	plans     map[string]*executor.PlanSnapshot
	submitted [][]*job.Request
	opts      []executor.BatchOptions
	submitErr error
	allow     bool
	controls  []string
	limit     int
	records   []history.Record
	stopped   bool
}

var _ Executor = (*mockExecutor)(nil)

func newMockExecutor() *mockExecutor {
	return &mockExecutor{plans: make(map[string]*executor.PlanSnapshot), allow: true}
}

func (m *mockExecutor) SubmitSingleJob(ctx context.Context, req *job.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	return m.SubmitJobBatch(ctx, []*job.Request{req}, executor.BatchOptions{})
}

func (m *mockExecutor) SubmitJobBatch(_ context.Context, jobs []*job.Request, opts executor.BatchOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.submitted = append(m.submitted, jobs)
	m.opts = append(m.opts, opts)
	id := "plan-1"
	m.plans[id] = &executor.PlanSnapshot{ID: id, Name: opts.PlanName, Status: executor.PlanExecuting}
	return id, nil
}

func (m *mockExecutor) control(name, id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls = append(m.controls, name+":"+id)
	_, ok := m.plans[id]
	return ok && m.allow
}

func (m *mockExecutor) CancelExecution(_ context.Context, id string) bool { return m.control("cancel", id) }
func (m *mockExecutor) PauseExecution(id string) bool                     { return m.control("pause", id) }
func (m *mockExecutor) ResumeExecution(id string) bool                    { return m.control("resume", id) }

func (m *mockExecutor) GetExecutionPlan(_ context.Context, id string) (*executor.PlanSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.plans[id]; ok {
		return p, nil
	}
	return nil, executor.ErrPlanNotFound
}

func (m *mockExecutor) GetExecutionPlans() []*executor.PlanSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*executor.PlanSnapshot, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, p)
	}
	return out
}

func (m *mockExecutor) GetExecutionHistory(_ context.Context, limit int) ([]history.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limit = limit
	return m.records, nil
}

func (m *mockExecutor) GetMetrics() executor.Metrics {
	return executor.Metrics{TotalExecutions: 4, CompletedExecutions: 3, FailedExecutions: 1, SuccessRate: 0.75}
}

func (m *mockExecutor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.stopped
}

// ---------------------------------------------------------------------------
// Suite
// ---------------------------------------------------------------------------

type ServerSuite struct {
	suite.Suite
	exec *mockExecutor
	bus  *events.Bus
	srv  *Server
	ts   *httptest.Server
}

func TestServerSuite(t *testing.T) {
	suite.Run(t, new(ServerSuite))
}

func (s *ServerSuite) SetupTest() {
	s.exec = newMockExecutor()
	s.bus = events.NewBus()
	reg := worker.NewStaticRegistry(0,
		worker.Worker{ID: "w1", Healthy: true, Capacity: worker.Resources{CPU: 8}},
		worker.Worker{ID: "w2", Healthy: false},
	)
	s.srv = NewServer(Config{
		Addr:       ":0",
		Executor:   s.exec,
		Bus:        s.bus,
		Registry:   reg,
		EngineName: "docker",
	})
	s.ts = httptest.NewServer(s.srv.Router())
}

func (s *ServerSuite) TearDownTest() {
	s.bus.Close()
	s.ts.Close()
}

func (s *ServerSuite) do(method, path, body string) (*http.Response, []byte) {
	req, err := http.NewRequest(method, s.ts.URL+path, strings.NewReader(body))
	s.Require().NoError(err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	return resp, data
}

func (s *ServerSuite) errorMessage(data []byte) string {
	var body map[string]string
	s.Require().NoError(json.Unmarshal(data, &body))
	return body["error"]
}

func (s *ServerSuite) TestHealthz() {
	resp, data := s.do(http.MethodGet, "/healthz", "")
	s.Equal(http.StatusOK, resp.StatusCode)

	var h health.Response
	s.Require().NoError(json.Unmarshal(data, &h))
	s.Equal("healthy", h.Status)
	s.Equal("docker", h.Engine)
}

func (s *ServerSuite) TestHealthz_ExecutorStopped() {
	s.exec.stopped = true

	resp, data := s.do(http.MethodGet, "/healthz", "")
	s.Equal(http.StatusServiceUnavailable, resp.StatusCode)

	var h health.Response
	s.Require().NoError(json.Unmarshal(data, &h))
	s.Equal("unhealthy", h.Status)
	s.Equal(executor.ErrNotRunning.Error(), h.Checks["executor"])
}

func (s *ServerSuite) TestSubmitJob() {
	resp, data := s.do(http.MethodPost, "/v1/jobs", `{"jobId":"build","priority":"high"}`)
	s.Equal(http.StatusAccepted, resp.StatusCode)

	var out submitResponse
	s.Require().NoError(json.Unmarshal(data, &out))
	s.Equal("plan-1", out.PlanID)

	s.Require().Len(s.exec.submitted, 1)
	s.Equal("build", s.exec.submitted[0][0].JobID)
	s.Equal(job.PriorityHigh, s.exec.submitted[0][0].Priority)
}

func (s *ServerSuite) TestSubmitJob_InvalidJSON() {
	resp, data := s.do(http.MethodPost, "/v1/jobs", `{"jobId":`)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Equal("invalid JSON body", s.errorMessage(data))
}

func (s *ServerSuite) TestSubmitJob_ValidationError() {
	resp, data := s.do(http.MethodPost, "/v1/jobs", `{"jobId":""}`)
	s.Equal(http.StatusBadRequest, resp.StatusCode)
	s.Contains(s.errorMessage(data), "jobId is required")
}

func (s *ServerSuite) TestSubmitPlan() {
	body := `{
		"jobs": [{"jobId":"a"},{"jobId":"b","metadata":{"dependsOn":["a"]}}],
		"options": {"planName":"release","executionStrategy":"dependency_ordered","enableDependencies":true,
			"failureHandling":{"failFastEnabled":true}}
	}`
	resp, _ := s.do(http.MethodPost, "/v1/plans", body)
	s.Equal(http.StatusAccepted, resp.StatusCode)

	s.Require().Len(s.exec.submitted, 1)
	s.Len(s.exec.submitted[0], 2)
	s.Equal([]string{"a"}, s.exec.submitted[0][1].Metadata.DependsOn)

	opts := s.exec.opts[0]
	s.Equal("release", opts.PlanName)
	s.Equal(executor.DependencyOrdered, opts.Strategy)
	s.True(opts.EnableDependencies)
	s.True(opts.FailureHandling.FailFast)
}

func (s *ServerSuite) TestSubmitPlan_ErrorStatuses() {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"validation", job.NewError(job.KindValidation, "duplicate job id a", nil), http.StatusBadRequest},
		{"cycle", job.NewError(job.KindCyclicDependency, "cycle a -> b -> a", nil), http.StatusConflict},
		{"not running", executor.ErrNotRunning, http.StatusServiceUnavailable},
		{"wrapped cycle", errors.Join(errors.New("submit"), job.ErrCyclicDependency), http.StatusConflict},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.exec.submitErr = tt.err
			resp, data := s.do(http.MethodPost, "/v1/plans", `{"jobs":[{"jobId":"a"}]}`)
			s.Equal(tt.status, resp.StatusCode)
			if tt.status == http.StatusInternalServerError {
				s.Equal("failed to submit execution plan", s.errorMessage(data))
			} else {
				s.Equal(tt.err.Error(), s.errorMessage(data))
			}
		})
	}
}

func (s *ServerSuite) TestGetPlan() {
	s.exec.plans["p1"] = &executor.PlanSnapshot{ID: "p1", Status: executor.PlanCompleted, Result: executor.ResultSucceeded}

	resp, data := s.do(http.MethodGet, "/v1/plans/p1", "")
	s.Equal(http.StatusOK, resp.StatusCode)

	var snap executor.PlanSnapshot
	s.Require().NoError(json.Unmarshal(data, &snap))
	s.Equal("p1", snap.ID)
	s.Equal(executor.PlanCompleted, snap.Status)

	resp, data = s.do(http.MethodGet, "/v1/plans/nope", "")
	s.Equal(http.StatusNotFound, resp.StatusCode)
	s.Equal("execution plan not found", s.errorMessage(data))
}

func (s *ServerSuite) TestListPlans() {
	s.exec.plans["p1"] = &executor.PlanSnapshot{ID: "p1"}

	resp, data := s.do(http.MethodGet, "/v1/plans", "")
	s.Equal(http.StatusOK, resp.StatusCode)

	var plans []executor.PlanSnapshot
	s.Require().NoError(json.Unmarshal(data, &plans))
	s.Require().Len(plans, 1)
	s.Equal("p1", plans[0].ID)
}

func (s *ServerSuite) TestControl() {
	s.exec.plans["p1"] = &executor.PlanSnapshot{ID: "p1", Status: executor.PlanExecuting}

	for _, action := range []string{"pause", "resume", "cancel"} {
		resp, _ := s.do(http.MethodPost, "/v1/plans/p1/"+action, "")
		s.Equal(http.StatusOK, resp.StatusCode, action)
	}
	s.Equal([]string{"pause:p1", "resume:p1", "cancel:p1"}, s.exec.controls)
}

func (s *ServerSuite) TestControl_UnknownPlan() {
	resp, _ := s.do(http.MethodPost, "/v1/plans/ghost/cancel", "")
	s.Equal(http.StatusNotFound, resp.StatusCode)
}

func (s *ServerSuite) TestControl_Refused() {
	s.exec.plans["p1"] = &executor.PlanSnapshot{ID: "p1", Status: executor.PlanCompleted}
	s.exec.allow = false

	resp, data := s.do(http.MethodPost, "/v1/plans/p1/pause", "")
	s.Equal(http.StatusConflict, resp.StatusCode)
	s.Equal("cannot pause execution plan in status completed", s.errorMessage(data))
}

func (s *ServerSuite) TestHistory() {
	now := time.Now().UTC()
	s.exec.records = []history.Record{{PlanID: "p9", Status: "completed", Result: "success", CompletedAt: now}}

	resp, data := s.do(http.MethodGet, "/v1/history?limit=5", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal(5, s.exec.limit)

	var out historyResponse
	s.Require().NoError(json.Unmarshal(data, &out))
	s.Equal(1, out.Count)
	s.Equal("p9", out.Plans[0].PlanID)

	s.do(http.MethodGet, "/v1/history?limit=lots", "")
	s.Equal(defaultHistoryLimit, s.exec.limit)
}

func (s *ServerSuite) TestHistory_Empty() {
	_, data := s.do(http.MethodGet, "/v1/history", "")
	s.JSONEq(`{"plans":[],"count":0}`, string(data))
}

func (s *ServerSuite) TestExecutorMetrics() {
	resp, data := s.do(http.MethodGet, "/v1/metrics", "")
	s.Equal(http.StatusOK, resp.StatusCode)

	var m executor.Metrics
	s.Require().NoError(json.Unmarshal(data, &m))
	s.Equal(int64(4), m.TotalExecutions)
	s.InDelta(0.75, m.SuccessRate, 1e-9)
}

func (s *ServerSuite) TestWorkers() {
	resp, data := s.do(http.MethodGet, "/v1/workers", "")
	s.Equal(http.StatusOK, resp.StatusCode)

	var out workersResponse
	s.Require().NoError(json.Unmarshal(data, &out))
	s.Require().Len(out.Workers, 2)
	s.Equal("w1", out.Workers[0].ID)
	s.Equal(1, out.Healthy)
}

func (s *ServerSuite) TestPrometheusMetrics() {
	s.do(http.MethodGet, "/v1/plans", "")

	resp, data := s.do(http.MethodGet, "/metrics", "")
	s.Equal(http.StatusOK, resp.StatusCode)
	s.Contains(string(data), "dispatch_http_requests_total")
}

func (s *ServerSuite) TestEventsStream() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.ts.URL+"/v1/events?plan=p1&type=job_execution_completed", nil)
	s.Require().NoError(err)
	resp, err := http.DefaultClient.Do(req)
	s.Require().NoError(err)
	defer resp.Body.Close()

	s.Equal(http.StatusOK, resp.StatusCode)
	s.Equal("text/event-stream", resp.Header.Get("Content-Type"))

	// Headers are flushed after subscribing, so these are not lost.
	s.bus.Publish(events.Event{Type: events.JobStarted, PlanID: "p1", JobID: "a"})
	s.bus.Publish(events.Event{Type: events.JobCompleted, PlanID: "p2", JobID: "x"})
	s.bus.Publish(events.Event{Type: events.JobCompleted, PlanID: "p1", JobID: "a"})

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() && len(lines) < 2 {
		if sc.Text() != "" {
			lines = append(lines, sc.Text())
		}
	}
	s.Require().Len(lines, 2)
	s.Equal("event: job_execution_completed", lines[0])

	var ev events.Event
	s.Require().NoError(json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev))
	s.Equal("p1", ev.PlanID)
	s.Equal("a", ev.JobID)
}

func (s *ServerSuite) TestEventsStream_BusClosed() {
	resp, err := http.Get(s.ts.URL + "/v1/events")
	s.Require().NoError(err)
	defer resp.Body.Close()

	s.bus.Close()

	data, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)
	s.Equal("event: done\ndata: stream closed\n\n", string(data))
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func TestPanicRecovery(t *testing.T) {
	srv := NewServer(Config{Executor: newMockExecutor()})
	srv.Router().Get("/panic", func(http.ResponseWriter, *http.Request) {
		panic("test panic")
	})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/panic")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	srv := NewServer(Config{Executor: newMockExecutor()})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/v1/plans", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestEventsWithoutBus(t *testing.T) {
	srv := NewServer(Config{Executor: newMockExecutor()})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	srv := NewServer(Config{Addr: "127.0.0.1:0", Executor: newMockExecutor()})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
