package scaler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/actions/scaleset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/dispatch/internal/events"
	"github.com/terrpan/dispatch/internal/executor"
	"github.com/terrpan/dispatch/internal/job"
)

// ---------------------------------------------------------------------------
// Mock executor
// ---------------------------------------------------------------------------

type mockSubmitter struct {
	mu        sync.Mutex
	batches   [][]*job.Request
	opts      []executor.BatchOptions
	cancelled []string
	submitErr error
	nextID    int
}

func (m *mockSubmitter) SubmitJobBatch(_ context.Context, jobs []*job.Request, opts executor.BatchOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.submitErr != nil {
		return "", m.submitErr
	}
	m.nextID++
	m.batches = append(m.batches, jobs)
	m.opts = append(m.opts, opts)
	return fmt.Sprintf("plan-%d", m.nextID), nil
}

func (m *mockSubmitter) CancelExecution(_ context.Context, planID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, planID)
	return true
}

func (m *mockSubmitter) submittedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func (m *mockSubmitter) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

// ---------------------------------------------------------------------------
// Mock JIT config generator
// ---------------------------------------------------------------------------

type mockJitGenerator struct {
	mu        sync.Mutex
	calls     int
	err       error
	failAfter int // if > 0, calls beyond this many fail with err
}

func (m *mockJitGenerator) GenerateJitRunnerConfig(
	_ context.Context,
	setting *scaleset.RunnerScaleSetJitRunnerSetting,
	_ int,
) (*scaleset.RunnerScaleSetJitRunnerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil && (m.failAfter == 0 || m.calls >= m.failAfter) {
		return nil, m.err
	}

	m.calls++
	return &scaleset.RunnerScaleSetJitRunnerConfig{
		EncodedJITConfig: fmt.Sprintf("jit-config-for-%s", setting.Name),
	}, nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ScalerSuite struct {
	suite.Suite
	ctx    context.Context
	exec   *mockSubmitter
	jitGen *mockJitGenerator
	logger *slog.Logger
}

func (s *ScalerSuite) SetupTest() {
	s.ctx = context.Background()
	s.exec = &mockSubmitter{}
	s.jitGen = &mockJitGenerator{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *ScalerSuite) newScaler(min, max int) *Scaler {
	return New(Config{
		ScaleSetID:     1,
		MinRunners:     min,
		MaxRunners:     max,
		ScalesetClient: s.jitGen,
		Executor:       s.exec,
		Template: job.Request{
			Labels:      []string{"linux"},
			Environment: map[string]string{"RUNNER_GROUP": "default"},
			Priority:    job.PriorityHigh,
			Timeout:     2 * time.Hour,
		},
		Logger: s.logger,
	})
}

func TestScalerSuite(t *testing.T) {
	suite.Run(t, new(ScalerSuite))
}

func (s *ScalerSuite) idleRunner(sc *Scaler) string {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for name := range sc.idle {
		return name
	}
	return ""
}

// ---------------------------------------------------------------------------
// Scale-up tests
// ---------------------------------------------------------------------------

func (s *ScalerSuite) TestScaleUp_SingleRunner() {
	sc := s.newScaler(0, 10)

	count, err := sc.HandleDesiredRunnerCount(s.ctx, 1)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, count)
	assert.Equal(s.T(), 1, s.exec.submittedCount())
	assert.Equal(s.T(), 1, len(sc.idle))
	assert.Equal(s.T(), 0, len(sc.busy))
}

func (s *ScalerSuite) TestScaleUp_RunnerJobShape() {
	sc := s.newScaler(0, 10)

	_, err := sc.HandleDesiredRunnerCount(s.ctx, 1)
	require.NoError(s.T(), err)

	j := s.exec.batches[0][0]
	assert.Regexp(s.T(), `^runner-[0-9a-f]{8}$`, j.JobID)
	assert.Equal(s.T(), "jit-config-for-"+j.JobID, j.Environment[JitConfigEnv])
	assert.Equal(s.T(), "default", j.Environment["RUNNER_GROUP"])
	assert.Equal(s.T(), []string{"linux"}, j.Labels)
	assert.Equal(s.T(), job.PriorityHigh, j.Priority)
	assert.Equal(s.T(), 2*time.Hour, j.Timeout)
	assert.Contains(s.T(), j.Metadata.Tags, RunnerTag)
	assert.Equal(s.T(), executor.SpeedOptimized, s.exec.opts[0].Strategy)
	assert.NoError(s.T(), j.Validate())
}

func (s *ScalerSuite) TestScaleUp_TemplateNotMutated() {
	sc := s.newScaler(0, 10)

	_, err := sc.HandleDesiredRunnerCount(s.ctx, 2)
	require.NoError(s.T(), err)

	assert.NotContains(s.T(), sc.template.Environment, JitConfigEnv)
	assert.Empty(s.T(), sc.template.Metadata.Tags)
}

func (s *ScalerSuite) TestScaleUp_MultipleRunnersOneBatch() {
	sc := s.newScaler(0, 10)

	count, err := sc.HandleDesiredRunnerCount(s.ctx, 5)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 5, count)
	assert.Equal(s.T(), 5, s.exec.submittedCount())
	assert.Equal(s.T(), 1, s.exec.batchCount())
	assert.Equal(s.T(), 5, len(sc.idle))
}

func (s *ScalerSuite) TestScaleUp_RespectsMaxRunners() {
	sc := s.newScaler(0, 5)

	// Request 20 runners, but max is 5
	count, err := sc.HandleDesiredRunnerCount(s.ctx, 20)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 5, count)
	assert.Equal(s.T(), 5, s.exec.submittedCount())
}

func (s *ScalerSuite) TestScaleUp_RespectsMinRunners() {
	sc := s.newScaler(2, 10)

	// Request 0 desired, but min is 2 -> target = min(10, 2+0) = 2
	count, err := sc.HandleDesiredRunnerCount(s.ctx, 0)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 2, count)
	assert.Equal(s.T(), 2, s.exec.submittedCount())
}

func (s *ScalerSuite) TestScaleUp_MaxCapsMinPlusDesired() {
	sc := s.newScaler(3, 5)

	// min=3, max=5, desired 10 -> target = min(5, 13) = 5
	count, err := sc.HandleDesiredRunnerCount(s.ctx, 10)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 5, count)
}

// ---------------------------------------------------------------------------
// Scale-down tests
// ---------------------------------------------------------------------------

func (s *ScalerSuite) TestScaleDown_Implicit() {
	sc := s.newScaler(0, 10)

	_, err := sc.HandleDesiredRunnerCount(s.ctx, 5)
	require.NoError(s.T(), err)

	// Desired drops to 1; the existing runners drain on their own.
	count, err := sc.HandleDesiredRunnerCount(s.ctx, 1)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 5, count)
	assert.Empty(s.T(), s.exec.cancelled)
	assert.Equal(s.T(), 1, s.exec.batchCount())
}

func (s *ScalerSuite) TestNoScaling_WhenAtTarget() {
	sc := s.newScaler(0, 10)

	_, err := sc.HandleDesiredRunnerCount(s.ctx, 3)
	require.NoError(s.T(), err)

	count, err := sc.HandleDesiredRunnerCount(s.ctx, 3)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 3, count)
	assert.Equal(s.T(), 3, s.exec.submittedCount())
}

// ---------------------------------------------------------------------------
// Job lifecycle tests
// ---------------------------------------------------------------------------

func (s *ScalerSuite) TestHandleJobStarted_MovesToBusy() {
	sc := s.newScaler(0, 10)

	_, err := sc.HandleDesiredRunnerCount(s.ctx, 1)
	require.NoError(s.T(), err)
	name := s.idleRunner(sc)
	require.NotEmpty(s.T(), name)

	err = sc.HandleJobStarted(s.ctx, &scaleset.JobStarted{RunnerName: name})
	require.NoError(s.T(), err)

	assert.Equal(s.T(), 0, len(sc.idle))
	assert.Equal(s.T(), 1, len(sc.busy))
	assert.Contains(s.T(), sc.busy, name)
}

func (s *ScalerSuite) TestHandleJobStarted_UnknownRunner() {
	sc := s.newScaler(0, 10)

	err := sc.HandleJobStarted(s.ctx, &scaleset.JobStarted{RunnerName: "unknown-runner"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0, sc.runnerCount())
}

func (s *ScalerSuite) TestHandleJobCompleted_ForgetsRunner() {
	sc := s.newScaler(0, 10)

	_, err := sc.HandleDesiredRunnerCount(s.ctx, 1)
	require.NoError(s.T(), err)
	name := s.idleRunner(sc)

	require.NoError(s.T(), sc.HandleJobStarted(s.ctx, &scaleset.JobStarted{RunnerName: name}))
	require.NoError(s.T(), sc.HandleJobCompleted(s.ctx, &scaleset.JobCompleted{RunnerName: name, Result: "success"}))

	assert.Equal(s.T(), 0, sc.runnerCount())
	// The runner container exits by itself; nothing is cancelled.
	assert.Empty(s.T(), s.exec.cancelled)
}

func (s *ScalerSuite) TestHandleJobCompleted_UnknownRunner() {
	sc := s.newScaler(0, 10)

	err := sc.HandleJobCompleted(s.ctx, &scaleset.JobCompleted{RunnerName: "unknown-runner", Result: "success"})
	require.NoError(s.T(), err)
}

func (s *ScalerSuite) TestFullLifecycle_ScaleUpAgainAfterCompletion() {
	sc := s.newScaler(0, 10)

	_, err := sc.HandleDesiredRunnerCount(s.ctx, 2)
	require.NoError(s.T(), err)

	var runners []string
	for name := range sc.idle {
		runners = append(runners, name)
	}
	for _, name := range runners {
		_ = sc.HandleJobStarted(s.ctx, &scaleset.JobStarted{RunnerName: name})
		_ = sc.HandleJobCompleted(s.ctx, &scaleset.JobCompleted{RunnerName: name, Result: "success"})
	}
	assert.Equal(s.T(), 0, sc.runnerCount())

	count, err := sc.HandleDesiredRunnerCount(s.ctx, 3)
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 3, count)
	assert.Equal(s.T(), 5, s.exec.submittedCount()) // 2 + 3
	assert.Equal(s.T(), 2, s.exec.batchCount())
}

// ---------------------------------------------------------------------------
// Executor events
// ---------------------------------------------------------------------------

func (s *ScalerSuite) TestTrack_ForgetsEndedRunnerJobs() {
	sc := s.newScaler(0, 10)
	_, err := sc.HandleDesiredRunnerCount(s.ctx, 2)
	require.NoError(s.T(), err)

	var runners []string
	for name := range sc.idle {
		runners = append(runners, name)
	}

	ch := make(chan events.Event, 4)
	ch <- events.Event{Type: events.JobStarted, JobID: runners[0]}
	ch <- events.Event{Type: events.JobFailed, JobID: runners[0]}
	ch <- events.Event{Type: events.JobCompleted, JobID: "some-other-job"}
	close(ch)

	sc.Track(s.ctx, ch)

	assert.Equal(s.T(), 1, sc.runnerCount())
	assert.Contains(s.T(), sc.idle, runners[1])
}

func (s *ScalerSuite) TestTrack_StopsOnContext() {
	sc := s.newScaler(0, 10)
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	go func() {
		sc.Track(ctx, make(chan events.Event))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		s.Fail("Track did not return after cancel")
	}
}

// ---------------------------------------------------------------------------
// Concurrent access
// ---------------------------------------------------------------------------

func (s *ScalerSuite) TestConcurrentStartsAndCompletions() {
	sc := s.newScaler(0, 50)
	_, err := sc.HandleDesiredRunnerCount(s.ctx, 20)
	require.NoError(s.T(), err)

	var runners []string
	for name := range sc.idle {
		runners = append(runners, name)
	}

	var wg sync.WaitGroup
	for _, name := range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sc.HandleJobStarted(s.ctx, &scaleset.JobStarted{RunnerName: name})
		}()
	}
	wg.Wait()
	assert.Equal(s.T(), 0, len(sc.idle))
	assert.Equal(s.T(), 20, len(sc.busy))

	for _, name := range runners {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sc.HandleJobCompleted(s.ctx, &scaleset.JobCompleted{RunnerName: name, Result: "success"})
		}()
	}
	wg.Wait()
	assert.Equal(s.T(), 0, sc.runnerCount())
}

// ---------------------------------------------------------------------------
// Shutdown
// ---------------------------------------------------------------------------

func (s *ScalerSuite) TestShutdown_CancelsOutstandingPlans() {
	sc := s.newScaler(0, 10)

	_, err := sc.HandleDesiredRunnerCount(s.ctx, 2)
	require.NoError(s.T(), err)
	_, err = sc.HandleDesiredRunnerCount(s.ctx, 3)
	require.NoError(s.T(), err)
	_ = sc.HandleJobStarted(s.ctx, &scaleset.JobStarted{RunnerName: s.idleRunner(sc)})

	sc.Shutdown(s.ctx)

	assert.ElementsMatch(s.T(), []string{"plan-1", "plan-2"}, s.exec.cancelled)
	assert.Equal(s.T(), 0, sc.runnerCount())
}

// ---------------------------------------------------------------------------
// Error handling
// ---------------------------------------------------------------------------

func (s *ScalerSuite) TestScaleUp_SubmitFailure() {
	s.exec.submitErr = fmt.Errorf("executor is not running")
	sc := s.newScaler(0, 10)

	count, err := sc.HandleDesiredRunnerCount(s.ctx, 3)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "executor is not running")
	assert.Equal(s.T(), 0, count)
}

func (s *ScalerSuite) TestScaleUp_JitConfigFailure() {
	s.jitGen.err = fmt.Errorf("github API rate limited")
	sc := s.newScaler(0, 10)

	count, err := sc.HandleDesiredRunnerCount(s.ctx, 1)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "github API rate limited")
	assert.Equal(s.T(), 0, count)
	assert.Equal(s.T(), 0, s.exec.batchCount())
}

func (s *ScalerSuite) TestScaleUp_JitFailureMidScaleSubmitsPartial() {
	s.jitGen.err = fmt.Errorf("github API rate limited")
	s.jitGen.failAfter = 2
	sc := s.newScaler(0, 10)

	count, err := sc.HandleDesiredRunnerCount(s.ctx, 5)
	assert.Error(s.T(), err)
	assert.Equal(s.T(), 2, count)
	assert.Equal(s.T(), 2, s.exec.submittedCount())
}
