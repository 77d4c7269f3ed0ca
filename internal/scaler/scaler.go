// Package scaler turns the scaleset listener's demand signals into runner
// jobs for the executor.  Each runner is an ephemeral job whose container
// registers with GitHub through a JIT configuration and exits when its
// workflow job is done.
package scaler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/actions/scaleset"
	"github.com/actions/scaleset/listener"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/dispatch/internal/events"
	"github.com/terrpan/dispatch/internal/executor"
	"github.com/terrpan/dispatch/internal/job"
)

// JitConfigEnv is the environment variable the runner image reads its JIT
// configuration from.
const JitConfigEnv = "ACTIONS_RUNNER_INPUT_JITCONFIG"

// RunnerTag marks runner jobs in their metadata.
const RunnerTag = "actions-runner"

// JitConfigGenerator issues just-in-time runner registrations.
// *scaleset.Client satisfies it.
type JitConfigGenerator interface {
	GenerateJitRunnerConfig(ctx context.Context, setting *scaleset.RunnerScaleSetJitRunnerSetting, scaleSetID int) (*scaleset.RunnerScaleSetJitRunnerConfig, error)
}

// Submitter is the part of the executor the scaler drives.
type Submitter interface {
	SubmitJobBatch(ctx context.Context, jobs []*job.Request, opts executor.BatchOptions) (string, error)
	CancelExecution(ctx context.Context, planID string) bool
}

var (
	_ JitConfigGenerator = (*scaleset.Client)(nil)
	_ Submitter          = (*executor.Executor)(nil)
)

// Config holds the parameters for New.
type Config struct {
	ScaleSetID     int
	MinRunners     int
	MaxRunners     int
	ScalesetClient JitConfigGenerator
	Executor       Submitter

	// Template is copied into every runner job: labels, resources,
	// priority and timeout.  JobID and the JIT environment are set per
	// runner.
	Template job.Request
	Logger   *slog.Logger
}

type runner struct {
	planID string
	since  time.Time
}

// Scaler implements listener.Scaler.  It tracks runners as idle (job
// submitted, no workflow job yet) or busy, and asks the executor for new
// runner jobs when demand rises.
type Scaler struct {
	jit        JitConfigGenerator
	executor   Submitter
	template   job.Request
	scaleSetID int
	minRunners int
	maxRunners int
	logger     *slog.Logger

	mu   sync.Mutex
	idle map[string]runner // runner name -> runner
	busy map[string]runner

	tracer trace.Tracer
	meter  metric.Meter

	runnersRequested metric.Int64Counter
	runnersGone      metric.Int64Counter
	jobsCompleted    metric.Int64Counter
	scaleEvents      metric.Int64Counter
	idleDuration     metric.Float64Histogram
}

// Compile-time check.
var _ listener.Scaler = (*Scaler)(nil)

// New creates a Scaler.
func New(cfg Config) *Scaler {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Scaler{
		jit:        cfg.ScalesetClient,
		executor:   cfg.Executor,
		template:   cfg.Template,
		scaleSetID: cfg.ScaleSetID,
		minRunners: cfg.MinRunners,
		maxRunners: cfg.MaxRunners,
		logger:     cfg.Logger.WithGroup("scaler"),
		idle:       make(map[string]runner),
		busy:       make(map[string]runner),
		tracer:     otel.Tracer("dispatch/scaler"),
		meter:      otel.Meter("dispatch/scaler"),
	}

	// Errors are logged but not fatal.
	var err error
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&s.runnersRequested, "dispatch.runners.requested", "Runner jobs submitted to the executor"},
		{&s.runnersGone, "dispatch.runners.gone", "Runner jobs that ended"},
		{&s.jobsCompleted, "dispatch.workflow_jobs.completed", "Workflow jobs completed on our runners"},
		{&s.scaleEvents, "dispatch.scale.events", "Desired runner count signals by action"},
	} {
		*c.dst, err = s.meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			s.logger.Warn("failed to create counter", slog.String("name", c.name), slog.String("error", err.Error()))
		}
	}

	s.idleDuration, err = s.meter.Float64Histogram(
		"dispatch.runner.idle.duration",
		metric.WithDescription("Time from runner submission to its first workflow job (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		s.logger.Warn("failed to create idle duration histogram", slog.String("error", err.Error()))
	}

	for _, g := range []struct {
		name string
		desc string
		set  func() int
	}{
		{"dispatch.runners.idle", "Runners waiting for a workflow job", func() int { return len(s.idle) }},
		{"dispatch.runners.busy", "Runners running a workflow job", func() int { return len(s.busy) }},
	} {
		_, err = s.meter.Int64ObservableGauge(g.name,
			metric.WithDescription(g.desc),
			metric.WithUnit("1"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				s.mu.Lock()
				n := g.set()
				s.mu.Unlock()
				o.Observe(int64(n))
				return nil
			}),
		)
		if err != nil {
			s.logger.Warn("failed to create gauge", slog.String("name", g.name), slog.String("error", err.Error()))
		}
	}

	return s
}

// ---------------------------------------------------------------------------
// listener.Scaler implementation
// ---------------------------------------------------------------------------

// HandleDesiredRunnerCount is called by the listener each time the
// scaleset API reports how many runners are needed.  New runners are
// submitted as one batch.
func (s *Scaler) HandleDesiredRunnerCount(ctx context.Context, count int) (int, error) {
	ctx, span := s.tracer.Start(ctx, "scaler.HandleDesiredRunnerCount")
	defer span.End()

	current := s.runnerCount()
	target := min(s.maxRunners, s.minRunners+count)

	span.SetAttributes(
		attribute.Int("scaleset.desired_count", count),
		attribute.Int("scaleset.current_count", current),
		attribute.Int("scaleset.target_count", target),
	)

	if target <= current {
		action := "none"
		if target < current {
			// Runners are ephemeral; surplus ones drain as their jobs end.
			action = "down"
		}
		span.SetAttributes(attribute.String("scaleset.scale_action", action))
		s.countScale(ctx, action)
		s.logger.Debug("no runners needed",
			slog.Int("current", current),
			slog.Int("target", target),
		)
		return current, nil
	}

	delta := target - current
	span.SetAttributes(
		attribute.String("scaleset.scale_action", "up"),
		attribute.Int("scaleset.scale_delta", delta),
	)
	s.countScale(ctx, "up")
	s.logger.Info("scaling up",
		slog.Int("current", current),
		slog.Int("target", target),
		slog.Int("delta", delta),
	)

	jobs, jitErr := s.runnerJobs(ctx, delta)
	if len(jobs) > 0 {
		if err := s.submit(ctx, jobs); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "submit failed")
			return s.runnerCount(), err
		}
	}
	if jitErr != nil {
		span.RecordError(jitErr)
		span.SetStatus(codes.Error, "jit config failed")
		return s.runnerCount(), jitErr
	}
	return s.runnerCount(), nil
}

// HandleJobStarted is called when GitHub assigns a job to one of our
// runners.
func (s *Scaler) HandleJobStarted(ctx context.Context, jobInfo *scaleset.JobStarted) error {
	ctx, span := s.tracer.Start(ctx, "scaler.HandleJobStarted")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.name", jobInfo.RunnerName),
		attribute.Int64("job.runner_request_id", jobInfo.RunnerRequestID),
		attribute.String("job.id", jobInfo.JobID),
		attribute.String("job.display_name", jobInfo.JobDisplayName),
	)

	s.logger.Info("workflow job started",
		slog.String("runner", jobInfo.RunnerName),
		slog.Int64("runnerRequestID", jobInfo.RunnerRequestID),
		slog.String("jobID", jobInfo.JobID),
		slog.String("jobDisplayName", jobInfo.JobDisplayName),
		slog.String("repo", jobInfo.RepositoryName),
	)

	s.mu.Lock()
	r, ok := s.idle[jobInfo.RunnerName]
	if ok {
		delete(s.idle, jobInfo.RunnerName)
		s.busy[jobInfo.RunnerName] = r
	}
	s.mu.Unlock()

	if !ok {
		// Duplicate message, or a runner that already ended.
		s.logger.Warn("workflow job started on unknown or busy runner",
			slog.String("runner", jobInfo.RunnerName),
		)
		return nil
	}
	if s.idleDuration != nil {
		s.idleDuration.Record(ctx, time.Since(r.since).Seconds())
	}
	return nil
}

// HandleJobCompleted is called when a workflow job finishes.  The runner
// container exits on its own, which ends its executor job; the scaler only
// forgets it.
func (s *Scaler) HandleJobCompleted(ctx context.Context, jobInfo *scaleset.JobCompleted) error {
	ctx, span := s.tracer.Start(ctx, "scaler.HandleJobCompleted")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.name", jobInfo.RunnerName),
		attribute.Int64("job.runner_request_id", jobInfo.RunnerRequestID),
		attribute.String("job.id", jobInfo.JobID),
		attribute.String("job.result", jobInfo.Result),
	)

	if s.jobsCompleted != nil {
		s.jobsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("result", jobInfo.Result)))
	}

	s.logger.Info("workflow job completed",
		slog.String("runner", jobInfo.RunnerName),
		slog.Int64("runnerRequestID", jobInfo.RunnerRequestID),
		slog.String("jobID", jobInfo.JobID),
		slog.String("result", jobInfo.Result),
		slog.String("repo", jobInfo.RepositoryName),
	)

	if !s.forget(ctx, jobInfo.RunnerName) {
		s.logger.Warn("workflow job completed for unknown runner",
			slog.String("runner", jobInfo.RunnerName),
		)
	}
	return nil
}

// Track consumes executor events and forgets runners whose job ended
// before GitHub reported a completion, e.g. a runner that crashed.  It
// returns when ctx is done or the channel closes.
func (s *Scaler) Track(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case events.JobCompleted, events.JobFailed, events.JobCancelled:
				if s.forget(ctx, ev.JobID) {
					s.logger.Debug("runner job ended",
						slog.String("runner", ev.JobID),
						slog.String("event", string(ev.Type)),
					)
				}
			}
		}
	}
}

// Shutdown cancels every outstanding runner plan.
func (s *Scaler) Shutdown(ctx context.Context) {
	s.mu.Lock()
	plans := make(map[string]struct{})
	for _, m := range []map[string]runner{s.idle, s.busy} {
		for _, r := range m {
			plans[r.planID] = struct{}{}
		}
	}
	clear(s.idle)
	clear(s.busy)
	s.mu.Unlock()

	s.logger.Info("shutting down runners", slog.Int("plans", len(plans)))
	for id := range plans {
		s.executor.CancelExecution(ctx, id)
	}
}

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

// runnerJobs builds up to n runner jobs.  On a JIT failure it returns the
// jobs built so far along with the error.
func (s *Scaler) runnerJobs(ctx context.Context, n int) ([]*job.Request, error) {
	jobs := make([]*job.Request, 0, n)
	for range n {
		name := fmt.Sprintf("runner-%s", uuid.NewString()[:8])
		jit, err := s.jit.GenerateJitRunnerConfig(ctx,
			&scaleset.RunnerScaleSetJitRunnerSetting{Name: name},
			s.scaleSetID,
		)
		if err != nil {
			return jobs, fmt.Errorf("generate JIT config for %s: %w", name, err)
		}
		jobs = append(jobs, s.runnerJob(name, jit.EncodedJITConfig))
	}
	return jobs, nil
}

func (s *Scaler) runnerJob(name, jitConfig string) *job.Request {
	r := s.template.Clone()
	r.JobID = name
	env := make(map[string]string, len(r.Environment)+1)
	for k, v := range r.Environment {
		env[k] = v
	}
	env[JitConfigEnv] = jitConfig
	r.Environment = env
	r.Metadata.JobType = "runner"
	r.Metadata.Tags = append(r.Metadata.Tags, RunnerTag)
	r.Metadata.DependsOn = nil
	return r
}

func (s *Scaler) submit(ctx context.Context, jobs []*job.Request) error {
	planID, err := s.executor.SubmitJobBatch(ctx, jobs, executor.BatchOptions{
		PlanName:        fmt.Sprintf("runners x%d", len(jobs)),
		PlanDescription: fmt.Sprintf("ephemeral runners for scale set %d", s.scaleSetID),
		Strategy:        executor.SpeedOptimized,
	})
	if err != nil {
		return fmt.Errorf("submit %d runner jobs: %w", len(jobs), err)
	}

	now := time.Now()
	s.mu.Lock()
	for _, j := range jobs {
		s.idle[j.JobID] = runner{planID: planID, since: now}
	}
	s.mu.Unlock()

	if s.runnersRequested != nil {
		s.runnersRequested.Add(ctx, int64(len(jobs)))
	}
	s.logger.Info("runner jobs submitted", slog.String("plan", planID), slog.Int("runners", len(jobs)))
	return nil
}

// forget drops a runner from either set.  It reports whether the runner
// was known.
func (s *Scaler) forget(ctx context.Context, name string) bool {
	s.mu.Lock()
	_, idle := s.idle[name]
	_, busy := s.busy[name]
	delete(s.idle, name)
	delete(s.busy, name)
	s.mu.Unlock()

	known := idle || busy
	if known && s.runnersGone != nil {
		s.runnersGone.Add(ctx, 1)
	}
	return known
}

func (s *Scaler) countScale(ctx context.Context, action string) {
	if s.scaleEvents != nil {
		s.scaleEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
	}
}

func (s *Scaler) runnerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.idle) + len(s.busy)
}
