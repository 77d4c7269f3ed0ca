package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/terrpan/dispatch/internal/dependency"
	"github.com/terrpan/dispatch/internal/engine"
	"github.com/terrpan/dispatch/internal/job"
)

// Strategy is how a plan admits its jobs.
type Strategy string

const (
	// SpeedOptimized admits jobs as fast as the concurrency ceiling allows.
	SpeedOptimized Strategy = "speed_optimized"
	// DependencyOrdered admits a job only once its predecessors completed.
	DependencyOrdered Strategy = "dependency_ordered"
)

// PlanStatus is the plan lifecycle:
//
//	created → executing ⇄ paused
//	executing | paused → completed | cancelled
type PlanStatus string

const (
	PlanCreated   PlanStatus = "created"
	PlanExecuting PlanStatus = "executing"
	PlanPaused    PlanStatus = "paused"
	PlanCompleted PlanStatus = "completed"
	PlanCancelled PlanStatus = "cancelled"
)

// Terminal reports whether the plan is finished.
func (s PlanStatus) Terminal() bool { return s == PlanCompleted || s == PlanCancelled }

// PlanResult is the worst terminal state among a finished plan's jobs.
type PlanResult string

const (
	ResultSucceeded PlanResult = "succeeded"
	ResultFailed    PlanResult = "failed"
	ResultCancelled PlanResult = "cancelled"
)

// FailureHandling selects what a permanent job failure does to the rest of
// the plan.  With both off, only the failed job's descendants are
// abandoned.
type FailureHandling struct {
	FailFast bool `json:"failFastEnabled" yaml:"fail_fast"`
	Rollback bool `json:"rollbackEnabled" yaml:"rollback"`
}

// abortsPlan reports whether a permanent failure cancels the whole plan.
func (f FailureHandling) abortsPlan() bool { return f.FailFast || f.Rollback }

// BatchOptions configure SubmitJobBatch.
type BatchOptions struct {
	PlanName           string          `json:"planName" yaml:"name"`
	PlanDescription    string          `json:"planDescription" yaml:"description"`
	Strategy           Strategy        `json:"executionStrategy" yaml:"strategy"`
	EnableDependencies bool            `json:"enableDependencies" yaml:"enable_dependencies"`
	FailureHandling    FailureHandling `json:"failureHandling" yaml:"failure_handling"`
}

// normalize fills in the strategy and reconciles it with
// EnableDependencies.
func (o *BatchOptions) normalize() error {
	switch o.Strategy {
	case "":
		o.Strategy = SpeedOptimized
		if o.EnableDependencies {
			o.Strategy = DependencyOrdered
		}
	case SpeedOptimized:
	case DependencyOrdered:
		o.EnableDependencies = true
	default:
		return job.NewError(job.KindValidation, fmt.Sprintf("unknown execution strategy %q", o.Strategy), nil)
	}
	return nil
}

// ResourceSummary aggregates the requirements of a plan's jobs.
type ResourceSummary struct {
	CPU               float64       `json:"cpu"`
	Memory            float64       `json:"memory"`
	PeakConcurrency   int           `json:"peakConcurrency"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
}

// PlanSnapshot is a read-only copy of a plan.
type PlanSnapshot struct {
	ID                string               `json:"id"`
	Name              string               `json:"name"`
	Description       string               `json:"description,omitempty"`
	Strategy          Strategy             `json:"executionStrategy"`
	Status            PlanStatus           `json:"status"`
	Result            PlanResult           `json:"result,omitempty"`
	FailureHandling   FailureHandling      `json:"failureHandling"`
	Jobs              []*job.Execution     `json:"jobs"`
	Resources         ResourceSummary      `json:"resourceRequirements"`
	DependencyGraphID string               `json:"dependencyGraphId,omitempty"`
	Graph             *dependency.Snapshot `json:"dependencyGraph,omitempty"`
	CreatedAt         time.Time            `json:"createdAt"`
	CompletedAt       *time.Time           `json:"completedAt,omitempty"`
}

// Job returns the execution for jobID, or nil.
func (s *PlanSnapshot) Job(jobID string) *job.Execution {
	for _, j := range s.Jobs {
		if j.Request.JobID == jobID {
			return j
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Internal plan state
// ---------------------------------------------------------------------------

// plan is an execution plan in flight.  Everything below mu is guarded by
// it; the flags are atomics so the admission loop can read them without
// taking the plan lock.
type plan struct {
	id          string
	name        string
	description string
	strategy    Strategy
	failure     FailureHandling
	resources   ResourceSummary
	createdAt   time.Time

	ctx    context.Context
	cancel context.CancelFunc

	paused    atomic.Bool
	cancelled atomic.Bool

	mu          sync.Mutex
	status      PlanStatus
	result      PlanResult
	runs        []*run          // submission order
	byJob       map[string]*run // job id -> run
	graph       *dependency.Graph
	completedAt *time.Time
	archived    bool
}

// run is one job of a plan together with whatever it currently holds in
// the router, balancer, scheduler and engine.  Fields are guarded by the
// owning plan's mu, except the admission flags, which are guarded by the
// executor's admitMu.
type run struct {
	plan *plan
	exec *job.Execution

	queueID  string
	assigned bool
	reserved bool
	handle   *engine.Handle
	timer    *time.Timer

	// admission, guarded by Executor.admitMu
	admitted   bool
	waiting    bool
	rank       int
	seq        uint64
	agingSince time.Time
	deadline   time.Time
}

// snapshotLocked copies the plan.  Callers hold p.mu.
func (p *plan) snapshotLocked() *PlanSnapshot {
	s := &PlanSnapshot{
		ID:              p.id,
		Name:            p.name,
		Description:     p.description,
		Strategy:        p.strategy,
		Status:          p.status,
		Result:          p.result,
		FailureHandling: p.failure,
		Resources:       p.resources,
		CreatedAt:       p.createdAt,
		Jobs:            make([]*job.Execution, 0, len(p.runs)),
	}
	for _, r := range p.runs {
		s.Jobs = append(s.Jobs, r.exec.Clone())
	}
	if p.completedAt != nil {
		t := *p.completedAt
		s.CompletedAt = &t
	}
	if p.graph != nil {
		g := p.graph.Snapshot()
		s.DependencyGraphID = g.ID
		s.Graph = &g
	}
	return s
}

func (p *plan) snapshot() *PlanSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

// allTerminalLocked reports whether every job has finished.
func (p *plan) allTerminalLocked() bool {
	for _, r := range p.runs {
		if !r.exec.Status.Terminal() {
			return false
		}
	}
	return true
}

// worstLocked computes the aggregate result.
func (p *plan) worstLocked() PlanResult {
	res := ResultSucceeded
	for _, r := range p.runs {
		switch r.exec.Status {
		case job.StatusFailed:
			return ResultFailed
		case job.StatusCancelled:
			res = ResultCancelled
		}
	}
	return res
}
