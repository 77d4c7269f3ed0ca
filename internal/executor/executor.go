// Package executor runs execution plans: batches of jobs that are routed,
// queued, scheduled and handed to an engine, with retries, timeouts,
// dependency-ordered admission and cancellation.
package executor

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/dispatch/internal/balancer"
	"github.com/terrpan/dispatch/internal/dependency"
	"github.com/terrpan/dispatch/internal/engine"
	"github.com/terrpan/dispatch/internal/events"
	"github.com/terrpan/dispatch/internal/history"
	"github.com/terrpan/dispatch/internal/job"
	"github.com/terrpan/dispatch/internal/router"
	"github.com/terrpan/dispatch/internal/scheduler"
	"github.com/terrpan/dispatch/internal/worker"
)

var (
	// ErrPlanNotFound is returned for an unknown plan id.
	ErrPlanNotFound = errors.New("execution plan not found")
	// ErrNotRunning is returned when submitting to a stopped executor.
	ErrNotRunning = errors.New("executor is not running")
	// ErrEmptyBatch is returned for a batch without jobs.
	ErrEmptyBatch = job.NewError(job.KindValidation, "batch contains no jobs", nil)
)

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// Router places a job on a worker and tracks the placement.
type Router interface {
	Route(ctx context.Context, req *job.Request) (*router.Result, error)
	Assign(id string, req *job.Request, workerID string)
	Release(id string)
}

// Balancer is the admission queue in front of the workers.
type Balancer interface {
	Submit(ctx context.Context, r balancer.Routed) (*balancer.Ticket, error)
	Await(ctx context.Context, queueID string) (balancer.Ticket, error)
	Complete(queueID string)
	Remove(queueID string)

	// Strategy and StarvationThreshold also govern the executor's own
	// admission queue.
	Strategy() balancer.Strategy
	StarvationThreshold() time.Duration
}

// Scheduler reserves worker capacity.
type Scheduler interface {
	Schedule(ctx context.Context, id string, req *job.Request, workerID string) (*scheduler.Result, error)
	Release(id string) bool
}

// DependencyManager builds and forgets dependency graphs.
type DependencyManager interface {
	CreateDependencyGraph(ctx context.Context, id string, jobs []*job.Request, edges []dependency.Edge) (*dependency.Graph, error)
	Delete(id string)
}

var (
	_ Router            = (*router.Router)(nil)
	_ Balancer          = (*balancer.Balancer)(nil)
	_ Scheduler         = (*scheduler.Scheduler)(nil)
	_ DependencyManager = (*dependency.Manager)(nil)
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// Options tune the executor.  Zero values take the defaults noted.
type Options struct {
	MaxConcurrentJobs int           `yaml:"max_concurrent_jobs"` // 10
	MaxRetries        int           `yaml:"max_retries"`         // used as given; negative means 0
	RetryDelay        time.Duration `yaml:"retry_delay"`         // 1s
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`  // 2; values below 1 are raised to 1
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay"`     // 5m
	DefaultTimeout    time.Duration `yaml:"default_timeout"`     // 1h
	// DefaultJobDuration feeds plan estimates for jobs without one.
	DefaultJobDuration time.Duration `yaml:"default_job_duration"` // 5m
	// HistoryLimit bounds the in-memory history used when no store is
	// configured.
	HistoryLimit    int           `yaml:"history_limit"`    // 100
	MetricsInterval time.Duration `yaml:"metrics_interval"` // 15s
}

func (o *Options) applyDefaults() {
	if o.MaxConcurrentJobs <= 0 {
		o.MaxConcurrentJobs = 10
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	switch {
	case o.BackoffMultiplier == 0:
		o.BackoffMultiplier = 2
	case o.BackoffMultiplier < 1:
		o.BackoffMultiplier = 1
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = 5 * time.Minute
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = time.Hour
	}
	if o.DefaultJobDuration <= 0 {
		o.DefaultJobDuration = 5 * time.Minute
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = 100
	}
	if o.MetricsInterval <= 0 {
		o.MetricsInterval = 15 * time.Second
	}
}

// Config holds the parameters for New.
type Config struct {
	Router       Router
	Balancer     Balancer
	Scheduler    Scheduler
	Dependencies DependencyManager
	Engine       engine.Engine

	// Registry, if set, refreshes the execution context when the balancer
	// moves a job to a worker other than the routed one.
	Registry worker.Registry
	Bus      *events.Bus
	History  history.Store
	Options  Options
	Logger   *slog.Logger
}

// ---------------------------------------------------------------------------
// Executor
// ---------------------------------------------------------------------------

// Executor owns execution plans and drives every job of every plan
// through router, balancer, scheduler and engine.
type Executor struct {
	opts      Options
	router    Router
	balancer  Balancer
	scheduler Scheduler
	deps      DependencyManager
	engine    engine.Engine
	registry  worker.Registry
	bus       *events.Bus
	history   history.Store
	logger    *slog.Logger
	tracer    trace.Tracer
	now       func() time.Time

	running atomic.Bool
	baseCtx context.Context
	stopBg  context.CancelFunc
	bgDone  chan struct{}

	plans cmap.ConcurrentMap[string, *plan]

	// Lock order: admitMu before plan.mu.
	admitMu sync.Mutex
	pending []*run // waiting for a slot, in admission order
	active  int    // runs holding a slot
	seq     uint64

	wg sync.WaitGroup // attempts and pending retry timers

	counters counters
	inst     instruments
}

// New creates an Executor.  It does not accept work until Start.
func New(cfg Config) *Executor {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	cfg.Options.applyDefaults()
	if cfg.History == nil {
		cfg.History = history.NewMemoryStore(cfg.Options.HistoryLimit)
	}

	e := &Executor{
		opts:      cfg.Options,
		router:    cfg.Router,
		balancer:  cfg.Balancer,
		scheduler: cfg.Scheduler,
		deps:      cfg.Dependencies,
		engine:    cfg.Engine,
		registry:  cfg.Registry,
		bus:       cfg.Bus,
		history:   cfg.History,
		logger:    cfg.Logger.WithGroup("executor"),
		tracer:    otel.Tracer("dispatch/executor"),
		now:       time.Now,
		baseCtx:   context.Background(),
		plans:     cmap.New[*plan](),
	}
	e.initInstruments()
	return e
}

// Start makes the executor accept work and begins publishing periodic
// metrics events.
func (e *Executor) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	bg, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.baseCtx = bg
	e.stopBg = cancel
	e.bgDone = make(chan struct{})
	go e.metricsLoop(bg, e.bgDone)

	e.publish(events.Event{Type: events.Started})
	e.logger.Info("executor started",
		slog.Int("maxConcurrentJobs", e.opts.MaxConcurrentJobs),
		slog.Int("maxRetries", e.opts.MaxRetries),
	)
	return nil
}

// Stop cancels every active plan and waits for in-flight pipelines to
// unwind, or for ctx to expire.
func (e *Executor) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	e.logger.Info("stopping executor", slog.Int("activePlans", e.plans.Count()))

	for _, p := range e.plans.Items() {
		e.cancelPlan(ctx, p, "executor stopped")
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("wait for pipelines: %w", ctx.Err())
	}

	e.stopBg()
	<-e.bgDone

	e.publish(events.Event{Type: events.Stopped})
	e.logger.Info("executor stopped")
	return nil
}

// Running reports whether the executor accepts work.
func (e *Executor) Running() bool { return e.running.Load() }

func (e *Executor) metricsLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(e.opts.MetricsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.publish(events.Event{Type: events.MetricsUpdated, Data: e.GetMetrics()})
		}
	}
}

func (e *Executor) publish(ev events.Event) {
	if e.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.bus.Publish(ev)
}

// ---------------------------------------------------------------------------
// Submission
// ---------------------------------------------------------------------------

// SubmitSingleJob runs req as a plan of its own and returns the plan id.
func (e *Executor) SubmitSingleJob(ctx context.Context, req *job.Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	return e.SubmitJobBatch(ctx, []*job.Request{req}, BatchOptions{
		PlanName: "job " + req.JobID,
		Strategy: SpeedOptimized,
	})
}

// SubmitJobBatch creates an execution plan for jobs and starts admitting
// them.  Invalid batches, including cyclic dependencies, are rejected
// before any job is admitted.
func (e *Executor) SubmitJobBatch(ctx context.Context, jobs []*job.Request, opts BatchOptions) (string, error) {
	ctx, span := e.tracer.Start(ctx, "executor.SubmitJobBatch",
		trace.WithAttributes(attribute.Int("jobs", len(jobs))),
	)
	defer span.End()

	planID, err := e.submit(ctx, jobs, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch rejected")
		e.logger.Warn("batch rejected", slog.Int("jobs", len(jobs)), slog.String("error", err.Error()))
		return "", err
	}
	span.SetAttributes(attribute.String("plan", planID))
	return planID, nil
}

func (e *Executor) submit(ctx context.Context, jobs []*job.Request, opts BatchOptions) (string, error) {
	if !e.running.Load() {
		return "", ErrNotRunning
	}
	if len(jobs) == 0 {
		return "", ErrEmptyBatch
	}
	if err := opts.normalize(); err != nil {
		return "", err
	}

	reqs := make([]*job.Request, 0, len(jobs))
	index := make(map[string]int, len(jobs))
	for _, j := range jobs {
		if err := j.Validate(); err != nil {
			return "", err
		}
		if _, dup := index[j.JobID]; dup {
			return "", job.NewError(job.KindValidation, fmt.Sprintf("duplicate job id %s", j.JobID), nil)
		}
		index[j.JobID] = len(reqs)
		reqs = append(reqs, j.Clone())
	}

	planID := ulid.Make().String()

	var (
		graph  *dependency.Graph
		levels [][]int
	)
	if opts.EnableDependencies {
		g, err := e.deps.CreateDependencyGraph(ctx, planID, reqs, dependency.EdgesFromMetadata(reqs))
		if err != nil {
			return "", err
		}
		graph = g
		levels = levelIndexes(reqs, g.Levels())
	}

	now := e.now()
	pctx, cancel := context.WithCancel(e.baseCtx)
	p := &plan{
		id:          planID,
		name:        cmp.Or(opts.PlanName, "plan "+planID),
		description: opts.PlanDescription,
		strategy:    opts.Strategy,
		failure:     opts.FailureHandling,
		resources:   aggregate(reqs, levels, e.opts.MaxConcurrentJobs, e.opts.DefaultJobDuration),
		createdAt:   now,
		ctx:         pctx,
		cancel:      cancel,
		status:      PlanCreated,
		graph:       graph,
		byJob:       make(map[string]*run, len(reqs)),
	}
	for _, req := range reqs {
		r := &run{plan: p, exec: job.NewExecution(planID, req, now)}
		p.runs = append(p.runs, r)
		p.byJob[req.JobID] = r
	}
	p.status = PlanExecuting
	e.plans.Set(planID, p)

	e.counters.mu.Lock()
	e.counters.total += int64(len(reqs))
	e.counters.mu.Unlock()

	e.publish(events.Event{Type: events.BatchSubmitted, PlanID: planID, Data: p.snapshot()})
	e.logger.Info("execution plan created",
		slog.String("plan", planID),
		slog.String("name", p.name),
		slog.String("strategy", string(p.strategy)),
		slog.Int("jobs", len(reqs)),
		slog.Duration("estimatedDuration", p.resources.EstimatedDuration),
	)

	initial := p.runs
	if graph != nil {
		initial = nil
		for _, id := range graph.Ready() {
			initial = append(initial, p.byJob[id])
		}
	}
	e.enqueue(initial...)
	return planID, nil
}

// ---------------------------------------------------------------------------
// Plan control
// ---------------------------------------------------------------------------

// CancelExecution cancels every non-terminal job of the plan.  It reports
// false if the plan is unknown or already finished.
func (e *Executor) CancelExecution(ctx context.Context, planID string) bool {
	p, ok := e.plans.Get(planID)
	if !ok {
		return false
	}
	return e.cancelPlan(ctx, p, "execution plan cancelled")
}

// PauseExecution stops admitting the plan's queued jobs.  Jobs already
// admitted run on.
func (e *Executor) PauseExecution(planID string) bool {
	p, ok := e.plans.Get(planID)
	if !ok {
		return false
	}
	p.mu.Lock()
	if p.status != PlanExecuting {
		p.mu.Unlock()
		return false
	}
	p.status = PlanPaused
	p.paused.Store(true)
	p.mu.Unlock()

	e.logger.Info("execution plan paused", slog.String("plan", planID))
	return true
}

// ResumeExecution resumes admission for a paused plan.
func (e *Executor) ResumeExecution(planID string) bool {
	p, ok := e.plans.Get(planID)
	if !ok {
		return false
	}
	p.mu.Lock()
	if p.status != PlanPaused {
		p.mu.Unlock()
		return false
	}
	p.status = PlanExecuting
	p.paused.Store(false)
	p.mu.Unlock()

	e.logger.Info("execution plan resumed", slog.String("plan", planID))
	e.pump()
	return true
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// GetExecutionPlan returns an active plan, or an archived one from
// history.
func (e *Executor) GetExecutionPlan(ctx context.Context, planID string) (*PlanSnapshot, error) {
	if p, ok := e.plans.Get(planID); ok {
		return p.snapshot(), nil
	}
	rec, err := e.history.Get(ctx, planID)
	if errors.Is(err, history.ErrNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load plan %s from history: %w", planID, err)
	}
	var s PlanSnapshot
	if err := json.Unmarshal(rec.Plan, &s); err != nil {
		return nil, fmt.Errorf("decode archived plan %s: %w", planID, err)
	}
	return &s, nil
}

// GetExecutionPlans returns the active plans, oldest first.
func (e *Executor) GetExecutionPlans() []*PlanSnapshot {
	out := make([]*PlanSnapshot, 0, e.plans.Count())
	for _, p := range e.plans.Items() {
		out = append(out, p.snapshot())
	}
	slices.SortFunc(out, func(a, b *PlanSnapshot) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// GetExecutionHistory returns up to limit archived plans, newest first.
func (e *Executor) GetExecutionHistory(ctx context.Context, limit int) ([]history.Record, error) {
	recs, err := e.history.List(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	return recs, nil
}
