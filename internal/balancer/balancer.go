// Package balancer owns the admission queue between routing and
// scheduling.  A routed job is submitted, waits until its assigned worker
// has a free dispatch slot, and holds that slot until it completes.
package balancer

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/dispatch/internal/job"
	"github.com/terrpan/dispatch/internal/worker"
)

// Strategy selects how a worker is chosen and how the queue is ordered.
type Strategy string

const (
	// RoundRobin cycles through the routed worker and its alternatives.
	RoundRobin Strategy = "round_robin"
	// LeastLoaded picks the candidate with the lowest reported load.
	LeastLoaded Strategy = "least_loaded"
	// Weighted keeps the routed worker and serves higher priority first.
	Weighted Strategy = "weighted"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch st := Strategy(s); st {
	case RoundRobin, LeastLoaded, Weighted:
		return st, nil
	default:
		return "", fmt.Errorf("unknown load balancing strategy %q", s)
	}
}

// Config holds the parameters for New.
type Config struct {
	Registry            worker.Registry
	Strategy            Strategy
	MaxQueuedJobs       int
	StarvationThreshold time.Duration
	PromotionInterval   time.Duration

	// ServiceTime seeds the running average used for wait estimates.
	ServiceTime time.Duration
	Logger      *slog.Logger
}

// Routed is a job the router has placed.
type Routed struct {
	// ID identifies the job across retries, e.g. an execution id.
	ID           string
	Request      *job.Request
	WorkerID     string
	Alternatives []string
}

// Ticket describes a queue entry.
type Ticket struct {
	QueueID        string        `json:"queueId"`
	Position       int           `json:"position"`
	EstimatedWait  time.Duration `json:"estimatedWaitTime"`
	AssignedWorker string        `json:"assignedWorker"`
	Strategy       Strategy      `json:"strategy"`
	SubmittedAt    time.Time     `json:"submittedAt"`
}

// Summary converts the ticket for the execution record.
func (t Ticket) Summary() *job.QueueSummary {
	return &job.QueueSummary{
		QueueID:        t.QueueID,
		Position:       t.Position,
		EstimatedWait:  t.EstimatedWait,
		AssignedWorker: t.AssignedWorker,
		Strategy:       string(t.Strategy),
	}
}

// Stats are queue counters.
type Stats struct {
	Queued     int   `json:"queued"`
	Dispatched int   `json:"dispatched"`
	Promoted   int64 `json:"promoted"`
	Rejected   int64 `json:"rejected"`
}

type entry struct {
	ticket     Ticket
	id         string
	rank       int
	seq        uint64
	agingSince time.Time
	dispatched bool
	startedAt  time.Time
	done       chan struct{}
}

// Balancer is the admission queue.  All state is guarded by one lock.
type Balancer struct {
	registry            worker.Registry
	maxQueued           int
	starvationThreshold time.Duration
	promotionInterval   time.Duration
	logger              *slog.Logger
	now                 func() time.Time

	mu          sync.Mutex
	strategy    Strategy
	queue       []*entry          // undispatched, in dispatch order
	entries     map[string]*entry // queue id -> entry
	active      map[string]int    // worker id -> dispatched entries
	cursor      int
	seq         uint64
	serviceTime time.Duration
	promoted    int64
	rejected    int64

	tracer      trace.Tracer
	rejections  metric.Int64Counter
	promotions  metric.Int64Counter
	waitSeconds metric.Float64Histogram
}

// New creates a Balancer.
func New(cfg Config) *Balancer {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = Weighted
	}
	if cfg.MaxQueuedJobs <= 0 {
		cfg.MaxQueuedJobs = 1000
	}
	if cfg.StarvationThreshold <= 0 {
		cfg.StarvationThreshold = 30 * time.Second
	}
	if cfg.PromotionInterval <= 0 {
		cfg.PromotionInterval = 5 * time.Second
	}
	if cfg.ServiceTime <= 0 {
		cfg.ServiceTime = 5 * time.Minute
	}

	b := &Balancer{
		registry:            cfg.Registry,
		maxQueued:           cfg.MaxQueuedJobs,
		starvationThreshold: cfg.StarvationThreshold,
		promotionInterval:   cfg.PromotionInterval,
		logger:              cfg.Logger.WithGroup("balancer"),
		now:                 time.Now,
		strategy:            cfg.Strategy,
		entries:             make(map[string]*entry),
		active:              make(map[string]int),
		serviceTime:         cfg.ServiceTime,
		tracer:              otel.Tracer("dispatch/balancer"),
	}

	meter := otel.Meter("dispatch/balancer")
	var err error
	b.rejections, err = meter.Int64Counter(
		"dispatch.queue.rejections",
		metric.WithDescription("Submissions rejected because the queue was full"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create rejections counter", slog.String("error", err.Error()))
	}

	b.promotions, err = meter.Int64Counter(
		"dispatch.queue.promotions",
		metric.WithDescription("Anti-starvation priority promotions"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create promotions counter", slog.String("error", err.Error()))
	}

	b.waitSeconds, err = meter.Float64Histogram(
		"dispatch.queue.wait",
		metric.WithDescription("Time spent queued before dispatch (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 1, 5, 15, 60, 300, 900),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create wait histogram", slog.String("error", err.Error()))
	}

	_, err = meter.Int64ObservableGauge(
		"dispatch.queue.depth",
		metric.WithDescription("Jobs waiting for a dispatch slot"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			b.mu.Lock()
			n := len(b.queue)
			b.mu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create queue depth gauge", slog.String("error", err.Error()))
	}

	return b
}

// ---------------------------------------------------------------------------
// Strategy
// ---------------------------------------------------------------------------

// SetStrategy changes the strategy for jobs submitted from now on.  Queued
// entries keep their position.
func (b *Balancer) SetStrategy(s Strategy) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s != b.strategy {
		b.logger.Info("strategy changed", slog.String("from", string(b.strategy)), slog.String("to", string(s)))
	}
	b.strategy = s
}

// Strategy returns the current strategy.
func (b *Balancer) Strategy() Strategy {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.strategy
}

// StarvationThreshold is how long a ranked entry waits before it is
// promoted one priority step.
func (b *Balancer) StarvationThreshold() time.Duration { return b.starvationThreshold }

// pick chooses a worker for r.  Callers hold b.mu.
func (b *Balancer) pick(r Routed) string {
	candidates := append([]string{r.WorkerID}, r.Alternatives...)
	switch b.strategy {
	case RoundRobin:
		for range candidates {
			id := candidates[b.cursor%len(candidates)]
			b.cursor++
			if w, ok := b.registry.Get(id); ok && w.Healthy {
				return id
			}
		}
		return r.WorkerID
	case LeastLoaded:
		best, bestLoad := r.WorkerID, 2.0
		for _, id := range candidates {
			w, ok := b.registry.Get(id)
			if !ok || !w.Healthy {
				continue
			}
			if w.Load < bestLoad {
				best, bestLoad = id, w.Load
			}
		}
		return best
	default:
		return r.WorkerID
	}
}

// ---------------------------------------------------------------------------
// Queue operations
// ---------------------------------------------------------------------------

// Submit enqueues a routed job.  It fails with a retryable QueueFull
// error when MaxQueuedJobs entries are already waiting.  The returned
// ticket has Position 0 if the job was dispatched immediately.
func (b *Balancer) Submit(ctx context.Context, r Routed) (*Ticket, error) {
	_, span := b.tracer.Start(ctx, "balancer.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("dispatch.job_id", r.Request.JobID))

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) >= b.maxQueued {
		b.rejected++
		if b.rejections != nil {
			b.rejections.Add(ctx, 1)
		}
		return nil, job.NewError(job.KindQueueFull,
			fmt.Sprintf("admission queue full (%d waiting)", len(b.queue)), nil)
	}

	now := b.now()
	b.seq++
	e := &entry{
		id:         r.ID,
		seq:        b.seq,
		agingSince: now,
		done:       make(chan struct{}),
		ticket: Ticket{
			QueueID:        uuid.NewString(),
			AssignedWorker: b.pick(r),
			Strategy:       b.strategy,
			SubmittedAt:    now,
		},
	}
	if b.strategy == Weighted {
		e.rank = int(r.Request.EffectivePriority())
	}

	b.entries[e.ticket.QueueID] = e
	b.insert(e)
	b.dispatch(ctx)

	t := b.ticketLocked(e)
	span.SetAttributes(
		attribute.String("dispatch.worker_id", t.AssignedWorker),
		attribute.Int("dispatch.queue_position", t.Position),
	)
	b.logger.Debug("job queued",
		slog.String("job", r.ID),
		slog.String("queue_id", t.QueueID),
		slog.String("worker", t.AssignedWorker),
		slog.Int("position", t.Position),
	)
	return &t, nil
}

// Await blocks until the entry is dispatched, removed, or ctx is done.
// If ctx ends first the entry is removed.
func (b *Balancer) Await(ctx context.Context, queueID string) (Ticket, error) {
	b.mu.Lock()
	e, ok := b.entries[queueID]
	b.mu.Unlock()
	if !ok {
		return Ticket{}, fmt.Errorf("await %s: unknown queue entry", queueID)
	}

	select {
	case <-e.done:
		b.mu.Lock()
		defer b.mu.Unlock()
		if !e.dispatched {
			return Ticket{}, fmt.Errorf("await %s: removed before dispatch", queueID)
		}
		return b.ticketLocked(e), nil
	case <-ctx.Done():
		b.Remove(queueID)
		return Ticket{}, ctx.Err()
	}
}

// Complete frees the dispatch slot held by a finished entry and feeds its
// run time into the wait estimate.  It is a no-op for unknown ids.
func (b *Balancer) Complete(queueID string) {
	b.release(queueID, true)
}

// Remove drops an entry whether queued or dispatched.  It is a no-op for
// unknown ids.
func (b *Balancer) Remove(queueID string) {
	b.release(queueID, false)
}

func (b *Balancer) release(queueID string, observe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[queueID]
	if !ok {
		return
	}
	delete(b.entries, queueID)

	if !e.dispatched {
		b.queue = slices.DeleteFunc(b.queue, func(q *entry) bool { return q == e })
		close(e.done)
		return
	}
	b.active[e.ticket.AssignedWorker]--
	if b.active[e.ticket.AssignedWorker] <= 0 {
		delete(b.active, e.ticket.AssignedWorker)
	}
	if observe {
		// Exponentially weighted, alpha = 0.2.
		ran := b.now().Sub(e.startedAt)
		b.serviceTime = (4*b.serviceTime + ran) / 5
	}
	b.dispatch(context.Background())
}

// insert places e in dispatch order: rank descending, then submission
// order.
func (b *Balancer) insert(e *entry) {
	i, _ := slices.BinarySearchFunc(b.queue, e, compareEntries)
	b.queue = slices.Insert(b.queue, i, e)
}

func compareEntries(a, b *entry) int {
	if c := cmp.Compare(b.rank, a.rank); c != 0 {
		return c
	}
	return cmp.Compare(a.seq, b.seq)
}

// dispatch releases every queued entry whose worker has a free slot, in
// queue order.  Callers hold b.mu.
func (b *Balancer) dispatch(ctx context.Context) {
	now := b.now()
	kept := b.queue[:0]
	for _, e := range b.queue {
		if !b.hasSlot(e.ticket.AssignedWorker) {
			kept = append(kept, e)
			continue
		}
		e.dispatched = true
		e.startedAt = now
		b.active[e.ticket.AssignedWorker]++
		close(e.done)
		if b.waitSeconds != nil {
			b.waitSeconds.Record(ctx, now.Sub(e.ticket.SubmittedAt).Seconds())
		}
	}
	clear(b.queue[len(kept):])
	b.queue = kept
}

// hasSlot reports whether workerID can take another job.  Workers the
// registry no longer knows are let through so the scheduler can reject
// them and the job is re-routed.
func (b *Balancer) hasSlot(workerID string) bool {
	w, ok := b.registry.Get(workerID)
	if !ok || w.MaxJobs <= 0 {
		return true
	}
	return b.active[workerID] < w.MaxJobs
}

// ticketLocked fills in the live position and wait estimate.  Callers
// hold b.mu.
func (b *Balancer) ticketLocked(e *entry) Ticket {
	t := e.ticket
	if e.dispatched {
		return t
	}
	ahead := 0
	for i, q := range b.queue {
		if q == e {
			t.Position = i + 1
			break
		}
		if q.ticket.AssignedWorker == e.ticket.AssignedWorker {
			ahead++
		}
	}
	slots := 1
	if w, ok := b.registry.Get(e.ticket.AssignedWorker); ok && w.MaxJobs > 0 {
		slots = w.MaxJobs
	}
	t.EstimatedWait = time.Duration(ahead+1) * b.serviceTime / time.Duration(slots)
	return t
}

// ---------------------------------------------------------------------------
// Anti-starvation
// ---------------------------------------------------------------------------

// Promote raises, by one priority step, every ranked entry that has waited
// longer than the starvation threshold, and restarts its aging clock.
// Ranks are capped at Critical.  It returns the number of promotions.
func (b *Balancer) Promote(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, e := range b.queue {
		if e.rank == 0 || e.rank >= int(job.PriorityCritical) {
			continue
		}
		if now.Sub(e.agingSince) < b.starvationThreshold {
			continue
		}
		e.rank++
		e.agingSince = now
		n++
		b.logger.Debug("entry promoted",
			slog.String("job", e.id),
			slog.String("priority", job.Priority(e.rank).String()),
		)
	}
	if n > 0 {
		slices.SortStableFunc(b.queue, compareEntries)
		b.promoted += int64(n)
		if b.promotions != nil {
			b.promotions.Add(context.Background(), int64(n))
		}
	}
	return n
}

// Run promotes aged entries every promotion interval until ctx is done.
func (b *Balancer) Run(ctx context.Context) {
	ticker := time.NewTicker(b.promotionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.Promote(b.now())
		}
	}
}

// Stats returns queue counters.
func (b *Balancer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	dispatched := 0
	for _, n := range b.active {
		dispatched += n
	}
	return Stats{
		Queued:     len(b.queue),
		Dispatched: dispatched,
		Promoted:   b.promoted,
		Rejected:   b.rejected,
	}
}
