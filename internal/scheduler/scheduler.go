// Package scheduler is the single source of truth for reserved worker
// capacity.  Each worker has its own ledger and lock, so reservations on
// different workers never contend.  Quantities are kept as decimals to
// avoid float drift over long reserve/release sequences.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/dispatch/internal/job"
	"github.com/terrpan/dispatch/internal/worker"
)

// dimensions, in the order quantities are stored.
const (
	dimCPU = iota
	dimMemory
	dimDisk
	dimNetwork
	numDims
)

var dimNames = [numDims]string{"cpu", "memory", "disk", "network"}

type quantities [numDims]decimal.Decimal

func fromResources(r worker.Resources) quantities {
	return quantities{
		decimal.NewFromFloat(r.CPU),
		decimal.NewFromFloat(r.Memory),
		decimal.NewFromFloat(r.Disk),
		decimal.NewFromFloat(r.Network),
	}
}

func (q quantities) resources() worker.Resources {
	return worker.Resources{
		CPU:     q[dimCPU].InexactFloat64(),
		Memory:  q[dimMemory].InexactFloat64(),
		Disk:    q[dimDisk].InexactFloat64(),
		Network: q[dimNetwork].InexactFloat64(),
	}
}

func (q quantities) allocation() job.Allocation {
	r := q.resources()
	return job.Allocation{CPU: r.CPU, Memory: r.Memory, Disk: r.Disk, Network: r.Network}
}

// ledger tracks reservations on one worker.
type ledger struct {
	mu       sync.Mutex
	reserved quantities
	jobs     map[string]quantities
}

// Config holds the parameters for New.
type Config struct {
	Registry worker.Registry

	// DefaultJobDuration is used for completion estimates when a request
	// carries no estimated duration.
	DefaultJobDuration time.Duration
	Logger             *slog.Logger
}

// Result is the outcome of a successful Schedule.
type Result struct {
	WorkerID                string         `json:"workerId"`
	ScheduledAt             time.Time      `json:"scheduledAt"`
	AssignedResources       job.Allocation `json:"assignedResources"`
	EstimatedStartTime      time.Time      `json:"estimatedStartTime"`
	EstimatedCompletionTime time.Time      `json:"estimatedCompletionTime"`
}

// Summary converts the result for the execution record.
func (r *Result) Summary() *job.ScheduleSummary {
	return &job.ScheduleSummary{
		WorkerID:                r.WorkerID,
		ScheduledAt:             r.ScheduledAt,
		AssignedResources:       r.AssignedResources,
		EstimatedStartTime:      r.EstimatedStartTime,
		EstimatedCompletionTime: r.EstimatedCompletionTime,
	}
}

// Scheduler reserves and releases worker capacity.
type Scheduler struct {
	registry        worker.Registry
	defaultDuration time.Duration
	logger          *slog.Logger
	now             func() time.Time

	mu      sync.RWMutex
	ledgers map[string]*ledger // worker id -> ledger

	ownersMu sync.Mutex
	owners   map[string]string // reservation id -> worker id

	tracer       trace.Tracer
	reservations metric.Int64Counter
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.DefaultJobDuration <= 0 {
		cfg.DefaultJobDuration = 5 * time.Minute
	}

	s := &Scheduler{
		registry:        cfg.Registry,
		defaultDuration: cfg.DefaultJobDuration,
		logger:          cfg.Logger.WithGroup("scheduler"),
		now:             time.Now,
		ledgers:         make(map[string]*ledger),
		owners:          make(map[string]string),
		tracer:          otel.Tracer("dispatch/scheduler"),
	}

	var err error
	s.reservations, err = otel.Meter("dispatch/scheduler").Int64Counter(
		"dispatch.scheduler.reservations",
		metric.WithDescription("Reservation attempts by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create reservations counter", slog.String("error", err.Error()))
	}
	return s
}

func (s *Scheduler) ledger(workerID string) *ledger {
	s.mu.RLock()
	l, ok := s.ledgers[workerID]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.ledgers[workerID]; !ok {
		l = &ledger{jobs: make(map[string]quantities)}
		s.ledgers[workerID] = l
	}
	return l
}

// ---------------------------------------------------------------------------
// Reservation
// ---------------------------------------------------------------------------

// Schedule reserves resources for req on workerID under the reservation
// id.  Each dimension gets the preferred amount when available, otherwise
// whatever is free down to the minimum.  If any dimension cannot satisfy
// its minimum nothing is reserved and a retryable InsufficientResources
// error is returned.
func (s *Scheduler) Schedule(ctx context.Context, id string, req *job.Request, workerID string) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "scheduler.Schedule")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatch.reservation_id", id),
		attribute.String("dispatch.worker_id", workerID),
	)

	res, err := s.schedule(id, req, workerID)
	outcome := "reserved"
	if err != nil {
		outcome = "rejected"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.logger.Debug("reservation rejected",
			slog.String("id", id),
			slog.String("worker", workerID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Debug("resources reserved",
			slog.String("id", id),
			slog.String("worker", workerID),
			slog.Float64("cpu", res.AssignedResources.CPU),
			slog.Float64("memory", res.AssignedResources.Memory),
		)
	}
	if s.reservations != nil {
		s.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	return res, err
}

func (s *Scheduler) schedule(id string, req *job.Request, workerID string) (*Result, error) {
	w, ok := s.registry.Get(workerID)
	if !ok || !w.Healthy {
		return nil, job.NewError(job.KindInsufficientResources,
			fmt.Sprintf("worker %s is not available", workerID), nil)
	}

	// Claim id before touching the ledger so a concurrent Schedule with
	// the same id on another worker is refused.
	s.ownersMu.Lock()
	if _, held := s.owners[id]; held {
		s.ownersMu.Unlock()
		return nil, job.Permanent(fmt.Sprintf("%s already holds a reservation", id), nil)
	}
	s.owners[id] = workerID
	s.ownersMu.Unlock()

	grant, err := s.reserve(id, req, workerID, fromResources(w.Capacity))
	if err != nil {
		s.ownersMu.Lock()
		if s.owners[id] == workerID {
			delete(s.owners, id)
		}
		s.ownersMu.Unlock()
		return nil, err
	}

	// A Release racing the reservation found nothing in the ledger; undo
	// the grant it could not see.
	s.ownersMu.Lock()
	claimed := s.owners[id] == workerID
	s.ownersMu.Unlock()
	if !claimed {
		s.unreserve(id, workerID)
		return nil, job.Permanent(fmt.Sprintf("%s was released while being scheduled", id), nil)
	}

	now := s.now()
	est := req.Metadata.EstimatedDuration
	if est <= 0 {
		est = s.defaultDuration
	}
	return &Result{
		WorkerID:                workerID,
		ScheduledAt:             now,
		AssignedResources:       grant.allocation(),
		EstimatedStartTime:      now,
		EstimatedCompletionTime: now.Add(est),
	}, nil
}

// reserve grants what req asks for on workerID's ledger, clipped to what
// is free but never below a range's minimum.
func (s *Scheduler) reserve(id string, req *job.Request, workerID string, capacity quantities) (quantities, error) {
	ranges := [numDims]job.Range{req.Resources.CPU, req.Resources.Memory, req.Resources.Disk, req.Resources.Network}

	l := s.ledger(workerID)
	l.mu.Lock()
	var grant quantities
	for d := range numDims {
		want := decimal.NewFromFloat(ranges[d].Want())
		floor := decimal.NewFromFloat(ranges[d].Min)
		free := capacity[d].Sub(l.reserved[d])
		switch {
		case want.IsZero():
			grant[d] = decimal.Zero
		case free.GreaterThanOrEqual(want):
			grant[d] = want
		case floor.IsZero() || free.GreaterThanOrEqual(floor):
			grant[d] = decimal.Max(free, decimal.Zero)
		default:
			l.mu.Unlock()
			return quantities{}, job.NewError(job.KindInsufficientResources,
				fmt.Sprintf("worker %s: %s needs at least %s, %s free",
					workerID, dimNames[d], floor.String(), decimal.Max(free, decimal.Zero).String()), nil)
		}
	}
	for d := range numDims {
		l.reserved[d] = l.reserved[d].Add(grant[d])
	}
	l.jobs[id] = grant
	l.mu.Unlock()
	return grant, nil
}

// unreserve removes id's grant from workerID's ledger.  It reports
// whether there was one.
func (s *Scheduler) unreserve(id, workerID string) bool {
	l := s.ledger(workerID)
	l.mu.Lock()
	defer l.mu.Unlock()
	grant, ok := l.jobs[id]
	if !ok {
		return false
	}
	for d := range numDims {
		l.reserved[d] = l.reserved[d].Sub(grant[d])
	}
	delete(l.jobs, id)
	return true
}

// Release returns the reservation held under id.  Only the first call
// for a reservation has an effect; later calls report false.
func (s *Scheduler) Release(id string) bool {
	s.ownersMu.Lock()
	workerID, ok := s.owners[id]
	delete(s.owners, id)
	s.ownersMu.Unlock()
	if !ok {
		return false
	}

	ok = s.unreserve(id, workerID)
	if ok {
		s.logger.Debug("resources released", slog.String("id", id), slog.String("worker", workerID))
	}
	return ok
}

// Reservation returns the allocation held under id.
func (s *Scheduler) Reservation(id string) (job.Allocation, bool) {
	s.ownersMu.Lock()
	workerID, ok := s.owners[id]
	s.ownersMu.Unlock()
	if !ok {
		return job.Allocation{}, false
	}
	l := s.ledger(workerID)
	l.mu.Lock()
	defer l.mu.Unlock()
	grant, ok := l.jobs[id]
	return grant.allocation(), ok
}

// Usage reports a worker's declared capacity and what is reserved on it.
func (s *Scheduler) Usage(workerID string) (capacity, reserved worker.Resources) {
	if w, ok := s.registry.Get(workerID); ok {
		capacity = w.Capacity
	}
	l := s.ledger(workerID)
	l.mu.Lock()
	reserved = l.reserved.resources()
	l.mu.Unlock()
	return capacity, reserved
}

// Held returns the number of live reservations.
func (s *Scheduler) Held() int {
	s.ownersMu.Lock()
	defer s.ownersMu.Unlock()
	return len(s.owners)
}
