package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics are the executor's counters.
type Metrics struct {
	TotalExecutions     int64         `json:"totalExecutions"`
	CompletedExecutions int64         `json:"completedExecutions"`
	FailedExecutions    int64         `json:"failedExecutions"`
	CancelledExecutions int64         `json:"cancelledExecutions"`
	ActiveExecutions    int           `json:"activeExecutions"`
	QueuedExecutions    int           `json:"queuedExecutions"`
	RetriedExecutions   int64         `json:"retriedExecutions"`
	ActivePlans         int           `json:"activePlans"`
	SuccessRate         float64       `json:"successRate"`
	AverageDuration     time.Duration `json:"averageDuration"`
}

// counters hold the cumulative part of Metrics.
type counters struct {
	mu            sync.Mutex
	total         int64
	completed     int64
	failed        int64
	cancelled     int64
	retried       int64
	totalDuration time.Duration
}

// instruments are the OpenTelemetry side of the counters.  Any of them
// may be nil if creation failed.
type instruments struct {
	started   metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	cancelled metric.Int64Counter
	duration  metric.Float64Histogram
}

func (e *Executor) initInstruments() {
	meter := otel.Meter("dispatch/executor")

	var err error
	for _, c := range []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&e.inst.started, "dispatch.jobs.started", "Jobs handed to the engine"},
		{&e.inst.completed, "dispatch.jobs.completed", "Jobs that completed successfully"},
		{&e.inst.failed, "dispatch.jobs.failed", "Jobs that failed permanently"},
		{&e.inst.retried, "dispatch.jobs.retried", "Job retries scheduled"},
		{&e.inst.cancelled, "dispatch.jobs.cancelled", "Jobs cancelled"},
	} {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			e.logger.Warn("failed to create counter", slog.String("name", c.name), slog.String("error", err.Error()))
		}
	}

	e.inst.duration, err = meter.Float64Histogram(
		"dispatch.job.duration",
		metric.WithDescription("Job run time from start to terminal state (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 5, 15, 30, 60, 300, 900, 1800, 3600),
	)
	if err != nil {
		e.logger.Warn("failed to create job duration histogram", slog.String("error", err.Error()))
	}

	_, err = meter.Int64ObservableGauge(
		"dispatch.jobs.active",
		metric.WithDescription("Jobs currently holding an admission slot"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			e.admitMu.Lock()
			n := e.active
			e.admitMu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
	if err != nil {
		e.logger.Warn("failed to create active gauge", slog.String("error", err.Error()))
	}

	_, err = meter.Int64ObservableGauge(
		"dispatch.jobs.queued",
		metric.WithDescription("Jobs waiting for an admission slot"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			e.admitMu.Lock()
			n := len(e.pending)
			e.admitMu.Unlock()
			o.Observe(int64(n))
			return nil
		}),
	)
	if err != nil {
		e.logger.Warn("failed to create queued gauge", slog.String("error", err.Error()))
	}

	_, err = meter.Int64ObservableGauge(
		"dispatch.plans.active",
		metric.WithDescription("Execution plans not yet finished"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(e.plans.Count()))
			return nil
		}),
	)
	if err != nil {
		e.logger.Warn("failed to create plans gauge", slog.String("error", err.Error()))
	}
}

func add(ctx context.Context, c metric.Int64Counter, planID string) {
	if c != nil {
		c.Add(ctx, 1, metric.WithAttributes(attribute.String("plan", planID)))
	}
}

// GetMetrics returns a point-in-time copy of the counters.
func (e *Executor) GetMetrics() Metrics {
	e.admitMu.Lock()
	active, queued := e.active, len(e.pending)
	e.admitMu.Unlock()

	e.counters.mu.Lock()
	defer e.counters.mu.Unlock()
	m := Metrics{
		TotalExecutions:     e.counters.total,
		CompletedExecutions: e.counters.completed,
		FailedExecutions:    e.counters.failed,
		CancelledExecutions: e.counters.cancelled,
		RetriedExecutions:   e.counters.retried,
		ActiveExecutions:    active,
		QueuedExecutions:    queued,
		ActivePlans:         e.plans.Count(),
	}
	if finished := m.CompletedExecutions + m.FailedExecutions + m.CancelledExecutions; finished > 0 {
		m.SuccessRate = float64(m.CompletedExecutions) / float64(finished)
	}
	if m.CompletedExecutions > 0 {
		m.AverageDuration = e.counters.totalDuration / time.Duration(m.CompletedExecutions)
	}
	return m
}
