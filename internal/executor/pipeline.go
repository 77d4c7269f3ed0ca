package executor

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/dispatch/internal/balancer"
	"github.com/terrpan/dispatch/internal/engine"
	"github.com/terrpan/dispatch/internal/events"
	"github.com/terrpan/dispatch/internal/history"
	"github.com/terrpan/dispatch/internal/job"
)

// cleanupTimeout bounds engine calls made after a job has ended.
const cleanupTimeout = 30 * time.Second

// ---------------------------------------------------------------------------
// Admission
// ---------------------------------------------------------------------------

// enqueue appends runs to the admission queue and admits what fits.
func (e *Executor) enqueue(runs ...*run) {
	now := e.now()
	weighted := e.balancer.Strategy() == balancer.Weighted
	e.admitMu.Lock()
	for _, r := range runs {
		if r == nil || r.waiting || r.admitted {
			continue
		}
		e.seq++
		r.seq = e.seq
		r.rank = 0
		if weighted {
			r.rank = int(r.exec.Request.EffectivePriority())
		}
		r.agingSince = now
		r.waiting = true
		e.pending = append(e.pending, r)
	}
	e.admitMu.Unlock()
	e.pump()
}

// pump admits queued runs while slots are free, highest rank first.
// Runs queued under the weighted strategy are ranked by priority and age;
// the rest keep rank zero and arrival order.  Runs of paused plans keep
// their place; finished or cancelled runs are dropped.
func (e *Executor) pump() {
	e.admitMu.Lock()
	defer e.admitMu.Unlock()

	now := e.now()
	e.rankPendingLocked(now)

	kept := e.pending[:0]
	for _, r := range e.pending {
		switch {
		case r.plan.cancelled.Load() || r.terminal():
			r.waiting = false
		case r.plan.paused.Load() || e.active >= e.opts.MaxConcurrentJobs:
			kept = append(kept, r)
		default:
			r.waiting = false
			r.admitted = true
			r.deadline = now.Add(e.timeoutFor(r.exec.Request))
			e.active++
			e.wg.Add(1)
			go e.attempt(r)
		}
	}
	clear(e.pending[len(kept):])
	e.pending = kept
}

// rankPendingLocked raises every ranked run that waited a full
// starvation threshold by one priority step, capped at Critical, then
// orders the queue by rank and arrival.  Callers hold e.admitMu.
func (e *Executor) rankPendingLocked(now time.Time) {
	threshold := e.balancer.StarvationThreshold()
	for _, r := range e.pending {
		if threshold <= 0 || r.rank == 0 || r.rank >= int(job.PriorityCritical) {
			continue
		}
		if now.Sub(r.agingSince) >= threshold {
			r.rank++
			r.agingSince = now
		}
	}
	slices.SortStableFunc(e.pending, func(a, b *run) int {
		if c := cmp.Compare(b.rank, a.rank); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
}

// timeoutFor is the job's budget from first admission to completion,
// across every attempt.
func (e *Executor) timeoutFor(req *job.Request) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return e.opts.DefaultTimeout
}

// releaseSlot gives back the run's admission slot, if it holds one.
func (e *Executor) releaseSlot(r *run) {
	e.admitMu.Lock()
	if r.admitted {
		r.admitted = false
		e.active--
	}
	r.waiting = false
	e.admitMu.Unlock()
	e.pump()
}

func (r *run) terminal() bool {
	r.plan.mu.Lock()
	defer r.plan.mu.Unlock()
	return r.exec.Status.Terminal()
}

// ---------------------------------------------------------------------------
// Pipeline
// ---------------------------------------------------------------------------

// attempt drives one pass of the pipeline: route, queue, schedule, run.
// A retry runs attempt again from the top.  The job keeps its admission
// slot from first admission until it is terminal, and every stage of
// every attempt runs under the deadline set at admission.
func (e *Executor) attempt(r *run) {
	defer e.wg.Done()

	p := r.plan
	req := r.exec.Request
	id := r.exec.ID

	if !e.transition(r, job.StatusRouting) {
		return
	}
	if p.graph != nil {
		p.graph.MarkRunning(req.JobID)
	}

	timeout := e.timeoutFor(req)
	jobCtx, cancel := context.WithDeadline(p.ctx, r.deadline)
	defer cancel()
	ctx, span := e.tracer.Start(jobCtx, "executor.attempt",
		trace.WithAttributes(
			attribute.String("plan", p.id),
			attribute.String("job", req.JobID),
		),
	)
	defer span.End()
	logger := e.logger.With(slog.String("plan", p.id), slog.String("job", req.JobID))

	if err := ctx.Err(); err != nil {
		e.stageFailed(ctx, span, r, "admission", timeoutError(ctx, err, timeout), false)
		return
	}

	// Routing.
	routed, err := e.router.Route(ctx, req)
	if err != nil {
		e.stageFailed(ctx, span, r, "routing", timeoutError(ctx, err, timeout), false)
		return
	}
	if !e.hold(r, func() { r.exec.Routing = routed.Summary() }) {
		return
	}

	// Load balancing.
	if !e.transition(r, job.StatusLoadBalancing) {
		return
	}
	ticket, err := e.balancer.Submit(ctx, balancer.Routed{
		ID:           id,
		Request:      req,
		WorkerID:     routed.Worker.ID,
		Alternatives: routed.Summary().Alternatives,
	})
	if err != nil {
		e.stageFailed(ctx, span, r, "load balancing", timeoutError(ctx, err, timeout), false)
		return
	}
	if !e.hold(r, func() { r.queueID = ticket.QueueID }) {
		e.balancer.Remove(ticket.QueueID)
		return
	}
	dispatched, err := e.balancer.Await(ctx, ticket.QueueID)
	if err != nil {
		e.stageFailed(ctx, span, r, "load balancing", timeoutError(ctx, err, timeout), false)
		return
	}
	workerID := dispatched.AssignedWorker
	ec := routed.ExecutionContext
	if workerID != routed.Worker.ID {
		ec = e.contextFor(ec, workerID)
	}
	e.router.Assign(id, req, workerID)
	if !e.hold(r, func() {
		r.assigned = true
		r.exec.LoadBalancing = dispatched.Summary()
	}) {
		e.router.Release(id)
		return
	}

	// Scheduling.
	if !e.transition(r, job.StatusScheduling) {
		return
	}
	sched, err := e.scheduler.Schedule(ctx, id, req, workerID)
	if err != nil {
		e.stageFailed(ctx, span, r, "scheduling", timeoutError(ctx, err, timeout), false)
		return
	}
	if !e.hold(r, func() {
		r.reserved = true
		r.exec.Scheduling = sched.Summary()
	}) {
		e.scheduler.Release(id)
		return
	}

	// Execution.
	if !e.transition(r, job.StatusRunning) {
		return
	}
	started := r.clone()
	e.publish(events.Event{Type: events.JobStarted, PlanID: p.id, JobID: req.JobID, Data: started})
	add(ctx, e.inst.started, p.id)
	logger.Info("job started", slog.String("worker", workerID), slog.Int("attempt", started.RetryCount+1))

	h, err := e.engine.CreateAndStart(ctx, ec, engine.SpecFor(req, workerID, sched.AssignedResources))
	if err != nil {
		e.stageFailed(ctx, span, r, "start", timeoutError(ctx, err, timeout), false)
		return
	}
	if !e.hold(r, func() { r.handle = &h }) {
		e.stopWorkload(ctx, h)
		return
	}

	res, err := e.engine.AwaitCompletion(ctx, h)
	if err != nil {
		e.stageFailed(ctx, span, r, "execution", timeoutError(ctx, err, timeout), true)
		return
	}
	e.complete(ctx, r, res)
}

// stageFailed handles an error from one pipeline stage.  Errors caused by
// the plan being cancelled are left to the cancellation path.
func (e *Executor) stageFailed(ctx context.Context, span trace.Span, r *run, stage string, err error, stop bool) {
	if r.plan.ctx.Err() != nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, stage+" failed")
	e.fail(ctx, r, fmt.Errorf("%s: %w", stage, err), stop)
}

// timeoutError replaces err with a non-retryable timeout when the job's
// own deadline expired.
func timeoutError(ctx context.Context, err error, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return job.NewError(job.KindTimeout, fmt.Sprintf("job exceeded its timeout of %s", timeout), err)
	}
	return err
}

// contextFor rebuilds the execution context for a worker the balancer
// chose instead of the routed one.
func (e *Executor) contextFor(ec job.ExecutionContext, workerID string) job.ExecutionContext {
	ec.WorkerID = workerID
	ec.NetworkID = ""
	ec.VolumeIDs = nil
	if e.registry != nil {
		if w, ok := e.registry.Get(workerID); ok {
			ec.NetworkID = w.Network
			ec.VolumeIDs = slices.Clone(w.Volumes)
		}
	}
	return ec
}

// transition moves the run to s.  It reports false if the job was
// finished meanwhile, typically by cancellation.
func (e *Executor) transition(r *run, s job.Status) bool {
	r.plan.mu.Lock()
	defer r.plan.mu.Unlock()
	return r.exec.SetStatus(s, e.now())
}

// hold runs fn under the plan lock unless the job already finished, in
// which case the caller must give back what it just acquired.
func (e *Executor) hold(r *run, fn func()) bool {
	r.plan.mu.Lock()
	defer r.plan.mu.Unlock()
	if r.exec.Status.Terminal() {
		return false
	}
	fn()
	return true
}

func (r *run) clone() *job.Execution {
	r.plan.mu.Lock()
	defer r.plan.mu.Unlock()
	return r.exec.Clone()
}

// releaseAcquired hands back, in reverse order of acquisition, everything
// the run currently holds.  With stop set a started workload is cancelled
// before it is released.
func (e *Executor) releaseAcquired(ctx context.Context, r *run, stop bool) {
	p := r.plan
	p.mu.Lock()
	queueID, assigned, reserved, h := r.queueID, r.assigned, r.reserved, r.handle
	r.queueID, r.assigned, r.reserved, r.handle = "", false, false, nil
	p.mu.Unlock()

	if h != nil {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		if stop {
			if err := e.engine.Cancel(cctx, *h); err != nil {
				e.logger.Warn("failed to cancel workload",
					slog.String("job", r.exec.ID),
					slog.String("handle", h.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		if err := e.engine.Release(cctx, *h); err != nil {
			e.logger.Warn("failed to release workload",
				slog.String("job", r.exec.ID),
				slog.String("handle", h.ID),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
	if reserved {
		e.scheduler.Release(r.exec.ID)
	}
	if queueID != "" {
		e.balancer.Complete(queueID)
	}
	if assigned {
		e.router.Release(r.exec.ID)
	}
}

func (e *Executor) stopWorkload(ctx context.Context, h engine.Handle) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := e.engine.Cancel(cctx, h); err != nil {
		e.logger.Warn("failed to cancel workload", slog.String("handle", h.ID), slog.String("error", err.Error()))
	}
	if err := e.engine.Release(cctx, h); err != nil {
		e.logger.Warn("failed to release workload", slog.String("handle", h.ID), slog.String("error", err.Error()))
	}
}

// ---------------------------------------------------------------------------
// Outcomes
// ---------------------------------------------------------------------------

// backoff is the delay before retry number n+1.
func (e *Executor) backoff(n int) time.Duration {
	d := float64(e.opts.RetryDelay) * math.Pow(e.opts.BackoffMultiplier, float64(n))
	if d >= float64(e.opts.MaxRetryDelay) || math.IsInf(d, 1) {
		return e.opts.MaxRetryDelay
	}
	return time.Duration(d)
}

// fail records a stage failure.  Retryable failures with retries left are
// rescheduled after a backoff; the rest fail the job.
func (e *Executor) fail(ctx context.Context, r *run, err error, stop bool) {
	jerr := job.Classify(err)
	e.releaseAcquired(ctx, r, stop)

	p := r.plan
	p.mu.Lock()
	x := r.exec
	if x.Status.Terminal() {
		p.mu.Unlock()
		return
	}
	now := e.now()

	if jerr.Retryable && x.RetryCount < e.opts.MaxRetries && !p.cancelled.Load() {
		// A retry due after the deadline would only time out.
		delay := min(e.backoff(x.RetryCount), max(0, r.deadline.Sub(now)))
		x.RetryCount++
		x.Error = &job.Error{Kind: jerr.Kind, Message: err.Error(), Retryable: true, Err: err}
		x.SetStatus(job.StatusRetrying, now)
		e.wg.Add(1)
		r.timer = time.AfterFunc(delay, func() { e.retry(r) })
		snap := x.Clone()
		p.mu.Unlock()

		e.counters.mu.Lock()
		e.counters.retried++
		e.counters.mu.Unlock()
		add(ctx, e.inst.retried, p.id)
		e.publish(events.Event{Type: events.JobRetry, PlanID: p.id, JobID: x.Request.JobID, Data: snap})
		e.logger.Warn("job failed, retrying",
			slog.String("plan", p.id),
			slog.String("job", x.Request.JobID),
			slog.Int("retry", snap.RetryCount),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		return
	}

	msg := err.Error()
	if jerr.Retryable {
		msg = fmt.Sprintf("%s (gave up after %d retries)", msg, x.RetryCount)
	}
	x.Error = &job.Error{Kind: jerr.Kind, Message: msg, Retryable: jerr.Retryable, Err: err}
	x.SetStatus(job.StatusFailed, now)
	snap := x.Clone()
	p.mu.Unlock()

	e.finish(ctx, r, snap)
}

// retry is the timer continuation of a scheduled retry.
func (e *Executor) retry(r *run) {
	r.plan.mu.Lock()
	r.timer = nil
	r.plan.mu.Unlock()
	e.attempt(r)
}

func (e *Executor) complete(ctx context.Context, r *run, res engine.Result) {
	e.releaseAcquired(ctx, r, false)

	p := r.plan
	p.mu.Lock()
	if r.exec.Status.Terminal() {
		p.mu.Unlock()
		return
	}
	code := res.ExitCode
	r.exec.ExitCode = &code
	r.exec.SetStatus(job.StatusCompleted, e.now())
	snap := r.exec.Clone()
	p.mu.Unlock()

	e.finish(ctx, r, snap)
}

// cancelRun cancels one job with the given reason.  It reports false if
// the job had already finished.
func (e *Executor) cancelRun(ctx context.Context, r *run, kind job.Kind, msg string) bool {
	p := r.plan
	p.mu.Lock()
	if r.exec.Status.Terminal() {
		p.mu.Unlock()
		return false
	}
	r.exec.Error = job.NewError(kind, msg, nil)
	r.exec.SetStatus(job.StatusCancelled, e.now())
	if r.timer != nil {
		if r.timer.Stop() {
			e.wg.Done()
		}
		r.timer = nil
	}
	snap := r.exec.Clone()
	p.mu.Unlock()

	e.releaseAcquired(ctx, r, true)
	e.finish(ctx, r, snap)
	return true
}

// cancelPlan cancels every unfinished job of p.
func (e *Executor) cancelPlan(ctx context.Context, p *plan, reason string) bool {
	p.mu.Lock()
	if p.status.Terminal() || p.cancelled.Load() {
		p.mu.Unlock()
		return false
	}
	p.cancelled.Store(true)
	runs := slices.Clone(p.runs)
	p.mu.Unlock()

	e.logger.Info("cancelling execution plan", slog.String("plan", p.id), slog.String("reason", reason))
	p.cancel()
	for _, r := range runs {
		e.cancelRun(ctx, r, job.KindCancelled, reason)
	}
	e.checkPlanDone(ctx, p)
	return true
}

// finish accounts for a job that reached a terminal state and propagates
// the outcome through the plan.
func (e *Executor) finish(ctx context.Context, r *run, snap *job.Execution) {
	p := r.plan
	jobID := snap.Request.JobID

	e.counters.mu.Lock()
	switch snap.Status {
	case job.StatusCompleted:
		e.counters.completed++
		e.counters.totalDuration += snap.Duration()
	case job.StatusFailed:
		e.counters.failed++
	case job.StatusCancelled:
		e.counters.cancelled++
	}
	e.counters.mu.Unlock()

	attrs := []slog.Attr{
		slog.String("plan", p.id),
		slog.String("job", jobID),
		slog.String("status", string(snap.Status)),
		slog.Duration("duration", snap.Duration()),
	}
	if snap.Error != nil {
		attrs = append(attrs, slog.String("error", snap.Error.Error()))
	}

	var evType events.Type
	switch snap.Status {
	case job.StatusCompleted:
		evType = events.JobCompleted
		add(ctx, e.inst.completed, p.id)
		e.logger.LogAttrs(ctx, slog.LevelInfo, "job completed", attrs...)
	case job.StatusFailed:
		evType = events.JobFailed
		add(ctx, e.inst.failed, p.id)
		e.logger.LogAttrs(ctx, slog.LevelError, "job failed", attrs...)
	default:
		evType = events.JobCancelled
		add(ctx, e.inst.cancelled, p.id)
		e.logger.LogAttrs(ctx, slog.LevelInfo, "job cancelled", attrs...)
	}
	if e.inst.duration != nil && snap.StartedAt != nil {
		e.inst.duration.Record(ctx, snap.Duration().Seconds(),
			metric.WithAttributes(attribute.String("status", string(snap.Status))))
	}
	e.publish(events.Event{Type: evType, PlanID: p.id, JobID: jobID, Data: snap})

	var ready, blocked []*run
	if p.graph != nil {
		switch snap.Status {
		case job.StatusCompleted:
			for _, id := range p.graph.MarkCompleted(jobID) {
				ready = append(ready, p.byJob[id])
			}
		case job.StatusFailed:
			for _, id := range p.graph.MarkFailed(jobID) {
				blocked = append(blocked, p.byJob[id])
			}
		case job.StatusCancelled:
			for _, id := range p.graph.MarkCancelled(jobID) {
				blocked = append(blocked, p.byJob[id])
			}
		}
	}

	e.releaseSlot(r)

	// Runs of a cancelled plan are cancelled by cancelPlan itself.
	if p.cancelled.Load() {
		blocked = nil
	}
	for _, b := range blocked {
		e.cancelRun(ctx, b, job.KindDependencyBlocked,
			fmt.Sprintf("predecessor %s %s", jobID, snap.Status))
	}
	if snap.Status == job.StatusFailed && p.failure.abortsPlan() {
		e.cancelPlan(ctx, p, fmt.Sprintf("job %s failed", jobID))
	}
	if !p.cancelled.Load() {
		e.enqueue(ready...)
	}
	e.checkPlanDone(ctx, p)
}

// checkPlanDone finalizes p once every job is terminal: it stamps the
// result, archives the plan and drops it from the active table.
func (e *Executor) checkPlanDone(ctx context.Context, p *plan) {
	p.mu.Lock()
	if p.archived || !p.allTerminalLocked() {
		p.mu.Unlock()
		return
	}
	p.archived = true
	now := e.now()
	p.completedAt = &now
	p.status = PlanCompleted
	if p.cancelled.Load() {
		p.status = PlanCancelled
	}
	p.result = p.worstLocked()
	snap := p.snapshotLocked()
	p.mu.Unlock()

	p.cancel()
	e.archive(ctx, snap)
	e.plans.Remove(p.id)
	if p.graph != nil {
		e.deps.Delete(p.graph.ID())
	}

	e.publish(events.Event{Type: events.PlanCompleted, PlanID: p.id, Data: snap})
	e.logger.Info("execution plan finished",
		slog.String("plan", p.id),
		slog.String("status", string(snap.Status)),
		slog.String("result", string(snap.Result)),
		slog.Duration("elapsed", now.Sub(p.createdAt)),
	)
}

func (e *Executor) archive(ctx context.Context, snap *PlanSnapshot) {
	body, err := json.Marshal(snap)
	if err != nil {
		e.logger.Warn("failed to encode plan for history", slog.String("plan", snap.ID), slog.String("error", err.Error()))
		return
	}
	rec := history.Record{
		PlanID:    snap.ID,
		Name:      snap.Name,
		Status:    string(snap.Status),
		Result:    string(snap.Result),
		Jobs:      len(snap.Jobs),
		CreatedAt: snap.CreatedAt,
		Plan:      body,
	}
	if snap.CompletedAt != nil {
		rec.CompletedAt = *snap.CompletedAt
	}
	if err := e.history.Archive(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Warn("failed to archive plan", slog.String("plan", snap.ID), slog.String("error", err.Error()))
	}
}
