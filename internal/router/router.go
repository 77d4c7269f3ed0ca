// Package router decides which worker a job runs on.  Candidates are
// filtered by capability and placement constraints, scored by a weighted
// sum of load, affinity, anti-affinity and resource headroom, and the
// best scorer wins with the runners-up kept as alternatives.
package router

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/dispatch/internal/job"
	"github.com/terrpan/dispatch/internal/worker"
)

// Algorithm names the scoring method recorded on every decision.
const Algorithm = "weighted_score"

// Weights scale each scoring factor.  Every factor is normalized to
// [0, 1] so the maximum attainable score is the sum of the weights.
type Weights struct {
	Load         float64 `yaml:"load"`
	Affinity     float64 `yaml:"affinity"`
	AntiAffinity float64 `yaml:"anti_affinity"`
	Headroom     float64 `yaml:"headroom"`
}

// DefaultWeights favours lightly loaded workers.
var DefaultWeights = Weights{Load: 0.4, Affinity: 0.2, AntiAffinity: 0.2, Headroom: 0.2}

func (w Weights) sum() float64 { return w.Load + w.Affinity + w.AntiAffinity + w.Headroom }

// Config holds the parameters for New.
type Config struct {
	Registry        worker.Registry
	Weights         Weights
	MaxAlternatives int
	Logger          *slog.Logger
}

// Factors are the normalized per-factor values behind a score.
type Factors struct {
	Load         float64 `json:"load"`
	Affinity     float64 `json:"affinity"`
	AntiAffinity float64 `json:"antiAffinity"`
	Headroom     float64 `json:"headroom"`
}

// Candidate is one scored worker.
type Candidate struct {
	WorkerID string  `json:"workerId"`
	Score    float64 `json:"score"`
	Load     float64 `json:"load"`
	Factors  Factors `json:"factors"`
}

// Decision explains a routing result.
type Decision struct {
	Algorithm    string      `json:"algorithm"`
	Factors      Factors     `json:"factors"`
	Score        float64     `json:"score"`
	Confidence   float64     `json:"confidence"`
	Alternatives []Candidate `json:"alternativeWorkers,omitempty"`
}

// Result is the outcome of Route.
type Result struct {
	Worker           worker.Worker        `json:"assignedWorker"`
	Decision         Decision             `json:"routingDecision"`
	ExecutionContext job.ExecutionContext `json:"executionContext"`
}

// Summary reduces the result to what the execution record keeps.
func (r *Result) Summary() *job.RoutingSummary {
	alts := make([]string, 0, len(r.Decision.Alternatives))
	for _, c := range r.Decision.Alternatives {
		alts = append(alts, c.WorkerID)
	}
	return &job.RoutingSummary{
		WorkerID:     r.Worker.ID,
		Algorithm:    r.Decision.Algorithm,
		Score:        r.Decision.Score,
		Confidence:   r.Decision.Confidence,
		Alternatives: alts,
	}
}

// Router implements job placement.  It remembers which jobs are placed on
// which worker so affinity rules can be evaluated.
type Router struct {
	registry        worker.Registry
	weights         Weights
	maxAlternatives int
	logger          *slog.Logger

	mu         sync.Mutex
	placements map[string]placement // execution id -> placement

	tracer    trace.Tracer
	decisions metric.Int64Counter
}

type placement struct {
	workerID string
	req      *job.Request
}

// New creates a Router.
func New(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Weights.sum() <= 0 {
		cfg.Weights = DefaultWeights
	}
	if cfg.MaxAlternatives <= 0 {
		cfg.MaxAlternatives = 3
	}

	r := &Router{
		registry:        cfg.Registry,
		weights:         cfg.Weights,
		maxAlternatives: cfg.MaxAlternatives,
		logger:          cfg.Logger.WithGroup("router"),
		placements:      make(map[string]placement),
		tracer:          otel.Tracer("dispatch/router"),
	}

	var err error
	r.decisions, err = otel.Meter("dispatch/router").Int64Counter(
		"dispatch.router.decisions",
		metric.WithDescription("Routing decisions by outcome"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create decisions counter", slog.String("error", err.Error()))
	}
	return r
}

// ---------------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------------

// Route picks a worker for req.  It fails with a retryable NoCapacity
// error when no healthy worker offers the required labels and
// capabilities, and with a permanent ConstraintViolation error when
// capable workers exist but placement constraints rule them all out.
func (r *Router) Route(ctx context.Context, req *job.Request) (*Result, error) {
	ctx, span := r.tracer.Start(ctx, "router.Route")
	defer span.End()
	span.SetAttributes(attribute.String("dispatch.job_id", req.JobID))

	res, err := r.route(req)
	outcome := "routed"
	if err != nil {
		outcome = string(job.Classify(err).Kind)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Debug("routing failed",
			slog.String("job", req.JobID),
			slog.String("error", err.Error()),
		)
	} else {
		span.SetAttributes(
			attribute.String("dispatch.worker_id", res.Worker.ID),
			attribute.Float64("dispatch.route_score", res.Decision.Score),
		)
		r.logger.Debug("job routed",
			slog.String("job", req.JobID),
			slog.String("worker", res.Worker.ID),
			slog.Float64("score", res.Decision.Score),
			slog.Float64("confidence", res.Decision.Confidence),
		)
	}
	if r.decisions != nil {
		r.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	return res, err
}

func (r *Router) route(req *job.Request) (*Result, error) {
	var healthy []worker.Worker
	for _, w := range r.registry.Workers() {
		if w.Healthy {
			healthy = append(healthy, w)
		}
	}
	if len(healthy) == 0 {
		return nil, job.NewError(job.KindNoCapacity, fmt.Sprintf("job %s: no healthy workers", req.JobID), nil)
	}

	need := requiredCapabilities(req)
	var capable []worker.Worker
	for _, w := range healthy {
		if w.HasAll(need) {
			capable = append(capable, w)
		}
	}
	if len(capable) == 0 {
		return nil, job.NewError(job.KindNoCapacity,
			fmt.Sprintf("job %s: no worker offers %s", req.JobID, strings.Join(need, ",")), nil)
	}

	r.mu.Lock()
	placed := r.placedByWorker()
	r.mu.Unlock()

	var eligible []worker.Worker
	for _, w := range capable {
		if r.allowed(req, w, placed[w.ID]) {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) == 0 {
		return nil, job.NewError(job.KindConstraintViolation,
			fmt.Sprintf("job %s: placement constraints exclude all %d capable workers", req.JobID, len(capable)), nil)
	}

	scored := make([]Candidate, 0, len(eligible))
	for _, w := range eligible {
		scored = append(scored, r.score(req, w, placed[w.ID]))
	}
	slices.SortFunc(scored, func(a, b Candidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.Load, b.Load); c != 0 {
			return c
		}
		return cmp.Compare(a.WorkerID, b.WorkerID)
	})

	best := scored[0]
	var chosen worker.Worker
	for _, w := range eligible {
		if w.ID == best.WorkerID {
			chosen = w
			break
		}
	}

	alts := scored[1:]
	if len(alts) > r.maxAlternatives {
		alts = alts[:r.maxAlternatives]
	}

	return &Result{
		Worker: chosen,
		Decision: Decision{
			Algorithm:    Algorithm,
			Factors:      best.Factors,
			Score:        best.Score,
			Confidence:   min(1, max(0, best.Score/r.weights.sum())),
			Alternatives: slices.Clone(alts),
		},
		ExecutionContext: job.ExecutionContext{
			WorkerID:      chosen.ID,
			ContainerName: ContainerName(req.JobID),
			NetworkID:     chosen.Network,
			VolumeIDs:     slices.Clone(chosen.Volumes),
		},
	}, nil
}

// requiredCapabilities is the union of labels, specialized capabilities
// and required capabilities, deduplicated.
func requiredCapabilities(req *job.Request) []string {
	var need []string
	for _, set := range [][]string{req.Labels, req.Resources.Specialized, req.Metadata.Constraints.RequiredCapabilities} {
		for _, v := range set {
			if v != "" && !slices.Contains(need, v) {
				need = append(need, v)
			}
		}
	}
	return need
}

// allowed applies the hard placement constraints.
func (r *Router) allowed(req *job.Request, w worker.Worker, placed []*job.Request) bool {
	c := req.Metadata.Constraints
	if len(c.AllowedWorkers) > 0 && !slices.Contains(c.AllowedWorkers, w.ID) {
		return false
	}
	if slices.Contains(c.BlockedWorkers, w.ID) {
		return false
	}
	if c.SecurityLevel != "" && !w.HasAll([]string{"security:" + c.SecurityLevel}) {
		return false
	}
	for _, rule := range req.Metadata.Preferences.AffinityRules {
		if rule.Required && !anyMatch(placed, rule.Selector) {
			return false
		}
	}
	for _, rule := range req.Metadata.Preferences.AntiAffinityRules {
		if rule.Required && anyMatch(placed, rule.Selector) {
			return false
		}
	}
	return true
}

func (r *Router) score(req *job.Request, w worker.Worker, placed []*job.Request) Candidate {
	f := Factors{
		Load:         1 - min(1, max(0, w.Load)),
		Affinity:     affinity(req, w, placed),
		AntiAffinity: antiAffinity(req, placed),
		Headroom:     headroom(req.Resources, w),
	}
	s := r.weights.Load*f.Load +
		r.weights.Affinity*f.Affinity +
		r.weights.AntiAffinity*f.AntiAffinity +
		r.weights.Headroom*f.Headroom
	return Candidate{WorkerID: w.ID, Score: s, Load: w.Load, Factors: f}
}

// affinity is the weighted fraction of soft affinity rules satisfied on w.
// A non-empty PreferredWorkers list acts as one extra rule.  With no rules
// the factor is 1.
func affinity(req *job.Request, w worker.Worker, placed []*job.Request) float64 {
	var total, got float64
	for _, rule := range req.Metadata.Preferences.AffinityRules {
		if rule.Required {
			continue
		}
		wt := ruleWeight(rule)
		total += wt
		if anyMatch(placed, rule.Selector) {
			got += wt
		}
	}
	if pw := req.Metadata.Preferences.PreferredWorkers; len(pw) > 0 {
		total++
		if slices.Contains(pw, w.ID) {
			got++
		}
	}
	if total == 0 {
		return 1
	}
	return got / total
}

// antiAffinity is the weighted fraction of soft anti-affinity rules not
// violated on the worker.
func antiAffinity(req *job.Request, placed []*job.Request) float64 {
	var total, got float64
	for _, rule := range req.Metadata.Preferences.AntiAffinityRules {
		if rule.Required {
			continue
		}
		wt := ruleWeight(rule)
		total += wt
		if !anyMatch(placed, rule.Selector) {
			got += wt
		}
	}
	if total == 0 {
		return 1
	}
	return got / total
}

func ruleWeight(rule job.AffinityRule) float64 {
	if rule.Weight > 0 {
		return rule.Weight
	}
	return 1
}

// headroom averages, over every dimension the job asks for, how much of
// the preferred amount the worker's unused capacity covers.
func headroom(res job.ResourceRequirements, w worker.Worker) float64 {
	free := 1 - min(1, max(0, w.Load))
	dims := []struct{ want, capacity float64 }{
		{res.CPU.Want(), w.Capacity.CPU},
		{res.Memory.Want(), w.Capacity.Memory},
		{res.Disk.Want(), w.Capacity.Disk},
		{res.Network.Want(), w.Capacity.Network},
	}
	var n, sum float64
	for _, d := range dims {
		if d.want <= 0 {
			continue
		}
		n++
		sum += min(1, d.capacity*free/d.want)
	}
	if n == 0 {
		return 1
	}
	return sum / n
}

func anyMatch(placed []*job.Request, selector string) bool {
	for _, p := range placed {
		if p.Matches(selector) {
			return true
		}
	}
	return false
}

// ContainerName derives a unique, runtime-safe container name for a job.
func ContainerName(jobID string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '-'
		}
	}, jobID)
	return fmt.Sprintf("job-%s-%s", clean, uuid.NewString()[:8])
}

// ---------------------------------------------------------------------------
// Placement bookkeeping
// ---------------------------------------------------------------------------

// Assign records that req, tracked under id, now runs on workerID.
// Affinity rules of later jobs are evaluated against assigned jobs.
func (r *Router) Assign(id string, req *job.Request, workerID string) {
	r.mu.Lock()
	r.placements[id] = placement{workerID: workerID, req: req}
	r.mu.Unlock()
}

// Release forgets the placement tracked under id.  It is safe to call
// more than once.
func (r *Router) Release(id string) {
	r.mu.Lock()
	delete(r.placements, id)
	r.mu.Unlock()
}

// Placements returns the ids assigned to workerID, sorted.
func (r *Router) Placements(workerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, p := range r.placements {
		if p.workerID == workerID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// placedByWorker groups placed requests by worker.  Callers hold r.mu.
func (r *Router) placedByWorker() map[string][]*job.Request {
	out := make(map[string][]*job.Request)
	for _, p := range r.placements {
		out[p.workerID] = append(out[p.workerID], p.req)
	}
	return out
}
