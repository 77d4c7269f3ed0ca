package dependency

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/dispatch/internal/job"
)

// Config holds the parameters for NewManager.
type Config struct {
	// DefaultJobDuration stands in for jobs without an estimated
	// duration when computing the critical path.
	DefaultJobDuration time.Duration
	Logger             *slog.Logger
}

// Manager builds graphs and keeps them by id until deleted.
type Manager struct {
	defaultDuration time.Duration
	logger          *slog.Logger
	tracer          trace.Tracer
	now             func() time.Time

	mu     sync.Mutex
	graphs map[string]*Graph
}

// NewManager creates a Manager.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.DefaultJobDuration <= 0 {
		cfg.DefaultJobDuration = 5 * time.Minute
	}
	return &Manager{
		defaultDuration: cfg.DefaultJobDuration,
		logger:          cfg.Logger.WithGroup("dependency"),
		tracer:          otel.Tracer("dispatch/dependency"),
		now:             time.Now,
		graphs:          make(map[string]*Graph),
	}
}

// CreateDependencyGraph validates jobs and edges and builds a levelled
// graph.  Unknown or duplicate job ids fail with a ValidationError; a
// cycle fails with a CyclicDependencyError naming the nodes involved.  On
// failure no graph is stored.
func (m *Manager) CreateDependencyGraph(ctx context.Context, id string, jobs []*job.Request, edges []Edge) (*Graph, error) {
	_, span := m.tracer.Start(ctx, "dependency.CreateDependencyGraph")
	defer span.End()
	span.SetAttributes(
		attribute.String("dispatch.graph_id", id),
		attribute.Int("dispatch.graph_nodes", len(jobs)),
		attribute.Int("dispatch.graph_edges", len(edges)),
	)

	g, err := m.build(id, jobs, edges)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.logger.Warn("dependency graph rejected",
			slog.String("graph", id),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	m.mu.Lock()
	m.graphs[id] = g
	m.mu.Unlock()

	m.logger.Info("dependency graph ready",
		slog.String("graph", id),
		slog.Int("nodes", g.metrics.TotalNodes),
		slog.Int("edges", g.metrics.TotalEdges),
		slog.Int("depth", g.metrics.MaxDepth),
		slog.Duration("critical_path", g.metrics.CriticalPathLength),
	)
	return g, nil
}

func (m *Manager) build(id string, jobs []*job.Request, edges []Edge) (*Graph, error) {
	g := &Graph{
		id:        id,
		createdAt: m.now(),
		status:    GraphBuilding,
		nodes:     orderedmap.NewOrderedMap[string, *Node](),
	}

	for _, j := range jobs {
		if j == nil || j.JobID == "" {
			return nil, job.NewError(job.KindValidation, "dependency graph: job without id", nil)
		}
		if _, dup := g.nodes.Get(j.JobID); dup {
			return nil, job.NewError(job.KindValidation, fmt.Sprintf("dependency graph: duplicate job id %s", j.JobID), nil)
		}
		est := j.Metadata.EstimatedDuration
		if est <= 0 {
			est = m.defaultDuration
		}
		g.nodes.Set(j.JobID, &Node{ID: j.JobID, EstimatedDuration: est, Status: NodePending})
	}

	seen := make(map[Edge]bool, len(edges))
	for _, e := range edges {
		from, ok := g.nodes.Get(e.From)
		if !ok {
			return nil, job.NewError(job.KindValidation, fmt.Sprintf("dependency graph: %s depends on unknown job %s", e.To, e.From), nil)
		}
		to, ok := g.nodes.Get(e.To)
		if !ok {
			return nil, job.NewError(job.KindValidation, fmt.Sprintf("dependency graph: edge to unknown job %s", e.To), nil)
		}
		if e.From == e.To {
			return nil, job.NewError(job.KindCyclicDependency, fmt.Sprintf("dependency graph: %s depends on itself", e.From), nil)
		}
		if seen[e] {
			continue
		}
		seen[e] = true
		from.Successors = append(from.Successors, e.To)
		to.Predecessors = append(to.Predecessors, e.From)
		g.edges = append(g.edges, e)
	}

	if err := g.level(); err != nil {
		return nil, err
	}
	g.computeCriticalPath()

	for el := g.nodes.Front(); el != nil; el = el.Next() {
		if len(el.Value.Predecessors) == 0 {
			el.Value.Status = NodeReady
		}
	}
	g.metrics.TotalNodes = g.nodes.Len()
	g.metrics.TotalEdges = len(g.edges)
	g.metrics.MaxDepth = len(g.levels)
	g.status = GraphReady
	return g, nil
}

// level runs Kahn's algorithm one level at a time.  Within a level, node
// order follows submission order.
func (g *Graph) level() error {
	indegree := make(map[string]int, g.nodes.Len())
	var current []string
	for el := g.nodes.Front(); el != nil; el = el.Next() {
		indegree[el.Key] = len(el.Value.Predecessors)
		if indegree[el.Key] == 0 {
			current = append(current, el.Key)
		}
	}

	placed := 0
	for depth := 0; len(current) > 0; depth++ {
		g.levels = append(g.levels, current)
		placed += len(current)
		var next []string
		for _, id := range current {
			n, _ := g.nodes.Get(id)
			n.Level = depth
			for _, sid := range n.Successors {
				indegree[sid]--
				if indegree[sid] == 0 {
					next = append(next, sid)
				}
			}
		}
		g.sortBySubmission(next)
		current = next
	}

	if placed < g.nodes.Len() {
		var cyclic []string
		for el := g.nodes.Front(); el != nil; el = el.Next() {
			if indegree[el.Key] > 0 {
				cyclic = append(cyclic, el.Key)
			}
		}
		g.status = GraphInvalid
		return job.NewError(job.KindCyclicDependency,
			fmt.Sprintf("dependency graph %s: cycle among %s", g.id, strings.Join(cyclic, ", ")), nil)
	}
	return nil
}

func (g *Graph) sortBySubmission(ids []string) {
	order := make(map[string]int, g.nodes.Len())
	i := 0
	for el := g.nodes.Front(); el != nil; el = el.Next() {
		order[el.Key] = i
		i++
	}
	slices.SortFunc(ids, func(a, b string) int { return order[a] - order[b] })
}

// computeCriticalPath finds the chain with the largest summed estimated
// duration, walking nodes level by level.
func (g *Graph) computeCriticalPath() {
	finish := make(map[string]time.Duration, g.nodes.Len())
	via := make(map[string]string, g.nodes.Len())

	var last string
	var longest time.Duration = -1
	for _, lvl := range g.levels {
		for _, id := range lvl {
			n, _ := g.nodes.Get(id)
			var start time.Duration
			for _, pid := range n.Predecessors {
				if finish[pid] > start {
					start = finish[pid]
					via[id] = pid
				}
			}
			finish[id] = start + n.EstimatedDuration
			if finish[id] > longest {
				longest = finish[id]
				last = id
			}
		}
	}
	if last == "" {
		return
	}

	var path []string
	for id := last; id != ""; id = via[id] {
		path = append(path, id)
	}
	slices.Reverse(path)
	g.criticalPath = path
	g.metrics.CriticalPathLength = longest
}

// Get returns a stored graph.
func (m *Manager) Get(id string) (*Graph, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.graphs[id]
	return g, ok
}

// Delete forgets a graph.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	delete(m.graphs, id)
	m.mu.Unlock()
}
