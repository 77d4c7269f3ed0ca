// Package dependency builds and tracks the DAG of job-to-job ordering
// constraints inside one batch.  Graphs are levelled with Kahn's
// algorithm at construction; afterwards the only mutations are node
// status transitions.
package dependency

import (
	"slices"
	"sync"
	"time"

	"github.com/elliotchance/orderedmap/v2"

	"github.com/terrpan/dispatch/internal/job"
)

// GraphStatus is the construction state of a graph.
type GraphStatus string

const (
	GraphBuilding GraphStatus = "building"
	GraphReady    GraphStatus = "ready"
	GraphInvalid  GraphStatus = "invalid"
)

// NodeStatus is the execution state of one node.
type NodeStatus string

const (
	NodePending   NodeStatus = "pending"
	NodeReady     NodeStatus = "ready"
	NodeRunning   NodeStatus = "running"
	NodeCompleted NodeStatus = "completed"
	NodeFailed    NodeStatus = "failed"
	NodeCancelled NodeStatus = "cancelled"
	NodeBlocked   NodeStatus = "blocked"
)

// Done reports whether the node will not change again.
func (s NodeStatus) Done() bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeCancelled, NodeBlocked:
		return true
	default:
		return false
	}
}

// Edge says From must complete before To may start.
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}

// Node is one job in the graph.
type Node struct {
	ID                string        `json:"id"`
	Predecessors      []string      `json:"predecessors,omitempty"`
	Successors        []string      `json:"successors,omitempty"`
	Level             int           `json:"level"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
	Status            NodeStatus    `json:"status"`
}

func (n *Node) clone() Node {
	c := *n
	c.Predecessors = slices.Clone(n.Predecessors)
	c.Successors = slices.Clone(n.Successors)
	return c
}

// Metrics summarize a graph's shape.
type Metrics struct {
	TotalNodes         int           `json:"totalNodes"`
	TotalEdges         int           `json:"totalEdges"`
	MaxDepth           int           `json:"maxDepth"`
	CriticalPathLength time.Duration `json:"criticalPathLength"`
}

// Graph is a validated DAG.  Its methods are safe for concurrent use.
type Graph struct {
	id        string
	createdAt time.Time

	mu           sync.Mutex
	status       GraphStatus
	nodes        *orderedmap.OrderedMap[string, *Node]
	edges        []Edge
	levels       [][]string
	criticalPath []string
	metrics      Metrics
}

// Snapshot is a point-in-time copy of a graph.
type Snapshot struct {
	ID           string      `json:"id"`
	Status       GraphStatus `json:"status"`
	Nodes        []Node      `json:"nodes"`
	Edges        []Edge      `json:"edges"`
	Levels       [][]string  `json:"executionPlan"`
	CriticalPath []string    `json:"criticalPath"`
	Metrics      Metrics     `json:"metrics"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// ID returns the graph id.
func (g *Graph) ID() string { return g.id }

// Status returns the construction state.
func (g *Graph) Status() GraphStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// Levels returns the ready levels: every node's predecessors are in
// strictly lower levels.
func (g *Graph) Levels() [][]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([][]string, len(g.levels))
	for i, l := range g.levels {
		out[i] = slices.Clone(l)
	}
	return out
}

// CriticalPath returns the node ids of the longest chain by estimated
// duration, first to last.
func (g *Graph) CriticalPath() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return slices.Clone(g.criticalPath)
}

// Metrics returns shape metrics.
func (g *Graph) Metrics() Metrics {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.metrics
}

// NodeStatus returns the status of a node.
func (g *Graph) NodeStatus(id string) (NodeStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes.Get(id)
	if !ok {
		return "", false
	}
	return n.Status, true
}

// Predecessors returns a node's direct predecessors.
func (g *Graph) Predecessors(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if n, ok := g.nodes.Get(id); ok {
		return slices.Clone(n.Predecessors)
	}
	return nil
}

// Ready returns, in submission order, the nodes that may be admitted now.
func (g *Graph) Ready() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []string
	for el := g.nodes.Front(); el != nil; el = el.Next() {
		if el.Value.Status == NodeReady {
			ids = append(ids, el.Key)
		}
	}
	return ids
}

// MarkRunning moves a ready node to running.  It reports false if the node
// was not ready.
func (g *Graph) MarkRunning(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes.Get(id)
	if !ok || n.Status != NodeReady {
		return false
	}
	n.Status = NodeRunning
	return true
}

// MarkCompleted completes a node and returns the successors that became
// ready as a result.
func (g *Graph) MarkCompleted(id string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes.Get(id)
	if !ok || n.Status.Done() {
		return nil
	}
	n.Status = NodeCompleted

	var ready []string
	for _, sid := range n.Successors {
		s, _ := g.nodes.Get(sid)
		if s.Status != NodePending {
			continue
		}
		if g.satisfied(s) {
			s.Status = NodeReady
			ready = append(ready, sid)
		}
	}
	return ready
}

// MarkFailed fails a node and transitively blocks its descendants.  The
// newly blocked ids are returned.
func (g *Graph) MarkFailed(id string) []string {
	return g.finish(id, NodeFailed)
}

// MarkCancelled cancels a node and transitively blocks its descendants.
func (g *Graph) MarkCancelled(id string) []string {
	return g.finish(id, NodeCancelled)
}

func (g *Graph) finish(id string, status NodeStatus) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes.Get(id)
	if !ok || n.Status.Done() {
		return nil
	}
	n.Status = status

	var blocked []string
	queue := slices.Clone(n.Successors)
	for len(queue) > 0 {
		sid := queue[0]
		queue = queue[1:]
		s, _ := g.nodes.Get(sid)
		if s.Status.Done() || s.Status == NodeRunning {
			continue
		}
		s.Status = NodeBlocked
		blocked = append(blocked, sid)
		queue = append(queue, s.Successors...)
	}
	return blocked
}

// satisfied reports whether every predecessor of n completed.  Callers
// hold g.mu.
func (g *Graph) satisfied(n *Node) bool {
	for _, pid := range n.Predecessors {
		p, _ := g.nodes.Get(pid)
		if p.Status != NodeCompleted {
			return false
		}
	}
	return true
}

// Snapshot copies the graph.
func (g *Graph) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	nodes := make([]Node, 0, g.nodes.Len())
	for el := g.nodes.Front(); el != nil; el = el.Next() {
		nodes = append(nodes, el.Value.clone())
	}
	levels := make([][]string, len(g.levels))
	for i, l := range g.levels {
		levels[i] = slices.Clone(l)
	}
	return Snapshot{
		ID:           g.id,
		Status:       g.status,
		Nodes:        nodes,
		Edges:        slices.Clone(g.edges),
		Levels:       levels,
		CriticalPath: slices.Clone(g.criticalPath),
		Metrics:      g.metrics,
		CreatedAt:    g.createdAt,
	}
}

// EdgesFromMetadata derives edges from each request's DependsOn list.
func EdgesFromMetadata(jobs []*job.Request) []Edge {
	var edges []Edge
	for _, j := range jobs {
		for _, dep := range j.Metadata.DependsOn {
			edges = append(edges, Edge{From: dep, To: j.JobID})
		}
	}
	return edges
}
