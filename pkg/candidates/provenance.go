package candidates

import (
	"fmt"
	"sort"
	"sync"

	"github.com/agenc-labs/agenc-core/pkg/task"
)

// Relation names an edge kind in the provenance graph.
type Relation string

const RelationContradicts Relation = "contradicts"

// Edge relates two candidate nodes. Edges hold node ids, never pointers,
// so contradiction cycles cannot create ownership cycles.
type Edge struct {
	ID       string   `json:"id"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Relation Relation `json:"relation"`
}

// Graph is an adjacency-list provenance graph keyed by candidate-scoped
// node ids of the form "candidate:{taskId}:{candId}".
type Graph struct {
	mu       sync.Mutex
	nodes    map[string]struct{}
	adjacent map[string][]string // node id -> edge ids
	edges    map[string]Edge
	seq      int
}

// NewGraph creates an empty provenance graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:    make(map[string]struct{}),
		adjacent: make(map[string][]string),
		edges:    make(map[string]Edge),
	}
}

// NodeID builds the stable node id for a candidate.
func NodeID(taskID task.ID, candidateID string) string {
	return fmt.Sprintf("candidate:%s:%s", taskID.Hex(), candidateID)
}

// UpsertNode registers a node; repeated upserts are idempotent.
func (g *Graph) UpsertNode(nodeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes[nodeID] = struct{}{}
}

// AddEdge inserts a directed edge and returns its id.
func (g *Graph) AddEdge(from, to string, rel Relation) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes[from] = struct{}{}
	g.nodes[to] = struct{}{}
	g.seq++
	id := fmt.Sprintf("edge-%d", g.seq)
	g.edges[id] = Edge{ID: id, From: from, To: to, Relation: rel}
	g.adjacent[from] = append(g.adjacent[from], id)
	g.adjacent[to] = append(g.adjacent[to], id)
	return id
}

// Edge returns the edge with the given id.
func (g *Graph) Edge(id string) (Edge, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.edges[id]
	return e, ok
}

// EdgesOf returns the ids of every edge touching a node, in insertion order.
func (g *Graph) EdgesOf(nodeID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.adjacent[nodeID]))
	copy(out, g.adjacent[nodeID])
	return out
}

// Nodes returns all node ids, sorted.
func (g *Graph) Nodes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
