// Package graphmem is the thin concept-graph contract: named concepts
// linked by weighted, typed relations (SUPPORTS, CONSTRAINS, PART_OF).
// The graph is strictly optional — every failure surfaces as
// ErrGraphUnavailable and callers proceed without graph context.
package graphmem

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/liliang-cn/sqvect/v2/pkg/graph"
	"go.uber.org/zap"

	"github.com/hurttlocker/engram/internal/embed"
	"github.com/hurttlocker/engram/internal/logging"
	"github.com/hurttlocker/engram/internal/vector"
)

// Relation types.
const (
	RelSupports   = "SUPPORTS"
	RelConstrains = "CONSTRAINS"
	RelPartOf     = "PART_OF"
)

// ErrGraphUnavailable is returned for every graph failure, including a
// graph that was never enabled. Callers degrade gracefully.
var ErrGraphUnavailable = errors.New("graph unavailable")

// Related is one graph neighborhood hit.
type Related struct {
	Name     string
	RelType  string
	Weight   float64
	Distance int
}

// Query is the structured query shape RunQuery accepts.
type Query struct {
	NodeType string
	EdgeType string
	Limit    int
}

// Row is one structured query result.
type Row struct {
	From     string
	EdgeType string
	To       string
	Weight   float64
}

// Options configures the graph memory.
type Options struct {
	Vectors  *vector.DB // Graph() may be nil; all calls then fail soft
	Embedder embed.Embedder
	Logger   *zap.Logger
}

// Graph is the concept-graph memory layer.
type Graph struct {
	store    *graph.GraphStore
	embedder embed.Embedder
	log      *zap.Logger
}

// New creates the graph memory. A nil graph handle is allowed: the layer
// then reports ErrGraphUnavailable on every call.
func New(opts Options) *Graph {
	var gs *graph.GraphStore
	if opts.Vectors != nil {
		gs = opts.Vectors.Graph()
	}
	return &Graph{
		store:    gs,
		embedder: opts.Embedder,
		log:      logging.OrNop(opts.Logger),
	}
}

// Available reports whether the graph backend is wired.
func (g *Graph) Available() bool { return g.store != nil }

func nodeID(name string) string {
	return "concept:" + strings.ToLower(strings.TrimSpace(name))
}

func conceptName(id string) string {
	return strings.TrimPrefix(id, "concept:")
}

func (g *Graph) unavailable(op string, err error) error {
	if err == nil {
		return fmt.Errorf("%s: %w", op, ErrGraphUnavailable)
	}
	g.log.Warn("graph operation failed", zap.String("op", op), zap.Error(err))
	return fmt.Errorf("%s: %w: %v", op, ErrGraphUnavailable, err)
}

// StoreConcept upserts a named concept node tagged with its domain.
func (g *Graph) StoreConcept(ctx context.Context, name, domain string) error {
	if g.store == nil || g.embedder == nil {
		return g.unavailable("store concept", nil)
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("concept name is empty")
	}
	vec, err := g.embedder.Embed(ctx, name)
	if err != nil {
		return g.unavailable("embedding concept", err)
	}
	node := &graph.GraphNode{
		ID:       nodeID(name),
		Vector:   vec,
		Content:  name,
		NodeType: "concept",
		Properties: map[string]interface{}{
			"domain": domain,
		},
	}
	if err := g.store.UpsertNode(ctx, node); err != nil {
		return g.unavailable("upserting concept", err)
	}
	return nil
}

// LinkConcepts creates (or reweights) a typed directed relation between
// two existing concepts.
func (g *Graph) LinkConcepts(ctx context.Context, from, to, relType string, weight float64) error {
	if g.store == nil {
		return g.unavailable("link concepts", nil)
	}
	if weight <= 0 {
		weight = 1.0
	}
	edge := &graph.GraphEdge{
		ID:         nodeID(from) + "->" + nodeID(to) + ":" + relType,
		FromNodeID: nodeID(from),
		ToNodeID:   nodeID(to),
		EdgeType:   relType,
		Weight:     weight,
	}
	if err := g.store.UpsertEdge(ctx, edge); err != nil {
		return g.unavailable("upserting relation", err)
	}
	return nil
}

// FindRelated walks the neighborhood of a concept up to maxDepth hops and
// returns related concepts with the relation that reached them.
func (g *Graph) FindRelated(ctx context.Context, name string, maxDepth int) ([]Related, error) {
	if g.store == nil {
		return nil, g.unavailable("find related", nil)
	}
	if maxDepth <= 0 {
		maxDepth = 1
	}

	start := nodeID(name)
	visited := map[string]struct{}{start: {}}
	frontier := []string{start}
	out := make([]Related, 0, 8)

	for depth := 1; depth <= maxDepth && len(frontier) > 0; depth++ {
		next := make([]string, 0, len(frontier))
		for _, id := range frontier {
			edges, err := g.store.GetEdges(ctx, id, "both")
			if err != nil {
				return nil, g.unavailable("walking edges", err)
			}
			for _, e := range edges {
				neighbor := e.ToNodeID
				if neighbor == id {
					neighbor = e.FromNodeID
				}
				if _, ok := visited[neighbor]; ok {
					continue
				}
				visited[neighbor] = struct{}{}
				out = append(out, Related{
					Name:     conceptName(neighbor),
					RelType:  e.EdgeType,
					Weight:   e.Weight,
					Distance: depth,
				})
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return out, nil
}

// RunQuery executes a structured query: all relations of one edge type,
// optionally restricted to a node type, up to Limit rows.
func (g *Graph) RunQuery(ctx context.Context, q Query) ([]Row, error) {
	if g.store == nil {
		return nil, g.unavailable("run query", nil)
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}

	filter := &graph.GraphFilter{}
	if q.NodeType != "" {
		filter.NodeTypes = []string{q.NodeType}
	}
	nodes, err := g.store.GetAllNodes(ctx, filter)
	if err != nil {
		return nil, g.unavailable("listing nodes", err)
	}

	rows := make([]Row, 0, q.Limit)
	seen := make(map[string]struct{})
	for _, n := range nodes {
		edges, err := g.store.GetEdges(ctx, n.ID, "out")
		if err != nil {
			return nil, g.unavailable("listing edges", err)
		}
		for _, e := range edges {
			if q.EdgeType != "" && e.EdgeType != q.EdgeType {
				continue
			}
			if _, ok := seen[e.ID]; ok {
				continue
			}
			seen[e.ID] = struct{}{}
			rows = append(rows, Row{
				From:     conceptName(e.FromNodeID),
				EdgeType: e.EdgeType,
				To:       conceptName(e.ToNodeID),
				Weight:   e.Weight,
			})
			if len(rows) == q.Limit {
				return rows, nil
			}
		}
	}
	return rows, nil
}
