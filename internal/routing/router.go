package routing

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/arterial/traffic-grid-controller/api/grid"
)

var (
	// ErrJunctionUnknown is returned when an endpoint is not in the graph.
	ErrJunctionUnknown = errors.New("junction not in road graph")
	// ErrNoPath is returned when the graph holds no route between the
	// endpoints. Callers may fall back to a direct two-node path.
	ErrNoPath = errors.New("no path between junctions")
)

// Route is a computed corridor: the junction sequence, the road ids
// between consecutive junctions, and the summed edge weight in meters.
type Route struct {
	Junctions           []string
	Roads               []string
	TotalDistanceMeters float64
}

type edgeKey struct {
	from int64
	to   int64
}

// Router answers shortest-path queries over the directed road graph.
// Nodes are junctions, edge weights are road lengths in meters, and the
// A* heuristic is the Euclidean distance between junction positions.
type Router struct {
	mu       sync.RWMutex
	graph    *simple.WeightedDirectedGraph
	idOf     map[string]int64
	keyOf    map[int64]string
	position map[int64]grid.Position
	roadOf   map[edgeKey]string

	rebuilds     atomic.Uint64
	pathQueries  atomic.Uint64
	pathFailures atomic.Uint64
}

// Stats captures router counters.
type Stats struct {
	Rebuilds     uint64
	PathQueries  uint64
	PathFailures uint64
	Junctions    int
	Edges        int
}

// NewRouter constructs an empty router; call Rebuild before querying.
func NewRouter() *Router {
	r := &Router{}
	r.resetLocked()
	return r
}

// Rebuild replaces the graph from the given topology. Junction ids map to
// node ids in sorted order so rebuilds are deterministic. Roads whose
// endpoints are unknown are skipped. Two-way roads contribute one edge
// per direction; parallel roads keep the shorter edge.
func (r *Router) Rebuild(junctions []grid.JunctionSnapshot, roads []grid.RoadSnapshot) error {
	ids := make([]string, 0, len(junctions))
	positions := make(map[string]grid.Position, len(junctions))
	for _, junction := range junctions {
		if err := junction.Validate(); err != nil {
			return fmt.Errorf("rebuild: %w", err)
		}
		if _, dup := positions[junction.ID]; dup {
			return fmt.Errorf("rebuild: duplicate junction %q", junction.ID)
		}
		positions[junction.ID] = junction.Position
		ids = append(ids, junction.ID)
	}
	sort.Strings(ids)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked()
	for i, junctionID := range ids {
		nodeID := int64(i)
		r.idOf[junctionID] = nodeID
		r.keyOf[nodeID] = junctionID
		r.position[nodeID] = positions[junctionID]
		r.graph.AddNode(simple.Node(nodeID))
	}
	for _, road := range roads {
		if road.Validate() != nil {
			continue
		}
		from, okFrom := r.idOf[road.StartJunction]
		to, okTo := r.idOf[road.EndJunction]
		if !okFrom || !okTo || from == to {
			continue
		}
		r.addEdgeLocked(from, to, road.LengthMeters, road.ID)
		if !road.OneWay {
			r.addEdgeLocked(to, from, road.LengthMeters, road.ID)
		}
	}
	r.rebuilds.Add(1)
	return nil
}

// FindPath runs A* between two junctions. Identical endpoints yield a
// single-node route of zero length.
func (r *Router) FindPath(startID, endID string) (Route, error) {
	r.pathQueries.Add(1)

	r.mu.RLock()
	defer r.mu.RUnlock()
	start, ok := r.idOf[startID]
	if !ok {
		r.pathFailures.Add(1)
		return Route{}, fmt.Errorf("%w: %q", ErrJunctionUnknown, startID)
	}
	end, ok := r.idOf[endID]
	if !ok {
		r.pathFailures.Add(1)
		return Route{}, fmt.Errorf("%w: %q", ErrJunctionUnknown, endID)
	}
	if start == end {
		return Route{Junctions: []string{startID}}, nil
	}

	heuristic := func(x, y graph.Node) float64 {
		return r.position[x.ID()].DistanceTo(r.position[y.ID()])
	}
	shortest, _ := path.AStar(simple.Node(start), simple.Node(end), r.graph, heuristic)
	nodes, weight := shortest.To(end)
	if len(nodes) == 0 || math.IsInf(weight, 1) {
		r.pathFailures.Add(1)
		return Route{}, fmt.Errorf("%w: %q to %q", ErrNoPath, startID, endID)
	}

	route := Route{
		Junctions:           make([]string, len(nodes)),
		Roads:               make([]string, 0, len(nodes)-1),
		TotalDistanceMeters: weight,
	}
	for i, node := range nodes {
		route.Junctions[i] = r.keyOf[node.ID()]
	}
	for i := 0; i+1 < len(nodes); i++ {
		route.Roads = append(route.Roads, r.roadOf[edgeKey{from: nodes[i].ID(), to: nodes[i+1].ID()}])
	}
	return route, nil
}

// Contains reports whether a junction is a node in the current graph.
func (r *Router) Contains(junctionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.idOf[junctionID]
	return ok
}

// Stats returns router counters and graph size.
func (r *Router) Stats() Stats {
	r.mu.RLock()
	junctions := len(r.idOf)
	edges := len(r.roadOf)
	r.mu.RUnlock()
	return Stats{
		Rebuilds:     r.rebuilds.Load(),
		PathQueries:  r.pathQueries.Load(),
		PathFailures: r.pathFailures.Load(),
		Junctions:    junctions,
		Edges:        edges,
	}
}

func (r *Router) addEdgeLocked(from, to int64, weight float64, roadID string) {
	key := edgeKey{from: from, to: to}
	if existing := r.graph.WeightedEdge(from, to); existing != nil && existing.Weight() <= weight {
		return
	}
	r.graph.SetWeightedEdge(simple.WeightedEdge{
		F: simple.Node(from),
		T: simple.Node(to),
		W: weight,
	})
	r.roadOf[key] = roadID
}

func (r *Router) resetLocked() {
	r.graph = simple.NewWeightedDirectedGraph(0, math.Inf(1))
	r.idOf = make(map[string]int64)
	r.keyOf = make(map[int64]string)
	r.position = make(map[int64]grid.Position)
	r.roadOf = make(map[edgeKey]string)
}
