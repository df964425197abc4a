// Package layout loads the factory-floor graph and answers the routing
// queries the controller needs: nearest node, shortest path under a set of
// blocked segments, and the node sequence along a segment path.
//
// Segments are undirected. A graph never holds two segments between the
// same pair of nodes.
package layout

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/samber/lo"
	"gonum.org/v1/gonum/graph/path"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"github.com/banshee-data/floorfleet/internal/geom"
)

//go:embed default_layout.json
var defaultLayoutJSON []byte

// Sentinel errors returned by Graph queries and validation.
var (
	ErrUnknownNode    = errors.New("unknown node")
	ErrUnknownSegment = errors.New("unknown segment")
	ErrInvalidLayout  = errors.New("invalid layout")
)

// NodeKind classifies nodes.
type NodeKind string

const (
	KindJunction NodeKind = "junction"
	// KindWaiting nodes sit on approaches to junctions; a blocked vehicle
	// may stop there, but they are never route targets.
	KindWaiting NodeKind = "waiting"
)

// Node is a graph vertex in world coordinates.
type Node struct {
	ID   int      `json:"id"`
	X    float64  `json:"x"`
	Y    float64  `json:"y"`
	Kind NodeKind `json:"kind,omitempty"`
}

// Pos returns the node position.
func (n Node) Pos() geom.WorldPoint { return geom.Pt(n.X, n.Y) }

// Segment is an undirected edge. Cost defaults to the Euclidean length.
type Segment struct {
	ID    int      `json:"id"`
	Start int      `json:"start"`
	End   int      `json:"end"`
	Cost  *float64 `json:"cost,omitempty"`
}

// Other returns the endpoint opposite from, or -1 when from is not an
// endpoint.
func (s Segment) Other(from int) int {
	switch from {
	case s.Start:
		return s.End
	case s.End:
		return s.Start
	}
	return -1
}

// VehicleHome declares a vehicle and the node it starts at.
type VehicleHome struct {
	ID   int `json:"id"`
	Home int `json:"home"`
}

// Document is the on-disk layout format.
type Document struct {
	Name     string        `json:"name"`
	Nodes    []Node        `json:"nodes"`
	Segments []Segment     `json:"segments"`
	Vehicles []VehicleHome `json:"vehicles,omitempty"`
}

type nodePair struct{ a, b int }

func pairOf(a, b int) nodePair {
	if a > b {
		a, b = b, a
	}
	return nodePair{a, b}
}

// Graph is a validated, immutable layout.
type Graph struct {
	name     string
	nodes    map[int]Node
	nodeIDs  []int
	segments map[int]Segment
	segIDs   []int
	costs    map[int]float64
	byPair   map[nodePair]int
	vehicles []VehicleHome
}

// Parse decodes and validates a layout document.
func Parse(data []byte) (*Graph, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidLayout, err)
	}
	return New(doc)
}

// LoadFile reads a layout document from a JSON file.
func LoadFile(path string) (*Graph, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read layout %s: %w", path, err)
	}
	g, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("layout %s: %w", path, err)
	}
	return g, nil
}

// Default returns the compiled-in layout.
func Default() (*Graph, error) {
	return Parse(defaultLayoutJSON)
}

// New validates doc and builds a Graph from it.
func New(doc Document) (*Graph, error) {
	if len(doc.Nodes) == 0 {
		return nil, fmt.Errorf("%w: no nodes", ErrInvalidLayout)
	}
	g := &Graph{
		name:     doc.Name,
		nodes:    make(map[int]Node, len(doc.Nodes)),
		segments: make(map[int]Segment, len(doc.Segments)),
		costs:    make(map[int]float64, len(doc.Segments)),
		byPair:   make(map[nodePair]int, len(doc.Segments)),
	}

	for _, n := range doc.Nodes {
		if n.ID < 0 {
			return nil, fmt.Errorf("%w: negative node id %d", ErrInvalidLayout, n.ID)
		}
		if _, dup := g.nodes[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate node %d", ErrInvalidLayout, n.ID)
		}
		switch n.Kind {
		case "":
			n.Kind = KindJunction
		case KindJunction, KindWaiting:
		default:
			return nil, fmt.Errorf("%w: node %d has unknown kind %q", ErrInvalidLayout, n.ID, n.Kind)
		}
		g.nodes[n.ID] = n
	}

	for _, s := range doc.Segments {
		if _, dup := g.segments[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate segment %d", ErrInvalidLayout, s.ID)
		}
		a, okA := g.nodes[s.Start]
		b, okB := g.nodes[s.End]
		if !okA || !okB {
			return nil, fmt.Errorf("%w: segment %d references unknown node", ErrInvalidLayout, s.ID)
		}
		if s.Start == s.End {
			return nil, fmt.Errorf("%w: segment %d is a loop on node %d", ErrInvalidLayout, s.ID, s.Start)
		}
		key := pairOf(s.Start, s.End)
		if other, dup := g.byPair[key]; dup {
			return nil, fmt.Errorf("%w: segments %d and %d join the same nodes", ErrInvalidLayout, other, s.ID)
		}
		cost := geom.Distance(a.Pos(), b.Pos())
		if s.Cost != nil {
			cost = *s.Cost
		}
		if cost < 0 || math.IsNaN(cost) || math.IsInf(cost, 0) {
			return nil, fmt.Errorf("%w: segment %d has invalid cost %v", ErrInvalidLayout, s.ID, cost)
		}
		g.segments[s.ID] = s
		g.costs[s.ID] = cost
		g.byPair[key] = s.ID
	}

	g.nodeIDs = lo.Keys(g.nodes)
	slices.Sort(g.nodeIDs)
	g.segIDs = lo.Keys(g.segments)
	slices.Sort(g.segIDs)

	if err := g.validateVehicles(doc.Vehicles); err != nil {
		return nil, err
	}
	g.vehicles = slices.Clone(doc.Vehicles)
	return g, nil
}

// validateVehicles requires every declared home to exist and all homes to
// share one connected component.
func (g *Graph) validateVehicles(vehicles []VehicleHome) error {
	if len(vehicles) == 0 {
		return nil
	}
	seen := make(map[int]bool, len(vehicles))
	for _, v := range vehicles {
		if v.ID < 1 {
			return fmt.Errorf("%w: vehicle id %d must be positive", ErrInvalidLayout, v.ID)
		}
		if seen[v.ID] {
			return fmt.Errorf("%w: vehicle %d declared twice", ErrInvalidLayout, v.ID)
		}
		seen[v.ID] = true
		if _, ok := g.nodes[v.Home]; !ok {
			return fmt.Errorf("%w: vehicle %d home %d: %w", ErrInvalidLayout, v.ID, v.Home, ErrUnknownNode)
		}
	}

	component := make(map[int64]int)
	for i, comp := range topo.ConnectedComponents(g.weighted(nil)) {
		for _, n := range comp {
			component[n.ID()] = i
		}
	}
	first := vehicles[0]
	for _, v := range vehicles[1:] {
		if component[int64(v.Home)] != component[int64(first.Home)] {
			return fmt.Errorf("%w: vehicle %d home %d is unreachable from vehicle %d home %d",
				ErrInvalidLayout, v.ID, v.Home, first.ID, first.Home)
		}
	}
	return nil
}

// weighted builds a gonum graph over every node, omitting blocked segments.
func (g *Graph) weighted(blocked map[int]bool) *simple.WeightedUndirectedGraph {
	wg := simple.NewWeightedUndirectedGraph(0, math.Inf(1))
	for _, id := range g.nodeIDs {
		wg.AddNode(simple.Node(id))
	}
	for _, id := range g.segIDs {
		if blocked[id] {
			continue
		}
		s := g.segments[id]
		wg.SetWeightedEdge(wg.NewWeightedEdge(simple.Node(s.Start), simple.Node(s.End), g.costs[id]))
	}
	return wg
}

// Name returns the layout name.
func (g *Graph) Name() string { return g.name }

// Node looks up a node by id.
func (g *Graph) Node(id int) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node ordered by id.
func (g *Graph) Nodes() []Node {
	return lo.Map(g.nodeIDs, func(id int, _ int) Node { return g.nodes[id] })
}

// Segment looks up a segment by id.
func (g *Graph) Segment(id int) (Segment, bool) {
	s, ok := g.segments[id]
	return s, ok
}

// Segments returns every segment ordered by id.
func (g *Graph) Segments() []Segment {
	return lo.Map(g.segIDs, func(id int, _ int) Segment { return g.segments[id] })
}

// SegmentIDs returns every segment id in ascending order.
func (g *Graph) SegmentIDs() []int { return slices.Clone(g.segIDs) }

// Cost returns the traversal cost of a segment.
func (g *Graph) Cost(segID int) float64 { return g.costs[segID] }

// SegmentBetween returns the segment joining a and b in either direction.
func (g *Graph) SegmentBetween(a, b int) (int, bool) {
	id, ok := g.byPair[pairOf(a, b)]
	return id, ok
}

// Vehicles returns the declared vehicles and their home nodes.
func (g *Graph) Vehicles() []VehicleHome { return slices.Clone(g.vehicles) }

// Home returns the declared home node of a vehicle.
func (g *Graph) Home(vehicleID int) (int, bool) {
	v, ok := lo.Find(g.vehicles, func(v VehicleHome) bool { return v.ID == vehicleID })
	return v.Home, ok
}

// NearestNode returns the node closest to p within radius r. Ties go to the
// lowest node id.
func (g *Graph) NearestNode(p geom.WorldPoint, r float64) (int, bool) {
	best, bestDist := -1, math.Inf(1)
	for _, id := range g.nodeIDs {
		d := geom.Distance(p, g.nodes[id].Pos())
		if d <= r && d < bestDist {
			best, bestDist = id, d
		}
	}
	return best, best >= 0
}

// ShortestPath returns the minimum-cost list of segment ids leading from src
// to dst without using any segment in blocked. The second result is false
// when no such path exists or either node is unknown. A path from a node to
// itself is empty.
func (g *Graph) ShortestPath(src, dst int, blocked map[int]bool) ([]int, bool) {
	if _, ok := g.nodes[src]; !ok {
		return nil, false
	}
	if _, ok := g.nodes[dst]; !ok {
		return nil, false
	}
	if src == dst {
		return []int{}, true
	}

	wg := g.weighted(blocked)
	nodes, cost := path.DijkstraFrom(simple.Node(src), wg).To(int64(dst))
	if len(nodes) == 0 || math.IsInf(cost, 1) {
		return nil, false
	}

	segs := make([]int, 0, len(nodes)-1)
	for i := 1; i < len(nodes); i++ {
		id, ok := g.byPair[pairOf(int(nodes[i-1].ID()), int(nodes[i].ID()))]
		if !ok {
			return nil, false
		}
		segs = append(segs, id)
	}
	return segs, true
}

// NodesAlong lifts a segment path that starts at src into the node path it
// visits, beginning with src itself.
func (g *Graph) NodesAlong(src int, segs []int) ([]int, error) {
	if _, ok := g.nodes[src]; !ok {
		return nil, fmt.Errorf("node %d: %w", src, ErrUnknownNode)
	}
	nodes := make([]int, 0, len(segs)+1)
	nodes = append(nodes, src)
	cur := src
	for _, id := range segs {
		s, ok := g.segments[id]
		if !ok {
			return nil, fmt.Errorf("segment %d: %w", id, ErrUnknownSegment)
		}
		next := s.Other(cur)
		if next < 0 {
			return nil, fmt.Errorf("segment %d does not touch node %d", id, cur)
		}
		nodes = append(nodes, next)
		cur = next
	}
	return nodes, nil
}

// PathCost sums the cost of a segment path.
func (g *Graph) PathCost(segs []int) float64 {
	return lo.SumBy(segs, func(id int) float64 { return g.costs[id] })
}
