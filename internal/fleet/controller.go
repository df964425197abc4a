// Package fleet is the supervisory control loop.
//
// A Controller owns every piece of mutable state: the tracker, the segment
// arbiter, and each vehicle's route and burst phase. It is driven by Tick
// from a single goroutine (see Run); operator requests are queued onto that
// goroutine and readers on other goroutines use the immutable Snapshot
// published after every tick.
//
// The arbiter is authoritative for segment occupancy. A vehicle record holds
// only its node path and cursor and asks the arbiter whether it still holds
// the segment it is driving.
package fleet

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/samber/lo"

	"github.com/banshee-data/floorfleet/internal/arbiter"
	"github.com/banshee-data/floorfleet/internal/config"
	"github.com/banshee-data/floorfleet/internal/geom"
	"github.com/banshee-data/floorfleet/internal/impulse"
	"github.com/banshee-data/floorfleet/internal/layout"
	"github.com/banshee-data/floorfleet/internal/monitoring"
	"github.com/banshee-data/floorfleet/internal/publish"
	"github.com/banshee-data/floorfleet/internal/timeutil"
	"github.com/banshee-data/floorfleet/internal/tracker"
	"github.com/banshee-data/floorfleet/internal/vision"
)

var logf = monitoring.Component("fleet")

var (
	ErrUnknownVehicle    = errors.New("unknown vehicle")
	ErrWaitingNodeTarget = errors.New("waiting nodes cannot be targets")
)

const noNode = -1

// DetectionSource yields one frame of detector records per call.
type DetectionSource interface {
	Next() ([]vision.RawRecord, error)
}

// Config gathers every tunable the controller uses.
type Config struct {
	TickInterval        time.Duration
	NodeSnapRadius      float64
	ReachTolerance      float64
	PlanGiveUp          time.Duration
	RerouteWhileWaiting bool
	PairTolerance       float64
	MaxVehicles         int

	Transform vision.TransformConfig
	Tracker   tracker.Config
	Impulse   impulse.Config
}

// ConfigFromFleet builds a controller Config from a loaded FleetConfig.
func ConfigFromFleet(cfg *config.FleetConfig) Config {
	return Config{
		TickInterval:        cfg.GetTickInterval(),
		NodeSnapRadius:      cfg.GetNodeSnapRadius(),
		ReachTolerance:      cfg.GetReachTolerance(),
		PlanGiveUp:          cfg.GetPlanGiveUp(),
		RerouteWhileWaiting: cfg.GetRerouteWhileWaiting(),
		PairTolerance:       cfg.GetPairTolerance(),
		MaxVehicles:         cfg.GetMaxVehicles(),
		Transform:           vision.TransformConfigFromFleet(cfg),
		Tracker:             tracker.ConfigFromFleet(cfg),
		Impulse:             impulse.ConfigFromFleet(cfg),
	}
}

// vehicle is the routing state of one tracked vehicle.
type vehicle struct {
	id    int
	state State
	node  int // current node, noNode until snapped

	target int   // noNode when there is no goal
	path   []int // node path; path[0] is the node the route started from
	cursor int   // index into path of the next node to reach

	planFailing  bool
	failingSince time.Time

	phase   impulse.Phase
	command impulse.Command
}

// segment returns the segment between path[cursor-1] and path[cursor].
func (v *vehicle) segment(g *layout.Graph) (int, bool) {
	if v.cursor < 1 || v.cursor >= len(v.path) {
		return -1, false
	}
	return g.SegmentBetween(v.path[v.cursor-1], v.path[v.cursor])
}

func (v *vehicle) clearRoute() {
	v.target = noNode
	v.path = nil
	v.cursor = 0
	v.planFailing = false
}

// Controller is the fleet supervisor.
type Controller struct {
	cfg       Config
	graph     *layout.Graph
	source    DetectionSource
	publisher *publish.Publisher
	clock     timeutil.Clock
	sink      EventSink

	arb      *arbiter.Arbiter
	trk      *tracker.Tracker
	shaper   *impulse.Shaper
	pipeline vision.Pipeline

	vehicles map[int]*vehicle
	selected *int
	ticks    uint64
	lastErr  string

	requests chan request
	snapshot atomic.Pointer[Snapshot]
}

// Options carries the controller's collaborators.
type Options struct {
	Graph     *layout.Graph
	Source    DetectionSource
	Publisher *publish.Publisher
	Clock     timeutil.Clock
	Sink      EventSink // optional
}

// NewController wires a controller. No goroutines are started.
func NewController(cfg Config, opts Options) *Controller {
	sink := opts.Sink
	if sink == nil {
		sink = NopSink{}
	}
	arb := arbiter.New(opts.Graph.SegmentIDs())
	c := &Controller{
		cfg:       cfg,
		graph:     opts.Graph,
		source:    opts.Source,
		publisher: opts.Publisher,
		clock:     opts.Clock,
		sink:      sink,
		arb:       arb,
		trk:       tracker.New(cfg.Tracker, arb),
		shaper:    impulse.NewShaper(cfg.Impulse),
		pipeline: vision.Pipeline{
			Transform:     vision.NewTransform(cfg.Transform),
			PairTolerance: cfg.PairTolerance,
			MaxVehicles:   cfg.MaxVehicles,
		},
		vehicles: make(map[int]*vehicle),
		requests: make(chan request, 64),
	}
	c.publishSnapshot(c.clock.Now(), nil)
	return c
}

// Graph returns the layout the controller routes over.
func (c *Controller) Graph() *layout.Graph { return c.graph }

func (c *Controller) emit(v *vehicle, kind string, node, seg int, detail string) {
	c.sink.Record(Event{
		VehicleID: v.id,
		Kind:      kind,
		NodeID:    node,
		SegmentID: seg,
		Detail:    detail,
		At:        c.clock.Now(),
	})
}

// Select marks the vehicle the operator is working with. Broadcast serial
// mode sends this vehicle's command.
func (c *Controller) Select(vehicleID int) error {
	if !c.knownVehicle(vehicleID) {
		return fmt.Errorf("select vehicle %d: %w", vehicleID, ErrUnknownVehicle)
	}
	id := vehicleID
	c.selected = &id
	return nil
}

// Selected returns the selected vehicle, if any.
func (c *Controller) Selected() (int, bool) {
	if c.selected == nil {
		return 0, false
	}
	return *c.selected, true
}

func (c *Controller) knownVehicle(id int) bool {
	if _, ok := c.vehicles[id]; ok {
		return true
	}
	_, ok := c.graph.Home(id)
	return ok
}

// SetTarget routes a tracked vehicle to node target. A vehicle driving a
// segment keeps its reservation and takes the new route from the node at
// the end of that segment; otherwise any queue slot is given up and the
// route is planned now. If no path exists yet the vehicle waits and is
// replanned every tick.
func (c *Controller) SetTarget(vehicleID, target int) error {
	v, ok := c.vehicles[vehicleID]
	if !ok {
		return fmt.Errorf("set target for vehicle %d: %w", vehicleID, ErrUnknownVehicle)
	}
	n, ok := c.graph.Node(target)
	if !ok {
		return fmt.Errorf("set target %d: %w", target, layout.ErrUnknownNode)
	}
	if n.Kind == layout.KindWaiting {
		return fmt.Errorf("set target %d: %w", target, ErrWaitingNodeTarget)
	}

	if c.finishLeg(v) {
		v.target = target
		c.emit(v, EventTargetSet, target, -1, fmt.Sprintf("after node %d", v.path[v.cursor]))
		logf("vehicle %d target set to node %d after node %d", v.id, target, v.path[v.cursor])
		return nil
	}

	if seg := c.arb.RemoveVehicle(v.id); seg >= 0 {
		c.emit(v, EventReleased, v.node, seg, "retarget")
	}
	v.clearRoute()
	v.target = target
	c.emit(v, EventTargetSet, target, -1, "")
	logf("vehicle %d target set to node %d", v.id, target)
	c.replan(v, c.clock.Now())
	return nil
}

// ClearTarget drops the vehicle's route and stops it. A vehicle driving a
// segment first completes it and stops at its end node.
func (c *Controller) ClearTarget(vehicleID int) error {
	v, ok := c.vehicles[vehicleID]
	if !ok {
		return fmt.Errorf("clear target for vehicle %d: %w", vehicleID, ErrUnknownVehicle)
	}
	if c.finishLeg(v) {
		v.target = noNode
		c.emit(v, EventTargetCleared, v.path[v.cursor], -1, "at end of segment")
		return nil
	}
	if seg := c.arb.RemoveVehicle(v.id); seg >= 0 {
		c.emit(v, EventReleased, v.node, seg, "cleared")
	}
	v.clearRoute()
	v.state = StateArrived
	c.emit(v, EventTargetCleared, v.node, -1, "")
	return nil
}

// finishLeg cuts the route of a vehicle that is out on its current segment
// down to that segment, so the reservation is held until the vehicle
// reaches the far node. It reports false for vehicles that are not moving
// or have not left the start node yet; those can be rerouted in place.
func (c *Controller) finishLeg(v *vehicle) bool {
	if v.state != StateMoving {
		return false
	}
	seg, ok := v.segment(c.graph)
	if !ok || !c.arb.Holds(seg, v.id) {
		return false
	}
	if tv, ok := c.trk.Get(v.id); ok {
		from, _ := c.graph.Node(v.path[v.cursor-1])
		if geom.Distance(tv.Position, from.Pos()) <= c.cfg.ReachTolerance {
			return false
		}
	}
	v.path = slices.Clone(v.path[:v.cursor+1])
	return true
}

// replan plans the vehicle's route from its current node to its target.
func (c *Controller) replan(v *vehicle, now time.Time) {
	v.path = nil
	v.cursor = 0
	v.planFailing = false
	if c.plan(v) {
		c.afterPlan(v, now)
	} else {
		c.startPlanFailure(v, now)
	}
}

// plan computes a node path from the vehicle's current node to its target.
// Segments held by other vehicles are avoided when possible; otherwise the
// optimal layout path is used and the vehicle will queue on it.
func (c *Controller) plan(v *vehicle) bool {
	if v.node == noNode || v.target == noNode {
		return false
	}
	segs, ok := c.graph.ShortestPath(v.node, v.target, c.arb.OccupiedByOthers(v.id))
	if !ok {
		segs, ok = c.graph.ShortestPath(v.node, v.target, nil)
	}
	if !ok {
		return false
	}
	nodes, err := c.graph.NodesAlong(v.node, segs)
	if err != nil {
		logf("vehicle %d: %v", v.id, err)
		return false
	}
	v.path = nodes
	v.cursor = 1
	v.planFailing = false
	return true
}

// afterPlan moves a freshly planned vehicle to IDLE, or straight to ARRIVED
// when it is already at its target.
func (c *Controller) afterPlan(v *vehicle, now time.Time) {
	if len(v.path) <= 1 {
		c.arrive(v, now)
		return
	}
	v.state = StateIdle
}

func (c *Controller) startPlanFailure(v *vehicle, now time.Time) {
	v.path = nil
	v.cursor = 0
	if !v.planFailing {
		v.planFailing = true
		v.failingSince = now
		c.emit(v, EventPlanFailed, v.target, -1, fmt.Sprintf("from node %d", v.node))
	}
	v.state = StateWaiting
}

func (c *Controller) arrive(v *vehicle, now time.Time) {
	logf("vehicle %d arrived at node %d", v.id, v.node)
	c.emit(v, EventArrived, v.node, -1, "")
	v.clearRoute()
	v.state = StateArrived
	v.command = c.shaper.Hold(&v.phase, now)
}

// snap places a vehicle on the nearest node within the snap radius when it
// has no node yet or has drifted away from it.
func (c *Controller) snap(v *vehicle, pos geom.WorldPoint) {
	if v.node != noNode {
		if n, ok := c.graph.Node(v.node); ok && geom.Distance(n.Pos(), pos) <= c.cfg.NodeSnapRadius {
			return
		}
	}
	if id, ok := c.graph.NearestNode(pos, c.cfg.NodeSnapRadius); ok {
		if id != v.node {
			logf("vehicle %d snapped to node %d", v.id, id)
		}
		v.node = id
		return
	}
	v.node = noNode
}

// Tick runs one control cycle at time now.
func (c *Controller) Tick(now time.Time) *publish.Document {
	c.ticks++

	records, err := c.source.Next()
	if err != nil {
		if msg := err.Error(); msg != c.lastErr {
			logf("detector input: %v", err)
			c.lastErr = msg
		}
		records = nil
	} else {
		c.lastErr = ""
	}

	poses := c.pipeline.Poses(records, now)
	for _, id := range c.trk.Update(poses) {
		v := &vehicle{id: id, state: StateArrived, node: noNode, target: noNode}
		c.vehicles[id] = v
		if tv, ok := c.trk.Get(id); ok {
			c.snap(v, tv.Position)
		}
		c.emit(v, EventSeen, v.node, -1, "")
	}
	for _, id := range c.trk.Sweep(now) {
		if v, ok := c.vehicles[id]; ok {
			c.emit(v, EventEvicted, v.node, -1, "")
			if v.target != noNode {
				logf("vehicle %d lost while routed to node %d; target forgotten", id, v.target)
			}
			delete(c.vehicles, id)
		}
	}

	ids := lo.Keys(c.vehicles)
	slices.Sort(ids)
	cmds := make([]publish.CommandRecord, 0, len(ids))
	for _, id := range ids {
		v := c.vehicles[id]
		c.step(v, now)
		cmds = append(cmds, publish.CommandRecord{VehicleID: id, Command: v.command})
	}

	doc := c.publish(cmds)
	c.publishSnapshot(now, doc)
	return doc
}

func (c *Controller) publish(records []publish.CommandRecord) *publish.Document {
	if c.publisher == nil {
		return nil
	}
	doc, err := c.publisher.Publish(c.selected, records)
	if err != nil {
		logf("publish: %v", err)
	}
	return doc
}

// Shutdown releases every reservation, stops every vehicle and publishes a
// final all-stop document.
func (c *Controller) Shutdown() *publish.Document {
	c.arb.ReleaseAll()
	now := c.clock.Now()
	ids := lo.Keys(c.vehicles)
	slices.Sort(ids)
	records := make([]publish.CommandRecord, 0, len(ids))
	for _, id := range ids {
		v := c.vehicles[id]
		v.clearRoute()
		v.state = StateArrived
		v.command = c.shaper.Hold(&v.phase, now)
		records = append(records, publish.CommandRecord{VehicleID: id, Command: impulse.Stop})
	}
	logf("shutdown: released all segments, stopping %d vehicles", len(ids))
	doc := c.publish(records)
	c.publishSnapshot(now, doc)
	return doc
}
