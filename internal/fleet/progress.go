package fleet

import (
	"time"

	"github.com/banshee-data/floorfleet/internal/geom"
	"github.com/banshee-data/floorfleet/internal/tracker"
)

// step advances one vehicle's state machine and sets its command.
func (c *Controller) step(v *vehicle, now time.Time) {
	tv, ok := c.trk.Get(v.id)
	if !ok {
		v.command = c.shaper.Hold(&v.phase, now)
		return
	}

	switch v.state {
	case StateArrived:
		c.snap(v, tv.Position)
		v.command = c.shaper.Hold(&v.phase, now)
		return
	case StateWaiting:
		if !c.stepWaiting(v, tv, now) {
			v.command = c.shaper.Hold(&v.phase, now)
			return
		}
	}

	// IDLE may become MOVING within the same tick.
	if v.state == StateIdle {
		if !c.enter(v) {
			v.command = c.shaper.Hold(&v.phase, now)
			return
		}
	}
	if v.state == StateMoving {
		c.stepMoving(v, tv, now)
		return
	}
	v.command = c.shaper.Hold(&v.phase, now)
}

// stepWaiting reports whether the vehicle left WAITING for IDLE.
func (c *Controller) stepWaiting(v *vehicle, tv tracker.Vehicle, now time.Time) bool {
	if len(v.path) == 0 {
		// Planning starts from a node, so a vehicle that had none when the
		// target was set is placed again from where it stands now.
		c.snap(v, tv.Position)
		if c.plan(v) {
			logf("vehicle %d: path to node %d found", v.id, v.target)
			c.afterPlan(v, now)
			return v.state == StateIdle
		}
		if now.Sub(v.failingSince) >= c.cfg.PlanGiveUp {
			logf("warning: vehicle %d gave up on node %d after %s", v.id, v.target, c.cfg.PlanGiveUp)
			c.emit(v, EventPlanGaveUp, v.target, -1, "")
			v.clearRoute()
			v.state = StateArrived
		}
		return false
	}

	seg, ok := v.segment(c.graph)
	if !ok {
		v.path = nil
		return false
	}
	if c.arb.Holds(seg, v.id) {
		v.state = StateIdle
		return true
	}
	if c.cfg.RerouteWhileWaiting && c.reroute(v, seg) {
		v.state = StateIdle
		return true
	}
	c.arb.Enqueue(seg, v.id)
	return false
}

// reroute looks for a path from the current node that avoids every segment
// occupied by another vehicle and starts on a different segment than the
// one the vehicle is queued for.
func (c *Controller) reroute(v *vehicle, queuedOn int) bool {
	from := v.path[v.cursor-1]
	segs, ok := c.graph.ShortestPath(from, v.target, c.arb.OccupiedByOthers(v.id))
	if !ok || len(segs) == 0 || segs[0] == queuedOn {
		return false
	}
	nodes, err := c.graph.NodesAlong(from, segs)
	if err != nil {
		return false
	}
	c.arb.RemoveVehicle(v.id)
	v.node = from
	v.path = nodes
	v.cursor = 1
	c.emit(v, EventRerouted, from, segs[0], "")
	logf("vehicle %d rerouted via segment %d", v.id, segs[0])
	return true
}

// enter tries to reserve the next segment. On denial the vehicle queues and
// waits.
func (c *Controller) enter(v *vehicle) bool {
	seg, ok := v.segment(c.graph)
	if !ok {
		v.path = nil
		v.state = StateWaiting
		return false
	}
	if c.arb.Reserve(seg, v.id) {
		if v.state != StateMoving {
			c.emit(v, EventReserved, v.path[v.cursor-1], seg, "")
			c.emit(v, EventMoving, v.path[v.cursor], seg, "")
		}
		v.state = StateMoving
		return true
	}
	c.arb.Enqueue(seg, v.id)
	if v.state != StateWaiting {
		c.emit(v, EventWaiting, v.path[v.cursor-1], seg, "")
	}
	v.state = StateWaiting
	return false
}

func (c *Controller) stepMoving(v *vehicle, tv tracker.Vehicle, now time.Time) {
	seg, ok := v.segment(c.graph)
	if !ok || !c.arb.Holds(seg, v.id) {
		logf("vehicle %d lost its reservation on segment %d", v.id, seg)
		v.state = StateIdle
		c.enter(v)
		v.command = c.shaper.Hold(&v.phase, now)
		return
	}

	next := v.path[v.cursor]
	n, _ := c.graph.Node(next)
	if geom.Distance(tv.Position, n.Pos()) <= c.cfg.ReachTolerance {
		if promoted := c.arb.Release(seg, v.id); promoted != 0 {
			logf("segment %d handed to vehicle %d", seg, promoted)
		}
		c.emit(v, EventReleased, next, seg, "")
		v.node = next
		v.cursor++
		if v.cursor >= len(v.path) {
			if v.target == noNode || v.target == v.node {
				c.arrive(v, now)
				return
			}
			// Retargeted while on the segment.
			c.replan(v, now)
			v.command = c.shaper.Hold(&v.phase, now)
			return
		}
		v.state = StateIdle
		if !c.enter(v) {
			v.command = c.shaper.Hold(&v.phase, now)
			return
		}
		n, _ = c.graph.Node(v.path[v.cursor])
	}

	v.command = c.shaper.Decide(&v.phase, tv.Position, tv.HeadingDeg, n.Pos(), now)
}
