package fleet

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/banshee-data/floorfleet/internal/arbiter"
	"github.com/banshee-data/floorfleet/internal/impulse"
	"github.com/banshee-data/floorfleet/internal/publish"
)

// ErrStopped is returned by Do once the control loop has exited.
var ErrStopped = errors.New("control loop stopped")

type request struct {
	fn   func(*Controller) error
	done chan error
}

// Do queues fn to run on the control loop at the start of the next tick
// and waits for its result.
func (c *Controller) Do(ctx context.Context, fn func(*Controller) error) error {
	r := request{fn: fn, done: make(chan error, 1)}
	select {
	case c.requests <- r:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-r.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) drainRequests() {
	for {
		select {
		case r := <-c.requests:
			r.done <- r.fn(c)
		default:
			return
		}
	}
}

// Run drives the controller at the configured tick interval until ctx is
// cancelled, then shuts the fleet down.
func (c *Controller) Run(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	logf("control loop started at %s per tick", c.cfg.TickInterval)
	for {
		select {
		case <-ctx.Done():
			c.drainRequests()
			c.Shutdown()
			c.failPending()
			return nil
		case now := <-ticker.C():
			c.drainRequests()
			c.Tick(now)
		}
	}
}

func (c *Controller) failPending() {
	for {
		select {
		case r := <-c.requests:
			r.done <- ErrStopped
		default:
			return
		}
	}
}

// VehicleStatus is the read-only view of one vehicle.
type VehicleStatus struct {
	ID         int             `json:"id"`
	X          float64         `json:"x"`
	Y          float64         `json:"y"`
	HeadingDeg float64         `json:"heading_deg"`
	State      State           `json:"state"`
	Node       int             `json:"node"`
	Target     int             `json:"target"`
	Path       []int           `json:"path"`
	Cursor     int             `json:"cursor"`
	Command    impulse.Command `json:"command"`
	LastSeen   time.Time       `json:"last_seen"`
}

// Snapshot is an immutable view of the controller after a tick.
type Snapshot struct {
	Tick     uint64                 `json:"tick"`
	Time     time.Time              `json:"time"`
	Selected *int                   `json:"selected,omitempty"`
	Vehicles []VehicleStatus        `json:"vehicles"`
	Segments []arbiter.SegmentState `json:"segments"`
	Document *publish.Document      `json:"document,omitempty"`
}

// Vehicle returns the status of one vehicle in the snapshot.
func (s *Snapshot) Vehicle(id int) (VehicleStatus, bool) {
	return lo.Find(s.Vehicles, func(v VehicleStatus) bool { return v.ID == id })
}

// Snapshot returns the most recent snapshot. It is safe to call from any
// goroutine.
func (c *Controller) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

func (c *Controller) publishSnapshot(now time.Time, doc *publish.Document) {
	ids := lo.Keys(c.vehicles)
	slices.Sort(ids)
	s := &Snapshot{
		Tick:     c.ticks,
		Time:     now,
		Vehicles: make([]VehicleStatus, 0, len(ids)),
		Segments: c.arb.Snapshot(),
		Document: doc,
	}
	if c.selected != nil {
		sel := *c.selected
		s.Selected = &sel
	}
	if doc == nil {
		if prev := c.snapshot.Load(); prev != nil {
			s.Document = prev.Document
		}
	}
	for _, id := range ids {
		v := c.vehicles[id]
		st := VehicleStatus{
			ID:      id,
			State:   v.state,
			Node:    v.node,
			Target:  v.target,
			Path:    slices.Clone(v.path),
			Cursor:  v.cursor,
			Command: v.command,
		}
		if tv, ok := c.trk.Get(id); ok {
			st.X, st.Y = tv.Position.X, tv.Position.Y
			st.HeadingDeg = tv.HeadingDeg
			st.LastSeen = tv.LastSeen
		}
		s.Vehicles = append(s.Vehicles, st)
	}
	c.snapshot.Store(s)
}
