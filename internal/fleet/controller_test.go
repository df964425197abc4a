package fleet

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/floorfleet/internal/arbiter"
	"github.com/banshee-data/floorfleet/internal/fsutil"
	"github.com/banshee-data/floorfleet/internal/impulse"
	"github.com/banshee-data/floorfleet/internal/layout"
	"github.com/banshee-data/floorfleet/internal/publish"
	"github.com/banshee-data/floorfleet/internal/timeutil"
	"github.com/banshee-data/floorfleet/internal/tracker"
	"github.com/banshee-data/floorfleet/internal/vision"
)

const (
	testWidth  = 1920
	testHeight = 1200
)

func testConfig() Config {
	return Config{
		TickInterval:        50 * time.Millisecond,
		NodeSnapRadius:      200,
		ReachTolerance:      40,
		PlanGiveUp:          5 * time.Second,
		RerouteWhileWaiting: true,
		PairTolerance:       250,
		MaxVehicles:         4,
		Transform: vision.TransformConfig{
			WorldWidth: testWidth, WorldHeight: testHeight, Margin: 50,
			ScaleX: 1, ScaleY: 1,
		},
		Tracker: tracker.Config{Alpha: 1, StaleTimeout: 10 * time.Second},
		Impulse: impulse.Config{
			HeadingToleranceDeg: 4,
			Burst:               50 * time.Millisecond,
			Pause:               100 * time.Millisecond,
		},
	}
}

// fakeSource serves whatever poses the test placed on it, once per call.
type fakeSource struct {
	mu      sync.Mutex
	records []vision.RawRecord
	err     error
}

func (s *fakeSource) Next() ([]vision.RawRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]vision.RawRecord(nil), s.records...), s.err
}

// place puts vehicle id at (x, y) facing headingDeg, replacing any earlier
// markers for it.
func (s *fakeSource) place(id int, x, y, headingDeg float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.records[:0]
	for i := 0; i+1 < len(s.records); i += 2 {
		if s.records[i].RearID != id {
			kept = append(kept, s.records[i], s.records[i+1])
		}
	}
	rad := headingDeg * math.Pi / 180
	dx, dy := 15*math.Cos(rad), 15*math.Sin(rad)
	s.records = append(kept,
		vision.RawRecord{Kind: vision.MarkerRear, RearID: id, X: x - dx, Y: y - dy, CropW: testWidth, CropH: testHeight},
		vision.RawRecord{Kind: vision.MarkerFront, X: x + dx, Y: y + dy, CropW: testWidth, CropH: testHeight},
	)
}

func (s *fakeSource) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
}

type recordingSink struct {
	events []Event
}

func (r *recordingSink) Record(e Event) { r.events = append(r.events, e) }

func (r *recordingSink) kinds(vehicleID int) []string {
	var out []string
	for _, e := range r.events {
		if e.VehicleID == vehicleID {
			out = append(out, e.Kind)
		}
	}
	return out
}

type harness struct {
	c     *Controller
	src   *fakeSource
	clock *timeutil.MockClock
	sink  *recordingSink
	fs    *fsutil.MemoryFileSystem
}

func newHarness(t *testing.T, g *layout.Graph, cfg Config) *harness {
	t.Helper()
	clock := timeutil.NewMockClock(time.Unix(1000, 0))
	fs := fsutil.NewMemoryFileSystem()
	h := &harness{
		src:   &fakeSource{},
		clock: clock,
		sink:  &recordingSink{},
		fs:    fs,
	}
	h.c = NewController(cfg, Options{
		Graph:     g,
		Source:    h.src,
		Publisher: publish.NewPublisher(publish.NewMailbox(), fs, "/run/commands.json", clock),
		Clock:     clock,
		Sink:      h.sink,
	})
	return h
}

func (h *harness) tick(t *testing.T) *publish.Document {
	t.Helper()
	h.clock.Advance(50 * time.Millisecond)
	doc := h.c.Tick(h.clock.Now())
	require.NoError(t, h.c.arb.CheckInvariants())
	return doc
}

func (h *harness) vehicle(t *testing.T, id int) *vehicle {
	t.Helper()
	v, ok := h.c.vehicles[id]
	require.True(t, ok, "vehicle %d not tracked", id)
	return v
}

func mustGraph(t *testing.T, doc layout.Document) *layout.Graph {
	t.Helper()
	g, err := layout.New(doc)
	require.NoError(t, err)
	return g
}

// lineLayout is 1 -(1)- 2 -(2)- 3 along y=100, plus an unreachable node 9.
func lineLayout(t *testing.T) *layout.Graph {
	return mustGraph(t, layout.Document{
		Name: "line",
		Nodes: []layout.Node{
			{ID: 1, X: 100, Y: 100},
			{ID: 2, X: 500, Y: 100},
			{ID: 3, X: 900, Y: 100},
			{ID: 9, X: 900, Y: 900},
		},
		Segments: []layout.Segment{
			{ID: 1, Start: 1, End: 2},
			{ID: 2, Start: 2, End: 3},
		},
	})
}

// squareLayout is a 400-unit square 1-2-3-4 with segments 1..4 around it.
func squareLayout(t *testing.T) *layout.Graph {
	return mustGraph(t, layout.Document{
		Name: "square",
		Nodes: []layout.Node{
			{ID: 1, X: 100, Y: 100},
			{ID: 2, X: 500, Y: 100},
			{ID: 3, X: 500, Y: 500},
			{ID: 4, X: 100, Y: 500},
		},
		Segments: []layout.Segment{
			{ID: 1, Start: 1, End: 2},
			{ID: 2, Start: 2, End: 3},
			{ID: 3, Start: 3, End: 4},
			{ID: 4, Start: 4, End: 1},
		},
	})
}

func TestController_FirstSightingSnapsAndArrives(t *testing.T) {
	h := newHarness(t, lineLayout(t), testConfig())
	h.src.place(1, 110, 95, 0)

	doc := h.tick(t)

	v := h.vehicle(t, 1)
	assert.Equal(t, StateArrived, v.state)
	assert.Equal(t, 1, v.node)
	assert.Equal(t, noNode, v.target)
	require.NotNil(t, doc)
	assert.Equal(t, []publish.CommandRecord{{VehicleID: 1, Command: impulse.Stop}}, doc.Commands)
	assert.Equal(t, []string{EventSeen}, h.sink.kinds(1))
	assert.True(t, h.fs.Exists("/run/commands.json"))
}

func TestController_RouteProgression(t *testing.T) {
	h := newHarness(t, lineLayout(t), testConfig())
	h.src.place(1, 100, 100, 0)
	h.tick(t)

	require.NoError(t, h.c.SetTarget(1, 3))
	v := h.vehicle(t, 1)
	assert.Equal(t, StateIdle, v.state)
	assert.Equal(t, []int{1, 2, 3}, v.path)
	assert.Equal(t, 1, v.cursor)

	// IDLE reserves and starts driving in the same tick.
	doc := h.tick(t)
	assert.Equal(t, StateMoving, v.state)
	assert.True(t, h.c.arb.Holds(1, 1))
	cmd, ok := doc.CommandFor(1)
	require.True(t, ok)
	assert.Equal(t, impulse.Forward, cmd)

	for _, x := range []float64{400, 440} {
		h.src.place(1, x, 100, 0)
		h.tick(t)
		assert.Equal(t, 1, v.cursor, "x=%v", x)
		assert.True(t, h.c.arb.Holds(1, 1))
	}

	// Within reach of node 2: segment 1 released, segment 2 acquired.
	h.src.place(1, 480, 100, 0)
	h.tick(t)
	assert.Equal(t, 2, v.cursor)
	assert.Equal(t, 2, v.node)
	assert.Equal(t, arbiter.NoVehicle, h.c.arb.Occupant(1))
	assert.True(t, h.c.arb.Holds(2, 1))
	assert.Equal(t, StateMoving, v.state)

	h.src.place(1, 890, 100, 0)
	doc = h.tick(t)
	assert.Equal(t, StateArrived, v.state)
	assert.Equal(t, 3, v.node)
	assert.Equal(t, noNode, v.target)
	assert.Equal(t, arbiter.NoVehicle, h.c.arb.Occupant(2))
	cmd, _ = doc.CommandFor(1)
	assert.Equal(t, impulse.Stop, cmd)

	assert.Equal(t, []string{
		EventSeen, EventTargetSet,
		EventReserved, EventMoving,
		EventReleased, EventReserved, EventMoving,
		EventReleased, EventArrived,
	}, h.sink.kinds(1))
}

func TestController_SetTargetAtCurrentNodeArrives(t *testing.T) {
	h := newHarness(t, lineLayout(t), testConfig())
	h.src.place(1, 500, 100, 0)
	h.tick(t)

	require.NoError(t, h.c.SetTarget(1, 2))
	v := h.vehicle(t, 1)
	assert.Equal(t, StateArrived, v.state)
	assert.Equal(t, noNode, v.target)
}

func TestController_QueueAndHandOff(t *testing.T) {
	cfg := testConfig()
	cfg.RerouteWhileWaiting = false
	h := newHarness(t, lineLayout(t), cfg)
	h.src.place(1, 500, 100, 180)
	// Parked just off node 1 so the markers stay apart when vehicle 1 arrives.
	h.src.place(2, 100, 160, 0)
	h.tick(t)

	require.NoError(t, h.c.SetTarget(1, 1))
	require.NoError(t, h.c.SetTarget(2, 2))
	h.tick(t)

	v1, v2 := h.vehicle(t, 1), h.vehicle(t, 2)
	assert.Equal(t, StateMoving, v1.state)
	assert.Equal(t, StateWaiting, v2.state)
	assert.Equal(t, []int{2}, h.c.arb.Queue(1))

	doc := h.tick(t)
	cmd, _ := doc.CommandFor(2)
	assert.Equal(t, impulse.Stop, cmd)
	assert.Equal(t, StateWaiting, v2.state)

	// Vehicle 1 reaches node 1 and hands segment 1 to vehicle 2.
	h.src.place(1, 110, 100, 180)
	h.tick(t)
	assert.Equal(t, StateArrived, v1.state)
	assert.True(t, h.c.arb.Holds(1, 2))

	h.tick(t)
	assert.Equal(t, StateMoving, v2.state)
	assert.Empty(t, h.c.arb.Queue(1))
}

func TestController_RerouteWhileWaiting(t *testing.T) {
	tests := []struct {
		name     string
		reroute  bool
		wantPath []int
		want     State
	}{
		{name: "reroute", reroute: true, wantPath: []int{2, 3, 4, 1}, want: StateMoving},
		{name: "stay queued", reroute: false, wantPath: []int{2, 1}, want: StateWaiting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.RerouteWhileWaiting = tt.reroute
			h := newHarness(t, squareLayout(t), cfg)
			h.src.place(1, 100, 100, 0)
			h.src.place(2, 500, 100, 180)
			h.tick(t)

			require.NoError(t, h.c.SetTarget(1, 2))
			require.NoError(t, h.c.SetTarget(2, 1))
			h.tick(t)
			v2 := h.vehicle(t, 2)
			require.Equal(t, StateWaiting, v2.state)

			h.tick(t)
			assert.Equal(t, tt.want, v2.state)
			if diff := cmp.Diff(tt.wantPath, v2.path); diff != "" {
				t.Errorf("path mismatch (-want +got):\n%s", diff)
			}
			if tt.reroute {
				assert.True(t, h.c.arb.Holds(2, 2))
				assert.Empty(t, h.c.arb.Queue(1))
				assert.Contains(t, h.sink.kinds(2), EventRerouted)
			} else {
				assert.Equal(t, []int{2}, h.c.arb.Queue(1))
			}
		})
	}
}

func TestController_PlannerAvoidsOccupiedSegments(t *testing.T) {
	h := newHarness(t, squareLayout(t), testConfig())
	h.src.place(1, 100, 100, 0)
	h.src.place(2, 500, 100, 180)
	h.tick(t)

	require.NoError(t, h.c.SetTarget(1, 2))
	h.tick(t)
	require.True(t, h.c.arb.Holds(1, 1))

	require.NoError(t, h.c.SetTarget(2, 1))
	assert.Equal(t, []int{2, 3, 4, 1}, h.vehicle(t, 2).path)
}

func TestController_PlanGiveUp(t *testing.T) {
	h := newHarness(t, lineLayout(t), testConfig())
	h.src.place(1, 100, 100, 0)
	h.tick(t)

	require.NoError(t, h.c.SetTarget(1, 9))
	v := h.vehicle(t, 1)
	assert.Equal(t, StateWaiting, v.state)
	assert.Equal(t, 9, v.target)

	h.clock.Advance(4 * time.Second)
	h.tick(t)
	assert.Equal(t, StateWaiting, v.state)
	assert.Equal(t, 9, v.target)

	h.clock.Advance(time.Second)
	h.tick(t)
	assert.Equal(t, StateArrived, v.state)
	assert.Equal(t, noNode, v.target)
	assert.Equal(t, []string{EventSeen, EventTargetSet, EventPlanFailed, EventPlanGaveUp}, h.sink.kinds(1))
}

func TestController_EvictionReleasesSegment(t *testing.T) {
	h := newHarness(t, lineLayout(t), testConfig())
	h.src.place(1, 100, 100, 0)
	h.tick(t)
	require.NoError(t, h.c.SetTarget(1, 3))
	h.tick(t)
	require.True(t, h.c.arb.Holds(1, 1))

	h.src.clear()
	h.clock.Advance(9 * time.Second)
	h.tick(t)
	assert.Contains(t, h.c.vehicles, 1)

	h.clock.Advance(time.Second)
	doc := h.tick(t)
	assert.NotContains(t, h.c.vehicles, 1)
	assert.Equal(t, arbiter.NoVehicle, h.c.arb.Occupant(1))
	assert.Empty(t, doc.Commands)
	assert.Contains(t, h.sink.kinds(1), EventEvicted)
}

func TestController_SetTargetErrors(t *testing.T) {
	g, err := layout.Default()
	require.NoError(t, err)
	h := newHarness(t, g, testConfig())
	h.src.place(1, 300, 300, 0)
	h.tick(t)

	assert.ErrorIs(t, h.c.SetTarget(3, 1), ErrUnknownVehicle)
	assert.ErrorIs(t, h.c.SetTarget(1, 99), layout.ErrUnknownNode)
	assert.ErrorIs(t, h.c.SetTarget(1, 11), ErrWaitingNodeTarget)
	assert.ErrorIs(t, h.c.ClearTarget(3), ErrUnknownVehicle)
	assert.Equal(t, StateArrived, h.vehicle(t, 1).state)
}

func TestController_ClearTargetStops(t *testing.T) {
	h := newHarness(t, lineLayout(t), testConfig())
	h.src.place(1, 100, 100, 0)
	h.tick(t)
	require.NoError(t, h.c.SetTarget(1, 3))
	h.tick(t)

	require.NoError(t, h.c.ClearTarget(1))
	v := h.vehicle(t, 1)
	assert.Equal(t, StateArrived, v.state)
	assert.Equal(t, arbiter.NoVehicle, h.c.arb.Occupant(1))

	// Let the pause that follows the cut-short burst run out.
	h.clock.Advance(200 * time.Millisecond)
	doc := h.tick(t)
	cmd, _ := doc.CommandFor(1)
	assert.Equal(t, impulse.Stop, cmd)
}

func TestController_Select(t *testing.T) {
	g, err := layout.Default()
	require.NoError(t, err)
	h := newHarness(t, g, testConfig())
	h.src.place(1, 300, 300, 0)
	h.tick(t)

	assert.ErrorIs(t, h.c.Select(9), ErrUnknownVehicle)
	// Declared in the layout but not seen yet.
	require.NoError(t, h.c.Select(4))
	require.NoError(t, h.c.Select(1))

	doc := h.tick(t)
	require.NotNil(t, doc.Selected)
	assert.Equal(t, 1, *doc.Selected)
	sel, ok := h.c.Selected()
	assert.True(t, ok)
	assert.Equal(t, 1, sel)
}

func TestController_Shutdown(t *testing.T) {
	h := newHarness(t, lineLayout(t), testConfig())
	h.src.place(1, 100, 100, 0)
	h.src.place(2, 900, 100, 180)
	h.tick(t)
	require.NoError(t, h.c.SetTarget(1, 3))
	h.tick(t)
	require.True(t, h.c.arb.Holds(1, 1))

	doc := h.c.Shutdown()
	require.NotNil(t, doc)
	assert.Equal(t, []publish.CommandRecord{
		{VehicleID: 1, Command: impulse.Stop},
		{VehicleID: 2, Command: impulse.Stop},
	}, doc.Commands)
	for _, s := range h.c.arb.Snapshot() {
		assert.Equal(t, arbiter.NoVehicle, s.Occupant)
		assert.Empty(t, s.Queue)
	}
	latest, err := h.c.publisher.Mailbox().Latest()
	require.NoError(t, err)
	assert.Equal(t, doc.Version, latest.Version)
}

func TestController_Snapshot(t *testing.T) {
	h := newHarness(t, lineLayout(t), testConfig())
	require.NotNil(t, h.c.Snapshot())
	assert.Empty(t, h.c.Snapshot().Vehicles)

	h.src.place(1, 100, 100, 0)
	h.tick(t)
	require.NoError(t, h.c.SetTarget(1, 3))
	h.tick(t)

	s := h.c.Snapshot()
	assert.Equal(t, uint64(2), s.Tick)
	vs, ok := s.Vehicle(1)
	require.True(t, ok)
	assert.Equal(t, StateMoving, vs.State)
	assert.Equal(t, []int{1, 2, 3}, vs.Path)
	assert.InDelta(t, 100, vs.X, 1e-9)
	assert.Equal(t, 1, s.Segments[0].Occupant)
	require.NotNil(t, s.Document)
}

func TestController_SourceErrorIsTransient(t *testing.T) {
	h := newHarness(t, lineLayout(t), testConfig())
	h.src.place(1, 100, 100, 0)
	h.tick(t)

	h.src.mu.Lock()
	h.src.err = assert.AnError
	h.src.mu.Unlock()
	doc := h.tick(t)
	assert.Len(t, doc.Commands, 1)
	assert.Contains(t, h.c.vehicles, 1)
}

func TestController_RunAppliesRequests(t *testing.T) {
	h := newHarness(t, lineLayout(t), testConfig())
	h.src.place(1, 100, 100, 0)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- h.c.Run(ctx) }()

	require.Eventually(t, func() bool {
		h.clock.Advance(50 * time.Millisecond)
		s := h.c.Snapshot()
		_, ok := s.Vehicle(1)
		return ok
	}, 2*time.Second, time.Millisecond)

	reqDone := make(chan error, 1)
	go func() {
		reqDone <- h.c.Do(context.Background(), func(c *Controller) error { return c.SetTarget(1, 3) })
	}()
	require.Eventually(t, func() bool {
		h.clock.Advance(50 * time.Millisecond)
		select {
		case err := <-reqDone:
			assert.NoError(t, err)
			return true
		default:
			return false
		}
	}, 2*time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	s := h.c.Snapshot()
	vs, ok := s.Vehicle(1)
	require.True(t, ok)
	assert.Equal(t, StateArrived, vs.State)
	for _, seg := range s.Segments {
		assert.Equal(t, arbiter.NoVehicle, seg.Occupant)
	}

	err := h.c.Do(ctx, func(*Controller) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

// triangleLayout joins 1(100,100), 2(500,100) and 3(300,400) with
// segments 1 (1-2), 2 (2-3) and 3 (3-1).
func triangleLayout(t *testing.T) *layout.Graph {
	return mustGraph(t, layout.Document{
		Name: "triangle",
		Nodes: []layout.Node{
			{ID: 1, X: 100, Y: 100},
			{ID: 2, X: 500, Y: 100},
			{ID: 3, X: 300, Y: 400},
		},
		Segments: []layout.Segment{
			{ID: 1, Start: 1, End: 2},
			{ID: 2, Start: 2, End: 3},
			{ID: 3, Start: 3, End: 1},
		},
	})
}

func TestController_WaitingVehicleWithoutNodeSnapsAndPlans(t *testing.T) {
	h := newHarness(t, lineLayout(t), testConfig())
	h.src.place(1, 600, 600, 0)
	h.tick(t)

	v := h.vehicle(t, 1)
	require.Equal(t, noNode, v.node)
	require.NoError(t, h.c.SetTarget(1, 2))
	assert.Equal(t, StateWaiting, v.state)

	h.clock.Advance(time.Second)
	h.tick(t)
	assert.Equal(t, StateWaiting, v.state, "still off the layout")

	h.src.place(1, 100, 100, 0)
	h.tick(t)
	assert.Equal(t, 1, v.node)
	assert.Equal(t, []int{1, 2}, v.path)
	assert.Equal(t, StateMoving, v.state)
	assert.True(t, h.c.arb.Holds(1, 1))

	h.clock.Advance(6 * time.Second)
	h.tick(t)
	assert.Equal(t, 2, v.target)
	assert.NotContains(t, h.sink.kinds(1), EventPlanGaveUp)
}

func TestController_RetargetMidSegmentKeepsReservation(t *testing.T) {
	h := newHarness(t, triangleLayout(t), testConfig())
	h.src.place(1, 100, 100, 0)
	h.src.place(2, 500, 100, 180)
	h.tick(t)

	require.NoError(t, h.c.SetTarget(1, 2))
	h.tick(t)
	a, b := h.vehicle(t, 1), h.vehicle(t, 2)
	require.Equal(t, StateMoving, a.state)

	h.src.place(1, 300, 100, 0)
	h.tick(t)
	require.True(t, h.c.arb.Holds(1, 1))

	require.NoError(t, h.c.SetTarget(1, 3))
	assert.True(t, h.c.arb.Holds(1, 1), "segment under the vehicle stays reserved")
	assert.Equal(t, StateMoving, a.state)
	assert.Equal(t, []int{1, 2}, a.path)
	assert.Equal(t, 3, a.target)

	require.NoError(t, h.c.SetTarget(2, 1))
	assert.Equal(t, []int{2, 3, 1}, b.path)
	h.tick(t)
	assert.True(t, h.c.arb.Holds(1, 1))
	assert.True(t, h.c.arb.Holds(2, 2))

	// B is out on segment 2 when A reaches node 2 and picks up its new
	// route there.
	h.src.place(2, 420, 220, 124)
	h.src.place(1, 480, 100, 0)
	h.tick(t)
	assert.Equal(t, 2, a.node)
	assert.Equal(t, StateIdle, a.state)
	assert.Equal(t, []int{2, 1, 3}, a.path)
	assert.Equal(t, arbiter.NoVehicle, h.c.arb.Occupant(1))
	assert.True(t, h.c.arb.Holds(2, 2))
	assert.NotContains(t, h.sink.kinds(1), EventArrived)

	h.tick(t)
	assert.Equal(t, StateMoving, a.state)
	assert.True(t, h.c.arb.Holds(1, 1))
}

func TestController_ClearTargetMidSegmentStopsAtNextNode(t *testing.T) {
	h := newHarness(t, lineLayout(t), testConfig())
	h.src.place(1, 100, 100, 0)
	h.tick(t)
	require.NoError(t, h.c.SetTarget(1, 3))
	h.tick(t)
	h.src.place(1, 300, 100, 0)
	h.tick(t)

	require.NoError(t, h.c.ClearTarget(1))
	v := h.vehicle(t, 1)
	assert.Equal(t, StateMoving, v.state)
	assert.Equal(t, noNode, v.target)
	assert.Equal(t, []int{1, 2}, v.path)
	assert.True(t, h.c.arb.Holds(1, 1))

	h.src.place(1, 490, 100, 0)
	h.tick(t)
	assert.Equal(t, StateArrived, v.state)
	assert.Equal(t, 2, v.node)
	assert.Equal(t, arbiter.NoVehicle, h.c.arb.Occupant(1))
	assert.Equal(t, arbiter.NoVehicle, h.c.arb.Occupant(2))
}
