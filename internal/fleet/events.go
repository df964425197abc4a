package fleet

import "time"

// Event kinds reported to an EventSink.
const (
	EventSeen          = "seen"
	EventEvicted       = "evicted"
	EventTargetSet     = "target_set"
	EventTargetCleared = "target_cleared"
	EventArrived       = "arrived"
	EventWaiting       = "waiting"
	EventMoving        = "moving"
	EventRerouted      = "rerouted"
	EventPlanFailed    = "plan_failed"
	EventPlanGaveUp    = "plan_gave_up"
	EventReserved      = "reserved"
	EventReleased      = "released"
)

// Event is one notable change in a vehicle's routing.
type Event struct {
	VehicleID int
	Kind      string
	NodeID    int // -1 when not applicable
	SegmentID int // -1 when not applicable
	Detail    string
	At        time.Time
}

// EventSink receives controller events. Record is called from the control
// loop and must not block for long.
type EventSink interface {
	Record(Event)
}

// NopSink discards events.
type NopSink struct{}

func (NopSink) Record(Event) {}
