// Package arbiter grants exclusive access to layout segments.
//
// Every segment has at most one occupant and an ordered queue of waiting
// vehicles. Releasing a segment hands it to the head of its queue in the
// same call, so planning later in the same tick sees the new occupant.
// A vehicle occupies or waits on at most one segment at any moment.
//
// The arbiter is not safe for concurrent use; it is owned by the control
// loop.
package arbiter

import (
	"fmt"
	"slices"

	"github.com/samber/lo"

	"github.com/banshee-data/floorfleet/internal/monitoring"
)

// NoVehicle marks an empty occupant slot. Vehicle ids start at 1.
const NoVehicle = 0

var logf = monitoring.Component("arbiter")

// SegmentState is a copy of one segment's occupancy.
type SegmentState struct {
	SegmentID int   `json:"segment_id"`
	Occupant  int   `json:"occupant"` // NoVehicle when free
	Queue     []int `json:"queue"`
}

type slot struct {
	segment int
	queued  bool
}

// Arbiter tracks occupancy and queues for a fixed set of segments.
type Arbiter struct {
	segments map[int]*SegmentState
	slots    map[int]slot // vehicle id -> the one segment it holds or waits on
}

// New creates an arbiter for the given segment ids, all initially free.
func New(segmentIDs []int) *Arbiter {
	a := &Arbiter{
		segments: make(map[int]*SegmentState, len(segmentIDs)),
		slots:    make(map[int]slot),
	}
	for _, id := range segmentIDs {
		a.segments[id] = &SegmentState{SegmentID: id}
	}
	return a
}

// CanEnter reports whether v may occupy seg now.
func (a *Arbiter) CanEnter(seg, v int) bool {
	s, ok := a.segments[seg]
	if !ok || v == NoVehicle {
		return false
	}
	return s.Occupant == NoVehicle || s.Occupant == v
}

// Reserve makes v the occupant of seg. It is idempotent for the current
// occupant. It fails when the segment is held by someone else or v already
// holds or waits on a different segment.
func (a *Arbiter) Reserve(seg, v int) bool {
	if !a.CanEnter(seg, v) {
		return false
	}
	s := a.segments[seg]
	if s.Occupant == v {
		return true
	}
	if cur, ok := a.slots[v]; ok {
		if cur.segment != seg {
			return false
		}
		// Waiting on a free segment: step out of the queue and take it.
		s.Queue = lo.Without(s.Queue, v)
	}
	s.Occupant = v
	a.slots[v] = slot{segment: seg}
	return true
}

// Release frees seg if v occupies it and hands it to the queue head. It
// returns the promoted vehicle, or NoVehicle when the segment is now free
// or v was not the occupant.
func (a *Arbiter) Release(seg, v int) int {
	s, ok := a.segments[seg]
	if !ok || v == NoVehicle || s.Occupant != v {
		return NoVehicle
	}
	delete(a.slots, v)
	s.Occupant = NoVehicle
	return a.promote(s)
}

func (a *Arbiter) promote(s *SegmentState) int {
	if s.Occupant != NoVehicle || len(s.Queue) == 0 {
		return NoVehicle
	}
	head := s.Queue[0]
	s.Queue = slices.Delete(s.Queue, 0, 1)
	s.Occupant = head
	a.slots[head] = slot{segment: s.SegmentID}
	logf("segment %d handed off to vehicle %d", s.SegmentID, head)
	return head
}

// Enqueue appends v to the queue of seg. It is a no-op returning true when
// v already occupies or waits on seg, and fails when v is tied to another
// segment. Enqueueing onto a free segment promotes immediately.
func (a *Arbiter) Enqueue(seg, v int) bool {
	s, ok := a.segments[seg]
	if !ok || v == NoVehicle {
		return false
	}
	if cur, held := a.slots[v]; held {
		return cur.segment == seg
	}
	s.Queue = append(s.Queue, v)
	a.slots[v] = slot{segment: seg, queued: true}
	a.promote(s)
	return true
}

// RemoveVehicle releases whatever v occupies and drops it from every queue.
// It returns the segment that was affected, or -1 when v held nothing.
func (a *Arbiter) RemoveVehicle(v int) int {
	cur, ok := a.slots[v]
	if !ok {
		return -1
	}
	s := a.segments[cur.segment]
	if cur.queued {
		s.Queue = lo.Without(s.Queue, v)
		delete(a.slots, v)
		return cur.segment
	}
	a.Release(cur.segment, v)
	return cur.segment
}

// Occupant returns the vehicle holding seg, or NoVehicle.
func (a *Arbiter) Occupant(seg int) int {
	if s, ok := a.segments[seg]; ok {
		return s.Occupant
	}
	return NoVehicle
}

// Holds reports whether v is the occupant of seg.
func (a *Arbiter) Holds(seg, v int) bool {
	return v != NoVehicle && a.Occupant(seg) == v
}

// Queue returns a copy of the waiting queue for seg.
func (a *Arbiter) Queue(seg int) []int {
	if s, ok := a.segments[seg]; ok {
		return slices.Clone(s.Queue)
	}
	return nil
}

// Slot returns the segment v occupies or waits on.
func (a *Arbiter) Slot(v int) (seg int, queued bool, ok bool) {
	cur, ok := a.slots[v]
	return cur.segment, cur.queued, ok
}

// OccupiedByOthers returns the set of segments whose occupant is someone
// other than v.
func (a *Arbiter) OccupiedByOthers(v int) map[int]bool {
	out := make(map[int]bool)
	for id, s := range a.segments {
		if s.Occupant != NoVehicle && s.Occupant != v {
			out[id] = true
		}
	}
	return out
}

// ReleaseAll frees every segment and empties every queue.
func (a *Arbiter) ReleaseAll() {
	for _, s := range a.segments {
		s.Occupant = NoVehicle
		s.Queue = nil
	}
	clear(a.slots)
}

// Snapshot returns the state of every segment ordered by segment id.
func (a *Arbiter) Snapshot() []SegmentState {
	ids := lo.Keys(a.segments)
	slices.Sort(ids)
	return lo.Map(ids, func(id int, _ int) SegmentState {
		s := a.segments[id]
		return SegmentState{SegmentID: id, Occupant: s.Occupant, Queue: slices.Clone(s.Queue)}
	})
}

// CheckInvariants verifies the occupancy rules and returns the first
// violation found.
func (a *Arbiter) CheckInvariants() error {
	seen := make(map[int]int)
	for _, s := range a.Snapshot() {
		if s.Occupant == NoVehicle && len(s.Queue) > 0 {
			return fmt.Errorf("segment %d is free with %d waiting", s.SegmentID, len(s.Queue))
		}
		if s.Occupant != NoVehicle {
			if lo.Contains(s.Queue, s.Occupant) {
				return fmt.Errorf("segment %d occupant %d is also queued", s.SegmentID, s.Occupant)
			}
			seen[s.Occupant]++
		}
		for _, v := range s.Queue {
			seen[v]++
		}
	}
	for v, n := range seen {
		if n > 1 {
			return fmt.Errorf("vehicle %d appears in %d slots", v, n)
		}
	}
	if len(seen) != len(a.slots) {
		return fmt.Errorf("slot index tracks %d vehicles, segments reference %d", len(a.slots), len(seen))
	}
	return nil
}
