package db

import (
	"sync"
	"sync/atomic"

	"github.com/banshee-data/floorfleet/internal/fleet"
)

// EventSink stores controller events without blocking the control loop.
// Events are buffered and written by a background goroutine; when the
// buffer is full new events are dropped and counted.
type EventSink struct {
	db     *DB
	runID  string
	events chan fleet.Event
	done   chan struct{}

	closeOnce sync.Once
	dropped   atomic.Int64
	written   atomic.Int64
}

// NewEventSink starts a sink that tags every event with runID.
func NewEventSink(db *DB, runID string, buffer int) *EventSink {
	if buffer < 1 {
		buffer = 256
	}
	s := &EventSink{
		db:     db,
		runID:  runID,
		events: make(chan fleet.Event, buffer),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

// Record implements fleet.EventSink.
func (s *EventSink) Record(e fleet.Event) {
	select {
	case s.events <- e:
	default:
		if s.dropped.Add(1) == 1 {
			logf("event buffer full, dropping events")
		}
	}
}

func (s *EventSink) loop() {
	defer close(s.done)
	for e := range s.events {
		err := s.db.RecordEvent(VehicleEvent{
			RunID:      s.runID,
			VehicleID:  e.VehicleID,
			Kind:       e.Kind,
			NodeID:     e.NodeID,
			SegmentID:  e.SegmentID,
			Detail:     e.Detail,
			RecordedAt: e.At,
		})
		if err != nil {
			logf("record %s event for vehicle %d: %v", e.Kind, e.VehicleID, err)
			continue
		}
		s.written.Add(1)
	}
}

// Close flushes buffered events and stops the writer. Record must not be
// called after Close.
func (s *EventSink) Close() {
	s.closeOnce.Do(func() { close(s.events) })
	<-s.done
}

// Stats returns the number of events written and dropped.
func (s *EventSink) Stats() (written, dropped int64) {
	return s.written.Load(), s.dropped.Load()
}
