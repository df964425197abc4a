// Package tracker keeps a smoothed pose per vehicle identity across frames.
package tracker

import (
	"slices"
	"time"

	"github.com/samber/lo"

	"github.com/banshee-data/floorfleet/internal/config"
	"github.com/banshee-data/floorfleet/internal/geom"
	"github.com/banshee-data/floorfleet/internal/monitoring"
	"github.com/banshee-data/floorfleet/internal/vision"
)

var logf = monitoring.Component("tracker")

// Releaser drops every reservation a vehicle holds. The segment arbiter
// satisfies it.
type Releaser interface {
	RemoveVehicle(vehicleID int) int
}

// Config holds the tracker tuning.
type Config struct {
	Alpha        float64       // blend weight toward the newest position
	StaleTimeout time.Duration // unseen for longer than this means evicted
}

// ConfigFromFleet builds a tracker Config from a loaded FleetConfig.
func ConfigFromFleet(cfg *config.FleetConfig) Config {
	return Config{
		Alpha:        cfg.GetSmoothingAlpha(),
		StaleTimeout: cfg.GetStaleTimeout(),
	}
}

// Vehicle is the persistent state of one tracked identity.
type Vehicle struct {
	ID           int
	Position     geom.WorldPoint
	HeadingDeg   float64
	FirstSeen    time.Time
	LastSeen     time.Time
	Observations int
}

// Tracker owns the set of live vehicles. It is not safe for concurrent use.
type Tracker struct {
	cfg      Config
	releaser Releaser
	vehicles map[int]*Vehicle
}

// New creates a tracker. releaser may be nil.
func New(cfg Config, releaser Releaser) *Tracker {
	return &Tracker{
		cfg:      cfg,
		releaser: releaser,
		vehicles: make(map[int]*Vehicle),
	}
}

// Update folds one frame of poses into the tracked set and returns the ids
// of vehicles seen for the first time.
func (t *Tracker) Update(poses []vision.VehiclePose) []int {
	var created []int
	for _, p := range poses {
		v, ok := t.vehicles[p.VehicleID]
		if !ok {
			t.vehicles[p.VehicleID] = &Vehicle{
				ID:           p.VehicleID,
				Position:     p.Center,
				HeadingDeg:   p.HeadingDeg,
				FirstSeen:    p.Timestamp,
				LastSeen:     p.Timestamp,
				Observations: 1,
			}
			created = append(created, p.VehicleID)
			logf("vehicle %d acquired at (%.0f, %.0f)", p.VehicleID, p.Center.X, p.Center.Y)
			continue
		}
		v.Position = geom.Lerp(v.Position, p.Center, t.cfg.Alpha)
		v.HeadingDeg = p.HeadingDeg
		v.LastSeen = p.Timestamp
		v.Observations++
	}
	return created
}

// Sweep evicts vehicles unseen for longer than the stale timeout, releases
// their reservations, and returns the evicted ids in ascending order.
func (t *Tracker) Sweep(now time.Time) []int {
	var evicted []int
	for id, v := range t.vehicles {
		if now.Sub(v.LastSeen) > t.cfg.StaleTimeout {
			evicted = append(evicted, id)
		}
	}
	slices.Sort(evicted)
	for _, id := range evicted {
		delete(t.vehicles, id)
		if t.releaser != nil {
			t.releaser.RemoveVehicle(id)
		}
		logf("vehicle %d lost, not seen for %s", id, t.cfg.StaleTimeout)
	}
	return evicted
}

// Get returns a copy of the tracked state of id.
func (t *Tracker) Get(id int) (Vehicle, bool) {
	v, ok := t.vehicles[id]
	if !ok {
		return Vehicle{}, false
	}
	return *v, true
}

// IDs returns the tracked vehicle ids in ascending order.
func (t *Tracker) IDs() []int {
	ids := lo.Keys(t.vehicles)
	slices.Sort(ids)
	return ids
}

// Len returns the number of tracked vehicles.
func (t *Tracker) Len() int { return len(t.vehicles) }
