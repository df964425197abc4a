package vision

import (
	"math"
	"time"

	"github.com/banshee-data/floorfleet/internal/geom"
)

// MarkerKind distinguishes the two marker colors carried by every vehicle.
type MarkerKind int

const (
	MarkerFront MarkerKind = iota
	MarkerRear
)

func (k MarkerKind) String() string {
	if k == MarkerRear {
		return "rear"
	}
	return "front"
}

// Marker is one detection in world coordinates.
type Marker struct {
	Kind   MarkerKind
	RearID int // vehicle identity; only meaningful for rear markers
	Pos    geom.WorldPoint
}

// VehiclePose is a paired front/rear detection.
type VehiclePose struct {
	VehicleID  int
	Center     geom.WorldPoint
	HeadingDeg float64 // rear toward front, [0, 360)
	Timestamp  time.Time
}

// Pair matches rear markers to front markers. Rears are processed in input
// order; each takes the nearest unused front within tolerance. Unmatched
// markers are dropped, and a rear-id seen a second time in the same frame
// is ignored, even when its first rear found no front.
func Pair(markers []Marker, tolerance float64, ts time.Time) []VehiclePose {
	var fronts, rears []Marker
	for _, m := range markers {
		switch m.Kind {
		case MarkerFront:
			fronts = append(fronts, m)
		case MarkerRear:
			rears = append(rears, m)
		}
	}

	used := make([]bool, len(fronts))
	seen := make(map[int]bool, len(rears))
	poses := make([]VehiclePose, 0, len(rears))

	for _, r := range rears {
		if seen[r.RearID] {
			continue
		}
		seen[r.RearID] = true

		best := -1
		bestDist := math.Inf(1)
		for i, f := range fronts {
			if used[i] {
				continue
			}
			d := geom.Distance(r.Pos, f.Pos)
			if d <= tolerance && d < bestDist {
				best, bestDist = i, d
			}
		}
		if best < 0 {
			continue
		}
		used[best] = true

		front := fronts[best].Pos
		poses = append(poses, VehiclePose{
			VehicleID:  r.RearID,
			Center:     geom.Midpoint(r.Pos, front),
			HeadingDeg: geom.HeadingDeg(r.Pos, front),
			Timestamp:  ts,
		})
	}
	return poses
}
