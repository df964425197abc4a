// Package geom holds the world-frame geometry shared by every pipeline stage
// after the coordinate transform.
//
// The world frame follows image conventions: x grows to the right, y grows
// downward, and angles are measured in degrees from +x toward +y. On screen
// a positive angle is therefore a clockwise rotation.
package geom

import (
	"math"

	"github.com/golang/geo/r2"
)

// WorldPoint is a position in the fixed playfield frame.
type WorldPoint = r2.Point

// Pt is shorthand for building a WorldPoint.
func Pt(x, y float64) WorldPoint {
	return r2.Point{X: x, Y: y}
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b WorldPoint) float64 {
	return a.Sub(b).Norm()
}

// Midpoint returns the point halfway between a and b.
func Midpoint(a, b WorldPoint) WorldPoint {
	return a.Add(b).Mul(0.5)
}

// Lerp moves from toward to by weight w (0 keeps from, 1 returns to).
func Lerp(from, to WorldPoint, w float64) WorldPoint {
	return from.Add(to.Sub(from).Mul(w))
}

// Playfield is the rectangular world region every vehicle position lives in.
type Playfield struct {
	r2.Rect
}

// NewPlayfield returns a playfield spanning (0,0) to (width,height).
func NewPlayfield(width, height float64) Playfield {
	return Playfield{Rect: r2.RectFromPoints(r2.Point{}, r2.Point{X: width, Y: height})}
}

// Width returns the playfield width in world units.
func (p Playfield) Width() float64 { return p.Rect.Size().X }

// Height returns the playfield height in world units.
func (p Playfield) Height() float64 { return p.Rect.Size().Y }

// ContainsWithin reports whether pt lies inside the playfield grown by margin
// on every side.
func (p Playfield) ContainsWithin(pt WorldPoint, margin float64) bool {
	return p.Rect.ExpandedByMargin(margin).ContainsPoint(pt)
}

// NormalizeDeg maps an angle in degrees into [0, 360).
func NormalizeDeg(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	if a >= 360 {
		a = 0
	}
	return a
}

// HeadingDeg returns the direction from one point toward another in degrees
// within [0, 360).
func HeadingDeg(from, to WorldPoint) float64 {
	d := to.Sub(from)
	return NormalizeDeg(math.Atan2(d.Y, d.X) * 180 / math.Pi)
}

// SignedDeltaDeg returns the shortest signed rotation taking heading from to
// heading to, in (-180, 180]. Positive values rotate toward +y.
func SignedDeltaDeg(from, to float64) float64 {
	d := math.Mod(to-from, 360)
	switch {
	case d <= -180:
		d += 360
	case d > 180:
		d -= 360
	}
	return d
}
