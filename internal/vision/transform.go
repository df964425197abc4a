package vision

import (
	"github.com/banshee-data/floorfleet/internal/config"
	"github.com/banshee-data/floorfleet/internal/geom"
)

// TransformConfig describes the mapping from detector crop pixels to the
// world frame.
type TransformConfig struct {
	WorldWidth  float64
	WorldHeight float64
	Margin      float64 // how far outside the playfield a point may land before it is rejected

	ScaleX, ScaleY   float64
	OffsetX, OffsetY float64
	CurveX, CurveY   float64 // radial-from-center linear correction per axis
}

// TransformConfigFromFleet builds a TransformConfig from a loaded FleetConfig.
func TransformConfigFromFleet(cfg *config.FleetConfig) TransformConfig {
	return TransformConfig{
		WorldWidth:  cfg.GetWorldWidth(),
		WorldHeight: cfg.GetWorldHeight(),
		Margin:      cfg.GetPlayfieldMargin(),
		ScaleX:      cfg.GetScaleX(),
		ScaleY:      cfg.GetScaleY(),
		OffsetX:     cfg.GetOffsetX(),
		OffsetY:     cfg.GetOffsetY(),
		CurveX:      cfg.GetCurveX(),
		CurveY:      cfg.GetCurveY(),
	}
}

// Transform converts crop-pixel coordinates into WorldPoints.
type Transform struct {
	cfg       TransformConfig
	playfield geom.Playfield
	center    geom.WorldPoint
}

// NewTransform creates a Transform for the given configuration.
func NewTransform(cfg TransformConfig) *Transform {
	pf := geom.NewPlayfield(cfg.WorldWidth, cfg.WorldHeight)
	return &Transform{
		cfg:       cfg,
		playfield: pf,
		center:    pf.Center(),
	}
}

// Playfield returns the world rectangle this transform maps into.
func (t *Transform) Playfield() geom.Playfield { return t.playfield }

// Apply maps a crop-pixel position to the world frame. The returned flag is
// false when the crop size is unusable or the mapped point falls more than
// the configured margin outside the playfield; the point is then the
// playfield center and must be discarded by the caller. Points that land
// inside the margin band are clamped onto the playfield edge.
func (t *Transform) Apply(x, y, cropW, cropH float64) (geom.WorldPoint, bool) {
	if cropW <= 0 || cropH <= 0 {
		return t.center, false
	}

	nx := x / cropW
	ny := y / cropH

	out := geom.Pt(
		nx*t.cfg.WorldWidth*t.cfg.ScaleX+t.cfg.OffsetX,
		ny*t.cfg.WorldHeight*t.cfg.ScaleY+t.cfg.OffsetY,
	)
	out.X += (out.X - t.center.X) * t.cfg.CurveX
	out.Y += (out.Y - t.center.Y) * t.cfg.CurveY

	if !t.playfield.ContainsWithin(out, t.cfg.Margin) {
		return t.center, false
	}
	return t.playfield.ClampPoint(out), true
}
