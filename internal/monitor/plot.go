// Package monitor renders debug views of the layout and fleet: an
// interactive echarts page and a static PNG.
package monitor

import (
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/floorfleet/internal/arbiter"
	"github.com/banshee-data/floorfleet/internal/fleet"
	"github.com/banshee-data/floorfleet/internal/layout"
)

var (
	freeSegmentColor     = color.RGBA{R: 150, G: 150, B: 150, A: 255}
	occupiedSegmentColor = color.RGBA{R: 220, G: 60, B: 40, A: 255}
	junctionColor        = color.RGBA{R: 30, G: 30, B: 30, A: 255}
	waitingColor         = color.RGBA{R: 240, G: 170, B: 0, A: 255}
)

// Default PNG size.
const (
	PlotWidth  = 12 * vg.Inch
	PlotHeight = 7.5 * vg.Inch
)

// NewLayoutPlot draws the layout and, when snap is not nil, the vehicles and
// segment occupancy from it. The y axis points down to match the camera.
func NewLayoutPlot(g *layout.Graph, snap *fleet.Snapshot) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Layout %s", g.Name())
	p.X.Label.Text = "X"
	p.Y.Label.Text = "Y"
	p.Y.Scale = plot.InvertedScale{Normalizer: plot.LinearScale{}}

	occupied := map[int]int{}
	if snap != nil {
		for _, s := range snap.Segments {
			if s.Occupant != arbiter.NoVehicle {
				occupied[s.SegmentID] = s.Occupant
			}
		}
	}

	for _, seg := range g.Segments() {
		a, _ := g.Node(seg.Start)
		b, _ := g.Node(seg.End)
		line, err := plotter.NewLine(plotter.XYs{{X: a.X, Y: a.Y}, {X: b.X, Y: b.Y}})
		if err != nil {
			return nil, err
		}
		line.Color = freeSegmentColor
		line.Width = vg.Points(2)
		if _, ok := occupied[seg.ID]; ok {
			line.Color = occupiedSegmentColor
			line.Width = vg.Points(4)
		}
		p.Add(line)
	}

	var junctions, waiting plotter.XYs
	var labels plotter.XYLabels
	for _, n := range g.Nodes() {
		pt := plotter.XY{X: n.X, Y: n.Y}
		if n.Kind == layout.KindWaiting {
			waiting = append(waiting, pt)
		} else {
			junctions = append(junctions, pt)
		}
		labels.XYs = append(labels.XYs, pt)
		labels.Labels = append(labels.Labels, fmt.Sprintf("%d", n.ID))
	}
	if err := addScatter(p, "junction", junctions, junctionColor, draw.CircleGlyph{}, 4); err != nil {
		return nil, err
	}
	if err := addScatter(p, "waiting", waiting, waitingColor, draw.SquareGlyph{}, 3); err != nil {
		return nil, err
	}
	nodeLabels, err := plotter.NewLabels(labels)
	if err != nil {
		return nil, err
	}
	nodeLabels.Offset = vg.Point{X: vg.Points(4), Y: vg.Points(4)}
	p.Add(nodeLabels)

	if snap != nil && len(snap.Vehicles) > 0 {
		colors := generateColors(len(snap.Vehicles))
		for i, v := range snap.Vehicles {
			name := fmt.Sprintf("vehicle %d (%s)", v.ID, v.State)
			if err := addScatter(p, name, plotter.XYs{{X: v.X, Y: v.Y}}, colors[i], draw.TriangleGlyph{}, 6); err != nil {
				return nil, err
			}
		}
	}

	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	return p, nil
}

func addScatter(p *plot.Plot, name string, pts plotter.XYs, c color.Color, shape draw.GlyphDrawer, radius float64) error {
	if len(pts) == 0 {
		return nil
	}
	s, err := plotter.NewScatter(pts)
	if err != nil {
		return err
	}
	s.GlyphStyle.Color = c
	s.GlyphStyle.Shape = shape
	s.GlyphStyle.Radius = vg.Points(radius)
	p.Add(s)
	p.Legend.Add(name, s)
	return nil
}

// WritePNG renders the layout plot as PNG to w.
func WritePNG(w io.Writer, g *layout.Graph, snap *fleet.Snapshot) error {
	p, err := NewLayoutPlot(g, snap)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(PlotWidth, PlotHeight, "png")
	if err != nil {
		return fmt.Errorf("render plot: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// SavePNG renders the layout plot to a file.
func SavePNG(path string, g *layout.Graph, snap *fleet.Snapshot) error {
	p, err := NewLayoutPlot(g, snap)
	if err != nil {
		return err
	}
	if err := p.Save(PlotWidth, PlotHeight, path); err != nil {
		return fmt.Errorf("save layout plot: %w", err)
	}
	return nil
}

// generateColors creates a palette of distinct colors, one per vehicle.
func generateColors(n int) []color.Color {
	if n <= 0 {
		return nil
	}
	colors := make([]color.Color, n)
	for i := 0; i < n; i++ {
		hue := float64(i) / float64(n)
		r, g, b := hslToRGB(hue, 0.7, 0.5)
		colors[i] = color.RGBA{R: r, G: g, B: b, A: 255}
	}
	return colors
}

// hslToRGB converts HSL to RGB (0-255 range)
func hslToRGB(h, s, l float64) (r, g, b uint8) {
	var rf, gf, bf float64

	if s == 0 {
		rf, gf, bf = l, l, l
	} else {
		var q float64
		if l < 0.5 {
			q = l * (1 + s)
		} else {
			q = l + s - l*s
		}
		p := 2*l - q
		rf = hueToRGB(p, q, h+1.0/3.0)
		gf = hueToRGB(p, q, h)
		bf = hueToRGB(p, q, h-1.0/3.0)
	}

	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func hueToRGB(p, q, t float64) float64 {
	if t < 0 {
		t += 1
	}
	if t > 1 {
		t -= 1
	}
	if t < 1.0/6.0 {
		return p + (q-p)*6*t
	}
	if t < 1.0/2.0 {
		return q
	}
	if t < 2.0/3.0 {
		return p + (q-p)*(2.0/3.0-t)*6
	}
	return p
}
