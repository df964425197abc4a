package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/floorfleet/internal/arbiter"
	"github.com/banshee-data/floorfleet/internal/fleet"
	"github.com/banshee-data/floorfleet/internal/layout"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

func hexColor(c color.Color) string {
	r, g, b, _ := c.RGBA()
	return fmt.Sprintf("#%02x%02x%02x", r>>8, g>>8, b>>8)
}

// NewFleetChart builds an interactive scatter of the layout with the
// vehicles from snap overlaid. Segments are drawn as two-point lines; held
// segments are highlighted.
func NewFleetChart(g *layout.Graph, snap *fleet.Snapshot) *charts.Scatter {
	subtitle := "no snapshot"
	if snap != nil {
		subtitle = fmt.Sprintf("tick=%d vehicles=%d", snap.Tick, len(snap.Vehicles))
	}

	maxX, maxY := 0.0, 0.0
	for _, n := range g.Nodes() {
		maxX = max(maxX, n.X)
		maxY = max(maxY, n.Y)
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Fleet", Width: "1200px", Height: "760px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Layout " + g.Name(), Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10"}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Min: 0, Max: maxX * 1.1, Name: "X", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Min: 0, Max: maxY * 1.1, Name: "Y", NameLocation: "middle", NameGap: 30}),
	)

	var junctions, waiting []opts.ScatterData
	for _, n := range g.Nodes() {
		d := opts.ScatterData{Name: fmt.Sprintf("node %d", n.ID), Value: []interface{}{n.X, n.Y, n.ID}}
		if n.Kind == layout.KindWaiting {
			d.Symbol = "rect"
			waiting = append(waiting, d)
		} else {
			junctions = append(junctions, d)
		}
	}
	scatter.AddSeries("junction", junctions,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 12}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: hexColor(junctionColor)}))
	scatter.AddSeries("waiting", waiting,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 8}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: hexColor(waitingColor)}))

	if snap != nil {
		colors := generateColors(len(snap.Vehicles))
		for i, v := range snap.Vehicles {
			scatter.AddSeries(fmt.Sprintf("vehicle %d", v.ID), []opts.ScatterData{{
				Name:   fmt.Sprintf("vehicle %d %s cmd=%s", v.ID, v.State, v.Command),
				Value:  []interface{}{v.X, v.Y, v.HeadingDeg},
				Symbol: "triangle",
			}},
				charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 18}),
				charts.WithItemStyleOpts(opts.ItemStyle{Color: hexColor(colors[i])}))
		}
	}

	occupied := map[int]bool{}
	if snap != nil {
		for _, s := range snap.Segments {
			occupied[s.SegmentID] = s.Occupant != arbiter.NoVehicle
		}
	}
	lines := charts.NewLine()
	for _, seg := range g.Segments() {
		a, _ := g.Node(seg.Start)
		b, _ := g.Node(seg.End)
		c, width := freeSegmentColor, float32(2)
		if occupied[seg.ID] {
			c, width = occupiedSegmentColor, 5
		}
		lines.AddSeries(fmt.Sprintf("segment %d", seg.ID), []opts.LineData{
			{Value: []interface{}{a.X, a.Y}},
			{Value: []interface{}{b.X, b.Y}},
		},
			charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}),
			charts.WithLineStyleOpts(opts.LineStyle{Color: hexColor(c), Width: width}))
	}
	scatter.Overlap(lines)
	return scatter
}

// WriteChart renders the fleet chart page to w.
func WriteChart(w io.Writer, g *layout.Graph, snap *fleet.Snapshot) error {
	var buf bytes.Buffer
	if err := NewFleetChart(g, snap).Render(&buf); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}
