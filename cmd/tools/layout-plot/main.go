// Command layout-plot renders a layout to a PNG for checking node positions
// and segment ids before loading it into fleetd.
package main

import (
	"flag"
	"log"

	"github.com/banshee-data/floorfleet/internal/layout"
	"github.com/banshee-data/floorfleet/internal/monitor"
	"github.com/banshee-data/floorfleet/internal/security"
)

func main() {
	in := flag.String("layout", "", "Layout JSON (empty renders the built-in layout)")
	out := flag.String("out", "layout.png", "Output PNG path")
	flag.Parse()

	if err := security.ValidateExportPath(*out); err != nil {
		log.Fatalf("invalid output path: %v", err)
	}

	var (
		g   *layout.Graph
		err error
	)
	if *in == "" {
		g, err = layout.Default()
	} else {
		g, err = layout.LoadFile(*in)
	}
	if err != nil {
		log.Fatalf("failed to load layout: %v", err)
	}

	if err := monitor.SavePNG(*out, g, nil); err != nil {
		log.Fatalf("failed to render layout: %v", err)
	}
	log.Printf("wrote %s (%d nodes, %d segments)", *out, len(g.Nodes()), len(g.Segments()))
}
