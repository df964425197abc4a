package monitor

import (
	"bytes"
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/floorfleet/internal/fleet"
	"github.com/banshee-data/floorfleet/internal/httputil"
	"github.com/banshee-data/floorfleet/internal/layout"
)

// Source supplies what the debug views draw.
type Source interface {
	Snapshot() *fleet.Snapshot
	Graph() *layout.Graph
}

// AttachAdminRoutes mounts /debug/fleet/chart and /debug/fleet/plot.png.
func AttachAdminRoutes(mux *http.ServeMux, src Source) {
	debug := tsweb.Debugger(mux)
	debug.Handle("fleet/chart", "Fleet layout and vehicles (interactive)", ChartHandler(src))
	debug.Handle("fleet/plot.png", "Fleet layout and vehicles (PNG)", PlotHandler(src))
}

// ChartHandler serves the echarts page.
func ChartHandler(src Source) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := WriteChart(&buf, src.Graph(), src.Snapshot()); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(buf.Bytes())
	})
}

// PlotHandler serves the PNG plot.
func PlotHandler(src Source) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		if err := WritePNG(&buf, src.Graph(), src.Snapshot()); err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(buf.Bytes())
	})
}
