// Package api serves the operator HTTP surface of the fleet controller.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/floorfleet/internal/arbiter"
	"github.com/banshee-data/floorfleet/internal/fleet"
	"github.com/banshee-data/floorfleet/internal/httputil"
	"github.com/banshee-data/floorfleet/internal/layout"
	"github.com/banshee-data/floorfleet/internal/monitoring"
	"github.com/banshee-data/floorfleet/internal/publish"
	"github.com/banshee-data/floorfleet/internal/version"
)

// ANSI escape codes used by the request log.
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

var logf = monitoring.Component("api")

// DefaultRequestTimeout bounds how long a handler waits for the control loop
// to apply a request.
const DefaultRequestTimeout = 2 * time.Second

// Fleet is the part of the controller the HTTP surface uses. Reads come from
// the snapshot; changes go through Do so they run on the control loop.
type Fleet interface {
	Snapshot() *fleet.Snapshot
	Graph() *layout.Graph
	Do(ctx context.Context, fn func(*fleet.Controller) error) error
}

type Server struct {
	fleet    Fleet
	commands publish.Source
	timeout  time.Duration
}

// NewServer creates the API server. commands supplies the latest published
// command document.
func NewServer(f Fleet, commands publish.Source) *Server {
	return &Server{
		fleet:    f,
		commands: commands,
		timeout:  DefaultRequestTimeout,
	}
}

// SetRequestTimeout overrides DefaultRequestTimeout.
func (s *Server) SetRequestTimeout(d time.Duration) {
	s.timeout = d
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/vehicles", s.listVehicles)
	mux.HandleFunc("GET /api/vehicles/{id}", s.showVehicle)
	mux.HandleFunc("POST /api/vehicles/{id}/select", s.selectVehicle)
	mux.HandleFunc("POST /api/vehicles/{id}/target", s.setTarget)
	mux.HandleFunc("DELETE /api/vehicles/{id}/target", s.clearTarget)
	mux.HandleFunc("GET /api/segments", s.listSegments)
	mux.HandleFunc("GET /api/layout", s.showLayout)
	mux.HandleFunc("GET /api/commands", s.showCommands)
	mux.HandleFunc("GET /api/version", s.showVersion)
	return mux
}

// VehiclesResponse is the body of GET /api/vehicles.
type VehiclesResponse struct {
	Tick     uint64                `json:"tick"`
	Time     time.Time             `json:"time"`
	Selected *int                  `json:"selected,omitempty"`
	Vehicles []fleet.VehicleStatus `json:"vehicles"`
}

func (s *Server) listVehicles(w http.ResponseWriter, r *http.Request) {
	snap := s.fleet.Snapshot()
	httputil.WriteJSONOK(w, VehiclesResponse{
		Tick:     snap.Tick,
		Time:     snap.Time,
		Selected: snap.Selected,
		Vehicles: snap.Vehicles,
	})
}

func (s *Server) showVehicle(w http.ResponseWriter, r *http.Request) {
	id, ok := vehicleID(w, r)
	if !ok {
		return
	}
	v, found := s.fleet.Snapshot().Vehicle(id)
	if !found {
		httputil.NotFound(w, "vehicle "+strconv.Itoa(id)+" is not tracked")
		return
	}
	httputil.WriteJSONOK(w, v)
}

func (s *Server) listSegments(w http.ResponseWriter, r *http.Request) {
	segs := s.fleet.Snapshot().Segments
	if segs == nil {
		segs = []arbiter.SegmentState{}
	}
	httputil.WriteJSONOK(w, segs)
}

// SegmentView is one layout segment with its effective cost.
type SegmentView struct {
	ID    int     `json:"id"`
	Start int     `json:"start"`
	End   int     `json:"end"`
	Cost  float64 `json:"cost"`
}

// LayoutResponse is the body of GET /api/layout.
type LayoutResponse struct {
	Name     string               `json:"name"`
	Nodes    []layout.Node        `json:"nodes"`
	Segments []SegmentView        `json:"segments"`
	Vehicles []layout.VehicleHome `json:"vehicles"`
}

func (s *Server) showLayout(w http.ResponseWriter, r *http.Request) {
	g := s.fleet.Graph()
	resp := LayoutResponse{
		Name:     g.Name(),
		Nodes:    g.Nodes(),
		Vehicles: g.Vehicles(),
	}
	for _, seg := range g.Segments() {
		resp.Segments = append(resp.Segments, SegmentView{
			ID: seg.ID, Start: seg.Start, End: seg.End, Cost: g.Cost(seg.ID),
		})
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showCommands(w http.ResponseWriter, r *http.Request) {
	doc, err := s.commands.Latest()
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	if doc == nil {
		httputil.NotFound(w, "no commands published yet")
		return
	}
	httputil.WriteJSONOK(w, doc)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{
		"version":    version.Version,
		"git_sha":    version.GitSHA,
		"build_time": version.BuildTime,
	})
}

// TargetRequest is the body of POST /api/vehicles/{id}/target.
type TargetRequest struct {
	NodeID *int `json:"node_id"`
}

func (s *Server) selectVehicle(w http.ResponseWriter, r *http.Request) {
	id, ok := vehicleID(w, r)
	if !ok {
		return
	}
	s.apply(w, r, func(c *fleet.Controller) error { return c.Select(id) })
}

func (s *Server) setTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := vehicleID(w, r)
	if !ok {
		return
	}
	var req TargetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid JSON body: "+err.Error())
		return
	}
	if req.NodeID == nil {
		httputil.BadRequest(w, "node_id is required")
		return
	}
	node := *req.NodeID
	s.apply(w, r, func(c *fleet.Controller) error { return c.SetTarget(id, node) })
}

func (s *Server) clearTarget(w http.ResponseWriter, r *http.Request) {
	id, ok := vehicleID(w, r)
	if !ok {
		return
	}
	s.apply(w, r, func(c *fleet.Controller) error { return c.ClearTarget(id) })
}

// apply runs fn on the control loop and maps its error to a status code.
func (s *Server) apply(w http.ResponseWriter, r *http.Request, fn func(*fleet.Controller) error) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	err := s.fleet.Do(ctx, fn)
	switch {
	case err == nil:
		httputil.WriteJSONOK(w, map[string]string{"status": "ok"})
	case errors.Is(err, fleet.ErrUnknownVehicle), errors.Is(err, layout.ErrUnknownNode):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, fleet.ErrWaitingNodeTarget):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, fleet.ErrStopped), errors.Is(err, context.DeadlineExceeded):
		httputil.ServiceUnavailable(w, err.Error())
	default:
		logf("request %s %s failed: %v", r.Method, r.URL.Path, err)
		httputil.InternalServerError(w, err.Error())
	}
}

func vehicleID(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || id < 1 {
		httputil.BadRequest(w, "invalid vehicle id")
		return 0, false
	}
	return id, true
}
