// Command fleetd runs the supervisory controller: it reads the detector
// document, tracks and routes the vehicles, publishes the command document
// and drives the serial bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/floorfleet/internal/api"
	"github.com/banshee-data/floorfleet/internal/config"
	"github.com/banshee-data/floorfleet/internal/db"
	"github.com/banshee-data/floorfleet/internal/fleet"
	"github.com/banshee-data/floorfleet/internal/fsutil"
	"github.com/banshee-data/floorfleet/internal/layout"
	"github.com/banshee-data/floorfleet/internal/monitor"
	"github.com/banshee-data/floorfleet/internal/publish"
	"github.com/banshee-data/floorfleet/internal/serialmux"
	"github.com/banshee-data/floorfleet/internal/timeutil"
	"github.com/banshee-data/floorfleet/internal/version"
	"github.com/banshee-data/floorfleet/internal/vision"
)

var (
	listen       = flag.String("listen", ":8080", "HTTP listen address")
	envFile      = flag.String("env-file", ".env", "Optional file of FLEET_* environment defaults")
	configPath   = flag.String("config", "", "Fleet config JSON (empty uses built-in defaults)")
	layoutPath   = flag.String("layout", "", "Layout JSON (empty uses the built-in layout)")
	detectorPath = flag.String("detector", "coordinates.json", "Detector document written by the vision process")
	commandsPath = flag.String("commands", "commands.json", "Where to publish the command document (empty disables the file)")
	port         = flag.String("port", "", "Serial port of the radio bridge (empty disables the serial writer)")
	serialOpt    = flag.Bool("serial-optional", false, "Keep running when the serial port cannot be opened at startup")
	addressMode  = flag.String("address-mode", "", "Override serial_address_mode: addressed or broadcast")
	dbPath       = flag.String("db", "fleet.db", "SQLite telemetry database (empty disables telemetry)")
	devMode      = flag.Bool("dev", false, "Use a mock serial port that writes to a temp file")
	showVersion  = flag.Bool("version", false, "Print the version and exit")
)

func loadConfig(path, mode string) (*config.FleetConfig, error) {
	cfg := config.EmptyFleetConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadFleetConfig(path); err != nil {
			return nil, err
		}
	}
	if mode != "" {
		cfg.SerialAddressMode = &mode
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid -address-mode: %w", err)
		}
	}
	return cfg, nil
}

func loadLayout(path string) (*layout.Graph, error) {
	if path == "" {
		return layout.Default()
	}
	return layout.LoadFile(path)
}

// newLink picks the serial implementation for the flags. The second result
// reports whether the link must open at startup.
func newLink(cfg *config.FleetConfig, path string, dev, optional bool, clock timeutil.Clock) (serialmux.SerialMuxInterface, bool) {
	switch {
	case dev:
		if path == "" {
			path = "fleet-dev"
		}
		return serialmux.NewSerialMux(serialmux.LinkConfigFromFleet(cfg, path), serialmux.DevPortFactory{}, clock), true
	case path == "":
		return serialmux.NewDisabledSerialMux(), false
	default:
		return serialmux.NewSerialMux(serialmux.LinkConfigFromFleet(cfg, path), serialmux.RealPortFactory{}, clock), !optional
	}
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}
	if err := config.ApplyEnv(flag.CommandLine, os.LookupEnv); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}
	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	log.Printf("fleetd %s", version.String())

	cfg, err := loadConfig(*configPath, *addressMode)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	graph, err := loadLayout(*layoutPath)
	if err != nil {
		log.Fatalf("Failed to load layout: %v", err)
	}
	log.Printf("layout %q: %d nodes, %d segments", graph.Name(), len(graph.Nodes()), len(graph.Segments()))

	clock := timeutil.RealClock{}

	link, required := newLink(cfg, *port, *devMode, *serialOpt, clock)
	defer link.Close()
	if mux, ok := link.(*serialmux.SerialMux); ok {
		if err := mux.Open(); err != nil {
			if required {
				log.Fatalf("Failed to open serial port: %v", err)
			}
			log.Printf("serial port unavailable, will retry on send: %v", err)
		}
	}

	var sink fleet.EventSink
	var store *db.DB
	var runID string
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer store.Close()
		if runID, err = store.StartRun(graph.Name(), clock.Now()); err != nil {
			log.Fatalf("Failed to start run: %v", err)
		}
		events := db.NewEventSink(store, runID, 256)
		defer events.Close()
		sink = events
		log.Printf("recording telemetry to %s (run %s)", *dbPath, runID)
	}

	mailbox := publish.NewMailbox()
	publisher := publish.NewPublisher(mailbox, fsutil.OSFileSystem{}, *commandsPath, clock)
	ctrl := fleet.NewController(fleet.ConfigFromFleet(cfg), fleet.Options{
		Graph:     graph,
		Source:    vision.NewFileSource(fsutil.OSFileSystem{}, *detectorPath),
		Publisher: publisher,
		Clock:     clock,
		Sink:      sink,
	})

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The writer outlives the controller so the final all-stop document
	// reaches the bridge.
	writerCtx, stopWriter := context.WithCancel(context.Background())
	defer stopWriter()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stopWriter()
		if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("controller stopped: %v", err)
		}
		log.Print("control loop terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		writer := serialmux.NewWriter(serialmux.WriterConfigFromFleet(cfg), mailbox, link, clock)
		if err := writer.Run(writerCtx); err != nil {
			log.Printf("serial writer stopped: %v", err)
		}
		written, failed := writer.Stats()
		log.Printf("serial writer terminated (%d lines written, %d failed)", written, failed)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("serial monitor terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		var stats serialmux.BridgeStats
		serialmux.Dispatch(ctx, link, &stats)
		log.Printf("bridge dispatch terminated (%d acks, %d errors)", stats.Acks.Load(), stats.Errors.Load())
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(ctrl, mailbox).ServeMux()
		link.AttachAdminRoutes(mux)
		monitor.AttachAdminRoutes(mux, ctrl)
		if store != nil {
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Printf("database admin routes unavailable: %v", err)
			}
		}

		server := &http.Server{
			Addr:    *listen,
			Handler: api.LoggingMiddleware(mux),
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()
		log.Printf("listening on %s", *listen)

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	if store != nil {
		if err := store.StopRun(runID, clock.Now()); err != nil {
			log.Printf("failed to close run %s: %v", runID, err)
		}
	}
	log.Printf("Graceful shutdown complete")
}
