// Command fleet-sender forwards the command document published by fleetd to
// the radio bridge. It runs as a separate process from the controller and
// only ever reads the document file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/banshee-data/floorfleet/internal/config"
	"github.com/banshee-data/floorfleet/internal/fsutil"
	"github.com/banshee-data/floorfleet/internal/publish"
	"github.com/banshee-data/floorfleet/internal/serialmux"
	"github.com/banshee-data/floorfleet/internal/timeutil"
	"github.com/banshee-data/floorfleet/internal/version"
)

var (
	envFile      = flag.String("env-file", ".env", "Optional file of FLEET_* environment defaults")
	configPath   = flag.String("config", "", "Fleet config JSON (empty uses built-in defaults)")
	commandsPath = flag.String("commands", "commands.json", "Command document published by fleetd")
	port         = flag.String("port", "/dev/ttyUSB0", "Serial port of the radio bridge")
	devMode      = flag.Bool("dev", false, "Use a mock serial port that writes to a temp file")
	showVersion  = flag.Bool("version", false, "Print the version and exit")
)

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
	if *commandsPath == "" {
		log.Fatal("Command document path is required")
	}

	cfg := config.EmptyFleetConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadFleetConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	clock := timeutil.RealClock{}
	var factory serialmux.SerialPortFactory = serialmux.RealPortFactory{}
	if *devMode {
		factory = serialmux.DevPortFactory{}
	}
	link := serialmux.NewSerialMux(serialmux.LinkConfigFromFleet(cfg, *port), factory, clock)
	defer link.Close()
	if err := link.Open(); err != nil {
		log.Fatalf("Failed to open serial port: %v", err)
	}

	source := publish.NewFileSource(fsutil.OSFileSystem{}, *commandsPath)
	writer := serialmux.NewWriter(serialmux.WriterConfigFromFleet(cfg), source, link, clock)

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		var stats serialmux.BridgeStats
		serialmux.Dispatch(ctx, link, &stats)
	}()

	log.Printf("fleet-sender %s: %s -> %s (%s)", version.String(), *commandsPath, *port, cfg.GetSerialAddressMode())
	if err := writer.Run(ctx); err != nil {
		log.Printf("serial writer stopped: %v", err)
	}
	wg.Wait()

	written, failed := writer.Stats()
	log.Printf("sent %d lines, %d failed", written, failed)
}
