// Command fleetctl talks to a running fleetd over its HTTP API.
//
//	fleetctl vehicles
//	fleetctl segments
//	fleetctl select <vehicle>
//	fleetctl target <vehicle> <node>
//	fleetctl stop <vehicle>
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/floorfleet/internal/api"
	"github.com/banshee-data/floorfleet/internal/arbiter"
	"github.com/banshee-data/floorfleet/internal/config"
	"github.com/banshee-data/floorfleet/internal/httputil"
)

var (
	server  = flag.String("server", "http://localhost:8080", "fleetd base URL")
	envFile = flag.String("env-file", ".env", "Optional file of FLEET_* environment defaults")
	timeout = flag.Duration("timeout", 5*time.Second, "Request timeout")
)

var errUsage = errors.New("usage: fleetctl [flags] vehicles | segments | select <vehicle> | target <vehicle> <node> | stop <vehicle>")

func main() {
	flag.Parse()
	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Fatalf("Failed to load environment: %v", err)
	}
	if err := config.ApplyEnv(flag.CommandLine, os.LookupEnv); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := api.NewClient(*server, httputil.NewStandardClient(&http.Client{}))
	if err := run(ctx, client, flag.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func ints(args []string, n int) ([]int, error) {
	if len(args) != n {
		return nil, errUsage
	}
	out := make([]int, n)
	for i, a := range args {
		v, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("%q is not an id: %w", a, errUsage)
		}
		out[i] = v
	}
	return out, nil
}

func run(ctx context.Context, c *api.Client, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "vehicles":
		vs, err := c.Vehicles(ctx)
		if err != nil {
			return err
		}
		printVehicles(out, vs)
		return nil
	case "segments":
		segs, err := c.Segments(ctx)
		if err != nil {
			return err
		}
		printSegments(out, segs)
		return nil
	case "select":
		ids, err := ints(rest, 1)
		if err != nil {
			return err
		}
		return c.Select(ctx, ids[0])
	case "target":
		ids, err := ints(rest, 2)
		if err != nil {
			return err
		}
		return c.SetTarget(ctx, ids[0], ids[1])
	case "stop":
		ids, err := ints(rest, 1)
		if err != nil {
			return err
		}
		return c.ClearTarget(ctx, ids[0])
	}
	return errUsage
}

func printVehicles(out io.Writer, vs *api.VehiclesResponse) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tNODE\tTARGET\tX\tY\tHEADING\tCOMMAND\tSEL")
	for _, v := range vs.Vehicles {
		sel := ""
		if vs.Selected != nil && *vs.Selected == v.ID {
			sel = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%.0f\t%.0f\t%.1f\t%s\t%s\n",
			v.ID, v.State, v.Node, v.Target, v.X, v.Y, v.HeadingDeg, v.Command, sel)
	}
	tw.Flush()
}

func printSegments(out io.Writer, segs []arbiter.SegmentState) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEGMENT\tOCCUPANT\tQUEUE")
	for _, s := range segs {
		occupant := "-"
		if s.Occupant != arbiter.NoVehicle {
			occupant = strconv.Itoa(s.Occupant)
		}
		queue := make([]string, len(s.Queue))
		for i, id := range s.Queue {
			queue[i] = strconv.Itoa(id)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\n", s.SegmentID, occupant, strings.Join(queue, ","))
	}
	tw.Flush()
}
