package serialmux

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/floorfleet/internal/config"
	"github.com/banshee-data/floorfleet/internal/impulse"
	"github.com/banshee-data/floorfleet/internal/publish"
	"github.com/banshee-data/floorfleet/internal/timeutil"
)

// Motor speeds sent alongside each direction code.
const (
	SpeedStop  = 0
	SpeedDrive = 125 // forward and reverse
	SpeedTurn  = 160 // turning needs more torque on the spot
)

// SpeedFor returns the speed paired with a command on the wire.
func SpeedFor(c impulse.Command) int {
	switch c {
	case impulse.Forward, impulse.Reverse:
		return SpeedDrive
	case impulse.TurnRight, impulse.TurnLeft:
		return SpeedTurn
	}
	return SpeedStop
}

// EncodeAddressed renders "<dir>,<speed>,<vehicle-id>\n".
func EncodeAddressed(c impulse.Command, vehicleID int) string {
	return fmt.Sprintf("%d,%d,%d\n", int(c), SpeedFor(c), vehicleID)
}

// EncodeBroadcast renders "<dir>,<speed>\n" for every listening vehicle.
func EncodeBroadcast(c impulse.Command) string {
	return fmt.Sprintf("%d,%d\n", int(c), SpeedFor(c))
}

// EncodeLines renders the serial lines for one document. In addressed mode
// every record becomes its own line. In broadcast mode a single line carries
// the selected vehicle's command, or a stop when nothing is selected.
func EncodeLines(doc *publish.Document, mode string) []string {
	if mode == config.AddressModeBroadcast {
		cmd := impulse.Stop
		if doc.Selected != nil {
			if c, ok := doc.CommandFor(*doc.Selected); ok {
				cmd = c
			}
		}
		return []string{EncodeBroadcast(cmd)}
	}
	lines := make([]string, 0, len(doc.Commands))
	for _, r := range doc.Commands {
		lines = append(lines, EncodeAddressed(r.Command, r.VehicleID))
	}
	return lines
}

// Sender is the part of the link the writer needs.
type Sender interface {
	SendCommand(string) error
}

// WriterConfig controls the command writer.
type WriterConfig struct {
	PollInterval time.Duration
	AddressMode  string
}

// WriterConfigFromFleet builds a WriterConfig from a loaded FleetConfig.
func WriterConfigFromFleet(cfg *config.FleetConfig) WriterConfig {
	return WriterConfig{
		PollInterval: cfg.GetSerialPollInterval(),
		AddressMode:  cfg.GetSerialAddressMode(),
	}
}

// LinkConfigFromFleet builds the mux Config for the port at path. The line
// settings are the bridge defaults.
func LinkConfigFromFleet(cfg *config.FleetConfig, path string) Config {
	return Config{
		Path:              path,
		WriteTimeout:      cfg.GetSerialWriteTimeout(),
		ReconnectInterval: cfg.GetSerialReconnectInterval(),
	}
}

// Writer forwards newly published command documents to the serial link. It
// never touches controller state: it only reads documents from its source.
type Writer struct {
	cfg    WriterConfig
	source publish.Source
	link   Sender
	clock  timeutil.Clock

	sent    publishedKey
	written atomic.Int64
	failed  atomic.Int64
	lastErr string
}

type publishedKey struct {
	version   uint64
	timestamp time.Time
}

// NewWriter creates a Writer reading from source and writing to link.
func NewWriter(cfg WriterConfig, source publish.Source, link Sender, clock timeutil.Clock) *Writer {
	return &Writer{cfg: cfg, source: source, link: link, clock: clock}
}

// Poll checks the source once and writes the document if it is new. It
// returns whether anything was written.
func (w *Writer) Poll() (bool, error) {
	doc, err := w.source.Latest()
	if err != nil {
		return false, err
	}
	if doc == nil {
		return false, nil
	}
	key := publishedKey{doc.Version, doc.Timestamp}
	if key == w.sent {
		return false, nil
	}
	// Marked before writing: a document that fails mid-way is superseded by
	// the next tick rather than retried.
	w.sent = key

	for _, line := range EncodeLines(doc, w.cfg.AddressMode) {
		if err := w.link.SendCommand(line); err != nil {
			w.failed.Add(1)
			return false, fmt.Errorf("write document v%d: %w", doc.Version, err)
		}
		w.written.Add(1)
	}
	return true, nil
}

// Run polls until ctx is cancelled, then makes one last poll so a final
// all-stop document is not lost.
func (w *Writer) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if mb, ok := w.source.(*publish.Mailbox); ok {
		wake = mb.Notify()
	}

	for {
		select {
		case <-ctx.Done():
			w.poll()
			return nil
		case <-ticker.C():
			w.poll()
		case <-wake:
			w.poll()
		}
	}
}

func (w *Writer) poll() {
	if _, err := w.Poll(); err != nil {
		if msg := err.Error(); msg != w.lastErr {
			logf("writer: %v", err)
			w.lastErr = msg
		}
		return
	}
	w.lastErr = ""
}

// Stats returns the number of lines written and failed.
func (w *Writer) Stats() (written, failed int64) {
	return w.written.Load(), w.failed.Load()
}
