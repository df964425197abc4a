// Package serialmux owns the serial link to the radio bridge that relays
// commands to the vehicles.
//
// A SerialMux holds one port at a time. Writes carry a timeout; any write
// failure closes the port and the next write reopens it once the reconnect
// interval has passed. Lines the bridge prints back are fanned out to
// subscribers by Monitor.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"tailscale.com/tsweb"

	"github.com/banshee-data/floorfleet/internal/monitoring"
	"github.com/banshee-data/floorfleet/internal/timeutil"
)

var (
	ErrWriteFailed  = errors.New("failed to write to serial port")
	ErrWriteTimeout = errors.New("serial write timed out")
	ErrDisconnected = errors.New("serial port disconnected")
	ErrClosed       = errors.New("serial mux closed")
)

var logf = monitoring.Component("serial")

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// SerialMuxInterface is the link used by the command writer and the admin
// routes.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving lines from the serial
	// port. The channel ID is used when unsubscribing.
	Subscribe() (string, chan string)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes one line to the serial port.
	SendCommand(string) error
	// Monitor reads lines from the serial port and sends them to the
	// subscribers until ctx is cancelled or the mux is closed.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error
	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// Config holds the link parameters.
type Config struct {
	Path              string
	Options           PortOptions
	WriteTimeout      time.Duration
	ReconnectInterval time.Duration
}

// SerialMux multiplexes one reconnecting serial port.
type SerialMux struct {
	cfg     Config
	factory SerialPortFactory
	clock   timeutil.Clock

	portMu      sync.Mutex
	port        SerialPorter
	lastFailure time.Time
	reconnects  int

	commandMu    sync.Mutex
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	closing      bool
	closingMu    sync.Mutex
}

// NewSerialMux creates a mux that opens ports through factory. The port is
// not opened until Open or the first SendCommand.
func NewSerialMux(cfg Config, factory SerialPortFactory, clock timeutil.Clock) *SerialMux {
	return &SerialMux{
		cfg:         cfg,
		factory:     factory,
		clock:       clock,
		subscribers: make(map[string]chan string),
	}
}

// Open opens the port now. Callers that require the link at startup treat
// an error as fatal.
func (s *SerialMux) Open() error {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	if s.port != nil {
		return nil
	}
	return s.openLocked()
}

func (s *SerialMux) openLocked() error {
	port, err := s.factory.Open(s.cfg.Path, s.cfg.Options)
	if err != nil {
		s.lastFailure = s.clock.Now()
		return fmt.Errorf("open serial port %s: %w", s.cfg.Path, err)
	}
	s.port = port
	logf("opened %s (%s)", s.cfg.Path, s.cfg.Options)
	return nil
}

// Connected reports whether a port is currently open.
func (s *SerialMux) Connected() bool {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	return s.port != nil
}

// Reconnects returns how many times the port has been reopened after a
// failure.
func (s *SerialMux) Reconnects() int {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	return s.reconnects
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *SerialMux) isClosing() bool {
	s.closingMu.Lock()
	defer s.closingMu.Unlock()
	return s.closing
}

// acquire returns the open port, reopening it when the reconnect interval
// since the last failure has passed.
func (s *SerialMux) acquire() (SerialPorter, error) {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	if s.port != nil {
		return s.port, nil
	}
	if !s.lastFailure.IsZero() && s.clock.Since(s.lastFailure) < s.cfg.ReconnectInterval {
		return nil, ErrDisconnected
	}
	if err := s.openLocked(); err != nil {
		return nil, err
	}
	if !s.lastFailure.IsZero() {
		s.reconnects++
	}
	return s.port, nil
}

// drop closes port if it is still the current one.
func (s *SerialMux) drop(port SerialPorter, cause error) {
	s.portMu.Lock()
	defer s.portMu.Unlock()
	if s.port != port {
		return
	}
	s.port = nil
	s.lastFailure = s.clock.Now()
	if err := port.Close(); err != nil {
		logf("close after %v: %v", cause, err)
	}
	logf("dropped %s: %v", s.cfg.Path, cause)
}

// SendCommand writes one line to the port, appending a newline if needed.
func (s *SerialMux) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if s.isClosing() {
		return ErrClosed
	}
	if !strings.HasSuffix(command, "\n") {
		command += "\n" // ensure command ends with a newline
	}

	port, err := s.acquire()
	if err != nil {
		return err
	}
	if err := s.write(port, []byte(command)); err != nil {
		s.drop(port, err)
		return err
	}
	return nil
}

type writeResult struct {
	n   int
	err error
}

func (s *SerialMux) write(port SerialPorter, data []byte) error {
	done := make(chan writeResult, 1)
	go func() {
		n, err := port.Write(data)
		done <- writeResult{n, err}
	}()

	var timeout <-chan time.Time
	if s.cfg.WriteTimeout > 0 {
		timer := time.NewTimer(s.cfg.WriteTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("%w: %v", ErrWriteFailed, r.err)
		}
		if r.n != len(data) {
			return ErrWriteFailed
		}
		return nil
	case <-timeout:
		return ErrWriteTimeout
	}
}

// Monitor reads lines from whichever port is open and forwards them to the
// subscribers. It survives reconnects and returns when ctx is done or the
// mux is closed.
func (s *SerialMux) Monitor(ctx context.Context) error {
	for {
		if s.isClosing() {
			return nil
		}
		s.portMu.Lock()
		port := s.port
		s.portMu.Unlock()

		if port == nil {
			if err := pause(ctx, 50*time.Millisecond); err != nil {
				return err
			}
			continue
		}

		err := s.scan(ctx, port)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.isClosing() {
			return nil
		}
		if err == nil {
			err = io.EOF
		}
		s.drop(port, err)
		if err := pause(ctx, s.cfg.ReconnectInterval); err != nil {
			return err
		}
	}
}

func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// scan forwards lines from one port until it fails or ctx is done.
func (s *SerialMux) scan(ctx context.Context, port SerialPorter) error {
	scan := bufio.NewScanner(port)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// the blocking scan.Scan will not interfere with our outer loop awaiting
	// lines & context cancellation.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-scanErrChan:
			return err

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			if s.isClosing() {
				return nil
			}

			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					// if the channel is full/blocking skip so as not to block the outer loop
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

// Close closes the subscribers and the port. Further writes fail with
// ErrClosed.
func (s *SerialMux) Close() error {
	s.closingMu.Lock()
	if s.closing {
		s.closingMu.Unlock()
		return nil
	}
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()

	// Wait for an in-flight write to finish before closing under it.
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	s.portMu.Lock()
	defer s.portMu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	logf("closed %s", s.cfg.Path)
	return err
}

func (s *SerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, s.SendCommand, s.Subscribe, s.Unsubscribe)
}

func attachAdminRoutes(mux *http.ServeMux, send func(string) error, subscribe func() (string, chan string), unsubscribe func(string)) {
	debug := tsweb.Debugger(mux)

	// Basic command / live tail monitor interface using the below two API endpoints.
	debug.HandleFunc("send-command", "send a raw line to the radio bridge", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, nil); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	// API endpoint to write command to the serial port
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := send(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	// API endpoint to issue Server-Side Events (SSE) in response to lines coming from the serial port.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := subscribe()
		defer unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				if f, ok := w.(http.Flusher); ok {
					f.Flush()
				}
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")

		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}
