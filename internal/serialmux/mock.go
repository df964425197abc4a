package serialmux

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/floorfleet/internal/monitoring"
)

// MockSerialPort is a development port: writes go to a file and reads come
// from a pipe fed with synthetic bridge output.
type MockSerialPort struct {
	io.Reader
	io.WriteCloser

	reader *io.PipeReader
	stop   chan struct{}
	once   sync.Once
}

func (m *MockSerialPort) Write(p []byte) (n int, err error) {
	return m.WriteCloser.Write(p)
}

// Close stops the synthetic reader and closes the output file.
func (m *MockSerialPort) Close() error {
	m.once.Do(func() { close(m.stop) })
	m.reader.Close()
	return m.WriteCloser.Close()
}

// DevPortFactory opens MockSerialPorts for running without hardware. Each
// Open creates a new temp file in Dir holding everything written.
type DevPortFactory struct {
	Dir      string
	MockLine []byte        // emitted on the read side every Interval
	Interval time.Duration // defaults to 500ms
}

// Open creates a mock port. The path is only used to name the file.
func (f DevPortFactory) Open(path string, _ PortOptions) (SerialPorter, error) {
	dir := f.Dir
	if dir == "" {
		dir = os.TempDir()
	}
	out, err := os.CreateTemp(dir, "mock_serial_port")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file for mock serial port: %w", err)
	}
	monitoring.Logf("Writing mock serial port %s output to %s", path, out.Name())

	interval := f.Interval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	r, w := io.Pipe()
	port := &MockSerialPort{Reader: r, WriteCloser: out, reader: r, stop: make(chan struct{})}

	go func() {
		defer w.Close()
		if len(f.MockLine) == 0 {
			<-port.stop
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-port.stop:
				return
			case <-ticker.C:
				if _, err := w.Write(f.MockLine); err != nil {
					return
				}
			}
		}
	}()

	return port, nil
}

// TestableSerialPort implements SerialPorter with configurable behaviour for testing.
// It provides fine-grained control over reads, writes, errors, and latency.
type TestableSerialPort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// WriteLatency adds a delay to each Write call
	WriteLatency time.Duration

	// WriteError is returned by the next Write call if set
	WriteError error

	// CloseError is returned by Close if set
	CloseError error

	// Closed indicates whether Close was called
	Closed bool

	// WriteCalls records the number of Write calls
	WriteCalls int

	// readCond is used to signal blocked readers
	readCond *sync.Cond
}

// NewTestableSerialPort creates a new TestableSerialPort for testing.
func NewTestableSerialPort() *TestableSerialPort {
	tsp := &TestableSerialPort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
	tsp.readCond = sync.NewCond(&tsp.mu)
	return tsp
}

// Read blocks until data is added or the port is closed.
func (t *TestableSerialPort) Read(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for !t.Closed && t.ReadBuffer.Len() == 0 {
		t.readCond.Wait()
	}
	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	return t.ReadBuffer.Read(p)
}

// Write writes to the write buffer, optionally simulating latency and errors.
func (t *TestableSerialPort) Write(p []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++

	if t.Closed {
		return 0, errors.New("serial port closed")
	}

	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}

	if t.WriteLatency > 0 {
		t.mu.Unlock()
		time.Sleep(t.WriteLatency)
		t.mu.Lock()
	}

	return t.WriteBuffer.Write(p)
}

// Close marks the port as closed.
func (t *TestableSerialPort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.Closed = true
	t.readCond.Broadcast() // Wake up any blocked readers

	return t.CloseError
}

// AddReadData adds data to be returned by subsequent Read calls.
func (t *TestableSerialPort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadBuffer.Write(data)
	t.readCond.Signal()
}

// GetWrittenData returns all data written to the port.
func (t *TestableSerialPort) GetWrittenData() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.WriteBuffer.String()
}

// IsClosed reports whether Close was called.
func (t *TestableSerialPort) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Closed
}

// MockSerialPortFactory implements SerialPortFactory for testing. Each Open
// hands out the next port from Ports; Error, when set, fails the next Open.
type MockSerialPortFactory struct {
	mu sync.Mutex

	Ports []SerialPorter
	Error error

	// OpenCalls records all Open calls
	OpenCalls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path    string
	Options PortOptions
}

// NewMockSerialPortFactory creates a factory that returns ports in order.
func NewMockSerialPortFactory(ports ...SerialPorter) *MockSerialPortFactory {
	return &MockSerialPortFactory{Ports: ports}
}

// Open returns the next configured port or the configured error.
func (f *MockSerialPortFactory) Open(path string, opts PortOptions) (SerialPorter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.OpenCalls = append(f.OpenCalls, MockOpenCall{Path: path, Options: opts})

	if f.Error != nil {
		err := f.Error
		f.Error = nil
		return nil, err
	}
	if len(f.Ports) == 0 {
		return nil, errors.New("no mock ports left")
	}
	port := f.Ports[0]
	f.Ports = f.Ports[1:]
	return port, nil
}

// Opens returns the number of Open calls so far.
func (f *MockSerialPortFactory) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.OpenCalls)
}
