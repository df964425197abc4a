package serialmux

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/floorfleet/internal/config"
	"github.com/banshee-data/floorfleet/internal/fsutil"
	"github.com/banshee-data/floorfleet/internal/impulse"
	"github.com/banshee-data/floorfleet/internal/publish"
	"github.com/banshee-data/floorfleet/internal/timeutil"
)

func TestSpeedTable(t *testing.T) {
	want := map[impulse.Command]int{
		impulse.Stop:      0,
		impulse.Forward:   125,
		impulse.Reverse:   125,
		impulse.TurnRight: 160,
		impulse.TurnLeft:  160,
	}
	for cmd, speed := range want {
		assert.Equal(t, speed, SpeedFor(cmd), cmd.String())
	}
}

func TestEncodeLines(t *testing.T) {
	sel := 2
	doc := &publish.Document{
		Version:  3,
		Selected: &sel,
		Commands: []publish.CommandRecord{
			{VehicleID: 1, Command: impulse.Forward},
			{VehicleID: 2, Command: impulse.TurnLeft},
		},
	}

	assert.Equal(t, []string{"1,125,1\n", "4,160,2\n"}, EncodeLines(doc, config.AddressModeAddressed))
	assert.Equal(t, []string{"4,160\n"}, EncodeLines(doc, config.AddressModeBroadcast))

	doc.Selected = nil
	assert.Equal(t, []string{"0,0\n"}, EncodeLines(doc, config.AddressModeBroadcast))
}

type recordingSender struct {
	lines []string
	err   error
}

func (r *recordingSender) SendCommand(line string) error {
	if r.err != nil {
		err := r.err
		r.err = nil
		return err
	}
	r.lines = append(r.lines, line)
	return nil
}

func TestWriter_PollWritesOnlyNewDocuments(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	mb := publish.NewMailbox()
	pub := publish.NewPublisher(mb, nil, "", clock)
	sender := &recordingSender{}
	w := NewWriter(WriterConfig{PollInterval: 10 * time.Millisecond}, mb, sender, clock)

	wrote, err := w.Poll()
	require.NoError(t, err)
	assert.False(t, wrote, "nothing published yet")

	_, err = pub.Publish(nil, []publish.CommandRecord{{VehicleID: 1, Command: impulse.TurnRight}})
	require.NoError(t, err)
	wrote, err = w.Poll()
	require.NoError(t, err)
	assert.True(t, wrote)

	wrote, err = w.Poll()
	require.NoError(t, err)
	assert.False(t, wrote, "same version is not resent")

	// Two publications between polls: only the newest is written.
	_, _ = pub.Publish(nil, []publish.CommandRecord{{VehicleID: 1, Command: impulse.Forward}})
	_, _ = pub.Publish(nil, []publish.CommandRecord{{VehicleID: 1, Command: impulse.Stop}})
	_, err = w.Poll()
	require.NoError(t, err)

	assert.Equal(t, []string{"3,160,1\n", "0,0,1\n"}, sender.lines)
	written, failed := w.Stats()
	assert.Equal(t, int64(2), written)
	assert.Zero(t, failed)
}

func TestWriter_FailureMovesOn(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	mb := publish.NewMailbox()
	pub := publish.NewPublisher(mb, nil, "", clock)
	sender := &recordingSender{err: ErrWriteTimeout}
	w := NewWriter(WriterConfig{}, mb, sender, clock)

	_, _ = pub.Publish(nil, []publish.CommandRecord{{VehicleID: 1, Command: impulse.Forward}})
	_, err := w.Poll()
	assert.ErrorIs(t, err, ErrWriteTimeout)

	wrote, err := w.Poll()
	require.NoError(t, err)
	assert.False(t, wrote, "a failed document is not retried")

	_, _ = pub.Publish(nil, []publish.CommandRecord{{VehicleID: 1, Command: impulse.Stop}})
	_, err = w.Poll()
	require.NoError(t, err)
	assert.Equal(t, []string{"0,0,1\n"}, sender.lines)
}

func TestWriter_FileSourceAcrossRestart(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	mfs := fsutil.NewMemoryFileSystem()
	sender := &recordingSender{}
	w := NewWriter(WriterConfig{}, publish.NewFileSource(mfs, "commands.json"), sender, clock)

	pub := publish.NewPublisher(publish.NewMailbox(), mfs, "commands.json", clock)
	_, err := pub.Publish(nil, []publish.CommandRecord{{VehicleID: 1, Command: impulse.Forward}})
	require.NoError(t, err)
	_, err = w.Poll()
	require.NoError(t, err)

	// A restarted controller starts again at version 1 with a later timestamp.
	clock.Advance(time.Second)
	restarted := publish.NewPublisher(publish.NewMailbox(), mfs, "commands.json", clock)
	_, err = restarted.Publish(nil, []publish.CommandRecord{{VehicleID: 1, Command: impulse.TurnLeft}})
	require.NoError(t, err)
	wrote, err := w.Poll()
	require.NoError(t, err)
	assert.True(t, wrote)
	assert.Equal(t, []string{"1,125,1\n", "4,160,1\n"}, sender.lines)
}

func TestWriter_RunFlushesOnCancel(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	mb := publish.NewMailbox()
	pub := publish.NewPublisher(mb, nil, "", clock)
	port := NewTestableSerialPort()
	link := NewSerialMux(testConfig(), NewMockSerialPortFactory(port), clock)
	w := NewWriter(WriterConfig{PollInterval: 10 * time.Millisecond}, mb, link, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	_, _ = pub.Publish(nil, []publish.CommandRecord{{VehicleID: 1, Command: impulse.Forward}})
	require.Eventually(t, func() bool { return port.GetWrittenData() == "1,125,1\n" }, 2*time.Second, 5*time.Millisecond)

	// Publish the all-stop and cancel straight away: Run must still send it.
	_, _ = pub.Publish(nil, []publish.CommandRecord{{VehicleID: 1, Command: impulse.Stop}})
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, "1,125,1\n0,0,1\n", port.GetWrittenData())
}

func TestWriterConfigFromFleet(t *testing.T) {
	cfg := WriterConfigFromFleet(config.EmptyFleetConfig())
	assert.Equal(t, 10*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, config.AddressModeAddressed, cfg.AddressMode)
	assert.NotErrorIs(t, errors.New("x"), ErrWriteFailed)

	link := LinkConfigFromFleet(config.EmptyFleetConfig(), "/dev/ttyUSB0")
	assert.Equal(t, "/dev/ttyUSB0", link.Path)
	assert.Equal(t, 30*time.Millisecond, link.WriteTimeout)
	assert.Equal(t, 500*time.Millisecond, link.ReconnectInterval)
}
