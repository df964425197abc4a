package publish

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/floorfleet/internal/fsutil"
	"github.com/banshee-data/floorfleet/internal/impulse"
	"github.com/banshee-data/floorfleet/internal/timeutil"
)

func TestPublisher_VersionsAndFile(t *testing.T) {
	clock := timeutil.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	mfs := fsutil.NewMemoryFileSystem()
	mb := NewMailbox()
	p := NewPublisher(mb, mfs, "out/commands.json", clock)

	doc, err := mb.Latest()
	require.NoError(t, err)
	assert.Nil(t, doc)

	sel := 2
	first, err := p.Publish(&sel, []CommandRecord{
		{VehicleID: 2, Command: impulse.TurnLeft},
		{VehicleID: 1, Command: impulse.Forward},
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first.Version)
	assert.Equal(t, []CommandRecord{
		{VehicleID: 1, Command: impulse.Forward},
		{VehicleID: 2, Command: impulse.TurnLeft},
	}, first.Commands)

	select {
	case <-mb.Notify():
	default:
		t.Fatal("expected a notification")
	}

	clock.Advance(33 * time.Millisecond)
	second, err := p.Publish(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), second.Version)

	latest, _ := mb.Latest()
	assert.Same(t, second, latest)

	fromFile, err := NewFileSource(mfs, "out/commands.json").Latest()
	require.NoError(t, err)
	if diff := cmp.Diff(second, fromFile); diff != "" {
		t.Errorf("file document mismatch (-want +got):\n%s", diff)
	}
}

func TestDocument_WireFormat(t *testing.T) {
	sel := 1
	doc := &Document{
		Version:   7,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC),
		Selected:  &sel,
		Commands:  []CommandRecord{{VehicleID: 1, Command: impulse.TurnRight}},
	}
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"version": 7,
		"timestamp": "2026-03-01T12:00:00.0000005Z",
		"selected": 1,
		"commands": [{"vehicle_id": 1, "command": 3}]
	}`, string(data))

	cmd, ok := doc.CommandFor(1)
	assert.True(t, ok)
	assert.Equal(t, impulse.TurnRight, cmd)
	_, ok = doc.CommandFor(4)
	assert.False(t, ok)
}

func TestFileSource_MissingAndCorrupt(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	src := NewFileSource(mfs, "commands.json")

	doc, err := src.Latest()
	require.NoError(t, err)
	assert.Nil(t, doc)

	require.NoError(t, mfs.WriteFile("commands.json", []byte("{"), 0644))
	_, err = src.Latest()
	assert.Error(t, err)
}

func TestPublisher_NoPathSkipsFile(t *testing.T) {
	mfs := fsutil.NewMemoryFileSystem()
	p := NewPublisher(NewMailbox(), mfs, "", timeutil.NewMockClock(time.Unix(0, 0)))
	_, err := p.Publish(nil, []CommandRecord{{VehicleID: 1}})
	require.NoError(t, err)
	assert.Empty(t, mfs.Files())
}
