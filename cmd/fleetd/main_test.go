package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/floorfleet/internal/config"
	"github.com/banshee-data/floorfleet/internal/serialmux"
	"github.com/banshee-data/floorfleet/internal/timeutil"
)

func TestFlagDefaults(t *testing.T) {
	if listen == nil || commandsPath == nil || port == nil {
		t.Fatal("flags not defined")
	}
	assert.Equal(t, ":8080", *listen)
	assert.Equal(t, "commands.json", *commandsPath)
	assert.Equal(t, "", *port, "serial writer is disabled unless a port is given")
	assert.False(t, *serialOpt)
	assert.False(t, *devMode)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("", "")
	require.NoError(t, err)
	assert.Equal(t, config.AddressModeAddressed, cfg.GetSerialAddressMode())

	cfg, err = loadConfig("", "broadcast")
	require.NoError(t, err)
	assert.Equal(t, "broadcast", cfg.GetSerialAddressMode())

	_, err = loadConfig("", "shout")
	assert.Error(t, err)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.json"), "")
	assert.Error(t, err)
}

func TestLoadLayout(t *testing.T) {
	g, err := loadLayout("")
	require.NoError(t, err)
	assert.NotEmpty(t, g.Segments())

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"name":"x","nodes":[{"id":1,"x":0,"y":0,"kind":"junction"}],"segments":[{"id":1,"start":1,"end":7}]}`), 0o644))
	_, err = loadLayout(bad)
	assert.Error(t, err, "segments must reference declared nodes")
}

func TestNewLink(t *testing.T) {
	cfg := config.EmptyFleetConfig()
	clock := timeutil.NewMockClock(timeutil.RealClock{}.Now())

	tests := []struct {
		name         string
		path         string
		dev          bool
		optional     bool
		wantDisabled bool
		wantRequired bool
	}{
		{name: "no port disables the writer", wantDisabled: true},
		{name: "real port is required", path: "/dev/ttyUSB0", wantRequired: true},
		{name: "optional real port", path: "/dev/ttyUSB0", optional: true},
		{name: "dev mode without a port", dev: true, wantRequired: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link, required := newLink(cfg, tt.path, tt.dev, tt.optional, clock)
			_, disabled := link.(*serialmux.DisabledSerialMux)
			assert.Equal(t, tt.wantDisabled, disabled)
			assert.Equal(t, tt.wantRequired, required)
		})
	}
}
