package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmptyFleetConfigDefaults(t *testing.T) {
	cfg := EmptyFleetConfig()

	assert.Equal(t, 1920.0, cfg.GetWorldWidth())
	assert.Equal(t, 1200.0, cfg.GetWorldHeight())
	assert.Equal(t, 250.0, cfg.GetPairTolerance())
	assert.Equal(t, 4, cfg.GetMaxVehicles())
	assert.Equal(t, 0.7, cfg.GetSmoothingAlpha())
	assert.Equal(t, 3*time.Second, cfg.GetStaleTimeout())
	assert.Equal(t, 40.0, cfg.GetReachTolerance())
	assert.Equal(t, 4.0, cfg.GetHeadingToleranceDeg())
	assert.Equal(t, 50*time.Millisecond, cfg.GetBurstDuration())
	assert.Equal(t, 100*time.Millisecond, cfg.GetPauseDuration())
	assert.Equal(t, 5*time.Second, cfg.GetPlanGiveUp())
	assert.Equal(t, 10*time.Millisecond, cfg.GetSerialPollInterval())
	assert.Equal(t, AddressModeAddressed, cfg.GetSerialAddressMode())
	assert.True(t, cfg.GetRerouteWhileWaiting())
	assert.Equal(t, time.Second/30, cfg.GetTickInterval())
}

func TestLoadFleetConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "fleet.json")

	testJSON := `{
  "pair_tolerance": 50,
  "stale_timeout": "1500ms",
  "burst_duration": "80ms",
  "reroute_while_waiting": false,
  "serial_address_mode": "Broadcast"
}`
	require.NoError(t, os.WriteFile(configPath, []byte(testJSON), 0644))

	cfg, err := LoadFleetConfig(configPath)
	require.NoError(t, err)

	assert.Equal(t, 50.0, cfg.GetPairTolerance())
	assert.Equal(t, 1500*time.Millisecond, cfg.GetStaleTimeout())
	assert.Equal(t, 80*time.Millisecond, cfg.GetBurstDuration())
	assert.False(t, cfg.GetRerouteWhileWaiting())
	assert.Equal(t, AddressModeBroadcast, cfg.GetSerialAddressMode())

	// Unset fields keep their defaults.
	assert.Equal(t, 100*time.Millisecond, cfg.GetPauseDuration())
	assert.Equal(t, 1920.0, cfg.GetWorldWidth())
}

func TestLoadFleetConfigRejectsBadFiles(t *testing.T) {
	tmpDir := t.TempDir()

	_, err := LoadFleetConfig(filepath.Join(tmpDir, "fleet.yaml"))
	assert.ErrorContains(t, err, ".json extension")

	_, err = LoadFleetConfig(filepath.Join(tmpDir, "missing.json"))
	assert.ErrorContains(t, err, "failed to stat")

	bad := filepath.Join(tmpDir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"pair_tolerance": `), 0644))
	_, err = LoadFleetConfig(bad)
	assert.ErrorContains(t, err, "failed to parse")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     FleetConfig
		wantErr string
	}{
		{"valid empty", FleetConfig{}, ""},
		{"negative tolerance", FleetConfig{PairTolerance: ptrFloat64(-1)}, "pair_tolerance"},
		{"alpha above one", FleetConfig{SmoothingAlpha: ptrFloat64(1.5)}, "smoothing_alpha"},
		{"zero vehicles", FleetConfig{MaxVehicles: ptrInt(0)}, "max_vehicles"},
		{"bad duration", FleetConfig{BurstDuration: ptrString("soon")}, "burst_duration"},
		{"negative duration", FleetConfig{StaleTimeout: ptrString("-1s")}, "stale_timeout"},
		{"heading tolerance", FleetConfig{HeadingToleranceDeg: ptrFloat64(200)}, "heading_tolerance_deg"},
		{"address mode", FleetConfig{SerialAddressMode: ptrString("multicast")}, "serial_address_mode"},
		{"explicit bool", FleetConfig{RerouteWhileWaiting: ptrBool(false)}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDefaultsFileMatchesAccessors(t *testing.T) {
	cfg := MustLoadDefaultConfig()
	empty := EmptyFleetConfig()

	assert.Equal(t, empty.GetStaleTimeout(), cfg.GetStaleTimeout())
	assert.Equal(t, empty.GetBurstDuration(), cfg.GetBurstDuration())
	assert.Equal(t, empty.GetPauseDuration(), cfg.GetPauseDuration())
	assert.Equal(t, empty.GetPairTolerance(), cfg.GetPairTolerance())
	assert.Equal(t, empty.GetReachTolerance(), cfg.GetReachTolerance())
	assert.Equal(t, empty.GetSerialAddressMode(), cfg.GetSerialAddressMode())
}
