package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigPath is the path to the canonical fleet defaults file.
const DefaultConfigPath = "config/fleet.defaults.json"

// Serial address modes understood by the serial writer.
const (
	AddressModeAddressed = "addressed"
	AddressModeBroadcast = "broadcast"
)

// FleetConfig is the root configuration for the supervisory controller.
// Every field is optional; the Get* accessors fall back to the built-in
// defaults for fields that are absent from the JSON file, so partial
// configs are safe.
type FleetConfig struct {
	// Coordinate transform
	WorldWidth      *float64 `json:"world_width,omitempty"`
	WorldHeight     *float64 `json:"world_height,omitempty"`
	PlayfieldMargin *float64 `json:"playfield_margin,omitempty"`
	ScaleX          *float64 `json:"scale_x,omitempty"`
	ScaleY          *float64 `json:"scale_y,omitempty"`
	OffsetX         *float64 `json:"offset_x,omitempty"`
	OffsetY         *float64 `json:"offset_y,omitempty"`
	CurveX          *float64 `json:"curve_x,omitempty"`
	CurveY          *float64 `json:"curve_y,omitempty"`

	// Pairing and tracking
	PairTolerance  *float64 `json:"pair_tolerance,omitempty"`
	MaxVehicles    *int     `json:"max_vehicles,omitempty"`
	SmoothingAlpha *float64 `json:"smoothing_alpha,omitempty"`
	StaleTimeout   *string  `json:"stale_timeout,omitempty"` // duration string like "3s"

	// Routing
	NodeSnapRadius      *float64 `json:"node_snap_radius,omitempty"`
	ReachTolerance      *float64 `json:"reach_tolerance,omitempty"`
	PlanGiveUp          *string  `json:"plan_give_up,omitempty"`
	RerouteWhileWaiting *bool    `json:"reroute_while_waiting,omitempty"`

	// Impulse controller
	HeadingToleranceDeg *float64 `json:"heading_tolerance_deg,omitempty"`
	BurstDuration       *string  `json:"burst_duration,omitempty"`
	PauseDuration       *string  `json:"pause_duration,omitempty"`

	// Control loop
	TickRateHz *float64 `json:"tick_rate_hz,omitempty"`

	// Serial writer
	SerialPollInterval      *string `json:"serial_poll_interval,omitempty"`
	SerialWriteTimeout      *string `json:"serial_write_timeout,omitempty"`
	SerialReconnectInterval *string `json:"serial_reconnect_interval,omitempty"`
	SerialAddressMode       *string `json:"serial_address_mode,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyFleetConfig returns a FleetConfig with all fields set to nil, which
// resolves every accessor to its built-in default.
func EmptyFleetConfig() *FleetConfig {
	return &FleetConfig{}
}

// LoadFleetConfig loads a FleetConfig from a JSON file.
// The file must have a .json extension and be under 1MB.
func LoadFleetConfig(path string) (*FleetConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyFleetConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// MustLoadDefaultConfig loads the canonical defaults from DefaultConfigPath,
// searching the current directory and common parent directories.
// Panics if the file cannot be loaded; intended for binaries and test setup.
func MustLoadDefaultConfig() *FleetConfig {
	candidates := []string{
		DefaultConfigPath,
		"../../" + DefaultConfigPath,    // from internal/config/
		"../../../" + DefaultConfigPath, // from cmd/tools/layout-plot/
	}
	for _, path := range candidates {
		if cfg, err := LoadFleetConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run from repository root")
}

// Validate checks that the configuration values are usable.
func (c *FleetConfig) Validate() error {
	positive := map[string]*float64{
		"world_width":     c.WorldWidth,
		"world_height":    c.WorldHeight,
		"scale_x":         c.ScaleX,
		"scale_y":         c.ScaleY,
		"pair_tolerance":  c.PairTolerance,
		"reach_tolerance": c.ReachTolerance,
		"tick_rate_hz":    c.TickRateHz,
	}
	for name, v := range positive {
		if v != nil && *v <= 0 {
			return fmt.Errorf("%s must be positive, got %f", name, *v)
		}
	}

	if c.PlayfieldMargin != nil && *c.PlayfieldMargin < 0 {
		return fmt.Errorf("playfield_margin must be non-negative, got %f", *c.PlayfieldMargin)
	}
	if c.NodeSnapRadius != nil && *c.NodeSnapRadius < 0 {
		return fmt.Errorf("node_snap_radius must be non-negative, got %f", *c.NodeSnapRadius)
	}
	if c.SmoothingAlpha != nil && (*c.SmoothingAlpha <= 0 || *c.SmoothingAlpha > 1) {
		return fmt.Errorf("smoothing_alpha must be in (0, 1], got %f", *c.SmoothingAlpha)
	}
	if c.MaxVehicles != nil && *c.MaxVehicles <= 0 {
		return fmt.Errorf("max_vehicles must be positive, got %d", *c.MaxVehicles)
	}
	if c.HeadingToleranceDeg != nil && (*c.HeadingToleranceDeg <= 0 || *c.HeadingToleranceDeg >= 180) {
		return fmt.Errorf("heading_tolerance_deg must be in (0, 180), got %f", *c.HeadingToleranceDeg)
	}

	durations := map[string]*string{
		"stale_timeout":             c.StaleTimeout,
		"plan_give_up":              c.PlanGiveUp,
		"burst_duration":            c.BurstDuration,
		"pause_duration":            c.PauseDuration,
		"serial_poll_interval":      c.SerialPollInterval,
		"serial_write_timeout":      c.SerialWriteTimeout,
		"serial_reconnect_interval": c.SerialReconnectInterval,
	}
	for name, v := range durations {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, *v)
		}
	}

	if c.SerialAddressMode != nil {
		switch strings.ToLower(*c.SerialAddressMode) {
		case AddressModeAddressed, AddressModeBroadcast:
		default:
			return fmt.Errorf("unsupported serial_address_mode %q: expected %q or %q",
				*c.SerialAddressMode, AddressModeAddressed, AddressModeBroadcast)
		}
	}

	return nil
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// durationOr parses v, returning def when v is unset or unparseable.
func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetWorldWidth returns the playfield width in world units.
func (c *FleetConfig) GetWorldWidth() float64 { return floatOr(c.WorldWidth, 1920) }

// GetWorldHeight returns the playfield height in world units.
func (c *FleetConfig) GetWorldHeight() float64 { return floatOr(c.WorldHeight, 1200) }

// GetPlayfieldMargin returns how far outside the playfield a transformed
// point may land before it is flagged invalid.
func (c *FleetConfig) GetPlayfieldMargin() float64 { return floatOr(c.PlayfieldMargin, 50) }

func (c *FleetConfig) GetScaleX() float64  { return floatOr(c.ScaleX, 1) }
func (c *FleetConfig) GetScaleY() float64  { return floatOr(c.ScaleY, 1) }
func (c *FleetConfig) GetOffsetX() float64 { return floatOr(c.OffsetX, 0) }
func (c *FleetConfig) GetOffsetY() float64 { return floatOr(c.OffsetY, 0) }
func (c *FleetConfig) GetCurveX() float64  { return floatOr(c.CurveX, 0) }
func (c *FleetConfig) GetCurveY() float64  { return floatOr(c.CurveY, 0) }

// GetPairTolerance returns the maximum front/rear marker distance.
func (c *FleetConfig) GetPairTolerance() float64 { return floatOr(c.PairTolerance, 250) }

// GetMaxVehicles returns the highest rear-id the detector may report.
func (c *FleetConfig) GetMaxVehicles() int {
	if c.MaxVehicles == nil {
		return 4
	}
	return *c.MaxVehicles
}

// GetSmoothingAlpha returns the blend weight given to a fresh position.
func (c *FleetConfig) GetSmoothingAlpha() float64 { return floatOr(c.SmoothingAlpha, 0.7) }

// GetStaleTimeout returns how long a vehicle may go unseen before eviction.
func (c *FleetConfig) GetStaleTimeout() time.Duration {
	return durationOr(c.StaleTimeout, 3*time.Second)
}

// GetNodeSnapRadius returns the search radius used to attach a vehicle to
// its nearest layout node.
func (c *FleetConfig) GetNodeSnapRadius() float64 { return floatOr(c.NodeSnapRadius, 200) }

// GetReachTolerance returns the distance at which a waypoint counts as reached.
func (c *FleetConfig) GetReachTolerance() float64 { return floatOr(c.ReachTolerance, 40) }

// GetPlanGiveUp returns how long planning may keep failing before the
// target is dropped.
func (c *FleetConfig) GetPlanGiveUp() time.Duration {
	return durationOr(c.PlanGiveUp, 5*time.Second)
}

// GetRerouteWhileWaiting reports whether waiting vehicles look for an
// alternative free path.
func (c *FleetConfig) GetRerouteWhileWaiting() bool {
	if c.RerouteWhileWaiting == nil {
		return true
	}
	return *c.RerouteWhileWaiting
}

// GetHeadingToleranceDeg returns the alignment band inside which a vehicle
// drives instead of turning.
func (c *FleetConfig) GetHeadingToleranceDeg() float64 { return floatOr(c.HeadingToleranceDeg, 4) }

// GetBurstDuration returns the length of one motion burst.
func (c *FleetConfig) GetBurstDuration() time.Duration {
	return durationOr(c.BurstDuration, 50*time.Millisecond)
}

// GetPauseDuration returns the reassessment pause between bursts.
func (c *FleetConfig) GetPauseDuration() time.Duration {
	return durationOr(c.PauseDuration, 100*time.Millisecond)
}

// GetTickRateHz returns the control loop frequency.
func (c *FleetConfig) GetTickRateHz() float64 { return floatOr(c.TickRateHz, 30) }

// GetTickInterval returns the control loop period derived from the tick rate.
func (c *FleetConfig) GetTickInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.GetTickRateHz())
}

// GetSerialPollInterval returns how often the serial writer checks for a
// new command publication.
func (c *FleetConfig) GetSerialPollInterval() time.Duration {
	return durationOr(c.SerialPollInterval, 10*time.Millisecond)
}

// GetSerialWriteTimeout returns the deadline for one serial write.
func (c *FleetConfig) GetSerialWriteTimeout() time.Duration {
	return durationOr(c.SerialWriteTimeout, 30*time.Millisecond)
}

// GetSerialReconnectInterval returns the minimum delay between attempts to
// reopen the serial port.
func (c *FleetConfig) GetSerialReconnectInterval() time.Duration {
	return durationOr(c.SerialReconnectInterval, 500*time.Millisecond)
}

// GetSerialAddressMode returns "addressed" or "broadcast".
func (c *FleetConfig) GetSerialAddressMode() string {
	if c.SerialAddressMode == nil || *c.SerialAddressMode == "" {
		return AddressModeAddressed
	}
	return strings.ToLower(*c.SerialAddressMode)
}
