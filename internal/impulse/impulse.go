// Package impulse shapes steering decisions into short command bursts.
//
// A vehicle is never driven continuously. Each burst repeats one command
// for a fixed duration, is followed by a stop, and the next burst may only
// start after a pause long enough for the tracker to observe the result.
// The control loop is therefore a sampled-data controller over a discrete
// command interface.
package impulse

import (
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/floorfleet/internal/config"
	"github.com/banshee-data/floorfleet/internal/geom"
)

// Command is the wire code sent to a vehicle.
type Command int

const (
	Stop      Command = 0
	Forward   Command = 1
	Reverse   Command = 2
	TurnRight Command = 3
	TurnLeft  Command = 4
)

func (c Command) String() string {
	switch c {
	case Stop:
		return "stop"
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	case TurnRight:
		return "turn-right"
	case TurnLeft:
		return "turn-left"
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// Valid reports whether c is a known wire code.
func (c Command) Valid() bool { return c >= Stop && c <= TurnLeft }

// ParseCommand accepts either a wire code ("3") or a name ("turn-right").
func ParseCommand(s string) (Command, error) {
	for c := Stop; c <= TurnLeft; c++ {
		if s == c.String() || s == fmt.Sprint(int(c)) {
			return c, nil
		}
	}
	return Stop, fmt.Errorf("unknown command %q", s)
}

// TurnFor maps a signed heading error to a turn command. Headings grow from
// +x toward +y in the image frame (clockwise on screen), so a positive
// error is a clockwise turn: turn-right. This is the only place the turn
// sign is decided.
func TurnFor(deltaDeg float64) Command {
	if deltaDeg < 0 {
		return TurnLeft
	}
	return TurnRight
}

// Mode is the burst phase of one vehicle.
type Mode int

const (
	ModeIdle Mode = iota
	ModeTurning
	ModeDriving
	ModePausing
)

func (m Mode) String() string {
	switch m {
	case ModeTurning:
		return "turning"
	case ModeDriving:
		return "driving"
	case ModePausing:
		return "pausing"
	}
	return "idle"
}

// Phase is the per-vehicle burst state.
type Phase struct {
	Mode    Mode
	Start   time.Time
	Pending Command // command repeated for the current burst
}

// Config holds the burst tuning.
type Config struct {
	HeadingToleranceDeg float64
	Burst               time.Duration
	Pause               time.Duration
}

// ConfigFromFleet builds an impulse Config from a loaded FleetConfig.
func ConfigFromFleet(cfg *config.FleetConfig) Config {
	return Config{
		HeadingToleranceDeg: cfg.GetHeadingToleranceDeg(),
		Burst:               cfg.GetBurstDuration(),
		Pause:               cfg.GetPauseDuration(),
	}
}

// Shaper turns a pose and a waypoint into one command per tick.
type Shaper struct {
	cfg Config
}

// NewShaper creates a Shaper.
func NewShaper(cfg Config) *Shaper {
	return &Shaper{cfg: cfg}
}

// Decide returns the command for a vehicle at pos with the given heading
// that is driving toward waypoint, advancing ph.
func (s *Shaper) Decide(ph *Phase, pos geom.WorldPoint, headingDeg float64, waypoint geom.WorldPoint, now time.Time) Command {
	since := now.Sub(ph.Start)

	switch ph.Mode {
	case ModeTurning, ModeDriving:
		if since < s.cfg.Burst {
			return ph.Pending
		}
		ph.Mode = ModePausing
		ph.Start = now
		ph.Pending = Stop
		return Stop
	case ModePausing:
		if since < s.cfg.Pause {
			return Stop
		}
	}

	delta := geom.SignedDeltaDeg(headingDeg, geom.HeadingDeg(pos, waypoint))
	if math.Abs(delta) > s.cfg.HeadingToleranceDeg {
		ph.Mode = ModeTurning
		ph.Pending = TurnFor(delta)
	} else {
		ph.Mode = ModeDriving
		ph.Pending = Forward
	}
	ph.Start = now
	return ph.Pending
}

// Hold stops a vehicle that has no reason to move. An idle phase stays
// idle. A burst in progress is cut short and the phase goes to pausing
// rather than idle, so the mandatory pause after every burst still runs
// before the next one; it returns to idle once the pause has elapsed.
func (s *Shaper) Hold(ph *Phase, now time.Time) Command {
	switch ph.Mode {
	case ModeTurning, ModeDriving:
		ph.Mode = ModePausing
		ph.Start = now
	case ModePausing:
		if now.Sub(ph.Start) >= s.cfg.Pause {
			ph.Mode = ModeIdle
		}
	}
	ph.Pending = Stop
	return Stop
}
