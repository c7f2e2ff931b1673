package telemetry

import "fmt"

// Conditions summarizes slowdown into the good/bad band used by the
// Watcher's decision table documentation (§3).
type Conditions int

const (
	ConditionsGood Conditions = iota
	ConditionsBad
)

func (c Conditions) String() string {
	if c == ConditionsGood {
		return "good"
	}
	return "bad"
}

// TEQMode is the thermal-equilibrium / operating-mode enumeration.
type TEQMode int

const (
	TEQNight TEQMode = iota
	TEQMorning
	TEQDay
	TEQSunrise
)

func (m TEQMode) String() string {
	switch m {
	case TEQNight:
		return "Night"
	case TEQMorning:
		return "Morning"
	case TEQDay:
		return "Day"
	case TEQSunrise:
		return "Sunrise"
	default:
		return "Unknown"
	}
}

// ParseTEQMode parses the teq_mode keyword's string value.
func ParseTEQMode(s string) (TEQMode, error) {
	switch s {
	case "Night":
		return TEQNight, nil
	case "Morning":
		return TEQMorning, nil
	case "Day":
		return TEQDay, nil
	case "Sunrise":
		return TEQSunrise, nil
	default:
		return TEQNight, fmt.Errorf("telemetry: unrecognized teq_mode %q", s)
	}
}

// ShutterComponent is one of the three possible open components encoded
// in the what_is_open keyword (§3, §6).
type ShutterComponent string

const (
	ShutterDome        ShutterComponent = "DomeShutter"
	ShutterMirrorCover ShutterComponent = "MirrorCover"
	ShutterVents       ShutterComponent = "Vents"
)

// Snapshot is the immutable telemetry value the Watcher reads each tick
// (§3). Each call to Aggregator.Snapshot returns a fresh copy of the
// current state.
type Snapshot struct {
	SunElevationDeg float64
	WindSpeedMPH    float64
	WindDirDeg      float64
	SeeingArcsec    float64
	Slowdown        float64
	Conditions      Conditions
	DeadmanSeconds  float64
	OpenOK          bool
	MovePerm        bool
	CheckClose      bool
	TEQMode         TEQMode
	ShutterState    map[ShutterComponent]bool
	RobotPID        int
	LinesDone       int

	// DewNeedsClose is the Open Question's preserved-but-unread latch
	// (§9): set once dew is detected and never cleared, consulted by
	// nothing beyond forcing OpenOK false.
	DewNeedsClose bool
}

// IsOpen reports whether any shutter component is currently open.
func (s Snapshot) IsOpen() bool {
	for _, open := range s.ShutterState {
		if open {
			return true
		}
	}
	return false
}

// RobotRunning reports whether the observation subprocess is alive.
func (s Snapshot) RobotRunning() bool {
	return s.RobotPID > 0
}
