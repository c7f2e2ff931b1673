// Package keyword defines the Keyword Gateway contract: the thin
// capability surface the rest of the supervisor uses to talk to the
// distributed control-system bus. The bus itself and its wire protocol
// are out of scope (§1); this package only specifies the read/write/
// monitor/subscribe/wait/poll abstraction and names the telemetry keys
// consumed elsewhere in the supervisor (§6).
package keyword

import (
	"context"
	"errors"
	"time"
)

// ErrKeywordUnavailable is returned by Read when a key has never been
// seeded. Telemetry callbacks never let this
// escape — they substitute the documented neutral default instead (§7).
var ErrKeywordUnavailable = errors.New("keyword: value unavailable")

// Value is a typed telemetry or command value. The underlying
// representation is opaque on the bus; this wrapper narrows it at the one
// point every caller needs an accessor.
type Value struct {
	raw any
}

func Float(f float64) Value  { return Value{raw: f} }
func String(s string) Value  { return Value{raw: s} }
func Int(i int) Value        { return Value{raw: i} }
func Bool(b bool) Value      { return Value{raw: b} }

func (v Value) AsFloat() (float64, bool) { f, ok := v.raw.(float64); return f, ok }
func (v Value) AsString() (string, bool) { s, ok := v.raw.(string); return s, ok }
func (v Value) AsInt() (int, bool)       { i, ok := v.raw.(int); return i, ok }
func (v Value) AsBool() (bool, bool)     { b, ok := v.raw.(bool); return b, ok }

// Handler is invoked on every update of a monitored key with the new
// value. Per §4.1 and §5, a handler must not reenter the Gateway to
// block on Wait, and must never let an error escape — it does arithmetic
// only and substitutes neutral defaults on failure.
type Handler func(Value)

// Predicate reports whether a value satisfies a Wait condition.
type Predicate func(Value) bool

// Gateway is the external Keyword Gateway contract (§4.1). The
// Aggregator uses Subscribe/Monitor/Poll; the Executor uses Read/Write/
// Wait only.
type Gateway interface {
	// Read returns the current value of key, or ErrKeywordUnavailable if
	// it has never been seeded.
	Read(ctx context.Context, key string) (Value, error)

	// Write sets key to value on the bus.
	Write(ctx context.Context, key string, value Value) error

	// Monitor begins asynchronous push delivery for key; subsequent
	// updates are delivered to any handler subscribed via Subscribe.
	Monitor(key string) error

	// Subscribe registers handler to be invoked on every update of key.
	// Handlers run on the Gateway's own dispatcher goroutine, serialized
	// per key, never on the caller's goroutine.
	Subscribe(key string, handler Handler)

	// Wait blocks until predicate(value) holds for key or timeout
	// elapses, returning (true, nil) on success and (false, nil) on
	// timeout. It returns a non-nil error only if ctx is cancelled.
	Wait(ctx context.Context, key string, predicate Predicate, timeout time.Duration) (bool, error)

	// Poll forces one synchronous refresh of key from the bus.
	Poll(key string) error
}

// Keyword name constants — opaque identifiers on the bus; only their
// semantics are specified (§6).
const (
	KeySunElevation        = "sun_elevation_deg"
	KeyTelescopeAzimuth    = "telescope_azimuth_deg"
	KeyTelescopeElevation  = "telescope_elevation_deg"
	KeySecondaryFocus      = "secondary_focus"
	KeyDomeFrontShutter    = "dome_front_shutter"
	KeyDomeRearShutter     = "dome_rear_shutter"
	KeyOpenPermission      = "open_permission"
	KeyMovePermission      = "move_permission"
	KeyCheckClose          = "check_close"
	KeyDeadman             = "deadman_seconds"
	KeyWeatherSummary      = "weather_summary"
	KeyWindSpeed           = "wind_speed_mph"
	KeyWindDir             = "wind_dir_deg"
	KeyWhatIsOpen          = "what_is_open"
	KeyDew                 = "dew_status"
	KeyInstrumentReleased  = "instrument_released"
	KeyGuideCountRate      = "guide_count_rate"
	KeyGuideCounts         = "guide_counts"
	KeyExposureThreshold   = "exposure_threshold"
	KeyFWHM                = "fwhm_pixels"
	KeyDecker              = "decker"
	KeyVmag                = "guide_star_vmag"
	KeyObsStatus           = "scriptobs_status"
	KeyObsPID              = "observation_pid"
	KeyLinesDone           = "scriptobs_lines_done"
	KeyAutofocusEnable     = "scriptobs_autofoc"
	KeyWindshield          = "scriptobs_windshield"
	KeyObsControl          = "scriptobs_control"
	KeyObserver            = "camera_observer"
	KeyObsNum              = "camera_obsnum"
	KeyOutDir              = "camera_outdir"
	KeyOutFile             = "camera_outfile"
	KeyCameraEvent         = "camera_event"
	KeyTEQMode             = "teq_mode"
	KeyRobostate           = "ROBOSTATE"
	KeyStatus              = "STATUS"
	KeyMasterPhase         = "MASTER_PHASE"
	KeyMasterVar1          = "MASTER_VAR_1"
)
