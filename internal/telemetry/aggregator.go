// aggregator.go — the Telemetry Aggregator (§4.2).
//
// On construction, registers callbacks on {wind, open-ok, deadman,
// count-rate, fwhm} and begins monitoring the remaining required keys,
// polling each once to seed state, the same two-phase "subscribe then
// poll" shape the teacher's runWorker uses for its per-PID accumulator
// maps. Each callback updates the snapshot field(s) its key feeds (wind,
// permission and dew callbacks also recompute open_ok) and never blocks
// on another bus call (§5).

package telemetry

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/duskwarden/duskwarden/internal/keyword"
	"github.com/duskwarden/duskwarden/internal/observability"
)

// plateConstantArcsecPerPixel converts raw FWHM pixel samples to arcsec.
const plateConstantArcsecPerPixel = 0.109

// neutralCountRate is the documented fallback for an unavailable guide
// count rate or expected count rate (§7).
const neutralCountRate = 5.0

// slowdownThreshold is the good/bad conditions boundary (§3).
const slowdownThreshold = 1.3

// windSpeedLimitMPH forces open_ok false above this speed (§3, §8
// invariant 1).
const windSpeedLimitMPH = 40.0

// deckerScale maps a decker's first letter to its count-rate
// normalization constant (§4.2).
var deckerScale = map[byte]float64{
	'M': 1.0,
	'W': 1.0,
	'N': 3.0,
	'B': 0.5,
	'S': 2.0,
	'P': 1.0,
}

// monitoredKeys lists every key the Aggregator subscribes to or polls at
// construction.
var monitoredKeys = []string{
	keyword.KeyWindSpeed,
	keyword.KeyWindDir,
	keyword.KeyOpenPermission,
	keyword.KeyMovePermission,
	keyword.KeyCheckClose,
	keyword.KeyDew,
	keyword.KeyDeadman,
	keyword.KeyGuideCountRate,
	keyword.KeyFWHM,
	keyword.KeyVmag,
	keyword.KeyDecker,
	keyword.KeySunElevation,
	keyword.KeyTEQMode,
	keyword.KeyWhatIsOpen,
	keyword.KeyObsPID,
	keyword.KeyLinesDone,
}

// Aggregator converts raw keyword-update events into a smoothed
// TelemetrySnapshot (§4.2). Field writes are protected by a snapshot
// mutex rather than per-field atomics — acceptable per §4.2 since the
// Watcher reads at only ~1 Hz.
type Aggregator struct {
	gw  keyword.Gateway
	log *zap.Logger

	windSpeed *MovingWindow[float64]
	windDir   *MovingWindow[float64]
	seeing    *MovingWindow[float64]
	slowdown  *MovingWindow[float64]

	mu      sync.RWMutex
	snap    Snapshot
	metrics *observability.Metrics

	externalPermission bool
	movePerm           bool
	dewDetected        bool
	vmag               float64
	vmagKnown          bool
	decker             string
}

// NewAggregator constructs an Aggregator with fresh (empty) moving
// windows, registers its callbacks, begins monitoring, and polls each
// required key once to seed state.
func NewAggregator(gw keyword.Gateway, log *zap.Logger, windWindowSize, seeingWindowSize, slowdownWindowSize int) *Aggregator {
	a := &Aggregator{
		gw:        gw,
		log:       log,
		windSpeed: NewMovingWindow[float64](windWindowSize),
		windDir:   NewMovingWindow[float64](windWindowSize),
		seeing:    NewMovingWindow[float64](seeingWindowSize),
		slowdown:  NewMovingWindow[float64](slowdownWindowSize),
		snap: Snapshot{
			ShutterState: make(map[ShutterComponent]bool),
		},
	}
	a.seedSlowdown(slowdownWindowSize)

	gw.Subscribe(keyword.KeyWindSpeed, a.onWindSpeed)
	gw.Subscribe(keyword.KeyWindDir, a.onWindDir)
	gw.Subscribe(keyword.KeyOpenPermission, a.onOpenPermission)
	gw.Subscribe(keyword.KeyMovePermission, a.onMovePermission)
	gw.Subscribe(keyword.KeyCheckClose, a.onCheckClose)
	gw.Subscribe(keyword.KeyDew, a.onDew)
	gw.Subscribe(keyword.KeyDeadman, a.onDeadman)
	gw.Subscribe(keyword.KeyGuideCountRate, a.onCountRate)
	gw.Subscribe(keyword.KeyFWHM, a.onFWHM)
	gw.Subscribe(keyword.KeyVmag, a.onVmag)
	gw.Subscribe(keyword.KeyDecker, a.onDecker)
	gw.Subscribe(keyword.KeySunElevation, a.onSunElevation)
	gw.Subscribe(keyword.KeyTEQMode, a.onTEQMode)
	gw.Subscribe(keyword.KeyWhatIsOpen, a.onWhatIsOpen)
	gw.Subscribe(keyword.KeyObsPID, a.onRobotPID)
	gw.Subscribe(keyword.KeyLinesDone, a.onLinesDone)

	for _, k := range monitoredKeys {
		if err := gw.Monitor(k); err != nil && a.log != nil {
			a.log.Warn("telemetry: monitor failed", zap.String("key", k), zap.Error(err))
		}
	}
	for _, k := range monitoredKeys {
		if err := gw.Poll(k); err != nil && a.log != nil {
			a.log.Warn("telemetry: initial poll failed", zap.String("key", k), zap.Error(err))
		}
	}

	return a
}

func (a *Aggregator) seedSlowdown(size int) {
	n := size - 1
	if n < 0 {
		n = 0
	}
	seed := make([]float64, n)
	for i := range seed {
		seed[i] = 1.0
	}
	a.slowdown.Seed(seed)
	a.mu.Lock()
	a.snap.Slowdown = 1.0
	a.snap.Conditions = ConditionsGood
	a.mu.Unlock()
}

// SetMetrics wires the Aggregator's wind/seeing/slowdown/open-ok gauges
// into the Prometheus registry (§4.2).
func (a *Aggregator) SetMetrics(m *observability.Metrics) { a.metrics = m }

// ResetWindows empties every moving window and re-seeds the slowdown
// window, matching the "reset to empty... on each close-for-weather
// event" lifecycle rule (§3).
func (a *Aggregator) ResetWindows() {
	a.windSpeed.Clear()
	a.windDir.Clear()
	a.seeing.Clear()
	size := a.slowdown.size
	a.slowdown.Clear()
	a.seedSlowdown(size)
}

// Snapshot returns a copy of the current telemetry state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cp := a.snap
	cp.ShutterState = make(map[ShutterComponent]bool, len(a.snap.ShutterState))
	for k, v := range a.snap.ShutterState {
		cp.ShutterState[k] = v
	}
	return cp
}

func (a *Aggregator) onWindSpeed(v keyword.Value) {
	f, ok := v.AsFloat()
	if !ok {
		return
	}
	a.windSpeed.Push(f)
	med := Median(a.windSpeed.Snapshot())
	a.mu.Lock()
	a.snap.WindSpeedMPH = med
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.WindSpeedMPH.Set(med)
	}
	a.recomputeOpenOK()
}

func (a *Aggregator) onWindDir(v keyword.Value) {
	f, ok := v.AsFloat()
	if !ok {
		return
	}
	a.windDir.Push(f)
	dir := CircularMedianDeg(a.windDir.Snapshot())
	a.mu.Lock()
	a.snap.WindDirDeg = dir
	a.mu.Unlock()
}

func (a *Aggregator) onFWHM(v keyword.Value) {
	f, ok := v.AsFloat()
	if !ok {
		return
	}
	a.seeing.Push(f * plateConstantArcsecPerPixel)
	med := Median(a.seeing.Snapshot())
	a.mu.Lock()
	a.snap.SeeingArcsec = med
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.SeeingArcsec.Set(med)
	}
}

func (a *Aggregator) onVmag(v keyword.Value) {
	f, ok := v.AsFloat()
	if !ok {
		return
	}
	a.mu.Lock()
	a.vmag = f
	a.vmagKnown = true
	a.mu.Unlock()
}

func (a *Aggregator) onDecker(v keyword.Value) {
	s, ok := v.AsString()
	if !ok {
		return
	}
	a.mu.Lock()
	a.decker = s
	a.mu.Unlock()
}

func (a *Aggregator) expectedCountRate() float64 {
	a.mu.RLock()
	vmag, known, decker := a.vmag, a.vmagKnown, a.decker
	a.mu.RUnlock()
	if !known {
		return neutralCountRate
	}
	scale := neutralCountRate
	if len(decker) > 0 {
		if s, ok := deckerScale[decker[0]]; ok {
			scale = s
		}
	}
	return math.Pow(10, (22.8-vmag)/2.5) / scale
}

func (a *Aggregator) onCountRate(v keyword.Value) {
	rate, ok := v.AsFloat()
	if !ok {
		rate = neutralCountRate
	}
	expected := a.expectedCountRate()
	if expected == 0 {
		expected = neutralCountRate
	}
	observed := rate / expected
	a.slowdown.Push(observed)
	med := Median(a.slowdown.Snapshot())

	a.mu.Lock()
	if med > 0 {
		a.snap.Slowdown = 1 / med
	}
	if a.snap.Slowdown < slowdownThreshold {
		a.snap.Conditions = ConditionsGood
	} else {
		a.snap.Conditions = ConditionsBad
	}
	slowdown := a.snap.Slowdown
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.SlowdownFactor.Set(slowdown)
	}
}

func (a *Aggregator) onOpenPermission(v keyword.Value) {
	b, ok := v.AsBool()
	if !ok {
		return
	}
	a.mu.Lock()
	a.externalPermission = b
	a.mu.Unlock()
	a.recomputeOpenOK()
}

func (a *Aggregator) onMovePermission(v keyword.Value) {
	b, ok := v.AsBool()
	if !ok {
		return
	}
	a.mu.Lock()
	a.movePerm = b
	a.snap.MovePerm = b
	a.mu.Unlock()
	a.recomputeOpenOK()
}

func (a *Aggregator) onCheckClose(v keyword.Value) {
	b, ok := v.AsBool()
	if !ok {
		return
	}
	a.mu.Lock()
	a.snap.CheckClose = b
	a.mu.Unlock()
}

func (a *Aggregator) onDew(v keyword.Value) {
	detected, ok := v.AsBool()
	if !ok {
		return
	}
	a.mu.Lock()
	a.dewDetected = detected
	if detected {
		a.snap.DewNeedsClose = true
	}
	a.mu.Unlock()
	a.recomputeOpenOK()
}

func (a *Aggregator) recomputeOpenOK() {
	a.mu.Lock()
	defer a.mu.Unlock()
	ok := a.externalPermission
	if !a.movePerm {
		ok = false
	}
	if a.snap.WindSpeedMPH > windSpeedLimitMPH {
		ok = false
	}
	if a.dewDetected {
		ok = false
	}
	a.snap.OpenOK = ok
	if a.metrics != nil {
		if ok {
			a.metrics.OpenOK.Set(1)
		} else {
			a.metrics.OpenOK.Set(0)
		}
	}
}

func (a *Aggregator) onDeadman(v keyword.Value) {
	f, ok := v.AsFloat()
	if !ok {
		return
	}
	a.mu.Lock()
	a.snap.DeadmanSeconds = f
	a.mu.Unlock()
}

func (a *Aggregator) onSunElevation(v keyword.Value) {
	f, ok := v.AsFloat()
	if !ok {
		return
	}
	a.mu.Lock()
	a.snap.SunElevationDeg = f
	a.mu.Unlock()
}

func (a *Aggregator) onTEQMode(v keyword.Value) {
	s, ok := v.AsString()
	if !ok {
		return
	}
	mode, err := ParseTEQMode(s)
	if err != nil {
		return
	}
	a.mu.Lock()
	a.snap.TEQMode = mode
	a.mu.Unlock()
}

func (a *Aggregator) onWhatIsOpen(v keyword.Value) {
	s, ok := v.AsString()
	if !ok {
		return
	}
	state := parseShutterState(s)
	a.mu.Lock()
	a.snap.ShutterState = state
	a.mu.Unlock()
}

func parseShutterState(s string) map[ShutterComponent]bool {
	state := make(map[ShutterComponent]bool, 3)
	for _, tok := range splitWhitespaceOrComma(s) {
		switch ShutterComponent(tok) {
		case ShutterDome, ShutterMirrorCover, ShutterVents:
			state[ShutterComponent(tok)] = true
		}
	}
	return state
}

func splitWhitespaceOrComma(s string) []string {
	var out []string
	var cur []byte
	flush := func() {
		if len(cur) > 0 {
			out = append(out, string(cur))
			cur = nil
		}
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' || c == ',' {
			flush()
			continue
		}
		cur = append(cur, c)
	}
	flush()
	return out
}

func (a *Aggregator) onRobotPID(v keyword.Value) {
	n, ok := v.AsInt()
	if !ok {
		return
	}
	a.mu.Lock()
	a.snap.RobotPID = n
	a.mu.Unlock()
}

func (a *Aggregator) onLinesDone(v keyword.Value) {
	n, ok := v.AsInt()
	if !ok {
		return
	}
	a.mu.Lock()
	a.snap.LinesDone = n
	a.mu.Unlock()
}
