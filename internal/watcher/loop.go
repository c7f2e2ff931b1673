// Package watcher implements the Watcher Loop (§4.6): a periodic (~1 s)
// cooperative decision engine that reads the Aggregator's snapshot,
// consults no durable state of its own, and issues Executor actions per
// the priority-ordered decision table, with a cool-down re-open embargo
// and windshielding hysteresis (§4.6.1).
//
// Adapted from the teacher's runWorker event loop in cmd/octoreflex/
// main.go: a per-tick read of aggregated state, a severity-style decision
// dispatch, and a cancellable sleep between ticks.
package watcher

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/duskwarden/duskwarden/internal/action"
	"github.com/duskwarden/duskwarden/internal/keyword"
	"github.com/duskwarden/duskwarden/internal/observability"
	"github.com/duskwarden/duskwarden/internal/phase"
	"github.com/duskwarden/duskwarden/internal/scheduler"
	"github.com/duskwarden/duskwarden/internal/session"
	"github.com/duskwarden/duskwarden/internal/telemetry"
)

// Outcome is why the Watcher Loop returned control to the Sequencer.
type Outcome int

const (
	OutcomeSunrise Outcome = iota
	OutcomeFixedListFinished
	OutcomeFatal
	OutcomeOperatorInterrupt
	OutcomeWallClockGuard
)

// Result is the Watcher Loop's terminal report.
type Result struct {
	Outcome Outcome
	Err     error
}

// Config bounds the loop's timing behavior (§5).
type Config struct {
	TickPeriod        time.Duration
	CooldownEmbargo   time.Duration
	DispatchSettle    time.Duration
	DeadmanThreshold  float64 // seconds
	WallClockGuardHour int
	TOOPath           string
}

// Loop is the Watcher Loop.
type Loop struct {
	log     *zap.Logger
	agg     *telemetry.Aggregator
	gw      keyword.Gateway
	exec    *action.Executor
	store   *phase.Store
	sched   scheduler.Scheduler
	sess    *session.Session
	metrics *observability.Metrics
	cfg     Config

	signal atomic.Bool

	windshieldEnabled bool
	coolDownSince     time.Time
	abortInFlight     bool

	nowFunc func() time.Time
}

// NewLoop builds a Loop ready to Run.
func NewLoop(
	log *zap.Logger,
	agg *telemetry.Aggregator,
	gw keyword.Gateway,
	exec *action.Executor,
	store *phase.Store,
	sched scheduler.Scheduler,
	sess *session.Session,
	metrics *observability.Metrics,
	cfg Config,
) *Loop {
	l := &Loop{
		log:               log,
		agg:               agg,
		gw:                gw,
		exec:              exec,
		store:             store,
		sched:             sched,
		sess:              sess,
		metrics:           metrics,
		cfg:               cfg,
		windshieldEnabled: true,
		nowFunc:           time.Now,
	}
	l.signal.Store(true)
	return l
}

// Stop requests prompt termination of the loop — the cancellation token
// replacing the source's cooperative "signal" flag (§9).
func (l *Loop) Stop() {
	l.signal.Store(false)
}

// Run executes ticks until a terminal condition is reached.
func (l *Loop) Run(ctx context.Context) Result {
	ticker := time.NewTicker(l.cfg.TickPeriod)
	defer ticker.Stop()

	for {
		if !l.signal.Load() {
			return Result{Outcome: OutcomeOperatorInterrupt}
		}
		if l.nowFunc().Hour() == l.cfg.WallClockGuardHour {
			return Result{Outcome: OutcomeWallClockGuard}
		}

		snap := l.agg.Snapshot()
		if res, done := l.tick(ctx, snap); done {
			return res
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return Result{Outcome: OutcomeOperatorInterrupt, Err: ctx.Err()}
		}
	}
}

func isOpen(snap telemetry.Snapshot) bool      { return snap.IsOpen() }
func robotRunning(snap telemetry.Snapshot) bool { return snap.RobotRunning() }

// tick applies the decision table in priority order; first match wins.
func (l *Loop) tick(ctx context.Context, snap telemetry.Snapshot) (Result, bool) {
	// Sun elevation moves through two wall-clock halves: rising from
	// midnight to noon, setting from noon to midnight. Hour-of-day is the
	// unambiguous ground truth (matches the AM/PM check the collaborators
	// this loop replaces all use), not a derivative of consecutive
	// telemetry samples, which is noisy at low sample rates and undefined
	// on the very first tick.
	rising := l.nowFunc().Hour() < 12

	if !isOpen(snap) {
		l.abortInFlight = false
	}

	// 1. Weather close: is_open ∧ ¬open_ok.
	if isOpen(snap) && !snap.OpenOK {
		l.handleWeatherClose(ctx, snap)
		return Result{}, false
	}

	// 2. Sunrise: terminate Watcher, hand control to Cal-Post.
	if snap.SunElevationDeg > -8.9 && !robotRunning(snap) && rising {
		if isOpen(snap) {
			if _, err := l.exec.Close(ctx); err != nil {
				l.log.Error("watcher: close failed at sunrise", zap.Error(err))
			}
		}
		l.log.Info("watcher: sunrise, terminating", zap.Bool("was_open", isOpen(snap)))
		return Result{Outcome: OutcomeSunrise}, true
	}

	// 3. Sunset open.
	if !isOpen(snap) && !l.inCooldown() && snap.SunElevationDeg > -8 && snap.SunElevationDeg < -3.2 && snap.OpenOK && !rising {
		return l.attemptOpen(ctx, action.OpenSunset, snap)
	}

	// 4. Night open.
	if !isOpen(snap) && !l.inCooldown() && snap.SunElevationDeg < -8.9 && snap.OpenOK {
		return l.attemptOpen(ctx, action.OpenNight, snap)
	}

	// 5. Observation selection.
	if isOpen(snap) && !robotRunning(snap) && snap.SunElevationDeg <= -8.9 {
		return l.selectAndObserve(ctx, snap)
	}

	// 6. Deadman reset.
	if isOpen(snap) && snap.DeadmanSeconds <= l.cfg.DeadmanThreshold {
		if err := l.exec.DeadmanReset(ctx); err != nil {
			l.log.Error("watcher: deadman reset failed", zap.Error(err))
		}
		if l.metrics != nil {
			l.metrics.ActionsTotal.WithLabelValues("deadman_reset", "issued").Inc()
		}
	}

	return Result{}, false
}

func (l *Loop) inCooldown() bool {
	if l.coolDownSince.IsZero() {
		return false
	}
	return l.nowFunc().Sub(l.coolDownSince) < l.cfg.CooldownEmbargo
}

// handleWeatherClose implements decision-table rule 1: exactly one
// kill_robot followed by close per weather-close episode, restarting the
// cool-down clock on every re-entry of "not open_ok" (§4.6, §8
// invariant 5).
func (l *Loop) handleWeatherClose(ctx context.Context, snap telemetry.Snapshot) {
	l.coolDownSince = l.nowFunc()
	if l.abortInFlight {
		return
	}
	l.abortInFlight = true

	if _, err := l.exec.KillRobot(ctx, true, snap.RobotPID); err != nil {
		l.log.Error("watcher: kill_robot failed", zap.Error(err))
	}
	if _, err := l.exec.Close(ctx); err != nil {
		l.log.Error("watcher: close failed during weather abort", zap.Error(err))
	}
	l.updateLastObs()
	l.agg.ResetWindows()

	if l.metrics != nil {
		l.metrics.ActionsTotal.WithLabelValues("weather_close", "issued").Inc()
	}
	l.log.Warn("watcher: weather close armed cool-down", zap.Duration("embargo", l.cfg.CooldownEmbargo))
}

func (l *Loop) updateLastObs() {
	if err := l.store.SetLastObs(l.sess.ObsNum); err != nil {
		l.log.Error("watcher: persist last observation number failed", zap.Error(err))
	}
}

func (l *Loop) attemptOpen(ctx context.Context, mode action.OpenMode, snap telemetry.Snapshot) (Result, bool) {
	out, err := l.exec.Open(ctx, mode, snap)
	if l.metrics != nil {
		label := "open_sunset"
		if mode == action.OpenNight {
			label = "open_night"
		}
		outcome := "success"
		if !out.Success {
			outcome = "failure"
		}
		l.metrics.ActionsTotal.WithLabelValues(label, outcome).Inc()
	}
	if !out.Success {
		l.log.Error("watcher: open failed irrecoverably", zap.Error(err))
		if _, closeErr := l.exec.Close(ctx); closeErr != nil {
			l.log.Error("watcher: close after failed open also failed", zap.Error(closeErr))
		}
		return Result{Outcome: OutcomeFatal, Err: fmt.Errorf("watcher: open failed: %w", err)}, true
	}
	l.coolDownSince = time.Time{}
	return Result{}, false
}

func (l *Loop) selectAndObserve(ctx context.Context, snap telemetry.Snapshot) (Result, bool) {
	if _, err := os.Stat(l.cfg.TOOPath); err == nil {
		l.dispatchObserve(ctx, snap, l.cfg.TOOPath, 0)
		return Result{}, false
	}

	if l.sess.FixedList != "" {
		total, err := scheduler.CountedLines(l.sess.FixedList)
		if err != nil {
			l.log.Error("watcher: count fixed list lines failed", zap.Error(err))
			return Result{}, false
		}
		if snap.LinesDone < total {
			l.dispatchObserve(ctx, snap, l.sess.FixedList, snap.LinesDone)
			return Result{}, false
		}
		l.log.Info("watcher: fixed list is finished", zap.Int("lines_done", snap.LinesDone), zap.Int("total", total))
		if _, err := l.exec.Close(ctx); err != nil {
			l.log.Error("watcher: close after fixed list finished failed", zap.Error(err))
		}
		return Result{Outcome: OutcomeFixedListFinished}, true
	}

	if l.sched == nil {
		return Result{}, false
	}
	path, err := l.sched.NextStarlist()
	if err != nil {
		l.log.Error("watcher: scheduler error", zap.Error(err))
		return Result{}, false
	}
	if path == "" {
		return Result{}, false
	}
	n, err := scheduler.CountedLines(path)
	if err != nil || n < 1 {
		return Result{}, false
	}
	l.dispatchObserve(ctx, snap, path, 0)
	return Result{}, false
}

func (l *Loop) dispatchObserve(ctx context.Context, snap telemetry.Snapshot, starlist string, skip int) {
	if _, err := l.exec.Observe(ctx, starlist, skip); err != nil {
		l.log.Error("watcher: observe dispatch failed", zap.Error(err))
	}
	if l.metrics != nil {
		l.metrics.ActionsTotal.WithLabelValues("observe", "issued").Inc()
	}
	l.applyWindshield(ctx, snap.WindSpeedMPH)

	select {
	case <-time.After(l.cfg.DispatchSettle):
	case <-ctx.Done():
	}
}

// applyWindshield evaluates the windshielding sub-decision (§4.6.1)
// whenever an observation is dispatched. In auto mode the single 10 mph
// threshold is the only hysteresis boundary — no dead band.
func (l *Loop) applyWindshield(ctx context.Context, windSpeedMPH float64) {
	switch l.sess.Windshield {
	case session.WindshieldOn:
		l.writeWindshield(ctx, true)
	case session.WindshieldOff:
		l.writeWindshield(ctx, false)
	case session.WindshieldAuto:
		if windSpeedMPH <= 10 && l.windshieldEnabled {
			l.writeWindshield(ctx, false)
		} else if windSpeedMPH > 10 && !l.windshieldEnabled {
			l.writeWindshield(ctx, true)
		}
	}
}

func (l *Loop) writeWindshield(ctx context.Context, enable bool) {
	val := "Disable"
	if enable {
		val = "Enable"
	}
	if err := l.gw.Write(ctx, keyword.KeyWindshield, keyword.String(val)); err != nil {
		l.log.Error("watcher: windshield write failed", zap.Error(err))
		return
	}
	l.windshieldEnabled = enable
}
