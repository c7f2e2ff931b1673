// Package action implements the Action Executor (§4.3): each external
// script wrapped as a boolean-returning operation with a bounded retry
// policy, exit-code logging, and precondition checks.
//
// Adapted from the teacher's internal/budget/token_bucket.go: bounded-
// attempt accounting via atomic counters, and from the same file's
// background-timer idiom for the closeup wall-clock budget. golang.org/
// x/sys/unix delivers SIGTERM to the robot process on kill_robot, matching
// the DOMAIN STACK's only direct-syscall dependency.
package action

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/duskwarden/duskwarden/internal/keyword"
	"github.com/duskwarden/duskwarden/internal/observability"
	"github.com/duskwarden/duskwarden/internal/telemetry"
)

// Outcome is the Success|Failure(exit_code) result used uniformly by the
// Executor (§3).
type Outcome struct {
	Success  bool
	ExitCode int
}

func Succeeded() Outcome        { return Outcome{Success: true} }
func Failed(code int) Outcome   { return Outcome{Success: false, ExitCode: code} }

// OpenMode selects which open script to run (§4.3).
type OpenMode int

const (
	OpenSunset OpenMode = iota
	OpenNight
)

// CalibrationTime selects the pre- or post-night calibration pass (§4.3).
type CalibrationTime int

const (
	CalibratePre CalibrationTime = iota
	CalibratePost
)

func (c CalibrationTime) arg() string {
	if c == CalibratePost {
		return "post"
	}
	return "pre"
}

// Runner launches external scripts. Separated from Executor so tests can
// substitute a fake without touching the filesystem or process table.
type Runner interface {
	// Run launches name with args, waits for completion, and returns its
	// exit code (0 on success).
	Run(ctx context.Context, name string, args ...string) (int, error)
	// Start launches name with args and returns immediately, with stdin
	// (if non-nil) connected to the child's stdin.
	Start(ctx context.Context, name string, args []string, stdin *os.File) (*os.Process, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

func (execRunner) Start(ctx context.Context, name string, args []string, stdin *os.File) (*os.Process, error) {
	cmd := exec.Command(name, args...)
	if stdin != nil {
		cmd.Stdin = stdin
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd.Process, nil
}

// Scripts names the external executables the Executor invokes (§1: their
// internals are out of scope, only exit codes and launch shape matter).
type Scripts struct {
	OpenSunset string
	OpenNight  string
	CloseUp    string
	Calibrate  string
	FocusCube  string
	Observe    string
}

// Config bounds the Executor's retry and timeout behavior (§5, §7).
type Config struct {
	OpenAttempts         int
	OpenPause            time.Duration
	OpenMovePermWait     time.Duration
	CloseMovePermWait    time.Duration
	CloseupBudget        time.Duration
	CloseupRetryPause    time.Duration
	CloseupMinRetries    int
	AutofocusAckTimeout  time.Duration
	ReadoutBeginTimeout  time.Duration
}

// Executor wraps each external script as a bounded-retry operation.
type Executor struct {
	gw      keyword.Gateway
	log     *zap.Logger
	run     Runner
	scripts Scripts
	cfg     Config
	test    bool
	metrics *observability.Metrics

	attempts atomic.Uint64
	failures atomic.Uint64
}

// NewExecutor builds an Executor. In test mode every action is a no-op
// returning Success after a short synthetic delay (§4.3).
func NewExecutor(gw keyword.Gateway, log *zap.Logger, scripts Scripts, cfg Config, test bool) *Executor {
	return &Executor{gw: gw, log: log, run: execRunner{}, scripts: scripts, cfg: cfg, test: test}
}

// SetRunner overrides the Runner — used by tests.
func (e *Executor) SetRunner(r Runner) { e.run = r }

// SetMetrics wires the Executor's attempt/failure counters into the
// Prometheus registry (§5/§7 retry accounting).
func (e *Executor) SetMetrics(m *observability.Metrics) { e.metrics = m }

func (e *Executor) recordAttempt() {
	e.attempts.Add(1)
	if e.metrics != nil {
		e.metrics.ActionAttemptsTotal.Inc()
	}
}

func (e *Executor) recordFailure() {
	e.failures.Add(1)
	if e.metrics != nil {
		e.metrics.ActionFailuresTotal.Inc()
	}
}

func isTrue(v keyword.Value) bool { b, _ := v.AsBool(); return b }

func (e *Executor) testNoop(ctx context.Context) (Outcome, bool) {
	if !e.test {
		return Outcome{}, false
	}
	select {
	case <-time.After(20 * time.Millisecond):
	case <-ctx.Done():
	}
	return Succeeded(), true
}

// Open runs openatsunset or openatnight with two attempts separated by a
// pause, after checking preconditions and waiting (bounded) for move
// permission (§4.3).
func (e *Executor) Open(ctx context.Context, mode OpenMode, snap telemetry.Snapshot) (Outcome, error) {
	if out, ok := e.testNoop(ctx); ok {
		return out, nil
	}

	if !snap.OpenOK {
		return Failed(0), fmt.Errorf("action: open precondition failed: open_ok is false")
	}
	if snap.SunElevationDeg >= -3.2 {
		return Failed(0), fmt.Errorf("action: open precondition failed: sun elevation %.2f not below -3.2", snap.SunElevationDeg)
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.OpenMovePermWait)
	granted, err := e.gw.Wait(waitCtx, keyword.KeyMovePermission, isTrue, e.cfg.OpenMovePermWait)
	cancel()
	if err != nil {
		return Failed(0), fmt.Errorf("action: open: wait for move permission: %w", err)
	}
	if !granted {
		return Failed(0), fmt.Errorf("action: open: move permission not granted within %s", e.cfg.OpenMovePermWait)
	}

	script := e.scripts.OpenSunset
	if mode == OpenNight {
		script = e.scripts.OpenNight
	}

	attempts := e.cfg.OpenAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastCode int
	for attempt := 0; attempt < attempts; attempt++ {
		e.recordAttempt()
		code, runErr := e.run.Run(ctx, script)
		if runErr == nil && code == 0 {
			return Succeeded(), nil
		}
		lastCode = code
		e.recordFailure()
		e.log.Warn("action: open attempt failed",
			zap.Int("attempt", attempt+1), zap.Int("exit_code", code), zap.Error(runErr))
		if attempt < attempts-1 {
			select {
			case <-time.After(e.cfg.OpenPause):
			case <-ctx.Done():
				return Failed(lastCode), ctx.Err()
			}
		}
	}
	return Failed(lastCode), nil
}

// Close waits (bounded, proceeding regardless) for move permission, then
// retries closeup within a wall-clock budget, sleeping between attempts
// (§4.3).
func (e *Executor) Close(ctx context.Context) (Outcome, error) {
	if out, ok := e.testNoop(ctx); ok {
		return out, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.CloseMovePermWait)
	_, _ = e.gw.Wait(waitCtx, keyword.KeyMovePermission, isTrue, e.cfg.CloseMovePermWait)
	cancel()

	deadline := time.Now().Add(e.cfg.CloseupBudget)
	consecutiveFailures := 0
	minRetries := e.cfg.CloseupMinRetries
	if minRetries < 3 {
		minRetries = 3
	}

	var lastCode int
	for {
		if time.Now().After(deadline) {
			return Failed(lastCode), fmt.Errorf("action: close: closeup did not succeed within %s budget", e.cfg.CloseupBudget)
		}
		e.recordAttempt()
		code, err := e.run.Run(ctx, e.scripts.CloseUp)
		if err == nil && code == 0 {
			return Succeeded(), nil
		}
		lastCode = code
		e.recordFailure()
		consecutiveFailures++
		if consecutiveFailures >= minRetries {
			e.log.Error("action: closeup failed repeatedly", zap.Int("consecutive_failures", consecutiveFailures))
		}
		select {
		case <-time.After(e.cfg.CloseupRetryPause):
		case <-ctx.Done():
			return Failed(lastCode), ctx.Err()
		}
	}
}

// Calibrate invokes the named calibration script for the given pass,
// single attempt (§4.3).
func (e *Executor) Calibrate(ctx context.Context, script string, when CalibrationTime) (Outcome, error) {
	if out, ok := e.testNoop(ctx); ok {
		return out, nil
	}
	e.recordAttempt()
	code, err := e.run.Run(ctx, e.scripts.Calibrate, script, when.arg())
	if err != nil {
		e.recordFailure()
		return Failed(code), err
	}
	if code != 0 {
		e.recordFailure()
		return Failed(code), nil
	}
	return Succeeded(), nil
}

// Focus invokes the focus script for the given user, single attempt
// (§4.3).
func (e *Executor) Focus(ctx context.Context, user string) (Outcome, error) {
	if out, ok := e.testNoop(ctx); ok {
		return out, nil
	}
	e.recordAttempt()
	code, err := e.run.Run(ctx, e.scripts.FocusCube, user)
	if err != nil {
		e.recordFailure()
		return Failed(code), err
	}
	if code != 0 {
		e.recordFailure()
		return Failed(code), nil
	}
	return Succeeded(), nil
}

// Observe detachedly launches the observation executor with stdin
// redirected from starlist, after confirming autofocus enable and
// setting teq_mode to Night (§4.3).
func (e *Executor) Observe(ctx context.Context, starlist string, skip int) (Outcome, error) {
	if out, ok := e.testNoop(ctx); ok {
		return out, nil
	}

	if err := e.gw.Write(ctx, keyword.KeyAutofocusEnable, keyword.Bool(true)); err != nil {
		return Failed(0), fmt.Errorf("action: observe: write autofocus enable: %w", err)
	}
	ackCtx, cancel := context.WithTimeout(ctx, e.cfg.AutofocusAckTimeout)
	confirmed, err := e.gw.Wait(ackCtx, keyword.KeyAutofocusEnable, isTrue, e.cfg.AutofocusAckTimeout)
	cancel()
	if err != nil {
		return Failed(0), fmt.Errorf("action: observe: wait for autofocus confirmation: %w", err)
	}
	if !confirmed {
		return Failed(0), fmt.Errorf("action: observe: autofocus enable not confirmed within %s", e.cfg.AutofocusAckTimeout)
	}

	if err := e.gw.Write(ctx, keyword.KeyTEQMode, keyword.String(telemetry.TEQNight.String())); err != nil {
		return Failed(0), fmt.Errorf("action: observe: set teq_mode Night: %w", err)
	}

	f, err := os.Open(starlist)
	if err != nil {
		return Failed(0), fmt.Errorf("action: observe: open starlist %q: %w", starlist, err)
	}
	defer f.Close()

	e.recordAttempt()
	proc, err := e.run.Start(ctx, e.scripts.Observe, []string{"--skip", strconv.Itoa(skip)}, f)
	if err != nil {
		e.recordFailure()
		return Failed(0), fmt.Errorf("action: observe: launch: %w", err)
	}
	e.log.Info("action: observation launched",
		zap.Int("pid", proc.Pid), zap.String("starlist", starlist), zap.Int("skip", skip))
	return Succeeded(), nil
}

func isReadoutBegin(v keyword.Value) bool {
	s, _ := v.AsString()
	return s == "ReadoutBegin"
}

// KillRobot waits (unless now) for ReadoutBegin if the camera is not
// already ControllerReady, then writes the abort command and signals the
// observation process directly (§4.3).
func (e *Executor) KillRobot(ctx context.Context, now bool, pid int) (Outcome, error) {
	if out, ok := e.testNoop(ctx); ok {
		return out, nil
	}

	if !now {
		event, err := e.gw.Read(ctx, keyword.KeyCameraEvent)
		s, _ := event.AsString()
		if err != nil || s != "ControllerReady" {
			waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ReadoutBeginTimeout)
			_, _ = e.gw.Wait(waitCtx, keyword.KeyCameraEvent, isReadoutBegin, e.cfg.ReadoutBeginTimeout)
			cancel()
		}
	}

	if err := e.gw.Write(ctx, keyword.KeyObsControl, keyword.String("abort")); err != nil {
		return Failed(0), fmt.Errorf("action: kill_robot: write abort: %w", err)
	}

	if pid > 0 {
		if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
			e.log.Warn("action: kill_robot: signal failed", zap.Int("pid", pid), zap.Error(err))
		}
	}

	return Succeeded(), nil
}

// DeadmanReset writes the ROBOSTATE keyword to reset the hardware
// deadman timer (§4.6 rule 6).
func (e *Executor) DeadmanReset(ctx context.Context) error {
	if e.test {
		return nil
	}
	return e.gw.Write(ctx, keyword.KeyRobostate, keyword.String("master operating"))
}

// Stats returns the Executor's lifetime attempt/failure counters.
type Stats struct {
	Attempts uint64
	Failures uint64
}

func (e *Executor) Stats() Stats {
	return Stats{Attempts: e.attempts.Load(), Failures: e.failures.Load()}
}
