// Package sequencer implements the Phase Sequencer (§4.5): the top-level
// state machine that drives the nightly pipeline from ObsInfo through
// Finished, delegating each phase's work to its collaborator and
// persisting every transition through the TransitionGuard before the
// Phase Store durably records it.
package sequencer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duskwarden/duskwarden/internal/action"
	"github.com/duskwarden/duskwarden/internal/keyword"
	"github.com/duskwarden/duskwarden/internal/observability"
	"github.com/duskwarden/duskwarden/internal/obsnum"
	"github.com/duskwarden/duskwarden/internal/phase"
	"github.com/duskwarden/duskwarden/internal/scheduler"
	"github.com/duskwarden/duskwarden/internal/session"
	"github.com/duskwarden/duskwarden/internal/telemetry"
	"github.com/duskwarden/duskwarden/internal/watcher"
)

// ExitStatus is the process exit code the Sequencer recommends to main
// (§9).
type ExitStatus int

const (
	ExitFinished           ExitStatus = 0
	ExitOpenOrFocusFailure ExitStatus = 1
	ExitCalPreFailure      ExitStatus = 2
)

// Sequencer drives the nightly pipeline phase by phase (§4.5).
type Sequencer struct {
	log   *zap.Logger
	gw    keyword.Gateway
	agg   *telemetry.Aggregator
	exec  *action.Executor
	store *phase.Store
	guard *phase.TransitionGuard
	sess  *session.Session
	sched scheduler.Scheduler

	metrics      *observability.Metrics
	watcherCfg   watcher.Config
	obsNumWaitTO time.Duration

	mu         sync.Mutex
	liveWatch  *watcher.Loop
	nowFunc    func() time.Time
}

// New builds a Sequencer ready to Run.
func New(
	log *zap.Logger,
	gw keyword.Gateway,
	agg *telemetry.Aggregator,
	exec *action.Executor,
	store *phase.Store,
	guard *phase.TransitionGuard,
	sess *session.Session,
	sched scheduler.Scheduler,
	metrics *observability.Metrics,
	watcherCfg watcher.Config,
	obsNumWaitTimeout time.Duration,
) *Sequencer {
	return &Sequencer{
		log: log, gw: gw, agg: agg, exec: exec, store: store, guard: guard,
		sess: sess, sched: sched, metrics: metrics, watcherCfg: watcherCfg,
		obsNumWaitTO: obsNumWaitTimeout, nowFunc: time.Now,
	}
}

// Stop interrupts an in-progress Watching phase, handing control back to
// Cal-Post on the next tick boundary (§9, operator-initiated shutdown).
func (s *Sequencer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liveWatch != nil {
		s.liveWatch.Stop()
	}
}

// Run executes the pipeline from its starting phase through Finished (or
// a failure exit), returning the process exit status (§9).
func (s *Sequencer) Run(ctx context.Context) ExitStatus {
	current, err := s.startingPhase()
	if err != nil {
		s.log.Error("sequencer: determine starting phase failed", zap.Error(err))
		current = phase.ObsInfo
	}

	for !current.IsTerminal() {
		var next phase.Phase
		var runErr error

		switch current {
		case phase.ObsInfo:
			runErr = s.runObsInfo(ctx)
			next = phase.Focus
		case phase.Focus:
			var out action.Outcome
			out, runErr = s.exec.Focus(ctx, s.sess.Name)
			if runErr == nil && !out.Success {
				s.log.Error("sequencer: focus failed", zap.Int("exit_code", out.ExitCode))
				return ExitOpenOrFocusFailure
			}
			next = phase.CalPre
		case phase.CalPre:
			var out action.Outcome
			out, runErr = s.exec.Calibrate(ctx, s.sess.Calibrate, action.CalibratePre)
			if runErr == nil && !out.Success {
				s.log.Error("sequencer: pre-calibration failed", zap.Int("exit_code", out.ExitCode))
				return ExitCalPreFailure
			}
			next = phase.Watching
		case phase.Watching:
			s.prepareWatching(ctx)
			if err := s.runWatching(ctx); err != nil {
				s.log.Error("sequencer: watching ended on an irrecoverable open failure", zap.Error(err))
				return ExitOpenOrFocusFailure
			}
			next = phase.CalPost
		case phase.CalPost:
			runErr = s.runCalPost(ctx)
			next = phase.Finished
		}

		if runErr != nil {
			s.log.Error("sequencer: phase work reported an error, advancing regardless",
				zap.Stringer("phase", current), zap.Error(runErr))
		}

		if err := s.advance(current, next); err != nil {
			s.log.Error("sequencer: transition rejected", zap.Error(err))
		}
		current = next
	}

	return ExitFinished
}

// startingPhase honors an explicit --phase override (bypassing the
// guard, per its doc comment), else resumes from the durable cursor.
func (s *Sequencer) startingPhase() (phase.Phase, error) {
	if s.sess.PhaseOverride != nil {
		if err := s.store.Set(*s.sess.PhaseOverride); err != nil {
			return phase.ObsInfo, err
		}
		return *s.sess.PhaseOverride, nil
	}
	return s.store.Get()
}

func (s *Sequencer) advance(from, to phase.Phase) error {
	t := phase.Transition{From: from, To: to, At: s.nowFunc(), ObsNum: s.sess.ObsNum}
	if err := s.guard.Validate(t); err != nil {
		return err
	}
	if err := s.store.Set(to); err != nil {
		return fmt.Errorf("sequencer: persist phase %s: %w", to, err)
	}
	if s.metrics != nil {
		s.metrics.PhaseTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
		s.metrics.CurrentPhase.Set(float64(to))
	}
	s.log.Info("sequencer: phase transition", zap.Stringer("from", from), zap.Stringer("to", to))
	return nil
}

// runObsInfo computes the night's observation number (unless the
// operator supplied one explicitly), waits briefly for an operator
// override, then publishes the camera identity keywords (§4.5, §6).
func (s *Sequencer) runObsInfo(ctx context.Context) error {
	if s.sess.ObsNum == 0 {
		butlerLast, err := obsnum.ButlerLast(s.sess.ButlerDir)
		if err != nil {
			s.log.Warn("sequencer: butler lookup failed, defaulting to 0", zap.Error(err))
		}
		lastObs, err := s.store.GetLastObs()
		if err != nil {
			s.log.Warn("sequencer: read last observation number failed", zap.Error(err))
		}
		s.sess.ObsNum = obsnum.Compute(butlerLast, lastObs)

		waitCtx, cancel := context.WithTimeout(ctx, s.obsNumWaitTO)
		overridden, err := s.gw.Wait(waitCtx, keyword.KeyObsNum, func(v keyword.Value) bool {
			_, ok := v.AsInt()
			return ok
		}, s.obsNumWaitTO)
		cancel()
		if err == nil && overridden {
			if v, readErr := s.gw.Read(ctx, keyword.KeyObsNum); readErr == nil {
				if n, ok := v.AsInt(); ok && n > 0 {
					s.log.Info("sequencer: observation number overridden by operator", zap.Int("obsnum", n))
					s.sess.ObsNum = n
				}
			}
		}
	}

	if err := s.store.SetLastObs(s.sess.ObsNum); err != nil {
		return fmt.Errorf("sequencer: persist observation number: %w", err)
	}

	writes := []struct {
		key string
		val keyword.Value
	}{
		{keyword.KeyObserver, keyword.String(s.sess.Name)},
		{keyword.KeyObsNum, keyword.Int(s.sess.ObsNum)},
		{keyword.KeyOutDir, keyword.String(s.sess.OutDir)},
		{keyword.KeyOutFile, keyword.String(s.sess.OutFile)},
	}
	for _, w := range writes {
		if err := s.gw.Write(ctx, w.key, w.val); err != nil {
			return fmt.Errorf("sequencer: write %s: %w", w.key, err)
		}
	}
	return nil
}

// prepareWatching resets the scriptobs_lines_done counter when --restart
// was requested or the fixed list has changed since the last night
// (MASTER_VAR_1-equivalent identity check), then persists the new fixed
// list identity.
func (s *Sequencer) prepareWatching(ctx context.Context) {
	persisted, err := s.store.GetFixedList()
	if err != nil {
		s.log.Warn("sequencer: read persisted fixed list failed", zap.Error(err))
	}

	if s.sess.FixedList == "" && persisted != "" {
		s.sess.FixedList = persisted
	}

	if s.sess.Restart || (s.sess.FixedList != "" && s.sess.FixedList != persisted) {
		if err := s.gw.Write(ctx, keyword.KeyLinesDone, keyword.Int(0)); err != nil {
			s.log.Error("sequencer: reset lines_done failed", zap.Error(err))
		}
	}

	if s.sess.FixedList != "" && s.sess.FixedList != persisted {
		if err := s.store.SetFixedList(s.sess.FixedList); err != nil {
			s.log.Error("sequencer: persist fixed list identity failed", zap.Error(err))
		}
	}
}

func (s *Sequencer) runWatching(ctx context.Context) error {
	loop := watcher.NewLoop(s.log, s.agg, s.gw, s.exec, s.store, s.sched, s.sess, s.metrics, s.watcherCfg)

	s.mu.Lock()
	s.liveWatch = loop
	s.mu.Unlock()

	res := loop.Run(ctx)

	s.mu.Lock()
	s.liveWatch = nil
	s.mu.Unlock()

	if res.Outcome == watcher.OutcomeFatal {
		return res.Err
	}
	s.log.Info("sequencer: watching ended", zap.Int("outcome", int(res.Outcome)))
	return nil
}

// runCalPost performs end-of-night cleanup as independently-logged steps:
// TEQ mode Morning, the optional scheduler Cleanup hook, post-calibration,
// TEQ mode Day, the ledger append, and the final observation-number write.
func (s *Sequencer) runCalPost(ctx context.Context) error {
	if err := s.gw.Write(ctx, keyword.KeyTEQMode, keyword.String(telemetry.TEQMorning.String())); err != nil {
		s.log.Error("sequencer: set teq_mode Morning failed", zap.Error(err))
	}

	if cleanup, ok := s.sched.(scheduler.Cleanup); ok {
		if err := cleanup.Cleanup(); err != nil {
			s.log.Error("sequencer: scheduler cleanup failed", zap.Error(err))
		}
	}

	if _, err := s.exec.Calibrate(ctx, s.sess.Calibrate, action.CalibratePost); err != nil {
		s.log.Error("sequencer: post-calibration failed", zap.Error(err))
	}

	if err := s.gw.Write(ctx, keyword.KeyTEQMode, keyword.String(telemetry.TEQDay.String())); err != nil {
		s.log.Error("sequencer: set teq_mode Day failed", zap.Error(err))
	}

	if s.sess.ScheduleFile != "" {
		if _, err := os.Stat(s.sess.ScheduleFile); err != nil {
			s.log.Debug("sequencer: schedule file absent, skipping ledger append",
				zap.String("schedule_file", s.sess.ScheduleFile), zap.Error(err))
		} else if err := s.store.AppendCompletedObservation(s.sess.ObsNum, s.sess.FixedList, s.nowFunc()); err != nil {
			s.log.Error("sequencer: append completed observation to ledger failed", zap.Error(err))
		}
	}

	return s.gw.Write(ctx, keyword.KeyObsNum, keyword.Int(s.sess.ObsNum))
}
