// Command duskwarden is the nightly pipeline supervisor entrypoint.
//
// Startup sequence (§9):
//  1. Parse flags into a session.Session.
//  2. Load and validate configuration.
//  3. Build the zap logger per the configured level/format.
//  4. Open the durable Phase Store.
//  5. Start the Prometheus metrics server.
//  6. Build the Keyword Gateway (the reference in-memory Bus in --test
//     mode; a real Gateway implementation is out of scope — §1).
//  7. Build the Telemetry Aggregator.
//  8. Build the Action Executor.
//  9. Build the TransitionGuard.
//  10. Build the external Scheduler adapter.
//  11. Start the read-only operator status socket.
//  12. Run the Phase Sequencer to completion.
//  13. Publish the final status through the Shutdown Hook and exit with
//     the Sequencer's recommended status code.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/duskwarden/duskwarden/internal/action"
	"github.com/duskwarden/duskwarden/internal/config"
	"github.com/duskwarden/duskwarden/internal/keyword"
	"github.com/duskwarden/duskwarden/internal/observability"
	"github.com/duskwarden/duskwarden/internal/operator"
	"github.com/duskwarden/duskwarden/internal/phase"
	"github.com/duskwarden/duskwarden/internal/scheduler"
	"github.com/duskwarden/duskwarden/internal/sequencer"
	"github.com/duskwarden/duskwarden/internal/session"
	"github.com/duskwarden/duskwarden/internal/shutdown"
	"github.com/duskwarden/duskwarden/internal/telemetry"
	"github.com/duskwarden/duskwarden/internal/watcher"
)

func main() {
	os.Exit(run())
}

func run() int {
	sess, configPath, strictGuard, err := parseFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(sequencer.ExitOpenOrFocusFailure)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(sequencer.ExitOpenOrFocusFailure)
	}

	log, err := buildLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return int(sequencer.ExitOpenOrFocusFailure)
	}
	defer log.Sync() //nolint:errcheck

	store, err := phase.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Error("open phase store failed", zap.Error(err))
		return int(sequencer.ExitOpenOrFocusFailure)
	}
	defer store.Close()

	metrics := observability.NewMetrics()
	store.SetMetrics(metrics)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	gw := keyword.NewBus(log)
	gw.SetMetrics(metrics)
	defer gw.Close()

	agg := telemetry.NewAggregator(gw, log,
		cfg.Telemetry.WindWindowSize, cfg.Telemetry.SeeingWindowSize, cfg.Telemetry.SlowdownWindowSize)
	agg.SetMetrics(metrics)

	exec := action.NewExecutor(gw, log, action.Scripts{
		OpenSunset: cfg.Scripts.OpenSunset,
		OpenNight:  cfg.Scripts.OpenNight,
		CloseUp:    cfg.Scripts.CloseUp,
		Calibrate:  cfg.Scripts.Calibrate,
		FocusCube:  cfg.Scripts.FocusCube,
		Observe:    cfg.Scripts.Observe,
	}, action.Config{
		OpenAttempts:        cfg.Retry.OpenAttempts,
		OpenPause:           cfg.Retry.OpenPause,
		OpenMovePermWait:    cfg.Timeouts.OpenMovePermWait,
		CloseMovePermWait:   cfg.Timeouts.CloseMovePermWait,
		CloseupBudget:       cfg.Retry.CloseupBudget,
		CloseupRetryPause:   cfg.Retry.CloseupRetryPause,
		CloseupMinRetries:   cfg.Retry.CloseupMinRetries,
		AutofocusAckTimeout: cfg.Timeouts.AutofocusAckTimeout,
		ReadoutBeginTimeout: cfg.Timeouts.ReadoutBeginTimeout,
	}, sess.Test)
	exec.SetMetrics(metrics)

	guard := phase.NewTransitionGuard(log, strictGuard)
	guard.SetMetrics(metrics)

	sched := scheduler.FileScheduler{Path: cfg.Scheduler.TriggerPath}

	if cfg.Operator.Enabled {
		reg := &statusRegistry{store: store, agg: agg, exec: exec, guard: guard}
		opServer := operator.NewServer(cfg.Operator.SocketPath, reg, log)
		go func() {
			if err := opServer.ListenAndServe(ctx); err != nil {
				log.Error("operator status server failed", zap.Error(err))
			}
		}()
	}

	watcherCfg := watcher.Config{
		TickPeriod:         cfg.Watcher.TickPeriod,
		CooldownEmbargo:    cfg.Watcher.CooldownEmbargo,
		DispatchSettle:     cfg.Watcher.DispatchSettle,
		DeadmanThreshold:   cfg.Watcher.DeadmanThresholdSeconds,
		WallClockGuardHour: cfg.Watcher.WallClockGuardHour,
		TOOPath:            cfg.Watcher.TOOPath,
	}

	seq := sequencer.New(log, gw, agg, exec, store, guard, sess, sched, metrics,
		watcherCfg, cfg.Timeouts.ObsNumOverrideWait)

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received, interrupting Watcher Loop")
		seq.Stop()
	}()

	exitStatus := seq.Run(ctx)

	finalPhase, err := store.Get()
	if err != nil {
		log.Error("read final phase failed", zap.Error(err))
		finalPhase = phase.ObsInfo
	}
	hookCtx, hookCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer hookCancel()
	shutdown.New(gw, log).Publish(hookCtx, finalPhase)

	return int(exitStatus)
}

func parseFlags() (*session.Session, string, bool, error) {
	fs := flag.NewFlagSet("duskwarden", flag.ContinueOnError)

	configPath := fs.String("config", "/etc/duskwarden/config.yaml", "path to configuration file")
	name := fs.String("name", "", "observer name")
	obsNum := fs.Int("obsnum", 0, "starting observation number (0 = compute automatically)")
	fixed := fs.String("fixed", "", "path to a fixed starlist for the whole night")
	windshield := fs.String("windshield", "auto", "windshield policy: auto, on, or off")
	test := fs.Bool("test", false, "run with the in-memory reference Gateway and no-op Executor")
	restart := fs.Bool("restart", false, "reset scriptobs_lines_done at the start of Watching")
	calibrate := fs.String("calibrate", "", "calibration set name passed to the calibrate script")
	phaseOverride := fs.String("phase", "", "force the Sequencer to start from this phase")
	butlerDir := fs.String("butler-dir", "", "directory of butler files for the observation-number rule")
	outDir := fs.String("outdir", "", "camera OUTDIR value")
	outFile := fs.String("outfile", "", "camera OUTFILE value")
	scheduleFile := fs.String("schedule-file", "", "gates the completed-observation ledger append")
	strictGuard := fs.Bool("strict-guard", false, "panic on TransitionGuard violations instead of returning an error")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, "", false, err
	}

	windshieldPolicy, err := session.ParseWindshieldPolicy(*windshield)
	if err != nil {
		return nil, "", false, err
	}

	sess := &session.Session{
		Name:         *name,
		ObsNum:       *obsNum,
		FixedList:    *fixed,
		Windshield:   windshieldPolicy,
		Test:         *test,
		Restart:      *restart,
		Calibrate:    *calibrate,
		ButlerDir:    *butlerDir,
		OutDir:       *outDir,
		OutFile:      *outFile,
		ScheduleFile: *scheduleFile,
	}

	if *phaseOverride != "" {
		p, err := phase.Parse(*phaseOverride)
		if err != nil {
			return nil, "", false, err
		}
		sess.PhaseOverride = &p
	}

	return sess, *configPath, *strictGuard, nil
}

func buildLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("main: parse log level %q: %w", cfg.LogLevel, err)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	return zcfg.Build()
}
