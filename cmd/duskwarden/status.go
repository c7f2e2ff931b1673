package main

import (
	"github.com/duskwarden/duskwarden/internal/action"
	"github.com/duskwarden/duskwarden/internal/phase"
	"github.com/duskwarden/duskwarden/internal/telemetry"
)

// statusRegistry adapts the supervisor's live components to the
// operator.StatusRegistry read-only interface.
type statusRegistry struct {
	store *phase.Store
	agg   *telemetry.Aggregator
	exec  *action.Executor
	guard *phase.TransitionGuard
}

func (r *statusRegistry) CurrentPhase() (phase.Phase, error) { return r.store.Get() }

func (r *statusRegistry) Snapshot() telemetry.Snapshot { return r.agg.Snapshot() }

func (r *statusRegistry) ExecutorStats() action.Stats { return r.exec.Stats() }

func (r *statusRegistry) GuardStats() phase.GuardStats { return r.guard.Stats() }
