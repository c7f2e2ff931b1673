package phase

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/duskwarden/duskwarden/internal/observability"
)

func TestGuardAcceptsLegalChain(t *testing.T) {
	g := NewTransitionGuard(nil, false)
	base := time.Now()

	chain := []Phase{ObsInfo, Focus, CalPre, Watching, CalPost, Finished}
	for i := 0; i < len(chain)-1; i++ {
		tr := Transition{From: chain[i], To: chain[i+1], At: base.Add(time.Duration(i+1) * time.Second), ObsNum: 100}
		if err := g.Validate(tr); err != nil {
			t.Fatalf("Validate(%v -> %v) returned error: %v", chain[i], chain[i+1], err)
		}
	}
	stats := g.Stats()
	if stats.Verified != uint64(len(chain)-1) {
		t.Fatalf("Verified = %d, want %d", stats.Verified, len(chain)-1)
	}
	if stats.Violations != 0 {
		t.Fatalf("Violations = %d, want 0", stats.Violations)
	}
	if stats.LastHash == "" {
		t.Fatalf("LastHash is empty after accepted transitions")
	}
}

// TestGuardRejectsNonDAGTransition covers §8 invariant 4: an edge absent
// from the pipeline DAG must be rejected.
func TestGuardRejectsNonDAGTransition(t *testing.T) {
	g := NewTransitionGuard(nil, false)
	err := g.Validate(Transition{From: ObsInfo, To: Watching, At: time.Now(), ObsNum: 1})
	if err == nil {
		t.Fatalf("Validate(ObsInfo -> Watching) returned nil error, want rejection")
	}
	v, ok := err.(*Violation)
	if !ok {
		t.Fatalf("error is %T, want *Violation", err)
	}
	if v.Type != ViolationInvalidTransition {
		t.Fatalf("Violation.Type = %v, want ViolationInvalidTransition", v.Type)
	}
}

func TestGuardRejectsNonMonotonicTime(t *testing.T) {
	g := NewTransitionGuard(nil, false)
	now := time.Now()

	if err := g.Validate(Transition{From: ObsInfo, To: Focus, At: now, ObsNum: 1}); err != nil {
		t.Fatalf("first transition rejected unexpectedly: %v", err)
	}

	err := g.Validate(Transition{From: Focus, To: CalPre, At: now.Add(-time.Second), ObsNum: 1})
	if err == nil {
		t.Fatalf("Validate with earlier timestamp returned nil error, want rejection")
	}
	v, ok := err.(*Violation)
	if !ok || v.Type != ViolationNonMonotonicTime {
		t.Fatalf("error = %v, want ViolationNonMonotonicTime", err)
	}
}

func TestGuardRejectsOutOfBoundsObsNum(t *testing.T) {
	g := NewTransitionGuard(nil, false)
	err := g.Validate(Transition{From: ObsInfo, To: Focus, At: time.Now(), ObsNum: -1})
	if err == nil {
		t.Fatalf("Validate with negative ObsNum returned nil error, want rejection")
	}
	v, ok := err.(*Violation)
	if !ok || v.Type != ViolationUnboundedParameter {
		t.Fatalf("error = %v, want ViolationUnboundedParameter", err)
	}
}

func TestGuardStrictModePanics(t *testing.T) {
	g := NewTransitionGuard(nil, true)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatalf("strict guard did not panic on an invalid transition")
		}
		if _, ok := r.(*Violation); !ok {
			t.Fatalf("panic value is %T, want *Violation", r)
		}
	}()
	_ = g.Validate(Transition{From: ObsInfo, To: Watching, At: time.Now(), ObsNum: 1})
}

func TestGuardHashChainsAdvance(t *testing.T) {
	g := NewTransitionGuard(nil, false)
	now := time.Now()

	if err := g.Validate(Transition{From: ObsInfo, To: Focus, At: now, ObsNum: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstHash := g.Stats().LastHash

	if err := g.Validate(Transition{From: Focus, To: CalPre, At: now.Add(time.Second), ObsNum: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	secondHash := g.Stats().LastHash

	if firstHash == secondHash {
		t.Fatalf("hash did not advance between two accepted transitions")
	}
}

// TestGuardMetricsCountViolationsByType covers GuardViolationsTotal being
// incremented from the guard's own violate helper, not just registered.
func TestGuardMetricsCountViolationsByType(t *testing.T) {
	g := NewTransitionGuard(nil, false)
	m := observability.NewMetrics()
	g.SetMetrics(m)

	_ = g.Validate(Transition{From: ObsInfo, To: Watching, At: time.Now(), ObsNum: 1})

	if got := testutil.ToFloat64(m.GuardViolationsTotal.WithLabelValues("invalid_transition")); got != 1 {
		t.Fatalf("GuardViolationsTotal{invalid_transition} = %v, want 1", got)
	}
}
