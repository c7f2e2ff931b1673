// guard.go — the DAG-monotonicity transition validator.
//
// Adapted from the teacher's internal/governance/constitutional.go: a
// bounded-parameter, non-monotonic-time, and NaN/Inf decision validator
// with Merkle-style hash chaining over accepted decisions. Here the
// "decision" being validated is a phase transition rather than an
// escalation-state transition, and the parameter bound is the observation
// number rather than a severity score.

package phase

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duskwarden/duskwarden/internal/observability"
)

// ViolationType classifies why a transition was rejected.
type ViolationType int

const (
	ViolationNonMonotonicTime ViolationType = iota
	ViolationInvalidTransition
	ViolationUnboundedParameter
)

func (v ViolationType) String() string {
	switch v {
	case ViolationNonMonotonicTime:
		return "non_monotonic_time"
	case ViolationInvalidTransition:
		return "invalid_transition"
	case ViolationUnboundedParameter:
		return "unbounded_parameter"
	default:
		return "unknown"
	}
}

// Violation is returned by TransitionGuard.Validate when a transition is
// rejected. It is never a bare error — callers can type-switch on it.
type Violation struct {
	Type   ViolationType
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("phase: transition rejected (%s): %s", v.Type, v.Detail)
}

// Transition is one candidate advance of the pipeline cursor.
type Transition struct {
	From   Phase
	To     Phase
	At     time.Time
	ObsNum int
}

// maxObsNum bounds the observation-number parameter the same way the
// teacher bounds severity/pressure/anomaly scores — a sanity ceiling, not
// a protocol limit.
const maxObsNum = 99999

// TransitionGuard enforces that every phase write is a successor of the
// current phase in the DAG (§8 invariant 4), that transitions carry a
// monotonically increasing timestamp, and that the observation number is
// within bounds. Accepted transitions are chained by hash so a complete
// history can be audited without replaying the ledger.
type TransitionGuard struct {
	log     *zap.Logger
	strict  bool
	metrics *observability.Metrics

	mu         sync.Mutex
	lastAt     time.Time
	lastHash   string
	verified   uint64
	violations uint64
}

// NewTransitionGuard builds a guard. In strict mode a violation panics
// (enabled by tests and the --strict-guard flag); otherwise it is returned
// as a typed *Violation and logged.
func NewTransitionGuard(log *zap.Logger, strict bool) *TransitionGuard {
	return &TransitionGuard{log: log, strict: strict}
}

// SetMetrics wires the guard's violation counter into the Prometheus
// registry (§8 invariant 4).
func (g *TransitionGuard) SetMetrics(m *observability.Metrics) { g.metrics = m }

// Validate checks t against the DAG and the guard's running state. On
// success it advances the guard's hash chain and returns nil. Startup's
// explicit --phase override bypasses Validate entirely by writing the
// Store directly — it is the one case §8 invariant 4 excepts.
func (g *TransitionGuard) Validate(t Transition) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.lastAt.IsZero() && !t.At.After(g.lastAt) {
		return g.violate(ViolationNonMonotonicTime,
			fmt.Sprintf("transition at %s is not after previous %s", t.At.Format(time.RFC3339Nano), g.lastAt.Format(time.RFC3339Nano)))
	}

	allowed := false
	for _, s := range successors[t.From] {
		if s == t.To {
			allowed = true
			break
		}
	}
	if !allowed {
		return g.violate(ViolationInvalidTransition,
			fmt.Sprintf("%s -> %s is not a successor in the pipeline DAG", t.From, t.To))
	}

	if t.ObsNum < 0 || t.ObsNum > maxObsNum {
		return g.violate(ViolationUnboundedParameter,
			fmt.Sprintf("observation number %d out of bounds [0, %d]", t.ObsNum, maxObsNum))
	}

	g.lastAt = t.At
	g.lastHash = g.computeHash(t)
	g.verified++
	return nil
}

func (g *TransitionGuard) computeHash(t Transition) string {
	payload, _ := json.Marshal(struct {
		From   string
		To     string
		At     int64
		ObsNum int
		Parent string
	}{t.From.String(), t.To.String(), t.At.UnixNano(), t.ObsNum, g.lastHash})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (g *TransitionGuard) violate(vt ViolationType, detail string) error {
	g.violations++
	v := &Violation{Type: vt, Detail: detail}
	if g.metrics != nil {
		g.metrics.GuardViolationsTotal.WithLabelValues(vt.String()).Inc()
	}
	if g.log != nil {
		g.log.Error("phase: transition guard violation",
			zap.String("type", vt.String()), zap.String("detail", detail))
	}
	if g.strict {
		panic(v)
	}
	return v
}

// GuardStats is a point-in-time read of the guard's counters.
type GuardStats struct {
	Verified   uint64
	Violations uint64
	LastHash   string
}

func (g *TransitionGuard) Stats() GuardStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GuardStats{Verified: g.verified, Violations: g.violations, LastHash: g.lastHash}
}
