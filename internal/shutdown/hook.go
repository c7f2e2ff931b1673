// Package shutdown implements the Shutdown Hook (§4.7): a single,
// idempotent publication of the supervisor's final status keyword, which
// main calls once the Sequencer returns, including when a terminal signal
// has interrupted the run.
package shutdown

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/duskwarden/duskwarden/internal/keyword"
	"github.com/duskwarden/duskwarden/internal/phase"
)

// Hook publishes the final STATUS keyword exactly once (§8 invariant 7).
type Hook struct {
	gw  keyword.Gateway
	log *zap.Logger

	mu        sync.Mutex
	published bool
}

// New builds a Hook bound to gw.
func New(gw keyword.Gateway, log *zap.Logger) *Hook {
	return &Hook{gw: gw, log: log}
}

// Publish writes the final status keyword, deriving success from whether
// the pipeline reached Finished. A second call is a no-op.
func (h *Hook) Publish(ctx context.Context, finalPhase phase.Phase) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.published {
		return
	}
	h.published = true

	status := "Exited/Failure"
	if finalPhase == phase.Finished {
		status = "Exited/Success"
	}

	if err := h.gw.Write(ctx, keyword.KeyStatus, keyword.String(status)); err != nil {
		h.log.Error("shutdown: publish final status failed", zap.String("status", status), zap.Error(err))
		return
	}
	h.log.Info("shutdown: final status published", zap.String("status", status))
}
