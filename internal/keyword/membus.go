// membus.go — an in-memory reference Gateway.
//
// Adapted from the teacher's internal/kernel/events.go: a ring-buffer-
// to-channel-to-callback dispatch pipeline with drop-on-full backpressure.
// Here the ring buffer is replaced by a bounded update channel fed by
// Write/Publish, and the "kernel events" are keyword updates fanned out
// to subscribed handlers on a single dispatcher goroutine — preserving
// the teacher's "callbacks never block the publisher" invariant (§5).

package keyword

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/duskwarden/duskwarden/internal/observability"
)

const busQueueDepth = 1024

type update struct {
	key   string
	value Value
}

// Bus is an in-memory Gateway used by tests and --test mode. Production
// deployments would back Gateway with the real control-system client;
// nothing else in this repository depends on that wire protocol (§1).
type Bus struct {
	log *zap.Logger

	mu     sync.RWMutex
	values map[string]Value
	subs   map[string][]Handler

	updates chan update
	dropped uint64
	metrics *observability.Metrics

	cancel context.CancelFunc
	done   chan struct{}
}

// SetMetrics wires the Bus's update/drop counters into the Prometheus
// registry (§5).
func (b *Bus) SetMetrics(m *observability.Metrics) { b.metrics = m }

// NewBus starts the dispatcher goroutine and returns a ready Bus.
func NewBus(log *zap.Logger) *Bus {
	b := &Bus{
		log:     log,
		values:  make(map[string]Value),
		subs:    make(map[string][]Handler),
		updates: make(chan update, busQueueDepth),
		done:    make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.dispatch(ctx)
	return b
}

func (b *Bus) dispatch(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case u := <-b.updates:
			b.mu.RLock()
			handlers := append([]Handler(nil), b.subs[u.key]...)
			b.mu.RUnlock()
			for _, h := range handlers {
				h(u.value)
			}
			if b.metrics != nil {
				b.metrics.KeywordUpdatesTotal.WithLabelValues(u.key).Inc()
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close stops the dispatcher and waits for it to exit; updates still
// queued at that point are not delivered.
func (b *Bus) Close() {
	b.cancel()
	<-b.done
}

func (b *Bus) Read(_ context.Context, key string) (Value, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[key]
	if !ok {
		return Value{}, ErrKeywordUnavailable
	}
	return v, nil
}

func (b *Bus) Write(_ context.Context, key string, value Value) error {
	b.set(key, value)
	b.enqueue(key, value)
	return nil
}

// Publish injects an externally-observed update — the reference bus's
// analogue of a real telemetry push. Test code uses this to simulate
// keyword sequences.
func (b *Bus) Publish(key string, value Value) {
	b.set(key, value)
	b.enqueue(key, value)
}

func (b *Bus) set(key string, value Value) {
	b.mu.Lock()
	b.values[key] = value
	b.mu.Unlock()
}

func (b *Bus) enqueue(key string, value Value) {
	select {
	case b.updates <- update{key: key, value: value}:
	default:
		b.mu.Lock()
		b.dropped++
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.KeywordUpdatesDroppedTotal.Inc()
		}
		if b.log != nil {
			b.log.Warn("keyword: update queue full, dropping", zap.String("key", key))
		}
	}
}

// Dropped returns the number of updates dropped for queue overflow.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Monitor is a no-op on the reference bus: every Write/Publish is already
// pushed to subscribers.
func (b *Bus) Monitor(_ string) error { return nil }

func (b *Bus) Subscribe(key string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[key] = append(b.subs[key], handler)
}

func (b *Bus) Wait(ctx context.Context, key string, predicate Predicate, timeout time.Duration) (bool, error) {
	b.mu.RLock()
	if v, ok := b.values[key]; ok && predicate(v) {
		b.mu.RUnlock()
		return true, nil
	}
	b.mu.RUnlock()

	ch := make(chan struct{}, 1)
	b.Subscribe(key, func(v Value) {
		if predicate(v) {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Poll is a no-op on the reference bus: there is no external refresh step
// distinct from Write/Publish.
func (b *Bus) Poll(_ string) error { return nil }
