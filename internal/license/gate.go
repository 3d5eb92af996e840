package license

import (
	"context"
	"sync"
)

// Gate wraps the blocking Engine for callers that must not block, such as a
// GUI thread. Check runs reconciliation on a worker goroutine and delivers
// the Decision on a channel; concurrent checks for the same serial share one
// in-flight reconciliation instead of stacking retry loops.
type Gate struct {
	engine *Engine

	mu       sync.Mutex
	inflight map[string][]chan Decision
}

// NewGate creates a gate over the given engine.
func NewGate(engine *Engine) *Gate {
	return &Gate{
		engine:   engine,
		inflight: make(map[string][]chan Decision),
	}
}

// Check starts (or joins) a reconciliation for serial and returns a channel
// that receives exactly one Decision. The channel is buffered; a caller that
// abandons it leaks nothing.
func (g *Gate) Check(ctx context.Context, serial string) <-chan Decision {
	ch := make(chan Decision, 1)

	g.mu.Lock()
	waiters, running := g.inflight[serial]
	g.inflight[serial] = append(waiters, ch)
	g.mu.Unlock()

	if running {
		return ch
	}

	go func() {
		d := g.engine.IsAuthorized(ctx, serial)

		g.mu.Lock()
		subscribers := g.inflight[serial]
		delete(g.inflight, serial)
		g.mu.Unlock()

		for _, sub := range subscribers {
			sub <- d
		}
	}()

	return ch
}

// CheckSync is the blocking form, for callers that can wait.
func (g *Gate) CheckSync(ctx context.Context, serial string) Decision {
	select {
	case d := <-g.Check(ctx, serial):
		return d
	case <-ctx.Done():
		return Decision{Reason: "cancelled"}
	}
}
