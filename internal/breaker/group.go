package breaker

import (
	"sync"

	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/metrics"
)

// Group manages one Breaker per backend host, created lazily on first
// use. All breakers share one configuration.
type Group struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      config.BreakerConfig
	sink     metrics.Sink
}

// NewGroup creates an empty breaker group.
func NewGroup(cfg config.BreakerConfig, sink metrics.Sink) *Group {
	if sink == nil {
		sink = metrics.Nop{}
	}
	return &Group{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
		sink:     sink,
	}
}

// For returns the breaker for a backend host, creating it when absent.
func (g *Group) For(backend string) *Breaker {
	g.mu.RLock()
	b, ok := g.breakers[backend]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.breakers[backend]; ok {
		return b
	}
	b = New(g.cfg)
	b.onChange = func(s State) {
		g.sink.CircuitState(backend, stateMetric(s))
	}
	g.breakers[backend] = b
	return b
}

// Snapshots returns a snapshot per known backend.
func (g *Group) Snapshots() map[string]Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make(map[string]Snapshot, len(g.breakers))
	for backend, b := range g.breakers {
		out[backend] = b.Snapshot()
	}
	return out
}

// stateMetric maps states to the gauge encoding (0 closed, 1 half-open,
// 2 open).
func stateMetric(s State) int {
	switch s {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	default:
		return 2
	}
}
