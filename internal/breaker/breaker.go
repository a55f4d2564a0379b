package breaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/config"
)

// ErrOpen is returned by Allow while the circuit rejects work.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateHalfOpen              // testing recovery with a single probe
	StateOpen                  // failing, reject requests
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker is a circuit breaker with windowed failure counting: the
// circuit opens when failureThreshold failures land within
// monitorWindow. After resetTimeout in the open state a single trial is
// let through; its outcome closes or reopens the circuit.
type Breaker struct {
	mu       sync.Mutex
	state    State
	failures []time.Time // failure timestamps, pruned to monitorWindow
	openedAt time.Time
	trialing bool // half-open probe currently in flight

	failureThreshold int
	resetTimeout     time.Duration
	monitorWindow    time.Duration

	totalTrips    atomic.Int64
	totalRejected atomic.Int64

	// onChange is invoked with the new state after a transition, outside
	// decision logic but under the breaker lock.
	onChange func(State)
}

// New creates a breaker from configuration, applying defaults for
// non-positive values.
func New(cfg config.BreakerConfig) *Breaker {
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	reset := cfg.ResetTimeout
	if reset <= 0 {
		reset = 30 * time.Second
	}
	window := cfg.MonitorWindow
	if window <= 0 {
		window = time.Minute
	}
	return &Breaker{
		state:            StateClosed,
		failureThreshold: threshold,
		resetTimeout:     reset,
		monitorWindow:    window,
	}
}

// Allow reports whether a probe may proceed. While open it fails fast
// with ErrOpen; once resetTimeout has elapsed the caller receiving nil
// becomes the half-open trial and every other caller keeps getting
// ErrOpen until the trial resolves.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.openedAt) >= b.resetTimeout {
			b.setState(StateHalfOpen)
			b.trialing = true
			return nil
		}
		b.totalRejected.Add(1)
		return ErrOpen

	case StateHalfOpen:
		if b.trialing {
			b.totalRejected.Add(1)
			return ErrOpen
		}
		b.trialing = true
		return nil
	}
	return ErrOpen
}

// RecordSuccess notes a successful probe. Any completed HTTP exchange
// counts as success here; only transport-level failures feed
// RecordFailure.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.failures = b.failures[:0]
		b.trialing = false
		b.setState(StateClosed)
	case StateOpen:
		// A late result from a probe admitted before opening; the timer
		// governs recovery.
	}
}

// Cancel releases a half-open trial reservation when the caller decided
// not to probe after all. State is unchanged; the next caller may trial.
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialing = false
	}
}

// RecordFailure notes a transport failure (connect, reset, timeout).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		b.failures = append(b.failures, now)
		b.prune(now)
		if len(b.failures) >= b.failureThreshold {
			b.trip(now)
		}
	case StateHalfOpen:
		b.trialing = false
		b.trip(now)
	case StateOpen:
		// Late failure; openedAt is not extended.
	}
}

// trip opens the circuit. Caller holds the lock.
func (b *Breaker) trip(now time.Time) {
	b.openedAt = now
	b.failures = b.failures[:0]
	b.totalTrips.Add(1)
	b.setState(StateOpen)
}

// prune drops failures older than the monitor window. Caller holds the
// lock.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.monitorWindow)
	i := 0
	for ; i < len(b.failures); i++ {
		if b.failures[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	State            string    `json:"state"`
	FailuresInWindow int       `json:"failuresInWindow"`
	FailureThreshold int       `json:"failureThreshold"`
	OpenedAt         time.Time `json:"openedAt,omitzero"`
	ResetTimeout     string    `json:"resetTimeout"`
	MonitorWindow    string    `json:"monitorWindow"`
	TotalTrips       int64     `json:"totalTrips"`
	TotalRejected    int64     `json:"totalRejected"`
}

// Snapshot returns the current view.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(time.Now())
	return Snapshot{
		State:            b.state.String(),
		FailuresInWindow: len(b.failures),
		FailureThreshold: b.failureThreshold,
		OpenedAt:         b.openedAt,
		ResetTimeout:     b.resetTimeout.String(),
		MonitorWindow:    b.monitorWindow.String(),
		TotalTrips:       b.totalTrips.Load(),
		TotalRejected:    b.totalRejected.Load(),
	}
}
