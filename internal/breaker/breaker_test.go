package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/edgeproxy/edgeproxy/internal/config"
	"github.com/edgeproxy/edgeproxy/internal/metrics"
)

func TestNewDefaults(t *testing.T) {
	b := New(config.BreakerConfig{})

	snap := b.Snapshot()
	if snap.State != "closed" {
		t.Errorf("expected closed, got %s", snap.State)
	}
	if snap.FailureThreshold != 5 {
		t.Errorf("expected failure threshold 5, got %d", snap.FailureThreshold)
	}
}

func TestClosedToOpenAtExactThreshold(t *testing.T) {
	b := New(config.BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Second,
		MonitorWindow:    time.Minute,
	})

	// First 2 failures: still closed.
	for i := 0; i < 2; i++ {
		if err := b.Allow(); err != nil {
			t.Fatal("expected allowed in closed state")
		}
		b.RecordFailure()
	}
	if snap := b.Snapshot(); snap.State != "closed" {
		t.Errorf("expected closed after 2 failures, got %s", snap.State)
	}

	// 3rd failure: transitions to open.
	b.RecordFailure()
	if snap := b.Snapshot(); snap.State != "open" {
		t.Errorf("expected open after 3 failures, got %s", snap.State)
	}
	if got := b.Snapshot().TotalTrips; got != 1 {
		t.Errorf("expected 1 trip, got %d", got)
	}
}

func TestWindowPruning(t *testing.T) {
	b := New(config.BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Second,
		MonitorWindow:    50 * time.Millisecond,
	})

	b.RecordFailure()
	b.RecordFailure()
	time.Sleep(70 * time.Millisecond)

	// The two old failures have left the window; this is failure 1 of 3.
	b.RecordFailure()
	if snap := b.Snapshot(); snap.State != "closed" {
		t.Errorf("expected closed when old failures aged out, got %s", snap.State)
	}
	if snap := b.Snapshot(); snap.FailuresInWindow != 1 {
		t.Errorf("expected 1 failure in window, got %d", snap.FailuresInWindow)
	}
}

func TestOpenRejects(t *testing.T) {
	b := New(config.BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Second,
		MonitorWindow:    time.Minute,
	})

	b.RecordFailure()
	if err := b.Allow(); err != ErrOpen {
		t.Fatalf("expected ErrOpen, got %v", err)
	}
	if got := b.Snapshot().TotalRejected; got != 1 {
		t.Errorf("expected 1 rejection, got %d", got)
	}
}

func TestHalfOpenSingleTrial(t *testing.T) {
	b := New(config.BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     30 * time.Millisecond,
		MonitorWindow:    time.Minute,
	})

	b.RecordFailure()
	time.Sleep(50 * time.Millisecond)

	// First caller after the reset timeout becomes the trial.
	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial allowed after reset timeout, got %v", err)
	}
	if snap := b.Snapshot(); snap.State != "half_open" {
		t.Errorf("expected half_open, got %s", snap.State)
	}

	// Concurrent callers are rejected while the trial is in flight.
	if err := b.Allow(); err != ErrOpen {
		t.Errorf("expected second caller rejected, got %v", err)
	}

	// Trial success closes the circuit.
	b.RecordSuccess()
	if snap := b.Snapshot(); snap.State != "closed" {
		t.Errorf("expected closed after trial success, got %s", snap.State)
	}
	if err := b.Allow(); err != nil {
		t.Errorf("expected allowed after close, got %v", err)
	}
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New(config.BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     30 * time.Millisecond,
		MonitorWindow:    time.Minute,
	})

	b.RecordFailure()
	time.Sleep(50 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial allowed, got %v", err)
	}
	b.RecordFailure()

	if snap := b.Snapshot(); snap.State != "open" {
		t.Errorf("expected open after trial failure, got %s", snap.State)
	}
	if err := b.Allow(); err != ErrOpen {
		t.Errorf("expected rejection right after reopen, got %v", err)
	}
}

func TestCancelReleasesTrial(t *testing.T) {
	b := New(config.BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     30 * time.Millisecond,
		MonitorWindow:    time.Minute,
	})

	b.RecordFailure()
	time.Sleep(50 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("expected trial allowed, got %v", err)
	}
	b.Cancel()

	// The abandoned trial must not wedge the breaker; the next caller
	// gets to probe instead.
	if err := b.Allow(); err != nil {
		t.Errorf("expected trial available after cancel, got %v", err)
	}
	if snap := b.Snapshot(); snap.State != "half_open" {
		t.Errorf("expected half_open preserved, got %s", snap.State)
	}
}

func TestSuccessInClosedKeepsWindow(t *testing.T) {
	b := New(config.BreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Second,
		MonitorWindow:    time.Minute,
	})

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	// Still 2 failures inside the window; the next one trips.
	b.RecordFailure()

	if snap := b.Snapshot(); snap.State != "open" {
		t.Errorf("expected open (window counts failures, not streaks), got %s", snap.State)
	}
}

func TestGroupPerBackend(t *testing.T) {
	g := NewGroup(config.BreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Second,
		MonitorWindow:    time.Minute,
	}, metrics.Nop{})

	g.For("backend-a").RecordFailure()

	if err := g.For("backend-a").Allow(); err != ErrOpen {
		t.Error("backend-a should be open")
	}
	if err := g.For("backend-b").Allow(); err != nil {
		t.Error("backend-b must not share backend-a's state")
	}

	snaps := g.Snapshots()
	if len(snaps) != 2 {
		t.Fatalf("expected 2 breakers, got %d", len(snaps))
	}
	if snaps["backend-a"].State != "open" || snaps["backend-b"].State != "closed" {
		t.Errorf("unexpected states: %+v", snaps)
	}
}

func TestGroupConcurrentAccess(t *testing.T) {
	g := NewGroup(config.BreakerConfig{
		FailureThreshold: 100,
		ResetTimeout:     time.Second,
		MonitorWindow:    time.Minute,
	}, metrics.Nop{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b := g.For("shared")
				if err := b.Allow(); err == nil {
					if j%2 == 0 {
						b.RecordSuccess()
					} else {
						b.RecordFailure()
					}
				}
			}
		}()
	}
	wg.Wait()

	if snap := g.For("shared").Snapshot(); snap.State == "unknown" {
		t.Errorf("breaker reached unknown state: %+v", snap)
	}
}
