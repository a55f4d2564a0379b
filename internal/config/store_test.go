package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testSnapshot(t *testing.T) *Snapshot {
	t.Helper()
	s := Default()
	s.DefaultBackend.Host = "origin.example"
	if err := s.normalize(); err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	return s
}

func TestStoreSwapNotifies(t *testing.T) {
	first := testSnapshot(t)
	st := NewStore(first)

	if st.Load() != first {
		t.Fatal("Load should return the seeded snapshot")
	}

	var seen []*Snapshot
	st.Subscribe(func(s *Snapshot) { seen = append(seen, s) })

	next := first.WithDomainExtensions("docs.example", []string{"md"})
	st.Swap(next)

	if st.Load() != next {
		t.Error("Load should return the swapped snapshot")
	}
	if len(seen) != 1 || seen[0] != next {
		t.Errorf("subscriber saw %d snapshots, want the swapped one once", len(seen))
	}
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - domain: one.example\n"), 0o644); err != nil {
		t.Fatalf("write rules file: %v", err)
	}

	s := testSnapshot(t)
	rules, err := LoadRulesFile(path)
	if err != nil {
		t.Fatalf("initial load: %v", err)
	}
	s, err = s.WithRouteRules(rules)
	if err != nil {
		t.Fatalf("initial rules: %v", err)
	}
	st := NewStore(s)

	w, err := NewWatcher(st, path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.SetDebounce(20 * time.Millisecond)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	swapped := make(chan *Snapshot, 1)
	st.Subscribe(func(s *Snapshot) {
		select {
		case swapped <- s:
		default:
		}
	})

	updated := "rules:\n  - domain: one.example\n  - domain: two.example\n"
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewrite rules file: %v", err)
	}

	select {
	case s := <-swapped:
		if len(s.RouteRules) != 2 {
			t.Errorf("reloaded rule count = %d, want 2", len(s.RouteRules))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not reload within 3s")
	}
}

func TestWatcherKeepsConfigOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  - domain: one.example\n"), 0o644); err != nil {
		t.Fatalf("write rules file: %v", err)
	}

	s := testSnapshot(t)
	st := NewStore(s)
	w, err := NewWatcher(st, path)
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	w.SetDebounce(20 * time.Millisecond)
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("rules:\n  - fallback: bounce\n"), 0o644); err != nil {
		t.Fatalf("rewrite rules file: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	if st.Load() != s {
		t.Error("bad rules file must not replace the running snapshot")
	}
}
