package metrics

import (
	"testing"
)

type fakeBreakers struct {
	states map[string]string
}

func (f *fakeBreakers) States() map[string]string { return f.states }

func TestCollectorCounters(t *testing.T) {
	t.Parallel()

	c, err := NewCollector(nil)
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}

	c.RecordOp(ComponentCache)
	c.RecordOp(ComponentCache)
	c.RecordHit(ComponentCache, "l1")
	c.RecordMiss(ComponentCache)
	c.RecordError(ComponentQueue)
	c.RecordDegraded(ComponentRateLimit)

	snap := c.Snapshot()

	cacheStats := snap.Components[ComponentCache]
	if cacheStats.Ops != 2 {
		t.Errorf("cache Ops = %d, want 2", cacheStats.Ops)
	}
	if cacheStats.Hits != 1 || cacheStats.Misses != 1 {
		t.Errorf("cache Hits/Misses = %d/%d, want 1/1", cacheStats.Hits, cacheStats.Misses)
	}
	if snap.Components[ComponentQueue].Errors != 1 {
		t.Errorf("queue Errors = %d, want 1", snap.Components[ComponentQueue].Errors)
	}
	if snap.Components[ComponentRateLimit].Degraded != 1 {
		t.Errorf("ratelimit Degraded = %d, want 1", snap.Components[ComponentRateLimit].Degraded)
	}
	if snap.TakenAt.IsZero() {
		t.Error("TakenAt not set")
	}
}

func TestCollectorBreakerSource(t *testing.T) {
	t.Parallel()

	c, err := NewCollector(nil)
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}

	// Without a source, the snapshot still works.
	if snap := c.Snapshot(); len(snap.Breakers) != 0 {
		t.Errorf("Breakers without a source = %v", snap.Breakers)
	}

	c.SetBreakerSource(&fakeBreakers{states: map[string]string{
		"read":  "CLOSED",
		"write": "OPEN",
	}})

	snap := c.Snapshot()
	if snap.Breakers["read"] != "CLOSED" || snap.Breakers["write"] != "OPEN" {
		t.Errorf("Breakers = %v", snap.Breakers)
	}
}

func TestCollectorSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	c, err := NewCollector(nil)
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}

	c.RecordOp(ComponentStream)
	snap := c.Snapshot()
	c.RecordOp(ComponentStream)

	if snap.Components[ComponentStream].Ops != 1 {
		t.Errorf("snapshot mutated by later recording, Ops = %d", snap.Components[ComponentStream].Ops)
	}
}

func TestBreakerStateValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state string
		want  float64
	}{
		{"CLOSED", 0},
		{"OPEN", 1},
		{"HALF_OPEN", 2},
		{"UNKNOWN", 0},
	}

	for _, tt := range tests {
		if got := breakerStateValue(tt.state); got != tt.want {
			t.Errorf("breakerStateValue(%q) = %v, want %v", tt.state, got, tt.want)
		}
	}
}
