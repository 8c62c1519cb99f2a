package gc

import (
	"testing"
	"time"

	"github.com/fedi3/node/internal/store"
)

func TestConfigSetDefaults(t *testing.T) {
	var c Config
	c.setDefaults()
	if c.Interval != 300*time.Second {
		t.Fatalf("expected 300s default interval, got %v", c.Interval)
	}
	if c.InboxMaxItems != 2000 {
		t.Fatalf("expected inbox max 2000, got %d", c.InboxMaxItems)
	}
	if c.InboxSeenTTLDays != 30 {
		t.Fatalf("expected inbox_seen TTL 30 days, got %d", c.InboxSeenTTLDays)
	}
}

func TestConfigSetDefaultsEnforcesMinimumInterval(t *testing.T) {
	c := Config{Interval: 5 * time.Second}
	c.setDefaults()
	if c.Interval != 30*time.Second {
		t.Fatalf("expected interval clamped to 30s minimum, got %v", c.Interval)
	}
}

func TestEvictionBoundaryKeepsWithinItemBudget(t *testing.T) {
	candidates := []store.ObjectQuotaCandidate{
		{ObjectID: "oldest", SizeBytes: 10},
		{ObjectID: "mid", SizeBytes: 10},
		{ObjectID: "newest", SizeBytes: 10},
	}
	idx := evictionBoundary(candidates, 2, 1<<30)
	if idx != 1 {
		t.Fatalf("expected boundary at index 1 (evict oldest only), got %d", idx)
	}
}

func TestEvictionBoundaryKeepsWithinByteBudget(t *testing.T) {
	candidates := []store.ObjectQuotaCandidate{
		{ObjectID: "oldest", SizeBytes: 100},
		{ObjectID: "mid", SizeBytes: 100},
		{ObjectID: "newest", SizeBytes: 100},
	}
	idx := evictionBoundary(candidates, 100, 150)
	if idx != 2 {
		t.Fatalf("expected boundary at index 2 (keep only newest), got %d", idx)
	}
}

func TestEvictionBoundaryKeepsEverythingWithinBudget(t *testing.T) {
	candidates := []store.ObjectQuotaCandidate{
		{ObjectID: "a", SizeBytes: 1},
		{ObjectID: "b", SizeBytes: 1},
	}
	idx := evictionBoundary(candidates, 10, 1<<30)
	if idx != 0 {
		t.Fatalf("expected nothing evicted, got boundary %d", idx)
	}
}

func TestEvictionBoundaryEmptyCandidates(t *testing.T) {
	if idx := evictionBoundary(nil, 10, 1<<30); idx != 0 {
		t.Fatalf("expected boundary 0 for empty input, got %d", idx)
	}
}
