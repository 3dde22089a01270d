package ping

import (
	"testing"
	"time"
)

func TestPendingCache_TokenUniqueness(t *testing.T) {
	c := newPendingCache()
	now := time.Now()

	if !c.insert(1, 1, now) {
		t.Fatal("insert of fresh token = false")
	}
	if c.insert(1, 1, now) {
		t.Error("insert of outstanding token = true, want rejection")
	}
	if c.size() != 1 {
		t.Errorf("size = %d, want 1", c.size())
	}

	// Distinct tokens coexist.
	if !c.insert(1, 2, now) {
		t.Error("insert of distinct sequence = false")
	}
	if !c.insert(2, 1, now) {
		t.Error("insert of distinct identifier = false")
	}

	// Removal frees the token for reuse.
	if _, ok := c.remove(1, 1); !ok {
		t.Fatal("remove of outstanding token = false")
	}
	if !c.insert(1, 1, now) {
		t.Error("insert after removal = false, want reuse allowed")
	}
}

func TestPendingCache_RemoveReturnsTimestamp(t *testing.T) {
	c := newPendingCache()
	sent := time.Now().Add(-time.Second)
	c.insert(7, 9, sent)

	got, ok := c.remove(7, 9)
	if !ok {
		t.Fatal("remove = false")
	}
	if !got.Equal(sent) {
		t.Errorf("timestamp = %v, want %v", got, sent)
	}
	if _, ok := c.remove(7, 9); ok {
		t.Error("second remove = true, want false")
	}
}

func TestPendingCache_RefreshOnlyOutstanding(t *testing.T) {
	c := newPendingCache()
	first := time.Now().Add(-time.Minute)
	later := time.Now()

	c.insert(3, 3, first)
	c.refresh(3, 3, later)
	if got, _ := c.remove(3, 3); !got.Equal(later) {
		t.Errorf("timestamp after refresh = %v, want %v", got, later)
	}

	// Refresh of a resolved token must not resurrect it.
	c.refresh(3, 3, later)
	if c.size() != 0 {
		t.Errorf("size after refresh of resolved token = %d, want 0", c.size())
	}
}
