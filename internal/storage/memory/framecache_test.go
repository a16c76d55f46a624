package memory

import (
	"testing"
	"time"

	"scrubengine/internal/domain"
)

func frame(clip domain.ClipID, pts time.Duration) domain.Frame {
	return domain.Frame{Clip: clip, PTS: pts, Data: []byte{0xAB}}
}

func TestInsertAndLookup(t *testing.T) {
	c := NewCache(8)
	c.Insert(frame("a", 40*time.Millisecond))

	if !c.Warm("a", 40*time.Millisecond) {
		t.Fatal("inserted frame not warm")
	}
	if c.Warm("a", 80*time.Millisecond) {
		t.Fatal("missing frame reported warm")
	}
	if c.Warm("b", 40*time.Millisecond) {
		t.Fatal("unknown clip reported warm")
	}

	got, ok := c.Get("a", 40*time.Millisecond)
	if !ok || got.PTS != 40*time.Millisecond || got.Clip != "a" {
		t.Fatalf("get = %+v ok=%v", got, ok)
	}
	if _, ok := c.Get("a", time.Second); ok {
		t.Fatal("get of missing pts succeeded")
	}
}

func TestWarmCountIsHalfOpen(t *testing.T) {
	c := NewCache(16)
	for _, pts := range []time.Duration{0, 40, 80, 120, 160} {
		c.Insert(frame("a", pts*time.Millisecond))
	}

	// [40ms, 160ms) covers 40, 80 and 120 but not the upper bound.
	if got := c.WarmCount("a", 40*time.Millisecond, 160*time.Millisecond); got != 3 {
		t.Fatalf("warm count = %d, want 3", got)
	}
	if got := c.WarmCount("a", 0, time.Second); got != 5 {
		t.Fatalf("warm count = %d, want 5", got)
	}
	if got := c.WarmCount("missing", 0, time.Second); got != 0 {
		t.Fatalf("warm count for unknown clip = %d, want 0", got)
	}
}

func TestEvictionIsLeastRecentlyUsed(t *testing.T) {
	c := NewCache(3)
	c.Insert(frame("a", 1*time.Millisecond))
	c.Insert(frame("a", 2*time.Millisecond))
	c.Insert(frame("a", 3*time.Millisecond))

	// Touch the oldest so the next eviction takes pts=2 instead.
	if !c.Warm("a", 1*time.Millisecond) {
		t.Fatal("setup: pts=1 not warm")
	}
	c.Insert(frame("a", 4*time.Millisecond))

	if c.Warm("a", 2*time.Millisecond) {
		t.Fatal("least recently used frame survived eviction")
	}
	for _, pts := range []time.Duration{1, 3, 4} {
		if !c.Warm("a", pts*time.Millisecond) {
			t.Fatalf("pts=%v evicted, want kept", pts)
		}
	}
	if got := c.Len(); got != 3 {
		t.Fatalf("len = %d, want 3", got)
	}
}

func TestReinsertRefreshesInsteadOfDuplicating(t *testing.T) {
	c := NewCache(4)
	c.Insert(frame("a", 40*time.Millisecond))
	c.Insert(frame("a", 40*time.Millisecond))
	if got := c.Len(); got != 1 {
		t.Fatalf("len after duplicate insert = %d, want 1", got)
	}
}

func TestPerClipBoundsAreIndependent(t *testing.T) {
	c := NewCache(2)
	for i := 0; i < 5; i++ {
		c.Insert(frame("a", time.Duration(i)*time.Millisecond))
		c.Insert(frame("b", time.Duration(i)*time.Millisecond))
	}
	if got := c.WarmCount("a", 0, time.Second); got != 2 {
		t.Fatalf("clip a count = %d, want 2", got)
	}
	if got := c.WarmCount("b", 0, time.Second); got != 2 {
		t.Fatalf("clip b count = %d, want 2", got)
	}
}

func TestPruneBeforeDropsOnlyEarlierFrames(t *testing.T) {
	c := NewCache(16)
	for _, pts := range []time.Duration{0, 40, 80, 120} {
		c.Insert(frame("a", pts*time.Millisecond))
		c.Insert(frame("b", pts*time.Millisecond))
	}

	c.PruneBefore("a", 80*time.Millisecond)

	if c.Warm("a", 0) || c.Warm("a", 40*time.Millisecond) {
		t.Fatal("pruned frames still warm")
	}
	if !c.Warm("a", 80*time.Millisecond) || !c.Warm("a", 120*time.Millisecond) {
		t.Fatal("frames at or past the prune point were dropped")
	}
	if got := c.WarmCount("b", 0, time.Second); got != 4 {
		t.Fatalf("other clip affected by prune: count = %d, want 4", got)
	}

	c.PruneBefore("missing", time.Second) // unknown clip is a no-op
}

func TestForgetDropsWholeClip(t *testing.T) {
	c := NewCache(16)
	c.Insert(frame("a", 40*time.Millisecond))
	c.Insert(frame("b", 40*time.Millisecond))

	c.Forget("a")

	if c.Warm("a", 40*time.Millisecond) {
		t.Fatal("forgotten clip still warm")
	}
	if !c.Warm("b", 40*time.Millisecond) {
		t.Fatal("other clip dropped by forget")
	}
	if got := c.Len(); got != 1 {
		t.Fatalf("len = %d, want 1", got)
	}

	// Re-registering the clip starts clean.
	c.Insert(frame("a", 80*time.Millisecond))
	if got := c.WarmCount("a", 0, time.Second); got != 1 {
		t.Fatalf("count after reinsert = %d, want 1", got)
	}
}
