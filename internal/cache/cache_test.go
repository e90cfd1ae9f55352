package cache

import (
	"context"
	"testing"
	"time"
)

func TestLRUCache_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache[string](2, time.Hour)
	c.Set("a", "1")
	c.Set("b", "2")
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a to be cached")
	}
	c.Set("c", "3")

	if _, ok := c.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	if v, ok := c.Get("a"); !ok || v != "1" {
		t.Errorf("expected a=1, got %q %v", v, ok)
	}
	if c.Size() != 2 {
		t.Errorf("expected size 2, got %d", c.Size())
	}
}

func TestLRUCache_Expiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewLRUCache[int](10, time.Minute).WithClock(func() time.Time { return now })

	c.Set("x", 1)
	c.Set("y", 2)
	now = now.Add(2 * time.Minute)
	c.Set("z", 3)

	if _, ok := c.Get("x"); ok {
		t.Error("expected x to be expired")
	}
	if n := c.CleanExpired(); n != 1 {
		t.Errorf("expected 1 expired entry cleaned, got %d", n)
	}
	if c.Size() != 1 {
		t.Errorf("expected only z left, got %d", c.Size())
	}

	st := c.Stats()
	if st.Misses != 1 || st.Hits != 0 {
		t.Errorf("unexpected stats: %+v", st)
	}
}

func TestManager_Sweep(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewLRUCache[int](10, time.Second).WithClock(func() time.Time { return now })
	c.Set("a", 1)
	c.Set("b", 2)

	m := NewManager()
	m.Register("ocr", c)
	now = now.Add(time.Minute)

	if n := m.Sweep(context.Background()); n != 2 {
		t.Errorf("expected 2 removed, got %d", n)
	}
}

func TestManager_StopWithoutStart(t *testing.T) {
	m := NewManager()
	m.Stop()

	m.StartCleanup(context.Background(), time.Hour)
	m.Stop()
	m.Stop()
}
