package cache

import (
	"context"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU[string, int](2, time.Minute)
	c.Set("a", 1)
	c.Set("b", 2)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a")
	}
	c.Set("c", 3)

	if _, ok := c.Get("b"); ok {
		t.Fatal("b should have been evicted")
	}
	if v, ok := c.Get("a"); !ok || v != 1 {
		t.Fatalf("a = %v, %v", v, ok)
	}
	if c.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", c.Len())
	}
}

func TestLRUExpires(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	c := NewLRU[int64, string](10, time.Second).WithClock(clock.now)
	c.Set(1, "x")
	c.Set(2, "y")

	clock.t = clock.t.Add(2 * time.Second)
	if _, ok := c.Get(1); ok {
		t.Fatal("entry should have expired")
	}
	if n := c.CleanExpired(); n != 1 {
		t.Fatalf("CleanExpired() = %d, want 1", n)
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", c.Len())
	}
	hits, misses := c.Stats()
	if hits != 0 || misses != 1 {
		t.Fatalf("stats = %d/%d", hits, misses)
	}
}

func TestLRUDeleteAndOverwrite(t *testing.T) {
	c := NewLRU[string, int](4, time.Minute)
	c.Set("k", 1)
	c.Set("k", 2)
	if v, _ := c.Get("k"); v != 2 {
		t.Fatalf("k = %d, want 2", v)
	}
	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Fatal("k should be gone")
	}
}

func TestJanitorSweep(t *testing.T) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	a := NewLRU[string, int](4, time.Second).WithClock(clock.now)
	b := NewLRU[string, int](4, time.Second).WithClock(clock.now)
	a.Set("x", 1)
	b.Set("y", 1)
	b.Set("z", 1)

	j := NewJanitor(a)
	j.Register(b)
	clock.t = clock.t.Add(time.Minute)
	if n := j.Sweep(); n != 3 {
		t.Fatalf("Sweep() = %d, want 3", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := j.Run(ctx, time.Millisecond); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}
