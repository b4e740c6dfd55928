package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestSetGet(t *testing.T) {
	c := New()
	if _, ok := c.Get("BTCUSDT"); ok {
		t.Fatalf("Get() on empty cache: expected miss")
	}

	c.Set("BTCUSDT", 40000.5)
	c.Set("ETHUSDT", 2280.1)

	if got, ok := c.Get("BTCUSDT"); !ok || got != 40000.5 {
		t.Fatalf("Get(BTCUSDT)=%v,%v, expected 40000.5", got, ok)
	}
	if c.Len() != 2 {
		t.Fatalf("Len()=%d, expected 2", c.Len())
	}

	snap := c.Snapshot()
	if snap["ETHUSDT"] != 2280.1 {
		t.Fatalf("Snapshot()=%v", snap)
	}

	price, age, ok := c.GetWithAge("BTCUSDT")
	if !ok || price != 40000.5 || age > time.Second {
		t.Fatalf("GetWithAge()=%v,%v,%v", price, age, ok)
	}
}

func TestCleanup(t *testing.T) {
	c := New()
	c.Set("OLD", 1)
	time.Sleep(20 * time.Millisecond)
	c.Set("FRESH", 2)

	if removed := c.Cleanup(10 * time.Millisecond); removed != 1 {
		t.Fatalf("Cleanup() removed %d, expected 1", removed)
	}
	if _, ok := c.Get("OLD"); ok {
		t.Fatalf("stale entry survived cleanup")
	}
	if _, ok := c.Get("FRESH"); !ok {
		t.Fatalf("fresh entry removed by cleanup")
	}
}

// Concurrent writers and readers across shards; run with -race.
func TestConcurrentAccess(t *testing.T) {
	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sym := fmt.Sprintf("SYM%d", n)
			for j := 0; j < 1000; j++ {
				c.Set(sym, float64(j))
				c.Get(sym)
			}
		}(i)
	}
	wg.Wait()
	if c.Len() != 8 {
		t.Fatalf("Len()=%d, expected 8", c.Len())
	}
	if c.Stats().Symbols != 8 {
		t.Fatalf("Stats().Symbols=%d, expected 8", c.Stats().Symbols)
	}
}
