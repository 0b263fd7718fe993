package clock

import (
	"sync"
	"testing"
)

func TestTickMonotonic(t *testing.T) {
	c := New(0)
	prev := int64(0)
	for i := 0; i < 100; i++ {
		ts := c.Tick()
		if ts <= prev {
			t.Fatalf("tick %d not monotonic: got %d after %d", i, ts, prev)
		}
		prev = ts
	}
	if c.Value() != 100 {
		t.Fatalf("expected value 100, got %d", c.Value())
	}
}

func TestObserveAdvancesPastRemote(t *testing.T) {
	c := New(5)

	if ts := c.Observe(42); ts != 43 {
		t.Fatalf("observing a larger timestamp should land at observed+1, got %d", ts)
	}
	// A remote timestamp behind our own still costs one tick.
	if ts := c.Observe(10); ts != 44 {
		t.Fatalf("observing a smaller timestamp should still advance by one, got %d", ts)
	}
	// The next local change is ordered after everything observed.
	if ts := c.Tick(); ts != 45 {
		t.Fatalf("expected tick after observe to be 45, got %d", ts)
	}
}

func TestSeededClockNeverReusesTimestamps(t *testing.T) {
	c := New(0)
	for i := 0; i < 10; i++ {
		c.Tick()
	}
	persisted := c.Value()

	restarted := New(persisted)
	if ts := restarted.Tick(); ts != persisted+1 {
		t.Fatalf("restart reused timestamp space: got %d, want %d", ts, persisted+1)
	}
}

func TestConcurrentTicksAreUnique(t *testing.T) {
	c := New(0)
	const n = 64

	var wg sync.WaitGroup
	results := make(chan int64, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.Tick()
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int64]bool, n)
	for ts := range results {
		if seen[ts] {
			t.Fatalf("duplicate timestamp %d issued", ts)
		}
		seen[ts] = true
	}
}

func TestTotalOrderLess(t *testing.T) {
	if !TotalOrderLess(1, "b", 2, "a") {
		t.Fatal("lower timestamp must order first regardless of session")
	}
	if TotalOrderLess(3, "a", 2, "b") {
		t.Fatal("higher timestamp must not order first")
	}
	if !TotalOrderLess(2, "device-a", 2, "device-b") {
		t.Fatal("equal timestamps break ties by session id")
	}
	if TotalOrderLess(2, "device-b", 2, "device-a") {
		t.Fatal("tie-break must be asymmetric")
	}
}
