package testing

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestSeries(t *testing.T) {
	start := time.Date(2025, 3, 4, 10, 0, 0, 0, CST)
	rs := Series(start, 5*time.Minute, "50", "48.5", "60")

	if len(rs) != 3 {
		t.Fatalf("len = %d, want 3", len(rs))
	}
	if !rs[2].Timestamp.Equal(start.Add(10 * time.Minute)) {
		t.Errorf("third timestamp = %v", rs[2].Timestamp)
	}
	if rs[1].RemainingPower.String() != "48.5" {
		t.Errorf("second power = %s, want 48.5", rs[1].RemainingPower)
	}
}

func TestTestHelper_NoErrors(t *testing.T) {
	h := NewTestHelper(t)
	var n atomic.Int32

	for i := 0; i < 10; i++ {
		h.Add(1)
		go func() {
			defer h.Done()
			h.Error(nil)
			n.Add(1)
		}()
	}
	h.Wait()

	if n.Load() != 10 {
		t.Errorf("ran %d goroutines, want 10", n.Load())
	}
}

func TestWithin(t *testing.T) {
	if err := Within(time.Second, func() {}); err != nil {
		t.Errorf("fast function timed out: %v", err)
	}
	if err := Within(10*time.Millisecond, func() { time.Sleep(200 * time.Millisecond) }); err == nil {
		t.Error("expected timeout")
	}
}

func TestEventually(t *testing.T) {
	var calls int
	err := Eventually(time.Second, time.Millisecond, func() bool {
		calls++
		return calls >= 3
	})
	if err != nil {
		t.Errorf("expected condition to be met: %v", err)
	}

	if err := Eventually(20*time.Millisecond, 5*time.Millisecond, func() bool { return false }); err == nil {
		t.Error("expected failure for condition that never holds")
	}
}
