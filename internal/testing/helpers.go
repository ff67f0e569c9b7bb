// Package testing holds fixtures and goroutine helpers shared by powerwatch
// tests.
//
// Goroutines started by a test must not call t.Fatal or t.FailNow: those end
// only the calling goroutine. Report through a TestHelper instead.
package testing

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/xtxerr/powerwatch/internal/usage/types"
)

// =============================================================================
// Fixtures
// =============================================================================

// CST is a fixed UTC+8 zone. Tests use it instead of loading Asia/Shanghai
// so they do not depend on the host tz database.
var CST = time.FixedZone("CST", 8*3600)

// Reading returns a reading with only a timestamp and balance set.
// Panics on an unparsable power.
func Reading(ts time.Time, power string) types.Reading {
	return types.Reading{Timestamp: ts, RemainingPower: types.MustQuantity(power)}
}

// Series returns one reading per power, the first at start and each
// following one step later.
func Series(start time.Time, step time.Duration, powers ...string) []types.Reading {
	out := make([]types.Reading, len(powers))
	for i, p := range powers {
		out[i] = Reading(start.Add(time.Duration(i)*step), p)
	}
	return out
}

// =============================================================================
// Goroutine Errors
// =============================================================================

// TestHelper collects failures from goroutines and reports them on Wait.
//
//	h := NewTestHelper(t)
//	for i := 0; i < n; i++ {
//	    h.Add(1)
//	    go func(id int) {
//	        defer h.Done()
//	        if _, err := sched.Trigger(ctx); err != nil {
//	            h.Errorf("trigger %d: %v", id, err)
//	        }
//	    }(i)
//	}
//	h.Wait()
type TestHelper struct {
	t  *testing.T
	wg sync.WaitGroup

	mu   sync.Mutex
	errs []error
}

// NewTestHelper creates a helper bound to t.
func NewTestHelper(t *testing.T) *TestHelper {
	return &TestHelper{t: t}
}

func (h *TestHelper) Add(delta int) { h.wg.Add(delta) }

func (h *TestHelper) Done() { h.wg.Done() }

// Errorf records a failure. Safe from any goroutine.
func (h *TestHelper) Errorf(format string, args ...any) {
	h.Error(fmt.Errorf(format, args...))
}

// Error records err if it is non-nil.
func (h *TestHelper) Error(err error) {
	if err == nil {
		return
	}
	h.mu.Lock()
	h.errs = append(h.errs, err)
	h.mu.Unlock()
}

// Wait blocks until every goroutine is done, then fails the test if any
// reported an error. Call from the test goroutine only.
func (h *TestHelper) Wait() {
	h.t.Helper()
	h.wg.Wait()

	h.mu.Lock()
	errs := h.errs
	h.errs = nil
	h.mu.Unlock()

	for _, err := range errs {
		h.t.Errorf("goroutine: %v", err)
	}
	if len(errs) > 0 {
		h.t.FailNow()
	}
}

// =============================================================================
// Waiting
// =============================================================================

// Within runs fn and fails if it has not returned after timeout. fn keeps
// running in the background on timeout.
func Within(timeout time.Duration, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("did not finish within %v", timeout)
	}
}

// Eventually polls condition every interval until it holds or timeout
// elapses.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if condition() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("condition not met within %v", timeout)
		}
		time.Sleep(interval)
	}
}
