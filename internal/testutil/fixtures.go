package testutil

import (
	"fmt"
	"sync"

	"github.com/piwi3910/ibmcast/internal/mcast"
)

// Test fixture constants.
const (
	// DefaultTestDevice is the adapter name used by tests.
	DefaultTestDevice = "mlx5_0"
	// DefaultTestGroup is an IPoIB-style link-local multicast GID.
	DefaultTestGroup = "ff12:401b:ffff::1"
)

// TestPort returns port num on the default test device.
func TestPort(num int) mcast.PortID {
	return mcast.PortID{Device: DefaultTestDevice, Num: num}
}

// TestGroup returns a distinct multicast GID for each n.
func TestGroup(n int) mcast.GID {
	return mcast.MustParseGID(fmt.Sprintf("ff12:401b:ffff::%x", n+1))
}

// JoinRecorder collects join callback results.
type JoinRecorder struct {
	mu      sync.Mutex
	results []mcast.JoinResult
	reqs    []*mcast.Request
}

// Callback returns a join callback that records into r.
func (r *JoinRecorder) Callback() mcast.JoinCallback {
	return func(req *mcast.Request, res mcast.JoinResult) {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.reqs = append(r.reqs, req)
		r.results = append(r.results, res)
	}
}

// Count returns how many callbacks were recorded.
func (r *JoinRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.results)
}

// Results returns a copy of the recorded results.
func (r *JoinRecorder) Results() []mcast.JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]mcast.JoinResult, len(r.results))
	copy(out, r.results)

	return out
}

// Last returns the most recent result. It panics if nothing was recorded.
func (r *JoinRecorder) Last() mcast.JoinResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.results[len(r.results)-1]
}

// LeaveRecorder counts leave callbacks.
type LeaveRecorder struct {
	mu    sync.Mutex
	count int
}

// Callback returns a leave callback that counts into r.
func (r *LeaveRecorder) Callback() mcast.LeaveCallback {
	return func(*mcast.Request) {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.count++
	}
}

// Count returns how many leave callbacks fired.
func (r *LeaveRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.count
}
