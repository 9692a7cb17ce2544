// Package mocks provides mock implementations for testing ibmcast components.
package mocks

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/piwi3910/ibmcast/internal/mcast"
)

// ErrNothingPending is returned when a completion is requested for a group
// with no outstanding directory operation.
var ErrNothingPending = errors.New("no pending directory operation")

// PendingJoin is a join submission waiting for the test to complete it.
type PendingJoin struct {
	Port   mcast.PortID
	Group  mcast.GID
	Handle mcast.Handle
	done   func(error, mcast.MemberRecord)
}

// PendingLeave is a leave submission waiting for the test to complete it.
type PendingLeave struct {
	Group  mcast.GID
	Handle mcast.Handle
	done   func()
}

// MockDirectory implements mcast.DirectoryClient for testing.
//
// By default submissions are parked until the test calls CompleteJoin or
// CompleteLeave, which run the completion on the calling goroutine. With
// auto-complete enabled each submission is completed from its own goroutine.
type MockDirectory struct {
	mu sync.Mutex

	nextHandle mcast.Handle
	nextMLID   uint16
	joins      []*PendingJoin
	leaves     []*PendingLeave
	groups     map[mcast.Handle]mcast.GID
	active     map[mcast.Handle]bool

	// Error injection
	submitErr  error
	joinErrs   map[mcast.GID]error
	autoDelay  time.Duration
	autoEnable bool

	// Counters
	submittedJoins  int
	submittedLeaves int
	released        []mcast.Handle
	inFlight        int
	maxInFlight     int
}

// NewMockDirectory creates a MockDirectory with nothing pending.
func NewMockDirectory() *MockDirectory {
	return &MockDirectory{
		nextMLID: 0xc000,
		groups:   make(map[mcast.Handle]mcast.GID),
		active:   make(map[mcast.Handle]bool),
		joinErrs: make(map[mcast.GID]error),
	}
}

// SetSubmitError makes SubmitJoin fail synchronously with err. Pass nil to clear.
func (m *MockDirectory) SetSubmitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitErr = err
}

// SetJoinError makes auto-completed joins for group fail with err.
func (m *MockDirectory) SetJoinError(group mcast.GID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.joinErrs, group)
		return
	}

	m.joinErrs[group] = err
}

// SetAutoComplete completes every submission asynchronously after delay.
func (m *MockDirectory) SetAutoComplete(enabled bool, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoEnable = enabled
	m.autoDelay = delay
}

// SubmitJoin implements mcast.DirectoryClient.
func (m *MockDirectory) SubmitJoin(port mcast.PortID, group mcast.GID, done func(error, mcast.MemberRecord)) (mcast.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.submitErr != nil {
		return 0, m.submitErr
	}

	m.nextHandle++
	h := m.nextHandle
	m.submittedJoins++
	m.groups[h] = group
	m.startLocked()

	if m.autoEnable {
		err := m.joinErrs[group]
		rec := m.recordLocked(h, group, err)
		delay := m.autoDelay

		go func() {
			time.Sleep(delay)
			m.finish()
			done(err, rec)
		}()

		return h, nil
	}

	m.joins = append(m.joins, &PendingJoin{Port: port, Group: group, Handle: h, done: done})

	return h, nil
}

// SubmitLeave implements mcast.DirectoryClient.
func (m *MockDirectory) SubmitLeave(h mcast.Handle, done func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.submittedLeaves++
	delete(m.active, h)
	m.startLocked()

	if m.autoEnable {
		delay := m.autoDelay

		go func() {
			time.Sleep(delay)
			m.finish()
			done()
		}()

		return
	}

	m.leaves = append(m.leaves, &PendingLeave{Group: m.groups[h], Handle: h, done: done})
}

// ReleaseHandle implements mcast.DirectoryClient.
func (m *MockDirectory) ReleaseHandle(h mcast.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.released = append(m.released, h)
	delete(m.groups, h)
	delete(m.active, h)
}

// CompleteJoin completes the oldest pending join for group on the calling goroutine.
func (m *MockDirectory) CompleteJoin(group mcast.GID, err error) error {
	m.mu.Lock()

	var pj *PendingJoin

	for i, j := range m.joins {
		if j.Group == group {
			pj = j
			m.joins = append(m.joins[:i], m.joins[i+1:]...)

			break
		}
	}

	if pj == nil {
		m.mu.Unlock()
		return fmt.Errorf("complete join %s: %w", group, ErrNothingPending)
	}

	rec := m.recordLocked(pj.Handle, group, err)
	m.inFlight--
	m.mu.Unlock()

	pj.done(err, rec)

	return nil
}

// CompleteLeave completes the oldest pending leave for group on the calling goroutine.
func (m *MockDirectory) CompleteLeave(group mcast.GID) error {
	m.mu.Lock()

	var pl *PendingLeave

	for i, l := range m.leaves {
		if l.Group == group {
			pl = l
			m.leaves = append(m.leaves[:i], m.leaves[i+1:]...)

			break
		}
	}

	if pl == nil {
		m.mu.Unlock()
		return fmt.Errorf("complete leave %s: %w", group, ErrNothingPending)
	}

	delete(m.groups, pl.Handle)
	m.inFlight--
	m.mu.Unlock()

	pl.done()

	return nil
}

func (m *MockDirectory) startLocked() {
	m.inFlight++
	if m.inFlight > m.maxInFlight {
		m.maxInFlight = m.inFlight
	}
}

func (m *MockDirectory) finish() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight--
}

func (m *MockDirectory) recordLocked(h mcast.Handle, group mcast.GID, err error) mcast.MemberRecord {
	if err != nil {
		return mcast.MemberRecord{}
	}

	m.active[h] = true
	m.nextMLID++

	return mcast.MemberRecord{
		MGID:      group,
		MLID:      m.nextMLID,
		QKey:      0x80010000,
		PKey:      0xffff,
		MTU:       4,
		Rate:      16,
		Scope:     group.Scope(),
		JoinState: mcast.JoinFullMember,
	}
}

// PendingJoins returns the number of joins waiting for completion.
func (m *MockDirectory) PendingJoins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.joins)
}

// PendingLeaves returns the number of leaves waiting for completion.
func (m *MockDirectory) PendingLeaves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.leaves)
}

// SubmittedJoins returns how many joins were accepted by SubmitJoin.
func (m *MockDirectory) SubmittedJoins() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submittedJoins
}

// SubmittedLeaves returns how many leaves were submitted.
func (m *MockDirectory) SubmittedLeaves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.submittedLeaves
}

// ReleasedHandles returns the handles passed to ReleaseHandle, in order.
func (m *MockDirectory) ReleasedHandles() []mcast.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]mcast.Handle, len(m.released))
	copy(out, m.released)

	return out
}

// ActiveMemberships returns how many joins completed successfully and have not
// been left or released.
func (m *MockDirectory) ActiveMemberships() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// MaxInFlight returns the highest number of directory operations that were
// outstanding at the same time.
func (m *MockDirectory) MaxInFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxInFlight
}

// WaitPendingJoins waits until at least n joins are pending.
func (m *MockDirectory) WaitPendingJoins(n int, timeout time.Duration) bool {
	return waitFor(func() bool { return m.PendingJoins() >= n }, timeout)
}

// WaitPendingLeaves waits until at least n leaves are pending.
func (m *MockDirectory) WaitPendingLeaves(n int, timeout time.Duration) bool {
	return waitFor(func() bool { return m.PendingLeaves() >= n }, timeout)
}

func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)

	for !cond() {
		if time.Now().After(deadline) {
			return false
		}

		time.Sleep(time.Millisecond)
	}

	return true
}
