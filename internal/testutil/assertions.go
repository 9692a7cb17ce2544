package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/ibmcast/internal/mcast"
)

// FindGroup returns the snapshot of group on a port, or nil.
func FindGroup(snap mcast.PortSnapshot, group mcast.GID) *mcast.GroupSnapshot {
	for i := range snap.Groups {
		if snap.Groups[i].Group == group {
			return &snap.Groups[i]
		}
	}

	return nil
}

// AssertGroupState asserts that group is tracked by the coordinator with the
// given state and active-user count.
func AssertGroupState(t *testing.T, c *mcast.Coordinator, group mcast.GID, state mcast.GroupState, users int) {
	t.Helper()

	g := FindGroup(c.Snapshot(), group)
	require.NotNil(t, g, "group %s should be tracked", group)

	assert.Equal(t, state, g.State, "group %s state", group)
	assert.Equal(t, users, g.Users, "group %s users", group)
}

// AssertNoGroup asserts that the coordinator no longer tracks group.
func AssertNoGroup(t *testing.T, c *mcast.Coordinator, group mcast.GID) {
	t.Helper()

	assert.Nil(t, FindGroup(c.Snapshot(), group), "group %s should not be tracked", group)
}

// AssertDestroyed asserts that req and its paired leave have been destroyed.
func AssertDestroyed(t *testing.T, req *mcast.Request) {
	t.Helper()

	assert.True(t, req.Destroyed(), "request %s should be destroyed", req.ID())
	assert.Equal(t, int32(0), req.Refs(), "request %s refs", req.ID())
}

// AssertErrorType asserts that an error is of a specific type.
func AssertErrorType(t *testing.T, expected, actual error) {
	t.Helper()

	if expected == nil {
		assert.NoError(t, actual, "expected no error")
		return
	}

	require.Error(t, actual, "expected an error")
	assert.ErrorIs(t, actual, expected, "error type should match")
}

// RequireEventually waits for a condition to become true within a timeout.
// Fails the test immediately if the condition is not met.
func RequireEventually(t *testing.T, condition func() bool, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for !condition() {
		if time.Now().After(deadline) {
			require.Fail(t, "condition not met within timeout", msgAndArgs...)
			return
		}

		time.Sleep(time.Millisecond)
	}
}

// AssertNever asserts that a condition stays false for the whole duration.
func AssertNever(t *testing.T, condition func() bool, duration time.Duration, msgAndArgs ...any) {
	t.Helper()

	deadline := time.Now().Add(duration)

	for time.Now().Before(deadline) {
		if condition() {
			assert.Fail(t, "condition became true unexpectedly", msgAndArgs...)
			return
		}

		time.Sleep(time.Millisecond)
	}
}
