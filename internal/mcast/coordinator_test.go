package mcast_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/ibmcast/internal/mcast"
	"github.com/piwi3910/ibmcast/internal/testutil"
	"github.com/piwi3910/ibmcast/internal/testutil/mocks"
)

func newTestCoordinator(opts mcast.Options) (*mcast.Coordinator, *mocks.MockDirectory) {
	dir := mocks.NewMockDirectory()
	return mcast.NewCoordinator(testutil.TestPort(1), dir, opts), dir
}

func TestCoordinator_SharedMembershipLifecycle(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g := testutil.TestGroup(0)

	var a, b testutil.JoinRecorder

	reqA, err := c.Join(g, a.Callback())
	require.NoError(t, err)
	assert.Equal(t, mcast.StateRunning, reqA.State())
	assert.Equal(t, 1, dir.SubmittedJoins())
	testutil.AssertGroupState(t, c, g, mcast.GroupConnecting, 0)

	require.NoError(t, dir.CompleteJoin(g, nil))
	require.Equal(t, 1, a.Count())
	require.NoError(t, a.Last().Err)
	assert.Equal(t, mcast.StateDone, reqA.State())
	testutil.AssertGroupState(t, c, g, mcast.GroupConnected, 1)

	// Second joiner is answered from the cached record.
	reqB, err := c.Join(g, b.Callback())
	require.NoError(t, err)
	require.Equal(t, 1, b.Count())
	require.NoError(t, b.Last().Err)
	assert.Equal(t, a.Last().Record, b.Last().Record)
	assert.Equal(t, 1, dir.SubmittedJoins())
	testutil.AssertGroupState(t, c, g, mcast.GroupConnected, 2)

	var leaves testutil.LeaveRecorder

	require.NoError(t, c.Leave(reqA, leaves.Callback()))
	assert.Equal(t, 1, leaves.Count())
	assert.Equal(t, 0, dir.SubmittedLeaves())
	testutil.AssertGroupState(t, c, g, mcast.GroupConnected, 1)
	testutil.AssertDestroyed(t, reqA)

	require.NoError(t, c.Leave(reqB, leaves.Callback()))
	assert.Equal(t, 1, dir.SubmittedLeaves())
	assert.Equal(t, 1, leaves.Count())
	testutil.AssertGroupState(t, c, g, mcast.GroupLeaving, 1)
	assert.False(t, reqB.Destroyed())

	require.NoError(t, dir.CompleteLeave(g))
	assert.Equal(t, 2, leaves.Count())
	testutil.AssertNoGroup(t, c, g)
	testutil.AssertDestroyed(t, reqB)
	assert.Equal(t, 0, dir.ActiveMemberships())
	assert.Equal(t, 1, dir.MaxInFlight())
}

func TestCoordinator_SynchronousSubmitFailure(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g := testutil.TestGroup(0)
	dir.SetSubmitError(errors.New("subnet administrator unreachable"))

	returned := false
	calledBeforeReturn := false

	var rec testutil.JoinRecorder

	cb := rec.Callback()
	req, err := c.Join(g, func(r *mcast.Request, res mcast.JoinResult) {
		calledBeforeReturn = !returned
		cb(r, res)
	})
	returned = true

	require.NoError(t, err)
	require.Equal(t, 1, rec.Count())
	assert.True(t, calledBeforeReturn)
	assert.ErrorContains(t, rec.Last().Err, "subnet administrator unreachable")
	testutil.AssertNoGroup(t, c, g)
	testutil.AssertDestroyed(t, req)

	dir.SetSubmitError(nil)

	req2, err := c.Join(g, nil)
	require.NoError(t, err)
	testutil.AssertGroupState(t, c, g, mcast.GroupConnecting, 0)
	assert.Equal(t, 1, dir.SubmittedJoins())
	assert.Equal(t, mcast.StateRunning, req2.State())
}

func TestCoordinator_SynchronousSubmitFailureFailsWaiters(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g := testutil.TestGroup(0)

	var first, waiter testutil.JoinRecorder

	// Occupy the queue head with another group so the joins below queue up.
	other, err := c.Join(testutil.TestGroup(1), first.Callback())
	require.NoError(t, err)

	reqA, err := c.Join(g, waiter.Callback())
	require.NoError(t, err)
	reqB, err := c.Join(g, waiter.Callback())
	require.NoError(t, err)
	assert.Equal(t, mcast.StateScheduled, reqA.State())

	dir.SetSubmitError(errors.New("table full"))
	require.NoError(t, dir.CompleteJoin(testutil.TestGroup(1), nil))

	require.Equal(t, 2, waiter.Count())

	for _, res := range waiter.Results() {
		assert.ErrorContains(t, res.Err, "table full")
	}

	assert.Equal(t, 1, dir.SubmittedJoins())
	testutil.AssertNoGroup(t, c, g)
	testutil.AssertDestroyed(t, reqA)
	testutil.AssertDestroyed(t, reqB)
	assert.False(t, other.Destroyed())
}

func TestCoordinator_CoalescedJoins(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g := testutil.TestGroup(0)

	var rec testutil.JoinRecorder

	reqs := make([]*mcast.Request, 0, 3)

	for i := 0; i < 3; i++ {
		req, err := c.Join(g, rec.Callback())
		require.NoError(t, err)

		reqs = append(reqs, req)
	}

	assert.Equal(t, mcast.StateRunning, reqs[0].State())
	assert.Equal(t, mcast.StateScheduled, reqs[1].State())
	assert.Equal(t, mcast.StateScheduled, reqs[2].State())
	assert.Equal(t, 1, dir.SubmittedJoins())
	assert.Equal(t, 0, rec.Count())

	require.NoError(t, dir.CompleteJoin(g, nil))

	require.Equal(t, 3, rec.Count())

	mlid := rec.Results()[0].Record.MLID
	for _, res := range rec.Results() {
		require.NoError(t, res.Err)
		assert.Equal(t, mlid, res.Record.MLID)
	}

	assert.Equal(t, 1, dir.SubmittedJoins())
	testutil.AssertGroupState(t, c, g, mcast.GroupConnected, 3)
}

func TestCoordinator_AsyncFailureFailsWaiters(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g := testutil.TestGroup(0)

	var rec testutil.JoinRecorder

	reqs := make([]*mcast.Request, 0, 3)

	for i := 0; i < 3; i++ {
		req, err := c.Join(g, rec.Callback())
		require.NoError(t, err)

		reqs = append(reqs, req)
	}

	require.NoError(t, dir.CompleteJoin(g, errors.New("invalid pkey")))

	require.Equal(t, 3, rec.Count())

	for _, res := range rec.Results() {
		assert.EqualError(t, res.Err, "invalid pkey")
	}

	for _, req := range reqs {
		testutil.AssertDestroyed(t, req)
	}

	testutil.AssertNoGroup(t, c, g)
	assert.Len(t, dir.ReleasedHandles(), 1)
	assert.Equal(t, 1, dir.SubmittedJoins())
	assert.Equal(t, 0, c.Snapshot().QueueDepth)
}

func TestCoordinator_FailureOnlyAffectsSameGroup(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g0, g1 := testutil.TestGroup(0), testutil.TestGroup(1)

	var r0, r1 testutil.JoinRecorder

	_, err := c.Join(g0, r0.Callback())
	require.NoError(t, err)
	_, err = c.Join(g1, r1.Callback())
	require.NoError(t, err)

	require.NoError(t, dir.CompleteJoin(g0, errors.New("timeout")))
	require.Equal(t, 1, r0.Count())
	assert.Equal(t, 0, r1.Count())
	testutil.AssertGroupState(t, c, g1, mcast.GroupConnecting, 0)

	require.NoError(t, dir.CompleteJoin(g1, nil))
	require.Equal(t, 1, r1.Count())
	assert.NoError(t, r1.Last().Err)
}

func TestCoordinator_CancelScheduledJoin(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g := testutil.TestGroup(0)

	var a, b testutil.JoinRecorder

	_, err := c.Join(g, a.Callback())
	require.NoError(t, err)
	reqB, err := c.Join(g, b.Callback())
	require.NoError(t, err)

	connected, err := c.CancelJoin(context.Background(), reqB)
	require.NoError(t, err)
	assert.False(t, connected)
	testutil.AssertDestroyed(t, reqB)

	require.NoError(t, dir.CompleteJoin(g, nil))
	assert.Equal(t, 1, a.Count())
	assert.Equal(t, 0, b.Count())
	testutil.AssertGroupState(t, c, g, mcast.GroupConnected, 1)
}

func TestCoordinator_CancelScheduledJoinDiscardsQueuedLeave(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g := testutil.TestGroup(0)

	_, err := c.Join(g, nil)
	require.NoError(t, err)
	reqB, err := c.Join(g, nil)
	require.NoError(t, err)

	var left testutil.LeaveRecorder

	require.NoError(t, c.Leave(reqB, left.Callback()))

	connected, err := c.CancelJoin(context.Background(), reqB)
	require.NoError(t, err)
	assert.False(t, connected)
	assert.Equal(t, 0, left.Count())
	testutil.AssertDestroyed(t, reqB)
	assert.Equal(t, 1, c.Snapshot().QueueDepth)

	require.NoError(t, dir.CompleteJoin(g, nil))
	assert.Equal(t, 0, left.Count())
	assert.Equal(t, 0, dir.SubmittedLeaves())
	testutil.AssertGroupState(t, c, g, mcast.GroupConnected, 1)
}

func TestCoordinator_CancelRunningJoin(t *testing.T) {
	tests := []struct {
		name      string
		status    error
		connected bool
	}{
		{name: "succeeds", status: nil, connected: true},
		{name: "fails", status: errors.New("rejected"), connected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, dir := newTestCoordinator(mcast.Options{})
			g := testutil.TestGroup(0)

			var rec testutil.JoinRecorder

			req, err := c.Join(g, rec.Callback())
			require.NoError(t, err)

			type result struct {
				connected bool
				err       error
			}

			done := make(chan result, 1)

			go func() {
				ok, err := c.CancelJoin(context.Background(), req)
				done <- result{ok, err}
			}()

			testutil.AssertNever(t, func() bool { return len(done) > 0 }, 20*time.Millisecond)

			require.NoError(t, dir.CompleteJoin(g, tt.status))

			select {
			case res := <-done:
				require.NoError(t, res.err)
				assert.Equal(t, tt.connected, res.connected)
			case <-time.After(testutil.Timeout):
				t.Fatal("CancelJoin did not return")
			}

			assert.Equal(t, 1, rec.Count())
			assert.Equal(t, !tt.connected, req.Destroyed())
		})
	}
}

func TestCoordinator_CancelRunningJoinContextExpires(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g := testutil.TestGroup(0)

	req, err := c.Join(g, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = c.CancelJoin(ctx, req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, dir.CompleteJoin(g, nil))
	testutil.AssertGroupState(t, c, g, mcast.GroupConnected, 1)
}

func TestCoordinator_CancelCompletedJoin(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g := testutil.TestGroup(0)

	req, err := c.Join(g, nil)
	require.NoError(t, err)
	require.NoError(t, dir.CompleteJoin(g, nil))

	connected, err := c.CancelJoin(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, connected)
	assert.False(t, req.Destroyed())

	require.NoError(t, c.Leave(req, nil))
	require.NoError(t, dir.CompleteLeave(g))
	testutil.AssertDestroyed(t, req)
}

func TestCoordinator_CancelFromJoinCallback(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g := testutil.TestGroup(0)

	var (
		connected bool
		cancelErr error
	)

	_, err := c.Join(g, func(req *mcast.Request, _ mcast.JoinResult) {
		connected, cancelErr = c.CancelJoin(context.Background(), req)
	})
	require.NoError(t, err)

	require.NoError(t, dir.CompleteJoin(g, nil))
	require.NoError(t, cancelErr)
	assert.True(t, connected)
}

func TestCoordinator_LeaveQueuedBehindRunningJoin(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g := testutil.TestGroup(0)

	var (
		joins  testutil.JoinRecorder
		leaves testutil.LeaveRecorder
	)

	req, err := c.Join(g, joins.Callback())
	require.NoError(t, err)
	require.NoError(t, c.Leave(req, leaves.Callback()))
	assert.Equal(t, 2, c.Snapshot().QueueDepth)
	assert.Equal(t, 0, dir.SubmittedLeaves())

	require.NoError(t, dir.CompleteJoin(g, nil))
	assert.Equal(t, 1, joins.Count())
	assert.Equal(t, 1, dir.SubmittedLeaves())
	assert.Equal(t, 0, leaves.Count())

	require.NoError(t, dir.CompleteLeave(g))
	assert.Equal(t, 1, leaves.Count())
	testutil.AssertDestroyed(t, req)
	testutil.AssertNoGroup(t, c, g)
}

func TestCoordinator_LeaveOfFailedJoinIsDropped(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g := testutil.TestGroup(0)

	var leaves testutil.LeaveRecorder

	_, err := c.Join(g, nil)
	require.NoError(t, err)
	reqB, err := c.Join(g, nil)
	require.NoError(t, err)
	require.NoError(t, c.Leave(reqB, leaves.Callback()))

	require.NoError(t, dir.CompleteJoin(g, errors.New("timeout")))

	assert.Equal(t, 1, leaves.Count())
	assert.Equal(t, 0, dir.SubmittedLeaves())
	testutil.AssertDestroyed(t, reqB)
	testutil.AssertNoGroup(t, c, g)
}

func TestCoordinator_LeaveErrors(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	other, _ := newTestCoordinator(mcast.Options{})
	g := testutil.TestGroup(0)

	assert.ErrorIs(t, c.Leave(nil, nil), mcast.ErrNotJoin)

	req, err := c.Join(g, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, other.Leave(req, nil), mcast.ErrNotJoin)

	require.NoError(t, c.Leave(req, nil))
	assert.ErrorIs(t, c.Leave(req, nil), mcast.ErrLeaveInProgress)

	require.NoError(t, dir.CompleteJoin(g, nil))
	require.NoError(t, dir.CompleteLeave(g))
	assert.ErrorIs(t, c.Leave(req, nil), mcast.ErrRequestReleased)

	failed, err := c.Join(g, nil)
	require.NoError(t, err)
	require.NoError(t, dir.CompleteJoin(g, errors.New("rejected")))
	assert.ErrorIs(t, c.Leave(failed, nil), mcast.ErrRequestReleased)
}

// A second leave on the same join while the first leave's callback is running
// must be rejected, while other callers can keep issuing requests.
func TestCoordinator_ConcurrentLeaveDuringSoftLeaveCallback(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g := testutil.TestGroup(0)

	reqA, err := c.Join(g, nil)
	require.NoError(t, err)
	require.NoError(t, dir.CompleteJoin(g, nil))
	reqB, err := c.Join(g, nil)
	require.NoError(t, err)
	testutil.AssertGroupState(t, c, g, mcast.GroupConnected, 2)

	entered := make(chan struct{})
	release := make(chan struct{})
	leaveReturned := make(chan error, 1)

	go func() {
		leaveReturned <- c.Leave(reqA, func(*mcast.Request) {
			close(entered)
			<-release
		})
	}()

	select {
	case <-entered:
	case <-time.After(testutil.Timeout):
		t.Fatal("soft leave callback did not run")
	}

	assert.ErrorIs(t, c.Leave(reqA, nil), mcast.ErrLeaveInProgress)

	var bLeft testutil.LeaveRecorder

	require.NoError(t, c.Leave(reqB, bLeft.Callback()))
	assert.Equal(t, 0, dir.SubmittedLeaves(), "leave must wait behind the running soft leave")

	reqC, err := c.Join(g, nil)
	require.NoError(t, err)
	assert.Equal(t, mcast.StateScheduled, reqC.State())

	close(release)
	require.NoError(t, <-leaveReturned)
	testutil.AssertDestroyed(t, reqA)

	// B was the last user ahead of C in the queue, so its leave reaches the directory.
	assert.Equal(t, 1, dir.SubmittedLeaves())
	assert.Equal(t, 0, bLeft.Count())
	testutil.AssertGroupState(t, c, g, mcast.GroupLeaving, 1)

	require.NoError(t, dir.CompleteLeave(g))
	assert.Equal(t, 1, bLeft.Count())
	testutil.AssertDestroyed(t, reqB)

	// C then starts a fresh join on the same node.
	assert.Equal(t, mcast.StateRunning, reqC.State())
	assert.Equal(t, 2, dir.SubmittedJoins())
	testutil.AssertGroupState(t, c, g, mcast.GroupConnecting, 0)
}

func TestCoordinator_JoinFromCallback(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g0, g1 := testutil.TestGroup(0), testutil.TestGroup(1)

	var (
		inner     *mcast.Request
		innerErr  error
		innerRecs testutil.JoinRecorder
	)

	_, err := c.Join(g0, func(*mcast.Request, mcast.JoinResult) {
		inner, innerErr = c.Join(g1, innerRecs.Callback())
	})
	require.NoError(t, err)

	require.NoError(t, dir.CompleteJoin(g0, nil))
	require.NoError(t, innerErr)
	require.NotNil(t, inner)
	assert.Equal(t, 2, dir.SubmittedJoins())

	require.NoError(t, dir.CompleteJoin(g1, nil))
	assert.Equal(t, 1, innerRecs.Count())
}

// Joins issued from callbacks that report a failed join wait behind the failed
// join and start only once its outcome has been fully delivered.
func TestCoordinator_JoinFromFailureCallback(t *testing.T) {
	tests := []struct {
		name          string
		wantSubmitted int
		trigger       func(t *testing.T, c *mcast.Coordinator, dir *mocks.MockDirectory, g mcast.GID, rejoin func())
	}{
		{
			name:          "scheduled waiter",
			wantSubmitted: 2,
			trigger: func(t *testing.T, c *mcast.Coordinator, dir *mocks.MockDirectory, g mcast.GID, rejoin func()) {
				_, err := c.Join(g, nil)
				require.NoError(t, err)
				_, err = c.Join(g, func(*mcast.Request, mcast.JoinResult) { rejoin() })
				require.NoError(t, err)

				require.NoError(t, dir.CompleteJoin(g, errors.New("timeout")))
			},
		},
		{
			name:          "queued leave of the failed join",
			wantSubmitted: 2,
			trigger: func(t *testing.T, c *mcast.Coordinator, dir *mocks.MockDirectory, g mcast.GID, rejoin func()) {
				req, err := c.Join(g, nil)
				require.NoError(t, err)
				require.NoError(t, c.Leave(req, func(*mcast.Request) { rejoin() }))

				require.NoError(t, dir.CompleteJoin(g, errors.New("timeout")))
			},
		},
		{
			name:          "synchronous submit failure",
			wantSubmitted: 1,
			trigger: func(t *testing.T, c *mcast.Coordinator, dir *mocks.MockDirectory, g mcast.GID, rejoin func()) {
				dir.SetSubmitError(errors.New("subnet administrator unreachable"))

				_, err := c.Join(g, func(*mcast.Request, mcast.JoinResult) {
					dir.SetSubmitError(nil)
					rejoin()
				})
				require.NoError(t, err)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, dir := newTestCoordinator(mcast.Options{})
			g0, g1 := testutil.TestGroup(0), testutil.TestGroup(1)

			var (
				inner      *mcast.Request
				innerErr   error
				innerState mcast.RequestState
				innerRecs  testutil.JoinRecorder
			)

			rejoin := func() {
				inner, innerErr = c.Join(g1, innerRecs.Callback())
				if innerErr == nil {
					innerState = inner.State()
				}
			}

			tt.trigger(t, c, dir, g0, rejoin)

			require.NoError(t, innerErr)
			require.NotNil(t, inner)
			assert.Equal(t, mcast.StateScheduled, innerState)

			testutil.AssertNoGroup(t, c, g0)
			testutil.AssertGroupState(t, c, g1, mcast.GroupConnecting, 0)
			assert.Equal(t, mcast.StateRunning, inner.State())
			assert.Equal(t, tt.wantSubmitted, dir.SubmittedJoins())
			assert.Equal(t, 1, dir.PendingJoins())
			assert.Equal(t, 1, dir.MaxInFlight())

			require.NoError(t, dir.CompleteJoin(g1, nil))
			require.Equal(t, 1, innerRecs.Count())
			assert.NoError(t, innerRecs.Last().Err)
			testutil.AssertGroupState(t, c, g1, mcast.GroupConnected, 1)
			assert.Equal(t, 0, c.Snapshot().QueueDepth)
		})
	}
}

func TestCoordinator_Limits(t *testing.T) {
	t.Run("max groups", func(t *testing.T) {
		c, _ := newTestCoordinator(mcast.Options{MaxGroups: 1})

		_, err := c.Join(testutil.TestGroup(0), nil)
		require.NoError(t, err)

		_, err = c.Join(testutil.TestGroup(1), nil)
		assert.ErrorIs(t, err, mcast.ErrInsufficientResources)

		_, err = c.Join(testutil.TestGroup(0), nil)
		assert.NoError(t, err)
	})

	t.Run("max requests", func(t *testing.T) {
		c, dir := newTestCoordinator(mcast.Options{MaxRequests: 2})
		g := testutil.TestGroup(0)

		_, err := c.Join(g, nil)
		require.NoError(t, err)
		req, err := c.Join(g, nil)
		require.NoError(t, err)

		_, err = c.Join(g, nil)
		assert.ErrorIs(t, err, mcast.ErrInsufficientResources)

		connected, err := c.CancelJoin(context.Background(), req)
		require.NoError(t, err)
		assert.False(t, connected)

		_, err = c.Join(g, nil)
		assert.NoError(t, err)
		assert.Equal(t, 1, dir.SubmittedJoins())
	})
}

func TestCoordinator_InvalidGroup(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})

	_, err := c.Join(mcast.MustParseGID("fe80::1"), nil)
	assert.ErrorIs(t, err, mcast.ErrInvalidGroup)
	assert.Equal(t, 0, dir.SubmittedJoins())
}

func TestCoordinator_CloseIdle(t *testing.T) {
	c, _ := newTestCoordinator(mcast.Options{})

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))

	_, err := c.Join(testutil.TestGroup(0), nil)
	assert.ErrorIs(t, err, mcast.ErrPortClosing)
	assert.True(t, c.Snapshot().Closing)
}

func TestCoordinator_CloseWaitsForOutstandingLeave(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g := testutil.TestGroup(0)

	var leaves testutil.LeaveRecorder

	req, err := c.Join(g, nil)
	require.NoError(t, err)
	require.NoError(t, dir.CompleteJoin(g, nil))
	require.NoError(t, c.Leave(req, leaves.Callback()))
	require.Equal(t, 1, dir.SubmittedLeaves())

	closed := make(chan error, 1)

	go func() {
		closed <- c.Close(context.Background())
	}()

	testutil.AssertNever(t, func() bool { return len(closed) > 0 }, 20*time.Millisecond)

	require.NoError(t, dir.CompleteLeave(g))

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(testutil.Timeout):
		t.Fatal("Close did not return after the leave completed")
	}

	assert.Equal(t, 1, leaves.Count())
	assert.Equal(t, 1, dir.SubmittedLeaves())
	testutil.AssertDestroyed(t, req)
}

func TestCoordinator_CloseDiscardsScheduledAndLeavesConnected(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g0, g1 := testutil.TestGroup(0), testutil.TestGroup(1)

	var running, scheduled testutil.JoinRecorder

	connected, err := c.Join(g1, nil)
	require.NoError(t, err)
	require.NoError(t, dir.CompleteJoin(g1, nil))

	reqA, err := c.Join(g0, running.Callback())
	require.NoError(t, err)
	reqB, err := c.Join(g0, scheduled.Callback())
	require.NoError(t, err)

	closed := make(chan error, 1)

	go func() {
		closed <- c.Close(context.Background())
	}()

	testutil.RequireEventually(t, func() bool { return reqB.Destroyed() }, testutil.Timeout)

	_, err = c.Join(g0, nil)
	assert.ErrorIs(t, err, mcast.ErrPortClosing)

	require.NoError(t, dir.CompleteJoin(g0, nil))
	assert.Equal(t, 1, running.Count())

	// Both connected groups get a final leave.
	require.True(t, dir.WaitPendingLeaves(1, testutil.Timeout))

	for dir.PendingLeaves() > 0 || dir.SubmittedLeaves() < 2 {
		for _, g := range []mcast.GID{g0, g1} {
			_ = dir.CompleteLeave(g)
		}

		time.Sleep(time.Millisecond)
	}

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(testutil.Timeout):
		t.Fatal("Close did not return")
	}

	assert.Equal(t, 0, scheduled.Count())
	testutil.AssertDestroyed(t, reqA)
	testutil.AssertDestroyed(t, connected)
	assert.Empty(t, c.Snapshot().Groups)
	assert.Equal(t, 0, dir.ActiveMemberships())
}

func TestCoordinator_CloseContextExpires(t *testing.T) {
	tests := []struct {
		name         string
		status       error
		wantLeaves   int
		wantReleased int
	}{
		{name: "late success is left", status: nil, wantLeaves: 1, wantReleased: 0},
		{name: "late failure is released", status: errors.New("timeout"), wantLeaves: 0, wantReleased: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, dir := newTestCoordinator(mcast.Options{})
			g := testutil.TestGroup(0)

			var rec testutil.JoinRecorder

			req, err := c.Join(g, rec.Callback())
			require.NoError(t, err)

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
			defer cancel()

			err = c.Close(ctx)
			assert.ErrorIs(t, err, context.DeadlineExceeded)

			require.Equal(t, 1, rec.Count())
			assert.ErrorIs(t, rec.Last().Err, mcast.ErrPortClosing)
			testutil.AssertDestroyed(t, req)
			assert.Empty(t, c.Snapshot().Groups)

			require.NoError(t, dir.CompleteJoin(g, tt.status))
			assert.Equal(t, 1, rec.Count())
			assert.Equal(t, tt.wantLeaves, dir.SubmittedLeaves())
			assert.Len(t, dir.ReleasedHandles(), tt.wantReleased)
			assert.Equal(t, 0, dir.ActiveMemberships())

			require.NoError(t, c.Close(context.Background()))
		})
	}
}

func TestCoordinator_CloseContextExpiresFinalizesPort(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g0, g1 := testutil.TestGroup(0), testutil.TestGroup(1)

	reqA, err := c.Join(g0, nil)
	require.NoError(t, err)
	require.NoError(t, dir.CompleteJoin(g0, nil))

	reqB, err := c.Join(g1, nil)
	require.NoError(t, err)
	require.NoError(t, dir.CompleteJoin(g1, nil))

	var left testutil.LeaveRecorder

	require.NoError(t, c.Leave(reqA, left.Callback()))
	require.Equal(t, 1, dir.PendingLeaves())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, c.Close(ctx), context.DeadlineExceeded)

	// The outstanding leave is reported and the still connected group gets
	// its final leave even though the wait was cut short.
	assert.Equal(t, 1, left.Count())
	assert.Equal(t, 2, dir.SubmittedLeaves())
	testutil.AssertDestroyed(t, reqA)
	testutil.AssertDestroyed(t, reqB)
	assert.Empty(t, c.Snapshot().Groups)

	require.NoError(t, dir.CompleteLeave(g0))
	require.NoError(t, dir.CompleteLeave(g1))
	assert.Equal(t, 1, left.Count())

	ctx2, cancel2 := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel2()

	require.NoError(t, c.Close(ctx2))

	_, err = c.Join(g0, nil)
	assert.ErrorIs(t, err, mcast.ErrPortClosing)
}

// When Close gives up while the queue head is inside its callback, the
// goroutine running that callback finalizes the port once it returns.
func TestCoordinator_CloseContextExpiresDuringCallback(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	g := testutil.TestGroup(0)

	entered := make(chan struct{})
	release := make(chan struct{})

	req, err := c.Join(g, func(*mcast.Request, mcast.JoinResult) {
		close(entered)
		<-release
	})
	require.NoError(t, err)

	completed := make(chan error, 1)

	go func() {
		completed <- dir.CompleteJoin(g, nil)
	}()

	select {
	case <-entered:
	case <-time.After(testutil.Timeout):
		t.Fatal("join callback did not run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, c.Close(ctx), context.DeadlineExceeded)
	assert.Equal(t, 0, dir.SubmittedLeaves())

	close(release)
	require.NoError(t, <-completed)

	assert.Equal(t, 1, dir.SubmittedLeaves())
	testutil.AssertDestroyed(t, req)
	assert.Empty(t, c.Snapshot().Groups)
	require.NoError(t, c.Close(context.Background()))
}

func TestCoordinator_Snapshot(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})

	for i := 0; i < 3; i++ {
		_, err := c.Join(testutil.TestGroup(i), nil)
		require.NoError(t, err)
	}

	require.NoError(t, dir.CompleteJoin(testutil.TestGroup(0), nil))

	snap := c.Snapshot()
	assert.Equal(t, testutil.TestPort(1), snap.Port)
	assert.Equal(t, 2, snap.QueueDepth)
	assert.Equal(t, 3, snap.Joins)
	require.Len(t, snap.Groups, 3)

	g := testutil.FindGroup(snap, testutil.TestGroup(0))
	require.NotNil(t, g)
	assert.Equal(t, mcast.GroupConnected, g.State)
	assert.Equal(t, 1, g.Connected)
	assert.NotZero(t, g.Record.MLID)

	g = testutil.FindGroup(snap, testutil.TestGroup(2))
	require.NotNil(t, g)
	assert.Equal(t, mcast.GroupIdle, g.State)
	assert.Equal(t, 1, g.Queued)
}

func TestCoordinator_ConcurrentChurn(t *testing.T) {
	c, dir := newTestCoordinator(mcast.Options{})
	dir.SetAutoComplete(true, 0)
	dir.SetJoinError(testutil.TestGroup(3), errors.New("rejected"))

	iterations := testutil.StressIterations()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		reqs []*mcast.Request
	)

	for i := 0; i < iterations; i++ {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			joined := make(chan mcast.JoinResult, 1)

			req, err := c.Join(testutil.TestGroup(n%4), func(_ *mcast.Request, res mcast.JoinResult) {
				joined <- res
			})
			if !assert.NoError(t, err) {
				return
			}

			mu.Lock()
			reqs = append(reqs, req)
			mu.Unlock()

			if n%3 == 0 {
				ok, err := c.CancelJoin(context.Background(), req)
				if !assert.NoError(t, err) || !ok {
					return
				}
			} else if res := <-joined; res.Err != nil {
				return
			}

			left := make(chan struct{})
			if !assert.NoError(t, c.Leave(req, func(*mcast.Request) { close(left) })) {
				return
			}

			select {
			case <-left:
			case <-time.After(testutil.Timeout):
				t.Error("leave did not complete")
			}
		}(i)
	}

	wg.Wait()

	testutil.RequireEventually(t, func() bool {
		snap := c.Snapshot()
		return snap.QueueDepth == 0 && len(snap.Groups) == 0
	}, testutil.Timeout)

	for _, req := range reqs {
		assert.True(t, req.Destroyed(), "request %s leaked", req.ID())
	}

	assert.Equal(t, 1, dir.MaxInFlight())
	assert.Equal(t, 0, dir.ActiveMemberships())
}
