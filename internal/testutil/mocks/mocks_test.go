package mocks

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwi3910/ibmcast/internal/mcast"
)

var (
	testPort  = mcast.PortID{Device: "mlx5_0", Num: 1}
	testGroup = mcast.MustParseGID("ff12:401b:ffff::1")
)

// TestMockDirectory_ParkedCompletion verifies submissions wait for the test.
func TestMockDirectory_ParkedCompletion(t *testing.T) {
	dir := NewMockDirectory()

	var (
		gotErr error
		gotRec mcast.MemberRecord
		calls  int
	)

	h, err := dir.SubmitJoin(testPort, testGroup, func(err error, rec mcast.MemberRecord) {
		calls++
		gotErr = err
		gotRec = rec
	})
	require.NoError(t, err)
	assert.NotZero(t, h)
	assert.Equal(t, 1, dir.PendingJoins())
	assert.Equal(t, 0, calls)

	require.NoError(t, dir.CompleteJoin(testGroup, nil))
	assert.Equal(t, 1, calls)
	require.NoError(t, gotErr)
	assert.Equal(t, testGroup, gotRec.MGID)
	assert.NotZero(t, gotRec.MLID)
	assert.Equal(t, 1, dir.ActiveMemberships())

	left := false
	dir.SubmitLeave(h, func() { left = true })
	assert.Equal(t, 1, dir.PendingLeaves())
	assert.Equal(t, 0, dir.ActiveMemberships())

	require.NoError(t, dir.CompleteLeave(testGroup))
	assert.True(t, left)
}

// TestMockDirectory_ErrorInjection verifies synchronous submit failures.
func TestMockDirectory_ErrorInjection(t *testing.T) {
	dir := NewMockDirectory()
	expectedErr := errors.New("injected error")
	dir.SetSubmitError(expectedErr)

	_, err := dir.SubmitJoin(testPort, testGroup, func(error, mcast.MemberRecord) {
		t.Fatal("completion must not run for a rejected submission")
	})
	assert.Equal(t, expectedErr, err)
	assert.Equal(t, 0, dir.SubmittedJoins())

	dir.SetSubmitError(nil)
	_, err = dir.SubmitJoin(testPort, testGroup, func(error, mcast.MemberRecord) {})
	require.NoError(t, err)
	assert.Equal(t, 1, dir.SubmittedJoins())
}

func TestMockDirectory_NothingPending(t *testing.T) {
	dir := NewMockDirectory()

	assert.ErrorIs(t, dir.CompleteJoin(testGroup, nil), ErrNothingPending)
	assert.ErrorIs(t, dir.CompleteLeave(testGroup), ErrNothingPending)
}

func TestMockDirectory_AutoComplete(t *testing.T) {
	dir := NewMockDirectory()
	dir.SetAutoComplete(true, time.Millisecond)
	dir.SetJoinError(testGroup, errors.New("no such group"))

	results := make(chan error, 1)
	_, err := dir.SubmitJoin(testPort, testGroup, func(err error, _ mcast.MemberRecord) {
		results <- err
	})
	require.NoError(t, err)

	select {
	case err := <-results:
		assert.EqualError(t, err, "no such group")
	case <-time.After(time.Second):
		t.Fatal("auto-complete did not fire")
	}

	assert.Equal(t, 0, dir.PendingJoins())
}

func TestMockDirectory_ReleaseHandle(t *testing.T) {
	dir := NewMockDirectory()

	h, err := dir.SubmitJoin(testPort, testGroup, func(error, mcast.MemberRecord) {})
	require.NoError(t, err)
	require.NoError(t, dir.CompleteJoin(testGroup, errors.New("timeout")))

	dir.ReleaseHandle(h)
	assert.Equal(t, []mcast.Handle{h}, dir.ReleasedHandles())
	assert.Equal(t, 0, dir.ActiveMemberships())
}
