// Package testutil provides testing utilities shared by ibmcast unit tests.
//
// Usage:
//
//	import (
//		"github.com/piwi3910/ibmcast/internal/testutil"
//		"github.com/piwi3910/ibmcast/internal/testutil/mocks"
//		"github.com/stretchr/testify/require"
//	)
//
//	func TestSomething(t *testing.T) {
//		dir := mocks.NewMockDirectory()
//		c := mcast.NewCoordinator(testutil.TestPort(1), dir, mcast.Options{})
//
//		var joins testutil.JoinRecorder
//		_, err := c.Join(testutil.TestGroup(0), joins.Callback())
//		require.NoError(t, err)
//		require.NoError(t, dir.CompleteJoin(testutil.TestGroup(0), nil))
//	}
package testutil

import (
	"os"
	"strconv"
	"time"
)

// GetEnvOrDefault returns the environment variable value or a default if not set.
func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}

	return defaultValue
}

// StressIterations returns the iteration count for concurrency tests,
// overridable with IBMCAST_STRESS_ITERATIONS.
func StressIterations() int {
	n, err := strconv.Atoi(GetEnvOrDefault("IBMCAST_STRESS_ITERATIONS", "200"))
	if err != nil || n <= 0 {
		return 200
	}

	return n
}

// Timeout is the default wait used by asynchronous assertions.
const Timeout = 5 * time.Second
