package policy

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSampleCanaryIsDeterministicForSameRequestID(t *testing.T) {
	a := sampleCanary("req-123", 50)
	b := sampleCanary("req-123", 50)
	require.Equal(t, a, b)
}

func TestSampleCanaryZeroPercentNeverEnforces(t *testing.T) {
	for _, id := range []string{"a", "b", "c", "request-xyz"} {
		require.False(t, sampleCanary(id, 0))
	}
}

func TestSampleCanaryHundredPercentAlwaysEnforces(t *testing.T) {
	for _, id := range []string{"a", "b", "c", "request-xyz"} {
		require.True(t, sampleCanary(id, 100))
	}
}

func TestCanaryWindowRollsBackAtThreshold(t *testing.T) {
	w := newCanaryWindow(4, 0.5)
	require.False(t, w.record(true))
	require.False(t, w.record(false))
	require.False(t, w.record(true))
	require.True(t, w.record(true)) // 3/4 failures >= 0.5 threshold
}

func TestCanaryWindowClearResetsSamples(t *testing.T) {
	w := newCanaryWindow(2, 0.5)
	w.record(true)
	w.record(true)
	w.clear()
	require.False(t, w.record(false))
}
