package diagnostics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckFreeDiskNoopWhenThresholdNotPositive(t *testing.T) {
	collector := NewSystemMetricsCollector()
	require.NoError(t, CheckFreeDisk(collector, 0))
	require.NoError(t, CheckFreeDisk(collector, -1))
}

func TestCheckFreeDiskFailsWhenThresholdUnreachable(t *testing.T) {
	collector := NewSystemMetricsCollector()
	// No real disk offers an exabyte of free space, so this threshold is
	// always exceeded regardless of the machine running the test.
	err := CheckFreeDisk(collector, 1<<50)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "low disk space")
}
