package diagnostics

import "fmt"

// CheckFreeDisk reports an error when the root filesystem's free space
// (sampled through collector, the same SystemMetricsCollector the resource
// monitor ticks on) falls below minFreeMB. The Worker Dispatcher uses this
// as a Preflight before spawning a new wave, since a worktree checkout or a
// merge can fail partway through on a full disk.
func CheckFreeDisk(collector *SystemMetricsCollector, minFreeMB int64) error {
	if minFreeMB <= 0 {
		return nil
	}
	stats := collector.Collect()
	freeMB := (stats.DiskTotalGB - stats.DiskUsedGB) * 1024
	if freeMB < float64(minFreeMB) {
		return fmt.Errorf("low disk space: %.0fMB free, need %dMB", freeMB, minFreeMB)
	}
	return nil
}
