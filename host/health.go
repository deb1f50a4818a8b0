package host

import (
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/wislap/N.E.K.O-sub001/errors"
)

// ResourceSnapshot is a point-in-time process resource reading, grounded
// on pulse/async/system_metrics_linux.go's gopsutil-backed stats helper
// and generalized from host-wide memory stats to per-child-process
// CPU/RSS/thread-count sampling (spec §4.1 "liveness/health check").
type ResourceSnapshot struct {
	PID           int32
	CPUPercent    float64
	RSSBytes      uint64
	NumThreads    int32
	NumFDs        int32
	SampledAt     time.Time
}

// sampleResources reads a ResourceSnapshot for pid via gopsutil. It
// returns an error (rather than panicking) if the process has already
// exited, since a crashed child racing this call is an expected case, not
// a bug.
func sampleResources(pid int32) (ResourceSnapshot, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return ResourceSnapshot{}, errors.Wrapf(err, "failed to open process %d for sampling", pid)
	}

	snap := ResourceSnapshot{PID: pid, SampledAt: time.Now()}

	if cpu, err := proc.CPUPercent(); err == nil {
		snap.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		snap.RSSBytes = mem.RSS
	}
	if threads, err := proc.NumThreads(); err == nil {
		snap.NumThreads = threads
	}
	if fds, err := proc.NumFDs(); err == nil {
		snap.NumFDs = fds
	}
	return snap, nil
}

// Resources returns the live child process's current resource snapshot.
// Callers treat a non-nil error as "liveness check failed" (spec §7
// "Not-running / unhealthy").
func (h *PluginHost) Resources() (ResourceSnapshot, error) {
	h.mu.Lock()
	cmd := h.cmd
	h.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return ResourceSnapshot{}, errors.Newf("plugin %s: process not started", h.spawn.PluginID)
	}
	if !h.Alive() {
		return ResourceSnapshot{}, errors.Newf("plugin %s: not running", h.spawn.PluginID)
	}
	return sampleResources(int32(cmd.Process.Pid))
}
