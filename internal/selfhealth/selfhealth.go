// Package selfhealth reports the backbone process's own CPU and memory
// footprint for the /status endpoint. Repurposed from the teacher's
// internal/monitor/process.go CPU-sampling (originally used to decide
// whether a *watched agent* process was churning, via raw /proc/<pid>/stat
// tick math) into a portable self-check of the backbone's own process via
// github.com/shirou/gopsutil/v3 — an ambient dependency the teacher already
// carries but never wires into the server's own health surface.
package selfhealth

import (
	"os"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
)

// Sample is a point-in-time reading of the backbone process's own resource
// usage, surfaced as /status's `process` field.
type Sample struct {
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
}

// Reporter caches a gopsutil process handle for the running process so
// repeated calls to Sample don't re-resolve the PID each time.
type Reporter struct {
	mu   sync.Mutex
	proc *process.Process
}

// New constructs a Reporter bound to the current process. err is non-nil
// only if gopsutil cannot resolve the current PID (exotic sandboxing); a nil
// Reporter is safe to call Sample on and simply returns a zero Sample.
func New() (*Reporter, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, err
	}
	return &Reporter{proc: p}, nil
}

// Sample reports the current CPU percent (since the previous call; gopsutil
// tracks the delta internally) and resident set size. Errors reading either
// metric yield a zero value for that field rather than failing the whole
// sample — /status should degrade gracefully, not 500, on a transient
// /proc read failure.
func (r *Reporter) Sample() Sample {
	if r == nil || r.proc == nil {
		return Sample{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Sample
	if pct, err := r.proc.CPUPercent(); err == nil {
		s.CPUPercent = pct
	}
	if info, err := r.proc.MemoryInfo(); err == nil && info != nil {
		s.RSSBytes = info.RSS
	}
	return s
}
