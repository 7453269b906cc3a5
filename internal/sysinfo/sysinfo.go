// Package sysinfo samples resource usage of the relay process.
package sysinfo

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/process"
)

// Performance is the process resource snapshot reported by /api/status
type Performance struct {
	PID          int32   `json:"pid"`
	CPUPercent   float64 `json:"cpuPercent"`
	MemoryRSS    uint64  `json:"memoryRss"`
	MemoryVMS    uint64  `json:"memoryVms"`
	HeapAlloc    uint64  `json:"heapAlloc"`
	HeapSys      uint64  `json:"heapSys"`
	NumGC        uint32  `json:"numGc"`
	NumGoroutine int     `json:"numGoroutine"`
}

// Collect samples the current process. Go runtime figures are always
// filled; OS figures are best effort and the first error is returned
// alongside the partial snapshot.
func Collect(ctx context.Context) (*Performance, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	perf := &Performance{
		PID:          int32(os.Getpid()),
		HeapAlloc:    ms.HeapAlloc,
		HeapSys:      ms.HeapSys,
		NumGC:        ms.NumGC,
		NumGoroutine: runtime.NumGoroutine(),
	}

	proc, err := process.NewProcessWithContext(ctx, perf.PID)
	if err != nil {
		return perf, err
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return perf, err
	}
	perf.MemoryRSS = mem.RSS
	perf.MemoryVMS = mem.VMS

	cpu, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		return perf, err
	}
	perf.CPUPercent = cpu
	return perf, nil
}
