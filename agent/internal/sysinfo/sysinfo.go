// Package sysinfo gathers the host facts an agent declares at registration
// and the process gauges it attaches to heartbeats.
package sysinfo

import (
	"context"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Capabilities returns capability hints for REGISTER. Host facts that cannot
// be read are omitted. Tags are copied under "tags" and the workload list
// under "workloads".
func Capabilities(ctx context.Context, version string, workloads []string, tags map[string]string) map[string]any {
	caps := map[string]any{
		"version":    version,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"num_cpu":    runtime.NumCPU(),
	}

	if info, err := host.InfoWithContext(ctx); err == nil {
		caps["hostname"] = info.Hostname
		caps["platform"] = info.Platform
		caps["platform_version"] = info.PlatformVersion
		caps["kernel_version"] = info.KernelVersion
	} else if name, err := os.Hostname(); err == nil {
		caps["hostname"] = name
	}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil && n > 0 {
		caps["physical_cores"] = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		caps["memory_total_mb"] = vm.Total / (1024 * 1024)
	}

	if len(workloads) > 0 {
		list := make([]any, len(workloads))
		for i, w := range workloads {
			list[i] = w
		}
		caps["workloads"] = list
	}
	if len(tags) > 0 {
		t := make(map[string]any, len(tags))
		for k, v := range tags {
			t[k] = v
		}
		caps["tags"] = t
	}
	return caps
}

// ProcessGauges returns the agent's own resource usage. Gauges that cannot
// be read are omitted.
func ProcessGauges(ctx context.Context) map[string]float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	gauges := map[string]float64{
		"agent_goroutines": float64(runtime.NumGoroutine()),
		"agent_heap_mb":    float64(m.Alloc) / (1024 * 1024),
	}

	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return gauges
	}
	if pct, err := proc.CPUPercentWithContext(ctx); err == nil {
		gauges["agent_cpu_pct"] = pct
	}
	if info, err := proc.MemoryInfoWithContext(ctx); err == nil {
		gauges["agent_rss_mb"] = float64(info.RSS) / (1024 * 1024)
	}
	return gauges
}
