package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// Sampler takes one point-in-time snapshot of a machine.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

type SamplerParams struct {
	// CpuWindow is how long CPU utilization is measured for. Sample blocks for
	// at least this long.
	CpuWindow time.Duration
	DiskPath  string
}

func (p SamplerParams) withDefaults() SamplerParams {
	if p.CpuWindow <= 0 {
		p.CpuWindow = time.Second
	}
	if p.DiskPath == "" {
		p.DiskPath = "/"
	}
	return p
}

// LocalSampler samples the machine this process runs on.
type LocalSampler struct {
	mu     sync.Mutex
	params SamplerParams
	now    func() time.Time
}

func NewLocalSampler(params SamplerParams) *LocalSampler {
	return &LocalSampler{
		params: params.withDefaults(),
		now:    time.Now,
	}
}

// Sample gets the metrics for the system. It is thread-safe.
func (ls *LocalSampler) Sample(ctx context.Context) (Sample, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	taken := ls.now()

	cpuUsage, err := cpu.PercentWithContext(ctx, ls.params.CpuWindow, false)
	if err != nil {
		return Sample{}, fmt.Errorf("error getting CPU usage: %w", err)
	}
	if len(cpuUsage) == 0 {
		return Sample{}, fmt.Errorf("error getting CPU usage: no data")
	}

	memUsage, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("error getting memory usage: %w", err)
	}

	diskUsage, err := disk.UsageWithContext(ctx, ls.params.DiskPath)
	if err != nil {
		return Sample{}, fmt.Errorf("error getting disk usage: %w", err)
	}

	netStats, err := net.IOCountersWithContext(ctx, false) // false = aggregated
	if err != nil {
		return Sample{}, fmt.Errorf("error getting network usage: %w", err)
	}
	if len(netStats) == 0 {
		return Sample{}, fmt.Errorf("error getting network usage: no interfaces")
	}

	return Sample{
		Timestamp: stamp(taken),
		CpuPct:    cpuUsage[0],
		MemPct:    memUsage.UsedPercent,
		DiskPct:   diskUsage.UsedPercent,
		BytesSent: float64(netStats[0].BytesSent),
		BytesRecv: float64(netStats[0].BytesRecv),
	}, nil
}
