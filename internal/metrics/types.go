package metrics

import "time"

const (
	// AverageTimestamp marks the synthetic trailing sample of a series.
	AverageTimestamp = "AVERAGE"
	TimestampLayout  = "2006-01-02 15:04:05"
)

type Sample struct {
	Timestamp string  `json:"timestamp"`
	CpuPct    float64 `json:"cpu_percent"`
	MemPct    float64 `json:"memory_percent"`
	DiskPct   float64 `json:"disk_percent"`
	BytesSent float64 `json:"network_bytes_sent"`
	BytesRecv float64 `json:"network_bytes_recv"`
}

func (s Sample) IsAverage() bool {
	return s.Timestamp == AverageTimestamp
}

func stamp(t time.Time) string {
	return t.Format(TimestampLayout)
}

// Average returns the arithmetic mean of every real sample in series. ok is
// false for an empty series.
func Average(series []Sample) (avg Sample, ok bool) {
	var cpu, mem, disk, sent, recv float64
	n := 0
	for _, s := range series {
		if s.IsAverage() {
			continue
		}
		cpu += s.CpuPct
		mem += s.MemPct
		disk += s.DiskPct
		sent += s.BytesSent
		recv += s.BytesRecv
		n++
	}
	if n == 0 {
		return Sample{}, false
	}
	count := float64(n)
	return Sample{
		Timestamp: AverageTimestamp,
		CpuPct:    cpu / count,
		MemPct:    mem / count,
		DiskPct:   disk / count,
		BytesSent: sent / count,
		BytesRecv: recv / count,
	}, true
}
