package metrics

import (
	"bufio"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CommandRunner executes a shell command on a remote machine and returns its
// stdout.
type CommandRunner interface {
	Run(ctx context.Context, cmd string) ([]byte, error)
}

const probeSeparator = "@@fleetmon@@"

// RemoteSampler reads /proc and df on the far side of a CommandRunner. All
// readings come from one probe so a sample costs a single session.
type RemoteSampler struct {
	runner CommandRunner
	params SamplerParams
	now    func() time.Time
}

func NewRemoteSampler(runner CommandRunner, params SamplerParams) *RemoteSampler {
	return &RemoteSampler{
		runner: runner,
		params: params.withDefaults(),
		now:    time.Now,
	}
}

func (rs *RemoteSampler) probeScript() string {
	window := strconv.FormatFloat(rs.params.CpuWindow.Seconds(), 'f', -1, 64)
	sep := "echo " + probeSeparator
	return strings.Join([]string{
		"head -n1 /proc/stat",
		"sleep " + window,
		"head -n1 /proc/stat",
		sep,
		"cat /proc/meminfo",
		sep,
		"df -P " + shellQuote(rs.params.DiskPath),
		sep,
		"cat /proc/net/dev",
	}, "; ")
}

func (rs *RemoteSampler) Sample(ctx context.Context) (Sample, error) {
	taken := rs.now()

	out, err := rs.runner.Run(ctx, rs.probeScript())
	if err != nil {
		return Sample{}, fmt.Errorf("error running probe: %w", err)
	}

	sections := strings.Split(string(out), probeSeparator+"\n")
	if len(sections) != 4 {
		return Sample{}, fmt.Errorf("error parsing probe: expected 4 sections, got %d", len(sections))
	}

	cpuPct, err := parseCpuPercent(sections[0])
	if err != nil {
		return Sample{}, fmt.Errorf("error getting CPU usage: %w", err)
	}
	memPct, err := parseMemPercent(sections[1])
	if err != nil {
		return Sample{}, fmt.Errorf("error getting memory usage: %w", err)
	}
	diskPct, err := parseDiskPercent(sections[2])
	if err != nil {
		return Sample{}, fmt.Errorf("error getting disk usage: %w", err)
	}
	sent, recv, err := parseNetTotals(sections[3])
	if err != nil {
		return Sample{}, fmt.Errorf("error getting network usage: %w", err)
	}

	return Sample{
		Timestamp: stamp(taken),
		CpuPct:    cpuPct,
		MemPct:    memPct,
		DiskPct:   diskPct,
		BytesSent: float64(sent),
		BytesRecv: float64(recv),
	}, nil
}

type cpuTimes struct {
	idle, total uint64
}

func parseCpuLine(line string) (cpuTimes, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 || fields[0] != "cpu" {
		return cpuTimes{}, fmt.Errorf("unexpected /proc/stat line %q", line)
	}
	var t cpuTimes
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return cpuTimes{}, fmt.Errorf("parse /proc/stat field %q: %w", f, err)
		}
		// guest and guest_nice are already counted in user and nice
		if i >= 8 {
			break
		}
		t.total += v
		// idle + iowait
		if i == 3 || i == 4 {
			t.idle += v
		}
	}
	return t, nil
}

func parseCpuPercent(section string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(section), "\n")
	if len(lines) != 2 {
		return 0, fmt.Errorf("expected 2 /proc/stat readings, got %d", len(lines))
	}
	before, err := parseCpuLine(lines[0])
	if err != nil {
		return 0, err
	}
	after, err := parseCpuLine(lines[1])
	if err != nil {
		return 0, err
	}
	if after.total <= before.total {
		return 0, nil
	}
	total := float64(after.total - before.total)
	idle := float64(after.idle - before.idle)
	return clampPct((total - idle) / total * 100), nil
}

func parseMemPercent(section string) (float64, error) {
	var total, available uint64
	var haveAvailable bool
	scanner := bufio.NewScanner(strings.NewReader(section))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			total = v
		case "MemAvailable":
			available = v
			haveAvailable = true
		}
	}
	if total == 0 || !haveAvailable {
		return 0, fmt.Errorf("MemTotal/MemAvailable missing from /proc/meminfo")
	}
	return clampPct(float64(total-min(available, total)) / float64(total) * 100), nil
}

// parseDiskPercent reads POSIX df output. Used percent is used/(used+avail),
// matching what gopsutil reports for the local disk.
func parseDiskPercent(section string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(section), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("unexpected df output %q", section)
	}
	// long device names can wrap onto a second line
	fields := strings.Fields(strings.Join(lines[1:], " "))
	if len(fields) < 6 {
		return 0, fmt.Errorf("unexpected df row %q", lines[1])
	}
	used, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse df used: %w", err)
	}
	avail, err := strconv.ParseUint(fields[3], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse df available: %w", err)
	}
	if used+avail == 0 {
		return 0, nil
	}
	return clampPct(float64(used) / float64(used+avail) * 100), nil
}

func parseNetTotals(section string) (sent, recv uint64, err error) {
	scanner := bufio.NewScanner(strings.NewReader(section))
	seen := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		iface, rest, ok := strings.Cut(line, ":")
		if !ok {
			// header lines
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) < 16 {
			continue
		}
		seen++
		if strings.TrimSpace(iface) == "lo" {
			continue
		}
		rx, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse rx bytes for %s: %w", iface, err)
		}
		tx, err := strconv.ParseUint(fields[8], 10, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("parse tx bytes for %s: %w", iface, err)
		}
		recv += rx
		sent += tx
	}
	if seen == 0 {
		return 0, 0, fmt.Errorf("no interfaces in /proc/net/dev")
	}
	return sent, recv, nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func clampPct(v float64) float64 {
	return max(0, min(100, v))
}
