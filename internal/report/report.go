// Package report writes per-machine sample series as CSV.
package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jeffypooo/fleetmon/internal/metrics"
)

var Header = []string{
	"timestamp",
	"cpu_percent",
	"memory_percent",
	"disk_percent",
	"network_bytes_sent",
	"network_bytes_recv",
}

type Writer struct {
	Dir string
}

// Path is where the report for the named machine is written.
func (w Writer) Path(machine string) string {
	return filepath.Join(w.Dir, FileName(machine))
}

func FileName(machine string) string {
	name := strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, machine)
	if name == "" || name == "." || name == ".." {
		name = "unknown"
	}
	return name + "_metrics.csv"
}

// Write stores samples in order and returns the file path.
func (w Writer) Write(machine string, samples []metrics.Sample) (string, error) {
	if w.Dir != "" {
		if err := os.MkdirAll(w.Dir, 0o755); err != nil {
			return "", fmt.Errorf("create report dir: %w", err)
		}
	}
	path := w.Path(machine)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create report: %w", err)
	}

	cw := csv.NewWriter(f)
	if err := cw.Write(Header); err != nil {
		f.Close()
		return "", fmt.Errorf("write report header: %w", err)
	}
	for _, s := range samples {
		if err := cw.Write(Row(s)); err != nil {
			f.Close()
			return "", fmt.Errorf("write report row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		f.Close()
		return "", fmt.Errorf("flush report: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close report: %w", err)
	}
	return path, nil
}

func Row(s metrics.Sample) []string {
	return []string{
		s.Timestamp,
		formatFloat(s.CpuPct),
		formatFloat(s.MemPct),
		formatFloat(s.DiskPct),
		formatFloat(s.BytesSent),
		formatFloat(s.BytesRecv),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
