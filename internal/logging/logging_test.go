package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/labstack/gommon/log"

	"github.com/jeffypooo/fleetmon/internal/config"
)

func TestNewWritesFileAndConsole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitoring.log")
	var console bytes.Buffer

	l, closer, err := New(config.LogConfig{File: path, Level: "info", Format: "json"}, &console)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Infof("connected to %s", "10.0.0.1")
	l.Debugf("hidden")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	file, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(file, console.Bytes()) {
		t.Errorf("file and console differ:\n%s\n%s", file, console.Bytes())
	}

	lines := strings.Split(strings.TrimSpace(string(file)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines: %q", len(lines), file)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("line is not JSON: %v", err)
	}
	if entry["level"] != "INFO" || entry["message"] != "connected to 10.0.0.1" || entry["prefix"] != Prefix {
		t.Errorf("entry = %v", entry)
	}
	if entry["time"] == "" {
		t.Error("missing timestamp")
	}
}

func TestNewTextFormat(t *testing.T) {
	var console bytes.Buffer
	l, _, err := New(config.LogConfig{Level: "warn", Format: "text"}, &console)
	if err != nil {
		t.Fatal(err)
	}
	l.Info("skipped")
	l.Warnf("disk %d%%", 91)

	out := strings.TrimSpace(console.String())
	if strings.Contains(out, "skipped") {
		t.Errorf("info logged at warn level: %q", out)
	}
	if !strings.HasSuffix(out, "WARN fleetmon disk 91%") {
		t.Errorf("line = %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]log.Lvl{
		"debug":   log.DEBUG,
		"":        log.INFO,
		"WARNING": log.WARN,
		"error":   log.ERROR,
		"off":     log.OFF,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("verbose"); err == nil {
		t.Error("expected error")
	}
}

func TestNewBadFile(t *testing.T) {
	_, _, err := New(config.LogConfig{File: filepath.Join(t.TempDir(), "missing", "x.log")}, &bytes.Buffer{})
	if err == nil {
		t.Fatal("expected error")
	}
}
