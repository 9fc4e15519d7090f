// Package inventory reads and checkpoints the machine table.
package inventory

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	ColAddress     = "IP"
	ColUsername    = "username"
	ColPassword    = "password"
	ColConnected   = "is_connected_succeed"
	ColFileDeleted = "is_file_deleted"
)

var ErrMissingColumn = errors.New("missing required column")

// Machine is one row of the table. Connected and FileDeleted stay nil until
// the processor sets them. Address may be empty; such rows are kept so a
// rewrite returns them unchanged.
type Machine struct {
	Address     string
	Username    string
	Password    string
	Connected   *bool
	FileDeleted *bool

	extra map[string]string
}

// String omits the password.
func (m Machine) String() string {
	return fmt.Sprintf("Machine(ip=%q, username=%q)", m.Address, m.Username)
}

// Table keeps column order and any columns this package does not know about
// so a rewrite does not lose them.
type Table struct {
	Machines []*Machine
	extras   []string
}

func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open inventory: %w", err)
	}
	defer f.Close()
	t, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("read inventory %s: %w", path, err)
	}
	return t, nil
}

func Read(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	for _, col := range []string{ColAddress, ColUsername, ColPassword} {
		if _, ok := index[col]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingColumn, col)
		}
	}

	t := &Table{}
	for _, h := range header {
		h = strings.TrimSpace(h)
		switch h {
		case ColAddress, ColUsername, ColPassword, ColConnected, ColFileDeleted:
		default:
			t.extras = append(t.extras, h)
		}
	}

	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		cell := func(col string) string {
			i, ok := index[col]
			if !ok || i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		m := &Machine{
			Address:  cell(ColAddress),
			Username: cell(ColUsername),
			Password: cell(ColPassword),
		}
		if m.Connected, err = parseFlag(cell(ColConnected)); err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", line, ColConnected, err)
		}
		if m.FileDeleted, err = parseFlag(cell(ColFileDeleted)); err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", line, ColFileDeleted, err)
		}
		if len(t.extras) > 0 {
			m.extra = make(map[string]string, len(t.extras))
			for _, col := range t.extras {
				m.extra[col] = cell(col)
			}
		}
		t.Machines = append(t.Machines, m)
	}
	return t, nil
}

func (t *Table) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := append([]string{ColAddress, ColUsername, ColPassword}, t.extras...)
	header = append(header, ColConnected, ColFileDeleted)
	if err := cw.Write(header); err != nil {
		return err
	}
	for _, m := range t.Machines {
		row := []string{m.Address, m.Username, m.Password}
		for _, col := range t.extras {
			row = append(row, m.extra[col])
		}
		row = append(row, formatFlag(m.Connected), formatFlag(m.FileDeleted))
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Store persists a table to a single file.
type Store struct {
	Path string
}

// Save replaces the file atomically so a crash mid-write leaves the previous
// checkpoint intact. An existing file keeps its permissions; a new one is
// created 0600.
func (s Store) Save(t *Table) error {
	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".*")
	if err != nil {
		return fmt.Errorf("create temp inventory: %w", err)
	}
	defer os.Remove(tmp.Name())

	if fi, err := os.Stat(s.Path); err == nil {
		if err := tmp.Chmod(fi.Mode().Perm()); err != nil {
			tmp.Close()
			return fmt.Errorf("chmod inventory: %w", err)
		}
	}

	if err := t.Write(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("write inventory: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close inventory: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("replace inventory: %w", err)
	}
	return nil
}

func Bool(v bool) *bool { return &v }

func parseFlag(s string) (*bool, error) {
	if s == "" || strings.EqualFold(s, "nan") {
		return nil, nil
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// formatFlag writes booleans the way pandas does so existing tooling keeps
// reading the file.
func formatFlag(v *bool) string {
	switch {
	case v == nil:
		return ""
	case *v:
		return "True"
	default:
		return "False"
	}
}
