package processor

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/gommon/log"

	"github.com/jeffypooo/fleetmon/internal/inventory"
	"github.com/jeffypooo/fleetmon/internal/metrics"
	"github.com/jeffypooo/fleetmon/internal/report"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

type fakeConn struct {
	addr   string
	closed bool
}

func (c *fakeConn) Run(ctx context.Context, cmd string) ([]byte, error) {
	return nil, errors.New("not supported")
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

type fakeConnector struct {
	fail  map[string]bool
	conns []*fakeConn
}

func (f *fakeConnector) Connect(ctx context.Context, m *inventory.Machine) (Conn, error) {
	if f.fail[m.Address] {
		return nil, errors.New("access denied")
	}
	c := &fakeConn{addr: m.Address}
	f.conns = append(f.conns, c)
	return c, nil
}

// cancellingConnector cancels the run while the dial is in flight.
type cancellingConnector struct {
	cancel context.CancelFunc
}

func (c cancellingConnector) Connect(ctx context.Context, m *inventory.Machine) (Conn, error) {
	c.cancel()
	return nil, ctx.Err()
}

type fakeResolver struct {
	names map[string]string
}

func (f fakeResolver) Resolve(ctx context.Context, addr string, runner metrics.CommandRunner) (string, error) {
	if n, ok := f.names[addr]; ok {
		return n, nil
	}
	return "", errors.New("nxdomain")
}

type cpuSampler struct {
	cpu   []float64
	calls int
	hook  func(call int)
}

func (s *cpuSampler) Sample(ctx context.Context) (metrics.Sample, error) {
	i := s.calls
	s.calls++
	if s.hook != nil {
		s.hook(s.calls)
	}
	if i >= len(s.cpu) {
		return metrics.Sample{}, errors.New("no more data")
	}
	return metrics.Sample{Timestamp: "ts", CpuPct: s.cpu[i], MemPct: 50, DiskPct: 20, BytesSent: 10, BytesRecv: 20}, nil
}

type fakeUploader struct {
	err     error
	paths   []string
	content map[string]string
}

func (u *fakeUploader) Upload(ctx context.Context, path string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	u.paths = append(u.paths, path)
	if u.err != nil {
		return u.err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if u.content == nil {
		u.content = map[string]string{}
	}
	u.content[filepath.Base(path)] = string(b)
	return nil
}

type recordingStore struct {
	inventory.Store
	saves []string
}

func (s *recordingStore) Save(t *inventory.Table) error {
	if err := s.Store.Save(t); err != nil {
		return err
	}
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return err
	}
	s.saves = append(s.saves, string(b))
	return nil
}

type harness struct {
	table     *inventory.Table
	store     *recordingStore
	connector *fakeConnector
	uploader  *fakeUploader
	samplers  []*cpuSampler
	reportDir string
	deps      Deps
	opts      Options
}

func newHarness(t *testing.T, rows string) *harness {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "machines.csv")
	if err := os.WriteFile(path, []byte("IP,username,password\n"+rows), 0o644); err != nil {
		t.Fatal(err)
	}
	table, err := inventory.Load(path)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		table:     table,
		store:     &recordingStore{Store: inventory.Store{Path: path}},
		connector: &fakeConnector{fail: map[string]bool{}},
		uploader:  &fakeUploader{},
		reportDir: filepath.Join(dir, "reports"),
	}
	h.deps = Deps{
		Connector: h.connector,
		Resolver:  fakeResolver{names: map[string]string{"10.0.0.1": "alpha", "10.0.0.2": "beta", "10.0.0.3": "gamma"}},
		NewSampler: func(conn Conn) metrics.Sampler {
			s := &cpuSampler{cpu: []float64{10, 20, 30}}
			h.samplers = append(h.samplers, s)
			return s
		},
		Reports:  report.Writer{Dir: h.reportDir},
		Uploader: h.uploader,
		Store:    h.store,
	}
	h.opts = Options{
		Worker: metrics.WorkerParams{Interval: 10 * time.Second, Duration: 30 * time.Second},
		Clock:  &fakeClock{now: time.Unix(0, 0)},
	}
	return h
}

func (h *harness) run(ctx context.Context) []Result {
	return New(h.deps, h.opts, quietLogger()).Run(ctx, h.table)
}

func quietLogger() *log.Logger {
	l := log.New("test")
	l.SetOutput(io.Discard)
	return l
}

func flag(b *bool) string {
	if b == nil {
		return "nil"
	}
	if *b {
		return "true"
	}
	return "false"
}

func TestRunHappyPath(t *testing.T) {
	h := newHarness(t, "10.0.0.1,admin,pw\n10.0.0.2,admin,pw\n")

	results := h.run(context.Background())

	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	for i, res := range results {
		if res.Err != nil {
			t.Errorf("machine %d: %v", i, res.Err)
		}
		if res.Samples != 3 || !res.Uploaded {
			t.Errorf("machine %d result = %+v", i, res)
		}
		if res.Average.CpuPct != 20 {
			t.Errorf("machine %d average cpu = %v", i, res.Average.CpuPct)
		}
		m := h.table.Machines[i]
		if flag(m.Connected) != "true" || flag(m.FileDeleted) != "true" {
			t.Errorf("machine %d flags = %s/%s", i, flag(m.Connected), flag(m.FileDeleted))
		}
		if _, err := os.Stat(res.ReportPath); !os.IsNotExist(err) {
			t.Errorf("report %s not deleted", res.ReportPath)
		}
	}

	rows, err := csv.NewReader(strings.NewReader(h.uploader.content["alpha_metrics.csv"])).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 5 {
		t.Fatalf("uploaded report has %d rows, want header+3+average", len(rows))
	}
	if rows[4][0] != metrics.AverageTimestamp || rows[4][1] != "20" {
		t.Errorf("last row = %v", rows[4])
	}
	for i, want := range []string{"10", "20", "30"} {
		if rows[i+1][1] != want {
			t.Errorf("row %d cpu = %s, want %s", i+1, rows[i+1][1], want)
		}
	}

	if len(h.store.saves) != 2 {
		t.Fatalf("table saved %d times, want once per machine", len(h.store.saves))
	}
	if !strings.Contains(h.store.saves[0], "10.0.0.1,admin,pw,True,True") ||
		!strings.Contains(h.store.saves[0], "10.0.0.2,admin,pw,,") {
		t.Errorf("first checkpoint = %q", h.store.saves[0])
	}
	for _, c := range h.connector.conns {
		if !c.closed {
			t.Errorf("connection to %s left open", c.addr)
		}
	}
}

func TestRunConnectionFailure(t *testing.T) {
	h := newHarness(t, "10.0.0.1,admin,pw\n10.0.0.2,admin,pw\n")
	h.connector.fail["10.0.0.1"] = true

	results := h.run(context.Background())

	if !errors.Is(results[0].Err, ErrConnection) {
		t.Errorf("err = %v, want ErrConnection", results[0].Err)
	}
	m := h.table.Machines[0]
	if flag(m.Connected) != "false" || m.FileDeleted != nil {
		t.Errorf("flags = %s/%s", flag(m.Connected), flag(m.FileDeleted))
	}
	if len(h.samplers) != 1 {
		t.Errorf("%d workers started, want only the second machine's", len(h.samplers))
	}
	if _, err := os.Stat(filepath.Join(h.reportDir, "alpha_metrics.csv")); !os.IsNotExist(err) {
		t.Error("report written for unreachable machine")
	}
	if len(h.store.saves) != 2 || !strings.Contains(h.store.saves[0], "10.0.0.1,admin,pw,False,") {
		t.Errorf("checkpoints = %q", h.store.saves)
	}
	if results[1].Err != nil || !results[1].Uploaded {
		t.Errorf("second machine = %+v", results[1])
	}
}

func TestRunRowWithoutAddress(t *testing.T) {
	h := newHarness(t, ",admin,pw\n10.0.0.2,admin,pw\n")

	results := h.run(context.Background())

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !errors.Is(results[0].Err, ErrConnection) {
		t.Errorf("err = %v, want ErrConnection", results[0].Err)
	}
	if flag(h.table.Machines[0].Connected) != "false" {
		t.Errorf("connected = %s", flag(h.table.Machines[0].Connected))
	}
	if len(h.connector.conns) != 1 || h.connector.conns[0].addr != "10.0.0.2" {
		t.Errorf("dialed %+v, want only 10.0.0.2", h.connector.conns)
	}
	if len(h.store.saves) != 2 || !strings.Contains(h.store.saves[1], "\n,admin,pw,False,\n") {
		t.Errorf("checkpoints = %q", h.store.saves)
	}
	if results[1].Err != nil || !results[1].Uploaded {
		t.Errorf("second machine = %+v", results[1])
	}
}

func TestRunCancelDuringConnectLeavesFlagUnset(t *testing.T) {
	h := newHarness(t, "10.0.0.1,admin,pw\n10.0.0.2,admin,pw\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.deps.Connector = cancellingConnector{cancel: cancel}

	results := h.run(ctx)

	if len(results) != 1 {
		t.Fatalf("processed %d machines after cancel, want 1", len(results))
	}
	if !errors.Is(results[0].Err, ErrConnection) || !errors.Is(results[0].Err, context.Canceled) {
		t.Errorf("err = %v", results[0].Err)
	}
	if c := h.table.Machines[0].Connected; c != nil {
		t.Errorf("connected = %s, want unset", flag(c))
	}
	if len(h.store.saves) != 1 || !strings.Contains(h.store.saves[0], "10.0.0.1,admin,pw,,\n") {
		t.Errorf("checkpoints = %q", h.store.saves)
	}
}

func TestRunTransferFailureKeepsReport(t *testing.T) {
	h := newHarness(t, "10.0.0.1,admin,pw\n")
	h.uploader.err = errors.New("connection refused")

	res := h.run(context.Background())[0]

	if !errors.Is(res.Err, ErrTransfer) {
		t.Fatalf("err = %v, want ErrTransfer", res.Err)
	}
	if _, err := os.Stat(res.ReportPath); err != nil {
		t.Errorf("local report missing: %v", err)
	}
	if m := h.table.Machines[0]; flag(m.Connected) != "true" || m.FileDeleted != nil {
		t.Errorf("flags = %s/%s", flag(m.Connected), flag(m.FileDeleted))
	}
}

func TestRunDeleteFailureIsNonFatal(t *testing.T) {
	h := newHarness(t, "10.0.0.1,admin,pw\n10.0.0.2,admin,pw\n")
	h.opts.Remove = func(path string) error {
		if strings.Contains(path, "alpha") {
			return errors.New("file in use")
		}
		return os.Remove(path)
	}

	results := h.run(context.Background())

	if !errors.Is(results[0].Err, ErrDelete) {
		t.Errorf("err = %v, want ErrDelete", results[0].Err)
	}
	if flag(h.table.Machines[0].FileDeleted) != "false" {
		t.Errorf("file deleted flag = %s", flag(h.table.Machines[0].FileDeleted))
	}
	if _, err := os.Stat(results[0].ReportPath); err != nil {
		t.Errorf("local report missing: %v", err)
	}
	if len(results) != 2 || results[1].Err != nil || flag(h.table.Machines[1].FileDeleted) != "true" {
		t.Errorf("run did not continue cleanly: %+v", results)
	}
}

func TestRunWriteFailureSkipsUpload(t *testing.T) {
	h := newHarness(t, "10.0.0.1,admin,pw\n")
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	h.deps.Reports = report.Writer{Dir: blocker}

	res := h.run(context.Background())[0]

	if !errors.Is(res.Err, ErrWrite) {
		t.Fatalf("err = %v, want ErrWrite", res.Err)
	}
	if len(h.uploader.paths) != 0 {
		t.Errorf("uploaded %v after failed write", h.uploader.paths)
	}
	if len(h.store.saves) != 1 {
		t.Errorf("table saved %d times", len(h.store.saves))
	}
}

func TestRunNameResolutionFallsBackToAddress(t *testing.T) {
	h := newHarness(t, "10.0.0.9:2222,admin,pw\n")

	res := h.run(context.Background())[0]

	if res.Err != nil {
		t.Fatalf("err = %v", res.Err)
	}
	if res.Name != "10.0.0.9" {
		t.Errorf("name = %q", res.Name)
	}
	if _, ok := h.uploader.content["10.0.0.9_metrics.csv"]; !ok {
		t.Errorf("uploaded %v", h.uploader.paths)
	}
}

func TestRunNoSamples(t *testing.T) {
	h := newHarness(t, "10.0.0.1,admin,pw\n")
	h.deps.NewSampler = func(conn Conn) metrics.Sampler { return &cpuSampler{} }

	res := h.run(context.Background())[0]

	if !errors.Is(res.Err, ErrSampleCollection) {
		t.Fatalf("err = %v, want ErrSampleCollection", res.Err)
	}
	rows, _ := csv.NewReader(strings.NewReader(h.uploader.content["alpha_metrics.csv"])).ReadAll()
	if len(rows) != 1 {
		t.Errorf("report rows = %v, want header only", rows)
	}
}

func TestRunCancelFinishesCurrentMachine(t *testing.T) {
	h := newHarness(t, "10.0.0.1,admin,pw\n10.0.0.2,admin,pw\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.opts.Worker.Duration = time.Hour
	h.deps.NewSampler = func(conn Conn) metrics.Sampler {
		s := &cpuSampler{cpu: []float64{10, 30, 99}, hook: func(call int) {
			if call == 2 {
				cancel()
			}
		}}
		h.samplers = append(h.samplers, s)
		return s
	}

	results := h.run(ctx)

	if len(results) != 1 {
		t.Fatalf("processed %d machines after cancel, want 1", len(results))
	}
	res := results[0]
	if res.Err != nil || !res.Uploaded || res.Samples != 2 || res.Average.CpuPct != 20 {
		t.Errorf("result = %+v", res)
	}
	if h.table.Machines[1].Connected != nil {
		t.Error("second machine was touched")
	}
	if len(h.store.saves) != 1 {
		t.Errorf("table saved %d times", len(h.store.saves))
	}
}
