package metrics

import (
	"context"
	"errors"
	"io"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/labstack/gommon/log"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// After advances the clock immediately so the worker never really sleeps.
func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}

type scriptedSampler struct {
	results []error
	cpu     []float64
	calls   int
	onCall  func(n int)
}

func (s *scriptedSampler) Sample(ctx context.Context) (Sample, error) {
	i := s.calls
	s.calls++
	if s.onCall != nil {
		s.onCall(s.calls)
	}
	if i < len(s.results) && s.results[i] != nil {
		return Sample{}, s.results[i]
	}
	cpu := float64(i)
	if i < len(s.cpu) {
		cpu = s.cpu[i]
	}
	return Sample{
		Timestamp: "t",
		CpuPct:    cpu,
		MemPct:    cpu / 2,
		DiskPct:   50,
		BytesSent: float64(100 * (i + 1)),
		BytesRecv: float64(1000 * (i + 1)),
	}, nil
}

func quietLogger() *log.Logger {
	l := log.New("test")
	l.SetOutput(io.Discard)
	return l
}

func drain(ch <-chan Sample) []Sample {
	var out []Sample
	for s := range ch {
		out = append(out, s)
	}
	return out
}

func TestWorkerEmitsSamplesThenAverage(t *testing.T) {
	sampler := &scriptedSampler{cpu: []float64{10, 20, 30}}
	w := NewWorker(sampler, WorkerParams{Interval: 10 * time.Second, Duration: 30 * time.Second},
		quietLogger(), WithClock(newFakeClock()))

	got := drain(w.Stream(context.Background()))

	if len(got) != 4 {
		t.Fatalf("got %d samples, want 4: %+v", len(got), got)
	}
	for i, want := range []float64{10, 20, 30} {
		if got[i].CpuPct != want || got[i].IsAverage() {
			t.Errorf("sample %d = %+v, want cpu %v", i, got[i], want)
		}
	}
	avg := got[3]
	if !avg.IsAverage() {
		t.Fatalf("last sample is not the average: %+v", avg)
	}
	if math.Abs(avg.CpuPct-20) > 1e-9 {
		t.Errorf("average cpu = %v, want 20", avg.CpuPct)
	}
	if avg.BytesSent != 200 || avg.BytesRecv != 2000 {
		t.Errorf("average bytes = %v/%v, want 200/2000", avg.BytesSent, avg.BytesRecv)
	}
}

func TestWorkerNoSamplesNoAverage(t *testing.T) {
	boom := errors.New("boom")
	sampler := &scriptedSampler{results: []error{boom, boom, boom}}
	w := NewWorker(sampler, WorkerParams{Interval: 10 * time.Second, Duration: 30 * time.Second},
		quietLogger(), WithClock(newFakeClock()))

	got := drain(w.Stream(context.Background()))
	if len(got) != 0 {
		t.Fatalf("got %+v, want nothing", got)
	}
	if sampler.calls != 3 {
		t.Errorf("sampler called %d times, want 3", sampler.calls)
	}
}

func TestWorkerSkipsFailedTicks(t *testing.T) {
	sampler := &scriptedSampler{
		results: []error{nil, errors.New("transient"), nil},
		cpu:     []float64{10, 99, 30},
	}
	w := NewWorker(sampler, WorkerParams{Interval: time.Minute, Duration: 3 * time.Minute},
		quietLogger(), WithClock(newFakeClock()))

	got := drain(w.Stream(context.Background()))
	if len(got) != 3 {
		t.Fatalf("got %d samples, want 3", len(got))
	}
	if got[2].CpuPct != 20 {
		t.Errorf("average cpu = %v, want 20", got[2].CpuPct)
	}
}

func TestWorkerCancelKeepsCollectedSamples(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sampler := &scriptedSampler{cpu: []float64{40, 60}}
	sampler.onCall = func(n int) {
		if n == 2 {
			cancel()
		}
	}
	w := NewWorker(sampler, WorkerParams{Interval: time.Minute, Duration: time.Hour},
		quietLogger(), WithClock(newFakeClock()))

	got := drain(w.Stream(ctx))

	// cancel fires inside the second Sample call, which still succeeds
	// and must be delivered
	if len(got) != 3 {
		t.Fatalf("got %d samples, want 3: %+v", len(got), got)
	}
	if got[0].CpuPct != 40 || got[1].CpuPct != 60 {
		t.Errorf("samples out of order: %+v", got[:2])
	}
	if !got[2].IsAverage() || got[2].CpuPct != 50 {
		t.Errorf("average = %+v, want cpu 50", got[2])
	}
}

func TestWorkerCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sampler := &scriptedSampler{}
	w := NewWorker(sampler, WorkerParams{Interval: time.Second, Duration: time.Minute},
		quietLogger(), WithClock(newFakeClock()))

	if got := drain(w.Stream(ctx)); len(got) != 0 {
		t.Fatalf("got %+v, want nothing", got)
	}
	if sampler.calls != 0 {
		t.Errorf("sampler called %d times", sampler.calls)
	}
}

func TestSeriesCap(t *testing.T) {
	tests := []struct {
		params WorkerParams
		want   int
	}{
		{WorkerParams{Interval: 10 * time.Minute, Duration: 3 * time.Hour}, 19},
		{WorkerParams{Interval: 10 * time.Second, Duration: 25 * time.Second}, 4},
		{WorkerParams{Interval: time.Hour, Duration: time.Minute}, 2},
		{WorkerParams{}, 2},
	}
	for _, tt := range tests {
		if got := tt.params.seriesCap(); got != tt.want {
			t.Errorf("seriesCap(%+v) = %d, want %d", tt.params, got, tt.want)
		}
	}
}
