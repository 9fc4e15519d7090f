package metrics

import (
	"context"
	"time"

	"github.com/labstack/gommon/log"
)

// Clock abstracts wall time for the worker loop.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type WorkerParams struct {
	Interval time.Duration
	Duration time.Duration
}

// seriesCap bounds how many samples a worker can ever produce, average included.
func (p WorkerParams) seriesCap() int {
	if p.Interval <= 0 {
		return 2
	}
	n := p.Duration / p.Interval
	if p.Duration%p.Interval != 0 {
		n++
	}
	return int(max(n, 1)) + 1
}

type WorkerOption func(*Worker)

func WithClock(c Clock) WorkerOption {
	return func(w *Worker) { w.clock = c }
}

// Worker samples one machine on a fixed interval until its duration budget
// runs out or it is cancelled, then appends the series average.
type Worker struct {
	sampler Sampler
	params  WorkerParams
	clock   Clock
	log     *log.Logger
}

func NewWorker(sampler Sampler, params WorkerParams, logger *log.Logger, opts ...WorkerOption) *Worker {
	w := &Worker{
		sampler: sampler,
		params:  params,
		clock:   realClock{},
		log:     logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Stream starts the worker and returns its output. Samples arrive in the order
// they were taken and the average, if any, is last. The channel is closed when
// the worker finishes; cancelling ctx stops it after the current tick.
func (w *Worker) Stream(ctx context.Context) <-chan Sample {
	// sized for the whole series so the producer never waits on the consumer
	ch := make(chan Sample, w.params.seriesCap())
	go func() {
		defer close(ch)
		w.run(ctx, ch)
	}()
	return ch
}

func (w *Worker) run(ctx context.Context, out chan<- Sample) {
	start := w.clock.Now()
	var series []Sample

	for ctx.Err() == nil && w.clock.Now().Sub(start) < w.params.Duration {
		s, err := w.sampler.Sample(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			w.log.Debugf("sample interrupted: %v", err)
		case err != nil:
			w.log.Errorf("Error collecting metrics: %v", err)
		default:
			series = append(series, s)
			out <- s
		}

		select {
		case <-ctx.Done():
		case <-w.clock.After(w.params.Interval):
		}
	}

	if ctx.Err() != nil {
		w.log.Infof("monitoring stopped after %d samples", len(series))
	} else {
		w.log.Infof("monitoring window elapsed after %d samples", len(series))
	}

	if avg, ok := Average(series); ok {
		out <- avg
	}
}
