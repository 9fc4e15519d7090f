// Package processor walks the machine inventory: connect, monitor, report,
// upload, checkpoint. Machines are handled one at a time and no failure on one
// machine stops the run.
package processor

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/labstack/gommon/log"

	"github.com/jeffypooo/fleetmon/internal/inventory"
	"github.com/jeffypooo/fleetmon/internal/metrics"
)

// Conn is an open connection to a monitored machine.
type Conn interface {
	metrics.CommandRunner
	Close() error
}

type Connector interface {
	Connect(ctx context.Context, m *inventory.Machine) (Conn, error)
}

type Resolver interface {
	Resolve(ctx context.Context, addr string, runner metrics.CommandRunner) (string, error)
}

// SamplerFactory builds the sampler used for one machine.
type SamplerFactory func(conn Conn) metrics.Sampler

type ReportWriter interface {
	Write(machine string, samples []metrics.Sample) (string, error)
}

type Uploader interface {
	Upload(ctx context.Context, path string) error
}

type TableStore interface {
	Save(t *inventory.Table) error
}

// Observer is told about progress as it happens.
type Observer interface {
	MachineStarted(m *inventory.Machine)
	SampleDrained(addr string, s metrics.Sample)
	MachineFinished(r Result)
}

type nopObserver struct{}

func (nopObserver) MachineStarted(*inventory.Machine)    {}
func (nopObserver) SampleDrained(string, metrics.Sample) {}
func (nopObserver) MachineFinished(Result)               {}

type Deps struct {
	Connector  Connector
	Resolver   Resolver
	NewSampler SamplerFactory
	Reports    ReportWriter
	Uploader   Uploader
	Store      TableStore
}

type Options struct {
	Worker metrics.WorkerParams
	// Clock drives the worker loop. Nil means wall time.
	Clock metrics.Clock
	// Remove deletes an uploaded report. Nil means os.Remove.
	Remove   func(path string) error
	Observer Observer
}

// Result is the outcome of one machine. Err wraps one of the package's
// sentinel errors when a step failed.
type Result struct {
	Address    string         `json:"address"`
	Name       string         `json:"name"`
	Samples    int            `json:"samples"`
	Average    metrics.Sample `json:"average"`
	ReportPath string         `json:"report_path"`
	Uploaded   bool           `json:"uploaded"`
	Err        error          `json:"-"`
}

type Processor struct {
	deps     Deps
	opts     Options
	remove   func(string) error
	observer Observer
	log      *log.Logger
}

func New(deps Deps, opts Options, logger *log.Logger) *Processor {
	p := &Processor{
		deps:     deps,
		opts:     opts,
		remove:   opts.Remove,
		observer: opts.Observer,
		log:      logger,
	}
	if p.remove == nil {
		p.remove = os.Remove
	}
	if p.observer == nil {
		p.observer = nopObserver{}
	}
	return p
}

// Run processes every machine in table order and saves the table after each
// one. Once ctx is cancelled the machine in progress is finished with what it
// has collected and the remaining machines are left untouched.
func (p *Processor) Run(ctx context.Context, table *inventory.Table) []Result {
	results := make([]Result, 0, len(table.Machines))
	for i, m := range table.Machines {
		if ctx.Err() != nil {
			p.log.Infof("Run cancelled, %d machines not processed", len(table.Machines)-i)
			break
		}
		p.log.Infof("Processing %s (%d/%d)", m, i+1, len(table.Machines))

		res := p.processMachine(ctx, m)
		if err := p.deps.Store.Save(table); err != nil {
			p.log.Errorf("Error updating machine table: %v", err)
		}
		p.observer.MachineFinished(res)
		results = append(results, res)
	}
	return results
}

func (p *Processor) processMachine(ctx context.Context, m *inventory.Machine) (res Result) {
	res.Address = m.Address
	m.FileDeleted = nil
	p.observer.MachineStarted(m)

	if m.Address == "" {
		m.Connected = inventory.Bool(false)
		res.Err = fmt.Errorf("%w: row has no %s", ErrConnection, inventory.ColAddress)
		p.log.Errorf("Skipping %s: no address", m)
		return res
	}

	conn, err := p.deps.Connector.Connect(ctx, m)
	if err != nil {
		res.Err = fmt.Errorf("%w: %s: %w", ErrConnection, m.Address, err)
		if ctx.Err() != nil {
			// interrupted, so nothing is known about the machine
			m.Connected = nil
			p.log.Infof("Connecting to %s interrupted: %v", m.Address, err)
			return res
		}
		m.Connected = inventory.Bool(false)
		p.log.Errorf("Failed to connect to %s: %v", m.Address, err)
		return res
	}
	m.Connected = inventory.Bool(true)
	defer func() {
		if err := conn.Close(); err != nil {
			p.log.Debugf("closing connection to %s: %v", m.Address, err)
		}
	}()

	name, err := p.deps.Resolver.Resolve(ctx, m.Address, conn)
	if err != nil {
		name = fallbackName(m.Address)
		p.log.Warnf("%v, using %q", fmt.Errorf("%w: %w", ErrNameResolution, err), name)
	}
	res.Name = name
	p.log.Infof("Successfully connected to %s (%s)", m.Address, name)

	data := p.collect(ctx, m.Address, conn)
	for _, s := range data {
		if s.IsAverage() {
			res.Average = s
		} else {
			res.Samples++
		}
	}

	// the collected series is kept even when the run is being cancelled
	ctx = context.WithoutCancel(ctx)

	path, err := p.deps.Reports.Write(name, data)
	if err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrWrite, err)
		p.log.Errorf("Error saving CSV for %s: %v", m.Address, err)
		return res
	}
	res.ReportPath = path
	p.log.Infof("Data saved to %s", path)

	if err := p.deps.Uploader.Upload(ctx, path); err != nil {
		res.Err = fmt.Errorf("%w: %w", ErrTransfer, err)
		p.log.Errorf("FTP upload of %s failed: %v", path, err)
		return res
	}
	res.Uploaded = true
	p.log.Infof("Successfully uploaded %s to FTP server", path)

	if err := p.remove(path); err != nil {
		m.FileDeleted = inventory.Bool(false)
		res.Err = fmt.Errorf("%w: %w", ErrDelete, err)
		p.log.Errorf("Error deleting file %s: %v", path, err)
		return res
	}
	m.FileDeleted = inventory.Bool(true)
	p.log.Infof("Deleted local file: %s", path)

	if res.Samples == 0 {
		res.Err = ErrSampleCollection
		p.log.Warnf("%s: %v", m.Address, ErrSampleCollection)
	}
	return res
}

// collect runs one worker against conn and drains it until it closes.
func (p *Processor) collect(ctx context.Context, addr string, conn Conn) []metrics.Sample {
	var opts []metrics.WorkerOption
	if p.opts.Clock != nil {
		opts = append(opts, metrics.WithClock(p.opts.Clock))
	}
	worker := metrics.NewWorker(p.deps.NewSampler(conn), p.opts.Worker, p.log, opts...)

	var data []metrics.Sample
	for s := range worker.Stream(ctx) {
		data = append(data, s)
		p.observer.SampleDrained(addr, s)
	}
	return data
}

func fallbackName(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
