package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/gommon/log"
	"golang.org/x/sync/errgroup"

	"github.com/jeffypooo/fleetmon/internal/config"
	"github.com/jeffypooo/fleetmon/internal/inventory"
	"github.com/jeffypooo/fleetmon/internal/logging"
	"github.com/jeffypooo/fleetmon/internal/metrics"
	"github.com/jeffypooo/fleetmon/internal/processor"
	"github.com/jeffypooo/fleetmon/internal/remote"
	"github.com/jeffypooo/fleetmon/internal/report"
	"github.com/jeffypooo/fleetmon/internal/status"
	"github.com/jeffypooo/fleetmon/internal/transfer"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	logger, closer, err := logging.New(cfg.Log, os.Stdout)
	if err != nil {
		log.Fatalf("Error creating logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Errorf("Unexpected error: %v", err)
		closer.Close()
		os.Exit(1)
	}
	closer.Close()
}

func run(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	table, err := inventory.Load(cfg.Inventory)
	if err != nil {
		return fmt.Errorf("error processing CSV: %w", err)
	}
	logger.Infof("Loaded %d machines from %s", len(table.Machines), cfg.Inventory)

	hub := status.NewHub()
	hub.Track(table)

	dialer := remote.NewDialer(remote.Config{
		Port:           cfg.SSH.Port,
		Timeout:        cfg.SSH.Timeout,
		KnownHostsPath: cfg.SSH.KnownHostsPath,
		UseAgent:       cfg.SSH.UseAgent,
	}, logger)

	uploader := transfer.NewFTPUploader(transfer.Config{
		Host:     cfg.FTP.Host,
		Port:     cfg.FTP.Port,
		User:     cfg.FTP.User,
		Password: cfg.FTP.Password,
		Dir:      cfg.FTP.Dir,
		Timeout:  cfg.FTP.Timeout,
	}, logger)

	proc := processor.New(processor.Deps{
		Connector:  sshConnector{dialer: dialer},
		Resolver:   remote.NewResolver(cfg.SSH.Timeout),
		NewSampler: samplerFactory(cfg),
		Reports:    report.Writer{Dir: cfg.ReportDir},
		Uploader:   uploader,
		Store:      inventory.Store{Path: cfg.Inventory},
	}, processor.Options{
		Worker: metrics.WorkerParams{
			Interval: cfg.Interval,
			Duration: cfg.Duration,
		},
		Observer: hub,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	runDone := make(chan struct{})

	g.Go(func() error {
		defer close(runDone)
		summarize(logger, proc.Run(gctx, table))
		return nil
	})

	if cfg.Status.Addr != "" {
		srv := status.NewServer(cfg.Status.Addr, hub, logger)
		g.Go(func() error {
			// a dead status page must not stop monitoring
			if err := srv.Start(); err != nil {
				logger.Errorf("status server: %v", err)
			}
			return nil
		})
		g.Go(func() error {
			<-runDone
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

type sshConnector struct {
	dialer *remote.Dialer
}

func (c sshConnector) Connect(ctx context.Context, m *inventory.Machine) (processor.Conn, error) {
	conn, err := c.dialer.Dial(ctx, m.Address, m.Username, m.Password)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func samplerFactory(cfg config.Config) processor.SamplerFactory {
	params := metrics.SamplerParams{CpuWindow: cfg.CpuWindow, DiskPath: cfg.DiskPath}
	if cfg.Sampler == config.SamplerLocal {
		local := metrics.NewLocalSampler(params)
		return func(processor.Conn) metrics.Sampler { return local }
	}
	return func(conn processor.Conn) metrics.Sampler {
		return metrics.NewRemoteSampler(conn, params)
	}
}

func summarize(logger *log.Logger, results []processor.Result) {
	var failed int
	for _, r := range results {
		if r.Err != nil {
			failed++
			logger.Warnf("%s (%s): %v", r.Address, r.Name, r.Err)
		}
	}
	logger.Infof("Run finished: %d machines processed, %d with errors", len(results), failed)
}
