// Package daemon wires the GRPS runtime in the fixed bootstrap order: pid and
// version files, configs, logs, metrics aggregator, system monitor, executor,
// predict worker pool, then the transports. Any failure before the sockets
// bind is fatal.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/NetEase-Media/grps/internal/conf"
	"github.com/NetEase-Media/grps/internal/executor"
	"github.com/NetEase-Media/grps/internal/health"
	"github.com/NetEase-Media/grps/internal/infra/pool"
	"github.com/NetEase-Media/grps/internal/logger"
	"github.com/NetEase-Media/grps/internal/monitor"
	"github.com/NetEase-Media/grps/internal/server"
	"github.com/NetEase-Media/grps/internal/sysmon"
)

// Version is the GRPS release, written to the VERSION file at startup.
const Version = "v1.1.0"

const shutdownTimeout = 30 * time.Second

// Daemon owns every serving component for one process.
type Daemon struct {
	Conf    *conf.Conf
	Monitor *monitor.Monitor
	SysMon  *sysmon.SystemMonitor
	Exec    *executor.Executor
	Workers *pool.Pool
	Latch   *health.Latch

	httpSrv *server.HTTPServer
	rpcSrv  *server.RPCServer
}

// New builds a daemon from the configuration under workDir (the process
// working directory in production).
func New(workDir string) (*Daemon, error) {
	if err := dumpProcessFiles(workDir); err != nil {
		return nil, err
	}

	cfg, err := conf.Load(workDir)
	if err != nil {
		return nil, err
	}

	if err := logger.Setup(cfg.LogDir, cfg.Server.Log.LogBackupCount); err != nil {
		return nil, err
	}
	logger.Server().Infof("grps starting, version: %s", Version)

	mon := monitor.New(clock.New(), cfg.LogDir)
	mon.Start()
	seedMetrics(mon, cfg.Server.Gpu)

	sm, err := sysmon.New(clock.New(), mon, cfg.Server.Gpu, nil)
	if err != nil {
		mon.Stop()
		return nil, err
	}
	sm.Start()

	workers := pool.New(cfg.Server.MaxConcurrency)
	exec, err := executor.New(cfg, clock.New())
	if err != nil {
		sm.Stop()
		mon.Stop()
		workers.Stop()
		return nil, err
	}

	d := &Daemon{
		Conf:    cfg,
		Monitor: mon,
		SysMon:  sm,
		Exec:    exec,
		Workers: workers,
		Latch:   health.NewLatch(),
	}

	opts := server.Options{
		Conf:    cfg,
		Exec:    exec,
		Monitor: mon,
		Latch:   d.Latch,
		Workers: workers,
		Version: Version,
	}
	d.httpSrv = server.NewHTTPServer(opts)
	if cfg.RPCPort > 0 {
		d.rpcSrv = server.NewRPCServer(opts)
	}
	return d, nil
}

// Run serves both transports until a signal or the first transport failure,
// then shuts everything down in reverse bootstrap order.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(d.httpSrv.Start)
	if d.rpcSrv != nil {
		g.Go(d.rpcSrv.Start)
	}
	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			logger.Server().Infof("received signal %v, shutting down", sig)
		case <-ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := d.httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Server().Errorf("http shutdown: %v", err)
		}
		if d.rpcSrv != nil {
			d.rpcSrv.Stop()
		}
		return nil
	})

	err := g.Wait()
	d.stop()
	return err
}

func (d *Daemon) stop() {
	d.Exec.Stop()
	d.Workers.Stop()
	d.SysMon.Stop()
	d.Monitor.Stop()
	logger.Server().Infof("grps stopped")
}

// dumpProcessFiles writes the PID and VERSION files next to the process.
func dumpProcessFiles(workDir string) error {
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(filepath.Join(workDir, "PID"), []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workDir, "VERSION"), []byte(Version+"\n"), 0o644); err != nil {
		return fmt.Errorf("write VERSION file: %w", err)
	}
	return nil
}

// seedMetrics registers the well-known metric names with zero values so the
// dashboard shows every series from the first second.
func seedMetrics(mon *monitor.Monitor, gpu *conf.GpuConf) {
	mon.Inc(monitor.MetricQPS, 0)
	mon.Avg(monitor.MetricFailRate, 0)
	mon.Avg(monitor.MetricLatencyAvg, 0)
	mon.Max(monitor.MetricLatencyMax, 0)
	mon.CDF(monitor.MetricLatencyCDF, 0)
	mon.Inc(monitor.MetricGpuOOM, 0)
	mon.Avg(monitor.MetricCPUUsage, 0)
	mon.Avg(monitor.MetricMemUsage, 0)
	if gpu != nil {
		for _, dev := range gpu.Devices {
			mon.Avg(monitor.GpuUsageMetric(dev), 0)
			mon.Avg(monitor.GpuMemMetric(dev), 0)
		}
	}
}
