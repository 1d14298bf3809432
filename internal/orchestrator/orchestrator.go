// Package orchestrator wires the daemon's components together (C7) and
// owns the bootstrap and shutdown ordering.
//
// Shutdown order matches spec.md §5 exactly: stop the ingestor so no
// new work is submitted, drain and stop the work queue so in-flight
// scans complete, emit a final IPC status broadcast and close the IPC
// listener, then flush the quarantine store and close the history store,
// and finally release the PID lock. The metrics listener stops on the
// same context cancellation that stops the ingestor; the scanner holds
// no connection between scans and has nothing to close. Grounded on the
// teacher's daemon.Run bootstrap sequence (EnsureDirs → PID lock →
// recovery → start workers → start watcher), generalized to Sentinel's
// component set.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel/sentineld/internal/config"
	"github.com/sentinel/sentineld/internal/history"
	"github.com/sentinel/sentineld/internal/ingest"
	"github.com/sentinel/sentineld/internal/ipcserver"
	"github.com/sentinel/sentineld/internal/metrics"
	"github.com/sentinel/sentineld/internal/pipeline"
	"github.com/sentinel/sentineld/internal/quarantine"
	"github.com/sentinel/sentineld/internal/queue"
	"github.com/sentinel/sentineld/internal/scanner"
)

// pruneInterval mirrors octoreflex's retention goroutine cadence.
const pruneInterval = 6 * time.Hour

// Daemon owns every long-lived component and the order in which they
// start and stop.
type Daemon struct {
	cfg *config.Config
	log *zap.SugaredLogger

	metricsReg *metrics.Registry
	metricsSrv *metrics.Server
	hist       *history.Store
	quarant    *quarantine.Store
	scan       *scanner.Client
	work       *queue.Queue
	ipc        *ipcserver.Server
	ing        *ingest.Ingestor
	pipe       *pipeline.Pipeline

	pidFile *os.File
}

// New constructs every component but starts nothing.
func New(cfg *config.Config, log *zap.SugaredLogger) (*Daemon, error) {
	metricsReg := metrics.New()

	hist, err := history.Open(cfg.HistoryDBPath, cfg.HistoryRetentionDays)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: history.Open: %w", err)
	}

	quarant, warning, err := quarantine.Open(cfg.QuarantineRoot)
	if err != nil {
		_ = hist.Close()
		return nil, fmt.Errorf("orchestrator: quarantine.Open: %w", err)
	}
	if warning != "" {
		log.Warn(warning)
	}
	metricsReg.QuarantineEntries.Set(float64(len(quarant.List())))

	scan := scanner.New(cfg.ScannerAddress)
	work := queue.New(cfg.QueueCapacity)
	ipc := ipcserver.New(cfg.IPCSocketPath, quarant, hist, metricsReg, log)
	pipe := pipeline.New(scan, quarant, hist, metricsReg, ipc, log, cfg.QuarantineRoot)

	ing, err := ingest.New(log, func(path string) {
		metricsReg.QueueDepth.Set(float64(work.Depth()))
		if err := work.Submit(path); err != nil {
			log.Debugw("submit rejected, shutting down", "path", path)
		}
	}, metricsReg.WatchLimitHits.Inc)
	if err != nil {
		_ = quarant.Shutdown()
		_ = hist.Close()
		return nil, fmt.Errorf("orchestrator: ingest.New: %w", err)
	}

	var metricsSrv *metrics.Server
	if cfg.MetricsAddress != "" {
		metricsSrv = metrics.NewServer(cfg.MetricsAddress, metricsReg)
	}

	return &Daemon{
		cfg:        cfg,
		log:        log,
		metricsReg: metricsReg,
		metricsSrv: metricsSrv,
		hist:       hist,
		quarant:    quarant,
		scan:       scan,
		work:       work,
		ipc:        ipc,
		ing:        ing,
		pipe:       pipe,
	}, nil
}

// Run executes the full bootstrap sequence and blocks until ctx is
// cancelled, then runs the shutdown sequence.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.acquirePIDLock(); err != nil {
		return fmt.Errorf("orchestrator: acquire PID lock: %w", err)
	}
	defer d.releasePIDLock()

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	if d.metricsSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := d.metricsSrv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	ipcStop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := d.ipc.Run(ipcStop); err != nil {
			errCh <- fmt.Errorf("ipc server: %w", err)
		}
	}()

	workerWG := d.startWorkers(d.cfg.WorkerCount)

	d.Prune()

	ingest.ScanExisting(d.cfg.WatchDirs, func(path string) {
		_ = d.work.Submit(path)
	})

	ingDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(ingDone)
		if err := d.ing.Run(ctx, d.cfg.WatchDirs); err != nil {
			errCh <- fmt.Errorf("ingestor: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.runPruneLoop(ctx)
	}()

	d.log.Infow("sentineld started",
		"watch_dirs", d.cfg.WatchDirs,
		"quarantine_root", d.cfg.QuarantineRoot,
		"workers", d.cfg.WorkerCount,
	)

	<-ctx.Done()
	d.log.Info("shutdown signal received")

	// Ingestor already stops itself on ctx cancellation. Wait for it to
	// exit before tearing down the queue it feeds.
	<-ingDone
	d.work.Shutdown()
	workerWG.Wait()

	close(ipcStop)

	if err := d.quarant.Shutdown(); err != nil {
		d.log.Warnw("quarantine shutdown failed", "error", err)
	}
	if err := d.hist.Close(); err != nil {
		d.log.Warnw("history close failed", "error", err)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			d.log.Warnw("component reported error during shutdown", "error", err)
		}
	}
	return nil
}

func (d *Daemon) startWorkers(n int) *sync.WaitGroup {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				path, ok := d.work.Next()
				if !ok {
					return
				}
				d.metricsReg.QueueDepth.Set(float64(d.work.Depth()))
				d.pipe.Process(path)
			}
		}()
	}
	return &wg
}

// acquirePIDLock writes the daemon's PID to cfg.PIDFilePath, refusing to
// start if a live process already holds the file.
func (d *Daemon) acquirePIDLock() error {
	if data, err := os.ReadFile(d.cfg.PIDFilePath); err == nil {
		if pid, perr := strconv.Atoi(string(data)); perr == nil {
			if proc, ferr := os.FindProcess(pid); ferr == nil {
				if sigErr := proc.Signal(syscall.Signal(0)); sigErr == nil {
					return fmt.Errorf("sentineld already running with pid %d", pid)
				}
			}
		}
	}

	f, err := os.OpenFile(d.cfg.PIDFilePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		_ = f.Close()
		return err
	}
	d.pidFile = f
	return nil
}

func (d *Daemon) releasePIDLock() {
	if d.pidFile == nil {
		return
	}
	_ = d.pidFile.Close()
	_ = os.Remove(d.cfg.PIDFilePath)
}

// Prune removes history events older than the configured retention
// window. Run calls it once at startup and every pruneInterval
// thereafter.
func (d *Daemon) Prune() {
	deleted, err := d.hist.Prune()
	if err != nil {
		d.log.Warnw("history prune failed", "error", err)
		return
	}
	if deleted > 0 {
		d.log.Infow("pruned history events", "count", deleted)
	}
}

// runPruneLoop prunes history on a fixed interval until ctx is cancelled.
func (d *Daemon) runPruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.Prune()
		case <-ctx.Done():
			return
		}
	}
}
