// Package pipeline is the core scan-quarantine state machine (C5).
//
// One Process call implements the full fail-closed sequence for a
// single dequeued path: pre-filter, strip execute bits, scan with
// retry, and act on the verdict. Lockdown (mode 0000 at the original
// path) is the terminal state whenever a verdict could not be produced
// or acted upon, and the pipeline never reverses it itself — only an
// explicit restore does. Grounded on spec.md §4.5's state diagram; the
// retry/backoff shape echoes the teacher's webhook retry loop idiom
// (bounded attempts, fixed delay, distinguishing retryable failures).
package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sentinel/sentineld/internal/history"
	"github.com/sentinel/sentineld/internal/metrics"
	"github.com/sentinel/sentineld/internal/quarantine"
	"github.com/sentinel/sentineld/internal/scanner"
)

const (
	// MaxRetries bounds scan attempts after transport failures.
	MaxRetries = 3
	// RetryDelay is the pause between retry attempts.
	RetryDelay = 2 * time.Second

	minScanSize = 4
	maxScanSize = 100 * 1024 * 1024
)

// transientPatterns are basename substrings of files that are almost
// always scanner/tool artifacts rather than user content.
var transientPatterns = []string{
	"clamav-",
	"-scantemp",
	"chromecrx_",
	".org.chromium.",
	".goutputstream",
}

// Broadcaster is the subset of the IPC server's API the pipeline needs
// to announce verdicts to connected UI clients. Declared here rather
// than imported from ipcserver to keep this package's dependency
// surface to scanner/quarantine/history/metrics.
type Broadcaster interface {
	Broadcast(event, filename, threat, details string)
}

// Pipeline wires the scanner and quarantine store behind the per-file
// state machine.
type Pipeline struct {
	scan     *scanner.Client
	quarant  *quarantine.Store
	hist     *history.Store
	metrics  *metrics.Registry
	bcast    Broadcaster
	log      *zap.SugaredLogger
	quarRoot string
}

// New builds a Pipeline. hist, m, and bcast may all be nil, disabling
// history recording, metrics, and broadcast respectively.
func New(scan *scanner.Client, quarant *quarantine.Store, hist *history.Store, m *metrics.Registry, bcast Broadcaster, log *zap.SugaredLogger, quarantineRoot string) *Pipeline {
	return &Pipeline{scan: scan, quarant: quarant, hist: hist, metrics: m, bcast: bcast, log: log, quarRoot: quarantineRoot}
}

func (p *Pipeline) broadcast(event, filename, threat, details string) {
	if p.bcast == nil {
		return
	}
	p.bcast.Broadcast(event, filename, threat, details)
}

// Process runs the full state machine for one path. It never returns an
// error: every outcome, including a transport failure, is a terminal
// state recorded via logging/history/metrics rather than propagated.
func (p *Pipeline) Process(path string) {
	if p.preFilterRejects(path) {
		p.recordHistory(history.Event{Path: path, Verdict: history.VerdictDropped})
		return
	}

	origMode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		origMode = info.Mode().Perm()
	}

	if err := stripExecuteBits(path, origMode); err != nil {
		p.log.Debugw("strip execute bits failed", "path", path, "error", err)
	}

	start := time.Now()
	report, err := p.scanWithRetry(path)
	if p.metrics != nil {
		p.metrics.ScanDuration.Observe(time.Since(start).Seconds())
		p.metrics.FilesScannedTotal.Inc()
	}

	if errors.Is(err, errVanished) {
		return
	}
	if err != nil {
		p.lockdown(path, "scanner offline, locked")
		return
	}

	switch report.Result {
	case scanner.Clean:
		p.handleClean(path, origMode)
	case scanner.Infected:
		p.handleInfected(path, report.ThreatName)
	case scanner.ScannerError:
		p.lockdown(path, "scan error, locked")
	}
}

func (p *Pipeline) preFilterRejects(path string) bool {
	if strings.HasPrefix(path, p.quarRoot) {
		return true
	}
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	for _, pat := range transientPatterns {
		if strings.Contains(base, pat) {
			return true
		}
	}

	info, err := os.Lstat(path)
	if err != nil || !info.Mode().IsRegular() {
		return true
	}
	if info.Size() < minScanSize || info.Size() > maxScanSize {
		return true
	}
	return false
}

func stripExecuteBits(path string, mode os.FileMode) error {
	return os.Chmod(path, mode&^0o111)
}

// errVanished marks a file that disappeared between scan attempts.
var errVanished = errors.New("pipeline: file vanished")

// scanWithRetry attempts up to MaxRetries+1 scans, treating a vanished
// file as a distinct terminal condition rather than a retryable error.
func (p *Pipeline) scanWithRetry(path string) (scanner.Report, error) {
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			if _, statErr := os.Stat(path); statErr != nil {
				p.recordVanished(path)
				return scanner.Report{}, errVanished // terminal, handled by caller as no-op
			}
			p.log.Infow("scanner offline, retrying", "path", path, "attempt", attempt)
			p.broadcast("status", path, "", "scanner offline, retrying")
			time.Sleep(RetryDelay)
		}

		report, err := p.scan.Scan(path)
		if err == nil {
			return report, nil
		}
		lastErr = err
	}
	return scanner.Report{}, lastErr
}

func (p *Pipeline) recordVanished(path string) {
	p.log.Debugw("file vanished mid-scan", "path", path)
	p.recordHistory(history.Event{Path: path, Verdict: history.VerdictVanished})
}

func (p *Pipeline) handleClean(path string, origMode os.FileMode) {
	if err := os.Chmod(path, origMode); err != nil {
		p.log.Warnw("restore original mode after clean verdict failed", "path", path, "error", err)
	}
	if p.metrics != nil {
		p.metrics.VerdictsTotal.WithLabelValues("clean").Inc()
	}
	p.log.Infow("scan_clean", "path", path)
	p.recordHistory(history.Event{Path: path, Verdict: history.VerdictClean})
	p.broadcast("scan_clean", path, "", "")
}

func (p *Pipeline) handleInfected(path, threat string) {
	entry, err := p.quarant.Quarantine(path, threat)
	if err != nil {
		p.log.Warnw("quarantine failed — locked", "path", path, "threat", threat, "error", err)
		p.lockdown(path, "quarantine failed — locked")
		return
	}
	if p.metrics != nil {
		p.metrics.VerdictsTotal.WithLabelValues("infected").Inc()
		p.metrics.QuarantineEntries.Inc()
	}
	p.log.Warnw("scan_threat", "path", path, "threat", threat, "quarantine_id", entry.ID)
	p.recordHistory(history.Event{
		Path:         path,
		Verdict:      history.VerdictInfected,
		ThreatName:   threat,
		QuarantineID: entry.ID,
	})
	p.broadcast("scan_threat", path, threat, entry.ID)
}

func (p *Pipeline) lockdown(path, message string) {
	if err := os.Chmod(path, 0o000); err != nil {
		p.log.Errorw("lockdown chmod failed", "path", path, "error", err)
	}
	if p.metrics != nil {
		p.metrics.LockdownsTotal.Inc()
		p.metrics.VerdictsTotal.WithLabelValues("locked").Inc()
	}
	p.log.Warnw(message, "path", path)
	p.recordHistory(history.Event{Path: path, Verdict: history.VerdictLocked})
	p.broadcast("status", path, "", message)
}

func (p *Pipeline) recordHistory(ev history.Event) {
	if p.hist == nil {
		return
	}
	if err := p.hist.Append(ev); err != nil {
		p.log.Warnw("history append failed", "path", ev.Path, "error", err)
	}
}
