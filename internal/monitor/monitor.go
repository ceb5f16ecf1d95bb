// Package monitor is JobServ's background monitor (spec.md §4.6, "L6"):
// a single cooperative loop that runs periodic sweeps for offline
// workers, surge entry/exit, stuck runs, cancelled-run flushing,
// un-acknowledged assignments, and worker-log GC. Structured as one
// ticker dispatching named sweeps by cadence counter, grounded on the
// teacher's internal/controller/polltrigger/scheduler.go per-timer
// approach, collapsed here to counters against a single ticker since
// spec.md §4.6 "Concurrency" requires all sweeps share one process loop.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/foundriesio/jobserv/internal/blobstore"
	joblog "github.com/foundriesio/jobserv/internal/log"
	"github.com/foundriesio/jobserv/internal/metrics"
	"github.com/foundriesio/jobserv/internal/runstate"
	"github.com/foundriesio/jobserv/internal/store"
)

const (
	tickInterval = 10 * time.Second

	ackTimeout         = 15 * time.Second
	workerOfflineAfter = 80 * time.Second
	surgeOfflineAfter  = 120 * time.Second
	stuckRunningAfter  = 12 * time.Hour
	stuckCancelAfter   = 10 * time.Minute
	surgeHysteresis    = 5 * time.Minute

	// twoMinuteTicks is the number of 10s ticks between 2-minute-cadence
	// sweeps (spec.md §4.6: workers/queue/stuck/worker-logs checks).
	twoMinuteTicks = 12
)

// LeaderChecker gates sweeps that must be single-writer when more than
// one monitor replica runs (spec.md §9, SPEC_FULL.md §5.6.1). A nil
// LeaderChecker means "always leader" (the single-replica default).
type LeaderChecker interface {
	IsLeader() bool
}

// Config carries the monitor's tunables (spec.md §6 environment vars).
type Config struct {
	SurgeSupportRatio       int
	SurgeMarkerDir          string
	WorkerLogsDir           string
	WorkerLogsRetentionDays int
}

// Monitor runs the sweeps described in spec.md §4.6.
type Monitor struct {
	store  store.Store
	runst  *runstate.Machine
	blobs  blobstore.BlobStore
	cfg    Config
	logger *slog.Logger
	leader LeaderChecker
	now    func() time.Time
}

// New builds a Monitor. leader may be nil (single-replica deployments).
func New(s store.Store, runst *runstate.Machine, blobs blobstore.BlobStore, cfg Config, logger *slog.Logger, leader LeaderChecker) *Monitor {
	return &Monitor{store: s, runst: runst, blobs: blobs, cfg: cfg, logger: logger, leader: leader, now: time.Now}
}

// Run blocks, ticking every 10s until ctx is cancelled (spec.md §4.6).
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var tick int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			m.iterate(ctx, tick)
		}
	}
}

// iterate runs the every-tick sweep unconditionally and the 2-minute
// sweeps when tick is a multiple of twoMinuteTicks.
func (m *Monitor) iterate(ctx context.Context, tick int) {
	if m.leader != nil && !m.leader.IsLeader() {
		return
	}

	m.ackedCheck(ctx)
	m.cancelledCheck(ctx)

	if tick%twoMinuteTicks == 0 {
		m.workersCheck(ctx)
		m.queueCheck(ctx)
		m.stuckCheck(ctx)
		m.workerLogsGC(ctx)
	}
}

// ackedCheck reclaims RUNNING runs whose dispatch the worker never
// acknowledged (spec.md §4.6 "acked check").
func (m *Monitor) ackedCheck(ctx context.Context) {
	metrics.MonitorSweepTotal.WithLabelValues("acked").Inc()
	cutoff := m.now().UTC().Add(-ackTimeout).Unix()
	runs, err := m.store.RunsNeedingAckTimeout(ctx, cutoff)
	if err != nil {
		m.logger.Error("acked check: list", slog.Any("error", err))
		return
	}
	for _, r := range runs {
		if err := m.runst.Reclaim(ctx, r); err != nil {
			m.logger.Error("acked check: reclaim", joblog.RunKey, r.Name, slog.Any("error", err))
			continue
		}
		metrics.RunsReclaimedTotal.Inc()
		m.logger.Info("run reclaimed: unacknowledged dispatch", joblog.RunKey, r.Name)
	}
}

// workersCheck flips Worker.Online false for workers whose last ping is
// stale (spec.md §4.6 "workers check"). JobServ tracks liveness through
// the Worker.LastPing column populated by every authenticated check-in,
// rather than the original's on-disk pings-log file.
func (m *Monitor) workersCheck(ctx context.Context) {
	metrics.MonitorSweepTotal.WithLabelValues("workers").Inc()
	workers, err := m.store.ListEnlistedWorkers(ctx)
	if err != nil {
		m.logger.Error("workers check: list", slog.Any("error", err))
		return
	}
	onlineCount := 0
	now := m.now().UTC()
	for _, w := range workers {
		if w.Deleted {
			continue
		}
		threshold := workerOfflineAfter
		if w.SurgesOnly {
			threshold = surgeOfflineAfter
		}
		stale := now.Sub(w.LastPing) > threshold
		if stale && w.Online {
			w.Online = false
			if err := m.store.UpdateWorker(ctx, w); err != nil {
				m.logger.Error("workers check: update", joblog.WorkerKey, w.Name, slog.Any("error", err))
				continue
			}
			m.logger.Warn("worker went offline", joblog.WorkerKey, w.Name)
		}
		if w.Online {
			onlineCount++
		}
	}
	metrics.WorkersOnline.Set(float64(onlineCount))
}

// queueCheck computes per-tag surge state (spec.md §4.6 "queue check").
func (m *Monitor) queueCheck(ctx context.Context) {
	metrics.MonitorSweepTotal.WithLabelValues("queue").Inc()

	queuedByTag, err := m.store.CountQueuedByTag(ctx)
	if err != nil {
		m.logger.Error("queue check: count", slog.Any("error", err))
		return
	}
	nonSurgeWorkers, err := m.store.ListOnlineNonSurgeWorkers(ctx)
	if err != nil {
		m.logger.Error("queue check: workers", slog.Any("error", err))
		return
	}

	ratio := m.cfg.SurgeSupportRatio
	if ratio <= 0 {
		ratio = 3
	}

	for tag, queued := range queuedByTag {
		metrics.QueueDepth.WithLabelValues(tag).Set(float64(queued))

		supply := 0
		for _, w := range nonSurgeWorkers {
			if store.HostTagMatches(tag, w) {
				supply++
			}
		}
		overSupply := queued > ratio*supply
		m.applySurgeState(tag, overSupply)
	}
}

// applySurgeState creates or removes the on-disk surge marker for tag,
// applying the 5-minute hysteresis on disappearance (spec.md §4.6).
func (m *Monitor) applySurgeState(tag string, overSupply bool) {
	path := m.surgeMarkerPath(tag)
	info, statErr := os.Stat(path)
	exists := statErr == nil

	switch {
	case overSupply && !exists:
		notificationID := fmt.Sprintf("surge-started-%s-%d", tag, m.now().UTC().Unix())
		if err := os.WriteFile(path, []byte(notificationID), 0o640); err != nil {
			m.logger.Error("queue check: write surge marker", "tag", tag, slog.Any("error", err))
			return
		}
		metrics.SurgeActive.WithLabelValues(tag).Set(1)
		m.logger.Warn("surge started", "tag", tag)
	case overSupply && exists:
		metrics.SurgeActive.WithLabelValues(tag).Set(1)
	case !overSupply && exists:
		if m.now().UTC().Sub(info.ModTime()) < surgeHysteresis {
			metrics.SurgeActive.WithLabelValues(tag).Set(1)
			return
		}
		if err := os.Remove(path); err != nil {
			m.logger.Error("queue check: remove surge marker", "tag", tag, slog.Any("error", err))
			return
		}
		metrics.SurgeActive.WithLabelValues(tag).Set(0)
		m.logger.Info("surge ended", "tag", tag)
	default:
		metrics.SurgeActive.WithLabelValues(tag).Set(0)
	}
}

func (m *Monitor) surgeMarkerPath(tag string) string {
	return filepath.Join(m.cfg.SurgeMarkerDir, "enable_surge-"+tag)
}

// stuckCheck force-fails runs the worker has gone silent on (spec.md
// §4.6 "stuck check").
func (m *Monitor) stuckCheck(ctx context.Context) {
	metrics.MonitorSweepTotal.WithLabelValues("stuck").Inc()

	now := m.now().UTC()
	running, err := m.store.StuckRunning(ctx, now.Add(-stuckRunningAfter).Unix())
	if err != nil {
		m.logger.Error("stuck check: running", slog.Any("error", err))
	} else {
		for _, r := range running {
			m.forceFail(ctx, r, "run exceeded the 12h stuck-run safety net")
		}
	}

	cancelling, err := m.store.StuckCancelling(ctx, now.Add(-stuckCancelAfter).Unix())
	if err != nil {
		m.logger.Error("stuck check: cancelling", slog.Any("error", err))
		return
	}
	for _, r := range cancelling {
		m.forceFail(ctx, r, "run stuck in CANCELLING past the 10m safety net")
	}
}

// cancelledCheck fails CANCELLING runs the dispatcher never claimed on
// a worker's behalf (spec.md §4.6 "cancelled check").
func (m *Monitor) cancelledCheck(ctx context.Context) {
	metrics.MonitorSweepTotal.WithLabelValues("cancelled").Inc()
	runs, err := m.store.CancellingWithNoWorker(ctx)
	if err != nil {
		m.logger.Error("cancelled check: list", slog.Any("error", err))
		return
	}
	for _, r := range runs {
		m.forceFail(ctx, r, "run cancelling with no worker to carry out the cancellation")
	}
}

func (m *Monitor) forceFail(ctx context.Context, r *store.Run, diagnostic string) {
	if err := m.runst.Transition(ctx, r, store.StatusFailed, runstate.Options{ClearWorker: true}); err != nil {
		m.logger.Error("stuck check: transition", joblog.RunKey, r.Name, slog.Any("error", err))
		return
	}
	m.appendDiagnostic(ctx, r, diagnostic)
	metrics.RunsStuckTotal.Inc()
	m.logger.Warn("run forced to FAILED", joblog.RunKey, r.Name, "diagnostic", diagnostic)
}

// appendDiagnostic writes the stuck-check diagnostic to the run's
// console log blob (spec.md §4.6: "forced to FAILED with a diagnostic
// appended to console log"), mirroring the dispatcher's and trigger
// pipeline's direct blobstore.ConsoleLogKey appends.
func (m *Monitor) appendDiagnostic(ctx context.Context, r *store.Run, diagnostic string) {
	build, err := m.store.GetBuildByPK(ctx, r.BuildID)
	if err != nil {
		m.logger.Error("stuck check: load build for diagnostic", joblog.RunKey, r.Name, slog.Any("error", err))
		return
	}
	project, err := m.store.GetProjectByID(ctx, build.ProjectID)
	if err != nil {
		m.logger.Error("stuck check: load project for diagnostic", joblog.RunKey, r.Name, slog.Any("error", err))
		return
	}
	msg := fmt.Sprintf("\n# %s\n", diagnostic)
	key := blobstore.ConsoleLogKey(project.Name, build.BuildID, r.Name)
	if err := m.blobs.Append(ctx, key, []byte(msg)); err != nil {
		m.logger.Error("stuck check: append diagnostic", joblog.RunKey, r.Name, slog.Any("error", err))
	}
}

// workerLogsGC deletes worker-log uploads older than the configured
// retention (spec.md §4.6 "worker-logs GC", default 4 days).
func (m *Monitor) workerLogsGC(ctx context.Context) {
	metrics.MonitorSweepTotal.WithLabelValues("worker_logs_gc").Inc()
	if m.cfg.WorkerLogsDir == "" {
		return
	}
	days := m.cfg.WorkerLogsRetentionDays
	if days <= 0 {
		days = 4
	}
	cutoff := m.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)

	entries, err := os.ReadDir(m.cfg.WorkerLogsDir)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Error("worker logs gc: read dir", slog.Any("error", err))
		}
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log.gz") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(filepath.Join(m.cfg.WorkerLogsDir, entry.Name()))
		}
	}
}
