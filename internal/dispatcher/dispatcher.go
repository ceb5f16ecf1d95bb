// Package dispatcher implements the worker-pull scheduler (spec.md
// §4.4, "L4"): on every worker check-in it atomically pops at most one
// QUEUED run that matches the worker under tag, priority, capacity and
// synchronous-project constraints, serves the run's resolved RunDef,
// and records the assignment in the run's console log. Grounded on the
// teacher's internal/controller/queue package (claim-then-commit
// dispatch) generalized from job-queue semantics to spec.md's
// worker/run domain.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/foundriesio/jobserv/internal/blobstore"
	jobservErrors "github.com/foundriesio/jobserv/internal/errors"
	"github.com/foundriesio/jobserv/internal/metrics"
	"github.com/foundriesio/jobserv/internal/projectdef"
	"github.com/foundriesio/jobserv/internal/store"
	"github.com/foundriesio/jobserv/internal/tracing"
)

// DefaultDiskFreeThresholdBytes is the fallback when config doesn't
// override it (spec.md §4.4, default 30 GB).
const DefaultDiskFreeThresholdBytes int64 = 30 * 1024 * 1024 * 1024

// CheckIn is what a worker reports on every poll (spec.md §6 GET
// /workers/<n>/?available_runners&disk_free&...).
type CheckIn struct {
	Worker             *store.Worker
	AvailableRunners   int
	DiskFreeBytes      int64
	RequestBaseURL     string // scheme://host the check-in arrived on
	ActiveSurgeTags    map[string]bool
}

// Dispatcher wires the store and blob store together to serve
// spec.md §4.4.
type Dispatcher struct {
	store                store.Store
	blobs                blobstore.BlobStore
	diskFreeThreshold    int64
}

// New builds a Dispatcher. diskFreeThreshold <= 0 uses the spec default.
func New(s store.Store, blobs blobstore.BlobStore, diskFreeThreshold int64) *Dispatcher {
	if diskFreeThreshold <= 0 {
		diskFreeThreshold = DefaultDiskFreeThresholdBytes
	}
	return &Dispatcher{store: s, blobs: blobs, diskFreeThreshold: diskFreeThreshold}
}

// ErrNoWork is returned when the worker's check-in legitimately yields
// no assignment (capacity, disk, surge gating, or an empty queue).
var ErrNoWork = store.ErrNoRunAvailable

// Dispatch implements the preconditions and selection algorithm of
// spec.md §4.4, returning the RunDef to serve the worker or ErrNoWork.
func (d *Dispatcher) Dispatch(ctx context.Context, in CheckIn) (*projectdef.RunDef, *store.Run, error) {
	w := in.Worker
	if w.Deleted || !w.Enlisted {
		return nil, nil, &jobservErrors.ForbiddenError{Message: "worker not enlisted"}
	}
	if in.AvailableRunners < 1 {
		return nil, nil, ErrNoWork
	}
	if in.DiskFreeBytes < d.diskFreeThreshold {
		metrics.DispatchSkipped.WithLabelValues("disk_free").Inc()
		return nil, nil, ErrNoWork
	}
	if w.SurgesOnly && !workerTagsInSurge(w, in.ActiveSurgeTags) {
		metrics.DispatchSkipped.WithLabelValues("surges_only").Inc()
		return nil, nil, ErrNoWork
	}

	start := time.Now()
	defer func() { metrics.DispatchLatencySeconds.Observe(time.Since(start).Seconds()) }()
	ctx, span := tracing.StartSpan(ctx, "dispatcher.Dispatch")
	defer span.End()

	run, err := d.store.PopQueuedForWorker(ctx, w)
	if err != nil {
		if err == store.ErrNoRunAvailable {
			return nil, nil, ErrNoWork
		}
		return nil, nil, fmt.Errorf("dispatcher: pop queued: %w", err)
	}

	project, build, err := d.lookupBuildContext(ctx, run)
	if err != nil {
		d.rollback(ctx, run)
		return nil, nil, err
	}

	runDef, err := d.loadRunDef(ctx, project, build.BuildID, run.Name)
	if err != nil {
		d.rollback(ctx, run)
		return nil, nil, err
	}

	rewriteURLs(runDef, in.RequestBaseURL, project, build.BuildID, run.Name)

	if err := d.blobs.Append(ctx, blobstore.ConsoleLogKey(project, build.BuildID, run.Name),
		[]byte(fmt.Sprintf("# Run sent to worker: %s\n", w.Name))); err != nil {
		d.rollback(ctx, run)
		return nil, nil, fmt.Errorf("dispatcher: console append: %w", err)
	}

	metrics.DispatchTotal.WithLabelValues(run.HostTag).Inc()
	return runDef, run, nil
}

// rollback implements spec.md §4.4 "If any step after selection fails,
// the dispatcher rolls back: worker = null, status = QUEUED, no event
// recorded." RunEvents is intentionally not appended here.
func (d *Dispatcher) rollback(ctx context.Context, run *store.Run) {
	run.Status = store.StatusQueued
	run.WorkerID = nil
	_ = d.store.UpdateRun(ctx, run)
}

// lookupBuildContext resolves the (project name, Build row) a claimed
// Run belongs to: run.BuildID is the builds.id foreign key, not the
// dense per-project build_id workers and URLs use.
func (d *Dispatcher) lookupBuildContext(ctx context.Context, run *store.Run) (project string, build *store.Build, err error) {
	build, err = d.store.GetBuildByPK(ctx, run.BuildID)
	if err != nil {
		return "", nil, fmt.Errorf("dispatcher: build context: %w", err)
	}
	p, err := d.store.GetProjectByID(ctx, build.ProjectID)
	if err != nil {
		return "", nil, fmt.Errorf("dispatcher: build context: %w", err)
	}
	return p.Name, build, nil
}

func (d *Dispatcher) loadRunDef(ctx context.Context, project string, buildID int64, run string) (*projectdef.RunDef, error) {
	raw, err := d.blobs.Get(ctx, blobstore.RunDefKey(project, buildID, run))
	if err != nil {
		return nil, &jobservErrors.StorageUnavailableError{Cause: err}
	}
	var rd projectdef.RunDef
	if err := json.Unmarshal(raw, &rd); err != nil {
		return nil, fmt.Errorf("dispatcher: decode rundef: %w", err)
	}
	return &rd, nil
}

// rewriteURLs rewrites run_url, runner_url, and env.H_TRIGGER_URL to use
// the host the check-in arrived on (spec.md §4.4 "rewriting run_url,
// runner_url, and env.H_TRIGGER_URL to use the host on which the
// check-in arrived").
func rewriteURLs(rd *projectdef.RunDef, baseURL, project string, build int64, run string) {
	if baseURL == "" {
		return
	}
	rd.RunURL = fmt.Sprintf("%s/projects/%s/builds/%d/runs/%s/", baseURL, project, build, run)
	rd.RunnerURL = fmt.Sprintf("%s/runners/%s/", baseURL, run)
	if rd.Env == nil {
		rd.Env = map[string]string{}
	}
	rd.Env["H_TRIGGER_URL"] = rd.RunURL
}

// workerTagsInSurge reports whether any of the worker's host tags is
// currently under surge (spec.md §4.4 step "Not in surges_only mode
// unless the matching tag is currently in a surge").
func workerTagsInSurge(w *store.Worker, activeSurgeTags map[string]bool) bool {
	for _, tag := range w.HostTags {
		if activeSurgeTags[strings.ToLower(tag)] {
			return true
		}
	}
	return false
}
