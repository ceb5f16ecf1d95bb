// Package runstate is JobServ's run state machine (spec.md §4.5, "L5").
// Transition is the single mutator the monitor and the run-update
// handler call through, so RunEvents accounting and Build status
// recomputation live in one place; the dispatcher's claim and rollback
// write the Run through the store directly — grounded on the
// teacher's internal/controller/runner.Run pattern of a single
// mutex-guarded transition method (internal/controller/runner/runner.go)
// that every public entry point funnels through.
package runstate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	jobservErrors "github.com/foundriesio/jobserv/internal/errors"
	"github.com/foundriesio/jobserv/internal/store"
)

// ChainTrigger fires a run's chained triggers once it completes
// successfully (spec.md §4.3: a run's "triggers" entry "declares chained
// triggers run after this run completes"). Implemented by
// *trigger.Pipeline; kept as an interface here so runstate doesn't
// import the trigger package.
type ChainTrigger interface {
	FireChained(ctx context.Context, run *store.Run) error
}

// legalTransitions enumerates the from->to edges spec.md §4.5 allows.
// QUEUED->RUNNING is intentionally absent: only the dispatcher may make
// that transition, via store.PopQueuedForWorker, never through Machine.
var legalTransitions = map[store.BuildStatus][]store.BuildStatus{
	store.StatusQueued:     {store.StatusFailed, store.StatusCancelling},
	store.StatusRunning:    {store.StatusRunning, store.StatusUploading, store.StatusPassed, store.StatusFailed, store.StatusCancelling},
	store.StatusUploading:  {store.StatusPassed, store.StatusFailed},
	store.StatusCancelling: {store.StatusFailed, store.StatusCancelled},
}

// Machine centralizes Run status transitions and Build status
// recomputation over a store.Store.
type Machine struct {
	store store.Store
	now   func() time.Time
	chain ChainTrigger
}

// New builds a Machine over s. now defaults to time.Now when nil; tests
// override it for deterministic event timestamps.
func New(s store.Store, now func() time.Time) *Machine {
	if now == nil {
		now = time.Now
	}
	return &Machine{store: s, now: now}
}

// SetChainTrigger wires the chained-trigger firer a PASSED transition
// consults. Optional: a Machine with none set simply never fires chained
// triggers (e.g. in tests that don't exercise that path).
func (m *Machine) SetChainTrigger(c ChainTrigger) {
	m.chain = c
}

// Options carries fields a transition may need to set alongside status.
type Options struct {
	// ClearWorker detaches the run from its worker (spec.md §3 "worker
	// is null unless status in {RUNNING, UPLOADING, CANCELLING}...").
	ClearWorker bool
	// SetRunningAcked marks the run's first post-RUNNING console append
	// (spec.md §4.5 "first such message sets running_acked = true").
	SetRunningAcked bool
}

// Transition drives run from its current status to "to", per the edges
// in legalTransitions, appends exactly one RunEvents row, and refreshes
// the parent Build's aggregate status (spec.md §4.5). Terminal statuses
// are absorbing: Transition is a no-op returning ErrTerminal if run is
// already terminal (spec.md §8 "no further transition is recorded").
func (m *Machine) Transition(ctx context.Context, run *store.Run, to store.BuildStatus, opts Options) error {
	if run.Status.IsTerminal() {
		return &ErrTerminal{Run: run.Name, Status: run.Status}
	}
	if !isLegal(run.Status, to) {
		return &jobservErrors.ValidationError{
			Field:   "status",
			Message: fmt.Sprintf("run %s cannot transition %s -> %s", run.Name, run.Status, to),
		}
	}

	run.Status = to
	if opts.SetRunningAcked {
		run.RunningAcked = true
	}
	if opts.ClearWorker {
		run.WorkerID = nil
	}
	if to.IsTerminal() {
		now := m.now().UTC()
		run.Completed = &now
	}

	if err := m.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("runstate: update run: %w", err)
	}
	if err := m.store.AppendRunEvent(ctx, run.ID, to, m.now().UTC().Unix()); err != nil {
		return fmt.Errorf("runstate: append event: %w", err)
	}

	if err := m.refreshBuildStatus(ctx, run.BuildID); err != nil {
		return err
	}

	if to == store.StatusPassed && m.chain != nil {
		// Chained-trigger firing is best-effort: the run's own terminal
		// transition has already committed, so a failure to materialize
		// its downstream triggers is logged rather than surfaced to the
		// caller that reported the run's completion.
		if err := m.chain.FireChained(ctx, run); err != nil {
			slog.Default().Error("runstate: fire chained triggers", slog.String("run", run.Name), slog.Any("error", err))
		}
	}
	return nil
}

// Reclaim requeues a RUNNING run whose dispatch was never acknowledged
// (spec.md §4.6 "acked check"): status reverts to QUEUED, worker is
// cleared, and an event is recorded. This edge is deliberately outside
// legalTransitions since only the monitor's ack-timeout sweep may walk
// it backwards.
func (m *Machine) Reclaim(ctx context.Context, run *store.Run) error {
	if run.Status != store.StatusRunning {
		return fmt.Errorf("runstate: reclaim: run %s is %s, not RUNNING", run.Name, run.Status)
	}
	run.Status = store.StatusQueued
	run.WorkerID = nil
	run.RunningAcked = false
	if err := m.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("runstate: reclaim: update run: %w", err)
	}
	if err := m.store.AppendRunEvent(ctx, run.ID, store.StatusQueued, m.now().UTC().Unix()); err != nil {
		return fmt.Errorf("runstate: reclaim: append event: %w", err)
	}
	return m.refreshBuildStatus(ctx, run.BuildID)
}

// AppendConsole records a console-log message transition without
// changing status (RUNNING -> RUNNING). The first such call since the
// run entered RUNNING flips running_acked, per spec.md §4.5.
func (m *Machine) AppendConsole(ctx context.Context, run *store.Run) error {
	if run.Status != store.StatusRunning {
		// Console appends outside RUNNING record nothing in RunEvents
		// (spec.md §4.5 invariants); still allow storing log bytes.
		return nil
	}
	wasAcked := run.RunningAcked
	return m.Transition(ctx, run, store.StatusRunning, Options{SetRunningAcked: !wasAcked})
}

// refreshBuildStatus recomputes the parent Build's aggregate status per
// spec.md §4.5: "if any run RUNNING/UPLOADING/CANCELLING -> RUNNING;
// else if all runs terminal -> FAILED if any failed/cancelled, else
// PASSED; else QUEUED."
func (m *Machine) refreshBuildStatus(ctx context.Context, buildPK int64) error {
	runs, err := m.store.ListRunsForBuild(ctx, buildPK)
	if err != nil {
		return fmt.Errorf("runstate: list runs: %w", err)
	}

	status := AggregateBuildStatus(runs)
	return m.store.UpdateBuildStatus(ctx, buildPK, status)
}

// AggregateBuildStatus is the pure function spec.md §3 requires: "aggregate
// status is a pure function of its runs' statuses." Exported so the
// trigger pipeline and tests can compute it without a store round trip.
func AggregateBuildStatus(runs []*store.Run) store.BuildStatus {
	if len(runs) == 0 {
		return store.StatusQueued
	}

	anyActive := false
	anyFailedOrCancelled := false
	allTerminal := true
	for _, r := range runs {
		switch r.Status {
		case store.StatusRunning, store.StatusUploading, store.StatusCancelling:
			anyActive = true
			allTerminal = false
		case store.StatusQueued:
			allTerminal = false
		case store.StatusFailed, store.StatusCancelled:
			anyFailedOrCancelled = true
		case store.StatusPassed:
			// terminal, no-op
		default:
			allTerminal = false
		}
	}

	switch {
	case anyActive:
		return store.StatusRunning
	case allTerminal && anyFailedOrCancelled:
		return store.StatusFailed
	case allTerminal:
		return store.StatusPassed
	default:
		return store.StatusQueued
	}
}

func isLegal(from, to store.BuildStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ErrTerminal is returned when a caller attempts to transition a run
// already in a terminal status (spec.md §8 invariant).
type ErrTerminal struct {
	Run    string
	Status store.BuildStatus
}

func (e *ErrTerminal) Error() string {
	return fmt.Sprintf("run %s already terminal (%s)", e.Run, e.Status)
}
