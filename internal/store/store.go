package store

import (
	"context"
	"errors"
)

// ErrNoRunAvailable is returned by PopQueuedForWorker when no QUEUED run
// currently matches the worker (spec.md §4.4 step 5, "Return the Run (or
// none)").
var ErrNoRunAvailable = errors.New("store: no queued run available for worker")

// ProjectStore is interface-segregated the way the teacher's
// backend.RunStore/RunLister split is (internal/controller/backend):
// a minimal core plus optional capabilities, so a future minimal
// backend need not implement everything at once.
type ProjectStore interface {
	CreateProject(ctx context.Context, p *Project) error
	GetProject(ctx context.Context, name string) (*Project, error)
	// GetProjectByID is GetProject's primary-key-keyed counterpart, used
	// by the dispatcher and monitor which only have a Build/Run's
	// project_id foreign key in hand.
	GetProjectByID(ctx context.Context, id int64) (*Project, error)
	SetProjectDeleted(ctx context.Context, name string, deleted bool) error
}

// BuildStore covers Build CRUD plus the serializable id-allocation
// operation (spec.md §4.1).
type BuildStore interface {
	// CreateBuild allocates the next dense build_id for project and
	// inserts a QUEUED Build row. Must be serializable under concurrent
	// callers for the same project (spec.md §5 "Build-id allocation").
	CreateBuild(ctx context.Context, projectID int64, triggerName, reason string) (*Build, error)
	GetBuild(ctx context.Context, projectID, buildID int64) (*Build, error)
	// GetBuildByPK looks a Build up by its row primary key, used by the
	// dispatcher after PopQueuedForWorker returns a Run to resolve which
	// project/build it belongs to without the caller having to guess.
	GetBuildByPK(ctx context.Context, buildPK int64) (*Build, error)
	ListBuilds(ctx context.Context, projectID int64, limit, offset int) ([]*Build, error)
	UpdateBuildStatus(ctx context.Context, buildPK int64, status BuildStatus) error
	PromoteBuild(ctx context.Context, buildPK int64, name, annotation string) error
	AnnotateBuild(ctx context.Context, buildPK int64, annotation string) error
}

// RunStore covers Run CRUD and the dispatcher's compound pop operation.
type RunStore interface {
	CreateRun(ctx context.Context, r *Run) error
	GetRun(ctx context.Context, buildPK int64, name string) (*Run, error)
	ListRunsForBuild(ctx context.Context, buildPK int64) ([]*Run, error)
	UpdateRun(ctx context.Context, r *Run) error
	AppendRunEvent(ctx context.Context, runID int64, status BuildStatus, eventTime int64) error
	LastRunEventTime(ctx context.Context, runID int64) (int64, error)

	// PopQueuedForWorker atomically claims at most one QUEUED run that
	// matches worker under the constraints of spec.md §4.4: it must
	// take a row-level write lock on the candidate set before selecting,
	// and the RUNNING update must commit before returning.
	PopQueuedForWorker(ctx context.Context, worker *Worker) (*Run, error)

	// HasEarlierBlockingRun reports whether any run on an earlier build
	// of the same project as buildPK is still in a RunningLikeStatuses
	// state (spec.md §4.4 step 2, synchronous-project blocking).
	HasEarlierBlockingRun(ctx context.Context, projectID, buildPK int64) (bool, error)

	// CountQueuedByTag supports the monitor's surge sweep (spec.md §4.6).
	CountQueuedByTag(ctx context.Context) (map[string]int, error)

	// RunsNeedingAckTimeout returns RUNNING runs whose running_acked is
	// false and whose last event is older than olderThanUnixSec.
	RunsNeedingAckTimeout(ctx context.Context, olderThanUnixSec int64) ([]*Run, error)

	// StuckRunning returns RUNNING runs whose last event predates the cutoff.
	StuckRunning(ctx context.Context, olderThanUnixSec int64) ([]*Run, error)

	// StuckCancelling returns CANCELLING runs whose last event predates
	// the cutoff.
	StuckCancelling(ctx context.Context, olderThanUnixSec int64) ([]*Run, error)

	// CancellingWithNoWorker returns CANCELLING runs with worker=null.
	CancellingWithNoWorker(ctx context.Context) ([]*Run, error)

	// CancelBuildRuns sets every non-terminal run of buildPK to CANCELLING.
	CancelBuildRuns(ctx context.Context, buildPK int64, eventTime int64) error
}

// WorkerStore covers Worker CRUD plus the online-flag sweep the monitor
// needs (spec.md §4.6).
type WorkerStore interface {
	CreateWorker(ctx context.Context, w *Worker) error
	GetWorker(ctx context.Context, name string) (*Worker, error)
	UpdateWorker(ctx context.Context, w *Worker) error
	ListEnlistedWorkers(ctx context.Context) ([]*Worker, error)
	ListOnlineNonSurgeWorkers(ctx context.Context) ([]*Worker, error)
}

// TriggerStore covers ProjectTrigger CRUD.
type TriggerStore interface {
	CreateTrigger(ctx context.Context, t *ProjectTrigger) error
	GetTrigger(ctx context.Context, projectID int64, name string) (*ProjectTrigger, error)
	ListTriggersByType(ctx context.Context, projectID int64, triggerType string) ([]*ProjectTrigger, error)
	DeleteTrigger(ctx context.Context, projectID int64, name string) error
}

// TestStore covers Test/TestResult creation during RUNNING.
type TestStore interface {
	CreateTest(ctx context.Context, t *Test) (*Test, error)
	GetTest(ctx context.Context, runID int64, name, context string) (*Test, error)
	AddTestResult(ctx context.Context, r *TestResult) error
	ListTestResults(ctx context.Context, testID int64) ([]*TestResult, error)
}

// Store is the full interface the rest of JobServ depends on. postgres
// and sqlite both implement it in full (unlike the teacher's backend
// package, JobServ has no minimal-backend use case, so there's no value
// in accepting narrower interfaces at call sites).
type Store interface {
	ProjectStore
	BuildStore
	RunStore
	WorkerStore
	TriggerStore
	TestStore

	Close() error
}
