package runstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foundriesio/jobserv/internal/store"
	"github.com/foundriesio/jobserv/internal/store/sqlite"
)

func newTestMachine(t *testing.T) (*Machine, *sqlite.Backend) {
	t.Helper()
	b, err := sqlite.New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return New(b, func() time.Time { return time.Unix(1000, 0) }), b
}

func mustBuildAndRun(t *testing.T, b *sqlite.Backend, name, tag string) (*store.Project, *store.Build, *store.Run) {
	t.Helper()
	ctx := context.Background()
	p := &store.Project{Name: "proj1"}
	require.NoError(t, b.CreateProject(ctx, p))
	build, err := b.CreateBuild(ctx, p.ID, "manual", "")
	require.NoError(t, err)
	run := &store.Run{BuildID: build.ID, Name: name, Status: store.StatusQueued, HostTag: tag, APIKey: "k"}
	require.NoError(t, b.CreateRun(ctx, run))
	return p, build, run
}

// TestTerminalIsAbsorbing exercises spec.md §8: "For every Run R,
// R.status in terminal implies no further transition is recorded."
func TestTerminalIsAbsorbing(t *testing.T) {
	m, b := newTestMachine(t)
	ctx := context.Background()
	_, _, run := mustBuildAndRun(t, b, "run-1", "linux")

	run.Status = store.StatusRunning
	require.NoError(t, b.UpdateRun(ctx, run))
	require.NoError(t, m.Transition(ctx, run, store.StatusPassed, Options{}))
	require.True(t, run.Status.IsTerminal())

	err := m.Transition(ctx, run, store.StatusFailed, Options{})
	var termErr *ErrTerminal
	require.ErrorAs(t, err, &termErr)
}

func TestIllegalTransitionRejected(t *testing.T) {
	m, b := newTestMachine(t)
	ctx := context.Background()
	_, _, run := mustBuildAndRun(t, b, "run-1", "linux")

	// QUEUED -> RUNNING is reserved for the dispatcher, never Machine.
	err := m.Transition(ctx, run, store.StatusRunning, Options{})
	require.Error(t, err)
}

// TestCancellingRejectsPassed resolves spec.md §9's open question: the
// worker's terminal report is not accepted unconditionally once a run
// has moved to CANCELLING — CANCELLING only resolves to FAILED or
// CANCELLED (see DESIGN.md "CANCELLING -> PASSED").
func TestCancellingRejectsPassed(t *testing.T) {
	m, b := newTestMachine(t)
	ctx := context.Background()
	_, _, run := mustBuildAndRun(t, b, "run-1", "linux")

	run.Status = store.StatusCancelling
	require.NoError(t, b.UpdateRun(ctx, run))

	err := m.Transition(ctx, run, store.StatusPassed, Options{})
	require.Error(t, err)

	require.NoError(t, m.Transition(ctx, run, store.StatusFailed, Options{}))
	require.Equal(t, store.StatusFailed, run.Status)
}

func TestRunningConsoleAppendSetsAckedOnce(t *testing.T) {
	m, b := newTestMachine(t)
	ctx := context.Background()
	_, _, run := mustBuildAndRun(t, b, "run-1", "linux")
	run.Status = store.StatusRunning
	require.NoError(t, b.UpdateRun(ctx, run))

	require.NoError(t, m.AppendConsole(ctx, run))
	require.True(t, run.RunningAcked)

	// A second append records another RUNNING event without error and
	// leaves running_acked set.
	require.NoError(t, m.AppendConsole(ctx, run))
	require.True(t, run.RunningAcked)
}

func TestBuildStatusRecomputedOnTransition(t *testing.T) {
	m, b := newTestMachine(t)
	ctx := context.Background()
	p, build, run1 := mustBuildAndRun(t, b, "run-1", "linux")
	run2 := &store.Run{BuildID: build.ID, Name: "run-2", Status: store.StatusQueued, HostTag: "linux", APIKey: "k2"}
	require.NoError(t, b.CreateRun(ctx, run2))

	run1.Status = store.StatusRunning
	require.NoError(t, b.UpdateRun(ctx, run1))
	require.NoError(t, m.Transition(ctx, run1, store.StatusPassed, Options{}))

	got, err := b.GetBuild(ctx, p.ID, build.BuildID)
	require.NoError(t, err)
	require.Equal(t, store.StatusQueued, got.Status, "run-2 still queued so build isn't terminal yet")

	run2.Status = store.StatusRunning
	require.NoError(t, b.UpdateRun(ctx, run2))
	require.NoError(t, m.Transition(ctx, run2, store.StatusFailed, Options{}))

	got, err = b.GetBuild(ctx, p.ID, build.BuildID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status, "any failed run fails the whole build once all are terminal")
}

func TestAggregateBuildStatusPureFunction(t *testing.T) {
	cases := []struct {
		name   string
		runs   []*store.Run
		expect store.BuildStatus
	}{
		{"empty", nil, store.StatusQueued},
		{"all queued", []*store.Run{{Status: store.StatusQueued}}, store.StatusQueued},
		{"one running", []*store.Run{{Status: store.StatusQueued}, {Status: store.StatusRunning}}, store.StatusRunning},
		{"all passed", []*store.Run{{Status: store.StatusPassed}, {Status: store.StatusPassed}}, store.StatusPassed},
		{"one failed terminal", []*store.Run{{Status: store.StatusPassed}, {Status: store.StatusFailed}}, store.StatusFailed},
		{"one cancelled terminal", []*store.Run{{Status: store.StatusPassed}, {Status: store.StatusCancelled}}, store.StatusFailed},
		{"cancelling still active", []*store.Run{{Status: store.StatusPassed}, {Status: store.StatusCancelling}}, store.StatusRunning},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expect, AggregateBuildStatus(tc.runs))
		})
	}
}
