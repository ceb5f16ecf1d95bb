package monitor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/foundriesio/jobserv/internal/blobstore"
	joblog "github.com/foundriesio/jobserv/internal/log"
	"github.com/foundriesio/jobserv/internal/runstate"
	"github.com/foundriesio/jobserv/internal/store"
	"github.com/foundriesio/jobserv/internal/store/sqlite"
)

func newTestMonitor(t *testing.T, cfg Config) (*Monitor, *sqlite.Backend) {
	t.Helper()
	ctx := context.Background()
	b, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	blobs, err := blobstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	logger := joblog.New(joblog.Config{})
	runst := runstate.New(b, nil)
	m := New(b, runst, blobs, cfg, logger, nil)
	return m, b
}

func mustQueuedRunOnWorker(t *testing.T, b *sqlite.Backend, tag string) (*store.Worker, *store.Run) {
	t.Helper()
	ctx := context.Background()
	p := &store.Project{Name: "proj1"}
	require.NoError(t, b.CreateProject(ctx, p))
	build, err := b.CreateBuild(ctx, p.ID, "manual", "")
	require.NoError(t, err)
	run := &store.Run{BuildID: build.ID, Name: "run-1", Status: store.StatusQueued, HostTag: tag, APIKey: "k"}
	require.NoError(t, b.CreateRun(ctx, run))

	w := &store.Worker{Name: "worker-1", HostTags: []string{tag}, Enlisted: true, APIKey: "wk"}
	require.NoError(t, b.CreateWorker(ctx, w))

	claimed, err := b.PopQueuedForWorker(ctx, w)
	require.NoError(t, err)
	return w, claimed
}

func TestAckedCheckReclaimsUnacknowledgedRun(t *testing.T) {
	m, b := newTestMonitor(t, Config{})
	_, claimed := mustQueuedRunOnWorker(t, b, "linux")
	require.Equal(t, store.StatusRunning, claimed.Status)

	// Push the monitor's clock far enough ahead that the real claim
	// event (recorded at actual wall-clock time by PopQueuedForWorker)
	// falls outside the ack window, without needing to sleep.
	m.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }

	m.ackedCheck(context.Background())

	got, err := b.GetRun(context.Background(), claimed.BuildID, claimed.Name)
	require.NoError(t, err)
	require.Equal(t, store.StatusQueued, got.Status, "an unacknowledged RUNNING run must be reclaimed to QUEUED")
	require.Nil(t, got.WorkerID)
}

func TestAckedCheckLeavesAckedRunAlone(t *testing.T) {
	m, b := newTestMonitor(t, Config{})
	_, claimed := mustQueuedRunOnWorker(t, b, "linux")

	// Simulate the worker having acknowledged via a console append.
	runst := runstate.New(b, nil)
	require.NoError(t, runst.AppendConsole(context.Background(), claimed))

	m.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	m.ackedCheck(context.Background())

	got, err := b.GetRun(context.Background(), claimed.BuildID, claimed.Name)
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, got.Status, "an acked run must not be reclaimed")
}

func TestWorkersCheckMarksStaleWorkerOffline(t *testing.T) {
	m, b := newTestMonitor(t, Config{})
	ctx := context.Background()
	w := &store.Worker{Name: "worker-1", Enlisted: true, Online: true, LastPing: time.Now().UTC().Add(-time.Hour)}
	require.NoError(t, b.CreateWorker(ctx, w))

	m.workersCheck(ctx)

	got, err := b.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	require.False(t, got.Online)
}

func TestWorkersCheckLeavesFreshWorkerOnline(t *testing.T) {
	m, b := newTestMonitor(t, Config{})
	ctx := context.Background()
	w := &store.Worker{Name: "worker-1", Enlisted: true, Online: true, LastPing: time.Now().UTC()}
	require.NoError(t, b.CreateWorker(ctx, w))

	m.workersCheck(ctx)

	got, err := b.GetWorker(ctx, "worker-1")
	require.NoError(t, err)
	require.True(t, got.Online)
}

func TestStuckCheckForceFailsLongRunningRun(t *testing.T) {
	m, b := newTestMonitor(t, Config{})
	_, claimed := mustQueuedRunOnWorker(t, b, "linux")

	m.now = func() time.Time { return time.Now().UTC().Add(13 * time.Hour) }
	m.stuckCheck(context.Background())

	got, err := b.GetRun(context.Background(), claimed.BuildID, claimed.Name)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status)
	require.Nil(t, got.WorkerID, "forceFail clears the worker assignment")
}

func TestStuckCheckLeavesRecentRunningRunAlone(t *testing.T) {
	m, b := newTestMonitor(t, Config{})
	_, claimed := mustQueuedRunOnWorker(t, b, "linux")

	m.stuckCheck(context.Background())

	got, err := b.GetRun(context.Background(), claimed.BuildID, claimed.Name)
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, got.Status)
}

func TestApplySurgeStateCreatesAndRemovesMarkerWithHysteresis(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestMonitor(t, Config{SurgeMarkerDir: dir})

	base := time.Now().UTC()
	m.now = func() time.Time { return base }
	m.applySurgeState("linux", true)

	markerPath := filepath.Join(dir, "enable_surge-linux")
	_, err := os.Stat(markerPath)
	require.NoError(t, err, "an overSupply tag must get a surge marker")

	// Supply recovers immediately, but hysteresis keeps the marker for
	// 5 minutes past its creation.
	m.now = func() time.Time { return base.Add(time.Minute) }
	m.applySurgeState("linux", false)
	_, err = os.Stat(markerPath)
	require.NoError(t, err, "the marker must survive within the hysteresis window")

	m.now = func() time.Time { return base.Add(6 * time.Minute) }
	m.applySurgeState("linux", false)
	_, err = os.Stat(markerPath)
	require.True(t, os.IsNotExist(err), "the marker must be removed once hysteresis elapses")
}

func TestWorkerLogsGCRemovesOldLogsOnly(t *testing.T) {
	dir := t.TempDir()
	m, _ := newTestMonitor(t, Config{WorkerLogsDir: dir, WorkerLogsRetentionDays: 4})

	oldPath := filepath.Join(dir, "old.log.gz")
	newPath := filepath.Join(dir, "new.log.gz")
	require.NoError(t, os.WriteFile(oldPath, []byte("x"), 0o640))
	require.NoError(t, os.WriteFile(newPath, []byte("x"), 0o640))

	old := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(oldPath, old, old))

	m.workerLogsGC(context.Background())

	_, err := os.Stat(oldPath)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(newPath)
	require.NoError(t, err)
}
