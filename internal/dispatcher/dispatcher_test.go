package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foundriesio/jobserv/internal/blobstore"
	jobservErrors "github.com/foundriesio/jobserv/internal/errors"
	"github.com/foundriesio/jobserv/internal/projectdef"
	"github.com/foundriesio/jobserv/internal/store"
	"github.com/foundriesio/jobserv/internal/store/sqlite"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *sqlite.Backend, blobstore.BlobStore) {
	t.Helper()
	ctx := context.Background()
	b, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	blobs, err := blobstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	return New(b, blobs, DefaultDiskFreeThresholdBytes), b, blobs
}

func mustQueueRun(t *testing.T, b *sqlite.Backend, blobs blobstore.BlobStore, project, hostTag string) (*store.Project, *store.Build, *store.Run) {
	t.Helper()
	ctx := context.Background()
	p := &store.Project{Name: project}
	require.NoError(t, b.CreateProject(ctx, p))
	build, err := b.CreateBuild(ctx, p.ID, "manual", "")
	require.NoError(t, err)
	run := &store.Run{BuildID: build.ID, Name: "run-1", Status: store.StatusQueued, HostTag: hostTag, APIKey: "rk"}
	require.NoError(t, b.CreateRun(ctx, run))

	rd := &projectdef.RunDef{Container: "alpine", Script: "echo hi", HostTag: hostTag}
	raw, err := json.Marshal(rd)
	require.NoError(t, err)
	require.NoError(t, blobs.Put(ctx, blobstore.RunDefKey(project, build.BuildID, run.Name), raw))

	return p, build, run
}

func mustWorker(t *testing.T, b *sqlite.Backend, name string, tags []string) *store.Worker {
	t.Helper()
	w := &store.Worker{Name: name, HostTags: tags, Enlisted: true, APIKey: "wk"}
	require.NoError(t, b.CreateWorker(context.Background(), w))
	return w
}

func TestDispatchAssignsMatchingRun(t *testing.T) {
	d, b, blobs := newTestDispatcher(t)
	_, _, run := mustQueueRun(t, b, blobs, "proj", "linux")
	_ = run
	w := mustWorker(t, b, "worker-1", []string{"linux"})

	rd, got, err := d.Dispatch(context.Background(), CheckIn{
		Worker: w, AvailableRunners: 1, DiskFreeBytes: DefaultDiskFreeThresholdBytes + 1,
	})
	require.NoError(t, err)
	require.Equal(t, "run-1", got.Name)
	require.Equal(t, "alpine", rd.Container)
}

func TestDispatchNoWorkWhenDiskLow(t *testing.T) {
	d, b, blobs := newTestDispatcher(t)
	mustQueueRun(t, b, blobs, "proj", "linux")
	w := mustWorker(t, b, "worker-1", []string{"linux"})

	_, _, err := d.Dispatch(context.Background(), CheckIn{
		Worker: w, AvailableRunners: 1, DiskFreeBytes: 1,
	})
	require.ErrorIs(t, err, ErrNoWork)
}

func TestDispatchNoWorkWhenNoAvailableRunners(t *testing.T) {
	d, b, blobs := newTestDispatcher(t)
	mustQueueRun(t, b, blobs, "proj", "linux")
	w := mustWorker(t, b, "worker-1", []string{"linux"})

	_, _, err := d.Dispatch(context.Background(), CheckIn{
		Worker: w, AvailableRunners: 0, DiskFreeBytes: DefaultDiskFreeThresholdBytes + 1,
	})
	require.ErrorIs(t, err, ErrNoWork)
}

func TestDispatchRejectsUnenlistedWorker(t *testing.T) {
	d, b, blobs := newTestDispatcher(t)
	mustQueueRun(t, b, blobs, "proj", "linux")
	w := &store.Worker{Name: "worker-1", HostTags: []string{"linux"}, Enlisted: false}

	_, _, err := d.Dispatch(context.Background(), CheckIn{
		Worker: w, AvailableRunners: 1, DiskFreeBytes: DefaultDiskFreeThresholdBytes + 1,
	})
	require.Error(t, err)
	var forbidden *jobservErrors.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
}

func TestDispatchSurgesOnlyRequiresActiveSurge(t *testing.T) {
	d, b, blobs := newTestDispatcher(t)
	mustQueueRun(t, b, blobs, "proj", "linux")
	w := mustWorker(t, b, "worker-1", []string{"linux"})
	w.SurgesOnly = true
	require.NoError(t, b.UpdateWorker(context.Background(), w))

	_, _, err := d.Dispatch(context.Background(), CheckIn{
		Worker: w, AvailableRunners: 1, DiskFreeBytes: DefaultDiskFreeThresholdBytes + 1,
		ActiveSurgeTags: map[string]bool{},
	})
	require.ErrorIs(t, err, ErrNoWork)

	rd, got, err := d.Dispatch(context.Background(), CheckIn{
		Worker: w, AvailableRunners: 1, DiskFreeBytes: DefaultDiskFreeThresholdBytes + 1,
		ActiveSurgeTags: map[string]bool{"linux": true},
	})
	require.NoError(t, err)
	require.Equal(t, "run-1", got.Name)
	require.NotNil(t, rd)
}

func TestDispatchRollsBackWhenRunDefMissing(t *testing.T) {
	d, b, _ := newTestDispatcher(t)
	ctx := context.Background()
	p := &store.Project{Name: "proj"}
	require.NoError(t, b.CreateProject(ctx, p))
	build, err := b.CreateBuild(ctx, p.ID, "manual", "")
	require.NoError(t, err)
	run := &store.Run{BuildID: build.ID, Name: "run-1", Status: store.StatusQueued, HostTag: "linux", APIKey: "rk"}
	require.NoError(t, b.CreateRun(ctx, run))
	// Deliberately don't write a rundef blob.

	w := mustWorker(t, b, "worker-1", []string{"linux"})

	_, _, err = d.Dispatch(ctx, CheckIn{
		Worker: w, AvailableRunners: 1, DiskFreeBytes: DefaultDiskFreeThresholdBytes + 1,
	})
	require.Error(t, err)

	got, err := b.GetRun(ctx, run.BuildID, run.Name)
	require.NoError(t, err)
	require.Equal(t, store.StatusQueued, got.Status, "a failed dispatch must roll the run back to QUEUED")
	require.Nil(t, got.WorkerID)
}
