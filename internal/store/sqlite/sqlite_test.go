package sqlite

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foundriesio/jobserv/internal/store"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	b, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func mustProject(t *testing.T, b *Backend, name string, sync bool) *store.Project {
	t.Helper()
	p := &store.Project{Name: name, SynchronousBuilds: sync}
	require.NoError(t, b.CreateProject(context.Background(), p))
	return p
}

func TestCreateBuildAllocatesDenseIDs(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	p := mustProject(t, b, "proj1", false)

	for i := int64(1); i <= 5; i++ {
		build, err := b.CreateBuild(ctx, p.ID, "manual", "")
		require.NoError(t, err)
		require.Equal(t, i, build.BuildID)
	}
}

// TestCreateBuildConcurrentIsDense exercises spec.md's "Build-id
// allocation is serialisable per project" guarantee: N concurrent
// CreateBuild calls against the same project must still produce a dense,
// gapless, duplicate-free set of build_ids.
func TestCreateBuildConcurrentIsDense(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	p := mustProject(t, b, "proj1", false)

	const n = 20
	ids := make([]int64, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			build, err := b.CreateBuild(ctx, p.ID, "manual", "")
			errs[i] = err
			if err == nil {
				ids[i] = build.BuildID
			}
		}(i)
	}
	wg.Wait()

	seen := map[int64]bool{}
	for i, err := range errs {
		require.NoError(t, err)
		require.False(t, seen[ids[i]], "duplicate build_id %d", ids[i])
		seen[ids[i]] = true
	}
	for i := int64(1); i <= n; i++ {
		require.True(t, seen[i], "missing build_id %d", i)
	}
}

func mustRun(t *testing.T, b *Backend, buildPK int64, name, hostTag string) *store.Run {
	t.Helper()
	r := &store.Run{
		BuildID: buildPK,
		Name:    name,
		Status:  store.StatusQueued,
		HostTag: hostTag,
		APIKey:  "k-" + name,
	}
	require.NoError(t, b.CreateRun(context.Background(), r))
	return r
}

func TestPopQueuedForWorkerExclusivity(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	p := mustProject(t, b, "proj1", false)
	build, err := b.CreateBuild(ctx, p.ID, "manual", "")
	require.NoError(t, err)
	mustRun(t, b, build.ID, "run-1", "linux")

	worker := &store.Worker{ID: 1, HostTags: []string{"linux"}}

	const n = 10
	var claimed int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := b.PopQueuedForWorker(ctx, worker)
			if err == store.ErrNoRunAvailable {
				return
			}
			require.NoError(t, err)
			mu.Lock()
			claimed++
			mu.Unlock()
			require.Equal(t, "run-1", run.Name)
		}()
	}
	wg.Wait()
	require.Equal(t, 1, claimed, "exactly one caller should claim the run")
}

func TestPopQueuedForWorkerTagMismatch(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	p := mustProject(t, b, "proj1", false)
	build, err := b.CreateBuild(ctx, p.ID, "manual", "")
	require.NoError(t, err)
	mustRun(t, b, build.ID, "run-1", "arm-v7")

	worker := &store.Worker{ID: 1, HostTags: []string{"linux"}}
	_, err = b.PopQueuedForWorker(ctx, worker)
	require.ErrorIs(t, err, store.ErrNoRunAvailable)
}

func TestPopQueuedForWorkerGlobMatch(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	p := mustProject(t, b, "proj1", false)
	build, err := b.CreateBuild(ctx, p.ID, "manual", "")
	require.NoError(t, err)
	mustRun(t, b, build.ID, "run-1", "qemu-*")

	worker := &store.Worker{ID: 1, HostTags: []string{"QEMU-ARM64"}}
	run, err := b.PopQueuedForWorker(ctx, worker)
	require.NoError(t, err)
	require.Equal(t, "run-1", run.Name)
}

func TestSynchronousProjectBlocksLaterBuild(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	p := mustProject(t, b, "proj1", true)

	build1, err := b.CreateBuild(ctx, p.ID, "manual", "")
	require.NoError(t, err)
	mustRun(t, b, build1.ID, "run-1", "linux")

	build2, err := b.CreateBuild(ctx, p.ID, "manual", "")
	require.NoError(t, err)
	mustRun(t, b, build2.ID, "run-1", "linux")

	worker := &store.Worker{ID: 1, HostTags: []string{"linux"}}

	run, err := b.PopQueuedForWorker(ctx, worker)
	require.NoError(t, err)
	require.Equal(t, build1.ID, run.BuildID, "earlier build's run must be claimed first")

	_, err = b.PopQueuedForWorker(ctx, worker)
	require.ErrorIs(t, err, store.ErrNoRunAvailable, "build2's run stays blocked while build1 is unresolved")
}

func TestGetProjectNotFound(t *testing.T) {
	b := newTestBackend(t)
	_, err := b.GetProject(context.Background(), "nope")
	require.Error(t, err)
}

func TestAllowedTagsNarrowHostTags(t *testing.T) {
	b := newTestBackend(t)
	ctx := context.Background()
	p := mustProject(t, b, "proj1", false)
	build, err := b.CreateBuild(ctx, p.ID, "manual", "")
	require.NoError(t, err)
	mustRun(t, b, build.ID, "run-1", "linux")

	worker := &store.Worker{ID: 1, HostTags: []string{"linux"}, AllowedTags: []string{"arm"}}
	_, err = b.PopQueuedForWorker(ctx, worker)
	require.ErrorIs(t, err, store.ErrNoRunAvailable, "worker's cert org-unit doesn't grant the linux tag")
}
