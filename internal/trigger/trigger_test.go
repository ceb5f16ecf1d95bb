package trigger

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foundriesio/jobserv/internal/blobstore"
	"github.com/foundriesio/jobserv/internal/projectdef"
	"github.com/foundriesio/jobserv/internal/secretbox"
	"github.com/foundriesio/jobserv/internal/store"
	"github.com/foundriesio/jobserv/internal/store/sqlite"
)

func newTestPipeline(t *testing.T) (*Pipeline, *sqlite.Backend, blobstore.BlobStore) {
	t.Helper()
	ctx := context.Background()
	b, err := sqlite.New(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	blobs, err := blobstore.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	key := make([]byte, secretbox.KeySize)
	_, err = rand.Read(key)
	require.NoError(t, err)
	box, err := secretbox.New(key)
	require.NoError(t, err)

	return New(b, blobs, box), b, blobs
}

func basicProjDef(t *testing.T) *projectdef.ProjDef {
	t.Helper()
	def, err := projectdef.Validate([]byte(`
triggers:
  - name: push
    type: simple
    runs:
      - name: build
        host-tag: linux
        container: alpine
`))
	require.NoError(t, err)
	return def
}

func TestTriggerBuildCreatesQueuedRun(t *testing.T) {
	p, b, blobs := newTestPipeline(t)
	ctx := context.Background()
	proj := &store.Project{Name: "proj1"}
	require.NoError(t, b.CreateProject(ctx, proj))

	build, commit, err := p.TriggerBuild(ctx, Input{
		Project: proj, ProjDef: basicProjDef(t), TriggerName: "push",
		TriggerType: TypeSimple, Reason: "manual", BaseURL: "https://jobserv.example",
	})
	require.NoError(t, err)
	require.Nil(t, commit, "synchronous commit leaves CommitFunc nil")

	run, err := b.GetRun(ctx, build.ID, "build")
	require.NoError(t, err)
	require.Equal(t, store.StatusQueued, run.Status)

	_, err = blobs.Get(ctx, blobstore.RunDefKey(proj.Name, build.BuildID, "build"))
	require.NoError(t, err, "a rundef blob must be persisted for the dispatcher to load later")
}

func TestTriggerBuildAsyncCommitDefersMaterialization(t *testing.T) {
	p, b, _ := newTestPipeline(t)
	ctx := context.Background()
	proj := &store.Project{Name: "proj1"}
	require.NoError(t, b.CreateProject(ctx, proj))

	build, commit, err := p.TriggerBuild(ctx, Input{
		Project: proj, ProjDef: basicProjDef(t), TriggerName: "push",
		TriggerType: TypeSimple, Reason: "webhook", AsyncCommit: true,
	})
	require.NoError(t, err)
	require.NotNil(t, commit)

	_, err = b.GetRun(ctx, build.ID, "build")
	require.Error(t, err, "materialization hasn't run yet")

	require.NoError(t, commit(ctx))
	_, err = b.GetRun(ctx, build.ID, "build")
	require.NoError(t, err)
}

func TestTriggerBuildUnknownTrigger(t *testing.T) {
	p, b, _ := newTestPipeline(t)
	ctx := context.Background()
	proj := &store.Project{Name: "proj1"}
	require.NoError(t, b.CreateProject(ctx, proj))

	_, _, err := p.TriggerBuild(ctx, Input{
		Project: proj, ProjDef: basicProjDef(t), TriggerName: "nonexistent", TriggerType: TypeSimple,
	})
	var unknown *UnknownTriggerError
	require.ErrorAs(t, err, &unknown)
}

func TestTriggerBuildRejectsReservedSecretKey(t *testing.T) {
	p, b, _ := newTestPipeline(t)
	ctx := context.Background()
	proj := &store.Project{Name: "proj1"}
	require.NoError(t, b.CreateProject(ctx, proj))

	_, _, err := p.TriggerBuild(ctx, Input{
		Project: proj, ProjDef: basicProjDef(t), TriggerName: "push", TriggerType: TypeSimple,
		Secrets: map[string]string{"triggered-by": "evil"},
	})
	require.Error(t, err)
}

func TestTriggerBuildDisallowedHostTagFailsRunAndBuild(t *testing.T) {
	p, b, blobs := newTestPipeline(t)
	ctx := context.Background()
	proj := &store.Project{Name: "proj1", AllowedHostTags: []string{"arm64"}}
	require.NoError(t, b.CreateProject(ctx, proj))

	build, _, err := p.TriggerBuild(ctx, Input{
		Project: proj, ProjDef: basicProjDef(t), TriggerName: "push", TriggerType: TypeSimple,
	})
	require.NoError(t, err)

	run, err := b.GetRun(ctx, build.ID, "build")
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, run.Status, "host-tag linux isn't in the project's allowlist")

	got, err := b.GetBuild(ctx, proj.ID, build.BuildID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, got.Status)

	_, err = blobs.Get(ctx, blobstore.ConsoleLogKey(proj.Name, build.BuildID, "build"))
	require.NoError(t, err, "the disallowed-tag reason must be recorded in the run's console log")
}

func TestTriggerBuildDuplicateRunNameWithinTrigger(t *testing.T) {
	p, b, _ := newTestPipeline(t)
	ctx := context.Background()
	proj := &store.Project{Name: "proj1"}
	require.NoError(t, b.CreateProject(ctx, proj))

	def, err := projectdef.Validate([]byte(`
triggers:
  - name: push
    type: simple
    run-names: "{name}"
    runs:
      - name: build
        host-tag: linux
        container: alpine
`))
	require.NoError(t, err)

	// Manually force a name collision the YAML validator wouldn't catch
	// on its own (two distinct declared names collapsing to the same
	// materialized name via run-names).
	def.Triggers[0].Runs = append(def.Triggers[0].Runs, projectdef.RunSpec{
		Name: "build-2", HostTag: "linux", Container: "alpine",
	})
	def.Triggers[0].RunNames = "same-name"

	_, _, err = p.TriggerBuild(ctx, Input{
		Project: proj, ProjDef: def, TriggerName: "push", TriggerType: TypeSimple,
	})
	var dup *DuplicateRunError
	require.ErrorAs(t, err, &dup)
}

func TestTriggerBuildConditionSkipsRunsWithoutFailingBuild(t *testing.T) {
	p, b, _ := newTestPipeline(t)
	ctx := context.Background()
	proj := &store.Project{Name: "proj1"}
	require.NoError(t, b.CreateProject(ctx, proj))

	def, err := projectdef.Validate([]byte(`
triggers:
  - name: push
    type: simple
    condition: "params.run == 'yes'"
    runs:
      - name: build
        host-tag: linux
        container: alpine
`))
	require.NoError(t, err)

	build, _, err := p.TriggerBuild(ctx, Input{
		Project: proj, ProjDef: def, TriggerName: "push", TriggerType: TypeSimple,
		Params: map[string]string{"run": "no"},
	})
	require.NoError(t, err)

	_, err = b.GetRun(ctx, build.ID, "build")
	require.Error(t, err, "a falsy condition must skip run creation")

	got, err := b.GetBuild(ctx, proj.ID, build.BuildID)
	require.NoError(t, err)
	require.NotEqual(t, store.StatusFailed, got.Status, "a skipped trigger must not fail the build")
}

func TestResolveChildTriggerTypeUpgradesSimple(t *testing.T) {
	require.Equal(t, TypeGithubPR, ResolveChildTriggerType(TypeGithubPR, TypeSimple))
	require.Equal(t, TypeGitPoller, ResolveChildTriggerType(TypeGitPoller, TypeSimple))
	require.Equal(t, TypeSimple, ResolveChildTriggerType(TypeGitlabMR, TypeSimple), "gitlab_mr doesn't upgrade a child trigger")
	require.Equal(t, TypeGitlabMR, ResolveChildTriggerType(TypeGithubPR, TypeGitlabMR), "an explicit child type is never downgraded")
}
