// Package trigger implements the trigger pipeline (spec.md §4.3, "L3"):
// it creates a Build, persists the project definition and per-run
// RunDefs to blob storage, and materializes the trigger's runs as
// QUEUED Run rows. Grounded on the teacher's internal/triggers.Manager
// pattern (internal/triggers/manager.go) of returning a deferred commit
// closure so an HTTP handler can reply before a potentially slow commit
// completes (spec.md §9 "Webhook concurrency").
package trigger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	jobservErrors "github.com/foundriesio/jobserv/internal/errors"

	"github.com/foundriesio/jobserv/internal/blobstore"
	"github.com/foundriesio/jobserv/internal/projectdef"
	"github.com/foundriesio/jobserv/internal/secretbox"
	"github.com/foundriesio/jobserv/internal/store"
)

// Trigger type constants, the closed variant tag spec.md §9 "Dynamic
// dispatch over trigger types" calls for.
const (
	TypeSimple    = "simple"
	TypeGitPoller = "git_poller"
	TypeGithubPR  = "github_pr"
	TypeGitlabMR  = "gitlab_mr"
)

// reservedSecretKey is reserved for the pipeline's own bookkeeping; a
// caller-supplied secret named this is rejected (spec.md §9 "Secrets").
const reservedSecretKey = "triggered-by"

// Pipeline wires the store, blob store, condition evaluator, and secret
// box together to materialize builds from a ProjDef.
type Pipeline struct {
	store      store.Store
	blobs      blobstore.BlobStore
	secrets    *secretbox.Box
	conditions *projectdef.ConditionEvaluator
}

// New builds a Pipeline.
func New(s store.Store, blobs blobstore.BlobStore, secrets *secretbox.Box) *Pipeline {
	return &Pipeline{store: s, blobs: blobs, secrets: secrets, conditions: projectdef.NewConditionEvaluator()}
}

// Input is everything TriggerBuild needs beyond the project/projdef
// already resolved by the caller (spec.md §4.3).
type Input struct {
	Project     *store.Project
	ProjDef     *projectdef.ProjDef
	TriggerName string
	// TriggerType is the ProjectTrigger.Type that produced this build
	// (simple/git_poller/github_pr/gitlab_mr); it becomes every created
	// Run's RunDef.TriggerType and seeds the "trigger upgrade" rule for
	// any chained triggers.
	TriggerType string
	Reason      string
	Params      map[string]string
	Secrets     map[string]string
	// EncryptedSecretData is a ProjectTrigger's stored secret_data blob;
	// decrypted here, merged under Secrets (spec.md §9 "Secrets").
	EncryptedSecretData string
	QueuePriority       int
	AsyncCommit         bool
	BaseURL             string
}

// CommitFunc performs the (possibly slow) persistence work; see
// AsyncCommit.
type CommitFunc func(ctx context.Context) error

// UnknownTriggerError is raised when TriggerName has no matching entry
// in ProjDef.
type UnknownTriggerError struct{ Name string }

func (e *UnknownTriggerError) Error() string { return fmt.Sprintf("unknown trigger %q", e.Name) }

// DuplicateRunError is raised when two runs in the same build would
// share a name (spec.md §4.3 step 4).
type DuplicateRunError struct{ Name string }

func (e *DuplicateRunError) Error() string { return fmt.Sprintf("duplicate run name %q in build", e.Name) }

// UnexpectedBuildFailureError wraps any failure after Build creation and
// before materialization completes; Location points at the synthetic
// build-failure run's console artifact (spec.md §4.3).
type UnexpectedBuildFailureError struct {
	Cause    error
	Location string
}

func (e *UnexpectedBuildFailureError) Error() string {
	return fmt.Sprintf("unexpected build failure: %v", e.Cause)
}
func (e *UnexpectedBuildFailureError) Unwrap() error { return e.Cause }

// TriggerBuild implements spec.md §4.3: validates the trigger exists,
// creates the Build, and materializes its runs. When in.AsyncCommit is
// true, steps 3+4 are returned as a CommitFunc the caller can invoke
// after replying (e.g. a webhook handler); otherwise they run inline
// and the returned CommitFunc is nil.
func (p *Pipeline) TriggerBuild(ctx context.Context, in Input) (*store.Build, CommitFunc, error) {
	if in.Secrets != nil {
		if _, reserved := in.Secrets[reservedSecretKey]; reserved {
			return nil, nil, &jobservErrors.ValidationError{
				Field:   "secrets",
				Message: fmt.Sprintf("secret name %q is reserved", reservedSecretKey),
			}
		}
	}

	trig := in.ProjDef.GetTrigger(in.TriggerName)
	if trig == nil {
		return nil, nil, &UnknownTriggerError{Name: in.TriggerName}
	}

	return p.triggerWithTrigger(ctx, in, trig)
}

// triggerWithTrigger is TriggerBuild's body minus the by-name lookup,
// shared with FireChained, which already holds the *projectdef.Trigger
// a completed run's RunSpec declared.
func (p *Pipeline) triggerWithTrigger(ctx context.Context, in Input, trig *projectdef.Trigger) (*store.Build, CommitFunc, error) {
	build, err := p.store.CreateBuild(ctx, in.Project.ID, in.TriggerName, in.Reason)
	if err != nil {
		return nil, nil, fmt.Errorf("trigger: create build: %w", err)
	}

	commit := func(ctx context.Context) error {
		if err := p.materialize(ctx, in, build, trig); err != nil {
			return p.handleUnexpectedFailure(ctx, in.Project.Name, build, err)
		}
		return nil
	}

	if in.AsyncCommit {
		return build, commit, nil
	}
	if err := commit(ctx); err != nil {
		return build, nil, err
	}
	return build, nil, nil
}

// FireChained implements runstate.ChainTrigger: once run completes
// PASSED, any chained triggers its RunSpec declared (spec.md §4.3,
// "triggers" nested under a run) are fired as new builds of their own.
// The "trigger upgrade" rule (ResolveChildTriggerType) is applied so a
// chained simple trigger inherits its parent's github_pr/git_poller
// status-reporting behavior.
//
// A completed Run carries no back-reference to the RunSpec that
// produced it, so the originating RunSpec is recovered by reloading the
// build's persisted project definition and params, then recomputing
// each candidate run's materialized name the same way materialize did.
func (p *Pipeline) FireChained(ctx context.Context, run *store.Run) error {
	build, err := p.store.GetBuildByPK(ctx, run.BuildID)
	if err != nil {
		return fmt.Errorf("fire chained: load build: %w", err)
	}
	project, err := p.store.GetProjectByID(ctx, build.ProjectID)
	if err != nil {
		return fmt.Errorf("fire chained: load project: %w", err)
	}

	yamlBytes, err := p.blobs.Get(ctx, blobstore.ProjectDefKey(project.Name, build.BuildID))
	if err != nil {
		return fmt.Errorf("fire chained: load project definition: %w", err)
	}
	projDef, err := projectdef.Validate(yamlBytes)
	if err != nil {
		return fmt.Errorf("fire chained: parse project definition: %w", err)
	}

	trig := projDef.GetTrigger(build.TriggerName)
	if trig == nil {
		return fmt.Errorf("fire chained: trigger %q no longer in project definition", build.TriggerName)
	}

	var params map[string]string
	if paramsJSON, err := p.blobs.Get(ctx, blobstore.ParamsKey(project.Name, build.BuildID)); err == nil {
		if err := json.Unmarshal(paramsJSON, &params); err != nil {
			return fmt.Errorf("fire chained: decode params: %w", err)
		}
	}

	rs, ok := findRunSpecByName(trig, run.Name, params)
	if !ok || len(rs.Triggers) == 0 {
		return nil
	}

	for i := range rs.Triggers {
		child := &rs.Triggers[i]
		childIn := Input{
			Project:     project,
			ProjDef:     projDef,
			TriggerName: child.Name,
			TriggerType: ResolveChildTriggerType(run.TriggerType, child.Type),
			Reason:      fmt.Sprintf("chained from run %q of build %d", run.Name, build.BuildID),
			Params:      params,
			BaseURL:     "",
		}
		if _, _, err := p.triggerWithTrigger(ctx, childIn, child); err != nil {
			return fmt.Errorf("fire chained trigger %q: %w", child.Name, err)
		}
	}
	return nil
}

// findRunSpecByName recovers the RunSpec a completed run was created
// from by recomputing the materialized name (applyRunNameFormat) for
// every run trig declares until one matches runName.
func findRunSpecByName(trig *projectdef.Trigger, runName string, params map[string]string) (*projectdef.RunSpec, bool) {
	for i := range trig.Runs {
		if applyRunNameFormat(trig.RunNames, trig.Runs[i].Name, params) == runName {
			return &trig.Runs[i], true
		}
	}
	return nil, false
}

// materialize implements spec.md §4.3 steps 3-4: persist the definition
// (and, for chained triggers, the parameter map) to blob storage, then
// create and dispatch-ready every run the trigger declares.
func (p *Pipeline) materialize(ctx context.Context, in Input, build *store.Build, trig *projectdef.Trigger) error {
	yamlBytes, err := in.ProjDef.Marshal()
	if err != nil {
		return fmt.Errorf("marshal project definition: %w", err)
	}
	if err := p.blobs.Put(ctx, blobstore.ProjectDefKey(in.Project.Name, build.BuildID), yamlBytes); err != nil {
		return fmt.Errorf("persist project definition: %w", err)
	}

	secrets, err := p.resolveSecrets(in)
	if err != nil {
		return err
	}

	if hasChainedTriggers(trig) {
		paramsJSON, err := json.Marshal(in.Params)
		if err != nil {
			return fmt.Errorf("marshal chained trigger params: %w", err)
		}
		if err := p.blobs.Put(ctx, blobstore.ParamsKey(in.Project.Name, build.BuildID), paramsJSON); err != nil {
			return fmt.Errorf("persist chained trigger params: %w", err)
		}
	}

	ok, err := p.conditions.Evaluate(trig.Condition, in.Params)
	if err != nil {
		return err
	}
	if !ok {
		// A falsy condition skips run creation for this trigger
		// invocation without failing the build (SPEC_FULL.md §5.2.1).
		return nil
	}

	seenNames := map[string]bool{}
	buildFailed := false
	for _, run := range trig.Runs {
		name := applyRunNameFormat(trig.RunNames, run.Name, in.Params)
		if seenNames[name] {
			return &DuplicateRunError{Name: name}
		}
		if existing, err := p.store.GetRun(ctx, build.ID, name); err == nil && existing != nil {
			return &DuplicateRunError{Name: name}
		}
		seenNames[name] = true

		r := &store.Run{
			BuildID:       build.ID,
			Name:          name,
			Status:        store.StatusQueued,
			HostTag:       run.HostTag,
			QueuePriority: in.QueuePriority,
			APIKey:        uuid.NewString(),
			TriggerType:   in.TriggerType,
		}

		if !hostTagAllowed(in.Project, run.HostTag) {
			r.Status = store.StatusFailed
			if err := p.store.CreateRun(ctx, r); err != nil {
				return fmt.Errorf("create disallowed run %s: %w", name, err)
			}
			msg := fmt.Sprintf("# host tag %q is not in project's allowed_host_tags\n", run.HostTag)
			if err := p.blobs.Put(ctx, blobstore.ConsoleLogKey(in.Project.Name, build.BuildID, name), []byte(msg)); err != nil {
				return fmt.Errorf("write disallowed-tag console log: %w", err)
			}
			buildFailed = true
			continue
		}

		if err := p.store.CreateRun(ctx, r); err != nil {
			return fmt.Errorf("create run %s: %w", name, err)
		}

		rundef, err := in.ProjDef.BuildRunDef(run, projectdef.BuildRunDefParams{
			Project:     in.Project.Name,
			Build:       build.BuildID,
			Run:         name,
			APIKey:      r.APIKey,
			TriggerType: in.TriggerType,
			BaseURL:     in.BaseURL,
			Params:      in.Params,
			Secrets:     secrets,
		})
		if err != nil {
			return fmt.Errorf("build rundef for %s: %w", name, err)
		}
		rundefJSON, err := json.Marshal(rundef)
		if err != nil {
			return fmt.Errorf("marshal rundef for %s: %w", name, err)
		}
		if err := p.blobs.Put(ctx, blobstore.RunDefKey(in.Project.Name, build.BuildID, name), rundefJSON); err != nil {
			return fmt.Errorf("persist rundef for %s: %w", name, err)
		}
	}

	if buildFailed {
		if err := p.store.UpdateBuildStatus(ctx, build.ID, store.StatusFailed); err != nil {
			return fmt.Errorf("mark build failed: %w", err)
		}
	}
	return nil
}

func (p *Pipeline) resolveSecrets(in Input) (map[string]string, error) {
	secrets := map[string]string{}
	if in.EncryptedSecretData != "" {
		plaintext, err := p.secrets.Decrypt(in.EncryptedSecretData)
		if err != nil {
			return nil, fmt.Errorf("decrypt trigger secrets: %w", err)
		}
		if err := json.Unmarshal(plaintext, &secrets); err != nil {
			return nil, fmt.Errorf("decode trigger secrets: %w", err)
		}
	}
	for k, v := range in.Secrets {
		secrets[k] = v
	}
	return secrets, nil
}

// handleUnexpectedFailure implements spec.md §4.3's "unexpected build
// failure" path: a synthetic run named build-failure is inserted FAILED
// with the exception written to its console log, the exception
// re-raised with a Location pointing at the failure's console artifact.
func (p *Pipeline) handleUnexpectedFailure(ctx context.Context, projectName string, build *store.Build, cause error) error {
	const failureRunName = "build-failure"
	r := &store.Run{
		BuildID: build.ID,
		Name:    failureRunName,
		Status:  store.StatusFailed,
		HostTag: "none",
		APIKey:  uuid.NewString(),
	}
	_ = p.store.CreateRun(ctx, r)
	_ = p.store.UpdateBuildStatus(ctx, build.ID, store.StatusFailed)

	key := blobstore.ConsoleLogKey(projectName, build.BuildID, failureRunName)
	_ = p.blobs.Put(ctx, key, []byte(cause.Error()))

	return &UnexpectedBuildFailureError{Cause: cause, Location: key}
}

// ResolveChildTriggerType implements the "trigger upgrade" rule (spec.md
// §4.3): if the parent build was triggered by github_pr or git_poller
// and a chained trigger entry is simple, the child's trigger_type is
// rewritten to the parent's so workers engage the PR-status reporting
// path.
func ResolveChildTriggerType(parentType, childType string) string {
	if childType == TypeSimple && (parentType == TypeGithubPR || parentType == TypeGitPoller) {
		return parentType
	}
	return childType
}

func hasChainedTriggers(trig *projectdef.Trigger) bool {
	for _, r := range trig.Runs {
		if len(r.Triggers) > 0 {
			return true
		}
	}
	return false
}

// hostTagAllowed implements spec.md §4.3 step 4's allowlist check: an
// empty AllowedHostTags means no whitelist.
func hostTagAllowed(project *store.Project, tag string) bool {
	if len(project.AllowedHostTags) == 0 {
		return true
	}
	for _, allowed := range project.AllowedHostTags {
		if strings.EqualFold(allowed, tag) {
			return true
		}
	}
	return false
}

// applyRunNameFormat applies the trigger's run-names format string, the
// Go-idiomatic equivalent of the original's "%(build)s-<name>" Python
// format: "{name}" and one "{<key>}" placeholder per entry of params are
// substituted. An empty format leaves the run's declared name untouched.
func applyRunNameFormat(format, runName string, params map[string]string) string {
	if format == "" {
		return runName
	}
	replacer := strings.NewReplacer(append([]string{"{name}", runName}, flattenParams(params)...)...)
	return replacer.Replace(format)
}

func flattenParams(params map[string]string) []string {
	out := make([]string, 0, len(params)*2)
	for k, v := range params {
		out = append(out, fmt.Sprintf("{%s}", k), v)
	}
	return out
}
