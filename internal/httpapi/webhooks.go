package httpapi

import (
	"context"
	"fmt"
	"net/http"

	jobservErrors "github.com/foundriesio/jobserv/internal/errors"
	joblog "github.com/foundriesio/jobserv/internal/log"

	"github.com/foundriesio/jobserv/internal/blobstore"
	"github.com/foundriesio/jobserv/internal/projectdef"
	"github.com/foundriesio/jobserv/internal/store"
	"github.com/foundriesio/jobserv/internal/trigger"
	"github.com/foundriesio/jobserv/internal/webhook"
)

// latestProjectDef loads the most recently persisted project.yml for
// project, newest build first. Source-forge webhooks carry no
// project-definition body of their own (spec.md §6 "POST /github/<p>/"
// has none), so the definition that produced the project's most recent
// build is the one a webhook-triggered build re-resolves runs against;
// fetching DefinitionRepo/DefinitionFile from the forge directly is the
// YAML-parsing/source-forge-fetch collaborator spec.md §1 scopes out of
// the core.
func (r *Router) latestProjectDef(ctx context.Context, project *store.Project) (*projectdef.ProjDef, error) {
	builds, err := r.store.ListBuilds(ctx, project.ID, 50, 0)
	if err != nil {
		return nil, err
	}
	for _, b := range builds {
		raw, getErr := r.blobs.Get(ctx, blobstore.ProjectDefKey(project.Name, b.BuildID))
		if getErr == nil {
			return projectdef.Validate(raw)
		}
	}
	return nil, &jobservErrors.NotFoundError{Resource: "project-definition", ID: project.Name}
}

// handleWebhook implements the shared "POST /github/<p>/ and POST
// /gitlab/<p>/" flow (spec.md §6): resolve which ProjectTrigger signed
// the body (spec.md §4.7 "tries every trigger of the right type until
// one validates"), extract its params, and trigger a build asynchronously
// so the HTTP reply goes out before the (potentially slow) commit
// completes (spec.md §9 "Webhook concurrency").
func (r *Router) handleWebhook(w http.ResponseWriter, req *http.Request, kind webhook.Kind) {
	ctx := req.Context()
	cid := joblog.CorrelationID(ctx)

	project, err := r.store.GetProject(ctx, req.PathValue("project"))
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	body, err := webhook.ReadBody(req)
	if err != nil {
		writeError(w, r.logger, cid, &jobservErrors.ValidationError{Message: err.Error()})
		return
	}

	triggers, err := r.store.ListTriggersByType(ctx, project.ID, string(kind))
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	resolved, err := webhook.Resolve(ctx, kind, triggers, body, req.Header.Get("X-Hub-Signature"))
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	def, err := r.latestProjectDef(ctx, project)
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	build, commit, err := r.pipeline.TriggerBuild(ctx, trigger.Input{
		Project:             project,
		ProjDef:             def,
		TriggerName:         resolved.Trigger.Name,
		TriggerType:         resolved.Trigger.Type,
		Reason:              fmt.Sprintf("%s webhook", kind),
		Params:              resolved.Params,
		EncryptedSecretData: resolved.Trigger.SecretData,
		AsyncCommit:         true,
		BaseURL:             r.baseURL(req),
	})
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	url := fmt.Sprintf("%s/projects/%s/builds/%d/", r.baseURL(req), project.Name, build.BuildID)
	writeSuccess(w, http.StatusCreated, map[string]interface{}{"url": url})

	if commit != nil {
		go func() {
			if err := commit(context.Background()); err != nil {
				r.logger.Error("webhook build commit failed",
					joblog.ProjectKey, project.Name,
					joblog.BuildIDKey, build.BuildID,
					"error", err)
			}
		}()
	}
}

// handleGithubWebhook implements "POST /github/<p>/" (spec.md §6).
func (r *Router) handleGithubWebhook(w http.ResponseWriter, req *http.Request) {
	r.handleWebhook(w, req, webhook.KindGitHub)
}

// handleGitlabWebhook implements "POST /gitlab/<p>/" (spec.md §6).
func (r *Router) handleGitlabWebhook(w http.ResponseWriter, req *http.Request) {
	r.handleWebhook(w, req, webhook.KindGitLab)
}
