package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"time"

	"github.com/foundriesio/jobserv/internal/blobstore"
	jobservErrors "github.com/foundriesio/jobserv/internal/errors"
	joblog "github.com/foundriesio/jobserv/internal/log"
	"github.com/foundriesio/jobserv/internal/projectdef"
	"github.com/foundriesio/jobserv/internal/runstate"
	"github.com/foundriesio/jobserv/internal/store"
	"github.com/foundriesio/jobserv/internal/trigger"
)

func nowUnix() int64 { return time.Now().UTC().Unix() }

// buildSummary is the list/detail representation of a Build (spec.md §6).
type buildSummary struct {
	URL         string `json:"url"`
	BuildID     int64  `json:"build_id"`
	Status      string `json:"status"`
	TriggerName string `json:"trigger_name"`
	Reason      string `json:"reason,omitempty"`
	Name        string `json:"name,omitempty"`
	Annotation  string `json:"annotation,omitempty"`
	CreatedAt   string `json:"created_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func (r *Router) toSummary(req *http.Request, projectName string, b *store.Build) buildSummary {
	s := buildSummary{
		URL:         fmt.Sprintf("%sprojects/%s/builds/%d/", r.baseURL(req)+"/", projectName, b.BuildID),
		BuildID:     b.BuildID,
		Status:      string(b.Status),
		TriggerName: b.TriggerName,
		Reason:      b.Reason,
		Name:        b.Name,
		Annotation:  b.Annotation,
		CreatedAt:   b.Created.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if b.Completed != nil {
		s.CompletedAt = b.Completed.UTC().Format("2006-01-02T15:04:05Z")
	}
	return s
}

// handleListBuilds implements "GET /projects/<p>/builds/ -> paginated
// builds (newest-first)" (spec.md §6).
func (r *Router) handleListBuilds(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	cid := joblog.CorrelationID(ctx)

	project, err := r.store.GetProject(ctx, req.PathValue("project"))
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	limit := queryInt(req, "limit", 30)
	offset := queryInt(req, "offset", 0)

	builds, err := r.store.ListBuilds(ctx, project.ID, limit, offset)
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	out := make([]buildSummary, 0, len(builds))
	for _, b := range builds {
		out = append(out, r.toSummary(req, project.Name, b))
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"builds": out})
}

// triggerBuildRequest is the body of "POST /projects/<p>/builds/"
// (spec.md §6).
type triggerBuildRequest struct {
	TriggerName       string            `json:"trigger-name"`
	Params            map[string]string `json:"params"`
	Secrets           map[string]string `json:"secrets"`
	ProjectDefinition string            `json:"project-definition"`
	TriggerType       string            `json:"trigger-type"`
	TriggerID         string            `json:"trigger-id"`
	Reason            string            `json:"reason"`
	QueuePriority     int               `json:"queue-priority"`
}

// handleTriggerBuild implements "POST /projects/<p>/builds/ (signed) ->
// trigger build" (spec.md §6).
func (r *Router) handleTriggerBuild(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	cid := joblog.CorrelationID(ctx)

	project, err := r.store.GetProject(ctx, req.PathValue("project"))
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	var body triggerBuildRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, r.logger, cid, &jobservErrors.ValidationError{Message: "invalid JSON body"})
		return
	}
	if body.TriggerName == "" {
		writeError(w, r.logger, cid, &jobservErrors.ValidationError{Field: "trigger-name", Message: "required"})
		return
	}
	if body.ProjectDefinition == "" {
		writeError(w, r.logger, cid, &jobservErrors.ValidationError{Field: "project-definition", Message: "required"})
		return
	}

	def, err := projectdef.Validate([]byte(body.ProjectDefinition))
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	triggerType := body.TriggerType
	encryptedSecrets := ""
	if body.TriggerID != "" {
		t, err := r.store.GetTrigger(ctx, project.ID, body.TriggerID)
		if err != nil {
			writeError(w, r.logger, cid, err)
			return
		}
		triggerType = t.Type
		encryptedSecrets = t.SecretData
	}
	if triggerType == "" {
		triggerType = trigger.TypeSimple
	}

	build, commit, err := r.pipeline.TriggerBuild(ctx, trigger.Input{
		Project:              project,
		ProjDef:              def,
		TriggerName:          body.TriggerName,
		TriggerType:          triggerType,
		Reason:               body.Reason,
		Params:               body.Params,
		Secrets:              body.Secrets,
		EncryptedSecretData:  encryptedSecrets,
		QueuePriority:        body.QueuePriority,
		AsyncCommit:          false,
		BaseURL:              r.baseURL(req),
	})
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}
	_ = commit

	writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"url":      fmt.Sprintf("%s/projects/%s/builds/%d/", r.baseURL(req), project.Name, build.BuildID),
		"build_id": build.BuildID,
		"web_url":  fmt.Sprintf("%s/projects/%s/builds/%d/", r.baseURL(req), project.Name, build.BuildID),
	})
}

// lookupBuild resolves {project}/{build} path values into a Project and
// Build, the pattern most build-scoped handlers share.
func (r *Router) lookupBuild(req *http.Request) (*store.Project, *store.Build, error) {
	ctx := req.Context()
	project, err := r.store.GetProject(ctx, req.PathValue("project"))
	if err != nil {
		return nil, nil, err
	}
	buildID, err := strconv.ParseInt(req.PathValue("build"), 10, 64)
	if err != nil {
		return nil, nil, &jobservErrors.ValidationError{Field: "build", Message: "must be an integer"}
	}
	build, err := r.store.GetBuild(ctx, project.ID, buildID)
	if err != nil {
		return nil, nil, err
	}
	return project, build, nil
}

// handleGetBuild implements "GET /projects/<p>/builds/<id>/" (spec.md §6).
func (r *Router) handleGetBuild(w http.ResponseWriter, req *http.Request) {
	cid := joblog.CorrelationID(req.Context())
	project, build, err := r.lookupBuild(req)
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	runs, err := r.store.ListRunsForBuild(req.Context(), build.ID)
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}
	runSummaries := make([]map[string]interface{}, 0, len(runs))
	for _, run := range runs {
		runSummaries = append(runSummaries, map[string]interface{}{
			"name":         run.Name,
			"status":       run.Status,
			"host_tag":     run.HostTag,
			"trigger_type": run.TriggerType,
		})
	}

	summary := r.toSummary(req, project.Name, build)
	writeSuccess(w, http.StatusOK, map[string]interface{}{"build": summary, "runs": runSummaries})
}

// annotateRequest is the body of "PATCH /projects/<p>/builds/<id>/".
type annotateRequest struct {
	Annotation string `json:"annotation"`
}

// handleAnnotateBuild implements "PATCH /projects/<p>/builds/<id>/
// (signed; {annotation})" (spec.md §6).
func (r *Router) handleAnnotateBuild(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	cid := joblog.CorrelationID(ctx)
	_, build, err := r.lookupBuild(req)
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	var body annotateRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, r.logger, cid, &jobservErrors.ValidationError{Message: "invalid JSON body"})
		return
	}
	if err := r.store.AnnotateBuild(ctx, build.ID, body.Annotation); err != nil {
		writeError(w, r.logger, cid, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"annotation": body.Annotation})
}

// handleCancelBuild implements "POST /projects/<p>/builds/<id>/cancel"
// (spec.md §6): every non-terminal run of the build moves to CANCELLING.
func (r *Router) handleCancelBuild(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	cid := joblog.CorrelationID(ctx)
	_, build, err := r.lookupBuild(req)
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}
	if build.Status.IsTerminal() {
		writeError(w, r.logger, cid, &jobservErrors.ConflictError{Message: "build already complete"})
		return
	}
	if err := r.store.CancelBuildRuns(ctx, build.ID, nowUnix()); err != nil {
		writeError(w, r.logger, cid, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"status": "CANCELLING"})
}

// promoteRequest is the body of "POST /projects/<p>/builds/<id>/promote".
type promoteRequest struct {
	Name       string `json:"name"`
	Annotation string `json:"annotation"`
}

// handlePromoteBuild implements "POST /projects/<p>/builds/<id>/promote
// (signed; {name, annotation}; 400 if build not yet complete)" (spec.md
// §6).
func (r *Router) handlePromoteBuild(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	cid := joblog.CorrelationID(ctx)
	_, build, err := r.lookupBuild(req)
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}
	if !build.Status.IsTerminal() {
		writeError(w, r.logger, cid, &jobservErrors.ValidationError{Message: "build not yet complete"})
		return
	}

	var body promoteRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, r.logger, cid, &jobservErrors.ValidationError{Message: "invalid JSON body"})
		return
	}
	if body.Name == "" {
		writeError(w, r.logger, cid, &jobservErrors.ValidationError{Field: "name", Message: "required"})
		return
	}
	if err := r.store.PromoteBuild(ctx, build.ID, body.Name, body.Annotation); err != nil {
		writeError(w, r.logger, cid, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"name": body.Name, "annotation": body.Annotation})
}

// handleLatestBuild implements "GET /projects/<p>/builds/latest/
// ?trigger_name": the most recent build (among the project's 50 newest)
// matching the optional trigger_name filter. The promoted and all query
// parameters are not read.
func (r *Router) handleLatestBuild(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	cid := joblog.CorrelationID(ctx)
	project, err := r.store.GetProject(ctx, req.PathValue("project"))
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	triggerName := req.URL.Query().Get("trigger_name")
	builds, err := r.store.ListBuilds(ctx, project.ID, 50, 0)
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}
	for _, b := range builds {
		if triggerName != "" && b.TriggerName != triggerName {
			continue
		}
		writeSuccess(w, http.StatusOK, map[string]interface{}{"build": r.toSummary(req, project.Name, b)})
		return
	}
	writeError(w, r.logger, cid, &jobservErrors.NotFoundError{Resource: "build", ID: "latest"})
}

// handleProjectYML implements "GET /projects/<p>/builds/<id>/project.yml
// -> text/yaml" (spec.md §6).
func (r *Router) handleProjectYML(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	cid := joblog.CorrelationID(ctx)
	project, build, err := r.lookupBuild(req)
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	yamlBytes, err := r.blobs.Get(ctx, blobstore.ProjectDefKey(project.Name, build.BuildID))
	if err != nil {
		writeError(w, r.logger, cid, &jobservErrors.NotFoundError{Resource: "project.yml", ID: project.Name})
		return
	}
	w.Header().Set("Content-Type", "text/yaml")
	_, _ = w.Write(yamlBytes)
}

// externalBuildRequest is the body of "POST
// /projects/<p>/external-builds/" (spec.md §6).
type externalBuildRequest struct {
	TriggerName string `json:"trigger-name"`
	Runs        []struct {
		Name          string   `json:"name"`
		ArtifactLinks []string `json:"artifact-links"`
	} `json:"runs"`
}

// handleExternalBuild implements "POST /projects/<p>/external-builds/
// (signed) -> record an externally executed build; ... all runs start
// PASSED" (spec.md §6).
func (r *Router) handleExternalBuild(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	cid := joblog.CorrelationID(ctx)
	project, err := r.store.GetProject(ctx, req.PathValue("project"))
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	var body externalBuildRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, r.logger, cid, &jobservErrors.ValidationError{Message: "invalid JSON body"})
		return
	}
	if len(body.Runs) == 0 {
		writeError(w, r.logger, cid, &jobservErrors.ValidationError{Field: "runs", Message: "at least one run is required"})
		return
	}

	build, err := r.store.CreateBuild(ctx, project.ID, body.TriggerName, "external")
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	for _, rr := range body.Runs {
		run := &store.Run{
			BuildID: build.ID,
			Name:    rr.Name,
			Status:  store.StatusPassed,
			HostTag: "external",
		}
		if err := r.store.CreateRun(ctx, run); err != nil {
			writeError(w, r.logger, cid, err)
			return
		}
		if len(rr.ArtifactLinks) > 0 {
			links := fmt.Sprintf("%v", rr.ArtifactLinks)
			_ = r.blobs.Put(ctx, blobstore.ConsoleLogKey(project.Name, build.BuildID, rr.Name), []byte("artifacts: "+links+"\n"))
		}
	}
	if err := r.store.UpdateBuildStatus(ctx, build.ID, store.StatusPassed); err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"build_id": build.BuildID,
		"url":      fmt.Sprintf("%s/projects/%s/builds/%d/", r.baseURL(req), project.Name, build.BuildID),
	})
}

// handleRunConsole implements the run-facing "POST
// /projects/<p>/builds/<b>/runs/<r>/ (header Authorization: Token
// <run.api_key>, header X-RUN-STATUS, raw body = console chunk)"
// (spec.md §6).
func (r *Router) handleRunConsole(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	cid := joblog.CorrelationID(ctx)

	project, build, err := r.lookupBuild(req)
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}
	runName := req.PathValue("run")
	run, err := r.store.GetRun(ctx, build.ID, runName)
	if err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	const tokenPrefix = "Token "
	authHeader := req.Header.Get("Authorization")
	if len(authHeader) <= len(tokenPrefix) || authHeader[:len(tokenPrefix)] != tokenPrefix || authHeader[len(tokenPrefix):] != run.APIKey {
		writeError(w, r.logger, cid, &jobservErrors.AuthInvalidError{Message: "invalid run api_key"})
		return
	}

	chunk, err := io.ReadAll(req.Body)
	if err != nil {
		writeError(w, r.logger, cid, &jobservErrors.ValidationError{Message: "failed to read body"})
		return
	}
	if len(chunk) > 0 {
		if err := r.blobs.Append(ctx, blobstore.ConsoleLogKey(project.Name, build.BuildID, runName), chunk); err != nil {
			writeError(w, r.logger, cid, &jobservErrors.StorageUnavailableError{Cause: err})
			return
		}
	}

	if status := req.Header.Get("X-RUN-STATUS"); status != "" {
		to := store.BuildStatus(status)
		var opts runstate.Options
		if to == store.StatusRunning {
			opts = runstate.Options{SetRunningAcked: !run.RunningAcked}
		}
		if err := r.runst.Transition(ctx, run, to, opts); err != nil {
			// A rejected edge out of CANCELLING falls through to the
			// RunCancelledError reply below.
			if _, ok := err.(*runstate.ErrTerminal); !ok && run.Status != store.StatusCancelling {
				writeError(w, r.logger, cid, err)
				return
			}
		}
	} else {
		_ = r.runst.AppendConsole(ctx, run)
	}

	if run.Status == store.StatusCancelling {
		writeError(w, r.logger, cid, &jobservErrors.RunCancelledError{RunName: runName})
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"status": run.Status})
}

func queryInt(req *http.Request, key string, def int) int {
	if v := req.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
