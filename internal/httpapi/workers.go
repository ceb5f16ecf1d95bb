package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/foundriesio/jobserv/internal/dispatcher"
	jobservErrors "github.com/foundriesio/jobserv/internal/errors"
	joblog "github.com/foundriesio/jobserv/internal/log"
	"github.com/foundriesio/jobserv/internal/store"
)

// createWorkerRequest is the body of "POST /workers/<n>/" (spec.md §6).
type createWorkerRequest struct {
	Distro         string   `json:"distro"`
	MemTotal       int64    `json:"mem_total"`
	CPUTotal       int      `json:"cpu_total"`
	CPUType        string   `json:"cpu_type"`
	ConcurrentRuns int      `json:"concurrent_runs"`
	HostTags       []string `json:"host_tags"`
	SurgesOnly     bool     `json:"surges_only"`
}

// handleWorkerCreate implements "POST /workers/<n>/ (create)" (spec.md
// §6). The new worker is enlisted but offline until its first check-in.
func (r *Router) handleWorkerCreate(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	cid := joblog.CorrelationID(ctx)

	var body createWorkerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, r.logger, cid, &jobservErrors.ValidationError{Message: "invalid JSON body"})
		return
	}

	worker := &store.Worker{
		Name:           req.PathValue("name"),
		Distro:         body.Distro,
		MemTotal:       body.MemTotal,
		CPUTotal:       body.CPUTotal,
		CPUType:        body.CPUType,
		ConcurrentRuns: body.ConcurrentRuns,
		HostTags:       body.HostTags,
		APIKey:         newAPIKey(),
		Enlisted:       true,
		SurgesOnly:     body.SurgesOnly,
	}
	if err := r.store.CreateWorker(ctx, worker); err != nil {
		writeError(w, r.logger, cid, err)
		return
	}
	writeSuccess(w, http.StatusCreated, map[string]interface{}{"name": worker.Name, "api_key": worker.APIKey})
}

// patchWorkerRequest is the body of "PATCH /workers/<n>/ (auth)".
type patchWorkerRequest struct {
	Enlisted   *bool    `json:"enlisted"`
	SurgesOnly *bool    `json:"surges_only"`
	HostTags   []string `json:"host_tags"`
}

// handleWorkerPatch implements "PATCH /workers/<n>/ (auth)" (spec.md §6).
func (r *Router) handleWorkerPatch(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	cid := joblog.CorrelationID(ctx)
	worker := workerFromContext(ctx)

	var body patchWorkerRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, r.logger, cid, &jobservErrors.ValidationError{Message: "invalid JSON body"})
		return
	}
	if body.Enlisted != nil {
		worker.Enlisted = *body.Enlisted
	}
	if body.SurgesOnly != nil {
		worker.SurgesOnly = *body.SurgesOnly
	}
	if body.HostTags != nil {
		if !tagsSubset(body.HostTags, worker.AllowedTags) {
			writeError(w, r.logger, cid, &jobservErrors.ForbiddenError{Message: "host_tags exceed certificate allowed_tags"})
			return
		}
		worker.HostTags = body.HostTags
	}
	if err := r.store.UpdateWorker(ctx, worker); err != nil {
		writeError(w, r.logger, cid, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{"name": worker.Name})
}

// handleWorkerCheckin implements "GET /workers/<n>/?available_runners&
// mem_free&disk_free&load_avg_* (auth; may return a RunDef in
// data.worker.run-defs)" (spec.md §6).
func (r *Router) handleWorkerCheckin(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	cid := joblog.CorrelationID(ctx)
	worker := workerFromContext(ctx)

	worker.Online = true
	worker.LastPing = timeNow()
	if err := r.store.UpdateWorker(ctx, worker); err != nil {
		writeError(w, r.logger, cid, err)
		return
	}

	checkIn := dispatcher.CheckIn{
		Worker:           worker,
		AvailableRunners: queryInt(req, "available_runners", 0),
		DiskFreeBytes:    int64(queryInt(req, "disk_free", 0)),
		RequestBaseURL:   r.baseURL(req),
		ActiveSurgeTags:  r.activeSurgeTags(),
	}

	runDef, run, err := r.dispatcher.Dispatch(ctx, checkIn)
	if err != nil {
		if err == dispatcher.ErrNoWork {
			writeSuccess(w, http.StatusOK, map[string]interface{}{"worker": map[string]interface{}{}})
			return
		}
		writeError(w, r.logger, cid, err)
		return
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"worker": map[string]interface{}{
			"run-defs": map[string]interface{}{run.Name: runDef},
		},
	})
}

// handleWorkerEvents implements "POST /workers/<n>/events/" (spec.md
// §6): a generic worker-originated event log, stored as a blob-free
// acknowledgement for now since spec.md leaves the event schema open.
func (r *Router) handleWorkerEvents(w http.ResponseWriter, req *http.Request) {
	var body map[string]interface{}
	_ = json.NewDecoder(req.Body).Decode(&body)
	r.logger.Info("worker event", joblog.WorkerKey, workerFromContext(req.Context()).Name, "event", body)
	writeSuccess(w, http.StatusOK, map[string]interface{}{})
}

// handleVolumesDeleted implements "GET /workers/<n>/volumes-deleted/"
// (spec.md §6): JobServ doesn't track per-worker persistent-volume
// lifecycles centrally, so this always reports none pending.
func (r *Router) handleVolumesDeleted(w http.ResponseWriter, _ *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]interface{}{"volumes": []string{}})
}

// handleWorkerLogs implements "PUT /workers/<n>/logs/ (gzipped)"
// (spec.md §6), landing the payload under WorkerLogsDir for the
// monitor's worker-logs GC sweep.
func (r *Router) handleWorkerLogs(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	cid := joblog.CorrelationID(ctx)
	worker := workerFromContext(ctx)

	if r.cfg.WorkerLogsDir == "" {
		writeSuccess(w, http.StatusOK, map[string]interface{}{})
		return
	}
	if err := os.MkdirAll(r.cfg.WorkerLogsDir, 0o750); err != nil {
		writeError(w, r.logger, cid, err)
		return
	}
	data, err := readAll(req)
	if err != nil {
		writeError(w, r.logger, cid, &jobservErrors.ValidationError{Message: "failed to read body"})
		return
	}
	name := strings.ReplaceAll(worker.Name, "/", "_") + "-" + newAPIKey()[:8] + ".log.gz"
	if err := os.WriteFile(filepath.Join(r.cfg.WorkerLogsDir, name), data, 0o640); err != nil {
		writeError(w, r.logger, cid, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{})
}

// activeSurgeTags reads the monitor's on-disk surge markers (spec.md §6
// "Surge markers") into the set dispatcher.CheckIn.ActiveSurgeTags
// expects.
func (r *Router) activeSurgeTags() map[string]bool {
	out := map[string]bool{}
	if r.cfg.SurgeMarkerDir == "" {
		return out
	}
	entries, err := os.ReadDir(r.cfg.SurgeMarkerDir)
	if err != nil {
		return out
	}
	const prefix = "enable_surge-"
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			out[strings.ToLower(strings.TrimPrefix(e.Name(), prefix))] = true
		}
	}
	return out
}
