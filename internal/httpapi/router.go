package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/foundriesio/jobserv/internal/auth"
	"github.com/foundriesio/jobserv/internal/blobstore"
	"github.com/foundriesio/jobserv/internal/config"
	"github.com/foundriesio/jobserv/internal/dispatcher"
	joblog "github.com/foundriesio/jobserv/internal/log"
	"github.com/foundriesio/jobserv/internal/runstate"
	"github.com/foundriesio/jobserv/internal/store"
	"github.com/foundriesio/jobserv/internal/tracing"
	"github.com/foundriesio/jobserv/internal/trigger"
)

// Router wires every dependency the HTTP surface needs and exposes an
// http.Handler, mirroring the teacher's daemon/api.Router shape (a
// thin wrapper around *http.ServeMux with a fixed middleware chain).
type Router struct {
	mux *http.ServeMux

	store      store.Store
	blobs      blobstore.BlobStore
	dispatcher *dispatcher.Dispatcher
	pipeline   *trigger.Pipeline
	runst      *runstate.Machine
	certs      *auth.CertStore
	cfg        *config.Config
	logger     *slog.Logger
}

// New builds a Router with every route registered.
func New(s store.Store, blobs blobstore.BlobStore, d *dispatcher.Dispatcher, p *trigger.Pipeline, runst *runstate.Machine, certs *auth.CertStore, cfg *config.Config, logger *slog.Logger) *Router {
	r := &Router{
		mux:        http.NewServeMux(),
		store:      s,
		blobs:      blobs,
		dispatcher: d,
		pipeline:   p,
		runst:      runst,
		certs:      certs,
		cfg:        cfg,
		logger:     logger,
	}
	r.registerRoutes()
	return r
}

func (r *Router) registerRoutes() {
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.HandleFunc("GET /runner", r.handleStatic("runner"))
	r.mux.HandleFunc("GET /worker", r.handleStatic("worker"))
	r.mux.HandleFunc("GET /simulator", r.handleSimulator)

	r.mux.HandleFunc("GET /projects/{project}/builds/", r.handleListBuilds)
	r.mux.HandleFunc("POST /projects/{project}/builds/", r.signed(r.handleTriggerBuild))
	r.mux.HandleFunc("GET /projects/{project}/builds/{build}/", r.handleGetBuild)
	r.mux.HandleFunc("PATCH /projects/{project}/builds/{build}/", r.signed(r.handleAnnotateBuild))
	r.mux.HandleFunc("POST /projects/{project}/builds/{build}/cancel", r.handleCancelBuild)
	r.mux.HandleFunc("POST /projects/{project}/builds/{build}/promote", r.signed(r.handlePromoteBuild))
	r.mux.HandleFunc("GET /projects/{project}/builds/latest/", r.handleLatestBuild)
	r.mux.HandleFunc("GET /projects/{project}/builds/{build}/project.yml", r.handleProjectYML)
	r.mux.HandleFunc("POST /projects/{project}/external-builds/", r.signed(r.handleExternalBuild))

	r.mux.HandleFunc("POST /projects/{project}/builds/{build}/runs/{run}/", r.handleRunConsole)

	r.mux.HandleFunc("POST /workers/{name}/", r.handleWorkerCreate)
	r.mux.HandleFunc("PATCH /workers/{name}/", r.workerAuth(r.handleWorkerPatch))
	r.mux.HandleFunc("GET /workers/{name}/", r.workerAuth(r.handleWorkerCheckin))
	r.mux.HandleFunc("POST /workers/{name}/events/", r.workerAuth(r.handleWorkerEvents))
	r.mux.HandleFunc("GET /workers/{name}/volumes-deleted/", r.workerAuth(r.handleVolumesDeleted))
	r.mux.HandleFunc("PUT /workers/{name}/logs/", r.workerAuth(r.handleWorkerLogs))

	r.mux.HandleFunc("POST /github/{project}/", r.handleGithubWebhook)
	r.mux.HandleFunc("POST /gitlab/{project}/", r.handleGitlabWebhook)
}

// ServeHTTP implements http.Handler, applying the logging/correlation
// and tracing middleware around every route (spec.md §6 "every response
// carries x-correlation-id").
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var h http.Handler = r.mux
	h = joblog.Middleware(r.logger)(h)
	h = tracing.Middleware(h)
	h.ServeHTTP(w, req)
}

func (r *Router) baseURL(req *http.Request) string {
	scheme := "http"
	if req.TLS != nil || req.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + req.Host
}
