package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/foundriesio/jobserv/internal/auth"
	jobservErrors "github.com/foundriesio/jobserv/internal/errors"
	joblog "github.com/foundriesio/jobserv/internal/log"
	"github.com/foundriesio/jobserv/internal/store"
)

type workerCtxKey struct{}

// workerFromContext returns the Worker a workerAuth-wrapped handler
// resolved, never nil inside such a handler.
func workerFromContext(ctx context.Context) *store.Worker {
	w, _ := ctx.Value(workerCtxKey{}).(*store.Worker)
	return w
}

// signed wraps a handler whose caller must present a valid X-Time/
// X-JobServ-Sig pair (spec.md §4.7 "internal HMAC"), used by privileged
// endpoints: trigger build, annotate, promote, external-builds.
func (r *Router) signed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		baseURL := r.baseURL(req) + req.URL.Path
		if err := auth.VerifyInternal(req, r.cfg.InternalAPIKey, baseURL); err != nil {
			writeError(w, r.logger, joblog.CorrelationID(req.Context()), err)
			return
		}
		next(w, req)
	}
}

// workerAuth wraps a handler requiring a worker credential: either the
// legacy "Authorization: Token <api_key>" scheme or an ES256 bearer JWT
// when a CertStore is configured (spec.md §4.7). On success the
// resolved Worker is stashed in the request context.
//
// A bearer token is tried first when the Authorization header carries
// the Bearer scheme, since spec.md §4.7 requires that "the first
// successful bearer authentication from a previously unseen name
// auto-creates a Worker record" — a GetWorker-first lookup would 404
// before the token was ever checked.
func (r *Router) workerAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		cid := joblog.CorrelationID(ctx)
		name := req.PathValue("name")

		if r.certs != nil && strings.HasPrefix(req.Header.Get("Authorization"), "Bearer ") {
			result, err := r.certs.VerifyBearer(req)
			if err != nil {
				writeError(w, r.logger, cid, err)
				return
			}
			if result.Name != name {
				writeError(w, r.logger, cid, &jobservErrors.ForbiddenError{Message: "bearer token name does not match worker"})
				return
			}

			worker, err := r.store.GetWorker(ctx, name)
			if err != nil {
				if _, notFound := err.(*jobservErrors.NotFoundError); !notFound {
					writeError(w, r.logger, cid, err)
					return
				}
				worker = &store.Worker{Name: name, Enlisted: true, APIKey: newAPIKey(), AllowedTags: result.AllowedTags}
				if err := r.store.CreateWorker(ctx, worker); err != nil {
					writeError(w, r.logger, cid, err)
					return
				}
			}
			if !tagsSubset(worker.HostTags, result.AllowedTags) {
				writeError(w, r.logger, cid, &jobservErrors.ForbiddenError{Message: "worker host_tags exceed certificate allowed_tags"})
				return
			}
			worker.AllowedTags = result.AllowedTags
			next(w, req.WithContext(context.WithValue(ctx, workerCtxKey{}, worker)))
			return
		}

		worker, err := r.store.GetWorker(ctx, name)
		if err != nil {
			writeError(w, r.logger, cid, err)
			return
		}
		if err := auth.VerifyWorkerAPIKey(req, worker.APIKey); err != nil {
			writeError(w, r.logger, cid, err)
			return
		}
		next(w, req.WithContext(context.WithValue(ctx, workerCtxKey{}, worker)))
	}
}

func tagsSubset(hostTags, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	allowedSet := map[string]bool{}
	for _, a := range allowed {
		allowedSet[a] = true
	}
	for _, t := range hostTags {
		if !allowedSet[t] {
			return false
		}
	}
	return true
}
