package httpapi

import "net/http"

// handleHealthz implements "GET /healthz -> empty 200" (spec.md §6).
func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleStatic serves the runner/worker static download endpoints
// (spec.md §6). JobServ doesn't bundle the runner/worker agent
// binaries themselves; this returns a 404 until an operator mounts one,
// matching spec.md's "representative" framing of these routes.
func (r *Router) handleStatic(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		http.NotFound(w, req)
	}
}

// handleSimulator implements "GET /simulator?version=... (304 when
// version matches)" (spec.md §6).
func (r *Router) handleSimulator(w http.ResponseWriter, req *http.Request) {
	const currentVersion = "1"
	if req.URL.Query().Get("version") == currentVersion {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	http.NotFound(w, req)
}
