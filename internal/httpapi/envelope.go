// Package httpapi is JobServ's HTTP surface (spec.md §6): builds,
// workers, runs, webhooks, and a handful of static endpoints, wired
// against the store, dispatcher, trigger pipeline, runstate machine,
// and auth packages. Routing and response-writing style are grounded on
// the teacher's internal/daemon/api package (http.ServeMux with Go 1.22
// method+pattern routes, internal/daemon/httputil.WriteJSON).
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	jobservErrors "github.com/foundriesio/jobserv/internal/errors"
)

// envelope is the wire format spec.md §6 mandates: success responses
// carry `data`, error responses carry `message` (and, for unexpected
// errors, an `error_msg` correlation hint).
type envelope struct {
	Status   string      `json:"status"`
	Data     interface{} `json:"data,omitempty"`
	Message  string      `json:"message,omitempty"`
	ErrorMsg string      `json:"error_msg,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("httpapi: failed to encode response", slog.Any("error", err))
	}
}

// writeSuccess writes {status:"success", data:...} at status.
func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, envelope{Status: "success", Data: data})
}

// writeError maps err to an HTTP status and the {status:"error",...}
// envelope spec.md §6 describes, using JobServ's typed error taxonomy
// rather than string-matching (internal/errors).
func writeError(w http.ResponseWriter, logger *slog.Logger, correlationID string, err error) {
	status, msg, errMsg := classify(correlationID, err)
	if status >= 500 {
		logger.Error("httpapi: request failed", slog.String("correlation_id", correlationID), slog.Any("error", err))
	}
	writeJSON(w, status, envelope{Status: "error", Message: msg, ErrorMsg: errMsg})
}

func classify(correlationID string, err error) (status int, message string, errMsg string) {
	switch e := err.(type) {
	case *jobservErrors.ValidationError:
		return http.StatusBadRequest, e.Error(), ""
	case *jobservErrors.NotFoundError:
		return http.StatusNotFound, e.Error(), ""
	case *jobservErrors.ConflictError:
		return http.StatusConflict, e.Error(), ""
	case *jobservErrors.AuthMissingError:
		return http.StatusUnauthorized, e.Error(), ""
	case *jobservErrors.AuthInvalidError:
		return http.StatusUnauthorized, e.Error(), ""
	case *jobservErrors.ForbiddenError:
		return http.StatusForbidden, e.Error(), ""
	case *jobservErrors.StorageUnavailableError:
		return http.StatusInternalServerError, "storage temporarily unavailable", ""
	case *jobservErrors.RunCancelledError:
		return http.StatusConflict, e.Error(), ""
	case *jobservErrors.UnexpectedError:
		return http.StatusInternalServerError, "an unexpected error occurred", e.Error()
	default:
		return http.StatusInternalServerError, "an unexpected error occurred",
			(&jobservErrors.UnexpectedError{CorrelationID: correlationID, Cause: err}).Error()
	}
}
