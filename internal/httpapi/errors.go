package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"llamad/internal/manager"
	"llamad/pkg/types"
)

// HTTPError allows services to provide an HTTP status code for an error.
type HTTPError interface {
	error
	StatusCode() int
}

// writeJSON writes v as a JSON body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

// statusForError maps manager errors onto HTTP status codes.
func statusForError(err error) int {
	var le *manager.LoadError
	var he HTTPError
	switch {
	case manager.IsDependencyUnavailable(err):
		return http.StatusServiceUnavailable
	case manager.IsInvalidRequest(err):
		return http.StatusBadRequest
	case manager.IsStateError(err):
		return http.StatusConflict
	case errors.As(err, &le):
		if le.Cause == manager.LoadNotFound {
			return http.StatusNotFound
		}
		return http.StatusUnprocessableEntity
	case errors.As(err, &he):
		return he.StatusCode()
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) int {
	status := statusForError(err)
	writeJSONError(w, status, err.Error())
	return status
}
