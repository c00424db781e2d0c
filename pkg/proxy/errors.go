package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/gravitational/trace"
)

// ErrorToCode maps pipeline errors to the status codes Jellyfin
// clients expect: missing or rejected credentials are 401 so clients
// re-authenticate, unreachable or failing upstreams are 502.
func ErrorToCode(err error) int {
	switch {
	case trace.IsAccessDenied(err):
		return http.StatusUnauthorized
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case trace.IsConnectionProblem(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteError emits err as a JSON error response.
func WriteError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ErrorToCode(err))
	json.NewEncoder(w).Encode(map[string]string{"error": trace.UserMessage(err)})
}
