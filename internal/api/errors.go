package api

import (
	"encoding/json"
	"net/http"

	"github.com/hyperfleet-run/hyperfleet/internal/apierr"
)

var unauthorizedErr = apierr.New(apierr.Unauthorized, "missing or invalid bearer token")

// errorResponse is the {error, message} body every failed request returns.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// writeError maps err's tag to an HTTP status and writes the error envelope.
func writeError(w http.ResponseWriter, err error) {
	tag := apierr.TagOf(err)
	writeJSON(w, tag.Status(), errorResponse{Error: string(tag), Message: apierr.MessageOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
