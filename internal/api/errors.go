package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// errorBody is the envelope every non-2xx response uses.
type errorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	var body errorBody
	body.Error.Message = fmt.Sprintf(format, args...)
	body.Error.Type = errType
	if code >= http.StatusInternalServerError {
		slog.Default().With("component", "api").Error("request failed", "status", code, "error", body.Error.Message)
	}
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
