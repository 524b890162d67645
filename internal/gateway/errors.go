package gateway

import (
	"encoding/json"
	"net/http"
)

// Error envelope types, matching the Claude Messages API error schema.
const (
	errTypeAuthentication = "authentication_error"
	errTypeInvalidRequest = "invalid_request_error"
	errTypeNotFound       = "not_found_error"
	errTypeAPI            = "api_error"
)

type errorEnvelope struct {
	Type  string      `json:"type"`
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// writeError writes a structured error envelope. Every gateway-originated
// error uses this shape; upstream error bodies pass through verbatim instead.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Type:  "error",
		Error: errorDetail{Type: errType, Message: message},
	})
}
