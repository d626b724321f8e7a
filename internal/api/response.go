package api

import (
	"encoding/json"
	"net/http"
)

// apiError is the uniform error envelope every handler returns.
type apiError struct {
	Error string `json:"error"`
}

// RespondWithJSON writes the payload as JSON with the given status code. A
// nil payload writes headers only.
func RespondWithJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload == nil {
		return
	}
	// An encode failure here means the connection is gone or the payload is
	// unmarshalable; the status line is already written either way.
	_ = json.NewEncoder(w).Encode(payload)
}

// RespondWithError writes the uniform error envelope.
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, apiError{Error: message})
}
