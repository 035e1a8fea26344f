package apiserver

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// writeJSON writes v as a JSON response body with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// The header and status are already written; nothing left to do but
		// let the client see a truncated body.
		return
	}
}

// writeJSONError writes a JSON error envelope, formatting msg with args the
// same way fmt.Sprintf would.
func writeJSONError(w http.ResponseWriter, statusCode int, msg string, args ...any) {
	writeJSON(w, statusCode, map[string]any{
		"error": map[string]string{
			"message": fmt.Sprintf(msg, args...),
		},
	})
}
