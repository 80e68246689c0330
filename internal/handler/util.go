// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gatherhub/messaging-engine/internal/service"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps an engine error to its HTTP shape.
func writeServiceError(w http.ResponseWriter, err error) {
	se := service.AsError(err)
	writeJSON(w, se.HTTPStatus(), map[string]string{
		"error": se.Message,
		"code":  se.Code,
	})
}
