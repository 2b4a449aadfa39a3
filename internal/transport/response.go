// Package transport contains the HTTP router, middleware chain, and the
// action handler that serves step requests over HTTP.
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/pitabwire/stepflow/model"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

// WriteData writes a successful response envelope. A nil payload is sent
// as an empty object.
func WriteData(w http.ResponseWriter, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	WriteJSON(w, http.StatusOK, model.ResponseEnvelope{Data: data})
}

// WriteError writes err as an error envelope with the status of its code.
// Errors that are not envelopes are sent as INTERNAL_ERROR with their
// message.
func WriteError(w http.ResponseWriter, err error) {
	ee := model.AsEnvelope(err)
	WriteJSON(w, ee.HTTPStatus(), model.ResponseEnvelope{Error: ee})
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, msg string) {
	WriteError(w, model.NewNotFoundError(msg))
}
