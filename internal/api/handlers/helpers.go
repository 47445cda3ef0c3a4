// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/tyfweb/twf-license-management-sub000/internal/serviceerror"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RespondJSON sends a JSON response
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("Failed to encode JSON response")
		}
	}
}

// RespondError sends an error response
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error: message,
	})
}

// RespondServiceError maps a service error to its HTTP status and body.
// Unknown errors become an opaque 500.
func RespondServiceError(w http.ResponseWriter, err error) {
	code, ok := serviceerror.CodeOf(err)
	if !ok || serviceerror.HTTPStatus(code) == http.StatusInternalServerError {
		log.Error().Err(err).Msg("Request failed")
		RespondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error", Code: string(code)})
		return
	}
	RespondJSON(w, serviceerror.HTTPStatus(code), ErrorResponse{Error: err.Error(), Code: string(code)})
}

// DecodeJSON decodes the request body into the provided struct.
// Returns false if decoding fails (error already sent to client).
func DecodeJSON[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}
