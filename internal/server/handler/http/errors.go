// Package http provides the broker's HTTP API: chi routing, request
// decoding, and the mapping of service errors to status codes.
package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/atinyakov/GophBroker/internal/apperr"
)

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

var statusByCode = map[apperr.Code]int{
	apperr.CodeNotFound:     http.StatusNotFound,
	apperr.CodeConflict:     http.StatusBadRequest,
	apperr.CodeForbidden:    http.StatusForbidden,
	apperr.CodeUpstream:     http.StatusBadRequest,
	apperr.CodeUnauthorized: http.StatusUnauthorized,
	apperr.CodeBadRequest:   http.StatusBadRequest,
	apperr.CodeInternal:     http.StatusInternalServerError,
}

// WriteError renders err with the status its code maps to. Internal errors
// carry no description.
func WriteError(w http.ResponseWriter, err error) {
	resp := ErrorResponse{Error: string(apperr.CodeInternal)}
	status := http.StatusInternalServerError

	var e *apperr.Error
	if errors.As(err, &e) {
		resp.Error = string(e.Code)
		if s, ok := statusByCode[e.Code]; ok {
			status = s
		}
		if e.Code != apperr.CodeInternal {
			resp.Description = e.Message
			resp.Reason = string(e.Reason)
		}
	}

	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	WriteError(w, apperr.New(apperr.CodeBadRequest, msg))
}
