package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"scrubengine/internal/domain"
)

type errorEnvelope struct {
	Error errorPayload `json:"error"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeDomainError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "clip not found")
		return
	}
	if errors.Is(err, domain.ErrClipExists) {
		writeError(w, http.StatusConflict, "clip_exists", "clip already registered")
		return
	}
	if errors.Is(err, domain.ErrNoSession) {
		writeError(w, http.StatusConflict, "no_session", "no active scrub session")
		return
	}
	var denied *domain.AdmissionDenied
	if errors.As(err, &denied) {
		writeError(w, http.StatusTooManyRequests, "admission_denied", denied.Error())
		return
	}

	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorPayload{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
