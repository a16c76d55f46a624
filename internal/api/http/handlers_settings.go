package apihttp

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleTuningSettings(w http.ResponseWriter, r *http.Request) {
	if s.tuning == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "tuning controller is not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.tuning.Get())
	case http.MethodPut, http.MethodPatch:
		// Start from the current tuning so partial updates keep the
		// remaining thresholds intact.
		tuning := s.tuning.Get()
		if err := json.NewDecoder(r.Body).Decode(&tuning); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
			return
		}
		if err := s.tuning.Update(tuning); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_tuning", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.tuning.Get())
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
