package apihttp

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"scrubengine/internal/domain"
)

type registerClipRequest struct {
	ID         string  `json:"id"`
	FrameRate  float64 `json:"frameRate"`
	GOPLength  int     `json:"gopLength"`
	DurationMs int64   `json:"durationMs"`
}

type clipResponse struct {
	ID         domain.ClipID `json:"id"`
	FrameRate  float64       `json:"frameRate"`
	GOPLength  int           `json:"gopLength"`
	DurationMs int64         `json:"durationMs"`
}

func clipToResponse(info domain.ClipInfo) clipResponse {
	return clipResponse{
		ID:         info.ID,
		FrameRate:  info.FrameRate,
		GOPLength:  info.GOPLength,
		DurationMs: info.Duration.Milliseconds(),
	}
}

func (s *Server) handleClips(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListClips(w, r)
	case http.MethodPost:
		s.handleRegisterClip(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleListClips(w http.ResponseWriter, _ *http.Request) {
	clips := s.engine.Clips()
	out := make([]clipResponse, 0, len(clips))
	for _, info := range clips {
		out = append(out, clipToResponse(info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegisterClip(w http.ResponseWriter, r *http.Request) {
	var req registerClipRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.ID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "clip id is required")
		return
	}
	if req.FrameRate <= 0 || req.GOPLength <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "frameRate and gopLength must be positive")
		return
	}

	info := domain.ClipInfo{
		ID:        domain.ClipID(strings.TrimSpace(req.ID)),
		FrameRate: req.FrameRate,
		GOPLength: req.GOPLength,
		Duration:  time.Duration(req.DurationMs) * time.Millisecond,
	}
	if err := s.engine.RegisterClip(info); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, clipToResponse(info))
}

func (s *Server) handleClipByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/clips/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid clip id")
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.engine.RemoveClip(domain.ClipID(id)); err != nil {
			writeDomainError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}
