package apihttp

import (
	"encoding/json"
	"net/http"
	"time"

	"scrubengine/internal/domain"
)

type beginScrubRequest struct {
	Epoch uint64 `json:"epoch"`
}

type positionRequest struct {
	PositionMs int64 `json:"positionMs"`
	AtUnixMs   int64 `json:"atUnixMs,omitempty"`
}

type sessionResponse struct {
	Epoch     uint64  `json:"epoch"`
	Direction string  `json:"direction"`
	Velocity  float64 `json:"velocity"`
	StartedAt int64   `json:"startedAtUnixMs"`
}

func (s *Server) handleScrubBegin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req beginScrubRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	if err := s.engine.BeginScrub(domain.Epoch(req.Epoch)); err != nil {
		writeError(w, http.StatusConflict, "stale_epoch", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScrubPosition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}
	at := time.Now()
	if req.AtUnixMs > 0 {
		at = time.UnixMilli(req.AtUnixMs)
	}
	if err := s.engine.UpdateScrub(time.Duration(req.PositionMs)*time.Millisecond, at); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGestureEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := s.engine.EndGesture(r.Context()); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleScrubEnd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.engine.EndScrub()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.engine.Cleanup()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session, ok := s.engine.Session()
	if !ok {
		writeError(w, http.StatusNotFound, "no_session", "no active scrub session")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Epoch:     uint64(session.Epoch),
		Direction: string(session.Direction),
		Velocity:  session.Velocity,
		StartedAt: session.StartedAt.UnixMilli(),
	})
}

type statsResponse struct {
	GlobalInflight  int            `json:"globalInflight"`
	Clips           []ClipStats    `json:"clips"`
	Coalescer       CoalescerStats `json:"coalescer"`
	OutstandingJobs int            `json:"outstandingJobs"`
	CachedFrames    int            `json:"cachedFrames"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.stats == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "stats source is not configured")
		return
	}
	global, clips := s.stats.AdmissionSnapshot()
	writeJSON(w, http.StatusOK, statsResponse{
		GlobalInflight:  global,
		Clips:           clips,
		Coalescer:       s.stats.CoalescerCounters(),
		OutstandingJobs: s.stats.OutstandingJobs(),
		CachedFrames:    s.stats.CachedFrames(),
	})
}

type healthResponse struct {
	Status    string    `json:"status"`
	CheckedAt time.Time `json:"checkedAt"`
	Session   bool      `json:"sessionActive"`
	Clips     int       `json:"clips"`
	Issues    []string  `json:"issues,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	resp := healthResponse{
		Status:    "ok",
		CheckedAt: time.Now().UTC(),
		Clips:     len(s.engine.Clips()),
	}
	_, resp.Session = s.engine.Session()
	if s.stats == nil {
		resp.Status = "degraded"
		resp.Issues = append(resp.Issues, "stats source is not configured")
	}
	writeJSON(w, http.StatusOK, resp)
}
