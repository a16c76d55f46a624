package apihttp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"scrubengine/internal/app"
	"scrubengine/internal/domain"
)

// ScrubEngine is the pipeline surface the HTTP layer drives.
type ScrubEngine interface {
	RegisterClip(info domain.ClipInfo) error
	RemoveClip(id domain.ClipID) error
	Clips() []domain.ClipInfo
	BeginScrub(epoch domain.Epoch) error
	UpdateScrub(position time.Duration, at time.Time) error
	EndGesture(ctx context.Context) error
	EndScrub()
	Cleanup()
	Session() (domain.ScrubSession, bool)
}

// StatsSource exposes the pipeline counters for the stats endpoint.
type StatsSource interface {
	AdmissionSnapshot() (global int, clips []ClipStats)
	CoalescerCounters() CoalescerStats
	OutstandingJobs() int
	CachedFrames() int
}

// ClipStats is one clip's admission accounting.
type ClipStats struct {
	Clip     domain.ClipID `json:"clip"`
	Inflight int           `json:"inflight"`
	Reverse  int           `json:"reverseSlots"`
	Repair   int           `json:"repairSlots"`
	Deadline int           `json:"deadlineSlots"`
}

// CoalescerStats mirrors the coalescer decision counters.
type CoalescerStats struct {
	Starts    uint64 `json:"starts"`
	Reuses    uint64 `json:"reuses"`
	Retargets uint64 `json:"retargets"`
	Cancels   uint64 `json:"cancels"`
}

// TuningController is the settings endpoint's view of the tuning manager.
type TuningController interface {
	Get() app.Tuning
	Update(t app.Tuning) error
}

type Server struct {
	engine         ScrubEngine
	stats          StatsSource
	tuning         TuningController
	allowedOrigins []string
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *Hub
}

type ServerOption func(*Server)

func WithStats(src StatsSource) ServerOption {
	return func(s *Server) {
		s.stats = src
	}
}

func WithTuning(ctrl TuningController) ServerOption {
	return func(s *Server) {
		s.tuning = ctrl
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHub attaches an externally owned diagnostics hub. The caller keeps
// responsibility for running it; this lets the hub double as the pipeline's
// diagnostics sink, which has to exist before the pipeline does.
func WithHub(hub *Hub) ServerOption {
	return func(s *Server) {
		s.wsHub = hub
	}
}

func NewServer(engine ScrubEngine, opts ...ServerOption) *Server {
	s := &Server{engine: engine}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	if s.wsHub == nil {
		s.wsHub = NewHub(s.logger)
		go s.wsHub.Run()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/clips", s.handleClips)
	mux.HandleFunc("/clips/", s.handleClipByID)
	mux.HandleFunc("/scrub/begin", s.handleScrubBegin)
	mux.HandleFunc("/scrub/position", s.handleScrubPosition)
	mux.HandleFunc("/scrub/gesture-end", s.handleGestureEnd)
	mux.HandleFunc("/scrub/end", s.handleScrubEnd)
	mux.HandleFunc("/scrub/cleanup", s.handleCleanup)
	mux.HandleFunc("/scrub/session", s.handleSession)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/settings/tuning", s.handleTuningSettings)
	mux.HandleFunc("/internal/health/engine", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "scrub-engine",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/internal/health/engine" && p != "/scrub/position"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(500, 1000, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Hub returns the diagnostics broadcast hub; it implements
// ports.DiagnosticsSink, so the pipeline can stream its decisions to
// connected clients.
func (s *Server) Hub() *Hub {
	return s.wsHub
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump(s.engine, s.logger)
}

// Close disconnects all WebSocket clients and stops the hub.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}
