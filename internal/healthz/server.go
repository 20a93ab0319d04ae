package healthz

import (
	"encoding/json"
	"net/http"

	"github.com/flowlink-rmm/hub/internal/hub"
)

// statsProvider is satisfied by *hub.Hub; kept as an interface so tests
// can stub it without standing up a real Hub.
type statsProvider interface {
	Stats() hub.Stats
}

// Server serves /health and /debug over HTTP.
type Server struct {
	monitor *Monitor
	hub     statsProvider
	debug   bool // gates /debug; false outside development environments
}

// NewServer builds a healthz Server. debug should be true only in
// non-production environments; /debug is dev-only.
func NewServer(monitor *Monitor, h statsProvider, debug bool) *Server {
	return &Server{monitor: monitor, hub: h, debug: debug}
}

// Handler returns the mux serving /health and, when enabled, /debug.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	if s.debug {
		mux.HandleFunc("/debug", s.handleDebug)
	}
	return mux
}

type healthResponse struct {
	Status        string  `json:"status"`
	Sessions      int     `json:"sessions"`
	Connections   int     `json:"connections"`
	GlobalDevices int     `json:"globalDevices"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.hub.Stats()
	resp := healthResponse{
		Status:        string(s.monitor.Overall()),
		Sessions:      stats.Sessions,
		Connections:   stats.Connections,
		GlobalDevices: stats.GlobalDevices,
		UptimeSeconds: stats.UptimeSeconds,
	}

	status := http.StatusOK
	if resp.Status == string(Unhealthy) {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn("encode health response", "error", err)
	}
}

type debugResponse struct {
	Stats  hub.Stats `json:"stats"`
	Checks []Check   `json:"checks"`
}

// handleDebug dumps a fuller structured snapshot. Only mounted when the
// server was built with debug=true (no auth on this
// endpoint, so it must never be exposed in production).
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	resp := debugResponse{
		Stats:  s.hub.Stats(),
		Checks: s.monitor.All(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn("encode debug response", "error", err)
	}
}
