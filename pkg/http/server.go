// Package http serves the optional localhost diagnostics surface:
// health, Prometheus metrics, the live status document, and a
// websocket stream of status updates. Bound to loopback only; the
// daemon has no other network surface.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"deskcoach/pkg/metrics"
	"deskcoach/pkg/version"
)

// DefaultAddr binds the diagnostics server to loopback.
const DefaultAddr = "127.0.0.1:8093"

// statusPushInterval paces the websocket stream.
const statusPushInterval = time.Second

// StatusProvider returns the current status document for /api/status
// and the websocket stream.
type StatusProvider func() (interface{}, error)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Loopback-only server; same-machine pages may connect.
		return true
	},
}

// Server is the diagnostics HTTP server.
type Server struct {
	logger   *logrus.Logger
	addr     string
	provider StatusProvider
	srv      *http.Server
}

// NewServer builds a diagnostics server. An empty addr uses the
// default loopback binding.
func NewServer(logger *logrus.Logger, addr string, provider StatusProvider) *Server {
	if addr == "" {
		addr = DefaultAddr
	}

	s := &Server{logger: logger, addr: addr, provider: provider}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/ws/status", s.handleStatusWS)
	metrics.RegisterHandler(mux)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves in a background goroutine.
func (s *Server) Start() {
	go func() {
		s.logger.WithField("addr", s.addr).Info("Diagnostics server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Diagnostics server failed")
		}
	}()
}

// Shutdown stops the server, draining in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	doc, err := s.provider()
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "unknown",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// handleStatusWS streams the status document once per second until
// the client goes away.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	s.logger.WithField("remote", r.RemoteAddr).Debug("Status websocket connected")

	ticker := time.NewTicker(statusPushInterval)
	defer ticker.Stop()

	for range ticker.C {
		doc, err := s.provider()
		if err != nil {
			doc = map[string]string{"status": "unknown"}
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(doc); err != nil {
			s.logger.WithField("remote", r.RemoteAddr).Debug("Status websocket closed")
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
