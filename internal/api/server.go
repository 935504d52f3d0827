// Package api serves the bridge's HTTP interface: sending commands, RTS
// remote actions, and reading the command log.
package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/banshee-data/rts.bridge/internal/db"
	"github.com/banshee-data/rts.bridge/internal/transport"
	"github.com/banshee-data/rts.bridge/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxBodySize caps request bodies; commands are a few dozen bytes.
const maxBodySize = 64 * 1024

// Sender is the transport the server sends commands through.
type Sender interface {
	SendContext(ctx context.Context, command string) (transport.SendResult, error)
}

// Store is the command log the server reads from.
type Store interface {
	RecentCommands(limit int) ([]db.CommandRecord, error)
	CommandStats(since time.Time) (db.CommandStats, error)
	RollingCode(address string) (int, bool, error)
	SetRollingCode(address string, code int) error
}

// LinkStatus reports whether the serial link is currently open.
type LinkStatus interface {
	IsOpen() bool
}

type Server struct {
	sender  Sender
	store   Store
	link    LinkStatus
	auth    *Authenticator
	started time.Time

	rtsMu sync.Mutex
}

// NewServer creates a Server. store and link may be nil; auth may be nil to
// leave the write routes open.
func NewServer(sender Sender, store Store, link LinkStatus, auth *Authenticator) *Server {
	return &Server{
		sender:  sender,
		store:   store,
		link:    link,
		auth:    auth,
		started: time.Now(),
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/commands", s.auth.Require(s.sendCommand))
	mux.HandleFunc("GET /api/commands", s.listCommands)
	mux.HandleFunc("POST /api/rts", s.auth.Require(s.sendRTS))
	mux.HandleFunc("GET /api/rts/actions", s.listActions)
	mux.HandleFunc("GET /api/stats", s.showStats)
	mux.HandleFunc("GET /api/health", s.health)
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	linkOpen := s.link != nil && s.link.IsOpen()
	status := "ok"
	if !linkOpen {
		status = "degraded"
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"link_open":      linkOpen,
		"command_log":    s.store != nil,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"version":        version.Version,
	})
}
