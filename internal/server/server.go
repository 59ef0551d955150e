// Package server exposes orchestrated chat streams over a websocket and
// serves metrics.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	. "github.com/roelfdiedericks/chatstream/internal/logging"
	"github.com/roelfdiedericks/chatstream/internal/metrics"
	"github.com/roelfdiedericks/chatstream/internal/orchestrator"
)

// Config holds server settings.
type Config struct {
	Addr        string // e.g. "127.0.0.1:8765"
	Path        string // websocket endpoint, default /ws
	MetricsPath string // default /metrics
}

// Server accepts websocket clients. Each connection owns one conversation
// and one orchestrator built from the current template.
type Server struct {
	cfg      Config
	server   *http.Server
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
	sessions atomic.Int64

	mu       sync.RWMutex
	template orchestrator.Options
}

// New creates a server. template supplies providers and behavior for every
// new session; its Conversation, Observer and Bus are set per session.
func New(cfg Config, template orchestrator.Options) (*Server, error) {
	if template.Providers == nil {
		return nil, orchestrator.ErrNoProviders
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8765"
	}
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	s := &Server{
		cfg:      cfg,
		template: template,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// SetTemplate replaces the options used for sessions opened from now on.
func (s *Server) SetTemplate(template orchestrator.Options) {
	s.mu.Lock()
	s.template = template
	s.mu.Unlock()
	L_info("server: session template updated", "provider", template.Provider)
}

func (s *Server) currentTemplate() orchestrator.Options {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.template
}

// Handler returns the routes: the websocket endpoint, metrics and a health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.logRequest(s.handleWebsocket))
	mux.Handle(s.cfg.MetricsPath, metrics.Handler())
	mux.HandleFunc("/healthz", s.logRequest(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprintf(w, "ok sessions=%d\n", s.sessions.Load())
	}))
	return mux
}

// Start listens in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("server: listening", "addr", ln.Addr().String(), "path", s.cfg.Path)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			L_error("server: serve failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the listener down and waits for it to exit.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		L_error("server: shutdown error", "error", err)
		return err
	}
	s.wg.Wait()
	L_info("server: stopped")
	return nil
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		L_warn("server: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	n := s.sessions.Add(1)
	metrics.MetricSet("server", "sessions", n)
	metrics.MetricInc("server", "connect")
	defer func() {
		metrics.MetricSet("server", "sessions", s.sessions.Add(-1))
	}()

	sess, err := newSession(conn, s.currentTemplate())
	if err != nil {
		L_error("server: session setup failed", "error", err)
		conn.Close()
		return
	}
	L_info("server: client connected", "remote", r.RemoteAddr)
	sess.run(r.Context())
	L_info("server: client disconnected", "remote", r.RemoteAddr)
}

// logRequest wraps a handler to log requests
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		L_trace("server: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
	}
}

// loggingResponseWriter captures the status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrade take over the connection.
func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	lw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}
