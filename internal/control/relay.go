package control

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// HealthCheckFunc reports whether the relay process is currently healthy.
type HealthCheckFunc func() bool

// LevelReloader applies a new log-filter directive at runtime. It wraps
// *slog.LevelVar: directives are parsed as a single slog.Level rather than
// the per-target directive syntax some tracing frameworks support, since
// slog's handler chain has no native equivalent.
type LevelReloader struct {
	level *slog.LevelVar
}

// NewLevelReloader builds a reloader backed by level, the same LevelVar
// passed to the process's slog.HandlerOptions so a reload takes effect on
// every subsequent log call without rebuilding the logger.
func NewLevelReloader(level *slog.LevelVar) *LevelReloader {
	return &LevelReloader{level: level}
}

// Reload parses directives as a slog.Level name ("debug", "info", "warn",
// "error") and applies it, or returns an error for anything else.
func (l *LevelReloader) Reload(directives string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(directives)); err != nil {
		return fmt.Errorf("parsing log filter directives %q: %w", directives, err)
	}
	l.level.Set(lvl)
	return nil
}

// RelayServer is the relay process's own HTTP control surface (§6):
// GET /healthz and POST /log_filter, bound to a TCP listener rather than
// the client control.Server's Unix socket, since a relay process has no
// single local operator invoking a CLI against it.
type RelayServer struct {
	addr     string
	health   HealthCheckFunc
	reload   *LevelReloader
	log      *slog.Logger
	listener net.Listener
	httpSrv  *http.Server
}

// NewRelayServer builds a relay control surface listening on addr
// ("host:port"). reload may be nil, in which case POST /log_filter
// responds 501.
func NewRelayServer(addr string, health HealthCheckFunc, reload *LevelReloader, logger *slog.Logger) *RelayServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayServer{
		addr:   addr,
		health: health,
		reload: reload,
		log:    logger.With("component", "relay-control"),
	}
}

// Start begins listening and serving in the background, returning once
// the listener is bound.
func (s *RelayServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /log_filter", s.handleLogFilter)

	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("relay control server error", "error", err)
		}
	}()

	s.log.Info("relay control server started", "addr", s.addr)
	return nil
}

// BoundAddr returns the address the server is actually listening on,
// useful when addr was ":0" or "host:0" and the OS chose the port.
func (s *RelayServer) BoundAddr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down.
func (s *RelayServer) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

func (s *RelayServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil && !s.health() {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *RelayServer) handleLogFilter(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		http.Error(w, "log filter reload not available", http.StatusNotImplemented)
		return
	}

	directives := r.URL.Query().Get("directives")
	if directives == "" {
		http.Error(w, "directives is required", http.StatusBadRequest)
		return
	}

	if err := s.reload.Reload(directives); err != nil {
		s.log.Info("rejected log filter directives", "directives", directives, "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.log.Info("applied new log filter directives", "directives", directives)
	w.WriteHeader(http.StatusOK)
}
