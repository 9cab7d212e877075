// Package statusapi serves a read-only HTTP view of a running pipeline:
// liveness, pending-work counts, and what each asset currently presents.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/kingrea/lodstream/internal/pipeline"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

// ErrDisabled is returned by Start when the settings disable the server.
var ErrDisabled = errors.New("statusapi: server disabled")

// Source provides the state the server reports. *pipeline.Pipeline
// satisfies it.
type Source interface {
	Snapshot() pipeline.Snapshot
}

// Logger records server diagnostics.
type Logger interface {
	Printf(format string, args ...any)
}

// Server wraps the HTTP listener and handlers.
type Server struct {
	settings Settings
	source   Source
	logger   Logger
	clock    func() time.Time

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a status server reporting on source.
func NewServer(settings Settings, source Source, opts ...Option) *Server {
	s := &Server{
		settings: settings,
		source:   source,
		logger:   nopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler returns the server's routes, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pending", s.handlePending)
	mux.HandleFunc("/assets", s.handleAssets)
	return mux
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("statusapi: server is nil")
	}
	if !s.settings.Enabled {
		return ErrDisabled
	}
	if s.source == nil {
		return fmt.Errorf("statusapi: source is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("statusapi: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("statusapi: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	timeouts := s.settings.Timeouts.withDefaults()
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  timeouts.Read,
		WriteTimeout: timeouts.Write,
		IdleTimeout:  timeouts.Idle,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("statusapi: serve error: %v", err)
		}
	}()
	s.logger.Printf("statusapi: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(deadline); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL (scheme + host:port) for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return s.clock().Sub(s.startTime)
}

type healthResponse struct {
	Status        string `json:"status"`
	RenderReady   bool   `json:"render_ready"`
	Complete      bool   `json:"complete"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type pendingResponse struct {
	Blocking     int      `json:"blocking"`
	NonBlocking  int      `json:"non_blocking"`
	Suppressed   bool     `json:"suppressed"`
	Suppression  int      `json:"suppression"`
	Ready        bool     `json:"ready"`
	Complete     bool     `json:"complete"`
	MinimalDelay string   `json:"minimal_delay"`
	Extensions   []string `json:"extensions"`
}

type assetsResponse struct {
	Assets []pipeline.AssetState `json:"assets"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	snap := s.source.Snapshot()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		RenderReady:   snap.RenderReady,
		Complete:      snap.Pending.Complete,
		UptimeSeconds: int64(s.uptime().Seconds()),
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	snap := s.source.Snapshot()
	writeJSON(w, http.StatusOK, pendingResponse{
		Blocking:     snap.Pending.Blocking,
		NonBlocking:  snap.Pending.NonBlocking,
		Suppressed:   snap.Pending.Suppression > 0,
		Suppression:  snap.Pending.Suppression,
		Ready:        snap.Pending.Ready,
		Complete:     snap.Pending.Complete,
		MinimalDelay: snap.MinimalDelay.String(),
		Extensions:   snap.Extensions,
	})
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	if !allowRead(w, r) {
		return
	}
	snap := s.source.Snapshot()
	assets := snap.Assets
	if assets == nil {
		assets = []pipeline.AssetState{}
	}
	writeJSON(w, http.StatusOK, assetsResponse{Assets: assets})
}

func allowRead(w http.ResponseWriter, r *http.Request) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return true
	}
	w.Header().Set("Allow", fmt.Sprintf("%s, %s", http.MethodGet, http.MethodHead))
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}
