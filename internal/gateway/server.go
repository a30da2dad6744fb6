// Package gateway is a mock AETERNUM backend: the WebSocket event stream on
// /ws and the REST endpoints under /api/aeternum, served from one port for
// local development and end-to-end tests.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"aeternum/internal/domain"
	"aeternum/internal/protocol"
)

// ErrInvalidPort rejects ports outside 0..65535.
var ErrInvalidPort = errors.New("gateway port must be 0-65535")

// DefaultPort matches the backend's WebSocket port.
const DefaultPort = 8765

// Server is the mock backend. One Server serves one Run.
type Server struct {
	cfg    *domain.GatewayConfig
	server *http.Server

	mu        sync.Mutex
	addr      string
	listenErr error

	hub        *Hub
	responder  Responder
	logger     *slog.Logger
	chunkDelay time.Duration
	status     domain.SystemStatus
	rest       *mockState
}

// Option configures a Server.
type Option func(*Server)

// WithResponder replaces the scripted replies.
func WithResponder(r Responder) Option {
	return func(s *Server) {
		if r != nil {
			s.responder = r
		}
	}
}

// WithLogger sets a structured logger. If l is nil it is ignored and the
// default slog logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithChunkDelay paces streamed text chunks. Zero sends them back to back.
func WithChunkDelay(d time.Duration) Option {
	return func(s *Server) {
		if d >= 0 {
			s.chunkDelay = d
		}
	}
}

// WithSystemStatus sets the subsystem map reported to clients.
func WithSystemStatus(st domain.SystemStatus) Option {
	return func(s *Server) {
		if st != nil {
			s.status = st.Clone()
		}
	}
}

// DefaultSystemStatus reports every subsystem online.
func DefaultSystemStatus() domain.SystemStatus {
	return domain.SystemStatus{
		"llm":     "online",
		"stt":     "online",
		"tts":     "online",
		"memory":  "online",
		"backend": "online",
		"rag":     true,
	}
}

// NewServer builds the mock backend. A nil cfg serves DefaultPort; port 0
// binds an ephemeral port.
func NewServer(cfg *domain.GatewayConfig, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = &domain.GatewayConfig{Port: DefaultPort}
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, ErrInvalidPort
	}
	s := &Server{
		cfg:        cfg,
		responder:  DefaultResponder(),
		chunkDelay: 40 * time.Millisecond,
		status:     DefaultSystemStatus(),
		rest:       newMockState(time.Now),
	}
	for _, o := range opts {
		o(s)
	}
	s.hub = newHub(s.log())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWS)
	s.rest.routes(mux)
	s.server = &http.Server{
		Handler:           BearerAuth(cfg.AuthToken)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Addr is the bound host:port once Run is listening, "" before.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// ListenErr is the bind error that ended Run, if any.
func (s *Server) ListenErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenErr
}

// Handler is the authenticated route tree, for serving without a listener.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": s.hub.Count()})
}

// Hub returns the registry of attached dashboards.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) systemStatus() map[string]any {
	return s.status.Clone()
}

// BroadcastStatus pushes the subsystem map and the client count to every
// attached dashboard.
func (s *Server) BroadcastStatus() {
	s.hub.Broadcast(protocol.SystemStatus{Status: s.systemStatus()})
	s.hub.Broadcast(protocol.PeerCount{Clients: s.hub.Count()})
}

// Swapped by tests.
var (
	netListen      = net.Listen
	serverShutdown = (*http.Server).Shutdown
)

const shutdownGrace = 5 * time.Second

// Run binds the configured port and serves until shutdown is closed. A
// clean shutdown returns nil.
func (s *Server) Run(shutdown <-chan struct{}) error {
	ln, err := netListen("tcp", net.JoinHostPort("", strconv.Itoa(s.cfg.Port)))
	s.mu.Lock()
	s.listenErr = err
	if err == nil {
		s.addr = ln.Addr().String()
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.log().Info("mock backend listening", "addr", ln.Addr().String())

	served := make(chan error, 1)
	go func() { served <- s.server.Serve(ln) }()

	ctx, stop := context.WithCancel(context.Background())
	var tick sync.WaitGroup
	if every := time.Duration(s.cfg.StatusIntervalMs) * time.Millisecond; every > 0 {
		tick.Add(1)
		go func() {
			defer tick.Done()
			s.statusLoop(ctx, every)
		}()
	}

	<-shutdown
	stop()
	tick.Wait()
	s.hub.closeAll()

	sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := serverShutdown(s.server, sctx); err != nil {
		return err
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (s *Server) statusLoop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.BroadcastStatus()
		}
	}
}
