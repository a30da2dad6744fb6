package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"aeternum/internal/domain"
)

// isListenPermissionErr reports a bind refused by a sandbox.
func isListenPermissionErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "operation not permitted") || strings.Contains(s, "permission denied")
}

// idleListener never accepts a connection; Accept blocks until Close.
type idleListener struct {
	closed chan struct{}
}

func (l *idleListener) Accept() (net.Conn, error) {
	<-l.closed
	return nil, net.ErrClosed
}

func (l *idleListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *idleListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999}
}

// useIdleListener makes Run bind an idleListener instead of a real port.
func useIdleListener(t *testing.T) {
	t.Helper()
	prev := netListen
	netListen = func(string, string) (net.Listener, error) {
		return &idleListener{closed: make(chan struct{})}, nil
	}
	t.Cleanup(func() { netListen = prev })
}

// runServer starts Run and returns a stop func yielding its result.
func runServer(t *testing.T, srv *Server) (stop func() error) {
	t.Helper()
	shutdown := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- srv.Run(shutdown) }()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" && srv.ListenErr() == nil && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	return func() error {
		close(shutdown)
		select {
		case err := <-done:
			return err
		case <-time.After(3 * time.Second):
			t.Fatal("Run did not return after shutdown")
			return nil
		}
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNewServer_WhenConfigNil_ShouldUseDefaultPort(t *testing.T) {
	srv, err := NewServer(nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if srv.cfg.Port != DefaultPort {
		t.Errorf("port: want %d, got %d", DefaultPort, srv.cfg.Port)
	}
}

func TestNewServer_WhenPortOutOfRange_ShouldReturnErrInvalidPort(t *testing.T) {
	for _, port := range []int{-1, 65536, 70000} {
		if _, err := NewServer(&domain.GatewayConfig{Port: port}); !errors.Is(err, ErrInvalidPort) {
			t.Errorf("port %d: got %v", port, err)
		}
	}
}

// =============================================================================
// Routes and auth
// =============================================================================

func TestServer_Health_ShouldReportClientCount(t *testing.T) {
	srv, _ := NewServer(&domain.GatewayConfig{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /: %d", rec.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Clients int    `json:"clients"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body.Status != "ok" || body.Clients != 0 {
		t.Errorf("body=%+v err=%v", body, err)
	}
}

func TestServer_Handler_ShouldEnforceConfiguredToken(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		header string
		want   int
	}{
		{"open server", "", "", http.StatusOK},
		{"missing header", "s3cret", "", http.StatusUnauthorized},
		{"wrong token", "s3cret", "Bearer nope", http.StatusUnauthorized},
		{"right token", "s3cret", "Bearer s3cret", http.StatusOK},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv, _ := NewServer(&domain.GatewayConfig{AuthToken: c.token})
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if c.header != "" {
				req.Header.Set("Authorization", c.header)
			}
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			if rec.Code != c.want {
				t.Errorf("want %d, got %d", c.want, rec.Code)
			}
		})
	}
}

// =============================================================================
// Run
// =============================================================================

func TestRun_WithEphemeralPort_ShouldBindAndStopCleanly(t *testing.T) {
	srv, _ := NewServer(&domain.GatewayConfig{Port: 0})
	stop := runServer(t, srv)
	if err := srv.ListenErr(); err != nil {
		if isListenPermissionErr(err) {
			t.Skip("skipping: cannot bind in this environment (e.g. sandbox)")
		}
		t.Fatalf("listen: %v", err)
	}
	addr := srv.Addr()
	if _, port, _ := net.SplitHostPort(addr); port == "" || port == "0" {
		t.Errorf("bound addr: %q", addr)
	}
	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: %d", resp.StatusCode)
	}
	if err := stop(); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestRun_WhenListenFails_ShouldRecordAndReturnError(t *testing.T) {
	bindErr := errors.New("address in use")
	prev := netListen
	netListen = func(string, string) (net.Listener, error) { return nil, bindErr }
	defer func() { netListen = prev }()

	srv, _ := NewServer(&domain.GatewayConfig{Port: 1234})
	if err := srv.Run(make(chan struct{})); !errors.Is(err, bindErr) {
		t.Errorf("Run: %v", err)
	}
	if !errors.Is(srv.ListenErr(), bindErr) || srv.Addr() != "" {
		t.Errorf("ListenErr=%v Addr=%q", srv.ListenErr(), srv.Addr())
	}
}

func TestRun_WithIdleListener_ShouldReportAddrAndReturnNil(t *testing.T) {
	useIdleListener(t)
	srv, _ := NewServer(&domain.GatewayConfig{Port: 9999, StatusIntervalMs: 5})
	stop := runServer(t, srv)
	if got := srv.Addr(); got != "127.0.0.1:9999" {
		t.Errorf("Addr: %q", got)
	}
	time.Sleep(20 * time.Millisecond)
	if err := stop(); err != nil {
		t.Errorf("Run: %v", err)
	}
}

func TestRun_WhenShutdownFails_ShouldReturnItsError(t *testing.T) {
	useIdleListener(t)
	boom := errors.New("shutdown failed")
	prev := serverShutdown
	serverShutdown = func(*http.Server, context.Context) error { return boom }
	defer func() { serverShutdown = prev }()

	srv, _ := NewServer(&domain.GatewayConfig{Port: 9999})
	if err := runServer(t, srv)(); !errors.Is(err, boom) {
		t.Errorf("Run: %v", err)
	}
}
