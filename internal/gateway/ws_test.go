package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"aeternum/internal/domain"
	"aeternum/internal/protocol"
)

// startGateway serves a gateway on httptest and returns it with its /ws URL.
func startGateway(t *testing.T, cfg *domain.GatewayConfig, opts ...Option) (*Server, string) {
	t.Helper()
	if cfg == nil {
		cfg = &domain.GatewayConfig{}
	}
	srv, err := NewServer(cfg, append([]Option{WithChunkDelay(0)}, opts...)...)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(hs.Close)
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) protocol.Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	ev, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("Decode %s: %v", raw, err)
	}
	return ev
}

// readUntil reads events until one of kind arrives, returning everything read.
func readUntil(t *testing.T, conn *websocket.Conn, kind protocol.Kind) []protocol.Event {
	t.Helper()
	var out []protocol.Event
	for i := 0; i < 100; i++ {
		ev := readEvent(t, conn)
		out = append(out, ev)
		if ev.Kind() == kind {
			return out
		}
	}
	t.Fatalf("no %s event in 100 frames", kind)
	return nil
}

// attach dials and consumes the greeting (init, system_status, status).
func attach(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn := dialWS(t, url)
	readUntil(t, conn, protocol.KindStatus)
	return conn
}

func sendCommand(t *testing.T, conn *websocket.Conn, c protocol.Command) {
	t.Helper()
	data, err := protocol.EncodeCommand(c)
	if err != nil {
		t.Fatalf("EncodeCommand: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
}

// =============================================================================
// Handshake
// =============================================================================

func TestHandleWS_WhenAttached_ShouldSendInitStatusAndPeerCount(t *testing.T) {
	_, url := startGateway(t, nil)
	conn := dialWS(t, url)

	init, ok := readEvent(t, conn).(protocol.SessionInit)
	if !ok || init.AvatarState != "idle" {
		t.Fatalf("first frame: want init idle, got %#v", init)
	}
	st, ok := readEvent(t, conn).(protocol.SystemStatus)
	if !ok || st.Status["llm"] != "online" || st.Status["rag"] != true {
		t.Fatalf("second frame: want system_status, got %#v", st)
	}
	pc, ok := readEvent(t, conn).(protocol.PeerCount)
	if !ok || pc.Clients != 1 {
		t.Fatalf("third frame: want status clients=1, got %#v", pc)
	}
}

func TestHandleWS_WhenSecondClientAttaches_ShouldBroadcastCount(t *testing.T) {
	srv, url := startGateway(t, nil)
	first := attach(t, url)
	attach(t, url)

	pc, ok := readEvent(t, first).(protocol.PeerCount)
	if !ok || pc.Clients != 2 {
		t.Fatalf("first client: want clients=2, got %#v", pc)
	}
	if n := srv.Hub().Count(); n != 2 {
		t.Errorf("Hub.Count: want 2, got %d", n)
	}
}

func TestHandleWS_WhenClientLeaves_ShouldBroadcastCount(t *testing.T) {
	srv, url := startGateway(t, nil)
	stay := attach(t, url)
	leave := attach(t, url)
	readEvent(t, stay) // clients=2

	leave.Close()
	pc, ok := readEvent(t, stay).(protocol.PeerCount)
	if !ok || pc.Clients != 1 {
		t.Fatalf("want clients=1 after leave, got %#v", pc)
	}
	if n := srv.Hub().Count(); n != 1 {
		t.Errorf("Hub.Count: want 1, got %d", n)
	}
}

func TestHandleWS_WhenMethodNotGet_ShouldReturn405(t *testing.T) {
	srv, err := NewServer(&domain.GatewayConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/ws", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /ws: want 405, got %d", rec.Code)
	}
}

func TestHandleWS_WhenNotWebSocketRequest_ShouldReturnBadRequest(t *testing.T) {
	srv, err := NewServer(&domain.GatewayConfig{})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("GET /ws without upgrade headers: want 400, got %d", rec.Code)
	}
}

func TestHandleWS_WhenAuthTokenSet_ShouldRequireBearer(t *testing.T) {
	_, url := startGateway(t, &domain.GatewayConfig{AuthToken: "my-secret"})

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial without token: want error")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial without token: want 401, got %v", resp)
	}

	h := http.Header{}
	h.Set("Authorization", "Bearer my-secret")
	conn, _, err := websocket.DefaultDialer.Dial(url, h)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	conn.Close()

	conn, _, err = websocket.DefaultDialer.Dial(url+"?token=my-secret", nil)
	if err != nil {
		t.Fatalf("dial with query token: %v", err)
	}
	conn.Close()
}

// =============================================================================
// Commands
// =============================================================================

func TestHandleWS_WhenPing_ShouldPong(t *testing.T) {
	_, url := startGateway(t, nil)
	conn := attach(t, url)

	sendCommand(t, conn, protocol.Ping())
	if ev := readEvent(t, conn); ev.Kind() != protocol.KindPong {
		t.Errorf("want pong, got %s", ev.Kind())
	}
}

func TestHandleWS_WhenUserMessage_ShouldStreamReply(t *testing.T) {
	_, url := startGateway(t, nil, WithResponder(ResponderFunc(func(_ context.Context, text string) Reply {
		return Reply{
			Text:   "Hello world from mock",
			Action: &protocol.ActionResult{Action: "greet", Result: "said hello", Success: true},
		}
	})))
	conn := attach(t, url)

	sendCommand(t, conn, protocol.UserMessage("hi"))
	events := readUntil(t, conn, protocol.KindActionResult)

	var kinds []string
	var chunks strings.Builder
	var final string
	for _, ev := range events {
		kinds = append(kinds, string(ev.Kind()))
		switch e := ev.(type) {
		case protocol.TextChunk:
			chunks.WriteString(e.Chunk)
		case protocol.ChatMessage:
			if e.Role != "assistant" {
				t.Errorf("final message role: want assistant, got %q", e.Role)
			}
			final = e.Text
		}
	}
	want := "avatar_state,text_chunk,text_chunk,text_chunk,text_chunk,message,avatar_state,action_result"
	if got := strings.Join(kinds, ","); got != want {
		t.Errorf("frame order:\nwant %s\ngot  %s", want, got)
	}
	if chunks.String() != "Hello world from mock" || final != "Hello world from mock" {
		t.Errorf("chunks %q final %q", chunks.String(), final)
	}
	if th, ok := events[0].(protocol.AvatarState); !ok || th.State != "thinking" {
		t.Errorf("first frame: want avatar thinking, got %#v", events[0])
	}
	if idle, ok := events[len(events)-2].(protocol.AvatarState); !ok || idle.State != "idle" {
		t.Errorf("want avatar idle before action, got %#v", events[len(events)-2])
	}
}

func TestHandleWS_WhenLegacyTextInput_ShouldReply(t *testing.T) {
	_, url := startGateway(t, nil)
	conn := attach(t, url)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"text_input","text":"abc"}`)); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	events := readUntil(t, conn, protocol.KindMessage)
	msg := events[len(events)-1].(protocol.ChatMessage)
	if msg.Text != "echo: abc" {
		t.Errorf("want echo: abc, got %q", msg.Text)
	}
}

func TestHandleWS_WhenInvalidJSONSent_ShouldSendErrorNotification(t *testing.T) {
	_, url := startGateway(t, nil)
	conn := attach(t, url)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}
	n, ok := readEvent(t, conn).(protocol.Notification)
	if !ok || n.Level != "error" {
		t.Fatalf("want error notification, got %#v", n)
	}
	// The connection survives.
	sendCommand(t, conn, protocol.Ping())
	if ev := readEvent(t, conn); ev.Kind() != protocol.KindPong {
		t.Errorf("want pong after bad frame, got %s", ev.Kind())
	}
}

func TestHandleWS_WhenUnsupportedCommand_ShouldWarn(t *testing.T) {
	_, url := startGateway(t, nil)
	conn := attach(t, url)

	sendCommand(t, conn, protocol.Command{Type: "subscribe"})
	n, ok := readEvent(t, conn).(protocol.Notification)
	if !ok || n.Level != "warning" || !strings.Contains(n.Message, "subscribe") {
		t.Fatalf("want warning naming the command, got %#v", n)
	}
}

func TestServer_BroadcastStatus_ShouldReachEveryClient(t *testing.T) {
	srv, url := startGateway(t, nil, WithSystemStatus(domain.SystemStatus{"llm": "degraded"}))
	a := attach(t, url)
	b := attach(t, url)
	readEvent(t, a) // clients=2

	srv.BroadcastStatus()
	for name, conn := range map[string]*websocket.Conn{"a": a, "b": b} {
		st, ok := readEvent(t, conn).(protocol.SystemStatus)
		if !ok || st.Status["llm"] != "degraded" {
			t.Errorf("client %s: want degraded status, got %#v", name, st)
		}
		if pc, ok := readEvent(t, conn).(protocol.PeerCount); !ok || pc.Clients != 2 {
			t.Errorf("client %s: want clients=2, got %#v", name, pc)
		}
	}
}

func TestHub_Broadcast_WhenEncodeFails_ShouldSkipClients(t *testing.T) {
	srv, url := startGateway(t, nil)
	attach(t, url)

	encodeMu.Lock()
	old := encodeEvent
	encodeEvent = func(protocol.Event) ([]byte, error) { return nil, errors.New("encode fail") }
	encodeMu.Unlock()
	defer func() {
		encodeMu.Lock()
		encodeEvent = old
		encodeMu.Unlock()
	}()

	if n := srv.Hub().Broadcast(protocol.Pong{}); n != 0 {
		t.Errorf("Broadcast with failing encoder: want 0 delivered, got %d", n)
	}
}

func TestSplitChunks_ShouldConcatenateBackToText(t *testing.T) {
	for _, text := range []string{"", "one", "two words", "trailing space ", "  lead", "a  b"} {
		got := strings.Join(splitChunks(text), "")
		if got != text {
			t.Errorf("splitChunks(%q) joined = %q", text, got)
		}
	}
	if n := len(splitChunks("a b c")); n != 3 {
		t.Errorf("splitChunks(a b c): want 3 chunks, got %d", n)
	}
}

func TestDefaultResponder_ShouldAnswerQuickActions(t *testing.T) {
	r := DefaultResponder()
	ctx := context.Background()

	st := r.Respond(ctx, "System Status")
	if st.Action == nil || st.Action.Action != "system_status" || !st.Action.Success {
		t.Errorf("system status action: %#v", st.Action)
	}
	bt := r.Respond(ctx, "run backtest")
	if bt.Action == nil || bt.Action.Success || bt.Notification == nil || bt.Notification.Level != "warning" {
		t.Errorf("run backtest: %#v", bt)
	}
	if d := r.Respond(ctx, "open dashboard"); d.Action != nil || d.Text == "" {
		t.Errorf("open dashboard: %#v", d)
	}
	if e := r.Respond(ctx, "what now?"); e.Text != "echo: what now?" {
		t.Errorf("fallback: %q", e.Text)
	}
}
