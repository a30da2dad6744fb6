package gateway

import (
	"context"
	"testing"
	"time"

	"aeternum/internal/domain"
	"aeternum/internal/session"
	"aeternum/internal/transport"
)

// waitSnapshot polls m until cond holds.
func waitSnapshot(t *testing.T, m *session.Manager, desc string, cond func(session.Snapshot) bool) session.Snapshot {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		s := m.Snapshot()
		if cond(s) {
			return s
		}
		select {
		case <-m.Updates():
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %s (label=%s)", desc, s.Label)
		}
	}
}

func TestSessionAgainstGateway_ShouldStreamQuickActionReply(t *testing.T) {
	_, url := startGateway(t, &domain.GatewayConfig{AuthToken: "tok"})

	m := session.New(url,
		session.WithDialer(transport.NewDialer(transport.WithAuthToken("tok"))),
		session.WithSeed(nil),
	)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	s := waitSnapshot(t, m, "online with status", func(s session.Snapshot) bool {
		return s.Connected && s.Status["llm"] == "online" && s.Clients == 1
	})
	if s.Label != session.LabelOnline {
		t.Errorf("label: want ONLINE, got %s", s.Label)
	}

	if err := m.SendQuickAction("system status"); err != nil {
		t.Fatalf("SendQuickAction: %v", err)
	}
	s = waitSnapshot(t, m, "assistant reply and action", func(s session.Snapshot) bool {
		return len(s.Messages) == 2 && !s.Streaming && len(s.Actions) == 1
	})
	if s.Messages[0].Role != domain.RoleUser || s.Messages[0].Text != "system status" {
		t.Errorf("first message: %+v", s.Messages[0])
	}
	if s.Messages[1].Role != domain.RoleAssistant || s.Messages[1].Text == "" {
		t.Errorf("reply: %+v", s.Messages[1])
	}
	if a := s.Actions[0]; a.Action != "system_status" || !a.Success {
		t.Errorf("action: %+v", a)
	}
	if s.Avatar != domain.AvatarIdle {
		t.Errorf("avatar: want idle after reply, got %s", s.Avatar)
	}
}

func TestSessionAgainstGateway_WhenServerGoesAway_ShouldReportOffline(t *testing.T) {
	srv, err := NewServer(&domain.GatewayConfig{}, WithChunkDelay(0))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	shutdown := make(chan struct{})
	runErr := make(chan error, 1)
	go func() { runErr <- srv.Run(shutdown) }()
	waitUntilAddr(t, srv, runErr)

	m := session.New("ws://"+srv.Addr()+"/ws",
		session.WithDialer(transport.NewDialer()),
		session.WithSeed(nil),
	)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()
	waitSnapshot(t, m, "online", func(s session.Snapshot) bool { return s.Connected })

	close(shutdown)
	<-runErr
	s := waitSnapshot(t, m, "closed", func(s session.Snapshot) bool { return !s.Connected })
	if s.Label != session.LabelOffline && s.Label != session.LabelConnecting && s.Label != session.LabelError {
		t.Errorf("label after server shutdown: %s", s.Label)
	}
	if err := m.SendCommand("status"); err == nil {
		t.Error("SendCommand after shutdown: want error")
	}
}

func waitUntilAddr(t *testing.T, srv *Server, runErr <-chan error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" {
		select {
		case err := <-runErr:
			if err != nil && isListenPermissionErr(err) {
				t.Skip("skipping: cannot bind in this environment (e.g. sandbox)")
			}
			t.Fatalf("Run returned early: %v", err)
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("server did not bind")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
