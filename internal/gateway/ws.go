package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"aeternum/internal/domain"
	"aeternum/internal/protocol"
)

const maxCommandBytes = 64 << 10

// Default upgrader for WebSocket connections.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS upgrades the request and speaks the dashboard event protocol:
// init and system_status on attach, pong for ping, and a streamed reply
// (avatar thinking, text chunks, final message, avatar idle, action result)
// for every user_message. Frames that do not parse get an error notification.
// Only GET is accepted for the WebSocket handshake.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log().Debug("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxCommandBytes)

	c := &client{conn: conn}
	n := s.hub.add(c)
	s.log().Info("dashboard attached", "remote", r.RemoteAddr, "clients", n)
	defer func() {
		left := s.hub.remove(c)
		s.log().Info("dashboard detached", "remote", r.RemoteAddr, "clients", left)
		s.hub.Broadcast(protocol.PeerCount{Clients: left})
	}()

	_ = c.send(protocol.SessionInit{AvatarState: string(domain.AvatarIdle)})
	_ = c.send(protocol.SystemStatus{Status: s.systemStatus()})
	s.hub.Broadcast(protocol.PeerCount{Clients: n})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		cmd, err := protocol.DecodeCommand(raw)
		if err != nil {
			_ = c.send(protocol.Notification{Message: "invalid command frame", Level: string(domain.LevelError)})
			continue
		}
		switch cmd.Type {
		case protocol.CommandPing:
			_ = c.send(protocol.Pong{})
		case protocol.CommandUserMessage:
			if err := s.reply(r.Context(), c, cmd.Text); err != nil {
				s.log().Debug("reply write failed", "error", err)
				return
			}
		default:
			_ = c.send(protocol.Notification{Message: "unsupported command: " + string(cmd.Type), Level: string(domain.LevelWarning)})
		}
	}
}

// reply streams the responder's answer to c.
func (s *Server) reply(ctx context.Context, c *client, text string) error {
	rep := s.responder.Respond(ctx, text)

	if err := c.send(protocol.AvatarState{State: string(domain.AvatarThinking)}); err != nil {
		return err
	}
	for _, chunk := range splitChunks(rep.Text) {
		if err := c.send(protocol.TextChunk{Chunk: chunk}); err != nil {
			return err
		}
		if s.chunkDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.chunkDelay):
			}
		}
	}

	frames := []protocol.Event{
		protocol.ChatMessage{Role: string(domain.RoleAssistant), Text: rep.Text},
		protocol.AvatarState{State: string(domain.AvatarIdle)},
	}
	if rep.Audio != nil {
		frames = append(frames, *rep.Audio)
	}
	if rep.Action != nil {
		frames = append(frames, *rep.Action)
	}
	if rep.Notification != nil {
		frames = append(frames, *rep.Notification)
	}
	for _, f := range frames {
		if err := c.send(f); err != nil {
			return err
		}
	}
	return nil
}
