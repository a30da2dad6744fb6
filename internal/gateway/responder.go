package gateway

import (
	"context"
	"strings"

	"aeternum/internal/protocol"
)

// Reply is everything the mock backend sends back for one user message. Text
// is streamed as chunks and then repeated as the final assistant message.
type Reply struct {
	Text         string
	Action       *protocol.ActionResult
	Notification *protocol.Notification
	Audio        *protocol.AudioClip
}

// Responder produces the reply to one user message.
type Responder interface {
	Respond(ctx context.Context, text string) Reply
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, text string) Reply

func (f ResponderFunc) Respond(ctx context.Context, text string) Reply { return f(ctx, text) }

// DefaultResponder answers the dashboard's quick actions with canned text and
// echoes anything else.
func DefaultResponder() Responder {
	return ResponderFunc(func(_ context.Context, text string) Reply {
		cmd := strings.ToLower(strings.TrimSpace(text))
		switch cmd {
		case "system status", "status":
			return actionReply(cmd, "All subsystems nominal: llm, stt, tts, memory, backend and rag are online.", "6/6 subsystems online", true)
		case "health check":
			return actionReply(cmd, "Health check passed. Broker, data feeds and model router respond within limits.", "all probes passed", true)
		case "oracle signals":
			return actionReply(cmd, "Oracle reports no high-confidence signals in the last hour.", "0 signals above threshold", true)
		case "market regime":
			return actionReply(cmd, "Current market regime: risk-on with low realized volatility.", "regime=risk-on", true)
		case "open dashboard":
			return Reply{Text: "The dashboard is already open."}
		case "run backtest":
			r := actionReply(cmd, "Backtests cannot run against the mock backend.", "refused by mock backend", false)
			r.Notification = &protocol.Notification{Message: "Backtest refused: mock backend", Level: "warning"}
			return r
		default:
			return Reply{Text: "echo: " + text}
		}
	})
}

func actionReply(cmd, text, result string, ok bool) Reply {
	return Reply{
		Text:   text,
		Action: &protocol.ActionResult{Action: strings.ReplaceAll(cmd, " ", "_"), Result: result, Success: ok},
	}
}

// splitChunks cuts text after every space so that concatenating the chunks
// gives text back exactly.
func splitChunks(text string) []string {
	if text == "" {
		return nil
	}
	parts := strings.SplitAfter(text, " ")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
