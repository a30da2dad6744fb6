// Package protocol defines the JSON envelopes exchanged with the AETERNUM
// backend over its WebSocket event stream.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// Kind is the "type" discriminator of an inbound frame.
type Kind string

const (
	KindInit         Kind = "init"
	KindMessage      Kind = "message"
	KindTextChunk    Kind = "text_chunk"
	KindAudio        Kind = "audio"
	KindAvatarState  Kind = "avatar_state"
	KindActionResult Kind = "action_result"
	KindSystemStatus Kind = "system_status"
	KindNotification Kind = "notification"
	KindPong         Kind = "pong"
	KindStatus       Kind = "status"
)

// Event is the closed set of inbound frames. Unknown carries any frame whose
// type is not recognized.
type Event interface {
	Kind() Kind
}

// SessionInit is sent once after the backend accepts the connection.
type SessionInit struct {
	AvatarState string `json:"avatar_state,omitempty"`
}

// ChatMessage is a complete transcript line from the backend.
type ChatMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// TextChunk is one piece of an assistant reply being streamed.
type TextChunk struct {
	Chunk string `json:"chunk"`
}

// AudioClip carries base64 audio for the playback collaborator.
type AudioClip struct {
	Data   string `json:"data"`
	Format string `json:"format,omitempty"`
}

type AvatarState struct {
	State string `json:"state"`
}

type ActionResult struct {
	Action  string `json:"action"`
	Result  string `json:"result"`
	Success bool   `json:"success"`
}

// SystemStatus replaces the whole subsystem status map.
type SystemStatus struct {
	Status map[string]any `json:"status"`
}

type Notification struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

type Pong struct{}

// PeerCount is the "status" frame: the number of clients attached to the backend.
type PeerCount struct {
	Clients int `json:"clients"`
}

// UnmarshalJSON accepts any JSON number. Fractions are truncated and
// negative counts read as zero.
func (p *PeerCount) UnmarshalJSON(b []byte) error {
	var raw struct {
		Clients float64 `json:"clients"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	n := math.Trunc(raw.Clients)
	switch {
	case n <= 0:
		p.Clients = 0
	case n >= math.MaxInt32:
		p.Clients = math.MaxInt32
	default:
		p.Clients = int(n)
	}
	return nil
}

// Unknown is the no-op variant for unrecognized types.
type Unknown struct {
	Type string
	Raw  json.RawMessage
}

func (SessionInit) Kind() Kind  { return KindInit }
func (ChatMessage) Kind() Kind  { return KindMessage }
func (TextChunk) Kind() Kind    { return KindTextChunk }
func (AudioClip) Kind() Kind    { return KindAudio }
func (AvatarState) Kind() Kind  { return KindAvatarState }
func (ActionResult) Kind() Kind { return KindActionResult }
func (SystemStatus) Kind() Kind { return KindSystemStatus }
func (Notification) Kind() Kind { return KindNotification }
func (Pong) Kind() Kind         { return KindPong }
func (PeerCount) Kind() Kind    { return KindStatus }
func (u Unknown) Kind() Kind    { return Kind(u.Type) }

// ErrMissingType is returned by Decode when a frame has no "type" field.
var ErrMissingType = errors.New("protocol: frame has no type")

// Decode parses one inbound frame. Invalid JSON, a missing type, or fields
// that do not match the declared kind return an error; unrecognized types
// return Unknown and no error.
func Decode(frame []byte) (Event, error) {
	var env struct {
		Type *string `json:"type"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if env.Type == nil || *env.Type == "" {
		return nil, ErrMissingType
	}

	kind := Kind(*env.Type)
	var ev Event
	var err error
	switch kind {
	case KindInit:
		ev, err = decodeAs[SessionInit](frame)
	case KindMessage:
		ev, err = decodeAs[ChatMessage](frame)
	case KindTextChunk:
		ev, err = decodeAs[TextChunk](frame)
	case KindAudio:
		ev, err = decodeAs[AudioClip](frame)
	case KindAvatarState:
		ev, err = decodeAs[AvatarState](frame)
	case KindActionResult:
		ev, err = decodeAs[ActionResult](frame)
	case KindSystemStatus:
		ev, err = decodeAs[SystemStatus](frame)
	case KindNotification:
		ev, err = decodeAs[Notification](frame)
	case KindPong:
		ev = Pong{}
	case KindStatus:
		ev, err = decodeAs[PeerCount](frame)
	default:
		raw := make(json.RawMessage, len(frame))
		copy(raw, frame)
		return Unknown{Type: *env.Type, Raw: raw}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", kind, err)
	}
	return ev, nil
}

func decodeAs[T Event](frame []byte) (Event, error) {
	var v T
	if err := json.Unmarshal(frame, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// jsonMarshal is used by Encode and EncodeCommand; tests may replace it to force Marshal errors.
var jsonMarshal = json.Marshal

// Encode serializes ev with its "type" discriminator. Unknown events are
// re-emitted as their raw frame.
func Encode(ev Event) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("protocol: nil event")
	}
	if u, ok := ev.(Unknown); ok {
		return append([]byte(nil), u.Raw...), nil
	}
	return withType(string(ev.Kind()), ev)
}

// withType marshals payload (a JSON object) and splices "type" in as the first field.
func withType(kind string, payload any) ([]byte, error) {
	body, err := jsonMarshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", kind, err)
	}
	typ, err := jsonMarshal(kind)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", kind, err)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("protocol: encode %s: payload is not an object", kind)
	}
	var buf bytes.Buffer
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if inner := bytes.TrimSpace(body[1 : len(body)-1]); len(inner) > 0 {
		buf.WriteByte(',')
		buf.Write(inner)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
