package protocol

import (
	"encoding/json"
	"fmt"
)

// CommandType is the "type" of an outbound frame.
type CommandType string

const (
	CommandUserMessage CommandType = "user_message"
	CommandPing        CommandType = "ping"
)

// Command is an outbound frame: {"type":"user_message","text":"..."} or {"type":"ping"}.
type Command struct {
	Type CommandType `json:"type"`
	Text string      `json:"text,omitempty"`
}

// UserMessage builds the command carrying typed user input.
func UserMessage(text string) Command {
	return Command{Type: CommandUserMessage, Text: text}
}

// Ping builds the liveness probe command.
func Ping() Command {
	return Command{Type: CommandPing}
}

// EncodeCommand serializes c for the wire.
func EncodeCommand(c Command) ([]byte, error) {
	data, err := jsonMarshal(c)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode command: %w", err)
	}
	return data, nil
}

// DecodeCommand parses an outbound frame (used by the mock backend).
// Older clients sent "text_input"; it is accepted as a user message.
func DecodeCommand(frame []byte) (Command, error) {
	var c Command
	if err := json.Unmarshal(frame, &c); err != nil {
		return Command{}, fmt.Errorf("protocol: decode command: %w", err)
	}
	if c.Type == "text_input" {
		c.Type = CommandUserMessage
	}
	if c.Type == "" {
		return Command{}, ErrMissingType
	}
	return c, nil
}
