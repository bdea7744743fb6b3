// Package v1 defines the chat-socket realtime protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// Clients and server share it so the wire protocol stays authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeChatMessage carries a submitted text (client -> server) or a persisted message (server -> all).
	TypeChatMessage = "chat message"
	// TypeChatHistory carries the ordered history batch sent once after join (server -> client).
	TypeChatHistory = "chat history"
	// TypeSession tells the client its session id and whether state was recovered (server -> client).
	TypeSession = "session"
	// TypeError is a generic protocol error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeChatMessage,
		TypeChatHistory,
		TypeSession,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Payloads ----

// ChatMessagePayload is the server -> client "chat message" payload.
//
// On the wire it is a positional triple: [content, id, username], with id as a decimal string.
type ChatMessagePayload struct {
	Content  string
	ID       int64
	Username string
}

// MarshalJSON encodes the payload as [content, "id", username].
func (p ChatMessagePayload) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{p.Content, strconv.FormatInt(p.ID, 10), p.Username})
}

// UnmarshalJSON decodes the positional triple form.
func (p *ChatMessagePayload) UnmarshalJSON(b []byte) error {
	var raw []string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 3 {
		return fmt.Errorf("chat message: want 3 fields, got %d", len(raw))
	}
	id, err := strconv.ParseInt(raw[1], 10, 64)
	if err != nil {
		return fmt.Errorf("chat message: invalid id %q: %w", raw[1], err)
	}
	p.Content = raw[0]
	p.ID = id
	p.Username = raw[2]
	return nil
}

// HistoryMessage is one row of the "chat history" batch. The id stays numeric here.
type HistoryMessage struct {
	ID       int64  `json:"id"`
	Content  string `json:"content"`
	Username string `json:"username"`
}

// SessionPayload announces the session id a client can later reconnect with.
type SessionPayload struct {
	SessionID string `json:"session_id"`
	Recovered bool   `json:"recovered"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
