package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/j0rgev0/chat-socket/cmd/internal/ids"
	v1 "github.com/j0rgev0/chat-socket/shared/contracts/realtime/v1"
)

// Hub orchestrates joins, submissions and leaves between connections,
// the MessageLog and the Registry. It is built once at startup and injected
// into the gateway; there is no package-level state.
type Hub struct {
	log      *slog.Logger
	messages *MessageLog
	registry *Registry
}

// JoinRequest is the handshake data a connection supplies.
type JoinRequest struct {
	DisplayName string
	// SessionID and Offset are set by a reconnecting client that wants its state recovered.
	SessionID string
	Offset    *int64
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, messages *MessageLog, registry *Registry) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if messages == nil {
		messages = NewMessageLog(log, nil, nil)
	}
	if registry == nil {
		registry = NewRegistry(log, nil, DefaultRecoveryWindow)
	}
	return &Hub{
		log:      log,
		messages: messages,
		registry: registry,
	}
}

// Registry returns the session registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Messages returns the message log.
func (h *Hub) Messages() *MessageLog { return h.messages }

// Join registers client as a session and brings it up to date.
//
// A fresh session receives the "chat history" batch followed by one "chat message"
// per history row. A recovered session gets no history batch; only messages
// after its offset are replayed as "chat message" events.
//
// The session is registered before the store is queried, so nothing committed
// in between is missed. Broadcasts that overlap the catch-up are de-duplicated
// by the exact set of ids the catch-up carried; ids commit out of order, so a
// broadcast older than the newest catch-up row is still delivered.
func (h *Hub) Join(ctx context.Context, client *Client, req JoinRequest) *Session {
	name := normalizeUsername(req.DisplayName)

	var (
		sessionID string
		recovered bool
		offset    int64
	)

	if rec, ok := h.registry.Recover(req.SessionID); ok {
		sessionID = req.SessionID
		recovered = true
		offset = rec.LastID
		if req.Offset != nil {
			offset = *req.Offset
		}
	} else {
		sessionID = ids.MustULID(time.Now().UTC())
	}

	s := h.registry.Register(client, sessionID, name, recovered, true)

	sessEnv := newEnvelope(v1.TypeSession, mustJSON(v1.SessionPayload{
		SessionID: s.ID,
		Recovered: recovered,
	}))

	var (
		catchUp  []Outbound
		replayed int
	)
	if recovered {
		client.resumeFrom(offset)
		missed := h.messages.ListAfter(ctx, offset)
		catchUp = make([]Outbound, 0, len(missed)+1)
		catchUp = append(catchUp, Outbound{Env: sessEnv})
		for _, m := range missed {
			catchUp = append(catchUp, Outbound{Env: chatMessageEnvelope(m), MsgID: m.ID})
		}
		replayed = len(missed)
	} else {
		history := h.messages.ListAll(ctx)
		catchUp = make([]Outbound, 0, len(history)+2)
		catchUp = append(catchUp, Outbound{Env: sessEnv}, Outbound{Env: historyEnvelope(history)})
		for _, m := range history {
			catchUp = append(catchUp, Outbound{Env: chatMessageEnvelope(m), MsgID: m.ID})
		}
		replayed = len(history)
	}

	s.completeSync(ctx, catchUp)

	h.log.Info("hub.join", "session_id", s.ID, "username", s.DisplayName, "recovered", recovered, "replayed", replayed)
	return s
}

// Submit persists content from s and broadcasts it to every session, the sender included.
// Validation and store failures are logged by the MessageLog and produce no broadcast.
func (h *Hub) Submit(ctx context.Context, s *Session, content string) (Message, bool) {
	if s == nil {
		return Message{}, false
	}

	m, ok := h.messages.Append(ctx, content, s.DisplayName)
	if !ok {
		return Message{}, false
	}

	h.registry.Broadcast(m.ID, chatMessageEnvelope(m))
	return m, true
}

// Leave unregisters s. No further events reach it.
func (h *Hub) Leave(s *Session) {
	if s == nil {
		return
	}
	if !h.registry.Unregister(s) {
		return
	}
	h.log.Info("hub.leave", "session_id", s.ID, "username", s.DisplayName)
}

// ---- envelope builders ----

func chatMessageEnvelope(m Message) v1.Envelope {
	return newEnvelope(v1.TypeChatMessage, mustJSON(v1.ChatMessagePayload{
		Content:  m.Content,
		ID:       m.ID,
		Username: m.Username,
	}))
}

func historyEnvelope(msgs []Message) v1.Envelope {
	out := make([]v1.HistoryMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, v1.HistoryMessage{ID: m.ID, Content: m.Content, Username: m.Username})
	}
	return newEnvelope(v1.TypeChatHistory, mustJSON(out))
}

func newEnvelope(typ string, payload json.RawMessage) v1.Envelope {
	now := time.Now().UTC()
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      ids.MustULID(now),
		TS:      now,
		Payload: payload,
	}
}

// mustJSON marshals contract payloads, which cannot fail to encode.
func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
