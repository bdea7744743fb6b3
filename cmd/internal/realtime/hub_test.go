package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	v1 "github.com/j0rgev0/chat-socket/shared/contracts/realtime/v1"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	log := discardLogger()
	return NewHub(log, NewMessageLog(log, NewInMemoryStore(), nil), NewRegistry(log, nil, DefaultRecoveryWindow))
}

func mustSessionPayload(t *testing.T, env v1.Envelope) v1.SessionPayload {
	t.Helper()
	if env.Type != v1.TypeSession {
		t.Fatalf("expected %q envelope, got %q", v1.TypeSession, env.Type)
	}
	var p v1.SessionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode session payload: %v", err)
	}
	return p
}

func mustChatPayload(t *testing.T, env v1.Envelope) v1.ChatMessagePayload {
	t.Helper()
	if env.Type != v1.TypeChatMessage {
		t.Fatalf("expected %q envelope, got %q", v1.TypeChatMessage, env.Type)
	}
	var p v1.ChatMessagePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode chat payload: %v", err)
	}
	return p
}

func TestHub_JoinEmptyStore(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	s := h.Join(context.Background(), NewClient(8), JoinRequest{DisplayName: "alice"})

	got := drain(s.Client())
	if len(got) != 2 {
		t.Fatalf("expected session + history envelopes, got %d", len(got))
	}
	sp := mustSessionPayload(t, got[0])
	if sp.SessionID != s.ID || sp.Recovered {
		t.Fatalf("unexpected session payload: %+v", sp)
	}
	if got[1].Type != v1.TypeChatHistory || string(got[1].Payload) != "[]" {
		t.Fatalf("expected empty history batch, got %s %s", got[1].Type, got[1].Payload)
	}
}

func TestHub_JoinDeliversHistory(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	ctx := context.Background()

	sender := h.Join(ctx, NewClient(16), JoinRequest{DisplayName: "alice"})
	for _, c := range []string{"one", "two"} {
		if _, ok := h.Submit(ctx, sender, c); !ok {
			t.Fatalf("submit %q failed", c)
		}
	}

	late := h.Join(ctx, NewClient(16), JoinRequest{DisplayName: "bob"})
	got := drain(late.Client())

	// session, history batch, then one chat message per row.
	if len(got) != 4 {
		t.Fatalf("expected 4 envelopes, got %d", len(got))
	}
	mustSessionPayload(t, got[0])

	var batch []v1.HistoryMessage
	if err := json.Unmarshal(got[1].Payload, &batch); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if len(batch) != 2 || batch[0].Content != "one" || batch[1].Content != "two" {
		t.Fatalf("unexpected history batch: %+v", batch)
	}
	if batch[0].Username != "alice" {
		t.Fatalf("history username=%q want alice", batch[0].Username)
	}

	for i, want := range []string{"one", "two"} {
		p := mustChatPayload(t, got[2+i])
		if p.Content != want || p.ID != batch[i].ID {
			t.Fatalf("history event %d: %+v", i, p)
		}
	}
}

func TestHub_SubmitEchoesToSender(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	ctx := context.Background()

	a := h.Join(ctx, NewClient(8), JoinRequest{DisplayName: "alice"})
	b := h.Join(ctx, NewClient(8), JoinRequest{})
	drain(a.Client())
	drain(b.Client())

	m, ok := h.Submit(ctx, b, "hello")
	if !ok {
		t.Fatalf("submit failed")
	}
	if m.Username != AnonymousUsername {
		t.Fatalf("username=%q want %q", m.Username, AnonymousUsername)
	}

	for _, s := range []*Session{a, b} {
		got := drain(s.Client())
		if len(got) != 1 {
			t.Fatalf("session %s: expected 1 envelope, got %d", s.DisplayName, len(got))
		}
		p := mustChatPayload(t, got[0])
		if p.Content != "hello" || p.ID != m.ID || p.Username != AnonymousUsername {
			t.Fatalf("session %s: unexpected payload %+v", s.DisplayName, p)
		}
	}
}

func TestHub_SubmitEmptyContentIsSilent(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	ctx := context.Background()

	s := h.Join(ctx, NewClient(8), JoinRequest{DisplayName: "alice"})
	drain(s.Client())

	if _, ok := h.Submit(ctx, s, ""); ok {
		t.Fatalf("expected empty content to be rejected")
	}
	if got := len(drain(s.Client())); got != 0 {
		t.Fatalf("rejected submission produced %d envelopes", got)
	}
	if got := h.Messages().ListAll(ctx); len(got) != 0 {
		t.Fatalf("rejected submission was persisted: %+v", got)
	}
}

func TestHub_LeaveStopsDelivery(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	ctx := context.Background()

	a := h.Join(ctx, NewClient(8), JoinRequest{DisplayName: "alice"})
	b := h.Join(ctx, NewClient(8), JoinRequest{DisplayName: "bob"})
	drain(a.Client())
	drain(b.Client())

	h.Leave(b)
	h.Leave(b)

	if _, ok := h.Submit(ctx, a, "after leave"); !ok {
		t.Fatalf("submit failed")
	}
	if got := len(drain(b.Client())); got != 0 {
		t.Fatalf("departed session received %d envelopes", got)
	}
	if h.Registry().Count() != 1 {
		t.Fatalf("Count=%d want 1", h.Registry().Count())
	}
}

func TestHub_RecoveredJoinReplaysMissedOnly(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	ctx := context.Background()

	a := h.Join(ctx, NewClient(16), JoinRequest{DisplayName: "alice"})
	b := h.Join(ctx, NewClient(16), JoinRequest{DisplayName: "bob"})

	first, _ := h.Submit(ctx, a, "seen")
	drain(b.Client())
	h.Leave(b)

	h.Submit(ctx, a, "missed 1")
	h.Submit(ctx, a, "missed 2")

	again := h.Join(ctx, NewClient(16), JoinRequest{DisplayName: "bob", SessionID: b.ID})
	if again.ID != b.ID || !again.Recovered {
		t.Fatalf("expected recovered session %s, got id=%s recovered=%v", b.ID, again.ID, again.Recovered)
	}

	got := drain(again.Client())
	if len(got) != 3 {
		t.Fatalf("expected session + 2 replayed messages, got %d", len(got))
	}
	if sp := mustSessionPayload(t, got[0]); !sp.Recovered {
		t.Fatalf("session payload should report recovery")
	}
	for i, env := range got[1:] {
		if env.Type == v1.TypeChatHistory {
			t.Fatalf("recovered join must not receive a history batch")
		}
		p := mustChatPayload(t, env)
		if p.ID <= first.ID {
			t.Fatalf("replayed already-seen message %d", p.ID)
		}
		if want := []string{"missed 1", "missed 2"}[i]; p.Content != want {
			t.Fatalf("replay %d: content=%q want %q", i, p.Content, want)
		}
	}
}

func TestHub_RecoveredJoinHonoursClientOffset(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	ctx := context.Background()

	a := h.Join(ctx, NewClient(16), JoinRequest{DisplayName: "alice"})
	m1, _ := h.Submit(ctx, a, "one")
	h.Submit(ctx, a, "two")
	h.Leave(a)

	offset := m1.ID
	again := h.Join(ctx, NewClient(16), JoinRequest{DisplayName: "alice", SessionID: a.ID, Offset: &offset})

	got := drain(again.Client())
	if len(got) != 2 {
		t.Fatalf("expected session + 1 replayed message, got %d", len(got))
	}
	if p := mustChatPayload(t, got[1]); p.Content != "two" {
		t.Fatalf("replayed %q want two", p.Content)
	}
}

func TestHub_RecoveredJoinReplaysQueuedButUnwritten(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	ctx := context.Background()

	a := h.Join(ctx, NewClient(16), JoinRequest{DisplayName: "alice"})
	b := h.Join(ctx, NewClient(16), JoinRequest{DisplayName: "bob"})
	drain(b.Client())

	// Both messages reach bob's queue, but the connection dies before the writer sends them.
	h.Submit(ctx, a, "m1")
	h.Submit(ctx, a, "m2")
	h.Leave(b)

	again := h.Join(ctx, NewClient(16), JoinRequest{DisplayName: "bob", SessionID: b.ID})
	if !again.Recovered {
		t.Fatalf("expected a recovered session")
	}

	got := drain(again.Client())
	if len(got) != 3 {
		t.Fatalf("expected session + 2 replayed messages, got %d", len(got))
	}
	for i, want := range []string{"m1", "m2"} {
		if p := mustChatPayload(t, got[1+i]); p.Content != want {
			t.Fatalf("replay %d: content=%q want %q", i, p.Content, want)
		}
	}
}

// outOfOrderStore lists ids 1 and 3 while id 2 is still committing;
// onList runs in the middle of the history query.
type outOfOrderStore struct {
	*InMemoryStore
	onList func()
}

func (s *outOfOrderStore) ListMessages(ctx context.Context) ([]Message, error) {
	if s.onList != nil {
		s.onList()
	}
	return []Message{
		{ID: 1, Content: "one", Username: "alice"},
		{ID: 3, Content: "three", Username: "alice"},
	}, nil
}

func TestHub_JoinKeepsBroadcastCommittedOutOfOrder(t *testing.T) {
	t.Parallel()

	log := discardLogger()
	store := &outOfOrderStore{InMemoryStore: NewInMemoryStore()}
	h := NewHub(log, NewMessageLog(log, store, nil), NewRegistry(log, nil, DefaultRecoveryWindow))
	store.onList = func() {
		h.Registry().Broadcast(2, chatMessageEnvelope(Message{ID: 2, Content: "two", Username: "alice"}))
		h.Registry().Broadcast(3, chatMessageEnvelope(Message{ID: 3, Content: "three", Username: "alice"}))
	}

	s := h.Join(context.Background(), NewClient(16), JoinRequest{DisplayName: "bob"})

	got := drain(s.Client())
	// session, history batch, history rows 1 and 3, then the late commit 2.
	if len(got) != 5 {
		t.Fatalf("expected 5 envelopes, got %d", len(got))
	}
	var ids []int64
	for _, env := range got[2:] {
		ids = append(ids, mustChatPayload(t, env).ID)
	}
	if ids[0] != 1 || ids[1] != 3 || ids[2] != 2 {
		t.Fatalf("chat ids=%v want [1 3 2]", ids)
	}
	if off := s.RecoveryOffset(); off != 3 {
		t.Fatalf("RecoveryOffset=%d want 3", off)
	}
}

func TestHub_UnknownSessionIDStartsFresh(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	s := h.Join(context.Background(), NewClient(8), JoinRequest{SessionID: "does-not-exist"})

	if s.Recovered || s.ID == "does-not-exist" {
		t.Fatalf("unknown session id must start a fresh session, got id=%s recovered=%v", s.ID, s.Recovered)
	}
	if s.DisplayName != AnonymousUsername {
		t.Fatalf("DisplayName=%q want %q", s.DisplayName, AnonymousUsername)
	}

	got := drain(s.Client())
	if len(got) != 2 || got[1].Type != v1.TypeChatHistory {
		t.Fatalf("fresh session should get a history batch")
	}
}

func TestHub_HistoryLargerThanQueueIsNotDropped(t *testing.T) {
	t.Parallel()

	h := newTestHub(t)
	ctx := context.Background()

	sender := h.Join(ctx, NewClient(64), JoinRequest{DisplayName: "alice"})
	const n = 10
	for i := 0; i < n; i++ {
		h.Submit(ctx, sender, "m")
	}

	client := NewClient(2)
	received := make(chan int, 1)
	go func() {
		count := 0
		for {
			select {
			case <-client.Send:
				count++
				// session + history batch + n chat messages
				if count == n+2 {
					received <- count
					return
				}
			case <-client.Done():
				received <- count
				return
			}
		}
	}()

	h.Join(ctx, client, JoinRequest{DisplayName: "bob"})

	if got := <-received; got != n+2 {
		t.Fatalf("received %d envelopes, want %d", got, n+2)
	}
}

func TestNewEnvelope_Stamped(t *testing.T) {
	t.Parallel()

	env := newEnvelope(v1.TypeSession, mustJSON(v1.SessionPayload{SessionID: "x"}))
	if err := env.Validate(); err != nil {
		t.Fatalf("envelope should validate: %v", err)
	}
	if env.TS.Location().String() != "UTC" {
		t.Fatalf("expected UTC timestamp")
	}
}

func TestHub_UnreachableStore(t *testing.T) {
	t.Parallel()

	log := discardLogger()
	h := NewHub(log, NewMessageLog(log, failingStore{err: errors.New("connection refused")}, nil), nil)
	ctx := context.Background()

	a := h.Join(ctx, NewClient(8), JoinRequest{DisplayName: "alice"})
	b := h.Join(ctx, NewClient(8), JoinRequest{DisplayName: "bob"})

	for _, s := range []*Session{a, b} {
		got := drain(s.Client())
		if len(got) != 2 {
			t.Fatalf("session %s: expected session + history, got %d envelopes", s.DisplayName, len(got))
		}
		if got[1].Type != v1.TypeChatHistory || string(got[1].Payload) != "[]" {
			t.Fatalf("session %s: expected empty history, got %s", s.DisplayName, got[1].Payload)
		}
	}

	if _, ok := h.Submit(ctx, a, "hello"); ok {
		t.Fatalf("submit must fail when the store is unreachable")
	}
	for _, s := range []*Session{a, b} {
		if got := len(drain(s.Client())); got != 0 {
			t.Fatalf("session %s received %d envelopes after a failed append", s.DisplayName, got)
		}
	}
}
