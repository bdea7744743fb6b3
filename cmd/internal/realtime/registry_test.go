package realtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	v1 "github.com/j0rgev0/chat-socket/shared/contracts/realtime/v1"
)

func TestRegistry_BroadcastReachesAllSessions(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics(prometheus.NewRegistry())
	r := NewRegistry(discardLogger(), metrics, DefaultRecoveryWindow)

	a := r.Register(NewClient(4), "a", "alice", false, false)
	b := r.Register(NewClient(4), "b", "bob", false, false)

	env := chatMessageEnvelope(Message{ID: 7, Content: "hi", Username: "alice"})
	r.Broadcast(7, env)

	for _, s := range []*Session{a, b} {
		got := drain(s.Client())
		if len(got) != 1 || got[0].ID != env.ID {
			t.Fatalf("session %s: expected the broadcast, got %d envelopes", s.ID, len(got))
		}
		if got := s.RecoveryOffset(); got != 7 {
			t.Fatalf("session %s: RecoveryOffset=%d want 7", s.ID, got)
		}
	}

	if got := testutil.ToFloat64(metrics.deliveries); got != 2 {
		t.Fatalf("deliveries=%v want 2", got)
	}
	if got := testutil.ToFloat64(metrics.sessions); got != 2 {
		t.Fatalf("sessions gauge=%v want 2", got)
	}
}

func TestRegistry_FullQueueDropsWithoutBlocking(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics(prometheus.NewRegistry())
	r := NewRegistry(discardLogger(), metrics, DefaultRecoveryWindow)

	slow := r.Register(NewClient(1), "slow", "slow", false, false)
	fast := r.Register(NewClient(8), "fast", "fast", false, false)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := int64(1); i <= 3; i++ {
			r.Broadcast(i, chatMessageEnvelope(Message{ID: i, Content: "x"}))
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast blocked on a full queue")
	}

	if got := len(drain(slow.Client())); got != 1 {
		t.Fatalf("slow session got %d envelopes, want 1", got)
	}
	if got := len(drain(fast.Client())); got != 3 {
		t.Fatalf("fast session got %d envelopes, want 3", got)
	}
	if got := testutil.ToFloat64(metrics.dropped); got != 2 {
		t.Fatalf("dropped=%v want 2", got)
	}
}

func TestRegistry_UnregisterIsIdempotentAndStopsDelivery(t *testing.T) {
	t.Parallel()

	r := NewRegistry(discardLogger(), nil, DefaultRecoveryWindow)
	s := r.Register(NewClient(4), "a", "alice", false, false)

	if !r.Unregister(s) {
		t.Fatalf("first Unregister should report true")
	}
	if r.Unregister(s) {
		t.Fatalf("second Unregister should report false")
	}
	if r.Count() != 0 {
		t.Fatalf("Count=%d want 0", r.Count())
	}

	select {
	case <-s.Client().Done():
	default:
		t.Fatalf("client should be closed after Unregister")
	}

	r.Broadcast(1, chatMessageEnvelope(Message{ID: 1, Content: "late"}))
	if got := len(drain(s.Client())); got != 0 {
		t.Fatalf("unregistered session received %d envelopes", got)
	}
}

func TestRegistry_RecoverWithinWindow(t *testing.T) {
	t.Parallel()

	r := NewRegistry(discardLogger(), nil, time.Minute)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return now }

	s := r.Register(NewClient(4), "sess-1", "alice", false, false)
	r.Broadcast(5, chatMessageEnvelope(Message{ID: 5, Content: "x"}))
	drain(s.Client())
	r.Unregister(s)

	now = now.Add(30 * time.Second)
	rec, ok := r.Recover("sess-1")
	if !ok {
		t.Fatalf("expected recovery inside the window")
	}
	if rec.DisplayName != "alice" || rec.LastID != 5 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	if _, ok := r.Recover("sess-1"); ok {
		t.Fatalf("recovery record must be consumed")
	}
}

func TestRegistry_RecoverExpires(t *testing.T) {
	t.Parallel()

	r := NewRegistry(discardLogger(), nil, time.Minute)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return now }

	r.Unregister(r.Register(NewClient(1), "sess-1", "alice", false, false))

	now = now.Add(2 * time.Minute)
	if _, ok := r.Recover("sess-1"); ok {
		t.Fatalf("expected expired record to be rejected")
	}
	if _, ok := r.Recover("unknown"); ok {
		t.Fatalf("unknown session must not recover")
	}
}

func TestRegistry_RecoveryDisabled(t *testing.T) {
	t.Parallel()

	r := NewRegistry(discardLogger(), nil, 0)
	r.Unregister(r.Register(NewClient(1), "sess-1", "alice", false, false))

	if _, ok := r.Recover("sess-1"); ok {
		t.Fatalf("recovery must be disabled with a zero window")
	}
}

func TestSession_SyncBacklogSkipsCoveredIDs(t *testing.T) {
	t.Parallel()

	r := NewRegistry(discardLogger(), nil, DefaultRecoveryWindow)
	s := r.Register(NewClient(16), "a", "alice", false, true)

	// Broadcasts racing the catch-up: id 2 is also in the catch-up, id 3 is not.
	r.Broadcast(2, chatMessageEnvelope(Message{ID: 2, Content: "two"}))
	r.Broadcast(3, chatMessageEnvelope(Message{ID: 3, Content: "three"}))

	if got := len(drain(s.Client())); got != 0 {
		t.Fatalf("syncing session must not receive live messages yet, got %d", got)
	}

	s.completeSync(t.Context(), []Outbound{
		chatOutbound(Message{ID: 1, Content: "one"}),
		chatOutbound(Message{ID: 2, Content: "two"}),
	})

	assertChatIDs(t, drain(s.Client()), 1, 2, 3)

	// After sync, broadcasts go straight to the queue.
	r.Broadcast(4, chatMessageEnvelope(Message{ID: 4, Content: "four"}))
	if got := len(drain(s.Client())); got != 1 {
		t.Fatalf("expected live delivery after sync, got %d", got)
	}
	if got := s.RecoveryOffset(); got != 4 {
		t.Fatalf("RecoveryOffset=%d want 4", got)
	}
}

func TestSession_SyncBacklogKeepsOlderUncoveredIDs(t *testing.T) {
	t.Parallel()

	r := NewRegistry(discardLogger(), nil, DefaultRecoveryWindow)
	s := r.Register(NewClient(16), "a", "alice", false, true)

	// id 2 committed after id 3 and was not visible to the catch-up query.
	r.Broadcast(2, chatMessageEnvelope(Message{ID: 2, Content: "two"}))
	r.Broadcast(3, chatMessageEnvelope(Message{ID: 3, Content: "three"}))

	s.completeSync(t.Context(), []Outbound{
		chatOutbound(Message{ID: 1, Content: "one"}),
		chatOutbound(Message{ID: 3, Content: "three"}),
	})

	assertChatIDs(t, drain(s.Client()), 1, 3, 2)
}

func TestSession_SyncBacklogOverflowClosesClient(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics(prometheus.NewRegistry())
	r := NewRegistry(discardLogger(), metrics, DefaultRecoveryWindow)
	s := r.Register(NewClient(4), "a", "alice", false, true)

	for i := int64(1); i <= maxSyncBacklog+1; i++ {
		r.Broadcast(i, chatMessageEnvelope(Message{ID: i, Content: "x"}))
	}

	if got := testutil.ToFloat64(metrics.dropped); got != 1 {
		t.Fatalf("dropped=%v want 1", got)
	}
	select {
	case <-s.Client().Done():
	default:
		t.Fatalf("overflowing the sync backlog should close the client")
	}

	// The closed client ends the sync at once.
	s.completeSync(t.Context(), nil)
	if got := s.RecoveryOffset(); got != 0 {
		t.Fatalf("RecoveryOffset=%d want 0, nothing was written", got)
	}
}

func TestSession_RecoveryOffsetCountsOnlyWrittenMessages(t *testing.T) {
	t.Parallel()

	r := NewRegistry(discardLogger(), nil, DefaultRecoveryWindow)
	s := r.Register(NewClient(8), "a", "alice", false, false)

	r.Broadcast(1, chatMessageEnvelope(Message{ID: 1, Content: "one"}))
	drain(s.Client())
	r.Broadcast(2, chatMessageEnvelope(Message{ID: 2, Content: "two"}))
	r.Broadcast(3, chatMessageEnvelope(Message{ID: 3, Content: "three"}))

	// 2 and 3 are queued but the writer never sent them.
	if got := s.RecoveryOffset(); got != 1 {
		t.Fatalf("RecoveryOffset=%d want 1", got)
	}
}

func TestSession_RecoveryOffsetStopsBeforeDroppedMessage(t *testing.T) {
	t.Parallel()

	r := NewRegistry(discardLogger(), nil, DefaultRecoveryWindow)
	s := r.Register(NewClient(1), "a", "alice", false, false)

	r.Broadcast(1, chatMessageEnvelope(Message{ID: 1, Content: "one"}))
	r.Broadcast(2, chatMessageEnvelope(Message{ID: 2, Content: "two"})) // queue full, dropped
	drain(s.Client())
	r.Broadcast(3, chatMessageEnvelope(Message{ID: 3, Content: "three"}))
	drain(s.Client())

	if got := s.RecoveryOffset(); got != 1 {
		t.Fatalf("RecoveryOffset=%d want 1, id 2 never reached the client", got)
	}
}

func chatOutbound(m Message) Outbound {
	return Outbound{Env: chatMessageEnvelope(m), MsgID: m.ID}
}

func assertChatIDs(t *testing.T, got []v1.Envelope, want ...int64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d envelopes, got %d", len(want), len(got))
	}
	for i, env := range got {
		var p v1.ChatMessagePayload
		if err := p.UnmarshalJSON(env.Payload); err != nil {
			t.Fatalf("decode payload %d: %v", i, err)
		}
		if p.ID != want[i] {
			t.Fatalf("envelope %d: id=%d want %d", i, p.ID, want[i])
		}
	}
}

// drain returns every envelope currently queued on c without blocking,
// marking each one written the way the connection writer does.
func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case o := <-c.Send:
			c.MarkWritten(o.MsgID)
			out = append(out, o.Env)
		default:
			return out
		}
	}
}
