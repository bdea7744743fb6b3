package realtime

import (
	"context"
	"sync"
)

// Session is one live connection plus its negotiated display name.
//
// A session starts in sync mode when it still has to receive history or a
// recovery catch-up. While syncing, live broadcasts are parked in a backlog and
// released after the catch-up, skipping the message ids the catch-up carried.
type Session struct {
	ID          string
	DisplayName string
	Recovered   bool

	client *Client

	mu      sync.Mutex
	syncing bool
	catchUp []Outbound // catch-up frames not yet queued
	backlog []Outbound // broadcasts parked while syncing
}

// Client returns the transport handle this session routes to.
func (s *Session) Client() *Client { return s.client }

// RecoveryOffset returns the message id a reconnect should resume after.
// Every message up to it was written to the connection; messages that were
// only queued, parked or dropped stay above it and are replayed on recovery.
func (s *Session) RecoveryOffset() int64 {
	s.mu.Lock()
	pending := make([]int64, 0, len(s.catchUp)+len(s.backlog))
	for _, out := range s.catchUp {
		pending = append(pending, out.MsgID)
	}
	for _, out := range s.backlog {
		pending = append(pending, out.MsgID)
	}
	s.mu.Unlock()

	return s.client.watermark(pending)
}

// deliverMessage queues a broadcast message, or parks it while syncing.
// A session whose backlog is full is closed; it catches up through recovery.
func (s *Session) deliverMessage(out Outbound) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.syncing {
		return s.client.TryEnqueue(out)
	}
	if len(s.backlog) >= maxSyncBacklog {
		s.client.noteMissing(out.MsgID)
		s.client.Close()
		return false
	}
	s.backlog = append(s.backlog, out)
	return true
}

// completeSync queues the catch-up frames, then drains the backlog.
// Backlog messages whose id the catch-up carried are dropped; anything else,
// including ids lower than the newest catch-up message, is still delivered.
// The lock is never held while waiting on the send queue, so broadcasts to other
// sessions are not stalled by a slow joiner.
func (s *Session) completeSync(ctx context.Context, catchUp []Outbound) {
	covered := make(map[int64]struct{}, len(catchUp))
	for _, out := range catchUp {
		if out.MsgID > 0 {
			covered[out.MsgID] = struct{}{}
		}
	}

	s.mu.Lock()
	s.catchUp = catchUp
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(s.catchUp) == 0 {
			s.mu.Unlock()
			break
		}
		out := s.catchUp[0]
		s.mu.Unlock()

		if !s.client.Enqueue(ctx, out) {
			s.abortSync()
			return
		}

		s.mu.Lock()
		s.catchUp = s.catchUp[1:]
		s.mu.Unlock()
	}

	for {
		s.mu.Lock()
		if len(s.backlog) == 0 {
			s.syncing = false
			s.backlog = nil
			s.mu.Unlock()
			return
		}
		out := s.backlog[0]
		s.mu.Unlock()

		if _, dup := covered[out.MsgID]; !dup {
			if !s.client.Enqueue(ctx, out) {
				s.abortSync()
				return
			}
		}

		s.mu.Lock()
		s.backlog = s.backlog[1:]
		s.mu.Unlock()
	}
}

// abortSync leaves sync mode after the client stopped accepting frames.
// Whatever was still pending is recorded as missing so a reconnect replays it.
func (s *Session) abortSync() {
	s.mu.Lock()
	for _, out := range s.catchUp {
		s.client.noteMissing(out.MsgID)
	}
	for _, out := range s.backlog {
		s.client.noteMissing(out.MsgID)
	}
	s.catchUp = nil
	s.backlog = nil
	s.syncing = false
	s.mu.Unlock()
}
