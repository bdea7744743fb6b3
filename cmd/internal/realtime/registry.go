package realtime

import (
	"log/slog"
	"sync"
	"time"

	v1 "github.com/j0rgev0/chat-socket/shared/contracts/realtime/v1"
)

// DefaultRecoveryWindow is how long a disconnected session can be resumed.
const DefaultRecoveryWindow = 2 * time.Minute

// Registry tracks live sessions and fans envelopes out to them.
//
// Concurrency guarantees:
// - Register/Unregister take the write lock; Broadcast iterates under the read lock,
//   so a broadcast never reaches a half-registered or already-removed session.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type Registry struct {
	log     *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session

	recoveryWindow time.Duration
	recovery       map[string]RecoveryRecord
}

// RecoveryRecord is what survives a disconnect for a later resume.
type RecoveryRecord struct {
	DisplayName    string
	LastID         int64
	DisconnectedAt time.Time
}

// NewRegistry constructs an empty registry.
// A recoveryWindow <= 0 disables session recovery.
func NewRegistry(log *slog.Logger, metrics *Metrics, recoveryWindow time.Duration) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:            log,
		metrics:        metrics,
		now:            time.Now,
		sessions:       make(map[string]*Session),
		recoveryWindow: recoveryWindow,
		recovery:       make(map[string]RecoveryRecord),
	}
}

// Register tracks a new session for client. A syncing session buffers broadcasts
// until completeSync runs.
func (r *Registry) Register(client *Client, sessionID, displayName string, recovered, syncing bool) *Session {
	s := &Session{
		ID:          sessionID,
		DisplayName: displayName,
		Recovered:   recovered,
		client:      client,
		syncing:     syncing,
	}

	r.mu.Lock()
	r.sessions[sessionID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.sessionJoined(recovered)
	r.log.Info("registry.session.register", "session_id", sessionID, "username", displayName, "recovered", recovered, "sessions", count)
	return s
}

// Unregister removes a session and signals its client to shut down.
// It is safe to call more than once; only the first call reports true.
func (r *Registry) Unregister(s *Session) bool {
	if s == nil {
		return false
	}

	r.mu.Lock()
	cur, ok := r.sessions[s.ID]
	if !ok || cur != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, s.ID)
	if r.recoveryWindow > 0 {
		r.pruneLocked(r.now())
		r.recovery[s.ID] = RecoveryRecord{
			DisplayName:    s.DisplayName,
			LastID:         s.RecoveryOffset(),
			DisconnectedAt: r.now(),
		}
	}
	count := len(r.sessions)
	r.mu.Unlock()

	// Signal client shutdown after removing from the set.
	// This ordering avoids race windows where a broadcaster still holds a pointer
	// while the client goroutines are being torn down.
	s.client.Close()

	r.metrics.sessionLeft()
	r.log.Info("registry.session.unregister", "session_id", s.ID, "sessions", count)
	return true
}

// Recover consumes the recovery record for sessionID if it is still inside the window.
func (r *Registry) Recover(sessionID string) (RecoveryRecord, bool) {
	if sessionID == "" || r.recoveryWindow <= 0 {
		return RecoveryRecord{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(r.now())
	rec, ok := r.recovery[sessionID]
	if !ok {
		return RecoveryRecord{}, false
	}
	delete(r.recovery, sessionID)
	return rec, true
}

func (r *Registry) pruneLocked(now time.Time) {
	for id, rec := range r.recovery {
		if now.Sub(rec.DisconnectedAt) > r.recoveryWindow {
			delete(r.recovery, id)
		}
	}
}

// Broadcast delivers a persisted message to every registered session.
// Sessions that are closing or whose queue is full are skipped.
func (r *Registry) Broadcast(msgID int64, env v1.Envelope) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if s == nil {
			continue
		}
		if s.deliverMessage(Outbound{Env: env, MsgID: msgID}) {
			r.metrics.delivered()
			continue
		}
		r.metrics.droppedDelivery()
	}
}

// SendTo delivers env to exactly one session without blocking.
func (r *Registry) SendTo(s *Session, env v1.Envelope) bool {
	if s == nil {
		return false
	}
	return s.client.TryEnqueue(Outbound{Env: env})
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Lookup returns the live session with the given id.
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}
