package realtime

import (
	"context"
	"errors"
	"log/slog"
)

// MessageLog applies the relay's failure policy on top of a MessageStore.
//
// Every failure stops here: it is logged and turned into a benign result
// (false for appends, an empty slice for listings), so connection handlers
// never see store errors.
type MessageLog struct {
	log     *slog.Logger
	store   MessageStore
	metrics *Metrics
}

// NewMessageLog wraps store with the relay failure policy.
func NewMessageLog(log *slog.Logger, store MessageStore, metrics *Metrics) *MessageLog {
	if log == nil {
		log = slog.Default()
	}
	if store == nil {
		store = NewInMemoryStore()
	}
	return &MessageLog{log: log, store: store, metrics: metrics}
}

// Store returns the underlying backend.
func (l *MessageLog) Store() MessageStore { return l.store }

// EnsureSchema creates the backing table if needed. Failure is logged, never fatal.
func (l *MessageLog) EnsureSchema(ctx context.Context) {
	if err := l.store.EnsureSchema(ctx); err != nil {
		l.log.Error("store.schema.fail", "err", err)
		return
	}
	l.log.Info("store.schema.ready")
}

// Append persists a message. It reports false when nothing was stored,
// in which case the caller must not broadcast.
func (l *MessageLog) Append(ctx context.Context, content, username string) (Message, bool) {
	username = normalizeUsername(username)

	if content == "" {
		l.log.Warn("store.append.rejected", "reason", "empty_content", "username", username)
		l.metrics.appendFailed("empty_content")
		return Message{}, false
	}

	m, err := l.store.AppendMessage(ctx, content, username)
	if err != nil {
		reason := "store_error"
		if errors.Is(err, ErrEmptyContent) {
			reason = "empty_content"
		}
		l.log.Error("store.append.fail", "err", err, "username", username)
		l.metrics.appendFailed(reason)
		return Message{}, false
	}

	l.log.Debug("store.append.ok", "message_id", m.ID, "username", m.Username)
	l.metrics.appended()
	return m, true
}

// ListAll returns every message in id order, or an empty slice if the store fails.
func (l *MessageLog) ListAll(ctx context.Context) []Message {
	msgs, err := l.store.ListMessages(ctx)
	if err != nil {
		l.log.Error("store.list.fail", "err", err)
		l.metrics.listFailed()
		return []Message{}
	}
	return msgs
}

// ListAfter returns messages with id > afterID, or an empty slice if the store fails.
func (l *MessageLog) ListAfter(ctx context.Context, afterID int64) []Message {
	msgs, err := l.store.ListMessagesAfter(ctx, afterID)
	if err != nil {
		l.log.Error("store.list_after.fail", "err", err, "after_id", afterID)
		l.metrics.listFailed()
		return []Message{}
	}
	return msgs
}
