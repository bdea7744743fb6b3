package realtime

import (
	"context"
	"errors"
)

// AnonymousUsername is used when a client does not supply a display name.
const AnonymousUsername = "anonymous"

// ErrEmptyContent is returned when a message with empty content is appended.
var ErrEmptyContent = errors.New("realtime: empty message content")

var errNilStore = errors.New("realtime: nil store")

// Message is the canonical persisted message representation.
// ID is assigned by the store and orders messages by persistence.
type Message struct {
	ID       int64
	Content  string
	Username string
}

// MessageStore persists and queries messages.
//
// Requirements:
//   - EnsureSchema is idempotent
//   - AppendMessage rejects empty content with ErrEmptyContent without mutating the store
//   - ids are strictly increasing and never reused
//   - listings are ordered by id ASC
type MessageStore interface {
	EnsureSchema(ctx context.Context) error
	AppendMessage(ctx context.Context, content, username string) (Message, error)
	ListMessages(ctx context.Context) ([]Message, error)
	ListMessagesAfter(ctx context.Context, afterID int64) ([]Message, error)
	Ping(ctx context.Context) error
	Close() error
}

func normalizeUsername(username string) string {
	if username == "" {
		return AnonymousUsername
	}
	return username
}
