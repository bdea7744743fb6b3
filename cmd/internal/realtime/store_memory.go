package realtime

import (
	"context"
	"sort"
	"sync"
)

// InMemoryStore is a dev-only fallback when DB is not configured.
// It keeps every message for the lifetime of the process.
type InMemoryStore struct {
	mu     sync.Mutex
	nextID int64
	msgs   []Message // ordered by id
}

// NewInMemoryStore constructs an in-memory MessageStore implementation.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		msgs: make([]Message, 0, 256),
	}
}

// EnsureSchema is a noop for the in-memory store.
func (s *InMemoryStore) EnsureSchema(ctx context.Context) error { return ctx.Err() }

// Ping reports the store as always reachable.
func (s *InMemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// AppendMessage persists a message and allocates the next id.
func (s *InMemoryStore) AppendMessage(ctx context.Context, content, username string) (Message, error) {
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	msg := Message{
		ID:       s.nextID,
		Content:  content,
		Username: normalizeUsername(username),
	}
	s.msgs = append(s.msgs, msg)
	return msg, nil
}

// ListMessages returns all messages ordered by id ASC.
func (s *InMemoryStore) ListMessages(ctx context.Context) ([]Message, error) {
	return s.ListMessagesAfter(ctx, 0)
}

// ListMessagesAfter returns messages with id > afterID ordered by id ASC.
func (s *InMemoryStore) ListMessagesAfter(ctx context.Context, afterID int64) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	start := sort.Search(len(s.msgs), func(i int) bool { return s.msgs[i].ID > afterID })
	return append([]Message(nil), s.msgs[start:]...), nil
}
