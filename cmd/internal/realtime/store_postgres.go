// Package realtime contains the chat relay: message persistence, the session registry,
// the broadcast hub and the WebSocket gateway that drives them.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a MessageStore backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Ordering relies on the SERIAL id: Postgres sequences never hand out a value twice,
// even when the surrounding insert fails.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "public").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("realtime: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("realtime: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed MessageStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "public",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("realtime: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks that a connection can be acquired.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errNilStore
	}
	return s.pool.Ping(ctx)
}

// EnsureSchema creates the messages table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errNilStore
	}

	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+s.messagesTable()+` (
  id       SERIAL PRIMARY KEY,
  content  TEXT NOT NULL,
  username TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("create messages table: %w", err)
	}
	return nil
}

// AppendMessage inserts one row and returns it with the store-assigned id.
func (s *PostgresStore) AppendMessage(ctx context.Context, content, username string) (Message, error) {
	if s == nil || s.pool == nil {
		return Message{}, errNilStore
	}
	if content == "" {
		return Message{}, ErrEmptyContent
	}
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	var m Message
	err := s.pool.QueryRow(ctx,
		`INSERT INTO `+s.messagesTable()+` (content, username)
		 VALUES ($1, $2)
		 RETURNING id, content, username`,
		content, normalizeUsername(username),
	).Scan(&m.ID, &m.Content, &m.Username)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return m, nil
}

// ListMessages returns every message ordered by id ASC.
func (s *PostgresStore) ListMessages(ctx context.Context) ([]Message, error) {
	return s.ListMessagesAfter(ctx, 0)
}

// ListMessagesAfter returns messages with id > afterID ordered by id ASC.
func (s *PostgresStore) ListMessagesAfter(ctx context.Context, afterID int64) ([]Message, error) {
	if s == nil || s.pool == nil {
		return nil, errNilStore
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, content, username
		   FROM `+s.messagesTable()+`
		  WHERE id > $1
		  ORDER BY id ASC`,
		afterID,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Message, error) {
		var m Message
		err := row.Scan(&m.ID, &m.Content, &m.Username)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return msgs, nil
}

func (s *PostgresStore) messagesTable() string {
	return pgIdent(s.schema, "messages")
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
