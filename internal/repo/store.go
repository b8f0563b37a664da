package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"webchat/gateway/internal/domain"
)

var ErrConversationNotFound = errors.New("conversation not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	title      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at);
`

const maxTitleLength = 80

// Store persists conversations and their messages. Pending clarifications are
// never stored here; the client holds those.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureConversation returns the given id if it exists, or creates a new
// conversation titled from the first user message.
func (s *Store) EnsureConversation(ctx context.Context, id, firstUserMessage string) (string, error) {
	now := time.Now().UTC()
	if strings.TrimSpace(id) != "" {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return "", err
		}
		if exists > 0 {
			_, err = s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, id)
			return id, err
		}
	}
	newID := strings.TrimSpace(id)
	if newID == "" {
		newID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		newID, makeTitle(firstUserMessage), now, now,
	)
	return newID, err
}

func (s *Store) AppendMessage(ctx context.Context, conversationID, role, content string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), conversationID, role, content, now,
	)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID)
	return err
}

func (s *Store) ListConversations(ctx context.Context) ([]domain.ConversationSpec, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.ConversationSpec, 0, 16)
	for rows.Next() {
		var item domain.ConversationSpec
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&item.ID, &item.Title, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		item.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		item.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) GetConversation(ctx context.Context, id string) (domain.ConversationSpec, []domain.StoredMessage, error) {
	var spec domain.ConversationSpec
	var createdAt, updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id).
		Scan(&spec.ID, &spec.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ConversationSpec{}, nil, ErrConversationNotFound
	}
	if err != nil {
		return domain.ConversationSpec{}, nil, err
	}
	spec.CreatedAt = createdAt.UTC().Format(time.RFC3339)
	spec.UpdatedAt = updatedAt.UTC().Format(time.RFC3339)

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return domain.ConversationSpec{}, nil, err
	}
	defer rows.Close()

	messages := make([]domain.StoredMessage, 0, 16)
	for rows.Next() {
		var msg domain.StoredMessage
		var msgCreated time.Time
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content, &msgCreated); err != nil {
			return domain.ConversationSpec{}, nil, err
		}
		msg.CreatedAt = msgCreated.UTC().Format(time.RFC3339)
		messages = append(messages, msg)
	}
	return spec, messages, rows.Err()
}

func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrConversationNotFound
	}
	return nil
}

// PruneIdle removes conversations not updated since the cutoff. Returns the
// number removed.
func (s *Store) PruneIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func makeTitle(firstUserMessage string) string {
	title := strings.Join(strings.Fields(firstUserMessage), " ")
	if title == "" {
		return "New conversation"
	}
	runes := []rune(title)
	if len(runes) > maxTitleLength {
		title = string(runes[:maxTitleLength]) + "…"
	}
	return title
}
