package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/gatherhub/messaging-engine/internal/model"
)

// SQLiteStore implements Store with SQLite-backed persistence. It delegates
// reads and invariant checks to an embedded MemoryStore and writes through the
// three relations on every mutation. All state is reloaded on open, so the
// in-memory view is authoritative at runtime.
type SQLiteStore struct {
	inner *MemoryStore
	db    *sqlx.DB
	mu    sync.Mutex
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id           TEXT PRIMARY KEY,
	is_group     INTEGER NOT NULL DEFAULT 0,
	display_name TEXT NOT NULL DEFAULT '',
	pair_key     TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL,
	updated_at   TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS conversations_pair_key
	ON conversations(pair_key) WHERE pair_key != '';

CREATE TABLE IF NOT EXISTS participants (
	conversation_id TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	joined_at       TEXT NOT NULL,
	last_read_at    TEXT NOT NULL,
	PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	sender_id       TEXT NOT NULL,
	content         TEXT NOT NULL,
	shared_ref_id   TEXT NOT NULL DEFAULT '',
	created_at      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_conversation
	ON messages(conversation_id, created_at, id);
`

// NewSQLiteStore opens (or creates) the database at dbPath and loads all
// persisted state into memory.
func NewSQLiteStore(dbPath string, cfg Config) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &SQLiteStore{
		inner: NewMemoryStore(cfg),
		db:    db,
	}
	if err := s.loadAll(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load state: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- load persisted state into the embedded MemoryStore ---

func (s *SQLiteStore) loadAll() error {
	if err := s.loadConversations(); err != nil {
		return err
	}
	if err := s.loadParticipants(); err != nil {
		return err
	}
	return s.loadMessages()
}

func (s *SQLiteStore) loadConversations() error {
	rows, err := s.db.Query(`SELECT id, is_group, display_name, pair_key, created_at, updated_at FROM conversations`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			conv                 model.Conversation
			isGroup              int
			createdAt, updatedAt string
		)
		if err := rows.Scan(&conv.ID, &isGroup, &conv.DisplayName, &conv.PairKey, &createdAt, &updatedAt); err != nil {
			return err
		}
		conv.IsGroup = isGroup != 0
		if conv.CreatedAt, err = parseTime(createdAt); err != nil {
			return err
		}
		if conv.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return err
		}

		cp := conv
		s.inner.conversations[conv.ID] = &cp
		if conv.PairKey != "" {
			s.inner.pairIndex[conv.PairKey] = conv.ID
		}
		s.inner.participants[conv.ID] = map[string]*model.Participant{}
		s.inner.messages[conv.ID] = []model.Message{}
	}
	return rows.Err()
}

func (s *SQLiteStore) loadParticipants() error {
	rows, err := s.db.Query(`SELECT conversation_id, user_id, joined_at, last_read_at FROM participants`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p                    model.Participant
			joinedAt, lastReadAt string
		)
		if err := rows.Scan(&p.ConversationID, &p.UserID, &joinedAt, &lastReadAt); err != nil {
			return err
		}
		if p.JoinedAt, err = parseTime(joinedAt); err != nil {
			return err
		}
		if p.LastReadAt, err = parseTime(lastReadAt); err != nil {
			return err
		}

		byUser, ok := s.inner.participants[p.ConversationID]
		if !ok {
			continue
		}
		cp := p
		byUser[p.UserID] = &cp
		if _, ok := s.inner.userConvs[p.UserID]; !ok {
			s.inner.userConvs[p.UserID] = map[string]struct{}{}
		}
		s.inner.userConvs[p.UserID][p.ConversationID] = struct{}{}
	}
	return rows.Err()
}

func (s *SQLiteStore) loadMessages() error {
	rows, err := s.db.Query(`SELECT id, conversation_id, sender_id, content, shared_ref_id, created_at FROM messages ORDER BY created_at, id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			m         model.Message
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Content, &m.SharedRefID, &createdAt); err != nil {
			return err
		}
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return err
		}

		log, ok := s.inner.messages[m.ConversationID]
		if !ok {
			continue
		}
		s.inner.messages[m.ConversationID] = append(log, m)

		if conv, ok := s.inner.conversations[m.ConversationID]; ok {
			preview := m
			preview.Content = trimSnippet(m.Content, 500)
			conv.LastMessage = &preview
		}
	}
	return rows.Err()
}

// --- write-through mutations ---

func (s *SQLiteStore) CreateConversation(ctx context.Context, conv model.Conversation, memberIDs []string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	created, err := s.inner.CreateConversation(ctx, conv, memberIDs)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO conversations (id, is_group, display_name, pair_key, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		created.ID, boolInt(created.IsGroup), created.DisplayName, created.PairKey,
		formatTime(created.CreatedAt), formatTime(created.UpdatedAt),
	); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("persist conversation: %w", err)
	}
	for _, userID := range memberIDs {
		if _, err := tx.Exec(
			`INSERT INTO participants (conversation_id, user_id, joined_at, last_read_at) VALUES (?, ?, ?, ?)`,
			created.ID, userID, formatTime(created.CreatedAt), formatTime(created.CreatedAt),
		); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("persist participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return created, nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID, senderID, content, sharedRefID string) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, err := s.inner.AppendMessage(ctx, conversationID, senderID, content, sharedRefID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT INTO messages (id, conversation_id, sender_id, content, shared_ref_id, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.SharedRefID, formatTime(msg.CreatedAt),
	); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("persist message: %w", err)
	}
	if _, err := tx.Exec(
		`UPDATE conversations SET updated_at = ? WHERE id = ?`,
		formatTime(msg.CreatedAt), msg.ConversationID,
	); err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("persist conversation activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return msg, nil
}

func (s *SQLiteStore) AdvanceReadWatermark(ctx context.Context, conversationID, userID string, at time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	watermark, err := s.inner.AdvanceReadWatermark(ctx, conversationID, userID, at)
	if err != nil {
		return time.Time{}, err
	}
	if _, err := s.db.Exec(
		`UPDATE participants SET last_read_at = ? WHERE conversation_id = ? AND user_id = ?`,
		formatTime(watermark), conversationID, userID,
	); err != nil {
		return time.Time{}, fmt.Errorf("persist watermark: %w", err)
	}
	return watermark, nil
}

// --- reads delegate to the embedded MemoryStore ---

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	return s.inner.GetConversation(ctx, id)
}

func (s *SQLiteStore) FindDirect(ctx context.Context, pairKey string) (*model.Conversation, error) {
	return s.inner.FindDirect(ctx, pairKey)
}

func (s *SQLiteStore) ListConversationsByUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	return s.inner.ListConversationsByUser(ctx, userID)
}

func (s *SQLiteStore) ListParticipants(ctx context.Context, conversationID string) ([]model.Participant, error) {
	return s.inner.ListParticipants(ctx, conversationID)
}

func (s *SQLiteStore) GetParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	return s.inner.GetParticipant(ctx, conversationID, userID)
}

func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID, sinceID string, limit int) ([]model.Message, bool, error) {
	return s.inner.ListMessages(ctx, conversationID, sinceID, limit)
}

func (s *SQLiteStore) CountMessagesAfter(ctx context.Context, conversationID string, after time.Time, excludeSender string) (int, error) {
	return s.inner.CountMessagesAfter(ctx, conversationID, after, excludeSender)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
