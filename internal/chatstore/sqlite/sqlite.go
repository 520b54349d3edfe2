package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/uruchat/chatd/internal/chatstore"
)

// Store implements chatstore.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite chat store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create chatstore directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	owner_id INTEGER NOT NULL,
	title TEXT NOT NULL,
	model TEXT NOT NULL,
	system_prompt TEXT,
	is_archived INTEGER NOT NULL DEFAULT 0,
	is_pinned INTEGER NOT NULL DEFAULT 0,
	message_count INTEGER NOT NULL DEFAULT 0,
	total_tokens INTEGER NOT NULL DEFAULT 0,
	estimated_cost REAL NOT NULL DEFAULT 0,
	last_message_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id INTEGER NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role TEXT NOT NULL CHECK(role IN ('user','assistant','system')),
	content TEXT NOT NULL,
	content_hash TEXT,
	token_count INTEGER NOT NULL DEFAULT 0,
	model TEXT,
	cost_estimate REAL NOT NULL DEFAULT 0,
	priced INTEGER NOT NULL DEFAULT 0,
	usage_source TEXT,
	processing_time REAL,
	is_error INTEGER NOT NULL DEFAULT 0,
	error_type TEXT,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_created ON messages(conversation_id, created_at);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateConversation inserts a new conversation with zeroed aggregates.
func (s *Store) CreateConversation(ctx context.Context, c chatstore.Conversation) (chatstore.Conversation, error) {
	if c.OwnerID == 0 {
		return chatstore.Conversation{}, errors.New("conversation requires owner id")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
INSERT INTO conversations(owner_id, title, model, system_prompt, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?)`,
		c.OwnerID, c.Title, c.Model, nullString(c.SystemPrompt), now, now,
	)
	if err != nil {
		return chatstore.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chatstore.Conversation{}, err
	}
	return s.GetConversation(ctx, id, c.OwnerID)
}

const conversationColumns = `id, owner_id, title, model, system_prompt, is_archived, is_pinned,
message_count, total_tokens, estimated_cost, last_message_at, created_at, updated_at`

// GetConversation returns the conversation if it exists and belongs to ownerID.
func (s *Store) GetConversation(ctx context.Context, id, ownerID int64) (chatstore.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+conversationColumns+` FROM conversations WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanConversation(row)
}

// ListConversations returns the owner's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, ownerID int64) ([]chatstore.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+conversationColumns+` FROM conversations WHERE owner_id = ? ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatstore.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConversation applies a partial metadata update.
func (s *Store) UpdateConversation(ctx context.Context, id, ownerID int64, upd chatstore.ConversationUpdate) (chatstore.Conversation, error) {
	set := "updated_at = ?"
	args := []any{time.Now().UTC()}
	if upd.Title != nil {
		set += ", title = ?"
		args = append(args, *upd.Title)
	}
	if upd.Model != nil {
		set += ", model = ?"
		args = append(args, *upd.Model)
	}
	if upd.SystemPrompt != nil {
		set += ", system_prompt = ?"
		args = append(args, nullString(*upd.SystemPrompt))
	}
	if upd.Archived != nil {
		set += ", is_archived = ?"
		args = append(args, boolInt(*upd.Archived))
	}
	if upd.Pinned != nil {
		set += ", is_pinned = ?"
		args = append(args, boolInt(*upd.Pinned))
	}
	args = append(args, id, ownerID)

	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET `+set+` WHERE id = ? AND owner_id = ?`, args...)
	if err != nil {
		return chatstore.Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chatstore.Conversation{}, chatstore.ErrNotFound
	}
	return s.GetConversation(ctx, id, ownerID)
}

// DeleteConversation removes the conversation and, via cascade, its messages.
func (s *Store) DeleteConversation(ctx context.Context, id, ownerID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chatstore.ErrNotFound
	}
	return nil
}

// AppendMessage inserts a single message without touching aggregates.
func (s *Store) AppendMessage(ctx context.Context, m chatstore.Message) (chatstore.Message, error) {
	return insertMessage(ctx, s.db, m)
}

// CommitAssistantTurn inserts the terminal message and bumps the
// conversation aggregates in one transaction. The aggregate update is
// relative so concurrent turns on the same conversation add up correctly.
func (s *Store) CommitAssistantTurn(ctx context.Context, m chatstore.Message, agg chatstore.TurnAggregates) (chatstore.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chatstore.Message{}, fmt.Errorf("begin turn commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stored, err := insertMessage(ctx, tx, m)
	if err != nil {
		return chatstore.Message{}, err
	}

	last := agg.LastMessageAt
	if last.IsZero() {
		last = stored.CreatedAt
	}
	if _, err := tx.ExecContext(ctx, `
UPDATE conversations SET
	message_count = message_count + ?,
	total_tokens = total_tokens + ?,
	estimated_cost = estimated_cost + ?,
	last_message_at = ?,
	updated_at = ?
WHERE id = ?`,
		agg.Messages, agg.Tokens, agg.Cost, last.UTC(), time.Now().UTC(), m.ConversationID,
	); err != nil {
		return chatstore.Message{}, fmt.Errorf("update aggregates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return chatstore.Message{}, fmt.Errorf("commit turn: %w", err)
	}
	return stored, nil
}

// RecentMessages returns up to limit latest messages in chronological order.
func (s *Store) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]chatstore.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, conversation_id, role, content, content_hash, token_count, model, cost_estimate,
	priced, usage_source, processing_time, is_error, error_type, metadata, created_at
FROM messages WHERE conversation_id = ?
ORDER BY created_at DESC, id DESC LIMIT ?`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chatstore.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ConversationStats aggregates over the messages table directly.
func (s *Store) ConversationStats(ctx context.Context, conversationID int64) (chatstore.Stats, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(id), COALESCE(SUM(token_count), 0), COALESCE(SUM(cost_estimate), 0), MAX(created_at)
FROM messages WHERE conversation_id = ?`, conversationID)

	var stats chatstore.Stats
	var last sql.NullTime
	if err := row.Scan(&stats.MessageCount, &stats.TotalTokens, &stats.TotalCost, &last); err != nil {
		return chatstore.Stats{}, err
	}
	if last.Valid {
		t := last.Time
		stats.LastMessageAt = &t
	}
	return stats, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertMessage(ctx context.Context, db execer, m chatstore.Message) (chatstore.Message, error) {
	if m.ConversationID == 0 {
		return chatstore.Message{}, errors.New("message requires conversation id")
	}
	created := m.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	hash := m.ContentHash
	if hash == "" {
		hash = chatstore.HashContent(m.Content)
	}
	res, err := db.ExecContext(ctx, `
INSERT INTO messages(conversation_id, role, content, content_hash, token_count, model,
	cost_estimate, priced, usage_source, processing_time, is_error, error_type, metadata, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ConversationID, string(m.Role), m.Content, hash, m.TokenCount, nullString(m.Model),
		m.CostEstimate, boolInt(m.Priced), nullString(m.UsageSource), nullFloat(m.ProcessingSecs),
		boolInt(m.IsError), nullString(m.ErrorType), nullString(m.Metadata), created,
	)
	if err != nil {
		return chatstore.Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return chatstore.Message{}, err
	}
	m.ID = id
	m.ContentHash = hash
	m.CreatedAt = created
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (chatstore.Conversation, error) {
	var c chatstore.Conversation
	var systemPrompt sql.NullString
	var archived, pinned int
	var last sql.NullTime
	err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Model, &systemPrompt, &archived, &pinned,
		&c.MessageCount, &c.TotalTokens, &c.EstimatedCost, &last, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chatstore.Conversation{}, chatstore.ErrNotFound
	}
	if err != nil {
		return chatstore.Conversation{}, err
	}
	c.SystemPrompt = systemPrompt.String
	c.Archived = archived != 0
	c.Pinned = pinned != 0
	if last.Valid {
		t := last.Time
		c.LastMessageAt = &t
	}
	return c, nil
}

func scanMessage(row rowScanner) (chatstore.Message, error) {
	var m chatstore.Message
	var role string
	var hash, model, source, errType, metadata sql.NullString
	var processing sql.NullFloat64
	var priced, isErr int
	err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &hash, &m.TokenCount, &model,
		&m.CostEstimate, &priced, &source, &processing, &isErr, &errType, &metadata, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chatstore.Message{}, chatstore.ErrNotFound
	}
	if err != nil {
		return chatstore.Message{}, err
	}
	m.Role = chatstore.Role(role)
	m.ContentHash = hash.String
	m.Model = model.String
	m.UsageSource = source.String
	m.ProcessingSecs = processing.Float64
	m.Priced = priced != 0
	m.IsError = isErr != 0
	m.ErrorType = errType.String
	m.Metadata = metadata.String
	return m, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullFloat(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
