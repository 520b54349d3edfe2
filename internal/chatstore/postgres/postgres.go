package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/uruchat/chatd/internal/chatstore"
)

// Store implements chatstore.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed chat store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
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
	id BIGSERIAL PRIMARY KEY,
	owner_id BIGINT NOT NULL,
	title TEXT NOT NULL,
	model TEXT NOT NULL,
	system_prompt TEXT,
	is_archived BOOLEAN NOT NULL DEFAULT FALSE,
	is_pinned BOOLEAN NOT NULL DEFAULT FALSE,
	message_count BIGINT NOT NULL DEFAULT 0,
	total_tokens BIGINT NOT NULL DEFAULT 0,
	estimated_cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_message_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(owner_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	conversation_id BIGINT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role TEXT NOT NULL CHECK(role IN ('user','assistant','system')),
	content TEXT NOT NULL,
	content_hash TEXT,
	token_count BIGINT NOT NULL DEFAULT 0,
	model TEXT,
	cost_estimate DOUBLE PRECISION NOT NULL DEFAULT 0,
	priced BOOLEAN NOT NULL DEFAULT FALSE,
	usage_source TEXT,
	processing_time DOUBLE PRECISION,
	is_error BOOLEAN NOT NULL DEFAULT FALSE,
	error_type TEXT,
	metadata TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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

const conversationColumns = `id, owner_id, title, model, COALESCE(system_prompt, ''), is_archived, is_pinned,
message_count, total_tokens, estimated_cost, last_message_at, created_at, updated_at`

// CreateConversation inserts a new conversation with zeroed aggregates.
func (s *Store) CreateConversation(ctx context.Context, c chatstore.Conversation) (chatstore.Conversation, error) {
	if c.OwnerID == 0 {
		return chatstore.Conversation{}, errors.New("conversation requires owner id")
	}
	row := s.db.QueryRowContext(ctx, `
INSERT INTO conversations(owner_id, title, model, system_prompt)
VALUES($1, $2, $3, NULLIF($4, ''))
RETURNING `+conversationColumns, c.OwnerID, c.Title, c.Model, c.SystemPrompt)
	return scanConversation(row)
}

// GetConversation returns the conversation if it exists and belongs to ownerID.
func (s *Store) GetConversation(ctx context.Context, id, ownerID int64) (chatstore.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+conversationColumns+` FROM conversations WHERE id = $1 AND owner_id = $2`, id, ownerID)
	return scanConversation(row)
}

// ListConversations returns the owner's conversations, most recently updated first.
func (s *Store) ListConversations(ctx context.Context, ownerID int64) ([]chatstore.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+conversationColumns+` FROM conversations WHERE owner_id = $1 ORDER BY updated_at DESC`, ownerID)
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
	set := "updated_at = NOW()"
	args := []any{id, ownerID}
	n := 3
	add := func(expr string, v any) {
		set += fmt.Sprintf(", %s = $%d", expr, n)
		args = append(args, v)
		n++
	}
	if upd.Title != nil {
		add("title", *upd.Title)
	}
	if upd.Model != nil {
		add("model", *upd.Model)
	}
	if upd.SystemPrompt != nil {
		add("system_prompt", *upd.SystemPrompt)
	}
	if upd.Archived != nil {
		add("is_archived", *upd.Archived)
	}
	if upd.Pinned != nil {
		add("is_pinned", *upd.Pinned)
	}

	row := s.db.QueryRowContext(ctx, `
UPDATE conversations SET `+set+` WHERE id = $1 AND owner_id = $2 RETURNING `+conversationColumns, args...)
	return scanConversation(row)
}

// DeleteConversation removes the conversation and, via cascade, its messages.
func (s *Store) DeleteConversation(ctx context.Context, id, ownerID int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = $1 AND owner_id = $2`, id, ownerID)
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
// conversation aggregates in one transaction with relative updates.
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
	message_count = message_count + $1,
	total_tokens = total_tokens + $2,
	estimated_cost = estimated_cost + $3,
	last_message_at = $4,
	updated_at = NOW()
WHERE id = $5`,
		agg.Messages, agg.Tokens, agg.Cost, last.UTC(), m.ConversationID,
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
SELECT `+messageColumns+` FROM messages WHERE conversation_id = $1
ORDER BY created_at DESC, id DESC LIMIT $2`, conversationID, limit)
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
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ConversationStats aggregates over the messages table directly.
func (s *Store) ConversationStats(ctx context.Context, conversationID int64) (chatstore.Stats, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(id), COALESCE(SUM(token_count), 0), COALESCE(SUM(cost_estimate), 0), MAX(created_at)
FROM messages WHERE conversation_id = $1`, conversationID)

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

const messageColumns = `id, conversation_id, role, content, COALESCE(content_hash, ''), token_count,
COALESCE(model, ''), cost_estimate, priced, COALESCE(usage_source, ''), COALESCE(processing_time, 0),
is_error, COALESCE(error_type, ''), COALESCE(metadata, ''), created_at`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertMessage(ctx context.Context, db querier, m chatstore.Message) (chatstore.Message, error) {
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
	row := db.QueryRowContext(ctx, `
INSERT INTO messages(conversation_id, role, content, content_hash, token_count, model,
	cost_estimate, priced, usage_source, processing_time, is_error, error_type, metadata, created_at)
VALUES($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, NULLIF($9, ''), NULLIF($10, 0), $11, NULLIF($12, ''), NULLIF($13, ''), $14)
RETURNING `+messageColumns,
		m.ConversationID, string(m.Role), m.Content, hash, m.TokenCount, m.Model,
		m.CostEstimate, m.Priced, m.UsageSource, m.ProcessingSecs, m.IsError, m.ErrorType, m.Metadata, created,
	)
	return scanMessage(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (chatstore.Conversation, error) {
	var c chatstore.Conversation
	var last sql.NullTime
	err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Model, &c.SystemPrompt, &c.Archived, &c.Pinned,
		&c.MessageCount, &c.TotalTokens, &c.EstimatedCost, &last, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chatstore.Conversation{}, chatstore.ErrNotFound
	}
	if err != nil {
		return chatstore.Conversation{}, err
	}
	if last.Valid {
		t := last.Time
		c.LastMessageAt = &t
	}
	return c, nil
}

func scanMessage(row rowScanner) (chatstore.Message, error) {
	var m chatstore.Message
	var role string
	err := row.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.ContentHash, &m.TokenCount,
		&m.Model, &m.CostEstimate, &m.Priced, &m.UsageSource, &m.ProcessingSecs,
		&m.IsError, &m.ErrorType, &m.Metadata, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chatstore.Message{}, chatstore.ErrNotFound
	}
	if err != nil {
		return chatstore.Message{}, err
	}
	m.Role = chatstore.Role(role)
	return m, nil
}
