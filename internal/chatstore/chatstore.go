// Package chatstore defines the durable conversation ledger: conversations,
// their append-only messages, and the aggregate counters maintained per turn.
package chatstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrNotFound is returned when a conversation or message does not exist or
// does not belong to the requesting owner.
var ErrNotFound = errors.New("chatstore: not found")

// Role identifies the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Conversation is the per-thread record. Aggregate counters are mutated only
// through CommitAssistantTurn; at any quiescent point they equal the sum of
// the per-message values of the conversation's messages.
type Conversation struct {
	ID            int64      `json:"id"`
	OwnerID       int64      `json:"owner_id"`
	Title         string     `json:"title"`
	Model         string     `json:"model"`
	SystemPrompt  string     `json:"system_prompt,omitempty"`
	Archived      bool       `json:"is_archived"`
	Pinned        bool       `json:"is_pinned"`
	MessageCount  int64      `json:"message_count"`
	TotalTokens   int64      `json:"total_tokens"`
	EstimatedCost float64    `json:"estimated_cost"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Message is one append-only entry in a conversation. Once written it is
// never edited, only superseded by later messages.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	ContentHash    string    `json:"content_hash,omitempty"`
	TokenCount     int64     `json:"token_count"`
	Model          string    `json:"model,omitempty"`
	CostEstimate   float64   `json:"cost_estimate"`
	Priced         bool      `json:"priced"`
	UsageSource    string    `json:"usage_source,omitempty"`
	ProcessingSecs float64   `json:"processing_time,omitempty"`
	IsError        bool      `json:"is_error"`
	ErrorType      string    `json:"error_type,omitempty"`
	Metadata       string    `json:"metadata,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConversationUpdate is a partial update; nil fields are left unchanged.
type ConversationUpdate struct {
	Title        *string
	Model        *string
	SystemPrompt *string
	Archived     *bool
	Pinned       *bool
}

// TurnAggregates is the conversation-level delta committed together with a
// terminal assistant message.
type TurnAggregates struct {
	Messages      int64
	Tokens        int64
	Cost          float64
	LastMessageAt time.Time
}

// Stats summarizes the messages of one conversation.
type Stats struct {
	MessageCount  int64      `json:"message_count"`
	TotalTokens   int64      `json:"total_tokens"`
	TotalCost     float64    `json:"total_cost"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

// Store is the persistence boundary the stream session writes through.
//
// CommitAssistantTurn must apply the message insert and the aggregate bump
// atomically: a concurrent reader never observes one without the other. The
// aggregate update is relative (counter += delta), so concurrent turns on
// the same conversation cannot under-count; the store, not the session,
// serializes conflicting writes.
type Store interface {
	CreateConversation(ctx context.Context, c Conversation) (Conversation, error)
	GetConversation(ctx context.Context, id, ownerID int64) (Conversation, error)
	ListConversations(ctx context.Context, ownerID int64) ([]Conversation, error)
	UpdateConversation(ctx context.Context, id, ownerID int64, upd ConversationUpdate) (Conversation, error)
	DeleteConversation(ctx context.Context, id, ownerID int64) error

	AppendMessage(ctx context.Context, m Message) (Message, error)
	CommitAssistantTurn(ctx context.Context, m Message, agg TurnAggregates) (Message, error)
	RecentMessages(ctx context.Context, conversationID int64, limit int) ([]Message, error)
	ConversationStats(ctx context.Context, conversationID int64) (Stats, error)

	Close() error
}

// HashContent returns the hex SHA-256 of message content, kept for
// dedup/audit alongside the stored content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
