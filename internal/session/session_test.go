package session

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uruchat/chatd/internal/chatstore"
	"github.com/uruchat/chatd/internal/metrics"
	"github.com/uruchat/chatd/internal/pricing"
	"github.com/uruchat/chatd/internal/provider"
	"github.com/uruchat/chatd/internal/usageledger"
)

// memStore is an in-memory chatstore.Store so tests can inspect exactly what
// the session wrote and when.
type memStore struct {
	mu       sync.Mutex
	conv     chatstore.Conversation
	messages []chatstore.Message
	nextID   int64
}

func newMemStore(conv chatstore.Conversation) *memStore {
	return &memStore{conv: conv, nextID: 1}
}

func (s *memStore) CreateConversation(ctx context.Context, c chatstore.Conversation) (chatstore.Conversation, error) {
	return c, nil
}

func (s *memStore) GetConversation(ctx context.Context, id, ownerID int64) (chatstore.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.conv.ID || ownerID != s.conv.OwnerID {
		return chatstore.Conversation{}, chatstore.ErrNotFound
	}
	return s.conv, nil
}

func (s *memStore) ListConversations(ctx context.Context, ownerID int64) ([]chatstore.Conversation, error) {
	return nil, nil
}

func (s *memStore) UpdateConversation(ctx context.Context, id, ownerID int64, upd chatstore.ConversationUpdate) (chatstore.Conversation, error) {
	return s.conv, nil
}

func (s *memStore) DeleteConversation(ctx context.Context, id, ownerID int64) error {
	return nil
}

func (s *memStore) AppendMessage(ctx context.Context, m chatstore.Message) (chatstore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.nextID
	s.nextID++
	m.CreatedAt = time.Now().UTC()
	s.messages = append(s.messages, m)
	return m, nil
}

func (s *memStore) CommitAssistantTurn(ctx context.Context, m chatstore.Message, agg chatstore.TurnAggregates) (chatstore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.nextID
	s.nextID++
	m.CreatedAt = time.Now().UTC()
	s.messages = append(s.messages, m)
	s.conv.MessageCount += agg.Messages
	s.conv.TotalTokens += agg.Tokens
	s.conv.EstimatedCost += agg.Cost
	last := agg.LastMessageAt
	s.conv.LastMessageAt = &last
	return m, nil
}

func (s *memStore) RecentMessages(ctx context.Context, conversationID int64, limit int) ([]chatstore.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chatstore.Message, len(s.messages))
	copy(out, s.messages)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *memStore) ConversationStats(ctx context.Context, conversationID int64) (chatstore.Stats, error) {
	return chatstore.Stats{}, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *memStore) snapshot() (chatstore.Conversation, []chatstore.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]chatstore.Message, len(s.messages))
	copy(msgs, s.messages)
	return s.conv, msgs
}

type memLedger struct {
	mu      sync.Mutex
	entries []usageledger.Entry
}

func (l *memLedger) Record(ctx context.Context, e usageledger.Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *memLedger) Summary(ctx context.Context, userID int64) (usageledger.Summary, error) {
	return usageledger.Summary{}, nil
}

func (l *memLedger) ListRecent(ctx context.Context, userID int64, limit int) ([]usageledger.Entry, error) {
	return nil, nil
}

func (l *memLedger) Close() error { return nil }

// stubProvider replays a scripted event sequence. If hang is set it blocks
// after the scripted events until the context is cancelled.
type stubProvider struct {
	name       string
	validation provider.Validation
	events     []provider.StreamEvent
	hang       bool
	onGenerate func(req provider.GenerateRequest)
}

func (p *stubProvider) Name() string     { return p.name }
func (p *stubProvider) Models() []string { return []string{"gpt-4o"} }

func (p *stubProvider) GenerateStream(ctx context.Context, req provider.GenerateRequest) (<-chan provider.StreamEvent, error) {
	if p.onGenerate != nil {
		p.onGenerate(req)
	}
	ch := make(chan provider.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range p.events {
			select {
			case <-ctx.Done():
				return
			case ch <- ev:
			}
		}
		if p.hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

func (p *stubProvider) ValidateCredential(ctx context.Context, credential string) (provider.Validation, error) {
	return p.validation, nil
}

type captureSink struct {
	mu        sync.Mutex
	chunks    []string
	completed bool
	messageID int64
	cost      float64
	errs      []string
	chunkErr  error
}

func (s *captureSink) Chunk(content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chunkErr != nil {
		return s.chunkErr
	}
	s.chunks = append(s.chunks, content)
	return nil
}

func (s *captureSink) Complete(messageID int64, cost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed = true
	s.messageID = messageID
	s.cost = cost
	return nil
}

func (s *captureSink) Error(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, message)
	return nil
}

func testConversation() chatstore.Conversation {
	return chatstore.Conversation{ID: 1, OwnerID: 7, Title: "test", Model: "gpt-4o"}
}

func newTestEngine(t *testing.T, store chatstore.Store, ledger usageledger.Store, prov provider.ChatProvider) *Engine {
	t.Helper()
	reg := provider.NewRegistry()
	require.NoError(t, reg.Register(prov))
	reg.Seal()
	cfg := Config{
		MaxMessageChars: 1000,
		HistoryLimit:    20,
		StreamTimeout:   5 * time.Second,
		DefaultProvider: prov.Name(),
		CommitTimeout:   2 * time.Second,
	}
	logger := log.New(io.Discard, "", 0)
	return NewEngine(store, ledger, reg, pricing.Default(), metrics.NewCollector(), logger, cfg)
}

func okValidation() provider.Validation {
	return provider.Validation{Valid: true, Models: []string{"gpt-4o"}}
}

func TestValidateRejectsEmptyMessage(t *testing.T) {
	store := newMemStore(testConversation())
	prov := &stubProvider{name: "openai", validation: okValidation()}
	engine := newTestEngine(t, store, nil, prov)

	_, err := engine.Validate(context.Background(), Request{OwnerID: 7, ConversationID: 1, Message: "   \n\t ", Credential: "sk-x"})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Equal(t, 0, store.messageCount())
}

func TestValidateRejectsOversizedMessage(t *testing.T) {
	store := newMemStore(testConversation())
	prov := &stubProvider{name: "openai", validation: okValidation()}
	engine := newTestEngine(t, store, nil, prov)

	_, err := engine.Validate(context.Background(), Request{
		OwnerID: 7, ConversationID: 1,
		Message:    strings.Repeat("a", 1001),
		Credential: "sk-x",
	})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestValidateCountsMessageLengthInRunes(t *testing.T) {
	store := newMemStore(testConversation())
	prov := &stubProvider{name: "openai", validation: okValidation()}
	engine := newTestEngine(t, store, nil, prov)

	// 1000 two-byte runes: at the character limit, over it in bytes.
	turn, err := engine.Validate(context.Background(), Request{
		OwnerID: 7, ConversationID: 1,
		Message:    strings.Repeat("é", 1000),
		Credential: "sk-x",
	})
	require.NoError(t, err)
	require.NotNil(t, turn)

	_, err = engine.Validate(context.Background(), Request{
		OwnerID: 7, ConversationID: 1,
		Message:    strings.Repeat("é", 1001),
		Credential: "sk-x",
	})
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestValidateRejectsForeignConversation(t *testing.T) {
	store := newMemStore(testConversation())
	prov := &stubProvider{name: "openai", validation: okValidation()}
	engine := newTestEngine(t, store, nil, prov)

	_, err := engine.Validate(context.Background(), Request{OwnerID: 99, ConversationID: 1, Message: "hi", Credential: "sk-x"})
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestValidateRejectsBadCredentialWithoutWriting(t *testing.T) {
	store := newMemStore(testConversation())
	prov := &stubProvider{name: "openai", validation: provider.Validation{Valid: false, Error: "invalid API key"}}
	engine := newTestEngine(t, store, nil, prov)

	_, err := engine.Validate(context.Background(), Request{OwnerID: 7, ConversationID: 1, Message: "hi", Credential: "sk-bad"})
	require.Error(t, err)
	assert.Equal(t, KindCredential, KindOf(err))
	assert.Contains(t, err.Error(), "invalid API key")
	assert.Equal(t, 0, store.messageCount())
}

func TestStreamPersistsUserMessageBeforeProviderCall(t *testing.T) {
	store := newMemStore(testConversation())
	var messagesAtCall int
	prov := &stubProvider{
		name:       "openai",
		validation: okValidation(),
		events: []provider.StreamEvent{
			{Delta: "ok"},
			{Usage: &provider.UsageRecord{TotalTokens: 10, CompletionTokens: 4}},
		},
		onGenerate: func(req provider.GenerateRequest) {
			messagesAtCall = store.messageCount()
		},
	}
	engine := newTestEngine(t, store, nil, prov)

	turn, err := engine.Validate(context.Background(), Request{OwnerID: 7, ConversationID: 1, Message: "hello", Credential: "sk-x"})
	require.NoError(t, err)
	sink := &captureSink{}
	require.NoError(t, turn.Stream(context.Background(), sink))

	assert.Equal(t, 1, messagesAtCall, "user message must be durable before the provider call")
	_, msgs := store.snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, chatstore.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
}

func TestStreamDeltasMatchPersistedContent(t *testing.T) {
	store := newMemStore(testConversation())
	prov := &stubProvider{
		name:       "openai",
		validation: okValidation(),
		events: []provider.StreamEvent{
			{Delta: "The answer "},
			{Delta: "is "},
			{Delta: "42."},
			{Usage: &provider.UsageRecord{TotalTokens: 140, CompletionTokens: 40}},
		},
	}
	ledger := &memLedger{}
	engine := newTestEngine(t, store, ledger, prov)

	turn, err := engine.Validate(context.Background(), Request{OwnerID: 7, ConversationID: 1, Message: "question", Credential: "sk-x"})
	require.NoError(t, err)
	sink := &captureSink{}
	require.NoError(t, turn.Stream(context.Background(), sink))

	assert.Equal(t, "The answer is 42.", strings.Join(sink.chunks, ""))
	assert.True(t, sink.completed)

	conv, msgs := store.snapshot()
	require.Len(t, msgs, 2)
	assistant := msgs[1]
	assert.Equal(t, chatstore.RoleAssistant, assistant.Role)
	assert.Equal(t, "The answer is 42.", assistant.Content)
	assert.Equal(t, int64(140), assistant.TokenCount)
	assert.Equal(t, string(provider.UsageSourceProvider), assistant.UsageSource)
	assert.True(t, assistant.Priced)
	assert.InDelta(t, 0.0011, assistant.CostEstimate, 1e-9)
	assert.Equal(t, assistant.ID, sink.messageID)
	assert.InDelta(t, 0.0011, sink.cost, 1e-9)

	assert.Equal(t, int64(2), conv.MessageCount)
	assert.Equal(t, int64(140), conv.TotalTokens)
	assert.InDelta(t, 0.0011, conv.EstimatedCost, 1e-9)
	require.NotNil(t, conv.LastMessageAt)

	require.Len(t, ledger.entries, 1)
	entry := ledger.entries[0]
	assert.Equal(t, "chat.message", entry.Memo)
	assert.Equal(t, int64(7), entry.UserID)
	assert.Equal(t, int64(100), entry.PromptTokens)
	assert.Equal(t, int64(40), entry.CompletionTokens)
}

func TestStreamEstimatesUsageWhenProviderReportsNone(t *testing.T) {
	store := newMemStore(testConversation())
	completion := strings.Repeat("x", 160)
	prov := &stubProvider{
		name:       "openai",
		validation: okValidation(),
		events: []provider.StreamEvent{
			{Delta: completion},
			{Usage: &provider.UsageRecord{}},
		},
	}
	engine := newTestEngine(t, store, nil, prov)

	turn, err := engine.Validate(context.Background(), Request{OwnerID: 7, ConversationID: 1, Message: "estimate me", Credential: "sk-x"})
	require.NoError(t, err)
	sink := &captureSink{}
	require.NoError(t, turn.Stream(context.Background(), sink))

	_, msgs := store.snapshot()
	require.Len(t, msgs, 2)
	assistant := msgs[1]
	assert.Equal(t, string(provider.UsageSourceEstimated), assistant.UsageSource)
	// 160 chars of completion at 4 chars per token.
	assert.GreaterOrEqual(t, assistant.TokenCount, int64(40))
	assert.True(t, sink.completed)
}

func TestStreamProviderErrorLeavesAggregatesUntouched(t *testing.T) {
	store := newMemStore(testConversation())
	prov := &stubProvider{
		name:       "openai",
		validation: okValidation(),
		events: []provider.StreamEvent{
			{Delta: "partial "},
			{Err: errors.New("upstream exploded")},
		},
	}
	ledger := &memLedger{}
	engine := newTestEngine(t, store, ledger, prov)

	turn, err := engine.Validate(context.Background(), Request{OwnerID: 7, ConversationID: 1, Message: "boom", Credential: "sk-x"})
	require.NoError(t, err)
	sink := &captureSink{}
	err = turn.Stream(context.Background(), sink)
	require.Error(t, err)
	assert.Equal(t, KindProvider, KindOf(err))

	assert.False(t, sink.completed)
	require.Len(t, sink.errs, 1)
	assert.Contains(t, sink.errs[0], "upstream exploded")

	conv, msgs := store.snapshot()
	require.Len(t, msgs, 2)
	errorMsg := msgs[1]
	assert.True(t, errorMsg.IsError)
	assert.Equal(t, string(KindProvider), errorMsg.ErrorType)
	assert.Equal(t, "partial ", errorMsg.Content)

	assert.Equal(t, int64(0), conv.MessageCount)
	assert.Equal(t, int64(0), conv.TotalTokens)
	assert.Zero(t, conv.EstimatedCost)
	assert.Empty(t, ledger.entries)
}

func TestStreamClientDisconnectCommitsPartial(t *testing.T) {
	store := newMemStore(testConversation())
	prov := &stubProvider{
		name:       "openai",
		validation: okValidation(),
		events: []provider.StreamEvent{
			{Delta: "partial answer"},
		},
		hang: true,
	}
	engine := newTestEngine(t, store, nil, prov)

	turn, err := engine.Validate(context.Background(), Request{OwnerID: 7, ConversationID: 1, Message: "hi", Credential: "sk-x"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	sink := &captureSink{}
	done := make(chan error, 1)
	go func() { done <- turn.Stream(ctx, sink) }()

	// Wait for the first delta to arrive, then drop the client.
	deadline := time.After(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.chunks)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for first chunk")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	err = <-done
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))

	conv, msgs := store.snapshot()
	require.Len(t, msgs, 2)
	partial := msgs[1]
	assert.True(t, partial.IsError)
	assert.Equal(t, "client_disconnected", partial.ErrorType)
	assert.Equal(t, "partial answer", partial.Content)
	assert.Equal(t, int64(0), conv.MessageCount)
}

func TestStreamSinkWriteFailureTreatedAsDisconnect(t *testing.T) {
	store := newMemStore(testConversation())
	prov := &stubProvider{
		name:       "openai",
		validation: okValidation(),
		events: []provider.StreamEvent{
			{Delta: "never delivered"},
			{Usage: &provider.UsageRecord{TotalTokens: 5, CompletionTokens: 3}},
		},
	}
	engine := newTestEngine(t, store, nil, prov)

	turn, err := engine.Validate(context.Background(), Request{OwnerID: 7, ConversationID: 1, Message: "hi", Credential: "sk-x"})
	require.NoError(t, err)
	sink := &captureSink{chunkErr: errors.New("broken pipe")}
	err = turn.Stream(context.Background(), sink)
	require.Error(t, err)
	assert.Equal(t, KindCancelled, KindOf(err))

	_, msgs := store.snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, "client_disconnected", msgs[1].ErrorType)
}

func TestTurnRunsOnlyOnce(t *testing.T) {
	store := newMemStore(testConversation())
	prov := &stubProvider{
		name:       "openai",
		validation: okValidation(),
		events: []provider.StreamEvent{
			{Usage: &provider.UsageRecord{TotalTokens: 3, CompletionTokens: 1}},
		},
	}
	engine := newTestEngine(t, store, nil, prov)

	turn, err := engine.Validate(context.Background(), Request{OwnerID: 7, ConversationID: 1, Message: "hi", Credential: "sk-x"})
	require.NoError(t, err)
	require.NoError(t, turn.Stream(context.Background(), &captureSink{}))

	err = turn.Stream(context.Background(), &captureSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already consumed")
}

func TestStreamHistoryExcludesErrorMessages(t *testing.T) {
	store := newMemStore(testConversation())
	_, _ = store.AppendMessage(context.Background(), chatstore.Message{
		ConversationID: 1, Role: chatstore.RoleAssistant,
		Content: "Error: earlier failure", IsError: true, ErrorType: "provider_error",
	})

	var got provider.GenerateRequest
	prov := &stubProvider{
		name:       "openai",
		validation: okValidation(),
		events: []provider.StreamEvent{
			{Usage: &provider.UsageRecord{TotalTokens: 3, CompletionTokens: 1}},
		},
		onGenerate: func(req provider.GenerateRequest) { got = req },
	}
	engine := newTestEngine(t, store, nil, prov)

	turn, err := engine.Validate(context.Background(), Request{OwnerID: 7, ConversationID: 1, Message: "retry", Credential: "sk-x"})
	require.NoError(t, err)
	require.NoError(t, turn.Stream(context.Background(), &captureSink{}))

	require.Len(t, got.Messages, 1)
	assert.Equal(t, "retry", got.Messages[0].Content)
}
