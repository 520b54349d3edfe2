// Package session drives one chat turn from validation through streaming to
// the durable commit of its outcome. A Turn moves through a fixed set of
// states and guarantees exactly one terminal sink event per stream.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/uruchat/chatd/internal/chatstore"
	"github.com/uruchat/chatd/internal/metrics"
	"github.com/uruchat/chatd/internal/pricing"
	"github.com/uruchat/chatd/internal/provider"
	"github.com/uruchat/chatd/internal/usage"
	"github.com/uruchat/chatd/internal/usageledger"
)

// Sink receives the ordered protocol events of one stream. The httpserver
// package implements it over SSE; tests implement it over a buffer.
type Sink interface {
	Chunk(content string) error
	Complete(messageID int64, cost float64) error
	Error(message string) error
}

// ErrorKind classifies turn failures. Validation and credential failures
// happen before anything is written and surface as plain HTTP errors;
// provider and cancellation failures happen mid-stream and surface as a
// terminal error event plus an error-flagged message.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindNotFound   ErrorKind = "not_found"
	KindCredential ErrorKind = "credential"
	KindProvider   ErrorKind = "provider_error"
	KindCancelled  ErrorKind = "client_disconnected"
	KindCommit     ErrorKind = "commit_failed"
)

// Error is a typed turn failure.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func newError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the ErrorKind from err, or KindProvider if untyped.
func KindOf(err error) ErrorKind {
	if te, ok := err.(*Error); ok {
		return te.Kind
	}
	return KindProvider
}

// Turn states.
type state int

const (
	stateInit state = iota
	stateAwaitingValidation
	stateStreaming
	stateCommittingSuccess
	stateCommittingError
	stateCancelled
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateAwaitingValidation:
		return "awaiting_validation"
	case stateStreaming:
		return "streaming"
	case stateCommittingSuccess:
		return "committing_success"
	case stateCommittingError:
		return "committing_error"
	case stateCancelled:
		return "cancelled"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config tunes session behavior.
type Config struct {
	// MaxMessageChars caps the user message length after trimming.
	MaxMessageChars int
	// HistoryLimit bounds how many prior messages are replayed to the
	// provider as context.
	HistoryLimit int
	// StreamTimeout bounds the whole generation, measured from the
	// provider call. Zero disables the deadline.
	StreamTimeout time.Duration
	// DefaultProvider is used when the request names none.
	DefaultProvider string
	// CommitTimeout bounds terminal commits that run after the request
	// context is gone. Zero means 5 seconds.
	CommitTimeout time.Duration
}

func (c Config) commitTimeout() time.Duration {
	if c.CommitTimeout <= 0 {
		return 5 * time.Second
	}
	return c.CommitTimeout
}

// Engine validates and runs chat turns. It is safe for concurrent use.
type Engine struct {
	store     chatstore.Store
	ledger    usageledger.Store
	providers *provider.Registry
	prices    *pricing.Table
	collector *metrics.Collector
	logger    *log.Logger
	cfg       Config
}

// NewEngine wires an Engine. ledger may be nil to disable usage accounting.
func NewEngine(store chatstore.Store, ledger usageledger.Store, providers *provider.Registry, prices *pricing.Table, collector *metrics.Collector, logger *log.Logger, cfg Config) *Engine {
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = 32000
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 50
	}
	if collector == nil {
		collector = metrics.NewCollector()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Engine{
		store:     store,
		ledger:    ledger,
		providers: providers,
		prices:    prices,
		collector: collector,
		logger:    logger,
		cfg:       cfg,
	}
}

// Request describes one chat turn to run.
type Request struct {
	OwnerID        int64
	ConversationID int64
	Message        string
	Credential     string
	Provider       string
	Model          string
	Temperature    *float64
	MaxTokens      *int
}

// Turn is a validated session ready to stream. One Turn runs exactly once.
type Turn struct {
	engine *Engine
	id     string
	req    Request
	conv   chatstore.Conversation
	prov   provider.ChatProvider
	model  string
	state  state
}

// Validate checks the request without writing anything. It returns a typed
// *Error on rejection so callers can map kinds to status codes.
func (e *Engine) Validate(ctx context.Context, req Request) (*Turn, error) {
	t := &Turn{engine: e, id: uuid.NewString(), state: stateAwaitingValidation}

	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, newError(KindValidation, "message cannot be empty")
	}
	// Character limit, not bytes; multibyte text counts by rune.
	if utf8.RuneCountInString(req.Message) > e.cfg.MaxMessageChars {
		return nil, newError(KindValidation, "message exceeds %d characters", e.cfg.MaxMessageChars)
	}

	conv, err := e.store.GetConversation(ctx, req.ConversationID, req.OwnerID)
	if err != nil {
		if err == chatstore.ErrNotFound {
			return nil, newError(KindNotFound, "conversation %d not found", req.ConversationID)
		}
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	providerName := req.Provider
	if providerName == "" {
		providerName = e.cfg.DefaultProvider
	}
	prov, ok := e.providers.Get(providerName)
	if !ok {
		return nil, newError(KindValidation, "unknown provider %q", providerName)
	}

	model := req.Model
	if model == "" {
		model = conv.Model
	}
	if model == "" {
		return nil, newError(KindValidation, "no model specified")
	}

	if strings.TrimSpace(req.Credential) == "" {
		return nil, newError(KindCredential, "missing API credential")
	}
	val, err := prov.ValidateCredential(ctx, req.Credential)
	if err != nil {
		return nil, newError(KindCredential, "credential check failed: %v", err)
	}
	if !val.Valid {
		msg := val.Error
		if msg == "" {
			msg = "invalid API credential"
		}
		return nil, newError(KindCredential, "%s", msg)
	}

	t.req = req
	t.conv = conv
	t.prov = prov
	t.model = model
	return t, nil
}

// ID is the turn's correlation id, present in all its log lines.
func (t *Turn) ID() string { return t.id }

// Model is the resolved model for this turn.
func (t *Turn) Model() string { return t.model }

// Stream runs the validated turn: persists the user message, streams
// provider deltas to sink, and commits exactly one terminal outcome. The
// returned error is nil on success, a *Error on stream failures, and only
// ever non-typed when the sink itself is unusable.
func (t *Turn) Stream(ctx context.Context, sink Sink) error {
	if t.state != stateAwaitingValidation {
		return fmt.Errorf("turn %s already consumed", t.id)
	}
	e := t.engine
	start := time.Now()
	e.collector.StreamStarted()

	// User message goes in before the provider is called so a released
	// message is never lost, whatever happens upstream.
	userMsg := chatstore.Message{
		ConversationID: t.conv.ID,
		Role:           chatstore.RoleUser,
		Content:        t.req.Message,
		ContentHash:    chatstore.HashContent(t.req.Message),
	}
	if _, err := e.store.AppendMessage(ctx, userMsg); err != nil {
		e.collector.StreamFinished(metrics.OutcomeCommitFailed, time.Since(start))
		t.state = stateClosed
		e.logger.Printf("[session %s] persist user message failed: %v", t.id, err)
		terminal := newError(KindCommit, "failed to record message")
		_ = sink.Error(terminal.Message)
		return terminal
	}

	history, promptText, err := t.buildHistory(ctx)
	if err != nil {
		e.logger.Printf("[session %s] load history failed, sending bare turn: %v", t.id, err)
		history = []provider.Message{{Role: "user", Content: t.req.Message}}
		promptText = t.req.Message
	}

	genCtx := ctx
	cancel := context.CancelFunc(func() {})
	if e.cfg.StreamTimeout > 0 {
		genCtx, cancel = context.WithTimeout(ctx, e.cfg.StreamTimeout)
	}
	defer cancel()

	events, err := t.prov.GenerateStream(genCtx, provider.GenerateRequest{
		Model:       t.model,
		Messages:    history,
		Credential:  t.req.Credential,
		Temperature: t.req.Temperature,
		MaxTokens:   t.req.MaxTokens,
	})
	if err != nil {
		return t.commitError(ctx, sink, KindProvider, err.Error(), "", start)
	}

	t.state = stateStreaming
	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			cancel()
			return t.commitCancelled(sink, text.String(), start)
		case ev, ok := <-events:
			if !ok {
				return t.commitError(ctx, sink, KindProvider, "stream ended without completion", text.String(), start)
			}
			switch {
			case ev.IsError():
				if ctx.Err() != nil {
					return t.commitCancelled(sink, text.String(), start)
				}
				kind, msg := KindProvider, ev.Err.Error()
				if genCtx.Err() == context.DeadlineExceeded {
					msg = fmt.Sprintf("generation exceeded %s deadline", e.cfg.StreamTimeout)
				}
				return t.commitError(ctx, sink, kind, msg, text.String(), start)
			case ev.IsComplete():
				return t.commitSuccess(ctx, sink, text.String(), promptText, ev.Usage, start)
			default:
				text.WriteString(ev.Delta)
				if err := sink.Chunk(ev.Delta); err != nil {
					// Writes fail when the client is gone. Treat like
					// a disconnect and keep the partial text.
					cancel()
					return t.commitCancelled(sink, text.String(), start)
				}
			}
		}
	}
}

// buildHistory loads recent conversation context for the provider call,
// skipping error-flagged messages. The just-persisted user message is
// included by the store query. It also returns the concatenated prompt text
// used for token estimation fallback.
func (t *Turn) buildHistory(ctx context.Context) ([]provider.Message, string, error) {
	msgs, err := t.engine.store.RecentMessages(ctx, t.conv.ID, t.engine.cfg.HistoryLimit)
	if err != nil {
		return nil, "", err
	}

	history := make([]provider.Message, 0, len(msgs)+1)
	var prompt strings.Builder
	if t.conv.SystemPrompt != "" {
		history = append(history, provider.Message{Role: "system", Content: t.conv.SystemPrompt})
		prompt.WriteString(t.conv.SystemPrompt)
	}
	for _, m := range msgs {
		if m.IsError {
			continue
		}
		history = append(history, provider.Message{Role: string(m.Role), Content: m.Content})
		prompt.WriteString(m.Content)
	}
	return history, prompt.String(), nil
}

func (t *Turn) commitSuccess(ctx context.Context, sink Sink, fullText, promptText string, reported *provider.UsageRecord, start time.Time) error {
	e := t.engine
	t.state = stateCommittingSuccess

	var rec provider.UsageRecord
	if reported != nil && reported.TotalTokens > 0 {
		rec = *reported
		rec.Source = provider.UsageSourceProvider
	} else {
		rec = usage.Estimate(promptText, fullText)
	}

	cost, priced := e.prices.Cost(t.model, rec.TotalTokens, rec.CompletionTokens)

	elapsed := time.Since(start)
	meta, _ := json.Marshal(map[string]any{
		"prompt_tokens":     rec.PromptTokens(),
		"completion_tokens": rec.CompletionTokens,
		"total_tokens":      rec.TotalTokens,
	})
	assistant := chatstore.Message{
		ConversationID: t.conv.ID,
		Role:           chatstore.RoleAssistant,
		Content:        fullText,
		ContentHash:    chatstore.HashContent(fullText),
		TokenCount:     int64(rec.TotalTokens),
		Model:          t.model,
		CostEstimate:   cost,
		Priced:         priced,
		UsageSource:    string(rec.Source),
		ProcessingSecs: elapsed.Seconds(),
		Metadata:       string(meta),
	}
	agg := chatstore.TurnAggregates{
		Messages:      2,
		Tokens:        int64(rec.TotalTokens),
		Cost:          cost,
		LastMessageAt: time.Now().UTC(),
	}

	commitCtx, cancelCommit := t.commitContext(ctx)
	defer cancelCommit()
	stored, err := e.store.CommitAssistantTurn(commitCtx, assistant, agg)
	if err != nil {
		e.logger.Printf("[session %s] commit failed: %v", t.id, err)
		e.collector.StreamFinished(metrics.OutcomeCommitFailed, elapsed)
		t.state = stateClosed
		terminal := newError(KindCommit, "failed to record response")
		_ = sink.Error(terminal.Message)
		return terminal
	}

	t.recordLedger(commitCtx, rec, cost)
	e.collector.RecordTokenUsage(t.model, int64(rec.PromptTokens()), int64(rec.CompletionTokens), cost)

	if err := sink.Complete(stored.ID, cost); err != nil {
		// Outcome is already durable; the client just never saw it.
		e.logger.Printf("[session %s] complete event undeliverable: %v", t.id, err)
	}
	e.collector.StreamFinished(metrics.OutcomeComplete, elapsed)
	t.state = stateClosed
	e.logger.Printf("[session %s] complete model=%s tokens=%d cost=%.6f usage=%s elapsed=%s",
		t.id, t.model, rec.TotalTokens, cost, rec.Source, elapsed.Round(time.Millisecond))
	return nil
}

// commitError records an in-stream failure as an error-flagged message,
// leaving conversation aggregates untouched, then emits the terminal event.
func (t *Turn) commitError(ctx context.Context, sink Sink, kind ErrorKind, errMsg, partial string, start time.Time) error {
	e := t.engine
	t.state = stateCommittingError
	elapsed := time.Since(start)

	content := partial
	if content == "" {
		content = "Error: " + errMsg
	}
	meta, _ := json.Marshal(map[string]any{"error": errMsg})
	msg := chatstore.Message{
		ConversationID: t.conv.ID,
		Role:           chatstore.RoleAssistant,
		Content:        content,
		ContentHash:    chatstore.HashContent(content),
		Model:          t.model,
		ProcessingSecs: elapsed.Seconds(),
		IsError:        true,
		ErrorType:      string(kind),
		Metadata:       string(meta),
	}

	commitCtx, cancelCommit := t.commitContext(ctx)
	defer cancelCommit()
	if _, err := e.store.AppendMessage(commitCtx, msg); err != nil {
		e.logger.Printf("[session %s] record error message failed: %v", t.id, err)
	}

	if err := sink.Error(errMsg); err != nil {
		e.logger.Printf("[session %s] error event undeliverable: %v", t.id, err)
	}
	e.collector.RecordProviderError(t.prov.Name())
	e.collector.StreamFinished(metrics.OutcomeError, elapsed)
	t.state = stateClosed
	e.logger.Printf("[session %s] error kind=%s model=%s: %s", t.id, kind, t.model, errMsg)
	return newError(kind, "%s", errMsg)
}

// commitCancelled persists whatever text accumulated before the client went
// away. The request context is dead here, so the commit runs on a detached
// context with its own deadline.
func (t *Turn) commitCancelled(sink Sink, partial string, start time.Time) error {
	e := t.engine
	t.state = stateCancelled
	elapsed := time.Since(start)

	content := partial
	if content == "" {
		content = "Error: client disconnected before any response"
	}
	msg := chatstore.Message{
		ConversationID: t.conv.ID,
		Role:           chatstore.RoleAssistant,
		Content:        content,
		ContentHash:    chatstore.HashContent(content),
		Model:          t.model,
		ProcessingSecs: elapsed.Seconds(),
		IsError:        true,
		ErrorType:      string(KindCancelled),
	}

	commitCtx, cancelCommit := context.WithTimeout(context.Background(), e.cfg.commitTimeout())
	defer cancelCommit()
	if _, err := e.store.AppendMessage(commitCtx, msg); err != nil {
		e.logger.Printf("[session %s] record cancelled turn failed: %v", t.id, err)
	}

	// Best effort; the peer is usually gone.
	_ = sink.Error("client disconnected")
	e.collector.StreamFinished(metrics.OutcomeCancelled, elapsed)
	t.state = stateClosed
	e.logger.Printf("[session %s] cancelled model=%s partial_chars=%d elapsed=%s",
		t.id, t.model, len(partial), elapsed.Round(time.Millisecond))
	return newError(KindCancelled, "client disconnected")
}

// commitContext returns ctx when still live, otherwise a detached context
// so terminal commits survive client disconnects.
func (t *Turn) commitContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	return context.WithTimeout(context.Background(), t.engine.cfg.commitTimeout())
}

func (t *Turn) recordLedger(ctx context.Context, rec provider.UsageRecord, cost float64) {
	e := t.engine
	if e.ledger == nil {
		return
	}
	entry := usageledger.Entry{
		UserID:           t.req.OwnerID,
		ConversationID:   t.conv.ID,
		Model:            t.model,
		PromptTokens:     int64(rec.PromptTokens()),
		CompletionTokens: int64(rec.CompletionTokens),
		Cost:             cost,
		Memo:             "chat.message",
		CreatedAt:        time.Now().UTC(),
	}
	if err := e.ledger.Record(ctx, entry); err != nil {
		e.logger.Printf("[session %s] ledger write failed: %v", t.id, err)
	}
}
