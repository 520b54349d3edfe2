package provider

import "context"

// Message is a single prompt turn handed to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateRequest carries everything a provider needs to produce one completion.
type GenerateRequest struct {
	Model       string
	Messages    []Message
	Credential  string
	Temperature *float64
	MaxTokens   *int
}

// UsageSource records which side produced the token counts.
type UsageSource string

const (
	// UsageSourceProvider means the upstream API reported usage itself.
	UsageSourceProvider UsageSource = "provider"
	// UsageSourceEstimated means the counts were derived from text length.
	UsageSourceEstimated UsageSource = "estimated"
)

// UsageRecord is the normalized token accounting for one completion.
type UsageRecord struct {
	TotalTokens      int
	CompletionTokens int
	Source           UsageSource
}

// PromptTokens derives the prompt side from the totals.
func (u UsageRecord) PromptTokens() int {
	n := u.TotalTokens - u.CompletionTokens
	if n < 0 {
		return 0
	}
	return n
}

// StreamEvent is one element of a provider's event sequence. Exactly one of
// the three fields is set: Delta for incremental content, Usage for the
// terminal completion record, Err for a terminal failure. Provider failures
// travel through the sequence as Err events rather than as out-of-band
// errors; only invalid arguments fail before the stream starts.
type StreamEvent struct {
	Delta string
	Usage *UsageRecord
	Err   error
}

// IsDelta reports whether the event carries incremental content.
func (e StreamEvent) IsDelta() bool { return e.Err == nil && e.Usage == nil }

// IsComplete reports whether the event terminates the stream successfully.
func (e StreamEvent) IsComplete() bool { return e.Usage != nil }

// IsError reports whether the event terminates the stream with a failure.
func (e StreamEvent) IsError() bool { return e.Err != nil }

// Validation is the result of checking a caller-supplied credential.
type Validation struct {
	Valid  bool     `json:"valid"`
	Models []string `json:"models,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// ChatProvider is the uniform interface over one upstream completion API.
//
// GenerateStream returns a single-consumer, single-pass channel that is
// always finite: it closes after exactly one terminal event (Usage or Err),
// even when the upstream transport never signals end-of-stream. The
// implementation must stop promptly when ctx is cancelled and must never
// write to any store.
type ChatProvider interface {
	Name() string
	Models() []string
	GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamEvent, error)
	ValidateCredential(ctx context.Context, credential string) (Validation, error)
}
