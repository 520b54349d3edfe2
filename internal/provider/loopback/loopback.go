// Package loopback fabricates deterministic completions so the streaming
// pipeline can be exercised without any upstream API.
package loopback

import (
	"context"
	"errors"
	"strings"

	"github.com/uruchat/chatd/internal/provider"
)

// Ensure Provider implements ChatProvider.
var _ provider.ChatProvider = (*Provider)(nil)

// badCredential is the one key the loopback provider rejects, so credential
// failure paths can be tested end to end.
const badCredential = "invalid"

// Provider echoes the last user message back to the caller, one word per
// stream event.
type Provider struct{}

// New creates a Provider instance.
func New() *Provider {
	return &Provider{}
}

// Name returns the registry key for this provider.
func (p *Provider) Name() string { return "loopback" }

// Models lists the single pseudo-model the loopback serves.
func (p *Provider) Models() []string { return []string{"loopback-1"} }

// GenerateStream replays the last user message word by word, then reports
// deterministic usage derived from the prompt and reply sizes.
func (p *Provider) GenerateStream(ctx context.Context, req provider.GenerateRequest) (<-chan provider.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("loopback: no messages provided")
	}

	// find last user message; default to final message if none
	message := req.Messages[len(req.Messages)-1]
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if strings.ToLower(req.Messages[i].Role) == "user" {
			message = req.Messages[i]
			break
		}
	}
	reply := "[loopback] " + strings.TrimSpace(message.Content)
	usage := provider.UsageRecord{
		TotalTokens:      len(req.Messages)*10 + len(reply)/4,
		CompletionTokens: len(reply) / 4,
		Source:           provider.UsageSourceProvider,
	}

	ch := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(ch)
		// After cancellation the terminal send must not block; the consumer
		// may already have abandoned the channel.
		settle := func(ev provider.StreamEvent) {
			select {
			case ch <- ev:
			default:
			}
		}
		words := strings.SplitAfter(reply, " ")
		for _, word := range words {
			if word == "" {
				continue
			}
			if ctx.Err() != nil {
				settle(provider.StreamEvent{Err: ctx.Err()})
				return
			}
			select {
			case <-ctx.Done():
				settle(provider.StreamEvent{Err: ctx.Err()})
				return
			case ch <- provider.StreamEvent{Delta: word}:
			}
		}
		if ctx.Err() != nil {
			settle(provider.StreamEvent{Err: ctx.Err()})
			return
		}
		select {
		case <-ctx.Done():
			settle(provider.StreamEvent{Err: ctx.Err()})
		case ch <- provider.StreamEvent{Usage: &usage}:
		}
	}()
	return ch, nil
}

// ValidateCredential accepts any non-empty key except the literal "invalid".
func (p *Provider) ValidateCredential(ctx context.Context, credential string) (provider.Validation, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" || credential == badCredential {
		return provider.Validation{Valid: false, Error: "invalid API key"}, nil
	}
	return provider.Validation{Valid: true, Models: p.Models()}, nil
}
