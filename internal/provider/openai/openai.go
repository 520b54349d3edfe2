// Package openai streams chat completions from the OpenAI API.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/uruchat/chatd/internal/provider"
)

// Ensure Provider implements ChatProvider.
var _ provider.ChatProvider = (*Provider)(nil)

// Provider sends requests to the OpenAI API. Credentials are supplied per
// request by the caller, never held by the provider.
type Provider struct {
	baseURL      string
	org          string
	streamClient *http.Client
	checkClient  *http.Client
	models       []string
}

// Config holds configuration for the OpenAI provider.
type Config struct {
	BaseURL      string // optional, defaults to https://api.openai.com/v1
	Organization string // optional
	CheckTimeout time.Duration
}

// New creates a Provider instance.
func New(cfg Config) *Provider {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	checkTimeout := cfg.CheckTimeout
	if checkTimeout == 0 {
		checkTimeout = 15 * time.Second
	}

	return &Provider{
		baseURL: baseURL,
		org:     cfg.Organization,
		// Streaming responses stay open for the duration of the
		// generation; deadlines come from the request context.
		streamClient: &http.Client{},
		checkClient:  &http.Client{Timeout: checkTimeout},
		models: []string{
			"gpt-4o", "gpt-4o-mini", "o1", "o1-mini",
			"gpt-4-turbo", "gpt-4", "gpt-3.5-turbo",
		},
	}
}

// Name returns the registry key for this provider.
func (p *Provider) Name() string { return "openai" }

// Models lists the chat models this provider is known to serve.
func (p *Provider) Models() []string {
	out := make([]string, len(p.models))
	copy(out, p.models)
	return out
}

type chunkDelta struct {
	Content string `json:"content"`
}

type chunkChoice struct {
	Delta        chunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type chunkUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type streamChunk struct {
	Choices []chunkChoice `json:"choices"`
	Usage   *chunkUsage   `json:"usage"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// GenerateStream opens a streaming chat completion. HTTP and upstream
// failures travel through the channel as terminal Err events; only invalid
// arguments fail synchronously.
func (p *Provider) GenerateStream(ctx context.Context, req provider.GenerateRequest) (<-chan provider.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: no messages provided")
	}
	if req.Credential == "" {
		return nil, errors.New("openai: credential required")
	}

	payload := map[string]interface{}{
		"model":    req.Model,
		"messages": req.Messages,
		"stream":   true,
		"stream_options": map[string]interface{}{
			"include_usage": true,
		},
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	if req.MaxTokens != nil {
		payload["max_completion_tokens"] = *req.MaxTokens
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}

	ch := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(ch)

		// send blocks until the consumer takes the event or ctx dies; a
		// consumer that cancels and walks away must not pin this goroutine
		// (and the upstream connection) on a full buffer.
		send := func(ev provider.StreamEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		// settle delivers the terminal event. After cancellation it falls
		// back to a non-blocking send so an abandoned channel never wedges.
		settle := func(ev provider.StreamEvent) {
			select {
			case ch <- ev:
			case <-ctx.Done():
				select {
				case ch <- ev:
				default:
				}
			}
		}

		httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			settle(provider.StreamEvent{Err: fmt.Errorf("openai: create request: %w", err)})
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
		httpReq.Header.Set("Accept", "text/event-stream")
		if p.org != "" {
			httpReq.Header.Set("OpenAI-Organization", p.org)
		}

		resp, err := p.streamClient.Do(httpReq)
		if err != nil {
			settle(provider.StreamEvent{Err: fmt.Errorf("openai: send request: %w", err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			settle(provider.StreamEvent{Err: statusError(resp.StatusCode, data)})
			return
		}

		var usage provider.UsageRecord
		reader := bufio.NewReader(resp.Body)
		for {
			if ctx.Err() != nil {
				settle(provider.StreamEvent{Err: ctx.Err()})
				return
			}

			line, err := reader.ReadString('\n')
			if line != "" {
				line = strings.TrimSpace(line)
				if strings.HasPrefix(line, "data:") {
					data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
					if data == "[DONE]" {
						settle(provider.StreamEvent{Usage: &usage})
						return
					}
					var chunk streamChunk
					if perr := json.Unmarshal([]byte(data), &chunk); perr != nil {
						settle(provider.StreamEvent{Err: fmt.Errorf("openai: parse stream: %w", perr)})
						return
					}
					if chunk.Usage != nil {
						usage = provider.UsageRecord{
							TotalTokens:      chunk.Usage.TotalTokens,
							CompletionTokens: chunk.Usage.CompletionTokens,
							Source:           provider.UsageSourceProvider,
						}
					}
					if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
						if !send(provider.StreamEvent{Delta: chunk.Choices[0].Delta.Content}) {
							settle(provider.StreamEvent{Err: ctx.Err()})
							return
						}
					}
				}
			}
			if err != nil {
				if err == io.EOF {
					// Upstream closed without [DONE]; report what we have
					// so the caller can fall back to estimation.
					settle(provider.StreamEvent{Usage: &usage})
					return
				}
				settle(provider.StreamEvent{Err: fmt.Errorf("openai: read stream: %w", err)})
				return
			}
		}
	}()
	return ch, nil
}

// ValidateCredential checks an API key against the models endpoint.
func (p *Provider) ValidateCredential(ctx context.Context, credential string) (provider.Validation, error) {
	if strings.TrimSpace(credential) == "" {
		return provider.Validation{Valid: false, Error: "missing API key"}, nil
	}

	httpReq, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/models", nil)
	if err != nil {
		return provider.Validation{}, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+credential)
	if p.org != "" {
		httpReq.Header.Set("OpenAI-Organization", p.org)
	}

	resp, err := p.checkClient.Do(httpReq)
	if err != nil {
		return provider.Validation{}, fmt.Errorf("openai: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return provider.Validation{}, fmt.Errorf("openai: read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var listing struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		models := p.Models()
		if err := json.Unmarshal(body, &listing); err == nil && len(listing.Data) > 0 {
			models = models[:0]
			for _, m := range listing.Data {
				models = append(models, m.ID)
			}
		}
		return provider.Validation{Valid: true, Models: models}, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return provider.Validation{Valid: false, Error: errorMessage(body, "invalid API key")}, nil
	default:
		return provider.Validation{}, statusError(resp.StatusCode, body)
	}
}

func statusError(code int, body []byte) error {
	var errResp apiError
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Errorf("openai: %s (type=%s, code=%s)", errResp.Error.Message, errResp.Error.Type, errResp.Error.Code)
	}
	return fmt.Errorf("openai: http %d: %s", code, string(body))
}

func errorMessage(body []byte, fallback string) string {
	var errResp apiError
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return fallback
}
