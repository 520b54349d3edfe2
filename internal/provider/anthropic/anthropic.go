// Package anthropic streams chat completions from the Anthropic API (Claude).
package anthropic

import (
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

const defaultMaxTokens = 4096

// Provider sends requests to the Anthropic messages API. Credentials are
// supplied per request by the caller.
type Provider struct {
	baseURL      string
	version      string
	streamClient *http.Client
	checkClient  *http.Client
	models       []string
}

// Config holds configuration for the Anthropic provider.
type Config struct {
	BaseURL      string // optional, defaults to https://api.anthropic.com
	Version      string // optional, defaults to 2023-06-01
	CheckTimeout time.Duration
}

// New creates a Provider instance.
func New(cfg Config) *Provider {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = "2023-06-01"
	}

	checkTimeout := cfg.CheckTimeout
	if checkTimeout == 0 {
		checkTimeout = 15 * time.Second
	}

	return &Provider{
		baseURL:      baseURL,
		version:      version,
		streamClient: &http.Client{},
		checkClient:  &http.Client{Timeout: checkTimeout},
		models: []string{
			"claude-3-5-sonnet", "claude-3-5-haiku", "claude-3-opus",
		},
	}
}

// Name returns the registry key for this provider.
func (p *Provider) Name() string { return "anthropic" }

// Models lists the chat models this provider is known to serve.
func (p *Provider) Models() []string {
	out := make([]string, len(p.models))
	copy(out, p.models)
	return out
}

// message is a prompt turn in Anthropic's format.
type message struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// streamEvent covers the fields we read from the event stream. message_start
// carries input token usage, message_delta carries output token usage,
// content_block_delta carries text, message_stop ends the stream.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"delta,omitempty"`
	Message struct {
		Usage tokenUsage `json:"usage"`
	} `json:"message,omitempty"`
	Usage tokenUsage `json:"usage,omitempty"`
}

type tokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type apiError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateStream opens a streaming messages request. HTTP and upstream
// failures travel through the channel as terminal Err events.
func (p *Provider) GenerateStream(ctx context.Context, req provider.GenerateRequest) (<-chan provider.StreamEvent, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: no messages provided")
	}
	if req.Credential == "" {
		return nil, errors.New("anthropic: credential required")
	}

	messages, systemPrompt, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	payload := map[string]interface{}{
		"model":      mapModelName(req.Model),
		"messages":   messages,
		"max_tokens": maxTokens,
		"stream":     true,
	}
	if systemPrompt != "" {
		payload["system"] = systemPrompt
	}
	if req.Temperature != nil {
		payload["temperature"] = *req.Temperature
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
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

		httpReq, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			settle(provider.StreamEvent{Err: fmt.Errorf("anthropic: create request: %w", err)})
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", req.Credential)
		httpReq.Header.Set("anthropic-version", p.version)
		httpReq.Header.Set("Accept", "text/event-stream")

		resp, err := p.streamClient.Do(httpReq)
		if err != nil {
			settle(provider.StreamEvent{Err: fmt.Errorf("anthropic: send request: %w", err)})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			settle(provider.StreamEvent{Err: statusError(resp.StatusCode, data)})
			return
		}

		var usage provider.UsageRecord
		buf := make([]byte, 8192)
		leftover := ""
		for {
			if ctx.Err() != nil {
				settle(provider.StreamEvent{Err: ctx.Err()})
				return
			}

			n, err := resp.Body.Read(buf)
			if n > 0 {
				data := leftover + string(buf[:n])
				lines := strings.Split(data, "\n")
				leftover = lines[len(lines)-1]
				lines = lines[:len(lines)-1]
				for _, line := range lines {
					line = strings.TrimSpace(line)
					if !strings.HasPrefix(line, "data:") {
						continue
					}
					data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
					if data == "" || data == "{}" {
						continue
					}
					var evt streamEvent
					if perr := json.Unmarshal([]byte(data), &evt); perr != nil {
						settle(provider.StreamEvent{Err: fmt.Errorf("anthropic: parse stream: %w", perr)})
						return
					}
					switch evt.Type {
					case "message_start":
						usage.TotalTokens += evt.Message.Usage.InputTokens
						usage.Source = provider.UsageSourceProvider
					case "content_block_delta":
						if evt.Delta.Type == "text_delta" && evt.Delta.Text != "" {
							if !send(provider.StreamEvent{Delta: evt.Delta.Text}) {
								settle(provider.StreamEvent{Err: ctx.Err()})
								return
							}
						}
					case "message_delta":
						usage.CompletionTokens = evt.Usage.OutputTokens
					case "message_stop":
						usage.TotalTokens += usage.CompletionTokens
						settle(provider.StreamEvent{Usage: &usage})
						return
					case "error":
						settle(provider.StreamEvent{Err: fmt.Errorf("anthropic: stream error event: %s", data)})
						return
					}
				}
			}
			if err != nil {
				if err == io.EOF {
					usage.TotalTokens += usage.CompletionTokens
					settle(provider.StreamEvent{Usage: &usage})
					return
				}
				settle(provider.StreamEvent{Err: fmt.Errorf("anthropic: read stream: %w", err)})
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

	httpReq, err := http.NewRequestWithContext(ctx, "GET", p.baseURL+"/v1/models", nil)
	if err != nil {
		return provider.Validation{}, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", credential)
	httpReq.Header.Set("anthropic-version", p.version)

	resp, err := p.checkClient.Do(httpReq)
	if err != nil {
		return provider.Validation{}, fmt.Errorf("anthropic: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return provider.Validation{}, fmt.Errorf("anthropic: read response: %w", err)
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
		var errResp apiError
		msg := "invalid API key"
		if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		return provider.Validation{Valid: false, Error: msg}, nil
	default:
		return provider.Validation{}, statusError(resp.StatusCode, body)
	}
}

func statusError(code int, body []byte) error {
	var errResp apiError
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Errorf("anthropic: %s (type=%s)", errResp.Error.Message, errResp.Error.Type)
	}
	return fmt.Errorf("anthropic: http %d: %s", code, string(body))
}

// convertMessages maps generic prompt turns to Anthropic's format, lifting
// system messages into the system prompt.
func convertMessages(in []provider.Message) ([]message, string, error) {
	var messages []message
	var systemPrompt string

	for _, msg := range in {
		role := strings.ToLower(msg.Role)
		if role == "system" {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
			continue
		}
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, message{
			Role: role,
			Content: []contentBlock{
				{Type: "text", Text: msg.Content},
			},
		})
	}

	if len(messages) == 0 {
		return nil, "", errors.New("no user/assistant messages after filtering system messages")
	}
	return messages, systemPrompt, nil
}

// mapModelName maps short model names to dated Anthropic releases.
func mapModelName(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))

	switch model {
	case "claude", "claude-3", "claude-3-opus":
		return "claude-3-opus-20240229"
	case "claude-sonnet", "claude-3-sonnet", "claude-3-5-sonnet":
		return "claude-3-5-sonnet-20241022"
	case "claude-haiku", "claude-3-haiku", "claude-3-5-haiku":
		return "claude-3-5-haiku-20241022"
	}

	// Already a full model name with a date suffix.
	if strings.HasPrefix(model, "claude-") && len(model) > 20 {
		return model
	}
	return "claude-3-5-sonnet-20241022"
}
