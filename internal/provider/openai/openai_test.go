package openai

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/uruchat/chatd/internal/provider"
	"github.com/uruchat/chatd/internal/testutil"
)

func TestGenerateStream_Success(t *testing.T) {
	server := testutil.NewUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if accept := r.Header.Get("Accept"); accept != "text/event-stream" {
			t.Errorf("Accept header = %q, want text/event-stream", accept)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test123" {
			t.Errorf("Authorization header = %q, want bearer test key", auth)
		}

		testutil.SSEHandler(t,
			`{"choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}`,
			`{"choices":[{"index":0,"delta":{"content":"Hello"},"finish_reason":null}]}`,
			`{"choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
			`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`,
			`[DONE]`,
		).ServeHTTP(w, r)
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})
	events, err := p.GenerateStream(context.Background(), provider.GenerateRequest{
		Model:      "gpt-4o",
		Messages:   []provider.Message{{Role: "user", Content: "Hello"}},
		Credential: "sk-test123",
	})
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}

	var content string
	var usage *provider.UsageRecord
	for event := range events {
		if event.IsError() {
			t.Fatalf("received error event: %v", event.Err)
		}
		if event.IsComplete() {
			usage = event.Usage
			continue
		}
		content += event.Delta
	}

	if content != "Hello world" {
		t.Errorf("accumulated content = %q, want 'Hello world'", content)
	}
	if usage == nil {
		t.Fatal("expected terminal usage event")
	}
	if usage.TotalTokens != 15 || usage.CompletionTokens != 3 {
		t.Errorf("usage = %+v, want total=15 completion=3", usage)
	}
	if usage.Source != provider.UsageSourceProvider {
		t.Errorf("usage source = %q, want provider", usage.Source)
	}
}

func TestGenerateStream_EmptyMessages(t *testing.T) {
	p := New(Config{})
	_, err := p.GenerateStream(context.Background(), provider.GenerateRequest{
		Model:      "gpt-4o",
		Credential: "sk-test123",
	})
	if err == nil {
		t.Fatal("GenerateStream() expected error for empty messages, got nil")
	}
	if !strings.Contains(err.Error(), "no messages") {
		t.Errorf("error = %v, want error containing 'no messages'", err)
	}
}

func TestGenerateStream_ErrorResponse(t *testing.T) {
	server := testutil.NewUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Invalid API key","type":"invalid_request_error","code":"invalid_api_key"}}`))
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})
	events, err := p.GenerateStream(context.Background(), provider.GenerateRequest{
		Model:      "gpt-4o",
		Messages:   []provider.Message{{Role: "user", Content: "Hello"}},
		Credential: "sk-test123",
	})
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}

	var terminal error
	for event := range events {
		if event.IsError() {
			terminal = event.Err
		}
	}
	if terminal == nil {
		t.Fatal("expected terminal error event for 401")
	}
	if !strings.Contains(terminal.Error(), "Invalid API key") {
		t.Errorf("error = %v, want error containing 'Invalid API key'", terminal)
	}
}

func TestGenerateStream_ContextCancellation(t *testing.T) {
	server := testutil.NewUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)

		fmt.Fprintf(w, "data: %s\n\n", `{"choices":[{"index":0,"delta":{"content":"Hello"},"finish_reason":null}]}`)
		flusher.Flush()

		time.Sleep(200 * time.Millisecond)

		fmt.Fprintf(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := New(Config{BaseURL: server.URL})
	events, err := p.GenerateStream(ctx, provider.GenerateRequest{
		Model:      "gpt-4o",
		Messages:   []provider.Message{{Role: "user", Content: "Hello"}},
		Credential: "sk-test123",
	})
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}

	var gotCancellation bool
	for event := range events {
		if event.IsError() {
			if strings.Contains(event.Err.Error(), "context") ||
				strings.Contains(event.Err.Error(), "deadline") {
				gotCancellation = true
			}
		}
	}
	if !gotCancellation {
		t.Error("expected to receive context cancellation error")
	}
}

func TestGenerateStream_MalformedChunk(t *testing.T) {
	server := testutil.NewUpstream(t, testutil.SSEHandler(t,
		`{"choices":[{"index":0,"delta":{"content":"Hi"},"finish_reason":null}]}`,
		`{invalid json}`,
	))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})
	events, err := p.GenerateStream(context.Background(), provider.GenerateRequest{
		Model:      "gpt-4o",
		Messages:   []provider.Message{{Role: "user", Content: "Hello"}},
		Credential: "sk-test123",
	})
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}

	var gotError bool
	for event := range events {
		if event.IsError() && strings.Contains(event.Err.Error(), "parse stream") {
			gotError = true
		}
	}
	if !gotError {
		t.Error("expected to receive parse error for malformed chunk")
	}
}

func TestValidateCredential_Valid(t *testing.T) {
	server := testutil.NewUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("path = %q, want /models", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`))
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})
	val, err := p.ValidateCredential(context.Background(), "sk-test123")
	if err != nil {
		t.Fatalf("ValidateCredential() error = %v", err)
	}
	if !val.Valid {
		t.Fatalf("ValidateCredential() valid = false, want true (error=%q)", val.Error)
	}
	if len(val.Models) != 2 || val.Models[0] != "gpt-4o" {
		t.Errorf("models = %v, want listing from server", val.Models)
	}
}

func TestValidateCredential_Invalid(t *testing.T) {
	server := testutil.NewUpstream(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`))
	}))
	defer server.Close()

	p := New(Config{BaseURL: server.URL})
	val, err := p.ValidateCredential(context.Background(), "sk-wrong")
	if err != nil {
		t.Fatalf("ValidateCredential() error = %v", err)
	}
	if val.Valid {
		t.Fatal("ValidateCredential() valid = true, want false")
	}
	if !strings.Contains(val.Error, "Incorrect API key") {
		t.Errorf("validation error = %q, want upstream message", val.Error)
	}
}

func TestValidateCredential_Empty(t *testing.T) {
	p := New(Config{})
	val, err := p.ValidateCredential(context.Background(), "   ")
	if err != nil {
		t.Fatalf("ValidateCredential() error = %v", err)
	}
	if val.Valid {
		t.Fatal("ValidateCredential() valid = true for empty key, want false")
	}
}

func TestGenerateStream_AbandonedAfterCancelReleasesProducer(t *testing.T) {
	frames := make([]string, 0, 41)
	for i := 0; i < 40; i++ {
		frames = append(frames, fmt.Sprintf(`{"choices":[{"index":0,"delta":{"content":"word%d "},"finish_reason":null}]}`, i))
	}
	frames = append(frames, `[DONE]`)
	server := testutil.NewUpstream(t, testutil.SSEHandler(t, frames...))
	defer server.Close()

	baseline := runtime.NumGoroutine()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := New(Config{BaseURL: server.URL})
	events, err := p.GenerateStream(ctx, provider.GenerateRequest{
		Model:      "gpt-4o",
		Messages:   []provider.Message{{Role: "user", Content: "Hello"}},
		Credential: "sk-test123",
	})
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}

	// Take a single delta, then cancel and walk away with the channel
	// buffer full. The producer must still wind down.
	<-events
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for runtime.NumGoroutine() > baseline {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines = %d, want <= %d after cancelled consumer stopped reading",
				runtime.NumGoroutine(), baseline)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
