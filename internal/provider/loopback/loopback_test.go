package loopback

import (
	"context"
	"testing"

	"github.com/uruchat/chatd/internal/provider"
)

func TestGenerateStream_EchoesLastUserMessage(t *testing.T) {
	p := New()
	events, err := p.GenerateStream(context.Background(), provider.GenerateRequest{
		Model: "loopback-1",
		Messages: []provider.Message{
			{Role: "user", Content: "first"},
			{Role: "assistant", Content: "reply"},
			{Role: "user", Content: "ping pong"},
		},
		Credential: "any",
	})
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}

	var content string
	var usage *provider.UsageRecord
	deltas := 0
	for event := range events {
		if event.IsError() {
			t.Fatalf("received error event: %v", event.Err)
		}
		if event.IsComplete() {
			usage = event.Usage
			continue
		}
		deltas++
		content += event.Delta
	}

	if content != "[loopback] ping pong" {
		t.Errorf("content = %q, want '[loopback] ping pong'", content)
	}
	if deltas < 2 {
		t.Errorf("deltas = %d, want the reply split across events", deltas)
	}
	if usage == nil {
		t.Fatal("expected terminal usage event")
	}
	if usage.CompletionTokens != len(content)/4 {
		t.Errorf("completion tokens = %d, want %d", usage.CompletionTokens, len(content)/4)
	}
}

func TestGenerateStream_NoMessages(t *testing.T) {
	p := New()
	if _, err := p.GenerateStream(context.Background(), provider.GenerateRequest{Model: "loopback-1"}); err == nil {
		t.Fatal("GenerateStream() expected error for empty messages")
	}
}

func TestGenerateStream_Cancellation(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	events, err := p.GenerateStream(ctx, provider.GenerateRequest{
		Model:      "loopback-1",
		Messages:   []provider.Message{{Role: "user", Content: "one two three four"}},
		Credential: "any",
	})
	if err != nil {
		t.Fatalf("GenerateStream() error = %v", err)
	}

	var sawError bool
	for event := range events {
		if event.IsError() {
			sawError = true
		}
	}
	if !sawError {
		t.Error("expected terminal error after cancellation")
	}
}

func TestValidateCredential(t *testing.T) {
	p := New()

	val, err := p.ValidateCredential(context.Background(), "anything")
	if err != nil {
		t.Fatalf("ValidateCredential() error = %v", err)
	}
	if !val.Valid {
		t.Error("expected non-empty credential to validate")
	}

	val, err = p.ValidateCredential(context.Background(), "invalid")
	if err != nil {
		t.Fatalf("ValidateCredential() error = %v", err)
	}
	if val.Valid {
		t.Error("expected literal 'invalid' credential to be rejected")
	}
}
