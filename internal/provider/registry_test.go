package provider

import (
	"context"
	"testing"
)

type stubProvider struct{ name string }

func (s stubProvider) Name() string     { return s.name }
func (s stubProvider) Models() []string { return nil }
func (s stubProvider) GenerateStream(ctx context.Context, req GenerateRequest) (<-chan StreamEvent, error) {
	return nil, nil
}
func (s stubProvider) ValidateCredential(ctx context.Context, credential string) (Validation, error) {
	return Validation{Valid: true}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stubProvider{name: "openai"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(stubProvider{name: "anthropic"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := r.Register(stubProvider{name: "openai"}); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	if _, ok := r.Get("openai"); !ok {
		t.Fatalf("expected openai to be registered")
	}
	if _, ok := r.Get("gemini"); ok {
		t.Fatalf("did not expect gemini")
	}
	names := r.Names()
	if len(names) != 2 || names[0] != "anthropic" || names[1] != "openai" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestRegistrySealRejectsLateRegistration(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stubProvider{name: "loopback"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Seal()
	if err := r.Register(stubProvider{name: "openai"}); err == nil {
		t.Fatalf("expected registration after Seal to fail")
	}
	if _, ok := r.Get("loopback"); !ok {
		t.Fatalf("sealed registry must keep serving reads")
	}
}

func TestRegistryRejectsEmptyName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(stubProvider{}); err == nil {
		t.Fatalf("expected empty name to fail")
	}
	if err := r.Register(nil); err == nil {
		t.Fatalf("expected nil provider to fail")
	}
}
