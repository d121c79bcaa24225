package llmexec

import "testing"

func TestRegistryResolveUsesDefaultModel(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubProvider{name: "anthropic"}, "claude-sonnet-4-20250514")

	p, model, err := r.Resolve("anthropic", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "anthropic" {
		t.Fatalf("expected anthropic provider, got %s", p.Name())
	}
	if model != "claude-sonnet-4-20250514" {
		t.Fatalf("expected default model, got %s", model)
	}
}

func TestRegistryResolveHonorsExplicitModel(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubProvider{name: "openai"}, "gpt-4o")

	_, model, err := r.Resolve("openai", "gpt-3.5-turbo")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model != "gpt-3.5-turbo" {
		t.Fatalf("expected requested model to win, got %s", model)
	}
}

func TestRegistryResolveUnknownProvider(t *testing.T) {
	r := NewRegistry()
	if _, _, err := r.Resolve("missing", ""); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
