package usage

import (
	"strings"
	"testing"

	"github.com/uruchat/chatd/internal/provider"
)

func TestEstimate(t *testing.T) {
	prompt := strings.Repeat("p", 400)
	completion := strings.Repeat("c", 160)

	rec := Estimate(prompt, completion)
	if rec.CompletionTokens != 40 {
		t.Fatalf("completion tokens = %d, want 40", rec.CompletionTokens)
	}
	if rec.TotalTokens != 140 {
		t.Fatalf("total tokens = %d, want 140", rec.TotalTokens)
	}
	if rec.PromptTokens() != 100 {
		t.Fatalf("prompt tokens = %d, want 100", rec.PromptTokens())
	}
	if rec.Source != provider.UsageSourceEstimated {
		t.Fatalf("source = %q, want estimated", rec.Source)
	}
}

func TestEstimateWithinTolerance(t *testing.T) {
	prompt := strings.Repeat("the quick brown fox ", 20)    // 400 chars
	completion := strings.Repeat("jumps over the dog. ", 8) // 160 chars

	rec := Estimate(prompt, completion)
	expected := len(completion)/4 + len(prompt)/4
	lo := float64(expected) * 0.75
	hi := float64(expected) * 1.25
	if got := float64(rec.TotalTokens); got < lo || got > hi {
		t.Fatalf("estimate %v outside ±25%% of %d", got, expected)
	}
}

func TestEstimateEmptyText(t *testing.T) {
	rec := Estimate("", "")
	if rec.TotalTokens != 0 || rec.CompletionTokens != 0 {
		t.Fatalf("empty text must estimate zero, got %+v", rec)
	}
}
