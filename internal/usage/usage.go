// Package usage derives token counts from text when the upstream provider
// does not report them, so cost accounting never silently reads zero for a
// non-trivial response.
package usage

import "github.com/uruchat/chatd/internal/provider"

// charsPerToken is the deterministic fallback ratio (4 chars ~ 1 token).
const charsPerToken = 4

// Estimate derives a UsageRecord from the full prompt and completion text.
// The result is marked UsageSourceEstimated so downstream consumers can tell
// it apart from provider-reported numbers.
func Estimate(promptText, completionText string) provider.UsageRecord {
	completionTokens := len(completionText) / charsPerToken
	promptTokens := len(promptText) / charsPerToken
	return provider.UsageRecord{
		TotalTokens:      promptTokens + completionTokens,
		CompletionTokens: completionTokens,
		Source:           provider.UsageSourceEstimated,
	}
}
