package pricing

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rate holds USD prices per 1000 tokens for one model.
type Rate struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// Table maps model names to rates. It is populated at startup (defaults plus
// an optional overlay file) and read-only afterwards.
type Table struct {
	rates map[string]Rate
}

// Default returns the built-in price table.
func Default() *Table {
	return &Table{rates: map[string]Rate{
		"gpt-4o":            {InputPer1K: 0.005, OutputPer1K: 0.015},
		"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"o1":                {InputPer1K: 0.015, OutputPer1K: 0.06},
		"o1-mini":           {InputPer1K: 0.003, OutputPer1K: 0.012},
		"gpt-4-turbo":       {InputPer1K: 0.01, OutputPer1K: 0.03},
		"gpt-4":             {InputPer1K: 0.03, OutputPer1K: 0.06},
		"gpt-3.5-turbo":     {InputPer1K: 0.0015, OutputPer1K: 0.002},
		"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
		"claude-3-opus":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	}}
}

// LoadFile merges rates from a YAML file into the table. File entries win
// over built-ins for the same model.
func (t *Table) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("pricing: read %s: %w", path, err)
	}
	var overlay map[string]Rate
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("pricing: parse %s: %w", path, err)
	}
	for model, rate := range overlay {
		t.rates[normalize(model)] = rate
	}
	return nil
}

// Known reports whether the model has a configured rate. A zero cost for an
// unknown model means "unpriced", not "free"; callers that care must check
// the second return of Cost or call Known.
func (t *Table) Known(model string) bool {
	_, ok := t.rates[normalize(model)]
	return ok
}

// Rate returns the configured rate for a model.
func (t *Table) Rate(model string) (Rate, bool) {
	r, ok := t.rates[normalize(model)]
	return r, ok
}

// Cost computes the USD cost of one completion from total and completion
// token counts. It is pure and monotonic in both token arguments for a known
// model; for an unknown model it returns (0, false).
func (t *Table) Cost(model string, totalTokens, completionTokens int) (float64, bool) {
	rate, ok := t.rates[normalize(model)]
	if !ok {
		return 0, false
	}
	inputTokens := totalTokens - completionTokens
	if inputTokens < 0 {
		inputTokens = 0
	}
	inputCost := float64(inputTokens) / 1000 * rate.InputPer1K
	outputCost := float64(completionTokens) / 1000 * rate.OutputPer1K
	return inputCost + outputCost, true
}

func normalize(model string) string {
	return strings.ToLower(strings.TrimSpace(model))
}
