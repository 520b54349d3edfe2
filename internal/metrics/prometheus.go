package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus formats metrics in Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	// Process uptime
	sb.WriteString("# HELP chatd_uptime_seconds Time since the server started\n")
	sb.WriteString("# TYPE chatd_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("chatd_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	// Total requests by endpoint
	sb.WriteString("# HELP chatd_requests_total Total number of requests by endpoint\n")
	sb.WriteString("# TYPE chatd_requests_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequests) {
		count := snap.TotalRequests[endpoint]
		sb.WriteString(fmt.Sprintf("chatd_requests_total{endpoint=\"%s\"} %d\n", endpoint, count))
	}
	sb.WriteString("\n")

	// Request errors by endpoint
	sb.WriteString("# HELP chatd_request_errors_total Total number of request errors by endpoint\n")
	sb.WriteString("# TYPE chatd_request_errors_total counter\n")
	for _, endpoint := range sortedKeys(snap.RequestErrors) {
		count := snap.RequestErrors[endpoint]
		sb.WriteString(fmt.Sprintf("chatd_request_errors_total{endpoint=\"%s\"} %d\n", endpoint, count))
	}
	sb.WriteString("\n")

	// Request duration (cumulative)
	sb.WriteString("# HELP chatd_request_duration_ms_total Total request duration in milliseconds\n")
	sb.WriteString("# TYPE chatd_request_duration_ms_total counter\n")
	for _, endpoint := range sortedKeys(snap.TotalRequestsDur) {
		duration := snap.TotalRequestsDur[endpoint]
		sb.WriteString(fmt.Sprintf("chatd_request_duration_ms_total{endpoint=\"%s\"} %d\n", endpoint, duration))
	}
	sb.WriteString("\n")

	// Streams by outcome
	sb.WriteString("# HELP chatd_streams_total Total completed streams by terminal outcome\n")
	sb.WriteString("# TYPE chatd_streams_total counter\n")
	for _, outcome := range sortedKeys(snap.StreamsByOutcome) {
		count := snap.StreamsByOutcome[outcome]
		sb.WriteString(fmt.Sprintf("chatd_streams_total{outcome=\"%s\"} %d\n", outcome, count))
	}
	sb.WriteString("\n")

	// Streams in flight
	sb.WriteString("# HELP chatd_streams_in_flight Current number of active streams\n")
	sb.WriteString("# TYPE chatd_streams_in_flight gauge\n")
	sb.WriteString(fmt.Sprintf("chatd_streams_in_flight %d\n", snap.StreamsInFlight))
	sb.WriteString("\n")

	// Stream duration
	sb.WriteString("# HELP chatd_stream_duration_ms_total Total stream duration in milliseconds\n")
	sb.WriteString("# TYPE chatd_stream_duration_ms_total counter\n")
	sb.WriteString(fmt.Sprintf("chatd_stream_duration_ms_total %d\n", snap.StreamDurationMS))
	sb.WriteString("\n")

	// Token usage
	sb.WriteString("# HELP chatd_prompt_tokens_total Total prompt tokens processed\n")
	sb.WriteString("# TYPE chatd_prompt_tokens_total counter\n")
	sb.WriteString(fmt.Sprintf("chatd_prompt_tokens_total %d\n", snap.TotalPromptTokens))
	sb.WriteString("\n")

	sb.WriteString("# HELP chatd_completion_tokens_total Total completion tokens generated\n")
	sb.WriteString("# TYPE chatd_completion_tokens_total counter\n")
	sb.WriteString(fmt.Sprintf("chatd_completion_tokens_total %d\n", snap.TotalCompletionTokens))
	sb.WriteString("\n")

	// Tokens by model
	sb.WriteString("# HELP chatd_tokens_by_model_total Total tokens by model\n")
	sb.WriteString("# TYPE chatd_tokens_by_model_total counter\n")
	for _, model := range sortedKeys(snap.TokensByModel) {
		count := snap.TokensByModel[model]
		sb.WriteString(fmt.Sprintf("chatd_tokens_by_model_total{model=\"%s\"} %d\n", model, count))
	}
	sb.WriteString("\n")

	// Cost by model
	sb.WriteString("# HELP chatd_cost_usd_by_model_total Total estimated cost in USD by model\n")
	sb.WriteString("# TYPE chatd_cost_usd_by_model_total counter\n")
	for _, model := range sortedKeys(snap.CostByModel) {
		cost := snap.CostByModel[model]
		sb.WriteString(fmt.Sprintf("chatd_cost_usd_by_model_total{model=\"%s\"} %.6f\n", model, cost))
	}
	sb.WriteString("\n")

	// Provider errors
	sb.WriteString("# HELP chatd_provider_errors_total Total upstream provider errors\n")
	sb.WriteString("# TYPE chatd_provider_errors_total counter\n")
	for _, name := range sortedKeys(snap.ProviderErrors) {
		count := snap.ProviderErrors[name]
		sb.WriteString(fmt.Sprintf("chatd_provider_errors_total{provider=\"%s\"} %d\n", name, count))
	}
	sb.WriteString("\n")

	return sb.String()
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
