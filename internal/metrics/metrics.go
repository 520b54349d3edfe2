package metrics

import (
	"sync"
	"time"
)

// Stream outcomes.
const (
	OutcomeComplete     = "complete"
	OutcomeError        = "error"
	OutcomeCancelled    = "cancelled"
	OutcomeCommitFailed = "commit_failed"
)

// Collector tracks request and stream counters and exports them in
// Prometheus text format via FormatPrometheus.
type Collector struct {
	mu sync.RWMutex

	// Request metrics
	totalRequests    map[string]int64 // by endpoint
	totalRequestsDur map[string]int64 // total duration in ms
	requestErrors    map[string]int64 // by endpoint

	// Stream metrics
	streamsByOutcome map[string]int64
	streamsInFlight  int64
	streamDurationMS int64

	// Token usage metrics
	totalPromptTokens     int64
	totalCompletionTokens int64
	tokensByModel         map[string]int64
	costByModel           map[string]float64

	// Provider metrics
	providerErrors map[string]int64

	// System metrics
	startTime time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:    make(map[string]int64),
		totalRequestsDur: make(map[string]int64),
		requestErrors:    make(map[string]int64),
		streamsByOutcome: make(map[string]int64),
		tokensByModel:    make(map[string]int64),
		costByModel:      make(map[string]float64),
		providerErrors:   make(map[string]int64),
		startTime:        time.Now(),
	}
}

// RecordRequest records a request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordError records an error for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestErrors[endpoint]++
}

// StreamStarted marks a stream entering flight.
func (c *Collector) StreamStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.streamsInFlight++
}

// StreamFinished records the terminal outcome and duration of a stream.
func (c *Collector) StreamFinished(outcome string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.streamsByOutcome[outcome]++
	c.streamsInFlight--
	c.streamDurationMS += duration.Milliseconds()
}

// RecordTokenUsage records token and cost totals for one completed turn.
func (c *Collector) RecordTokenUsage(model string, promptTokens, completionTokens int64, cost float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalPromptTokens += promptTokens
	c.totalCompletionTokens += completionTokens

	if model != "" {
		c.tokensByModel[model] += (promptTokens + completionTokens)
		c.costByModel[model] += cost
	}
}

// RecordProviderError records an upstream failure for the named provider.
func (c *Collector) RecordProviderError(providerName string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.providerErrors[providerName]++
}

// Snapshot returns a point-in-time snapshot of all metrics.
type Snapshot struct {
	Uptime                int64
	TotalRequests         map[string]int64
	TotalRequestsDur      map[string]int64
	RequestErrors         map[string]int64
	StreamsByOutcome      map[string]int64
	StreamsInFlight       int64
	StreamDurationMS      int64
	TotalPromptTokens     int64
	TotalCompletionTokens int64
	TokensByModel         map[string]int64
	CostByModel           map[string]float64
	ProviderErrors        map[string]int64
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		Uptime:                int64(time.Since(c.startTime).Seconds()),
		TotalRequests:         copyMap(c.totalRequests),
		TotalRequestsDur:      copyMap(c.totalRequestsDur),
		RequestErrors:         copyMap(c.requestErrors),
		StreamsByOutcome:      copyMap(c.streamsByOutcome),
		StreamsInFlight:       c.streamsInFlight,
		StreamDurationMS:      c.streamDurationMS,
		TotalPromptTokens:     c.totalPromptTokens,
		TotalCompletionTokens: c.totalCompletionTokens,
		TokensByModel:         copyMap(c.tokensByModel),
		CostByModel:           copyFloatMap(c.costByModel),
		ProviderErrors:        copyMap(c.providerErrors),
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	result := make(map[string]float64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
