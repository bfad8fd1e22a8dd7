package runlog

import "time"

// Attention categories reported on summaries and node roll-ups.
const (
	AttentionRetries  = "high_retry_count"
	AttentionEscalate = "high_escalate_count"
	AttentionLatency  = "high_latency"
	AttentionTokens   = "high_token_usage"
	AttentionSteps    = "high_step_count"
)

// Thresholds decide when a run needs operator attention.
type Thresholds struct {
	MaxRetries   int
	MaxEscalates int
	MaxLatency   time.Duration
	MaxTokens    int
	MaxSteps     int
}

// DefaultThresholds returns the standard attention thresholds: more than
// 3 retries, more than 2 escalations, over 60 seconds, over 100000
// tokens, or more than 20 steps.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxRetries:   3,
		MaxEscalates: 2,
		MaxLatency:   60 * time.Second,
		MaxTokens:    100000,
		MaxSteps:     20,
	}
}

// Categories returns the attention categories tripped by the given run
// totals, in a fixed order. An empty result means no attention needed.
func (t Thresholds) Categories(retries, escalates int, latency time.Duration, tokens, steps int) []string {
	var categories []string
	if retries > t.MaxRetries {
		categories = append(categories, AttentionRetries)
	}
	if escalates > t.MaxEscalates {
		categories = append(categories, AttentionEscalate)
	}
	if latency > t.MaxLatency {
		categories = append(categories, AttentionLatency)
	}
	if tokens > t.MaxTokens {
		categories = append(categories, AttentionTokens)
	}
	if steps > t.MaxSteps {
		categories = append(categories, AttentionSteps)
	}
	return categories
}
