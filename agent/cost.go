package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/dshills/agentrun-go/agent/model"
)

// ModelPricing is the USD cost per one million input and output tokens.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Static pricing for the major providers. Prices drift; override with
// SetPricing when they do or when an enterprise rate applies.
var defaultPricing = map[string]ModelPricing{
	"gpt-4o":                     {InputPer1M: 2.50, OutputPer1M: 10.00},
	"gpt-4o-mini":                {InputPer1M: 0.15, OutputPer1M: 0.60},
	"gpt-4-turbo":                {InputPer1M: 10.00, OutputPer1M: 30.00},
	"gpt-3.5-turbo":              {InputPer1M: 0.50, OutputPer1M: 1.50},
	"claude-3-5-sonnet-20241022": {InputPer1M: 3.00, OutputPer1M: 15.00},
	"claude-3-opus-20240229":     {InputPer1M: 15.00, OutputPer1M: 75.00},
	"claude-3-haiku-20240307":    {InputPer1M: 0.25, OutputPer1M: 1.25},
	"gemini-1.5-pro":             {InputPer1M: 1.25, OutputPer1M: 5.00},
	"gemini-1.5-flash":           {InputPer1M: 0.075, OutputPer1M: 0.30},
}

// LLMCall is one recorded completion with its attributed cost.
type LLMCall struct {
	NodeID       string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	At           time.Time
}

// CostTracker accumulates token usage and dollar cost for one model
// across a run. An unknown model records tokens with zero cost rather
// than failing the run.
//
// Safe for concurrent use; parallel branches record through the same
// tracker.
type CostTracker struct {
	modelName string

	mu           sync.RWMutex
	pricing      map[string]ModelPricing
	calls        []LLMCall
	totalCost    float64
	inputTokens  int64
	outputTokens int64
}

// NewCostTracker creates a tracker for the named model using the static
// pricing table.
func NewCostTracker(modelName string) *CostTracker {
	pricing := make(map[string]ModelPricing, len(defaultPricing))
	for k, v := range defaultPricing {
		pricing[k] = v
	}
	return &CostTracker{modelName: modelName, pricing: pricing}
}

// SetPricing overrides the per-token price for a model.
func (ct *CostTracker) SetPricing(modelName string, p ModelPricing) {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	ct.pricing[modelName] = p
}

// Record accumulates one completion's usage, attributed to a node.
func (ct *CostTracker) Record(nodeID string, u model.Usage) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	p := ct.pricing[ct.modelName] // zero pricing for unknown models
	cost := float64(u.PromptTokens)/1_000_000*p.InputPer1M +
		float64(u.CompletionTokens)/1_000_000*p.OutputPer1M

	ct.calls = append(ct.calls, LLMCall{
		NodeID:       nodeID,
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		CostUSD:      cost,
		At:           time.Now().UTC(),
	})
	ct.totalCost += cost
	ct.inputTokens += int64(u.PromptTokens)
	ct.outputTokens += int64(u.CompletionTokens)
}

// TotalCost returns the accumulated cost in USD.
func (ct *CostTracker) TotalCost() float64 {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.totalCost
}

// TokenUsage returns total input and output token counts.
func (ct *CostTracker) TokenUsage() (input, output int64) {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.inputTokens, ct.outputTokens
}

// Calls returns a copy of the recorded call history.
func (ct *CostTracker) Calls() []LLMCall {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	calls := make([]LLMCall, len(ct.calls))
	copy(calls, ct.calls)
	return calls
}

// String summarizes the tracker for logs and debugging.
func (ct *CostTracker) String() string {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return fmt.Sprintf("CostTracker{model: %s, calls: %d, cost: $%.4f, in: %d, out: %d}",
		ct.modelName, len(ct.calls), ct.totalCost, ct.inputTokens, ct.outputTokens)
}

func (ex *Executor) recordCost(nodeID string, u model.Usage) {
	if ex.costs == nil {
		return
	}
	ex.costs.Record(nodeID, u)
}
