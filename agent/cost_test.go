package agent

import (
	"context"
	"math"
	"testing"

	"github.com/dshills/agentrun-go/agent/model"
	"github.com/dshills/agentrun-go/agent/session"
	"github.com/dshills/agentrun-go/agent/tool"
)

func TestCostTracker(t *testing.T) {
	t.Run("priced model accumulates dollars", func(t *testing.T) {
		ct := NewCostTracker("gpt-4o")
		ct.Record("plan", model.Usage{PromptTokens: 1_000_000, CompletionTokens: 500_000})

		// 1M in at $2.50 + 0.5M out at $10.00
		want := 2.50 + 5.00
		if got := ct.TotalCost(); math.Abs(got-want) > 1e-9 {
			t.Errorf("TotalCost() = %v, want %v", got, want)
		}

		in, out := ct.TokenUsage()
		if in != 1_000_000 || out != 500_000 {
			t.Errorf("TokenUsage() = %d, %d", in, out)
		}
	})

	t.Run("unknown model records tokens at zero cost", func(t *testing.T) {
		ct := NewCostTracker("local-llama")
		ct.Record("plan", model.Usage{PromptTokens: 100, CompletionTokens: 100})

		if got := ct.TotalCost(); got != 0 {
			t.Errorf("TotalCost() = %v, want 0", got)
		}
		if in, _ := ct.TokenUsage(); in != 100 {
			t.Errorf("input tokens = %d, want 100", in)
		}
	})

	t.Run("custom pricing overrides the table", func(t *testing.T) {
		ct := NewCostTracker("local-llama")
		ct.SetPricing("local-llama", ModelPricing{InputPer1M: 1, OutputPer1M: 2})
		ct.Record("plan", model.Usage{PromptTokens: 1_000_000})

		if got := ct.TotalCost(); math.Abs(got-1) > 1e-9 {
			t.Errorf("TotalCost() = %v, want 1", got)
		}
	})

	t.Run("calls carry node attribution", func(t *testing.T) {
		ct := NewCostTracker("gpt-4o")
		ct.Record("plan", model.Usage{PromptTokens: 10})
		ct.Record("act", model.Usage{PromptTokens: 20})

		calls := ct.Calls()
		if len(calls) != 2 || calls[0].NodeID != "plan" || calls[1].NodeID != "act" {
			t.Errorf("Calls() = %+v", calls)
		}
	})
}

func TestPeriodicCheckpoints(t *testing.T) {
	ctx := context.Background()

	search := &tool.MockTool{ToolName: "search_web"}
	registry := tool.NewRegistry()
	if err := registry.Register(search, tool.Spec{Name: "search_web", Description: "search"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	g := summaryGraph(KindEventLoop)
	g.Nodes[0].Tools = []string{"search_web"}

	mock := &model.MockChatModel{Responses: []model.ChatOut{
		{ToolCalls: []model.ToolCall{{ID: "s1", Name: "search_web", Input: map[string]interface{}{"q": "a"}}}},
		{ToolCalls: []model.ToolCall{{ID: "s2", Name: "search_web", Input: map[string]interface{}{"q": "b"}}}},
		setOutput("t1", map[string]interface{}{"summary": "ok"}),
	}}
	sessions := session.NewMemStore()
	ct := NewCostTracker("gpt-4o")

	ex, err := New("summarizer", g, summaryGoal(), mock, registry,
		WithSessionStore(sessions), WithCheckpointInterval(1), WithCostTracker(ct))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := ex.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != session.StatusCompleted {
		t.Fatalf("Status = %q, want completed", res.Status)
	}

	sess, err := sessions.Load(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	periodic := 0
	for _, cp := range sess.Checkpoints {
		if cp.Kind == session.CheckpointPeriodic {
			periodic++
		}
	}
	// Three LLM steps with an every-step interval: checkpoints before
	// steps two and three.
	if periodic != 2 {
		t.Errorf("periodic checkpoints = %d, want 2", periodic)
	}

	if len(ct.Calls()) != 3 {
		t.Errorf("cost tracker recorded %d calls, want 3", len(ct.Calls()))
	}
}
