package runlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func logsUnderTest(t *testing.T) map[string]Log {
	t.Helper()
	sqlite, err := NewSQLiteLog(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteLog() error = %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Log{
		"mem":    NewMemLog(),
		"sqlite": sqlite,
	}
}

func TestLogContract(t *testing.T) {
	ctx := context.Background()

	for name, log := range logsUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			t.Run("step numbers are a total order per run", func(t *testing.T) {
				runID := "run-order-" + name
				if err := log.BeginRun(ctx, runID, "agent"); err != nil {
					t.Fatalf("BeginRun() error = %v", err)
				}

				for i := 0; i < 5; i++ {
					step := &Step{RunID: runID, NodeID: "plan"}
					if err := log.Append(ctx, step); err != nil {
						t.Fatalf("Append() error = %v", err)
					}
					if step.StepNo != i+1 {
						t.Errorf("StepNo = %d, want %d", step.StepNo, i+1)
					}
				}
			})

			t.Run("concurrent appends never collide", func(t *testing.T) {
				runID := "run-conc-" + name
				_ = log.BeginRun(ctx, runID, "agent")

				var wg sync.WaitGroup
				for i := 0; i < 20; i++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						if err := log.Append(ctx, &Step{RunID: runID, NodeID: "branch"}); err != nil {
							t.Errorf("Append() error = %v", err)
						}
					}()
				}
				wg.Wait()

				steps, err := log.Steps(ctx, runID, "")
				if err != nil {
					t.Fatalf("Steps() error = %v", err)
				}
				seen := make(map[int]bool)
				for _, step := range steps {
					if seen[step.StepNo] {
						t.Errorf("duplicate step number %d", step.StepNo)
					}
					seen[step.StepNo] = true
				}
				if len(steps) != 20 {
					t.Errorf("got %d steps, want 20", len(steps))
				}
			})

			t.Run("L3 filters by node in step order", func(t *testing.T) {
				runID := "run-l3-" + name
				_ = log.BeginRun(ctx, runID, "agent")
				_ = log.Append(ctx, &Step{RunID: runID, NodeID: "plan", LLMText: "thinking"})
				_ = log.Append(ctx, &Step{RunID: runID, NodeID: "act", ToolCalls: []ToolCallRecord{
					{ID: "t1", Name: "search_web", Result: "ok"},
				}})
				_ = log.Append(ctx, &Step{RunID: runID, NodeID: "plan", Verdict: "ACCEPT"})

				steps, err := log.Steps(ctx, runID, "plan")
				if err != nil {
					t.Fatalf("Steps() error = %v", err)
				}
				if len(steps) != 2 || steps[0].StepNo >= steps[1].StepNo {
					t.Errorf("Steps(plan) = %+v", steps)
				}

				actSteps, _ := log.Steps(ctx, runID, "act")
				if len(actSteps) != 1 || len(actSteps[0].ToolCalls) != 1 {
					t.Errorf("Steps(act) = %+v", actSteps)
				}
				if actSteps[0].ToolCalls[0].Name != "search_web" {
					t.Errorf("tool call did not round trip: %+v", actSteps[0].ToolCalls)
				}
			})

			t.Run("L2 rolls up verdicts and exit status", func(t *testing.T) {
				runID := "run-l2-" + name
				_ = log.BeginRun(ctx, runID, "agent")
				_ = log.Append(ctx, &Step{RunID: runID, NodeID: "loop", NodeType: "event_loop", Verdict: "RETRY", InputTokens: 100, OutputTokens: 50})
				_ = log.Append(ctx, &Step{RunID: runID, NodeID: "loop", NodeType: "event_loop", Verdict: "CONTINUE"})
				_ = log.Append(ctx, &Step{RunID: runID, NodeID: "loop", NodeType: "event_loop", Verdict: "ACCEPT"})

				details, err := log.NodeDetails(ctx, runID)
				if err != nil {
					t.Fatalf("NodeDetails() error = %v", err)
				}
				if len(details) != 1 {
					t.Fatalf("NodeDetails() = %d nodes, want 1", len(details))
				}
				d := details[0]
				if d.ExitStatus != "success" {
					t.Errorf("ExitStatus = %q, want success", d.ExitStatus)
				}
				if d.RetryCount != 1 || d.VerdictCounts["ACCEPT"] != 1 || d.VerdictCounts["CONTINUE"] != 1 {
					t.Errorf("verdict counts = %+v", d.VerdictCounts)
				}
				if d.Tokens != 150 {
					t.Errorf("Tokens = %d, want 150", d.Tokens)
				}
			})

			t.Run("L1 flags attention on token blowup", func(t *testing.T) {
				runID := "run-l1-" + name
				_ = log.BeginRun(ctx, runID, "greedy-agent")
				_ = log.Append(ctx, &Step{RunID: runID, NodeID: "loop", InputTokens: 90000, OutputTokens: 20000})
				_ = log.EndRun(ctx, runID, "completed")

				summaries, err := log.Summaries(ctx)
				if err != nil {
					t.Fatalf("Summaries() error = %v", err)
				}

				var found *RunSummary
				for i := range summaries {
					if summaries[i].RunID == runID {
						found = &summaries[i]
					}
				}
				if found == nil {
					t.Fatal("run missing from summaries")
				}
				if !found.NeedsAttention {
					t.Error("110k tokens should need attention")
				}
				if !contains(found.AttentionCategories, AttentionTokens) {
					t.Errorf("categories = %v, want %s", found.AttentionCategories, AttentionTokens)
				}
				if found.Status != "completed" {
					t.Errorf("Status = %q", found.Status)
				}
			})

			t.Run("truncate discards steps after the cut", func(t *testing.T) {
				runID := "run-trunc-" + name
				_ = log.BeginRun(ctx, runID, "agent")

				base := time.Now().UTC().Add(-time.Minute)
				for i := 0; i < 4; i++ {
					_ = log.Append(ctx, &Step{RunID: runID, NodeID: "plan",
						At: base.Add(time.Duration(i) * time.Second)})
				}

				if err := log.Truncate(ctx, runID, base.Add(time.Second)); err != nil {
					t.Fatalf("Truncate() error = %v", err)
				}

				steps, err := log.Steps(ctx, runID, "")
				if err != nil {
					t.Fatalf("Steps() error = %v", err)
				}
				if len(steps) != 2 {
					t.Fatalf("got %d steps after truncate, want 2", len(steps))
				}

				// New appends continue the numbering past the survivors.
				next := &Step{RunID: runID, NodeID: "plan"}
				if err := log.Append(ctx, next); err != nil {
					t.Fatalf("Append() after truncate error = %v", err)
				}
				if next.StepNo <= steps[len(steps)-1].StepNo {
					t.Errorf("StepNo = %d, want greater than %d", next.StepNo, steps[len(steps)-1].StepNo)
				}

				if err := log.Truncate(ctx, "never-begun", base); !errors.Is(err, ErrRunNotFound) {
					t.Errorf("Truncate() unknown run error = %v, want ErrRunNotFound", err)
				}
			})

			t.Run("unknown run is ErrRunNotFound", func(t *testing.T) {
				if _, err := log.Steps(ctx, "never-begun", ""); !errors.Is(err, ErrRunNotFound) {
					t.Errorf("Steps() error = %v, want ErrRunNotFound", err)
				}
				if err := log.Append(ctx, &Step{RunID: "never-begun"}); err == nil {
					if name == "mem" {
						t.Error("Append() to unknown run should fail")
					}
				}
			})
		})
	}
}

func TestThresholds(t *testing.T) {
	th := DefaultThresholds()

	tests := []struct {
		name      string
		retries   int
		escalates int
		latency   time.Duration
		tokens    int
		steps     int
		want      []string
	}{
		{"clean run", 0, 0, time.Second, 500, 3, nil},
		{"at the limits is fine", 3, 2, 60 * time.Second, 100000, 20, nil},
		{"retry blowup", 4, 0, time.Second, 0, 0, []string{AttentionRetries}},
		{"escalate blowup", 0, 3, time.Second, 0, 0, []string{AttentionEscalate}},
		{"slow run", 0, 0, 61 * time.Second, 0, 0, []string{AttentionLatency}},
		{"everything wrong", 10, 10, time.Hour, 999999, 99, []string{
			AttentionRetries, AttentionEscalate, AttentionLatency, AttentionTokens, AttentionSteps,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := th.Categories(tt.retries, tt.escalates, tt.latency, tt.tokens, tt.steps)
			if len(got) != len(tt.want) {
				t.Fatalf("Categories() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Categories()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestExitStatus(t *testing.T) {
	tests := []struct {
		name  string
		steps []Step
		want  string
	}{
		{"accept ends in success", []Step{{Verdict: "RETRY"}, {Verdict: "ACCEPT"}}, "success"},
		{"escalate", []Step{{Verdict: "ESCALATE"}}, "escalated"},
		{"trailing error is failure", []Step{{Verdict: "CONTINUE"}, {Error: "boom"}}, "failure"},
		{"no verdicts is single-shot success", []Step{{LLMText: "done"}}, "success"},
		{"retry without resolution is incomplete", []Step{{Verdict: "RETRY"}}, "incomplete"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitStatus(tt.steps); got != tt.want {
				t.Errorf("exitStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
