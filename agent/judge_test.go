package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/dshills/agentrun-go/agent/model"
)

func judgeNode() *Node {
	return &Node{ID: "writer", Kind: KindEventLoop, OutputKeys: []string{"summary"}}
}

func TestCriteriaJudge(t *testing.T) {
	ctx := context.Background()
	goal := &Goal{
		ID:          "g",
		Description: "write a summary",
		SuccessCriteria: []SuccessCriterion{
			{ID: "c1", Description: "summary present", Metric: "summary"},
		},
	}

	t.Run("accepts when criteria are met", func(t *testing.T) {
		mem := NewMemory(nil)
		mem.Write("writer", "summary", "a fine summary")

		eval, err := NewCriteriaJudge().Evaluate(ctx, judgeNode(), mem, goal)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if eval.Verdict != VerdictAccept {
			t.Errorf("Verdict = %s, want ACCEPT", eval.Verdict)
		}
	})

	t.Run("retries with feedback naming the criterion", func(t *testing.T) {
		mem := NewMemory(nil)
		mem.Write("writer", "summary", "")

		eval, err := NewCriteriaJudge().Evaluate(ctx, judgeNode(), mem, goal)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if eval.Verdict != VerdictRetry {
			t.Errorf("Verdict = %s, want RETRY", eval.Verdict)
		}
		if !strings.Contains(eval.Feedback, "c1") {
			t.Errorf("Feedback = %q, want the criterion id in it", eval.Feedback)
		}
	})

	t.Run("criteria scoped to other nodes are ignored", func(t *testing.T) {
		scoped := &Goal{
			ID:          "g",
			Description: "two outputs",
			SuccessCriteria: []SuccessCriterion{
				{ID: "other", Description: "someone else's key", Metric: "report"},
			},
		}
		eval, err := NewCriteriaJudge().Evaluate(ctx, judgeNode(), NewMemory(nil), scoped)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if eval.Verdict != VerdictAccept {
			t.Errorf("Verdict = %s, want ACCEPT for out-of-scope criterion", eval.Verdict)
		}
	})

	t.Run("hard constraint violation escalates", func(t *testing.T) {
		constrained := &Goal{
			ID:          "g",
			Description: "stay under budget",
			Constraints: []Constraint{
				{ID: "budget", Description: "spend nothing", Kind: ConstraintHard, Category: "spend"},
			},
		}
		j := NewCriteriaJudge()
		j.RegisterConstraintCheck("spend", func(c Constraint, outputs map[string]interface{}) bool {
			return true // always violated
		})

		eval, err := j.Evaluate(ctx, judgeNode(), NewMemory(nil), constrained)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if eval.Verdict != VerdictEscalate {
			t.Errorf("Verdict = %s, want ESCALATE", eval.Verdict)
		}
		if len(eval.ViolatedConstraints) != 1 || eval.ViolatedConstraints[0] != "budget" {
			t.Errorf("ViolatedConstraints = %v, want [budget]", eval.ViolatedConstraints)
		}
	})

	t.Run("unchecked constraint categories are assumed satisfied", func(t *testing.T) {
		constrained := &Goal{
			ID:          "g",
			Description: "x",
			Constraints: []Constraint{
				{ID: "c", Description: "x", Kind: ConstraintHard, Category: "unchecked"},
			},
		}
		eval, err := NewCriteriaJudge().Evaluate(ctx, judgeNode(), NewMemory(nil), constrained)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if eval.Verdict != VerdictAccept {
			t.Errorf("Verdict = %s, want ACCEPT", eval.Verdict)
		}
	})
}

func TestParseJudgeAnswer(t *testing.T) {
	tests := []struct {
		name           string
		text           string
		wantVerdict    Verdict
		wantConfidence float64
		wantFeedback   string
	}{
		{
			name:           "full answer",
			text:           "ACTION: RETRY\nCONFIDENCE: 0.8\nREASONING: too short\nFEEDBACK: add detail",
			wantVerdict:    VerdictRetry,
			wantConfidence: 0.8,
			wantFeedback:   "add detail",
		},
		{
			name:           "missing confidence defaults to one",
			text:           "ACTION: ACCEPT",
			wantVerdict:    VerdictAccept,
			wantConfidence: 1,
		},
		{
			name:           "unknown action ignored",
			text:           "ACTION: MAYBE\nCONFIDENCE: 0.9",
			wantVerdict:    "",
			wantConfidence: 0.9,
		},
		{
			name:           "out of range confidence ignored",
			text:           "ACTION: ACCEPT\nCONFIDENCE: 7",
			wantVerdict:    VerdictAccept,
			wantConfidence: 1,
		},
		{
			name:           "leading whitespace tolerated",
			text:           "  ACTION: ESCALATE\n  CONFIDENCE: 0.95",
			wantVerdict:    VerdictEscalate,
			wantConfidence: 0.95,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := parseJudgeAnswer(tt.text)
			if eval.Verdict != tt.wantVerdict {
				t.Errorf("Verdict = %q, want %q", eval.Verdict, tt.wantVerdict)
			}
			if eval.Confidence != tt.wantConfidence {
				t.Errorf("Confidence = %v, want %v", eval.Confidence, tt.wantConfidence)
			}
			if eval.Feedback != tt.wantFeedback {
				t.Errorf("Feedback = %q, want %q", eval.Feedback, tt.wantFeedback)
			}
		})
	}
}

func TestLLMJudge(t *testing.T) {
	ctx := context.Background()
	goal := &Goal{ID: "g", Description: "x"}

	t.Run("trusts a confident verdict", func(t *testing.T) {
		mock := &model.MockChatModel{Responses: []model.ChatOut{
			{Text: "ACTION: ACCEPT\nCONFIDENCE: 0.9"},
		}}
		eval, err := NewLLMJudge(mock).Evaluate(ctx, judgeNode(), NewMemory(nil), goal)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if eval.Verdict != VerdictAccept {
			t.Errorf("Verdict = %s, want ACCEPT", eval.Verdict)
		}
	})

	t.Run("low confidence escalates instead of acting", func(t *testing.T) {
		mock := &model.MockChatModel{Responses: []model.ChatOut{
			{Text: "ACTION: ACCEPT\nCONFIDENCE: 0.2"},
		}}
		eval, err := NewLLMJudge(mock).Evaluate(ctx, judgeNode(), NewMemory(nil), goal)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if eval.Verdict != VerdictEscalate {
			t.Errorf("Verdict = %s, want ESCALATE on low confidence", eval.Verdict)
		}
	})

	t.Run("garbled answer escalates", func(t *testing.T) {
		mock := &model.MockChatModel{Responses: []model.ChatOut{
			{Text: "I think it looks good!"},
		}}
		eval, err := NewLLMJudge(mock).Evaluate(ctx, judgeNode(), NewMemory(nil), goal)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if eval.Verdict != VerdictEscalate {
			t.Errorf("Verdict = %s, want ESCALATE on unparseable answer", eval.Verdict)
		}
	})

	t.Run("model failure is an error", func(t *testing.T) {
		mock := &model.MockChatModel{Err: context.DeadlineExceeded}
		_, err := NewLLMJudge(mock).Evaluate(ctx, judgeNode(), NewMemory(nil), goal)
		if !IsCode(err, CodeLLMUnavailable) {
			t.Errorf("Evaluate() error = %v, want LLMUnavailable", err)
		}
	})
}

func TestCompositeJudgeRulePriority(t *testing.T) {
	ctx := context.Background()
	goal := &Goal{ID: "g", Description: "x"}

	applies := func(v Verdict) func(*Node, map[string]interface{}, *Goal) (Evaluation, bool) {
		return func(*Node, map[string]interface{}, *Goal) (Evaluation, bool) {
			return Evaluation{Verdict: v, Confidence: 1}, true
		}
	}
	never := func(*Node, map[string]interface{}, *Goal) (Evaluation, bool) {
		return Evaluation{}, false
	}

	t.Run("lowest priority rule wins", func(t *testing.T) {
		j := NewCompositeJudge(nil,
			Rule{ID: "late", Priority: 10, Evaluate: applies(VerdictRetry)},
			Rule{ID: "early", Priority: 1, Evaluate: applies(VerdictEscalate)},
		)
		eval, err := j.Evaluate(ctx, judgeNode(), NewMemory(nil), goal)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if eval.Verdict != VerdictEscalate {
			t.Errorf("Verdict = %s, want the priority-1 rule's ESCALATE", eval.Verdict)
		}
	})

	t.Run("falls back when no rule applies", func(t *testing.T) {
		mock := &model.MockChatModel{Responses: []model.ChatOut{
			{Text: "ACTION: RETRY\nCONFIDENCE: 0.9\nFEEDBACK: more"},
		}}
		j := NewCompositeJudge(NewLLMJudge(mock), Rule{ID: "noop", Priority: 0, Evaluate: never})
		eval, err := j.Evaluate(ctx, judgeNode(), NewMemory(nil), goal)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if eval.Verdict != VerdictRetry {
			t.Errorf("Verdict = %s, want the fallback's RETRY", eval.Verdict)
		}
	})

	t.Run("nil fallback accepts", func(t *testing.T) {
		j := NewCompositeJudge(nil, Rule{ID: "noop", Priority: 0, Evaluate: never})
		eval, err := j.Evaluate(ctx, judgeNode(), NewMemory(nil), goal)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if eval.Verdict != VerdictAccept {
			t.Errorf("Verdict = %s, want ACCEPT", eval.Verdict)
		}
	})
}

func TestVerdictStrongest(t *testing.T) {
	tests := []struct {
		a, b, want Verdict
	}{
		{VerdictAccept, VerdictRetry, VerdictRetry},
		{VerdictRetry, VerdictEscalate, VerdictEscalate},
		{VerdictContinue, VerdictAccept, VerdictAccept},
		{VerdictEscalate, VerdictAccept, VerdictEscalate},
		{VerdictAccept, VerdictAccept, VerdictAccept},
	}
	for _, tt := range tests {
		if got := Strongest(tt.a, tt.b); got != tt.want {
			t.Errorf("Strongest(%s, %s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}
