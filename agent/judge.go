package agent

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dshills/agentrun-go/agent/model"
)

// Evaluation is the judge's answer for one node visit.
type Evaluation struct {
	Verdict  Verdict
	Feedback string

	// ViolatedConstraints lists constraint ids the outputs violate.
	// A violated hard constraint aborts the run.
	ViolatedConstraints []string

	// Confidence in [0,1]; meaningful for LLM-backed judges.
	Confidence float64
}

// Judge adjudicates a node's proposed outputs against the goal.
// Evaluate must be pure with respect to its inputs.
type Judge interface {
	Evaluate(ctx context.Context, node *Node, mem *Memory, goal *Goal) (Evaluation, error)
}

// Rule is one deterministic adjudication rule. Rules run before any
// LLM fallback, cheapest checks first.
type Rule struct {
	ID       string
	Priority int // lower runs first

	// Evaluate returns the rule's evaluation and whether the rule
	// applies to this node at all.
	Evaluate func(node *Node, outputs map[string]interface{}, goal *Goal) (Evaluation, bool)
}

// ConstraintCheck decides whether a constraint is violated by the
// current memory. Registered per constraint category.
type ConstraintCheck func(c Constraint, outputs map[string]interface{}) bool

// CriteriaJudge adjudicates from the goal's success criteria alone:
// ACCEPT when every applicable criterion is met and no hard constraint
// is violated, RETRY with feedback naming the first failed criterion
// otherwise.
type CriteriaJudge struct {
	checks map[string]ConstraintCheck // by constraint category
}

// NewCriteriaJudge creates a criteria-driven judge.
func NewCriteriaJudge() *CriteriaJudge {
	return &CriteriaJudge{checks: make(map[string]ConstraintCheck)}
}

// RegisterConstraintCheck installs the violation check for a
// constraint category. Constraints in unchecked categories are
// assumed satisfied.
func (j *CriteriaJudge) RegisterConstraintCheck(category string, check ConstraintCheck) {
	j.checks[category] = check
}

// Evaluate implements Judge.
func (j *CriteriaJudge) Evaluate(_ context.Context, node *Node, mem *Memory, goal *Goal) (Evaluation, error) {
	outputs := mem.Snapshot()

	var violated []string
	hard := false
	for _, c := range goal.Constraints {
		check, ok := j.checks[c.Category]
		if !ok || !check(c, outputs) {
			continue
		}
		violated = append(violated, c.ID)
		if c.Kind == ConstraintHard {
			hard = true
		}
	}
	if hard {
		return Evaluation{
			Verdict:             VerdictEscalate,
			Feedback:            "hard constraint violated: " + strings.Join(violated, ", "),
			ViolatedConstraints: violated,
			Confidence:          1,
		}, nil
	}

	for _, c := range goal.CriteriaFor(node.OutputKeys) {
		if met, why := criterionMet(c, outputs); !met {
			return Evaluation{
				Verdict:             VerdictRetry,
				Feedback:            "criterion " + c.ID + " unmet: " + why,
				ViolatedConstraints: violated,
				Confidence:          1,
			}, nil
		}
	}

	return Evaluation{Verdict: VerdictAccept, ViolatedConstraints: violated, Confidence: 1}, nil
}

func criterionMet(c SuccessCriterion, outputs map[string]interface{}) (bool, string) {
	if c.Metric == "" {
		return true, ""
	}
	v, ok := outputs[c.Metric]
	if !ok {
		return false, c.Metric + " is not set"
	}
	text := fmt.Sprintf("%v", v)
	if text == "" {
		return false, c.Metric + " is empty"
	}
	if c.Target != "" && text != c.Target {
		return false, c.Metric + " does not match the target"
	}
	return true, ""
}

// LLMJudge asks a chat model to adjudicate and parses a line-oriented
// answer:
//
//	ACTION: ACCEPT | RETRY | ESCALATE | CONTINUE
//	CONFIDENCE: 0.0 - 1.0
//	REASONING: free text
//	FEEDBACK: free text (required for RETRY)
//
// Answers below the confidence threshold escalate rather than being
// trusted.
type LLMJudge struct {
	model     model.ChatModel
	threshold float64
}

// DefaultConfidenceThreshold is the minimum confidence an LLM verdict
// needs to be acted on.
const DefaultConfidenceThreshold = 0.5

// NewLLMJudge creates a judge backed by the given chat model.
func NewLLMJudge(m model.ChatModel) *LLMJudge {
	return &LLMJudge{model: m, threshold: DefaultConfidenceThreshold}
}

// WithConfidenceThreshold sets the minimum trusted confidence.
func (j *LLMJudge) WithConfidenceThreshold(t float64) *LLMJudge {
	j.threshold = t
	return j
}

// Evaluate implements Judge.
func (j *LLMJudge) Evaluate(ctx context.Context, node *Node, mem *Memory, goal *Goal) (Evaluation, error) {
	prompt := j.composePrompt(node, mem.Snapshot(), goal)
	out, err := j.model.Chat(ctx, []model.Message{
		{Role: model.RoleSystem, Content: judgeSystemPrompt},
		{Role: model.RoleUser, Content: prompt},
	}, nil)
	if err != nil {
		return Evaluation{}, &Error{Code: CodeLLMUnavailable, Message: "judge model call failed", NodeID: node.ID, Cause: err}
	}

	eval := parseJudgeAnswer(out.Text)
	if !eval.Verdict.Valid() {
		return Evaluation{
			Verdict:    VerdictEscalate,
			Feedback:   "judge answer had no recognizable verdict",
			Confidence: 0,
		}, nil
	}
	if eval.Confidence < j.threshold {
		return Evaluation{
			Verdict:    VerdictEscalate,
			Feedback:   "judge confidence too low to act on",
			Confidence: eval.Confidence,
		}, nil
	}
	return eval, nil
}

const judgeSystemPrompt = `You are a strict evaluator. Given a goal, its success criteria, and a node's outputs, respond with exactly these lines:
ACTION: one of ACCEPT, RETRY, ESCALATE, CONTINUE
CONFIDENCE: a number between 0.0 and 1.0
REASONING: one or two sentences
FEEDBACK: concrete guidance for the next attempt (required when ACTION is RETRY)`

func (j *LLMJudge) composePrompt(node *Node, outputs map[string]interface{}, goal *Goal) string {
	var b strings.Builder
	b.WriteString("Goal: " + goal.Description + "\n")
	for _, c := range goal.CriteriaFor(node.OutputKeys) {
		b.WriteString("Criterion " + c.ID + ": " + c.Description + "\n")
	}
	for _, c := range goal.Constraints {
		b.WriteString("Constraint " + c.ID + " (" + string(c.Kind) + "): " + c.Description + "\n")
	}
	b.WriteString("\nNode " + node.ID + " outputs:\n")

	keys := append([]string(nil), node.OutputKeys...)
	sort.Strings(keys)
	for _, k := range keys {
		if v, ok := outputs[k]; ok {
			b.WriteString(fmt.Sprintf("  %s: %v\n", k, v))
		} else {
			b.WriteString("  " + k + ": (not set)\n")
		}
	}
	return b.String()
}

// parseJudgeAnswer extracts the structured fields from a judge reply.
// Unknown lines are ignored; a missing CONFIDENCE defaults to 1 so
// rule-following models without the line still work.
func parseJudgeAnswer(text string) Evaluation {
	eval := Evaluation{Confidence: 1}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "ACTION:"):
			v := Verdict(strings.TrimSpace(strings.TrimPrefix(line, "ACTION:")))
			if v.Valid() {
				eval.Verdict = v
			}
		case strings.HasPrefix(line, "CONFIDENCE:"):
			raw := strings.TrimSpace(strings.TrimPrefix(line, "CONFIDENCE:"))
			if f, err := strconv.ParseFloat(raw, 64); err == nil && f >= 0 && f <= 1 {
				eval.Confidence = f
			}
		case strings.HasPrefix(line, "FEEDBACK:"):
			eval.Feedback = strings.TrimSpace(strings.TrimPrefix(line, "FEEDBACK:"))
		}
	}
	return eval
}

// CompositeJudge runs deterministic rules in priority order and falls
// back to another judge when no rule applies.
type CompositeJudge struct {
	rules    []Rule
	fallback Judge
}

// NewCompositeJudge creates a rules-first judge. Fallback may be nil,
// in which case an inapplicable rule set yields ACCEPT.
func NewCompositeJudge(fallback Judge, rules ...Rule) *CompositeJudge {
	sorted := append([]Rule(nil), rules...)
	sort.SliceStable(sorted, func(i, k int) bool { return sorted[i].Priority < sorted[k].Priority })
	return &CompositeJudge{rules: sorted, fallback: fallback}
}

// Evaluate implements Judge.
func (j *CompositeJudge) Evaluate(ctx context.Context, node *Node, mem *Memory, goal *Goal) (Evaluation, error) {
	outputs := mem.Snapshot()
	for _, r := range j.rules {
		if eval, applies := r.Evaluate(node, outputs, goal); applies {
			return eval, nil
		}
	}
	if j.fallback == nil {
		return Evaluation{Verdict: VerdictAccept, Confidence: 1}, nil
	}
	return j.fallback.Evaluate(ctx, node, mem, goal)
}
