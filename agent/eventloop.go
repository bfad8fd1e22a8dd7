package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/agentrun-go/agent/emit"
	"github.com/dshills/agentrun-go/agent/model"
	"github.com/dshills/agentrun-go/agent/runlog"
	"github.com/dshills/agentrun-go/agent/tool"
)

// writeFunc commits an attributed memory write. Branch runs record
// writes for the merge instead of touching shared memory directly.
type writeFunc func(nodeID, key string, value interface{})

// visitResult is the outcome of one event-loop visit.
type visitResult struct {
	verdict        Verdict
	feedback       string
	suspended      bool   // awaiting user input
	question       string // the text shown to the user on suspension
	pauseRequested bool
	violated       []string // violated hard constraint ids
	err            error    // run-fatal
}

// eventLoop drives one visit of an event-loop node: compose prompt,
// call the LLM, dispatch tools, judge, decide. Its entire mutable
// state serializes into a VisitState so a suspended visit can resume
// as a continuation rather than a fresh visit.
type eventLoop struct {
	ex    *Executor
	ctrl  *runControl
	node  *Node
	mem   *Memory
	write writeFunc
	runID string

	conv         *Conversation
	feedback     []string
	step         int
	awaited      bool // user_input_request emitted this visit
	received     bool // user_input_received this visit
	sawSetOutput bool
	question     string

	// periodic writes an interval checkpoint of the visit; set by the
	// scheduler for top-level visits, nil inside parallel branches.
	periodic func() error
}

func (ex *Executor) newEventLoop(ctrl *runControl, node *Node, mem *Memory, write writeFunc, runID string) *eventLoop {
	loop := &eventLoop{
		ex:    ex,
		ctrl:  ctrl,
		node:  node,
		mem:   mem,
		write: write,
		runID: runID,
	}
	loop.conv = NewConversation(loop.composeSystemPrompt())
	return loop
}

// restoreEventLoop rebuilds a suspended visit from its serialized
// continuation.
func (ex *Executor) restoreEventLoop(ctrl *runControl, node *Node, mem *Memory, write writeFunc, runID string, vs *VisitState) *eventLoop {
	loop := &eventLoop{
		ex:           ex,
		ctrl:         ctrl,
		node:         node,
		mem:          mem,
		write:        write,
		runID:        runID,
		feedback:     vs.Feedback,
		step:         vs.Step,
		awaited:      vs.AwaitedUserInput,
		received:     vs.ReceivedUserInput,
		sawSetOutput: vs.SawSetOutput,
		question:     vs.PendingQuestion,
	}
	loop.conv = &Conversation{
		messages:   decodeMessages(vs.Messages),
		maxTokens:  DefaultConversationTokens,
		keepRecent: defaultKeepRecent,
	}
	return loop
}

// serialize captures the visit as a resumable continuation.
func (l *eventLoop) serialize() *VisitState {
	return &VisitState{
		NodeID:            l.node.ID,
		Step:              l.step,
		Feedback:          l.feedback,
		AwaitedUserInput:  l.awaited,
		ReceivedUserInput: l.received,
		SawSetOutput:      l.sawSetOutput,
		PendingQuestion:   l.question,
		Messages:          encodeMessages(l.conv.Messages()),
	}
}

// deliverUserInput feeds the user's answer into the suspended visit.
func (l *eventLoop) deliverUserInput(input string) {
	l.received = true
	l.question = ""
	l.conv.Add(model.Message{Role: model.RoleUser, Content: input})
	l.ex.emit(emit.Event{RunID: l.runID, NodeID: l.node.ID, Msg: emit.KindUserInputReceived})
	l.appendLog(&runlog.Step{RunID: l.runID, NodeID: l.node.ID, NodeType: string(l.node.Kind),
		LLMText: "user input received"})
}

// run executes the visit until a terminal condition. The whole visit
// is bounded by maxSteps times the step timeout.
func (l *eventLoop) run(ctx context.Context) visitResult {
	budget := time.Duration(l.node.maxSteps()) * l.ex.stepTimeout
	visitCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	for {
		// Inter-step boundary: the only suspension point besides a
		// user-input request.
		if l.ctrl.cancelRequested() {
			return visitResult{err: &Error{Code: CodeCancelled, Message: "run cancelled", NodeID: l.node.ID}}
		}
		if l.ctrl.pauseRequested() {
			return visitResult{pauseRequested: true}
		}
		if every := l.ex.checkpointEvery; every > 0 && l.periodic != nil && l.step > 0 && l.step%every == 0 {
			if err := l.periodic(); err != nil {
				return visitResult{err: err}
			}
		}

		l.step++
		if l.step > l.node.maxSteps() {
			return visitResult{
				verdict:  VerdictEscalate,
				feedback: "exhausted max steps per visit",
			}
		}

		if l.conv.CompactIfNeeded(l.node.OutputKeys) {
			l.ex.emit(emit.Event{RunID: l.runID, NodeID: l.node.ID, Msg: emit.KindCompaction})
		}

		out, err := await(visitCtx, l.ex.stepTimeout, l.ex.quiescence, func(c context.Context) (model.ChatOut, error) {
			return l.ex.model.Chat(c, l.conv.Messages(), l.toolSpecs())
		})
		if err != nil {
			if res, fatal := l.classifyCallFailure(ctx, visitCtx, err); fatal {
				return res
			}
			// Step-local failure: surface to the LLM and move on.
			l.conv.Add(model.Message{Role: model.RoleUser,
				Content: "The previous model call failed (" + publicErrText(err) + "). Continue from where you left off."})
			l.appendLog(&runlog.Step{RunID: l.runID, NodeID: l.node.ID, NodeType: string(l.node.Kind),
				Error: publicErrText(err)})
			continue
		}

		l.recordLLMStep(out)

		judgeNow := false
		if len(out.ToolCalls) > 0 {
			l.conv.Add(model.Message{Role: model.RoleAssistant, Content: out.Text, ToolCalls: out.ToolCalls})
			for _, call := range out.ToolCalls {
				if l.handleToolCall(visitCtx, call) {
					judgeNow = true
				}
			}
			// Ordinary tool results go back to the LLM for the next
			// step; a successful set_output goes straight to the judge.
			if !judgeNow {
				continue
			}
		} else {
			if l.node.Kind == KindClientFacing && !l.received {
				// The node must ask the user before setting outputs; its
				// plain text is the question.
				l.awaited = true
				l.question = out.Text
				l.conv.Add(model.Message{Role: model.RoleAssistant, Content: out.Text})
				l.ex.emit(emit.Event{RunID: l.runID, NodeID: l.node.ID, Msg: emit.KindUserInputRequest})
				l.appendLog(&runlog.Step{RunID: l.runID, NodeID: l.node.ID, NodeType: string(l.node.Kind),
					LLMText: "user input requested", Partial: true})
				return visitResult{suspended: true, question: out.Text}
			}
			l.conv.Add(model.Message{Role: model.RoleAssistant, Content: out.Text})
		}

		if l.sawSetOutput {
			if missing := l.missingRequiredKeys(); len(missing) > 0 {
				l.guardFailure("required output keys are not set: " + strings.Join(missing, ", "))
				continue
			}
		}

		eval, err := l.ex.judge.Evaluate(visitCtx, l.node, l.mem, l.ex.goal)
		if err != nil {
			if res, fatal := l.classifyCallFailure(ctx, visitCtx, err); fatal {
				return res
			}
			l.conv.Add(model.Message{Role: model.RoleUser,
				Content: "Evaluation failed (" + publicErrText(err) + "); continue improving the outputs."})
			continue
		}

		l.appendLog(&runlog.Step{RunID: l.runID, NodeID: l.node.ID, NodeType: string(l.node.Kind),
			Verdict: string(eval.Verdict), VerdictFeedback: eval.Feedback})
		l.ex.emit(emit.Event{RunID: l.runID, NodeID: l.node.ID, Msg: emit.KindVerdict,
			Meta: map[string]interface{}{"verdict": string(eval.Verdict)}})
		l.ex.metricVerdict(eval.Verdict)

		if hard := l.hardViolations(eval); len(hard) > 0 {
			return visitResult{violated: hard, feedback: eval.Feedback}
		}

		switch eval.Verdict {
		case VerdictAccept:
			return visitResult{verdict: VerdictAccept}
		case VerdictEscalate:
			return visitResult{verdict: VerdictEscalate, feedback: eval.Feedback}
		case VerdictRetry:
			// Retries mutate no memory; feedback rides the conversation.
			l.feedback = append(l.feedback, eval.Feedback)
			l.conv.Add(model.Message{Role: model.RoleUser,
				Content: "Your output was not accepted: " + eval.Feedback + "\nTry again and call set_output with the corrected values."})
			continue
		case VerdictContinue:
			continue
		default:
			return visitResult{verdict: VerdictEscalate, feedback: "judge returned unknown verdict"}
		}
	}
}

// classifyCallFailure separates run-fatal outcomes (cancel, visit
// timeout) from step-local ones.
func (l *eventLoop) classifyCallFailure(runCtx, visitCtx context.Context, err error) (visitResult, bool) {
	if l.ctrl.cancelRequested() || runCtx.Err() != nil {
		return visitResult{err: &Error{Code: CodeCancelled, Message: "run cancelled", NodeID: l.node.ID, Cause: err}}, true
	}
	if visitCtx.Err() != nil && errors.Is(visitCtx.Err(), context.DeadlineExceeded) {
		l.appendLog(&runlog.Step{RunID: l.runID, NodeID: l.node.ID, NodeType: string(l.node.Kind),
			Error: "visit timeout"})
		return visitResult{verdict: VerdictEscalate, feedback: "visit timed out"}, true
	}
	return visitResult{}, false
}

// handleToolCall dispatches one tool call, routing set_output to the
// runtime itself. It reports whether a set_output was applied.
func (l *eventLoop) handleToolCall(ctx context.Context, call model.ToolCall) bool {
	if call.Name == tool.SetOutputName {
		return l.handleSetOutput(call)
	}

	start := time.Now()
	result, err := await(ctx, l.ex.stepTimeout, l.ex.quiescence, func(c context.Context) (tool.Result, error) {
		return l.ex.tools.Invoke(c, call.Name, call.Input), nil
	})
	if err != nil {
		// Timeout or cancellation surfaces as a structured tool error.
		result = tool.Result{OK: false, Err: &tool.CallError{
			Kind: tool.ErrTimeout, Message: "tool call did not complete in time", Retriable: true,
		}}
	}

	record := runlog.ToolCallRecord{ID: call.ID, Name: call.Name, Input: call.Input}

	if result.OK {
		body, _ := json.Marshal(result.Output)
		record.Result = string(body)
		l.conv.Add(model.Message{Role: model.RoleTool, ToolCallID: call.ID, Content: string(body)})
	} else {
		record.Result = result.Err.Error()
		record.IsError = true
		l.conv.Add(model.Message{Role: model.RoleTool, ToolCallID: call.ID,
			Content: result.Err.Error(), IsError: true})
	}

	l.appendLog(&runlog.Step{RunID: l.runID, NodeID: l.node.ID, NodeType: string(l.node.Kind),
		ToolCalls: []runlog.ToolCallRecord{record},
		LatencyMS: time.Since(start).Milliseconds()})
	l.ex.emit(emit.Event{RunID: l.runID, NodeID: l.node.ID, Msg: emit.KindToolCall,
		Meta: map[string]interface{}{"tool": call.Name}})
	return false
}

// handleSetOutput applies the privileged output tool. The loop does
// not exit on set_output; the judge decides on the next iteration.
func (l *eventLoop) handleSetOutput(call model.ToolCall) bool {
	if l.node.Kind == KindClientFacing && !l.received {
		l.guardToolResult(call.ID, "set_output is not allowed before user input was requested and received")
		return false
	}

	var unknown []string
	for k := range call.Input {
		if !l.node.allowsOutputKey(k) {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		l.guardToolResult(call.ID, "set_output keys are not declared output keys: "+strings.Join(unknown, ", "))
		return false
	}

	for k, v := range call.Input {
		l.write(l.node.ID, k, v)
	}
	l.sawSetOutput = true

	l.conv.Add(model.Message{Role: model.RoleTool, ToolCallID: call.ID, Content: `{"ok":true}`})
	l.appendLog(&runlog.Step{RunID: l.runID, NodeID: l.node.ID, NodeType: string(l.node.Kind),
		ToolCalls: []runlog.ToolCallRecord{{ID: call.ID, Name: tool.SetOutputName, Result: `{"ok":true}`}}})
	l.ex.emit(emit.Event{RunID: l.runID, NodeID: l.node.ID, Msg: emit.KindOutputSet})
	return true
}

// guardToolResult feeds a guard failure back as the tool's result.
func (l *eventLoop) guardToolResult(callID, reason string) {
	l.conv.Add(model.Message{Role: model.RoleTool, ToolCallID: callID, Content: reason, IsError: true})
	l.appendLog(&runlog.Step{RunID: l.runID, NodeID: l.node.ID, NodeType: string(l.node.Kind),
		Error: reason, Partial: true})
}

// guardFailure feeds a guard failure back as user feedback.
func (l *eventLoop) guardFailure(reason string) {
	l.conv.Add(model.Message{Role: model.RoleUser, Content: reason})
	l.appendLog(&runlog.Step{RunID: l.runID, NodeID: l.node.ID, NodeType: string(l.node.Kind),
		Error: reason, Partial: true})
}

func (l *eventLoop) missingRequiredKeys() []string {
	var missing []string
	for _, k := range l.node.requiredOutputKeys() {
		if _, ok := l.mem.Get(k); !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

func (l *eventLoop) hardViolations(eval Evaluation) []string {
	if len(eval.ViolatedConstraints) == 0 {
		return nil
	}
	hard := make(map[string]bool)
	for _, c := range l.ex.goal.HardConstraints() {
		hard[c.ID] = true
	}
	var violated []string
	for _, id := range eval.ViolatedConstraints {
		if hard[id] {
			violated = append(violated, id)
		}
	}
	return violated
}

func (l *eventLoop) recordLLMStep(out model.ChatOut) {
	l.appendLog(&runlog.Step{
		RunID:        l.runID,
		NodeID:       l.node.ID,
		NodeType:     string(l.node.Kind),
		LLMText:      out.Text,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		LatencyMS:    out.Usage.LatencyMS,
	})
	l.ex.emit(emit.Event{RunID: l.runID, NodeID: l.node.ID, Msg: emit.KindStep,
		Meta: map[string]interface{}{"tokens": out.Usage.TotalTokens()}})
	l.ex.metricStep(out.Usage)
	l.ex.recordCost(l.node.ID, out.Usage)
}

func (l *eventLoop) appendLog(step *runlog.Step) {
	// Log appends are best effort; only checkpoint writes are run-fatal.
	_ = l.ex.log.Append(context.Background(), step)
}

// toolSpecs builds the LLM-visible tool list: the node's declared
// tools plus the privileged set_output.
func (l *eventLoop) toolSpecs() []model.ToolSpec {
	wanted := make(map[string]bool, len(l.node.Tools))
	for _, name := range l.node.Tools {
		wanted[name] = true
	}

	var specs []model.ToolSpec
	for _, s := range l.ex.tools.List() {
		if wanted[s.Name] {
			specs = append(specs, model.ToolSpec{Name: s.Name, Description: s.Description, Schema: s.Schema})
		}
	}
	specs = append(specs, setOutputSpec(l.node))
	return specs
}

func setOutputSpec(node *Node) model.ToolSpec {
	props := make(map[string]interface{}, len(node.OutputKeys))
	for _, k := range node.OutputKeys {
		props[k] = map[string]interface{}{}
	}
	return model.ToolSpec{
		Name:        tool.SetOutputName,
		Description: "Write one or more of this node's declared output keys. Call it once your result is ready; you may call it again to revise.",
		Schema: map[string]interface{}{
			"type":                 "object",
			"properties":           props,
			"additionalProperties": false,
		},
	}
}

// composeSystemPrompt builds the visit's opening system message from
// the node prompt, the goal, the declared inputs, and any retry
// feedback carried over.
func (l *eventLoop) composeSystemPrompt() string {
	var b strings.Builder
	if l.node.SystemPrompt != "" {
		b.WriteString(l.node.SystemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString("Goal: " + l.ex.goal.Description + "\n")

	if len(l.node.InputKeys) > 0 {
		b.WriteString("\nInputs:\n")
		for _, k := range l.node.InputKeys {
			if v, ok := l.mem.Get(k); ok {
				fmt.Fprintf(&b, "  %s: %v\n", k, v)
			}
		}
	}
	if len(l.node.OutputKeys) > 0 {
		b.WriteString("\nWhen your result is ready, call set_output with these keys: " +
			strings.Join(l.node.OutputKeys, ", ") + "\n")
	}
	b.WriteString("\nIf a tool fails, try an alternative; when alternatives are exhausted, call set_output with partial results.\n")

	for _, f := range l.feedback {
		b.WriteString("\nFeedback from the previous attempt: " + f + "\n")
	}
	return b.String()
}

// publicErrText returns error text safe for conversations and logs.
// Structured runtime errors already scrub secrets; raw provider errors
// pass through their message only.
func publicErrText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
