package agent

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dshills/agentrun-go/agent/emit"
	"github.com/dshills/agentrun-go/agent/model"
	"github.com/dshills/agentrun-go/agent/runlog"
	"github.com/dshills/agentrun-go/agent/session"
	"github.com/dshills/agentrun-go/agent/tool"
)

func summaryGraph(kind NodeKind) *Graph {
	return &Graph{
		Nodes: []*Node{
			{ID: "intake", Kind: kind, OutputKeys: []string{"summary"}, SystemPrompt: "Summarize the request."},
			{ID: "done", Kind: KindTerminal},
		},
		Edges: []Edge{
			{Source: "intake", Target: "done", Condition: OnVerdict(VerdictAccept)},
		},
		EntryNodeID:     "intake",
		TerminalNodeIDs: []string{"done"},
	}
}

func summaryGoal() *Goal {
	return &Goal{
		ID:          "summarize",
		Description: "Produce a non-empty summary",
		SuccessCriteria: []SuccessCriterion{
			{ID: "c1", Description: "summary is present", Metric: "summary", Weight: 1},
		},
	}
}

func setOutput(id string, keys map[string]interface{}) model.ChatOut {
	return model.ChatOut{ToolCalls: []model.ToolCall{
		{ID: id, Name: tool.SetOutputName, Input: keys},
	}}
}

// runIDCapture grabs the run id from the first emitted event so tests
// can pause or cancel a run that is still executing.
type runIDCapture struct {
	mu sync.Mutex
	id string
}

func (c *runIDCapture) Emit(e emit.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id == "" {
		c.id = e.RunID
	}
}

func (c *runIDCapture) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func TestExecuteSingleNodeAccept(t *testing.T) {
	ctx := context.Background()
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		setOutput("t1", map[string]interface{}{"summary": "ok"}),
	}}
	log := runlog.NewMemLog()

	ex, err := New("summarizer", summaryGraph(KindEventLoop), summaryGoal(), mock, tool.NewRegistry(),
		WithRunLog(log))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := ex.Execute(ctx, map[string]interface{}{"request": "summarize it"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if res.TerminatedBy != TerminatedTerminalNode {
		t.Errorf("TerminatedBy = %q, want terminal_node", res.TerminatedBy)
	}
	if res.Status != session.StatusCompleted {
		t.Errorf("Status = %q, want completed", res.Status)
	}
	if res.Memory["summary"] != "ok" {
		t.Errorf("memory summary = %v, want ok", res.Memory["summary"])
	}
	if got := mock.CallCount(); got != 1 {
		t.Errorf("LLM calls = %d, want 1", got)
	}

	steps, err := log.Steps(ctx, res.SessionID, "")
	if err != nil {
		t.Fatalf("Steps() error = %v", err)
	}
	verdicts := 0
	for _, s := range steps {
		if s.Verdict != "" {
			verdicts++
			if s.Verdict != "ACCEPT" {
				t.Errorf("verdict = %q, want ACCEPT", s.Verdict)
			}
		}
	}
	if verdicts != 1 {
		t.Errorf("judge verdicts logged = %d, want 1", verdicts)
	}
}

func TestExecuteRetryLoopConverges(t *testing.T) {
	ctx := context.Background()
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		setOutput("t1", map[string]interface{}{"summary": ""}),
		setOutput("t2", map[string]interface{}{"summary": ""}),
		setOutput("t3", map[string]interface{}{"summary": ""}),
		setOutput("t4", map[string]interface{}{"summary": "done"}),
	}}
	log := runlog.NewMemLog()
	sessions := session.NewMemStore()

	ex, err := New("summarizer", summaryGraph(KindEventLoop), summaryGoal(), mock, tool.NewRegistry(),
		WithRunLog(log), WithSessionStore(sessions))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := ex.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Memory["summary"] != "done" {
		t.Errorf("memory summary = %v, want done", res.Memory["summary"])
	}

	// Retries are intra-visit: three RETRY verdicts, one visit.
	sess, err := sessions.Load(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	es, err := UnmarshalExecutionState(sess.State)
	if err != nil {
		t.Fatalf("UnmarshalExecutionState() error = %v", err)
	}
	if es.VisitCounts["intake"] != 1 {
		t.Errorf("intake visits = %d, want 1", es.VisitCounts["intake"])
	}

	details, err := log.NodeDetails(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("NodeDetails() error = %v", err)
	}
	for _, d := range details {
		if d.NodeID == "intake" && d.RetryCount != 3 {
			t.Errorf("intake retries = %d, want 3", d.RetryCount)
		}
	}
}

func TestClientFacingGuardAndResume(t *testing.T) {
	ctx := context.Background()
	mock := &model.MockChatModel{Responses: []model.ChatOut{
		// Premature set_output: must fail the guard, not touch memory.
		setOutput("t1", map[string]interface{}{"summary": "too early"}),
		{Text: "Which topic should I summarize?"},
		setOutput("t2", map[string]interface{}{"summary": "go concurrency"}),
	}}
	buf := emit.NewBufferedEmitter()

	ex, err := New("interviewer", summaryGraph(KindClientFacing), summaryGoal(), mock, tool.NewRegistry(),
		WithEmitter(buf))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := ex.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != session.StatusPaused {
		t.Fatalf("Status = %q, want paused", res.Status)
	}
	if res.TerminatedBy != TerminatedPauseRequested {
		t.Errorf("TerminatedBy = %q, want pause_requested", res.TerminatedBy)
	}
	if !strings.Contains(res.Question, "Which topic") {
		t.Errorf("Question = %q", res.Question)
	}
	if _, ok := res.Memory["summary"]; ok {
		t.Error("premature set_output mutated memory")
	}
	for _, e := range buf.History(res.SessionID) {
		if e.Msg == emit.KindUserInputReceived {
			t.Error("user_input_received emitted before resume")
		}
	}

	// Resuming without input is not possible while the node waits.
	if _, err := ex.Resume(ctx, res.SessionID); !IsCode(err, CodeSessionNotResumable) {
		t.Errorf("Resume() without input error = %v, want SessionNotResumable", err)
	}

	final, err := ex.ResumeWithInput(ctx, res.SessionID, "summarize Go concurrency")
	if err != nil {
		t.Fatalf("ResumeWithInput() error = %v", err)
	}
	if final.Status != session.StatusCompleted {
		t.Errorf("final Status = %q, want completed", final.Status)
	}
	if final.Memory["summary"] != "go concurrency" {
		t.Errorf("memory summary = %v", final.Memory["summary"])
	}

	// user_input_request precedes user_input_received precedes output_set.
	order := map[string]int{}
	for i, e := range buf.History(res.SessionID) {
		if _, seen := order[e.Msg]; !seen {
			order[e.Msg] = i
		}
	}
	req, reqOK := order[emit.KindUserInputRequest]
	recv, recvOK := order[emit.KindUserInputReceived]
	set, setOK := order[emit.KindOutputSet]
	if !reqOK || !recvOK || !setOK {
		t.Fatalf("missing ordering events: %v", order)
	}
	if !(req < recv && recv < set) {
		t.Errorf("event order request=%d received=%d output_set=%d", req, recv, set)
	}
}

// hookModel invokes a callback before each underlying Chat call.
type hookModel struct {
	inner  model.ChatModel
	calls  atomic.Int32
	onCall func(n int)
}

func (h *hookModel) Chat(ctx context.Context, msgs []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	n := int(h.calls.Add(1))
	if h.onCall != nil {
		h.onCall(n)
	}
	return h.inner.Chat(ctx, msgs, tools)
}

func TestPauseAndResume(t *testing.T) {
	ctx := context.Background()

	search := &tool.MockTool{ToolName: "search_web", Responses: []map[string]interface{}{
		{"results": "some hits"},
	}}
	registry := tool.NewRegistry()
	if err := registry.Register(search, tool.Spec{Name: "search_web", Description: "search"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	g := summaryGraph(KindEventLoop)
	g.Nodes[0].Tools = []string{"search_web"}

	inner := &model.MockChatModel{Responses: []model.ChatOut{
		{ToolCalls: []model.ToolCall{{ID: "s1", Name: "search_web", Input: map[string]interface{}{"q": "a"}}}},
		{ToolCalls: []model.ToolCall{{ID: "s2", Name: "search_web", Input: map[string]interface{}{"q": "b"}}}},
		setOutput("t1", map[string]interface{}{"summary": "ok"}),
	}}
	capture := &runIDCapture{}
	log := runlog.NewMemLog()
	sessions := session.NewMemStore()

	var ex *Executor
	hooked := &hookModel{inner: inner}
	hooked.onCall = func(n int) {
		if n == 2 {
			if err := ex.Pause(capture.RunID()); err != nil {
				t.Errorf("Pause() error = %v", err)
			}
		}
	}

	ex, err := New("summarizer", g, summaryGoal(), hooked, registry,
		WithEmitter(capture), WithRunLog(log), WithSessionStore(sessions))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := ex.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != session.StatusPaused || res.TerminatedBy != TerminatedPauseRequested {
		t.Fatalf("got status=%q terminated_by=%q, want paused/pause_requested", res.Status, res.TerminatedBy)
	}
	if res.PausedAt != "intake" {
		t.Errorf("PausedAt = %q, want intake", res.PausedAt)
	}

	sess, err := sessions.Load(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	foundPause := false
	for _, cp := range sess.Checkpoints {
		if cp.Kind == session.CheckpointPause {
			foundPause = true
		}
	}
	if !foundPause {
		t.Error("no pause checkpoint written")
	}

	final, err := ex.Resume(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if final.Status != session.StatusCompleted {
		t.Errorf("final Status = %q, want completed", final.Status)
	}
	if final.Memory["summary"] != "ok" {
		t.Errorf("memory summary = %v, want ok", final.Memory["summary"])
	}
	if got := int(hooked.calls.Load()); got != 3 {
		t.Errorf("total LLM calls = %d, want 3 (resume continues, not restarts)", got)
	}

	// A continuation, not a new visit, and the steps taken before the
	// pause are not counted again.
	sess, _ = sessions.Load(ctx, res.SessionID)
	es, err := UnmarshalExecutionState(sess.State)
	if err != nil {
		t.Fatalf("UnmarshalExecutionState() error = %v", err)
	}
	if es.VisitCounts["intake"] != 1 {
		t.Errorf("intake visits = %d, want 1", es.VisitCounts["intake"])
	}
	if es.StepCounter != 3 {
		t.Errorf("step counter = %d, want 3 (one per LLM step)", es.StepCounter)
	}

	// Tool-call inputs land in the run log as the argument map.
	steps, err := log.Steps(ctx, capture.RunID(), "intake")
	if err != nil {
		t.Fatalf("Steps() error = %v", err)
	}
	var inputs []string
	for _, s := range steps {
		for _, tc := range s.ToolCalls {
			if tc.Name == "search_web" {
				if q, _ := tc.Input["q"].(string); q != "" {
					inputs = append(inputs, q)
				}
			}
		}
	}
	if len(inputs) != 2 || inputs[0] != "a" || inputs[1] != "b" {
		t.Errorf("logged search_web inputs = %v, want [a b]", inputs)
	}
}

func TestRecoverRewindsToCheckpoint(t *testing.T) {
	ctx := context.Background()

	double := func(inputs map[string]interface{}) (map[string]interface{}, error) {
		s, _ := inputs["summary"].(string)
		return map[string]interface{}{"echo": s + "!"}, nil
	}
	g := &Graph{
		Nodes: []*Node{
			{ID: "intake", Kind: KindEventLoop, OutputKeys: []string{"summary"}},
			{ID: "shout", Kind: KindFunction, InputKeys: []string{"summary"}, OutputKeys: []string{"echo"}, Func: double},
			{ID: "done", Kind: KindTerminal},
		},
		Edges: []Edge{
			{Source: "intake", Target: "shout", Condition: OnVerdict(VerdictAccept)},
			{Source: "shout", Target: "done", Condition: OnSuccess()},
		},
		EntryNodeID:     "intake",
		TerminalNodeIDs: []string{"done"},
	}

	mock := &model.MockChatModel{Responses: []model.ChatOut{
		setOutput("t1", map[string]interface{}{"summary": "ok"}),
	}}
	log := runlog.NewMemLog()
	sessions := session.NewMemStore()

	ex, err := New("summarizer", g, summaryGoal(), mock, tool.NewRegistry(),
		WithRunLog(log), WithSessionStore(sessions))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := ex.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Memory["echo"] != "ok!" {
		t.Fatalf("echo = %v, want ok!", res.Memory["echo"])
	}

	sess, err := sessions.Load(ctx, res.SessionID)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	var cpID string
	for _, cp := range sess.Checkpoints {
		if cp.Kind == session.CheckpointNodeComplete && cp.NodeID == "intake" {
			cpID = cp.ID
			break
		}
	}
	if cpID == "" {
		t.Fatal("no node_complete checkpoint for intake")
	}
	before := mock.CallCount()

	recovered, err := ex.Recover(ctx, res.SessionID, cpID)
	if err != nil {
		t.Fatalf("Recover() error = %v", err)
	}
	if recovered.Status != session.StatusCompleted {
		t.Errorf("recovered Status = %q, want completed", recovered.Status)
	}
	if mock.CallCount() <= before {
		t.Error("recovery did not re-execute the node")
	}

	// Checkpoints after the rewind point were discarded before the
	// re-execution appended fresh ones.
	sess, _ = sessions.Load(ctx, res.SessionID)
	if len(sess.Checkpoints) == 0 || sess.Checkpoints[0].ID == "" {
		t.Fatal("checkpoint list lost")
	}
	seen := false
	for _, cp := range sess.Checkpoints {
		if cp.ID == cpID {
			seen = true
		}
	}
	if !seen {
		t.Error("recovered checkpoint missing from history")
	}
}

// blockingModel parks every call until the context is cancelled.
type blockingModel struct{}

func (blockingModel) Chat(ctx context.Context, _ []model.Message, _ []model.ToolSpec) (model.ChatOut, error) {
	<-ctx.Done()
	return model.ChatOut{}, ctx.Err()
}

func TestCancelStopsInFlightCalls(t *testing.T) {
	ctx := context.Background()
	capture := &runIDCapture{}

	ex, err := New("summarizer", summaryGraph(KindEventLoop), summaryGoal(), blockingModel{}, tool.NewRegistry(),
		WithEmitter(capture), WithQuiescence(50*time.Millisecond))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	go func() {
		for {
			if id := capture.RunID(); id != "" {
				if err := ex.Cancel(id); err == nil {
					return
				}
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	res, err := ex.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Status != session.StatusCancelled || res.TerminatedBy != TerminatedCancelled {
		t.Errorf("got status=%q terminated_by=%q, want cancelled", res.Status, res.TerminatedBy)
	}

	// Cancelled sessions never resume.
	if _, err := ex.Resume(ctx, res.SessionID); !IsCode(err, CodeSessionNotResumable) {
		t.Errorf("Resume() error = %v, want SessionNotResumable", err)
	}
}

func TestMaxVisitsTerminatesRun(t *testing.T) {
	ctx := context.Background()
	g := &Graph{
		Nodes: []*Node{
			{ID: "loop", Kind: KindEventLoop, MaxVisits: 2},
			{ID: "done", Kind: KindTerminal},
		},
		Edges: []Edge{
			// Accept loops back forever; the visit bound must stop it.
			{Source: "loop", Target: "loop", Condition: OnVerdict(VerdictAccept)},
			{Source: "loop", Target: "done", Condition: OnOutputPresent("never_set")},
		},
		EntryNodeID:     "loop",
		TerminalNodeIDs: []string{"done"},
	}
	goal := &Goal{ID: "g", Description: "loop forever"}
	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "looping"}}}

	ex, err := New("looper", g, goal, mock, tool.NewRegistry())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := ex.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.TerminatedBy != TerminatedMaxVisits {
		t.Errorf("TerminatedBy = %q, want max_visits", res.TerminatedBy)
	}
	if res.Status != session.StatusFailed {
		t.Errorf("Status = %q, want failed", res.Status)
	}
}

func TestNoValidEdgeFailsRun(t *testing.T) {
	ctx := context.Background()
	g := summaryGraph(KindEventLoop)
	g.Edges = []Edge{{Source: "intake", Target: "done", Condition: OnVerdict(VerdictRetry)}}

	mock := &model.MockChatModel{Responses: []model.ChatOut{
		setOutput("t1", map[string]interface{}{"summary": "ok"}),
	}}

	ex, err := New("summarizer", g, summaryGoal(), mock, tool.NewRegistry())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := ex.Execute(ctx, nil)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.TerminatedBy != TerminatedNoValidEdge {
		t.Errorf("TerminatedBy = %q, want no_valid_edge", res.TerminatedBy)
	}
}

func TestParallelBatchMergesInOrder(t *testing.T) {
	ctx := context.Background()

	produce := func(key, value string) FunctionFunc {
		return func(map[string]interface{}) (map[string]interface{}, error) {
			return map[string]interface{}{key: value}, nil
		}
	}
	combine := func(inputs map[string]interface{}) (map[string]interface{}, error) {
		l, _ := inputs["left"].(string)
		r, _ := inputs["right"].(string)
		return map[string]interface{}{"combined": l + "+" + r}, nil
	}

	g := &Graph{
		Nodes: []*Node{
			{ID: "start", Kind: KindFunction, OutputKeys: []string{"topic"}, Func: produce("topic", "go")},
			{ID: "a", Kind: KindFunction, OutputKeys: []string{"left"}, Func: produce("left", "L")},
			{ID: "b", Kind: KindFunction, OutputKeys: []string{"right"}, Func: produce("right", "R")},
			{ID: "join", Kind: KindFunction, InputKeys: []string{"left", "right"}, OutputKeys: []string{"combined"}, Func: combine},
			{ID: "done", Kind: KindTerminal},
		},
		Edges: []Edge{
			{Source: "a", Target: "join", Condition: OnSuccess()},
			{Source: "b", Target: "join", Condition: OnSuccess()},
			{Source: "join", Target: "done", Condition: OnSuccess()},
		},
		Batches:         []ParallelBatch{{Source: "start", Branches: []string{"a", "b"}, Join: "join"}},
		EntryNodeID:     "start",
		TerminalNodeIDs: []string{"done"},
	}
	goal := &Goal{ID: "g", Description: "combine branches"}

	ex, err := New("combiner", g, goal, &model.MockChatModel{}, tool.NewRegistry(), WithWorkers(2))
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
	if res.Memory["combined"] != "L+R" {
		t.Errorf("combined = %v, want L+R", res.Memory["combined"])
	}
}

func TestBatchWithSharedOutputKeyIsInvalid(t *testing.T) {
	noop := func(map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"same": "x"}, nil
	}
	g := &Graph{
		Nodes: []*Node{
			{ID: "start", Kind: KindFunction, Func: noop, OutputKeys: []string{"same"}},
			{ID: "a", Kind: KindFunction, OutputKeys: []string{"same"}, Func: noop},
			{ID: "b", Kind: KindFunction, OutputKeys: []string{"same"}, Func: noop},
			{ID: "join", Kind: KindTerminal},
		},
		Edges: []Edge{
			{Source: "a", Target: "join", Condition: OnSuccess()},
			{Source: "b", Target: "join", Condition: OnSuccess()},
		},
		Batches:         []ParallelBatch{{Source: "start", Branches: []string{"a", "b"}, Join: "join"}},
		EntryNodeID:     "start",
		TerminalNodeIDs: []string{"join"},
	}

	_, err := New("combiner", g, &Goal{ID: "g", Description: "x"}, &model.MockChatModel{}, tool.NewRegistry())
	if !IsCode(err, CodeGraphInvalid) {
		t.Errorf("New() error = %v, want GraphInvalid", err)
	}
}
