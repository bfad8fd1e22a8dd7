package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/agentrun-go/agent/emit"
	"github.com/dshills/agentrun-go/agent/model"
	"github.com/dshills/agentrun-go/agent/runlog"
	"github.com/dshills/agentrun-go/agent/session"
	"github.com/dshills/agentrun-go/agent/tool"
)

// TerminatedBy names how a run ended.
type TerminatedBy string

const (
	TerminatedTerminalNode   TerminatedBy = "terminal_node"
	TerminatedNoValidEdge    TerminatedBy = "no_valid_edge"
	TerminatedHardConstraint TerminatedBy = "hard_constraint"
	TerminatedMaxVisits      TerminatedBy = "max_visits"
	TerminatedPauseRequested TerminatedBy = "pause_requested"
	TerminatedCancelled      TerminatedBy = "cancelled"
)

// RunResult is the observable outcome of Execute, Resume, or Recover.
type RunResult struct {
	// SessionID identifies the durable session; it doubles as the run id
	// in the event log.
	SessionID string

	// Status is the session's final lifecycle status.
	Status session.Status

	// TerminatedBy names the termination cause.
	TerminatedBy TerminatedBy

	// Memory is a snapshot of the run's final memory.
	Memory map[string]interface{}

	// LastVerdict is the last judge verdict, if any.
	LastVerdict Verdict

	// PausedAt names the node a paused run stopped in.
	PausedAt string

	// Question is the pending user question when a client-facing node
	// suspended the run.
	Question string
}

// Executor schedules node visits along the graph's edges, enforces
// visit limits, checkpoints at every boundary, and supports pause,
// resume, recover, and cancel. One Executor serves one (graph, goal)
// pair and may run many sessions over its lifetime.
type Executor struct {
	agent string
	graph *Graph
	goal  *Goal
	model model.ChatModel
	tools tool.Dispatcher

	judge    Judge
	sessions session.Store
	log      runlog.Log
	emitter  emit.Emitter
	metrics  *Metrics
	costs    *CostTracker

	stepTimeout     time.Duration
	quiescence      time.Duration
	workers         int
	checkpointEvery int // periodic checkpoint interval in steps; 0 disables

	mu     sync.Mutex
	active map[string]*runControl
}

// New creates an Executor. The goal and graph are validated here and
// never mutated afterwards.
func New(agentName string, g *Graph, goal *Goal, m model.ChatModel, tools tool.Dispatcher, opts ...Option) (*Executor, error) {
	if err := goal.Validate(); err != nil {
		return nil, err
	}
	if err := g.Validate(tools); err != nil {
		return nil, err
	}

	ex := &Executor{
		agent:       agentName,
		graph:       g,
		goal:        goal,
		model:       m,
		tools:       tools,
		judge:       NewCriteriaJudge(),
		sessions:    session.NewMemStore(),
		log:         runlog.NewMemLog(),
		stepTimeout: DefaultStepTimeout,
		quiescence:  DefaultQuiescence,
		workers:     4,
		active:      make(map[string]*runControl),
	}
	for _, opt := range opts {
		if err := opt(ex); err != nil {
			return nil, err
		}
	}
	return ex, nil
}

// runControl carries the pause/cancel flags of an active run. The
// flags are checked at every suspension point; branch controls share
// the cancel flag but never the pause flag, since a pause takes
// effect at the join.
type runControl struct {
	pauseFlag  *atomic.Bool
	cancelFlag *atomic.Bool
	stop       context.CancelFunc
}

func newRunControl(stop context.CancelFunc) *runControl {
	return &runControl{
		pauseFlag:  new(atomic.Bool),
		cancelFlag: new(atomic.Bool),
		stop:       stop,
	}
}

func (c *runControl) pauseRequested() bool  { return c.pauseFlag.Load() }
func (c *runControl) cancelRequested() bool { return c.cancelFlag.Load() }

func (c *runControl) branchControl() *runControl {
	return &runControl{
		pauseFlag:  new(atomic.Bool),
		cancelFlag: c.cancelFlag,
		stop:       func() {},
	}
}

// runState is the live, in-process execution state; ExecutionState is
// its durable form.
type runState struct {
	runID string
	input map[string]interface{}
	mem   *Memory

	mu          sync.Mutex
	visitCounts map[string]int

	lastNodeID  string
	lastVerdict Verdict
	stepCounter int
	completed   []string
	failed      map[string]string
	pausedAt    string
	visit       *VisitState
}

func (s *runState) incVisit(nodeID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visitCounts[nodeID]++
	return s.visitCounts[nodeID]
}

func (s *runState) snapshot() *ExecutionState {
	s.mu.Lock()
	counts := make(map[string]int, len(s.visitCounts))
	for k, v := range s.visitCounts {
		counts[k] = v
	}
	s.mu.Unlock()

	return &ExecutionState{
		RunID:          s.runID,
		Input:          s.input,
		Memory:         s.mem.Snapshot(),
		Writers:        s.mem.writersSnapshot(),
		VisitCounts:    counts,
		LastNodeID:     s.lastNodeID,
		LastVerdict:    s.lastVerdict,
		StepCounter:    s.stepCounter,
		CompletedNodes: append([]string(nil), s.completed...),
		PausedAt:       s.pausedAt,
		FailedNodes:    s.failed,
		Visit:          s.visit,
	}
}

func stateFromDurable(es *ExecutionState) *runState {
	live := &runState{
		runID:       es.RunID,
		input:       es.Input,
		mem:         NewMemory(nil),
		visitCounts: es.VisitCounts,
		lastNodeID:  es.LastNodeID,
		lastVerdict: es.LastVerdict,
		stepCounter: es.StepCounter,
		completed:   es.CompletedNodes,
		failed:      es.FailedNodes,
		pausedAt:    es.PausedAt,
		visit:       es.Visit,
	}
	if live.failed == nil {
		live.failed = make(map[string]string)
	}
	live.mem.restore(es.Memory, es.Writers)
	return live
}

// Execute runs the graph from its entry node with the given input.
func (ex *Executor) Execute(ctx context.Context, input map[string]interface{}) (*RunResult, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, &Error{Code: CodeGoalInvalid, Message: "input is not JSON-representable", Cause: err}
	}

	sess := session.New(ex.agent, inputJSON)
	if err := ex.sessions.Create(ctx, sess); err != nil {
		return nil, &Error{Code: CodeStorageFailure, Message: "failed to create session", Cause: err}
	}
	if err := ex.log.BeginRun(ctx, sess.ID, ex.agent); err != nil {
		return nil, &Error{Code: CodeStorageFailure, Message: "failed to begin run log", Cause: err}
	}

	live := &runState{
		runID:       sess.ID,
		input:       input,
		mem:         NewMemory(input),
		visitCounts: make(map[string]int),
		failed:      make(map[string]string),
	}

	ex.emit(emit.Event{RunID: sess.ID, Msg: emit.KindRunStart})
	return ex.drive(ctx, live, ex.graph.EntryNodeID, nil)
}

// Resume continues a paused or failed session from its last node.
// The paused node's visit count is not incremented again: the resumed
// visit is a continuation, not a new visit.
func (ex *Executor) Resume(ctx context.Context, sessionID string) (*RunResult, error) {
	return ex.resume(ctx, sessionID, "", false)
}

// ResumeWithInput resumes a session suspended on a user-input request,
// delivering the user's answer to the waiting node.
func (ex *Executor) ResumeWithInput(ctx context.Context, sessionID, input string) (*RunResult, error) {
	return ex.resume(ctx, sessionID, input, true)
}

func (ex *Executor) resume(ctx context.Context, sessionID, userInput string, haveInput bool) (*RunResult, error) {
	sess, err := ex.sessions.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, &Error{Code: CodeSessionNotFound, Message: "session does not exist: " + sessionID}
		}
		return nil, &Error{Code: CodeStorageFailure, Message: "failed to load session", Cause: err}
	}
	if !sess.Status.Resumable() {
		return nil, &Error{Code: CodeSessionNotResumable,
			Message: "session " + sessionID + " has status " + string(sess.Status)}
	}

	es, err := UnmarshalExecutionState(sess.State)
	if err != nil {
		return nil, err
	}
	live := stateFromDurable(es)

	current := live.pausedAt
	if current == "" {
		current = live.lastNodeID
	}
	if current == "" {
		current = ex.graph.EntryNodeID
	}

	var resumed *eventLoop
	if live.visit != nil {
		node := ex.graph.NodeByID(live.visit.NodeID)
		if node == nil {
			return nil, &Error{Code: CodeGraphInvalid, Message: "suspended node no longer exists: " + live.visit.NodeID}
		}
		current = node.ID
		resumed = ex.restoreEventLoop(nil, node, live.mem, live.mem.Write, live.runID, live.visit)
		if resumed.awaited && !resumed.received {
			if !haveInput {
				return nil, &Error{Code: CodeSessionNotResumable,
					Message: "session " + sessionID + " is awaiting user input; resume with input"}
			}
			resumed.deliverUserInput(userInput)
		}
	}
	live.pausedAt = ""
	live.visit = nil

	if err := ex.sessions.SetStatus(ctx, sessionID, session.StatusRunning); err != nil {
		return nil, &Error{Code: CodeStorageFailure, Message: "failed to mark session running", Cause: err}
	}
	ex.emit(emit.Event{RunID: sessionID, NodeID: current, Msg: emit.KindResume})
	return ex.drive(ctx, live, current, resumed)
}

// Recover rewinds a session to a prior checkpoint, discarding all
// later checkpoints and event-log entries, then continues execution
// from the checkpoint's snapshot.
func (ex *Executor) Recover(ctx context.Context, sessionID, checkpointID string) (*RunResult, error) {
	sess, err := ex.sessions.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return nil, &Error{Code: CodeSessionNotFound, Message: "session does not exist: " + sessionID}
		}
		return nil, &Error{Code: CodeStorageFailure, Message: "failed to load session", Cause: err}
	}

	var target *session.Checkpoint
	for i := range sess.Checkpoints {
		if sess.Checkpoints[i].ID == checkpointID {
			target = &sess.Checkpoints[i]
			break
		}
	}
	if target == nil {
		return nil, &Error{Code: CodeSessionNotFound, Message: "checkpoint does not exist: " + checkpointID}
	}

	if err := ex.sessions.TruncateAfter(ctx, sessionID, checkpointID); err != nil {
		return nil, &Error{Code: CodeStorageFailure, Message: "failed to rewind session", Cause: err}
	}
	if err := ex.log.Truncate(ctx, sessionID, target.CreatedAt); err != nil && !errors.Is(err, runlog.ErrRunNotFound) {
		return nil, &Error{Code: CodeStorageFailure, Message: "failed to rewind run log", Cause: err}
	}

	es, err := UnmarshalExecutionState(target.State)
	if err != nil {
		return nil, err
	}
	live := stateFromDurable(es)
	live.pausedAt = ""
	live.visit = nil

	current := live.lastNodeID
	if current == "" {
		current = ex.graph.EntryNodeID
	}

	if err := ex.sessions.SetStatus(ctx, sessionID, session.StatusRunning); err != nil {
		return nil, &Error{Code: CodeStorageFailure, Message: "failed to mark session running", Cause: err}
	}
	ex.emit(emit.Event{RunID: sessionID, NodeID: current, Msg: emit.KindResume,
		Meta: map[string]interface{}{"checkpoint_id": checkpointID}})
	return ex.drive(ctx, live, current, nil)
}

// Pause asynchronously requests a pause. The run stops at the next
// inter-step boundary, writes a pause checkpoint, and returns with
// status paused.
func (ex *Executor) Pause(runID string) error {
	ex.mu.Lock()
	ctrl, ok := ex.active[runID]
	ex.mu.Unlock()
	if !ok {
		return &Error{Code: CodeSessionNotFound, Message: "run is not active: " + runID}
	}
	ctrl.pauseFlag.Store(true)
	return nil
}

// Cancel terminally stops a run. In-flight LLM and tool calls receive
// cancellation and get the quiescence period to stop; the session is
// not resumable afterwards.
func (ex *Executor) Cancel(runID string) error {
	ex.mu.Lock()
	ctrl, ok := ex.active[runID]
	ex.mu.Unlock()
	if !ok {
		return &Error{Code: CodeSessionNotFound, Message: "run is not active: " + runID}
	}
	ctrl.cancelFlag.Store(true)
	ctrl.stop()
	return nil
}

// drive is the scheduling loop shared by Execute, Resume, and Recover.
func (ex *Executor) drive(ctx context.Context, live *runState, current string, resumed *eventLoop) (*RunResult, error) {
	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	ctrl := newRunControl(stop)
	if resumed != nil {
		resumed.ctrl = ctrl
	}
	ex.mu.Lock()
	ex.active[live.runID] = ctrl
	ex.mu.Unlock()
	ex.metricRunStart()
	defer func() {
		ex.mu.Lock()
		delete(ex.active, live.runID)
		ex.mu.Unlock()
		ex.metricRunEnd()
	}()

	for {
		node := ex.graph.NodeByID(current)
		if node == nil {
			return nil, ex.fail(ctx, live, &Error{Code: CodeGraphInvalid, Message: "node does not exist: " + current})
		}

		if node.Kind == KindTerminal || ex.graph.isTerminal(node.ID) {
			return ex.finish(ctx, live, TerminatedTerminalNode, session.StatusCompleted)
		}

		continuing := resumed != nil && resumed.node.ID == node.ID
		if !continuing {
			visits := live.incVisit(node.ID)
			if visits > node.maxVisits() {
				_ = ex.log.Append(ctx, &runlog.Step{RunID: live.runID, NodeID: node.ID,
					NodeType: string(node.Kind), Error: "max visits exceeded"})
				ex.emit(emit.Event{RunID: live.runID, NodeID: node.ID, Msg: emit.KindRunFault,
					Meta: map[string]interface{}{"error": CodeNodeMaxVisits}})
				live.failed[node.ID] = "max visits exceeded"

				if target, ok := ex.escalateTarget(node.ID); ok {
					live.lastVerdict = VerdictEscalate
					current = target
					continue
				}
				return ex.finish(ctx, live, TerminatedMaxVisits, session.StatusFailed)
			}
			live.lastNodeID = node.ID
			if err := ex.checkpoint(ctx, live, session.CheckpointNodeEntry, node.ID); err != nil {
				return nil, ex.fail(ctx, live, err)
			}
			ex.emit(emit.Event{RunID: live.runID, NodeID: node.ID, Msg: emit.KindNodeEntry})
		}

		var res visitResult
		var loop *eventLoop

		switch node.Kind {
		case KindFunction:
			res = ex.runFunction(runCtx, node, live.mem, live.mem.Write, live.runID)
		default:
			if continuing {
				loop = resumed
				resumed = nil
			} else {
				loop = ex.newEventLoop(ctrl, node, live.mem, live.mem.Write, live.runID)
			}
			visiting, visitNode := loop, node
			loop.periodic = func() error {
				live.visit = visiting.serialize()
				return ex.checkpoint(runCtx, live, session.CheckpointPeriodic, visitNode.ID)
			}
			// A resumed loop restores its cumulative step count; only
			// count the steps this invocation added.
			counted := loop.step
			res = loop.run(runCtx)
			live.stepCounter += loop.step - counted
		}

		switch {
		case res.err != nil:
			if IsCode(res.err, CodeCancelled) {
				return ex.finish(ctx, live, TerminatedCancelled, session.StatusCancelled)
			}
			return nil, ex.fail(ctx, live, res.err)

		case res.pauseRequested, res.suspended:
			live.pausedAt = node.ID
			if loop != nil {
				live.visit = loop.serialize()
			}
			if err := ex.checkpoint(ctx, live, session.CheckpointPause, node.ID); err != nil {
				return nil, ex.fail(ctx, live, err)
			}
			result, err := ex.finish(ctx, live, TerminatedPauseRequested, session.StatusPaused)
			if err != nil {
				return nil, err
			}
			result.PausedAt = node.ID
			result.Question = res.question
			ex.emit(emit.Event{RunID: live.runID, NodeID: node.ID, Msg: emit.KindPause})
			return result, nil

		case len(res.violated) > 0:
			live.failed[node.ID] = "hard constraint violated"
			ex.emit(emit.Event{RunID: live.runID, NodeID: node.ID, Msg: emit.KindRunFault,
				Meta: map[string]interface{}{"error": CodeHardConstraint}})
			return ex.finish(ctx, live, TerminatedHardConstraint, session.StatusFailed)
		}

		live.lastVerdict = res.verdict
		live.visit = nil
		ex.emit(emit.Event{RunID: live.runID, NodeID: node.ID, Msg: emit.KindNodeExit,
			Meta: map[string]interface{}{"verdict": string(res.verdict)}})

		if res.verdict == VerdictAccept {
			live.completed = append(live.completed, node.ID)
			if err := ex.checkpoint(ctx, live, session.CheckpointNodeComplete, node.ID); err != nil {
				return nil, ex.fail(ctx, live, err)
			}

			if batch := ex.graph.batchFor(node.ID); batch != nil {
				if err := ex.runBatch(runCtx, ctrl, live, batch); err != nil {
					if IsCode(err, CodeCancelled) {
						return ex.finish(ctx, live, TerminatedCancelled, session.StatusCancelled)
					}
					return nil, ex.fail(ctx, live, err)
				}
				current = batch.Join
				continue
			}
		} else if res.verdict == VerdictEscalate {
			live.failed[node.ID] = "escalated: " + res.feedback
		}

		if err := ex.flushState(ctx, live); err != nil {
			return nil, ex.fail(ctx, live, err)
		}

		edge := ex.graph.NextEdge(node.ID, res.verdict, live.mem)
		if edge == nil {
			return ex.finish(ctx, live, TerminatedNoValidEdge, session.StatusFailed)
		}
		current = edge.Target
	}
}

// escalateTarget finds an explicit on_verdict(ESCALATE) edge out of
// the node, used when a visit limit is breached.
func (ex *Executor) escalateTarget(nodeID string) (string, bool) {
	for i := range ex.graph.Edges {
		e := &ex.graph.Edges[i]
		if e.Source == nodeID && e.Condition.Kind == CondOnVerdict && e.Condition.Verdict == VerdictEscalate {
			return e.Target, true
		}
	}
	return "", false
}

// runFunction executes a function node: declared inputs in, declared
// outputs out, verdict ACCEPT. A failing body escalates; it never
// kills the run.
func (ex *Executor) runFunction(ctx context.Context, node *Node, mem *Memory, write writeFunc, runID string) visitResult {
	inputs := make(map[string]interface{}, len(node.InputKeys))
	for _, k := range node.InputKeys {
		if v, ok := mem.Get(k); ok {
			inputs[k] = v
		}
	}

	start := time.Now()
	outputs, err := await(ctx, ex.stepTimeout, ex.quiescence, func(context.Context) (map[string]interface{}, error) {
		return node.Func(inputs)
	})
	if err != nil {
		if ctx.Err() != nil {
			return visitResult{err: &Error{Code: CodeCancelled, Message: "run cancelled", NodeID: node.ID, Cause: err}}
		}
		_ = ex.log.Append(ctx, &runlog.Step{RunID: runID, NodeID: node.ID,
			NodeType: string(node.Kind), Error: publicErrText(err)})
		return visitResult{verdict: VerdictEscalate, feedback: publicErrText(err)}
	}

	for k, v := range outputs {
		if !node.allowsOutputKey(k) {
			return visitResult{verdict: VerdictEscalate,
				feedback: "function wrote undeclared key: " + k}
		}
		write(node.ID, k, v)
	}
	for _, k := range node.requiredOutputKeys() {
		if _, ok := mem.Get(k); !ok {
			return visitResult{verdict: VerdictEscalate,
				feedback: "function did not produce required key: " + k}
		}
	}

	_ = ex.log.Append(ctx, &runlog.Step{RunID: runID, NodeID: node.ID,
		NodeType: string(node.Kind), Verdict: string(VerdictAccept),
		LatencyMS: time.Since(start).Milliseconds()})
	return visitResult{verdict: VerdictAccept}
}

// checkpoint snapshots the execution state. Checkpoint write failures
// are the one storage failure that is always run-fatal.
func (ex *Executor) checkpoint(ctx context.Context, live *runState, kind session.CheckpointKind, nodeID string) error {
	blob, err := live.snapshot().Marshal()
	if err != nil {
		return err
	}
	cp := session.NewCheckpoint(kind, nodeID, live.stepCounter, blob)
	if err := ex.sessions.AppendCheckpoint(ctx, live.runID, cp); err != nil {
		return &Error{Code: CodeStorageFailure, Message: "failed to write checkpoint", Cause: err}
	}
	if err := ex.sessions.SaveState(ctx, live.runID, blob); err != nil {
		return &Error{Code: CodeStorageFailure, Message: "failed to save state", Cause: err}
	}
	ex.emit(emit.Event{RunID: live.runID, NodeID: nodeID, Msg: emit.KindCheckpoint,
		Meta: map[string]interface{}{"checkpoint_kind": string(kind)}})
	return nil
}

func (ex *Executor) flushState(ctx context.Context, live *runState) error {
	blob, err := live.snapshot().Marshal()
	if err != nil {
		return err
	}
	if err := ex.sessions.SaveState(ctx, live.runID, blob); err != nil {
		return &Error{Code: CodeStorageFailure, Message: "failed to save state", Cause: err}
	}
	return nil
}

// finish flushes state, sets the final session status, and builds the
// run result.
func (ex *Executor) finish(ctx context.Context, live *runState, by TerminatedBy, status session.Status) (*RunResult, error) {
	if status != session.StatusCancelled {
		// Cancel may skip the state save; everything else flushes.
		if err := ex.flushState(ctx, live); err != nil {
			return nil, err
		}
	}
	if err := ex.sessions.SetStatus(ctx, live.runID, status); err != nil {
		return nil, &Error{Code: CodeStorageFailure, Message: "failed to set session status", Cause: err}
	}
	_ = ex.log.EndRun(ctx, live.runID, string(status))

	if status == session.StatusCompleted {
		ex.emit(emit.Event{RunID: live.runID, Msg: emit.KindRunComplete})
	}
	ex.metricRunFinished(status)

	return &RunResult{
		SessionID:    live.runID,
		Status:       status,
		TerminatedBy: by,
		Memory:       live.mem.Snapshot(),
		LastVerdict:  live.lastVerdict,
		PausedAt:     live.pausedAt,
	}, nil
}

// fail marks the session failed and returns err. State is flushed so
// the failure is resumable where that makes sense.
func (ex *Executor) fail(ctx context.Context, live *runState, err error) error {
	_ = ex.flushState(ctx, live)
	_ = ex.sessions.SetStatus(ctx, live.runID, session.StatusFailed)
	_ = ex.log.EndRun(ctx, live.runID, string(session.StatusFailed))
	ex.emit(emit.Event{RunID: live.runID, Msg: emit.KindRunFault,
		Meta: map[string]interface{}{"error": publicErrText(err)}})
	return err
}

func (ex *Executor) emit(e emit.Event) {
	if ex.emitter == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	ex.emitter.Emit(e)
}
