package agent

import (
	"fmt"

	"github.com/dshills/agentrun-go/agent/tool"
)

// NodeKind selects the runtime a node executes under.
type NodeKind string

const (
	// KindEventLoop nodes interleave LLM steps, tool calls, and judge
	// verdicts until the judge accepts or escalates.
	KindEventLoop NodeKind = "event_loop"

	// KindFunction nodes are a pure mapping from declared inputs to
	// declared outputs, with no LLM involvement.
	KindFunction NodeKind = "function"

	// KindClientFacing nodes are event loops that must request and
	// receive user input before setting outputs.
	KindClientFacing NodeKind = "client_facing_event_loop"

	// KindTerminal nodes end the run.
	KindTerminal NodeKind = "terminal"
)

// FunctionFunc is the body of a function node: declared inputs in,
// declared outputs out.
type FunctionFunc func(inputs map[string]interface{}) (map[string]interface{}, error)

// Node is a unit of work in the graph.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"kind"`

	// InputKeys are the memory keys the node reads.
	InputKeys []string `json:"input_keys,omitempty"`

	// OutputKeys are the memory keys the node may write via set_output.
	OutputKeys []string `json:"output_keys,omitempty"`

	// NullableOutputKeys is the subset of OutputKeys that may be absent
	// after the node completes.
	NullableOutputKeys []string `json:"nullable_output_keys,omitempty"`

	// SystemPrompt seeds the conversation of event-loop visits.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// Tools names the dispatcher tools offered to this node.
	// set_output is always available and need not be listed.
	Tools []string `json:"tools,omitempty"`

	// MaxVisits bounds activations of this node within a run.
	// Zero means DefaultMaxVisits.
	MaxVisits int `json:"max_visits,omitempty"`

	// MaxStepsPerVisit bounds steps within one visit. Zero means
	// DefaultMaxStepsPerVisit.
	MaxStepsPerVisit int `json:"max_steps_per_visit,omitempty"`

	// Func is the body of a function node. Ignored for other kinds.
	Func FunctionFunc `json:"-"`
}

// Visit and step defaults applied when a node leaves them zero.
const (
	DefaultMaxVisits        = 5
	DefaultMaxStepsPerVisit = 10
)

func (n *Node) maxVisits() int {
	if n.MaxVisits > 0 {
		return n.MaxVisits
	}
	return DefaultMaxVisits
}

func (n *Node) maxSteps() int {
	if n.MaxStepsPerVisit > 0 {
		return n.MaxStepsPerVisit
	}
	return DefaultMaxStepsPerVisit
}

// requiredOutputKeys returns OutputKeys minus NullableOutputKeys.
func (n *Node) requiredOutputKeys() []string {
	nullable := make(map[string]bool, len(n.NullableOutputKeys))
	for _, k := range n.NullableOutputKeys {
		nullable[k] = true
	}
	var required []string
	for _, k := range n.OutputKeys {
		if !nullable[k] {
			required = append(required, k)
		}
	}
	return required
}

func (n *Node) allowsOutputKey(key string) bool {
	for _, k := range n.OutputKeys {
		if k == key {
			return true
		}
	}
	return false
}

// ConditionKind names the edge predicate forms.
type ConditionKind string

const (
	CondOnSuccess       ConditionKind = "on_success"
	CondOnVerdict       ConditionKind = "on_verdict"
	CondOnOutputEquals  ConditionKind = "on_output_equals"
	CondOnOutputPresent ConditionKind = "on_output_present"
	CondAlways          ConditionKind = "always"
)

// Condition is an edge predicate over (last verdict, memory).
type Condition struct {
	Kind    ConditionKind `json:"kind"`
	Verdict Verdict       `json:"verdict,omitempty"`
	Key     string        `json:"key,omitempty"`
	Value   interface{}   `json:"value,omitempty"`
}

// OnSuccess matches when the last verdict was ACCEPT.
func OnSuccess() Condition { return Condition{Kind: CondOnSuccess} }

// OnVerdict matches the given verdict exactly.
func OnVerdict(v Verdict) Condition { return Condition{Kind: CondOnVerdict, Verdict: v} }

// OnOutputEquals matches when memory[key] equals value.
func OnOutputEquals(key string, value interface{}) Condition {
	return Condition{Kind: CondOnOutputEquals, Key: key, Value: value}
}

// OnOutputPresent matches when memory[key] exists.
func OnOutputPresent(key string) Condition {
	return Condition{Kind: CondOnOutputPresent, Key: key}
}

// Always matches unconditionally.
func Always() Condition { return Condition{Kind: CondAlways} }

// Matches evaluates the condition. Evaluation is pure: the same
// inputs always give the same answer.
func (c Condition) Matches(lastVerdict Verdict, mem *Memory) bool {
	switch c.Kind {
	case CondOnSuccess:
		return lastVerdict == VerdictAccept
	case CondOnVerdict:
		return lastVerdict == c.Verdict
	case CondOnOutputEquals:
		v, ok := mem.Get(c.Key)
		return ok && fmt.Sprintf("%v", v) == fmt.Sprintf("%v", c.Value)
	case CondOnOutputPresent:
		_, ok := mem.Get(c.Key)
		return ok
	case CondAlways:
		return true
	}
	return false
}

// Edge carries control from Source to Target when its condition
// matches. For a given (source, verdict, memory) the first matching
// edge in declared order fires.
type Edge struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Condition Condition `json:"condition"`
}

// ParallelBatch declares that after Source completes successfully, the
// named branch entry nodes run concurrently and rejoin at Join. The
// branches must be statically independent: node-disjoint until the
// join, with mutually disjoint output keys.
type ParallelBatch struct {
	Source   string   `json:"source"`
	Branches []string `json:"branches"`
	Join     string   `json:"join"`
}

// Graph is the static topology of a run. Graphs are loaded once per
// run and never mutated.
type Graph struct {
	Nodes           []*Node         `json:"nodes"`
	Edges           []Edge          `json:"edges"`
	EntryNodeID     string          `json:"entry_node_id"`
	TerminalNodeIDs []string        `json:"terminal_node_ids"`
	Batches         []ParallelBatch `json:"batches,omitempty"`

	byID map[string]*Node
}

// NodeByID returns the node with the given id, or nil.
func (g *Graph) NodeByID(id string) *Node {
	if g.byID == nil {
		g.index()
	}
	return g.byID[id]
}

func (g *Graph) index() {
	g.byID = make(map[string]*Node, len(g.Nodes))
	for _, n := range g.Nodes {
		g.byID[n.ID] = n
	}
}

func (g *Graph) isTerminal(id string) bool {
	for _, t := range g.TerminalNodeIDs {
		if t == id {
			return true
		}
	}
	return false
}

// batchFor returns the declared parallel batch whose source is the
// given node, or nil.
func (g *Graph) batchFor(nodeID string) *ParallelBatch {
	for i := range g.Batches {
		if g.Batches[i].Source == nodeID {
			return &g.Batches[i]
		}
	}
	return nil
}

// NextEdge returns the first edge out of source whose condition
// matches, or nil when none fires.
func (g *Graph) NextEdge(source string, lastVerdict Verdict, mem *Memory) *Edge {
	for i := range g.Edges {
		if g.Edges[i].Source != source {
			continue
		}
		if g.Edges[i].Condition.Matches(lastVerdict, mem) {
			return &g.Edges[i]
		}
	}
	return nil
}

// Validate checks the graph's structural invariants against the tool
// dispatcher the run will use. It must pass before execution starts.
func (g *Graph) Validate(tools tool.Dispatcher) error {
	if len(g.Nodes) == 0 {
		return &Error{Code: CodeGraphInvalid, Message: "graph has no nodes"}
	}
	g.index()

	for _, n := range g.Nodes {
		if n.ID == "" {
			return &Error{Code: CodeGraphInvalid, Message: "graph has a node with no id"}
		}
		switch n.Kind {
		case KindEventLoop, KindFunction, KindClientFacing, KindTerminal:
		default:
			return &Error{Code: CodeGraphInvalid, Message: "node " + n.ID + " has unknown kind: " + string(n.Kind)}
		}
		if n.Kind == KindFunction && n.Func == nil {
			return &Error{Code: CodeGraphInvalid, Message: "function node " + n.ID + " has no body"}
		}

		outputs := make(map[string]bool, len(n.OutputKeys))
		for _, k := range n.OutputKeys {
			outputs[k] = true
		}
		for _, k := range n.NullableOutputKeys {
			if !outputs[k] {
				return &Error{Code: CodeGraphInvalid, Message: "node " + n.ID + ": nullable key " + k + " is not an output key"}
			}
		}

		for _, name := range n.Tools {
			if name == tool.SetOutputName {
				continue // always provided by the runtime
			}
			if tools == nil || !tools.Has(name) {
				return &Error{Code: CodeToolUnavailable, Message: "node " + n.ID + " requires unknown tool: " + name}
			}
		}
	}

	if g.NodeByID(g.EntryNodeID) == nil {
		return &Error{Code: CodeGraphInvalid, Message: "entry node does not exist: " + g.EntryNodeID}
	}
	for _, t := range g.TerminalNodeIDs {
		if g.NodeByID(t) == nil {
			return &Error{Code: CodeGraphInvalid, Message: "terminal node does not exist: " + t}
		}
	}

	for _, e := range g.Edges {
		if g.NodeByID(e.Source) == nil {
			return &Error{Code: CodeGraphInvalid, Message: "edge source does not exist: " + e.Source}
		}
		if g.NodeByID(e.Target) == nil {
			return &Error{Code: CodeGraphInvalid, Message: "edge target does not exist: " + e.Target}
		}
	}

	if err := g.checkReachability(); err != nil {
		return err
	}

	for i := range g.Batches {
		if err := g.validateBatch(&g.Batches[i]); err != nil {
			return err
		}
	}
	return nil
}

// checkReachability rejects nodes unreachable from the entry node.
// Cycles are allowed; visit counts bound them at runtime.
func (g *Graph) checkReachability() error {
	reached := map[string]bool{g.EntryNodeID: true}
	frontier := []string{g.EntryNodeID}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for _, e := range g.Edges {
			if e.Source == current && !reached[e.Target] {
				reached[e.Target] = true
				frontier = append(frontier, e.Target)
			}
		}
		if b := g.batchFor(current); b != nil {
			for _, branch := range append(b.Branches, b.Join) {
				if !reached[branch] {
					reached[branch] = true
					frontier = append(frontier, branch)
				}
			}
		}
	}

	for _, n := range g.Nodes {
		if !reached[n.ID] {
			return &Error{Code: CodeGraphInvalid, Message: "node is unreachable from entry: " + n.ID}
		}
	}
	return nil
}

// validateBatch checks the static independence of a parallel batch:
// branch subgraphs must not share nodes before the join, and their
// output keys must be mutually disjoint.
func (g *Graph) validateBatch(b *ParallelBatch) error {
	if g.NodeByID(b.Source) == nil {
		return &Error{Code: CodeGraphInvalid, Message: "batch source does not exist: " + b.Source}
	}
	if g.NodeByID(b.Join) == nil {
		return &Error{Code: CodeGraphInvalid, Message: "batch join does not exist: " + b.Join}
	}
	if len(b.Branches) < 2 {
		return &Error{Code: CodeGraphInvalid, Message: "batch from " + b.Source + " needs at least two branches"}
	}

	claimedNode := make(map[string]string) // node id -> branch entry that claimed it
	claimedKey := make(map[string]string)  // output key -> branch entry

	for _, entry := range b.Branches {
		nodes, err := g.branchNodes(entry, b.Join)
		if err != nil {
			return err
		}
		for _, id := range nodes {
			if g.NodeByID(id).Kind == KindClientFacing {
				return &Error{Code: CodeGraphInvalid,
					Message: "client-facing node " + id + " cannot run inside a parallel batch"}
			}
			if prev, taken := claimedNode[id]; taken && prev != entry {
				return &Error{Code: CodeGraphInvalid,
					Message: "batch branches " + prev + " and " + entry + " share node " + id + " before the join"}
			}
			claimedNode[id] = entry

			for _, k := range g.NodeByID(id).OutputKeys {
				if prev, taken := claimedKey[k]; taken && prev != entry {
					return &Error{Code: CodeGraphInvalid,
						Message: "batch branches " + prev + " and " + entry + " both write key " + k}
				}
				claimedKey[k] = entry
			}
		}
	}
	return nil
}

// branchNodes returns the node ids reachable from entry without
// passing through join.
func (g *Graph) branchNodes(entry, join string) ([]string, error) {
	if g.NodeByID(entry) == nil {
		return nil, &Error{Code: CodeGraphInvalid, Message: "batch branch does not exist: " + entry}
	}

	reached := map[string]bool{entry: true}
	frontier := []string{entry}
	var order []string
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		order = append(order, current)
		for _, e := range g.Edges {
			if e.Source == current && e.Target != join && !reached[e.Target] {
				reached[e.Target] = true
				frontier = append(frontier, e.Target)
			}
		}
	}
	return order, nil
}
