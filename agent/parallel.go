package agent

import (
	"context"
	"sync"

	"github.com/dshills/agentrun-go/agent/emit"
)

// runBatch executes a declared parallel batch: every branch runs
// concurrently against a logical copy of memory, bounded by the
// worker pool; at the join the branches' writes merge into shared
// memory in declared branch order. A key written by two branches is a
// run-level fault.
func (ex *Executor) runBatch(ctx context.Context, ctrl *runControl, live *runState, batch *ParallelBatch) error {
	base := live.mem.Snapshot()
	branches := make([]*branchMemory, len(batch.Branches))
	errs := make([]error, len(batch.Branches))

	// The pool bounds branch concurrency; acquiring a slot blocks when
	// the pool is saturated.
	pool := make(chan struct{}, ex.workers)
	var wg sync.WaitGroup

	for i, entry := range batch.Branches {
		wg.Add(1)
		go func(i int, entry string) {
			defer wg.Done()
			select {
			case pool <- struct{}{}:
				defer func() { <-pool }()
			case <-ctx.Done():
				errs[i] = &Error{Code: CodeCancelled, Message: "run cancelled", Cause: ctx.Err()}
				return
			}

			bm := newBranchMemory(base)
			branches[i] = bm
			errs[i] = ex.runBranch(ctx, ctrl.branchControl(), live, entry, batch.Join, bm)
		}(i, entry)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	if err := mergeBranches(live.mem, branches, batch.Branches); err != nil {
		ex.emit(emit.Event{RunID: live.runID, NodeID: batch.Join, Msg: emit.KindRunFault,
			Meta: map[string]interface{}{"error": CodeBranchMergeConflict}})
		return err
	}
	ex.emit(emit.Event{RunID: live.runID, NodeID: batch.Join, Msg: emit.KindBranchMerge,
		Meta: map[string]interface{}{"branches": len(batch.Branches)}})
	return nil
}

// runBranch drives one branch from its entry node until an edge leads
// to the join. Branches take no checkpoints; the batch boundary is
// the checkpointable unit.
func (ex *Executor) runBranch(ctx context.Context, ctrl *runControl, live *runState, entry, join string, bm *branchMemory) error {
	current := entry
	for {
		if current == join {
			return nil
		}
		node := ex.graph.NodeByID(current)
		if node == nil {
			return &Error{Code: CodeGraphInvalid, Message: "branch node does not exist: " + current}
		}

		visits := live.incVisit(node.ID)
		if visits > node.maxVisits() {
			return &Error{Code: CodeNodeMaxVisits, Message: "max visits exceeded in branch", NodeID: node.ID}
		}

		var res visitResult
		switch node.Kind {
		case KindFunction:
			res = ex.runFunction(ctx, node, bm.memory(), bm.record, live.runID)
		default:
			loop := ex.newEventLoop(ctrl, node, bm.memory(), bm.record, live.runID)
			res = loop.run(ctx)
		}

		switch {
		case res.err != nil:
			return res.err
		case res.suspended:
			// Client-facing nodes are rejected in batch validation, so a
			// suspension here is an invariant breach.
			return &Error{Code: CodeGraphInvalid, Message: "branch suspended for user input", NodeID: node.ID}
		case len(res.violated) > 0:
			return &Error{Code: CodeHardConstraint, Message: "hard constraint violated in branch", NodeID: node.ID}
		}

		edge := ex.graph.NextEdge(node.ID, res.verdict, bm.memory())
		if edge == nil {
			return &Error{Code: CodeNoValidEdge, Message: "no valid edge in branch", NodeID: node.ID}
		}
		current = edge.Target
	}
}
