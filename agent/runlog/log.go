package runlog

import (
	"context"
	"errors"
	"time"
)

// ErrRunNotFound is returned when a queried run id was never begun.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is the L1 query shape: one line per run.
type RunSummary struct {
	RunID               string
	Agent               string
	Status              string
	NeedsAttention      bool
	AttentionCategories []string
	Duration            time.Duration
	Tokens              int
	Steps               int
	StartedAt           time.Time
}

// NodeDetail is the L2 query shape: a per-node roll-up within a run.
type NodeDetail struct {
	NodeID           string
	NodeType         string
	ExitStatus       string
	Steps            int
	Tokens           int
	LatencyMS        int64
	RetryCount       int
	VerdictCounts    map[string]int
	AttentionReasons []string
}

// Log records and queries runtime steps.
//
// Appends are safe from many goroutines: the step number is allocated
// under a per-run lock, so StepNo is a total order within a run even
// when parallel branches write concurrently.
type Log interface {
	// BeginRun opens a run's log stream.
	BeginRun(ctx context.Context, runID, agent string) error

	// EndRun closes the run with its final status
	// (completed, failed, cancelled, paused).
	EndRun(ctx context.Context, runID, status string) error

	// Append records a step. A zero StepNo is replaced with the next
	// number for the run; the assigned value is written back.
	Append(ctx context.Context, step *Step) error

	// Summaries answers L1: all runs, newest first.
	Summaries(ctx context.Context) ([]RunSummary, error)

	// NodeDetails answers L2: per-node roll-ups for one run.
	NodeDetails(ctx context.Context, runID string) ([]NodeDetail, error)

	// Steps answers L3: the raw ordered step records of one node.
	// An empty nodeID returns every step of the run.
	Steps(ctx context.Context, runID, nodeID string) ([]Step, error)

	// Truncate discards the run's steps recorded after t. Recovery
	// rewinds use it so the log never shows steps from a discarded
	// future.
	Truncate(ctx context.Context, runID string, t time.Time) error
}

// exitStatus derives a node's exit status from its ordered steps.
//
// The last judged verdict decides: ACCEPT means success, ESCALATE means
// escalated. A trailing step error means failure; anything else is
// incomplete (the node never reached a terminal verdict).
func exitStatus(steps []Step) string {
	if len(steps) == 0 {
		return ""
	}

	last := steps[len(steps)-1]
	if last.Error != "" {
		return "failure"
	}

	for i := len(steps) - 1; i >= 0; i-- {
		switch steps[i].Verdict {
		case "ACCEPT":
			return "success"
		case "ESCALATE":
			return "escalated"
		case "":
			continue
		default:
			return "incomplete"
		}
	}
	return "success" // single-shot nodes have no verdicts
}

// rollUp aggregates one node's steps into a NodeDetail.
func rollUp(nodeID string, steps []Step, thresholds Thresholds) NodeDetail {
	detail := NodeDetail{
		NodeID:        nodeID,
		ExitStatus:    exitStatus(steps),
		Steps:         len(steps),
		VerdictCounts: make(map[string]int),
	}

	for _, step := range steps {
		if detail.NodeType == "" {
			detail.NodeType = step.NodeType
		}
		detail.Tokens += step.Tokens()
		detail.LatencyMS += step.LatencyMS
		if step.Verdict != "" {
			detail.VerdictCounts[step.Verdict]++
		}
	}
	detail.RetryCount = detail.VerdictCounts["RETRY"]

	detail.AttentionReasons = thresholds.Categories(
		detail.RetryCount,
		detail.VerdictCounts["ESCALATE"],
		time.Duration(detail.LatencyMS)*time.Millisecond,
		detail.Tokens,
		detail.Steps,
	)
	return detail
}
