package agent

import (
	"time"

	"github.com/dshills/agentrun-go/agent/emit"
	"github.com/dshills/agentrun-go/agent/runlog"
	"github.com/dshills/agentrun-go/agent/session"
)

// Option configures an Executor at construction time.
type Option func(*Executor) error

// WithJudge replaces the default criteria judge.
func WithJudge(j Judge) Option {
	return func(ex *Executor) error {
		if j == nil {
			return &Error{Code: CodeGoalInvalid, Message: "judge cannot be nil"}
		}
		ex.judge = j
		return nil
	}
}

// WithSessionStore sets the durable session backend. The default is
// in-memory, suitable only for tests and throwaway runs.
func WithSessionStore(s session.Store) Option {
	return func(ex *Executor) error {
		if s == nil {
			return &Error{Code: CodeStorageFailure, Message: "session store cannot be nil"}
		}
		ex.sessions = s
		return nil
	}
}

// WithRunLog sets the runtime event log backend.
func WithRunLog(l runlog.Log) Option {
	return func(ex *Executor) error {
		if l == nil {
			return &Error{Code: CodeStorageFailure, Message: "run log cannot be nil"}
		}
		ex.log = l
		return nil
	}
}

// WithEmitter subscribes an observability emitter. Emitters observe;
// they never mutate run state.
func WithEmitter(e emit.Emitter) Option {
	return func(ex *Executor) error {
		ex.emitter = e
		return nil
	}
}

// WithMetrics attaches Prometheus metrics collection.
func WithMetrics(m *Metrics) Option {
	return func(ex *Executor) error {
		ex.metrics = m
		return nil
	}
}

// WithStepTimeout bounds every LLM and tool call. Default 60s.
func WithStepTimeout(d time.Duration) Option {
	return func(ex *Executor) error {
		if d <= 0 {
			return &Error{Code: CodeGoalInvalid, Message: "step timeout must be positive"}
		}
		ex.stepTimeout = d
		return nil
	}
}

// WithQuiescence sets how long cancelled in-flight calls get to stop
// before they are abandoned. Default 5s.
func WithQuiescence(d time.Duration) Option {
	return func(ex *Executor) error {
		if d < 0 {
			return &Error{Code: CodeGoalInvalid, Message: "quiescence cannot be negative"}
		}
		ex.quiescence = d
		return nil
	}
}

// WithCostTracker attaches dollar-cost accounting for LLM usage.
func WithCostTracker(ct *CostTracker) Option {
	return func(ex *Executor) error {
		ex.costs = ct
		return nil
	}
}

// WithCheckpointInterval enables periodic checkpoints every n steps
// inside long event-loop visits. Zero disables them (the default);
// boundary checkpoints are always written.
func WithCheckpointInterval(n int) Option {
	return func(ex *Executor) error {
		if n < 0 {
			return &Error{Code: CodeGoalInvalid, Message: "checkpoint interval cannot be negative"}
		}
		ex.checkpointEvery = n
		return nil
	}
}

// WithWorkers sets the parallel-batch worker pool size. Default 4.
func WithWorkers(n int) Option {
	return func(ex *Executor) error {
		if n < 1 {
			return &Error{Code: CodeGoalInvalid, Message: "worker pool needs at least one worker"}
		}
		ex.workers = n
		return nil
	}
}
