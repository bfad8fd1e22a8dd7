package runlog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemLog is an in-memory Log for testing and development.
type MemLog struct {
	mu         sync.RWMutex
	runs       map[string]*memRun
	order      []string // run ids in begin order
	thresholds Thresholds
}

type memRun struct {
	agent    string
	status   string
	started  time.Time
	finished time.Time
	nextStep int
	steps    []Step
}

// NewMemLog creates an empty MemLog with default attention thresholds.
func NewMemLog() *MemLog {
	return &MemLog{
		runs:       make(map[string]*memRun),
		thresholds: DefaultThresholds(),
	}
}

// BeginRun implements Log.
func (m *MemLog) BeginRun(_ context.Context, runID, agent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[runID]; exists {
		return fmt.Errorf("run %q already begun", runID)
	}
	m.runs[runID] = &memRun{
		agent:    agent,
		status:   "running",
		started:  time.Now().UTC(),
		nextStep: 1,
	}
	m.order = append(m.order, runID)
	return nil
}

// EndRun implements Log.
func (m *MemLog) EndRun(_ context.Context, runID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %q: %w", runID, ErrRunNotFound)
	}
	run.status = status
	run.finished = time.Now().UTC()
	return nil
}

// Append implements Log.
func (m *MemLog) Append(_ context.Context, step *Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[step.RunID]
	if !ok {
		return fmt.Errorf("run %q: %w", step.RunID, ErrRunNotFound)
	}

	if step.StepNo == 0 {
		step.StepNo = run.nextStep
	}
	if step.StepNo >= run.nextStep {
		run.nextStep = step.StepNo + 1
	}
	if step.At.IsZero() {
		step.At = time.Now().UTC()
	}
	run.steps = append(run.steps, *step)
	return nil
}

// Summaries implements Log.
func (m *MemLog) Summaries(_ context.Context) ([]RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summaries := make([]RunSummary, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		runID := m.order[i]
		run := m.runs[runID]
		summaries = append(summaries, m.summarize(runID, run))
	}
	return summaries, nil
}

func (m *MemLog) summarize(runID string, run *memRun) RunSummary {
	var tokens, retries, escalates int
	for _, step := range run.steps {
		tokens += step.Tokens()
		switch step.Verdict {
		case "RETRY":
			retries++
		case "ESCALATE":
			escalates++
		}
	}

	end := run.finished
	if end.IsZero() {
		end = time.Now().UTC()
	}
	duration := end.Sub(run.started)

	categories := m.thresholds.Categories(retries, escalates, duration, tokens, len(run.steps))

	return RunSummary{
		RunID:               runID,
		Agent:               run.agent,
		Status:              run.status,
		NeedsAttention:      len(categories) > 0,
		AttentionCategories: categories,
		Duration:            duration,
		Tokens:              tokens,
		Steps:               len(run.steps),
		StartedAt:           run.started,
	}
}

// NodeDetails implements Log.
func (m *MemLog) NodeDetails(_ context.Context, runID string) ([]NodeDetail, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %q: %w", runID, ErrRunNotFound)
	}

	byNode := make(map[string][]Step)
	var nodeOrder []string
	for _, step := range run.steps {
		if _, seen := byNode[step.NodeID]; !seen {
			nodeOrder = append(nodeOrder, step.NodeID)
		}
		byNode[step.NodeID] = append(byNode[step.NodeID], step)
	}

	details := make([]NodeDetail, 0, len(nodeOrder))
	for _, nodeID := range nodeOrder {
		details = append(details, rollUp(nodeID, byNode[nodeID], m.thresholds))
	}
	return details, nil
}

// Truncate implements Log.
func (m *MemLog) Truncate(_ context.Context, runID string, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %q: %w", runID, ErrRunNotFound)
	}

	kept := run.steps[:0]
	next := 1
	for _, step := range run.steps {
		if step.At.After(t) {
			continue
		}
		kept = append(kept, step)
		if step.StepNo >= next {
			next = step.StepNo + 1
		}
	}
	run.steps = kept
	run.nextStep = next
	return nil
}

// Steps implements Log.
func (m *MemLog) Steps(_ context.Context, runID, nodeID string) ([]Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %q: %w", runID, ErrRunNotFound)
	}

	steps := make([]Step, 0, len(run.steps))
	for _, step := range run.steps {
		if nodeID == "" || step.NodeID == nodeID {
			steps = append(steps, step)
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepNo < steps[j].StepNo })
	return steps, nil
}
