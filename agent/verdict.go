package agent

// Verdict is the judge's decision about a node's proposed outputs.
type Verdict string

const (
	// VerdictAccept means the outputs satisfy the goal's criteria.
	VerdictAccept Verdict = "ACCEPT"

	// VerdictRetry means the criteria are unmet but progress is
	// achievable; it carries feedback for the next attempt.
	VerdictRetry Verdict = "RETRY"

	// VerdictEscalate means the node cannot recover on its own.
	VerdictEscalate Verdict = "ESCALATE"

	// VerdictContinue means the node has more work to do this visit.
	// Only event-loop nodes may continue.
	VerdictContinue Verdict = "CONTINUE"
)

// Valid reports whether v is a known verdict.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictAccept, VerdictRetry, VerdictEscalate, VerdictContinue:
		return true
	}
	return false
}

// rank orders verdicts for tie-breaking: ESCALATE beats RETRY, RETRY
// and ACCEPT both beat CONTINUE.
func (v Verdict) rank() int {
	switch v {
	case VerdictEscalate:
		return 3
	case VerdictRetry:
		return 2
	case VerdictAccept:
		return 1
	default:
		return 0
	}
}

// Strongest returns the higher-precedence of two verdicts.
func Strongest(a, b Verdict) Verdict {
	if b.rank() > a.rank() {
		return b
	}
	return a
}
