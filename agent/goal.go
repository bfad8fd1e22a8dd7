package agent

// ConstraintKind distinguishes constraints that abort a run from
// constraints that merely inform the judge.
type ConstraintKind string

const (
	// ConstraintHard constraints abort the run when violated.
	ConstraintHard ConstraintKind = "hard"

	// ConstraintSoft constraints feed into judge feedback only.
	ConstraintSoft ConstraintKind = "soft"
)

// SuccessCriterion is one measurable condition of goal success.
// The judge consults criteria whose Metric names an output key of the
// node under evaluation.
type SuccessCriterion struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	Metric      string  `json:"metric"`
	Target      string  `json:"target"`
	Weight      float64 `json:"weight"`
}

// Constraint restricts how a goal may be accomplished.
type Constraint struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	Kind        ConstraintKind `json:"kind"`
	Category    string         `json:"category"`
}

// Goal declares what a run should accomplish. Goals are immutable
// after the executor accepts them.
type Goal struct {
	ID              string             `json:"id"`
	Description     string             `json:"description"`
	SuccessCriteria []SuccessCriterion `json:"success_criteria"`
	Constraints     []Constraint       `json:"constraints"`
}

// Validate checks structural invariants before a run accepts the goal.
func (g *Goal) Validate() error {
	if g == nil {
		return &Error{Code: CodeGoalInvalid, Message: "goal is nil"}
	}
	if g.ID == "" {
		return &Error{Code: CodeGoalInvalid, Message: "goal id is empty"}
	}
	if g.Description == "" {
		return &Error{Code: CodeGoalInvalid, Message: "goal " + g.ID + " has no description"}
	}

	seen := make(map[string]bool)
	for _, c := range g.SuccessCriteria {
		if c.ID == "" {
			return &Error{Code: CodeGoalInvalid, Message: "goal " + g.ID + " has a criterion with no id"}
		}
		if seen[c.ID] {
			return &Error{Code: CodeGoalInvalid, Message: "duplicate criterion id: " + c.ID}
		}
		seen[c.ID] = true
		if c.Weight < 0 {
			return &Error{Code: CodeGoalInvalid, Message: "criterion " + c.ID + " has negative weight"}
		}
	}

	for _, c := range g.Constraints {
		if c.ID == "" {
			return &Error{Code: CodeGoalInvalid, Message: "goal " + g.ID + " has a constraint with no id"}
		}
		if c.Kind != ConstraintHard && c.Kind != ConstraintSoft {
			return &Error{Code: CodeGoalInvalid, Message: "constraint " + c.ID + " has unknown kind: " + string(c.Kind)}
		}
	}
	return nil
}

// HardConstraints returns the constraints that abort a run when
// violated.
func (g *Goal) HardConstraints() []Constraint {
	var hard []Constraint
	for _, c := range g.Constraints {
		if c.Kind == ConstraintHard {
			hard = append(hard, c)
		}
	}
	return hard
}

// CriteriaFor returns the success criteria whose metric names one of
// the given output keys. Criteria with an empty metric apply to every
// node.
func (g *Goal) CriteriaFor(outputKeys []string) []SuccessCriterion {
	keys := make(map[string]bool, len(outputKeys))
	for _, k := range outputKeys {
		keys[k] = true
	}

	var applicable []SuccessCriterion
	for _, c := range g.SuccessCriteria {
		if c.Metric == "" || keys[c.Metric] {
			applicable = append(applicable, c)
		}
	}
	return applicable
}
