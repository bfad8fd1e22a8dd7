// Package agent executes directed graphs of LLM-driven nodes that
// cooperate through shared memory to accomplish a declared goal.
package agent

import "errors"

// Error codes exposed at the public surface. Credential errors carry
// their own codes in the cred package.
const (
	CodeGoalInvalid        = "GoalInvalid"
	CodeGraphInvalid       = "GraphInvalid"
	CodeNodeTimeout        = "NodeTimeout"
	CodeNodeMaxVisits      = "NodeMaxVisits"
	CodeNoValidEdge        = "NoValidEdge"
	CodeHardConstraint     = "HardConstraintViolated"
	CodeToolUnavailable    = "ToolUnavailable"
	CodeLLMUnavailable     = "LLMUnavailable"
	CodeSessionNotFound    = "SessionNotFound"
	CodeSessionNotResumable = "SessionNotResumable"
	CodeStorageFailure     = "StorageFailure"
	CodeCancelled          = "Cancelled"
	CodeBranchMergeConflict = "BranchMergeConflict"
)

// Error is a structured runtime error with a machine-readable code.
type Error struct {
	// Code is one of the Code* constants.
	Code string

	// Message is the human-readable description. It never contains
	// secret values.
	Message string

	// NodeID identifies the node involved, when one is.
	NodeID string

	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Code + ": " + e.Message
	if e.NodeID != "" {
		msg = e.Code + ": node " + e.NodeID + ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error { return e.Cause }

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
