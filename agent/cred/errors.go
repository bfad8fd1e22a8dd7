package cred

import (
	"errors"
	"fmt"
)

// Error codes exposed by the credential store. Messages carry context but
// never secret material.
const (
	CodeNotFound     = "CredentialNotFound"
	CodeRefreshError = "CredentialRefreshError"
	CodeCorrupt      = "CredentialCorrupt"
	CodeInvalid      = "CredentialInvalid"
	CodeStorage      = "StorageFailure"
	CodeReadOnly     = "StorageReadOnly"
)

// Error is a structured credential failure with a machine code.
//
// Use errors.As to inspect the code:
//
//	var credErr *cred.Error
//	if errors.As(err, &credErr) && credErr.Code == cred.CodeNotFound {
//	    // handle missing credential
//	}
type Error struct {
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NotFound builds a CredentialNotFound error for the given id.
func NotFound(id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("credential %q not found", id)}
}

// IsNotFound reports whether err is a CredentialNotFound error.
func IsNotFound(err error) bool {
	return hasCode(err, CodeNotFound)
}

// IsCorrupt reports whether err is a CredentialCorrupt error.
func IsCorrupt(err error) bool {
	return hasCode(err, CodeCorrupt)
}

func hasCode(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
