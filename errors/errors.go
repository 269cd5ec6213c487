package errors

import (
	goerrors "errors"
	"fmt"
)

// Broker taxonomy. Every command rejected with one of these stays local to
// the originating connection.
var (
	ErrUnauthenticated = fmt.Errorf("unauthenticated")
	ErrValidation      = fmt.Errorf("invalid command payload")
	ErrNotFound        = fmt.Errorf("message not found")
	ErrNotAMember      = fmt.Errorf("not a member of this conversation")
)

var (
	ErrWorkerPanic        = fmt.Errorf("worker panic")
	ErrEmptyWords         = fmt.Errorf("no words have been found")
	ErrInvalidPayload     = fmt.Errorf("invalid payload")
	ErrInvalidCredentials = fmt.Errorf("invalid credentials")
	ErrUserAlreadyExists  = fmt.Errorf("user already exists")
	ErrUserNotFound       = fmt.Errorf("user not found")
	ErrInvalidPassword    = fmt.Errorf("invalid password")
	ErrTokenGeneration    = fmt.Errorf("token generation failed")
	ErrSlowConsumer       = fmt.Errorf("outbound buffer full")
	ErrSinkClosed         = fmt.Errorf("sink closed")
	ErrEngineStopped      = fmt.Errorf("engine stopped")
	ErrBlobNotFound       = fmt.Errorf("blob not found")
	ErrBlobTooLarge       = fmt.Errorf("blob too large")
)

// Wire codes carried by the outbound error event.
const (
	CodeAuth       = "auth_error"
	CodeValidation = "validation_error"
	CodeNotFound   = "not_found"
	CodeNotAMember = "not_a_member"
	CodeInternal   = "internal_error"
)

// Code maps an error onto the wire code reported to clients.
func Code(err error) string {
	switch {
	case goerrors.Is(err, ErrUnauthenticated):
		return CodeAuth
	case goerrors.Is(err, ErrValidation):
		return CodeValidation
	case goerrors.Is(err, ErrNotFound):
		return CodeNotFound
	case goerrors.Is(err, ErrNotAMember):
		return CodeNotAMember
	default:
		return CodeInternal
	}
}

// Is re-exports the standard library helper so callers importing this
// package do not need a second errors import.
func Is(err, target error) bool {
	return goerrors.Is(err, target)
}
