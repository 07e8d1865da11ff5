// Package errors provides structured error handling for the arena service.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Validation errors
	CodeValidation Code = "VALIDATION"
	CodeNotFound   Code = "NOT_FOUND"

	// Session errors
	CodeSessionNotJoinable Code = "SESSION_NOT_JOINABLE"
	CodeSessionNotFound    Code = "SESSION_NOT_FOUND"
	CodeSessionFull        Code = "SESSION_FULL"
	CodeAlreadyInSession   Code = "ALREADY_IN_SESSION"
	CodeSessionIncomplete  Code = "SESSION_INCOMPLETE"
	CodeNotInSession       Code = "NOT_IN_SESSION"

	// Match errors
	CodeNotYourTurn     Code = "NOT_YOUR_TURN"
	CodeMatchInProgress Code = "MATCH_IN_PROGRESS"
	CodeMatchComplete   Code = "MATCH_COMPLETE"
	CodeAlreadyPlayed   Code = "ALREADY_PLAYED"
	CodeConflict        Code = "CONFLICT"

	// Resolution errors
	CodeEngineUnavailable  Code = "ENGINE_UNAVAILABLE"
	CodeIntegrityViolation Code = "INTEGRITY_VIOLATION"

	// Storage errors
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"
)

// HTTPStatus maps domain codes to HTTP status codes.
func (c Code) HTTPStatus() int {
	switch c {
	// Bad request - validation failures, bad input
	case CodeValidation,
		CodeSessionIncomplete,
		CodeNotInSession:
		return http.StatusBadRequest

	// Conflict - state doesn't allow the operation right now
	case CodeSessionNotJoinable,
		CodeSessionFull,
		CodeAlreadyInSession,
		CodeNotYourTurn,
		CodeMatchInProgress,
		CodeMatchComplete,
		CodeAlreadyPlayed,
		CodeConflict:
		return http.StatusConflict

	// Not found - resource doesn't exist
	case CodeNotFound,
		CodeSessionNotFound:
		return http.StatusNotFound

	// Unavailable - collaborators unreachable, caller may retry
	case CodeEngineUnavailable,
		CodeStorageUnavailable:
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}
