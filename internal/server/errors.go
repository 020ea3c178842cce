package server

import (
	"errors"
	"log/slog"

	"github.com/Tyrowin/gochat-live/internal/telemetry"
)

// Error kinds. Every EventError wraps exactly one of them so callers can
// branch with errors.Is.
var (
	ErrAuthentication = errors.New("authentication error")
	ErrValidation     = errors.New("validation error")
	ErrPersistence    = errors.New("persistence error")
	ErrCollaborator   = errors.New("collaborator error")
	ErrTransport      = errors.New("transport error")
)

// EventError is a failure while handling one inbound event. Message is what
// the originating client is told; Err is the cause, kept for logs.
type EventError struct {
	Kind    error
	Message string
	Err     error
}

func (e *EventError) Error() string {
	if e.Err != nil {
		return e.Kind.Error() + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (e *EventError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func authError(message string, err error) *EventError {
	return &EventError{Kind: ErrAuthentication, Message: message, Err: err}
}

func validationError(message string) *EventError {
	return &EventError{Kind: ErrValidation, Message: message}
}

func persistenceError(message string, err error) *EventError {
	return &EventError{Kind: ErrPersistence, Message: message, Err: err}
}

func collaboratorError(message string, err error) *EventError {
	return &EventError{Kind: ErrCollaborator, Message: message, Err: err}
}

// outcomeOf maps an event error to its metrics outcome and log level.
func outcomeOf(err error) (string, slog.Level) {
	switch {
	case err == nil:
		return telemetry.OutcomeOK, slog.LevelDebug
	case errors.Is(err, ErrAuthentication), errors.Is(err, ErrValidation):
		return telemetry.OutcomeRejected, slog.LevelInfo
	default:
		return telemetry.OutcomeFailed, slog.LevelWarn
	}
}
