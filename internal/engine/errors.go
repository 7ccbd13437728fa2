package engine

import (
	"errors"
	"fmt"
)

// MaterializeError is returned when materialization cannot complete. The
// caller's transaction must be rolled back.
type MaterializeError struct {
	// Code identifies the error category.
	Code MaterializeErrorCode

	// Message is a human-readable description.
	Message string

	// ActionID identifies the record being applied or rolled back.
	ActionID string

	// Err is the underlying storage error, if any.
	Err error
}

// MaterializeErrorCode categorizes materialization errors.
type MaterializeErrorCode string

const (
	// ErrCodeApply indicates a forward patch was rejected.
	ErrCodeApply MaterializeErrorCode = "APPLY_FAILED"

	// ErrCodeRollback indicates a reverse patch was rejected.
	ErrCodeRollback MaterializeErrorCode = "ROLLBACK_FAILED"

	// ErrCodeRoundsExceeded indicates the rollback/replay loop did not settle.
	ErrCodeRoundsExceeded MaterializeErrorCode = "ROUNDS_EXCEEDED"
)

// Error implements the error interface.
func (e *MaterializeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.ActionID != "" {
		msg += fmt.Sprintf(" (action=%s)", e.ActionID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *MaterializeError) Unwrap() error {
	return e.Err
}

// IsRoundsExceeded returns true if the error is a rounds-exceeded error.
// Uses errors.As to handle wrapped errors.
func IsRoundsExceeded(err error) bool {
	var me *MaterializeError
	return errors.As(err, &me) && me.Code == ErrCodeRoundsExceeded
}

func applyError(actionID string, err error) *MaterializeError {
	return &MaterializeError{Code: ErrCodeApply, Message: "forward patch rejected", ActionID: actionID, Err: err}
}

func rollbackError(actionID string, err error) *MaterializeError {
	return &MaterializeError{Code: ErrCodeRollback, Message: "reverse patch rejected", ActionID: actionID, Err: err}
}

func roundsError(rounds, limit int) *MaterializeError {
	return &MaterializeError{
		Code:    ErrCodeRoundsExceeded,
		Message: fmt.Sprintf("materializer did not settle (%d rounds > %d limit)", rounds, limit),
	}
}
