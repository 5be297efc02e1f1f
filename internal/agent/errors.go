package agent

import (
	"errors"
	"fmt"
)

var ErrEmptyQuestion = errors.New("question must not be empty")

// Reason is the machine-readable cause of a failed turn.
type Reason string

const (
	ReasonSchemaUnavailable   Reason = "schema_unavailable"
	ReasonSynthesisFailed     Reason = "synthesis_failed"
	ReasonValidationExhausted Reason = "validation_exhausted"
	ReasonExecutionTimeout    Reason = "execution_timeout"
	ReasonExecutionError      Reason = "execution_error"
	ReasonCancelled           Reason = "cancelled"
)

var userMessages = map[Reason]string{
	ReasonSchemaUnavailable:   "The database schema is temporarily unavailable. Please try again shortly.",
	ReasonSynthesisFailed:     "I could not turn that question into a query. Please try rephrasing it.",
	ReasonValidationExhausted: "I could not produce a safe read-only query for that question. I can only answer questions that read data.",
	ReasonExecutionTimeout:    "The query took too long to run. Try asking a narrower question.",
	ReasonExecutionError:      "The database could not run the query for that question. Please try rephrasing it.",
	ReasonCancelled:           "The request was cancelled before it finished.",
}

// Message returns the generic text shown to users for reason.
func (r Reason) Message() string {
	if message, ok := userMessages[r]; ok {
		return message
	}
	return "The question could not be answered."
}

// Retryable reports whether asking again unchanged may succeed.
func (r Reason) Retryable() bool {
	switch r {
	case ReasonSchemaUnavailable, ReasonExecutionTimeout, ReasonCancelled:
		return true
	default:
		return false
	}
}

// Error is returned by Ask for turns that ended in the failed state. Err is
// the underlying cause and is never shown to users.
type Error struct {
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(reason Reason, err error) *Error {
	return &Error{Reason: reason, Message: reason.Message(), Err: err}
}
