package triage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spec-kit/triage-service/internal/repository"
)

// Kind classifies a failed attempt.
type Kind string

const (
	KindTransportFailure Kind = "TransportFailure"
	KindMalformedOutput  Kind = "MalformedOutput"
	KindSchemaViolation  Kind = "SchemaViolation"
)

// Violation names one field of the classifier output that broke the schema.
type Violation struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Error is a retryable attempt failure.
type Error struct {
	Kind       Kind
	Detail     string
	Violations []Violation
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindSchemaViolation && len(e.Violations) > 0 {
		parts := make([]string, len(e.Violations))
		for i, v := range e.Violations {
			parts[i] = v.Field + ": " + v.Reason
		}
		return fmt.Sprintf("%s: %s", e.Detail, strings.Join(parts, ", "))
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.Err)
	}
	return e.Detail
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is an attempt failure the queue should retry.
func IsRetryable(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

// KindOf returns the attempt failure kind, or "" when err is not one.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

var (
	// ErrTicketNotFound means the job references a ticket that does not exist.
	ErrTicketNotFound = repository.ErrTicketNotFound
	// ErrAlreadySettled means the ticket is TRIAGED, RESOLVED or FAILED; the job is stale.
	ErrAlreadySettled = errors.New("ticket already settled")
	// ErrTicketBusy means another worker holds the ticket.
	ErrTicketBusy = errors.New("ticket is being triaged by another worker")
	// ErrConflictingState means the ticket left PROCESSING before the result was stored.
	ErrConflictingState = errors.New("ticket left PROCESSING before triage was stored")
)

// IsRedundant reports outcomes where another delivery already did, or is doing, the work.
func IsRedundant(err error) bool {
	return errors.Is(err, ErrAlreadySettled) || errors.Is(err, ErrTicketBusy)
}

// IsFatal reports outcomes that no retry can fix.
func IsFatal(err error) bool {
	return errors.Is(err, ErrTicketNotFound) || errors.Is(err, ErrConflictingState)
}
