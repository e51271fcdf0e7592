package core

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers at the boundary.
var (
	// ErrNotFound: lifecycle call against an unknown alert id.
	ErrNotFound = errors.New("alert not found")

	// ErrInvalidTransition: lifecycle call violating the state machine.
	ErrInvalidTransition = errors.New("invalid alert state transition")

	// ErrModelNotReady: scoring without a trained model. Fusion proceeds
	// rule-only when it sees this.
	ErrModelNotReady = errors.New("anomaly model not trained")

	// ErrNoTrainingData: training on an empty dataset.
	ErrNoTrainingData = errors.New("no training data")
)

// ValidationError rejects a raw sample at the ingest boundary. It carries
// the offending field so callers can report precisely; it is counted, not
// propagated past submit.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid sample: %s %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a sample validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ActuatorError wraps a failed valve command. Captured into audit; the
// alert still records the attempt with status failed.
type ActuatorError struct {
	Location string
	Op       string // close | open
	Err      error
}

func (e *ActuatorError) Error() string {
	return fmt.Sprintf("valve %s %s: %v", e.Op, e.Location, e.Err)
}

func (e *ActuatorError) Unwrap() error { return e.Err }
