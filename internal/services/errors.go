package services

import (
	"errors"
	"fmt"

	"github.com/akmatori/escalator/internal/database"
)

var (
	// ErrInvalidTransition is returned for a state change the lifecycle does not allow
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrNoCoverage is returned when nobody holds a role at the requested time
	ErrNoCoverage = errors.New("no on-call coverage")
	// ErrDuplicateBreach is returned when a breach was already handled
	ErrDuplicateBreach = errors.New("duplicate breach")
	// ErrAlertNotFound is returned for unknown alert ids
	ErrAlertNotFound = errors.New("alert not found")
	// ErrAlertResolved is returned by operations that cannot touch a resolved alert
	ErrAlertResolved = errors.New("alert is resolved")
	// ErrInvalidEvent is returned for ingest events missing a fingerprint or severity
	ErrInvalidEvent = errors.New("invalid event")
	// ErrInvalidOverride is returned for overrides without a role, a person or a positive window
	ErrInvalidOverride = errors.New("invalid override")
)

// TransitionError describes a rejected state change
type TransitionError struct {
	AlertID string
	From    database.AlertState
	To      database.AlertState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for alert %s: %s -> %s", e.AlertID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}
