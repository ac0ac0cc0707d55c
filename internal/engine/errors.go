package engine

import (
	"errors"
	"fmt"

	"vintner/internal/work"
)

var (
	ErrTargetBusy       = errors.New("target busy")
	ErrActivityNotFound = errors.New("activity not found")
	ErrWorkerNotFound   = errors.New("worker not found")
	ErrParamsMismatch   = errors.New("params do not match activity category")
	ErrShutdown         = errors.New("scheduler is shut down")

	// Re-exported so callers can match sizing failures without importing work.
	ErrUnknownCategory = work.ErrUnknownCategory
	ErrInvalidAmount   = work.ErrInvalidAmount
	ErrInvalidDensity  = work.ErrInvalidDensity
)

// TargetBusyError reports the activity currently holding a target.
type TargetBusyError struct {
	TargetID string
	HolderID string
}

func (e *TargetBusyError) Error() string {
	return fmt.Sprintf("target %s already has an activity in progress", e.TargetID)
}

func (e *TargetBusyError) Unwrap() error {
	return ErrTargetBusy
}
