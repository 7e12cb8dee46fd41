package run

import "errors"

var (
	// ErrNotFound indicates the requested run does not exist
	ErrNotFound = errors.New("run not found")

	// ErrAlreadyRunning indicates a duplicate start request lost the claim
	// race. It is not a fatal process error.
	ErrAlreadyRunning = errors.New("run already claimed")

	// ErrInvalidTransition indicates an attempted status regression
	ErrInvalidTransition = errors.New("invalid status transition")
)
