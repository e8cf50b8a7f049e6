package jober

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
	ErrRunNotFound = errors.New("run not found")
	ErrNoCapture   = errors.New("run output is not captured")
	ErrBadSpec     = errors.New("invalid job spec")
	ErrStopped     = errors.New("jober is stopped")
)

// InvalidStatusError is returned when attempting an invalid Run status
// transition, e.g. stopping a run that already finished.
type InvalidStatusError struct {
	from Status
	to   Status
}

func (e InvalidStatusError) Error() string {
	return fmt.Sprintf("cannot go from %s to %s", e.from, e.to)
}

func NewInvalidStatusError(from, to Status) InvalidStatusError {
	return InvalidStatusError{from, to}
}
