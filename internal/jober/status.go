package jober

import (
	"encoding/json"
	"sync/atomic"
)

type Status int

const (
	// StatusUnknown indicates the status of the run is unknown. It's used as
	// the zero value for functions that return a (possibly absent) Status.
	StatusUnknown Status = iota

	// StatusInit indicates the run has been created, and possibly queued, but
	// execution has not yet begun.
	StatusInit

	// StatusRunning indicates execution of the run's target has begun.
	StatusRunning

	// StatusDone indicates the run finished without error. For command-like
	// targets this includes processes that exited with a non-zero code; the
	// exit code is the run's result.
	StatusDone

	// StatusError indicates the run finished with an error, e.g. the target
	// could not be spawned, a callable returned an error, or the run was
	// killed.
	StatusError
)

// NOTE: This slice needs to be kept in sync with any changes to the Status
// values. Ideally, we'd only ever be 'adding' more statuses to maintain a
// consistent API.
var statusNames = []string{
	"unknown",
	"init",
	"running",
	"done",
	"error",
}

// String implements the Stringer interface for Status and returns a string
// representation of the Status by using the int value to index into a slice.
func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statusNames) {
		return statusNames[0]
	}

	return statusNames[s]
}

// Terminal reports whether the Status is final. A run that reached a terminal
// status never transitions again.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// MarshalJSON implements the json.Marshaler interface so a Status serializes
// as its lowercase name rather than a bare int.
func (s Status) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON implements the json.Unmarshaler interface. A name this
// version doesn't know decodes as StatusUnknown rather than failing, so an
// older client can still read a newer server's responses.
func (s *Status) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	for i, n := range statusNames {
		if n == name {
			*s = Status(i)
			return nil
		}
	}

	*s = StatusUnknown

	return nil
}

// AtomicStatus is a wrapper around an atomic.Int32 to provide atomic
// operations on a Status.
//  1. Simplifies validating status transitions with CompareAndSwap.
//  2. Avoids taking the run mutex for the hot status checks.
type AtomicStatus struct {
	v atomic.Int32
}

// Load atomically loads the Status value.
func (a *AtomicStatus) Load() Status {
	return Status(a.v.Load())
}

// Store atomically stores the Status value.
func (a *AtomicStatus) Store(s Status) {
	a.v.Store(int32(s))
}

// CompareAndSwap performs an atomic compare-and-swap operation with an old and
// new Status.
func (a *AtomicStatus) CompareAndSwap(o, n Status) bool {
	return a.v.CompareAndSwap(int32(o), int32(n))
}
