package target

import "fmt"

// ResolveError is returned when a target specification cannot be resolved to
// a runnable target.
type ResolveError struct {
	Source string
	Reason string
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("cannot resolve target %q: %s", e.Source, e.Reason)
}
