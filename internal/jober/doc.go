// Package jober provides a job execution and scheduling runtime.
//
// A Job is a named unit of work built from a resolved target: a command
// line, an external script or module, or an in-process callable. Each
// execution of a Job is a Run with its own status state machine, timing,
// captured output, and result.
//
// A Jober creates and manages Jobs, identified by UUID or caller-chosen id,
// and dispatches their Runs onto a bounded worker pool, immediately or on
// interval and cron triggers. Workers report progress as events; a single
// collector goroutine drains them, updates Run state, and fans them out to
// registered listeners.
package jober
