// Package flow provides the cooperative execution core of the dataflow engine.
package flow

import (
	"errors"
	"fmt"
)

// ErrSnapshotInProgress is returned by TriggerSnapshot while a previous
// snapshot attempt is still collecting acknowledgements.
var ErrSnapshotInProgress = errors.New("snapshot already in progress")

// ErrSnapshotsDisabled is returned when a snapshot is requested for a job
// that runs without a processing guarantee.
var ErrSnapshotsDisabled = errors.New("snapshots disabled for processing guarantee none")

// ErrSnapshotAborted reports that a snapshot attempt did not commit. The
// previously committed snapshot remains the restore point.
var ErrSnapshotAborted = errors.New("snapshot aborted")

// ErrJobNotRunning is returned by job operations that need a running job.
var ErrJobNotRunning = errors.New("job is not running")

// ErrJobCancelled is returned by Join when the job was cancelled.
var ErrJobCancelled = errors.New("job cancelled")

// ErrResourceUnavailable marks failures of an external system (a sink, a
// source, an attached file). A job failing with it may be restarted from
// its last committed snapshot.
var ErrResourceUnavailable = errors.New("external resource unavailable")

// ErrUnknownResource is returned when a processor asks for an attached
// resource the job configuration does not declare.
var ErrUnknownResource = errors.New("unknown attached resource")

// EngineError represents a graph or configuration error detected before the
// job starts running.
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// StageError reports a failure of one processor instance. It identifies the
// vertex, the instance index and the processor operation that failed.
//
// The job stops on the first StageError; Join returns it.
//
// Example:
//
//	var se *flow.StageError
//	if errors.As(err, &se) {
//	    log.Printf("vertex %s[%d] failed in %s: %v", se.Vertex, se.Instance, se.Op, se.Cause)
//	}
type StageError struct {
	Vertex   string
	Instance int
	Op       string
	Cause    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("vertex %s[%d] failed in %s: %v", e.Vertex, e.Instance, e.Op, e.Cause)
}

func (e *StageError) Unwrap() error {
	return e.Cause
}

// AsyncOperationError wraps the first error reported by an asynchronous
// operation started by a processor. It is surfaced on the processor's next
// call, never from the callback goroutine.
type AsyncOperationError struct {
	Cause error
}

func (e *AsyncOperationError) Error() string {
	return "async operation failed: " + e.Cause.Error()
}

func (e *AsyncOperationError) Unwrap() error {
	return e.Cause
}

// IsRestartable reports whether err was caused by an unavailable external
// resource, so the job can be resubmitted and restored from its last
// committed snapshot.
func IsRestartable(err error) bool {
	return errors.Is(err, ErrResourceUnavailable)
}
