package emit

// Event is an observability event emitted during job execution.
//
// Events cover the job lifecycle (job_started, job_completed, job_failed,
// job_cancelled), tasklet failures (tasklet_failed) and snapshots
// (snapshot_started, snapshot_committed, snapshot_aborted).
type Event struct {
	// JobID identifies the job across restarts.
	JobID string

	// ExecutionID identifies one execution of the job.
	ExecutionID string

	// Vertex and Instance identify the processor instance, for
	// instance-level events. Vertex is empty otherwise.
	Vertex   string
	Instance int

	// SnapshotID is set on snapshot events.
	SnapshotID int64

	// Msg names the event.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Duration in milliseconds
	//   - "error": Error details
	//   - "bytes": Snapshot size
	//   - "op": Processor operation that failed
	Meta map[string]interface{}
}

// IsFailure reports whether the event reports a failure.
func (e Event) IsFailure() bool {
	switch e.Msg {
	case "job_failed", "tasklet_failed", "snapshot_aborted":
		return true
	}
	_, hasErr := e.Meta["error"]
	return hasErr
}
