package flow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dshills/dataflow-go/flow/emit"
)

// JobStatus is the lifecycle status of a job.
type JobStatus int32

const (
	JobStarting JobStatus = iota
	JobRunning
	JobCompleted
	JobFailed
	JobCancelled
)

func (s JobStatus) String() string {
	switch s {
	case JobStarting:
		return "starting"
	case JobRunning:
		return "running"
	case JobCompleted:
		return "completed"
	case JobFailed:
		return "failed"
	case JobCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("JobStatus(%d)", int32(s))
}

// IsTerminal reports whether the job has stopped.
func (s JobStatus) IsTerminal() bool {
	return s >= JobCompleted
}

// jobHistoryLimit is how many finished jobs Engine.Jobs reports.
const jobHistoryLimit = 256

// JobSummary describes a running or finished job.
type JobSummary struct {
	ID          string
	ExecutionID string
	Name        string
	Status      JobStatus
	SubmittedAt time.Time

	// CompletedAt is zero while the job runs.
	CompletedAt time.Time

	// RestoredFrom is the snapshot the execution started from, or zero.
	// InitialSnapshot is set when that snapshot was an exported one.
	RestoredFrom    int64
	InitialSnapshot string

	// FailureText is the error of a failed job.
	FailureText string
}

// Job is one execution of a DAG.
type Job struct {
	id              string
	executionID     string
	name            string
	guarantee       ProcessingGuarantee
	restoredFrom    int64
	initialSnapshot string
	submitted       time.Time
	completed       time.Time

	engine    *Engine
	coord     *coordinator
	tasklets  []*tasklet
	instances []*instance
	resources *resourceRegistry
	sched     *scheduler

	status    atomic.Int32
	cancel    context.CancelFunc
	cancelled atomic.Bool
	started   time.Time

	done chan struct{}
	err  error
}

// ID returns the job ID. Snapshots are stored under it.
func (j *Job) ID() string { return j.id }

// ExecutionID identifies this execution of the job.
func (j *Job) ExecutionID() string { return j.executionID }

// RestoredFrom returns the ID of the snapshot the execution started from,
// or zero.
func (j *Job) RestoredFrom() int64 { return j.restoredFrom }

// Status returns the current status.
func (j *Job) Status() JobStatus {
	return JobStatus(j.status.Load())
}

// Done is closed once the job reached a terminal status and tore down.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Join waits for the job to stop. It returns nil when the job completed,
// ErrJobCancelled when it was cancelled and the failure cause otherwise.
func (j *Job) Join(ctx context.Context) error {
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the job. Tasklets are no longer invoked; processors are
// closed after their outstanding asynchronous work drained.
func (j *Job) Cancel() {
	j.cancelled.Store(true)
	if j.cancel != nil {
		j.cancel()
	}
}

// TriggerSnapshot starts a snapshot and returns its ID without waiting for
// it to commit.
func (j *Job) TriggerSnapshot(ctx context.Context) (int64, error) {
	if j.coord == nil {
		return 0, ErrSnapshotsDisabled
	}
	if j.Status() != JobRunning {
		return 0, ErrJobNotRunning
	}
	return j.coord.trigger(ctx)
}

// WaitForSnapshot waits until snapshot id committed or aborted. Aborted
// snapshots return an error wrapping ErrSnapshotAborted.
func (j *Job) WaitForSnapshot(ctx context.Context, id int64) error {
	if j.coord == nil {
		return ErrSnapshotsDisabled
	}
	return j.coord.wait(ctx, id)
}

// Snapshot triggers a snapshot and waits for it to commit.
func (j *Job) Snapshot(ctx context.Context) (int64, error) {
	id, err := j.TriggerSnapshot(ctx)
	if err != nil {
		return 0, err
	}
	return id, j.WaitForSnapshot(ctx, id)
}

// ExportSnapshot takes a snapshot and, once it committed, also stores it
// under name. Exported snapshots are never pruned by later snapshots of the
// job; JobConfig.InitialSnapshot starts a job from one. Exporting to a name
// again replaces what the name held. With cancel set, the job is cancelled
// after the export succeeded.
func (j *Job) ExportSnapshot(ctx context.Context, name string, cancel bool) (int64, error) {
	if name == "" {
		return 0, &EngineError{Message: "export name cannot be empty", Code: "INVALID_EXPORT_NAME"}
	}
	if j.coord == nil {
		return 0, ErrSnapshotsDisabled
	}
	if j.Status() != JobRunning {
		return 0, ErrJobNotRunning
	}
	id, err := j.coord.triggerExport(ctx, name)
	if err != nil {
		return 0, err
	}
	if err := j.coord.wait(ctx, id); err != nil {
		return id, err
	}
	if cancel {
		j.Cancel()
	}
	return id, nil
}

// LastCommittedSnapshot returns the ID of the latest snapshot committed by
// this execution or restored at its start.
func (j *Job) LastCommittedSnapshot() int64 {
	if j.coord == nil {
		return 0
	}
	return j.coord.lastCommitted.Load()
}

// Stats returns the counters of every tasklet.
func (j *Job) Stats() []TaskletSnapshot {
	out := make([]TaskletSnapshot, 0, len(j.tasklets))
	for _, t := range j.tasklets {
		out = append(out, t.stats.snapshot(t.inputs))
	}
	return out
}

func (j *Job) start(parent context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(parent)
	j.cancel = cancel
	j.started = time.Now()

	if m := j.engine.opts.Metrics; m != nil {
		m.trackJob(j)
	}
	if j.coord != nil {
		j.coord.start()
	}
	j.status.Store(int32(JobRunning))
	j.emit("job_started", map[string]interface{}{
		"tasklets":      len(j.tasklets),
		"guarantee":     j.guarantee.String(),
		"restored_from": j.restoredFrom,
	})

	go j.run(ctx, interval)
}

func (j *Job) run(ctx context.Context, interval time.Duration) {
	defer close(j.done)
	defer j.cancel()

	stopTicker := make(chan struct{})
	if interval > 0 && j.coord != nil {
		go j.periodicSnapshots(ctx, interval, stopTicker)
	}

	runErr := j.sched.run(ctx)
	close(stopTicker)

	status, cause := j.outcome(ctx, runErr)
	if j.coord != nil {
		j.coord.stop(cause)
	}
	if closeErr := j.teardown(); closeErr != nil && status == JobCompleted {
		status, cause = JobFailed, closeErr
	}

	meta := map[string]interface{}{"duration_ms": time.Since(j.started).Milliseconds()}
	switch status {
	case JobCompleted:
		j.emit("job_completed", meta)
	case JobCancelled:
		j.err = ErrJobCancelled
		j.emit("job_cancelled", meta)
	default:
		j.err = cause
		meta["error"] = cause.Error()
		meta["restartable"] = IsRestartable(cause)
		if code := errorCode(cause); code != "" {
			meta["code"] = code
		}
		j.emit("job_failed", meta)
	}

	j.completed = time.Now()
	j.status.Store(int32(status))
	if m := j.engine.opts.Metrics; m != nil {
		m.untrackJob(j)
		m.RecordJobFinished(status)
	}
	j.engine.forget(j)
}

// summary reads err and completed only after the terminal status is
// visible; run writes both before storing it.
func (j *Job) summary() JobSummary {
	s := JobSummary{
		ID:              j.id,
		ExecutionID:     j.executionID,
		Name:            j.name,
		Status:          j.Status(),
		SubmittedAt:     j.submitted,
		RestoredFrom:    j.restoredFrom,
		InitialSnapshot: j.initialSnapshot,
	}
	if s.Status.IsTerminal() {
		s.CompletedAt = j.completed
		if s.Status == JobFailed && j.err != nil {
			s.FailureText = j.err.Error()
		}
	}
	return s
}

// outcome classifies the scheduler result.
func (j *Job) outcome(ctx context.Context, runErr error) (JobStatus, error) {
	if runErr == nil {
		return JobCompleted, nil
	}
	var se *StageError
	if errors.As(runErr, &se) {
		j.emitInstance(se.Vertex, se.Instance, "tasklet_failed", map[string]interface{}{
			"op":    se.Op,
			"error": se.Cause.Error(),
		})
		return JobFailed, runErr
	}
	if j.cancelled.Load() || ctx.Err() != nil {
		return JobCancelled, ErrJobCancelled
	}
	return JobFailed, runErr
}

func (j *Job) periodicSnapshots(ctx context.Context, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			// An attempt still collecting acks just delays the next one.
			_, _ = j.TriggerSnapshot(ctx)
		}
	}
}

// teardown closes every initialized processor once, sharing one drain
// deadline, and releases the resources each instance attached.
func (j *Job) teardown() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.engine.opts.DrainTimeout)
	defer cancel()

	var errs []error
	for _, inst := range j.instances {
		if inst.closed {
			continue
		}
		inst.closed = true
		if err := inst.proc.Close(ctx); err != nil {
			errs = append(errs, &StageError{Vertex: inst.ctx.Vertex, Instance: inst.ctx.GlobalIndex, Op: "close", Cause: err})
		}
		if err := inst.ctx.releaseResources(); err != nil {
			errs = append(errs, err)
		}
	}
	return joinErrors(errs)
}

func (j *Job) emit(msg string, meta map[string]interface{}) {
	j.emitInstance("", 0, msg, meta)
}

func (j *Job) emitInstance(vertex string, index int, msg string, meta map[string]interface{}) {
	j.engine.opts.Emitter.Emit(emit.Event{
		JobID:       j.id,
		ExecutionID: j.executionID,
		Vertex:      vertex,
		Instance:    index,
		Msg:         msg,
		Meta:        meta,
	})
}
