package flow

import (
	"context"

	"github.com/dshills/dataflow-go/flow/store"
)

type taskletState int32

const (
	stateRestore taskletState = iota
	stateProcessInputs
	stateSaveSnapshot
	stateEmitBarrier
	stateComplete
	stateEmitDone
	stateEnd
	stateFailed
)

func (s taskletState) String() string {
	switch s {
	case stateRestore:
		return "restore"
	case stateProcessInputs:
		return "process_inputs"
	case stateSaveSnapshot:
		return "save_snapshot"
	case stateEmitBarrier:
		return "emit_barrier"
	case stateComplete:
		return "complete"
	case stateEmitDone:
		return "emit_done"
	case stateEnd:
		return "end"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// tasklet drives one processor instance. Each Call does one bounded step of
// its state machine:
//
//	restore -> process_inputs <-> save_snapshot -> emit_barrier -> process_inputs
//	process_inputs -> complete <-> save_snapshot -> emit_barrier -> complete
//	complete -> emit_done -> end
//
// Any processor error moves it to failed.
type tasklet struct {
	vertex string
	index  int

	proc       Processor
	ctx        *InstanceContext
	inbox      *Inbox
	inputs     *inputSet
	outbox     *Outbox
	snapshotQ  *Queue
	coord      *coordinator
	inboxLimit int
	stats      *TaskletStats

	state    taskletState
	progress ProgressTracker
	activity int64

	restoring        bool
	restoreEntries   []SnapshotEntry
	restoreDelivered bool

	pendingWM   *Watermark
	wmProcessed bool

	snapshotID     int64
	saveDone       bool
	records        []store.Record
	recordBytes    int64
	lastSnapshotID int64
}

// tasklet construction parameters, filled by the job builder.
type taskletSpec struct {
	vertex     string
	index      int
	proc       Processor
	ctx        *InstanceContext
	inputs     *inputSet
	outbox     *Outbox
	snapshotQ  *Queue
	coord      *coordinator
	inboxLimit int
	stats      *TaskletStats

	restoring      bool
	restoreEntries []SnapshotEntry
	completed      bool
	lastSnapshotID int64
}

func newTasklet(spec taskletSpec) *tasklet {
	t := &tasklet{
		vertex:         spec.vertex,
		index:          spec.index,
		proc:           spec.proc,
		ctx:            spec.ctx,
		inbox:          newInbox(),
		inputs:         spec.inputs,
		outbox:         spec.outbox,
		snapshotQ:      spec.snapshotQ,
		coord:          spec.coord,
		inboxLimit:     spec.inboxLimit,
		stats:          spec.stats,
		restoring:      spec.restoring,
		restoreEntries: spec.restoreEntries,
		lastSnapshotID: spec.lastSnapshotID,
	}
	if t.inboxLimit < 1 {
		t.inboxLimit = DefaultQueueCapacity
	}
	switch {
	case spec.completed:
		t.setState(stateEmitDone)
	case spec.restoring:
		t.setState(stateRestore)
	default:
		t.setState(stateProcessInputs)
	}
	return t
}

func (t *tasklet) setState(s taskletState) {
	t.state = s
	if t.stats != nil {
		t.stats.state.Store(int32(s))
	}
}

func (t *tasklet) isCooperative() bool {
	return t.proc.IsCooperative()
}

// Call runs one step and reports the progress it made.
func (t *tasklet) Call(ctx context.Context) (ProgressState, error) {
	if t.state == stateEnd {
		return WasAlreadyDone, nil
	}
	if t.stats != nil {
		t.stats.calls.Add(1)
	}
	t.progress.Reset()
	t.progress.NotDone()
	t.outbox.reset()

	before := t.activity + t.outbox.moved
	prevState := t.state
	if err := t.step(ctx); err != nil {
		t.setState(stateFailed)
		return NoProgress, err
	}
	t.progress.MadeProgressIf(t.state != prevState || t.activity+t.outbox.moved != before)
	if t.state == stateEnd {
		t.progress.MadeProgress()
		t.progress.Done()
	}
	return t.progress.State(), nil
}

func (t *tasklet) step(ctx context.Context) error {
	switch t.state {
	case stateRestore:
		return t.stepRestore()
	case stateProcessInputs:
		return t.stepProcessInputs()
	case stateSaveSnapshot:
		return t.stepSaveSnapshot()
	case stateEmitBarrier:
		return t.stepEmitBarrier(ctx)
	case stateComplete:
		return t.stepComplete()
	case stateEmitDone:
		return t.stepEmitDone(ctx)
	}
	return nil
}

func (t *tasklet) fail(op string, err error) error {
	return &StageError{Vertex: t.vertex, Instance: t.index, Op: op, Cause: err}
}

func (t *tasklet) stepRestore() error {
	if !t.restoreDelivered {
		if len(t.restoreEntries) > 0 {
			if err := t.proc.RestoreFromSnapshot(t.restoreEntries); err != nil {
				return t.fail("restore_from_snapshot", err)
			}
		}
		t.restoreEntries = nil
		t.restoreDelivered = true
		t.activity++
	}
	if f, ok := t.proc.(SnapshotRestoreFinisher); ok {
		done, err := f.FinishSnapshotRestore()
		if err != nil {
			return t.fail("finish_snapshot_restore", err)
		}
		if !done {
			return nil
		}
	}
	t.setState(stateProcessInputs)
	return nil
}

func (t *tasklet) stepProcessInputs() error {
	done, err := t.proc.TryFlush()
	if err != nil {
		return t.fail("try_flush", err)
	}
	if !done {
		return nil
	}
	if !t.inbox.IsEmpty() {
		return t.processInbox()
	}
	if t.outbox.HasUnfinishedItem() {
		return nil
	}
	if t.pendingWM != nil {
		return t.stepWatermark()
	}
	if id, ok := t.inputs.aligned(); ok {
		t.beginSnapshot(id)
		return nil
	}
	if t.inputs.allDone() {
		t.setState(stateComplete)
		return nil
	}

	res := t.inputs.drainTo(t.inbox, t.inboxLimit)
	t.activity += int64(res.polled)
	if res.watermark != nil {
		t.pendingWM = res.watermark
		t.wmProcessed = false
	}
	if !t.inbox.IsEmpty() {
		return t.processInbox()
	}
	return nil
}

func (t *tasklet) processInbox() error {
	before := t.inbox.Len()
	if _, err := t.proc.TryProcess(t.inbox); err != nil {
		return t.fail("try_process", err)
	}
	t.activity += int64(before - t.inbox.Len())
	return nil
}

func (t *tasklet) stepWatermark() error {
	if !t.wmProcessed {
		if h, ok := t.proc.(WatermarkHandler); ok {
			done, err := h.TryProcessWatermark(*t.pendingWM)
			if err != nil {
				return t.fail("try_process_watermark", err)
			}
			if !done {
				return nil
			}
		}
		t.wmProcessed = true
		t.activity++
	}
	if t.outbox.HasUnfinishedItem() && !t.outbox.pendingMarker {
		return nil
	}
	if !t.outbox.offerMarker(*t.pendingWM) {
		return nil
	}
	t.pendingWM = nil
	t.activity++
	return nil
}

func (t *tasklet) beginSnapshot(id int64) {
	t.snapshotID = id
	t.saveDone = false
	t.records = nil
	t.recordBytes = 0
	t.setState(stateSaveSnapshot)
}

func (t *tasklet) stepSaveSnapshot() error {
	if !t.saveDone {
		done, err := t.proc.SaveToSnapshot()
		if err != nil {
			return t.fail("save_to_snapshot", err)
		}
		t.saveDone = done
	}
	for {
		item, ok := t.snapshotQ.Poll()
		if !ok {
			break
		}
		e := item.(SnapshotEntry)
		t.records = append(t.records, store.Record{
			Vertex:    t.vertex,
			Index:     t.index,
			Key:       e.Key,
			Value:     e.Value,
			Broadcast: e.Broadcast,
		})
		t.recordBytes += int64(len(e.Key) + len(e.Value))
		t.activity++
	}
	if t.saveDone {
		t.setState(stateEmitBarrier)
	}
	return nil
}

func (t *tasklet) stepEmitBarrier(ctx context.Context) error {
	if !t.outbox.offerMarker(SnapshotBarrier{ID: t.snapshotID}) {
		return nil
	}
	if t.coord != nil {
		err := t.coord.ack(ctx, snapshotAck{
			snapshotID: t.snapshotID,
			vertex:     t.vertex,
			index:      t.index,
			records:    t.records,
			bytes:      t.recordBytes,
		})
		if err != nil {
			return err
		}
	}
	if t.stats != nil {
		t.stats.snapshotBytes.Add(t.recordBytes)
		t.stats.snapshotsTaken.Add(1)
	}
	t.lastSnapshotID = t.snapshotID
	t.records = nil
	t.inputs.clearBarrier()
	if t.inputs.allDone() {
		t.setState(stateComplete)
	} else {
		t.setState(stateProcessInputs)
	}
	return nil
}

func (t *tasklet) stepComplete() error {
	if t.coord != nil && !t.outbox.HasUnfinishedItem() {
		if id := t.coord.activeID(); id > t.lastSnapshotID {
			t.beginSnapshot(id)
			return nil
		}
	}
	done, err := t.proc.Complete()
	if err != nil {
		return t.fail("complete", err)
	}
	if done {
		t.setState(stateEmitDone)
	}
	return nil
}

func (t *tasklet) stepEmitDone(ctx context.Context) error {
	if !t.outbox.offerMarker(doneItem) {
		return nil
	}
	t.setState(stateEnd)
	if t.coord != nil {
		return t.coord.taskletDone(ctx, t.vertex, t.index, t.lastSnapshotID)
	}
	return nil
}
