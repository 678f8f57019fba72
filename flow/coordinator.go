package flow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/dataflow-go/flow/emit"
	"github.com/dshills/dataflow-go/flow/store"
)

// parallelismKey is the key of the per-vertex metadata record that stores
// the parallelism a snapshot was taken with.
const parallelismKey = "flow.parallelism"

// exportPrefix namespaces exported snapshots in the snapshot store. Each
// export name is stored as its own job, so committing a job's snapshots
// never prunes it.
const exportPrefix = "flow.export/"

// retainedResults is how many resolved snapshot outcomes stay queryable
// below the last committed snapshot.
const retainedResults = 16

func exportKey(name string) string { return exportPrefix + name }

type instanceKey struct {
	vertex string
	index  int
}

// snapshotAck carries one tasklet's state for a snapshot.
type snapshotAck struct {
	snapshotID int64
	vertex     string
	index      int
	records    []store.Record
	bytes      int64
}

type doneNotice struct {
	vertex string
	index  int
	last   int64
}

type triggerReply struct {
	id  int64
	err error
}

type coordMsg struct {
	ack     *snapshotAck
	done    *doneNotice
	trigger chan triggerReply
	export  string
}

type snapshotAttempt struct {
	id       int64
	expected int
	acked    map[instanceKey]bool
	records  []store.Record
	bytes    int64
	started  time.Time
	export   string
	err      error
}

type snapshotResult struct {
	done chan struct{}
	err  error
}

// coordinator runs the barrier protocol of one job execution. Acks,
// completion notices and trigger requests are serialized through one
// channel and handled by the run goroutine, which owns the attempt state.
// Only one attempt is in flight; it stays in flight until every expected
// tasklet answered, even when storage already failed, so barriers of two
// attempts never overlap in a queue.
type coordinator struct {
	jobID       string
	executionID string
	store       store.SnapshotStore
	emitter     emit.Emitter
	metrics     *PrometheusMetrics

	total       int
	parallelism map[string]int

	msgs    chan coordMsg
	stopped chan struct{}
	exited  chan struct{}

	active        atomic.Int64
	lastCommitted atomic.Int64

	// owned by run
	nextID   int64
	attempt  *snapshotAttempt
	finished map[instanceKey]bool

	mu      sync.Mutex
	results map[int64]*snapshotResult
	stopErr error
}

type coordinatorConfig struct {
	jobID       string
	executionID string
	store       store.SnapshotStore
	emitter     emit.Emitter
	metrics     *PrometheusMetrics
	parallelism map[string]int
	restoredID  int64
	buffer      int
}

func newCoordinator(cfg coordinatorConfig) *coordinator {
	total := 0
	for _, n := range cfg.parallelism {
		total += n
	}
	if cfg.buffer < 1 {
		cfg.buffer = total + 1
	}
	c := &coordinator{
		jobID:       cfg.jobID,
		executionID: cfg.executionID,
		store:       cfg.store,
		emitter:     cfg.emitter,
		metrics:     cfg.metrics,
		total:       total,
		parallelism: cfg.parallelism,
		msgs:        make(chan coordMsg, cfg.buffer),
		stopped:     make(chan struct{}),
		exited:      make(chan struct{}),
		nextID:      cfg.restoredID + 1,
		finished:    make(map[instanceKey]bool),
		results:     make(map[int64]*snapshotResult),
	}
	c.active.Store(cfg.restoredID)
	c.lastCommitted.Store(cfg.restoredID)
	return c
}

// activeID returns the id of the most recently started snapshot.
func (c *coordinator) activeID() int64 {
	return c.active.Load()
}

func (c *coordinator) start() {
	go c.run(context.Background())
}

// stop drains the messages already sent, aborts an attempt that is still
// open with cause and waits for the run goroutine.
func (c *coordinator) stop(cause error) {
	c.mu.Lock()
	c.stopErr = cause
	c.mu.Unlock()
	close(c.stopped)
	<-c.exited
}

func (c *coordinator) send(ctx context.Context, m coordMsg) error {
	select {
	case c.msgs <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrJobNotRunning
	}
}

func (c *coordinator) ack(ctx context.Context, a snapshotAck) error {
	return c.send(ctx, coordMsg{ack: &a})
}

func (c *coordinator) taskletDone(ctx context.Context, vertex string, index int, last int64) error {
	return c.send(ctx, coordMsg{done: &doneNotice{vertex: vertex, index: index, last: last}})
}

// trigger starts a new snapshot and returns its id.
func (c *coordinator) trigger(ctx context.Context) (int64, error) {
	return c.triggerExport(ctx, "")
}

// triggerExport starts a new snapshot that, once committed, is also stored
// under the export name. An empty name exports nothing.
func (c *coordinator) triggerExport(ctx context.Context, name string) (int64, error) {
	reply := make(chan triggerReply, 1)
	if err := c.send(ctx, coordMsg{trigger: reply, export: name}); err != nil {
		return 0, err
	}
	select {
	case r := <-reply:
		return r.id, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.exited:
		return 0, ErrJobNotRunning
	}
}

// wait blocks until snapshot id committed or aborted. Outcomes pruned by
// resolve count as committed: a later snapshot superseded them.
func (c *coordinator) wait(ctx context.Context, id int64) error {
	c.mu.Lock()
	res, ok := c.results[id]
	c.mu.Unlock()
	if !ok {
		if id > 0 && id <= c.lastCommitted.Load() {
			return nil
		}
		return fmt.Errorf("unknown snapshot %d", id)
	}
	select {
	case <-res.done:
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *coordinator) run(ctx context.Context) {
	defer close(c.exited)
	for {
		select {
		case m := <-c.msgs:
			c.handle(ctx, m)
		case <-c.stopped:
			for {
				select {
				case m := <-c.msgs:
					c.handle(ctx, m)
				default:
					c.shutdown()
					return
				}
			}
		}
	}
}

func (c *coordinator) handle(ctx context.Context, m coordMsg) {
	switch {
	case m.trigger != nil:
		id, err := c.handleTrigger(ctx, m.export)
		m.trigger <- triggerReply{id: id, err: err}
	case m.ack != nil:
		c.handleAck(ctx, m.ack)
	case m.done != nil:
		c.handleDone(ctx, m.done)
	}
}

func (c *coordinator) handleTrigger(ctx context.Context, export string) (int64, error) {
	if c.attempt != nil {
		return 0, ErrSnapshotInProgress
	}
	id := c.nextID
	c.nextID++

	att := &snapshotAttempt{
		id:       id,
		expected: c.total - len(c.finished),
		acked:    make(map[instanceKey]bool),
		started:  time.Now(),
		export:   export,
	}
	for vertex, n := range c.parallelism {
		att.records = append(att.records, store.Record{
			Vertex: vertex,
			Index:  -1,
			Key:    parallelismKey,
			Value:  []byte(strconv.Itoa(n)),
		})
	}
	for key := range c.finished {
		att.records = append(att.records, store.Record{Vertex: key.vertex, Index: key.index, Completed: true})
	}
	// An execution that crashed mid-snapshot may have left records under
	// this id.
	if err := c.store.Discard(ctx, c.jobID, id); err != nil {
		att.err = err
	} else if err := c.store.WriteRecords(ctx, c.jobID, id, att.records); err != nil {
		att.err = err
	}

	c.mu.Lock()
	c.results[id] = &snapshotResult{done: make(chan struct{})}
	c.mu.Unlock()

	c.attempt = att
	c.active.Store(id)
	c.emit(id, "snapshot_started", map[string]interface{}{"expected_acks": att.expected})

	if att.expected == 0 {
		c.finish(ctx)
	}
	return id, nil
}

func (c *coordinator) handleAck(ctx context.Context, a *snapshotAck) {
	att := c.attempt
	if att == nil || a.snapshotID != att.id {
		return
	}
	c.accept(ctx, instanceKey{vertex: a.vertex, index: a.index}, a.records, a.bytes)
}

func (c *coordinator) handleDone(ctx context.Context, d *doneNotice) {
	key := instanceKey{vertex: d.vertex, index: d.index}
	c.finished[key] = true
	att := c.attempt
	if att == nil || att.acked[key] || d.last >= att.id {
		return
	}
	c.accept(ctx, key, []store.Record{{Vertex: d.vertex, Index: d.index, Completed: true}}, 0)
}

func (c *coordinator) accept(ctx context.Context, key instanceKey, records []store.Record, bytes int64) {
	att := c.attempt
	if att.acked[key] {
		return
	}
	att.acked[key] = true
	att.bytes += bytes
	att.records = append(att.records, records...)
	if att.err == nil && len(records) > 0 {
		if err := c.store.WriteRecords(ctx, c.jobID, att.id, records); err != nil {
			att.err = err
		}
	}
	if len(att.acked) >= att.expected {
		c.finish(ctx)
	}
}

func (c *coordinator) finish(ctx context.Context) {
	att := c.attempt
	c.attempt = nil
	if att.err == nil {
		digest, err := snapshotDigest(c.jobID, att.id, att.records)
		if err == nil {
			err = c.store.Commit(ctx, c.jobID, att.id, digest)
		}
		att.err = err
	}
	if att.err != nil {
		c.abort(att, att.err)
		return
	}

	c.lastCommitted.Store(att.id)
	var exportErr error
	if att.export != "" {
		exportErr = c.exportRecords(ctx, att.export, att.records)
	}
	elapsed := time.Since(att.started)
	if c.metrics != nil {
		c.metrics.RecordSnapshotCommitted(c.jobID, elapsed, att.bytes)
	}
	c.emit(att.id, "snapshot_committed", map[string]interface{}{
		"duration_ms": elapsed.Milliseconds(),
		"bytes":       att.bytes,
		"records":     len(att.records),
	})
	if att.export != "" {
		meta := map[string]interface{}{"name": att.export}
		if exportErr != nil {
			meta["error"] = exportErr.Error()
			exportErr = fmt.Errorf("snapshot %d committed but export %q failed: %w", att.id, att.export, exportErr)
		}
		c.emit(att.id, "snapshot_exported", meta)
	}
	c.resolve(att.id, exportErr)
}

// exportRecords stores records as the next snapshot of the export name.
func (c *coordinator) exportRecords(ctx context.Context, name string, records []store.Record) error {
	key := exportKey(name)
	var id int64 = 1
	info, err := c.store.LatestCommitted(ctx, key)
	switch {
	case err == nil:
		id = info.ID + 1
	case !errors.Is(err, store.ErrNotFound):
		return err
	}
	digest, err := snapshotDigest(key, id, records)
	if err != nil {
		return err
	}
	if err := c.store.Discard(ctx, key, id); err != nil {
		return err
	}
	if err := c.store.WriteRecords(ctx, key, id, records); err != nil {
		return err
	}
	if err := c.store.Commit(ctx, key, id, digest); err != nil {
		_ = c.store.Discard(ctx, key, id)
		return err
	}
	return nil
}

func (c *coordinator) abort(att *snapshotAttempt, cause error) {
	discardCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = c.store.Discard(discardCtx, c.jobID, att.id)

	if c.metrics != nil {
		c.metrics.RecordSnapshotAborted(c.jobID)
	}
	c.emit(att.id, "snapshot_aborted", map[string]interface{}{"error": cause.Error()})
	c.resolve(att.id, fmt.Errorf("%w: snapshot %d: %v", ErrSnapshotAborted, att.id, cause))
}

// resolve publishes the outcome of snapshot id and forgets outcomes that
// fell more than retainedResults below the last committed snapshot.
func (c *coordinator) resolve(id int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if res, ok := c.results[id]; ok {
		res.err = err
		close(res.done)
	}
	floor := c.lastCommitted.Load() - retainedResults
	for old := range c.results {
		if old < floor {
			delete(c.results, old)
		}
	}
}

func (c *coordinator) shutdown() {
	if att := c.attempt; att != nil {
		c.attempt = nil
		c.mu.Lock()
		cause := c.stopErr
		c.mu.Unlock()
		if cause == nil {
			cause = ErrJobNotRunning
		}
		c.abort(att, cause)
	}
}

func (c *coordinator) emit(id int64, msg string, meta map[string]interface{}) {
	if c.emitter == nil {
		return
	}
	c.emitter.Emit(emit.Event{
		JobID:       c.jobID,
		ExecutionID: c.executionID,
		SnapshotID:  id,
		Msg:         msg,
		Meta:        meta,
	})
}
