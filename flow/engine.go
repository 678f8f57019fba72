package flow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Engine runs jobs. One Engine may run many jobs concurrently; each job
// gets its own workers, queues and snapshot coordinator.
//
// Example:
//
//	engine, err := flow.New(flow.WithCooperativeThreads(4))
//	if err != nil {
//	    return err
//	}
//	job, err := engine.Submit(ctx, dag, flow.JobConfig{Name: "orders"})
//	if err != nil {
//	    return err
//	}
//	return job.Join(ctx)
type Engine struct {
	opts Options

	mu      sync.Mutex
	jobs    map[string]*Job
	history []JobSummary
}

// New creates an Engine. Options are applied in order.
func New(options ...Option) (*Engine, error) {
	cfg := &engineConfig{}
	for _, opt := range options {
		if err := opt(cfg); err != nil {
			return nil, &EngineError{Message: err.Error(), Code: "INVALID_OPTION"}
		}
	}
	cfg.opts.applyDefaults()
	return &Engine{opts: cfg.opts, jobs: make(map[string]*Job)}, nil
}

// Options returns the effective options.
func (e *Engine) Options() Options {
	return e.opts
}

// Jobs summarizes the running jobs and the most recent finished ones,
// newest submission first. A job ID appears once, for its latest
// execution.
func (e *Engine) Jobs() []JobSummary {
	e.mu.Lock()
	out := make([]JobSummary, 0, len(e.jobs)+len(e.history))
	for _, j := range e.jobs {
		out = append(out, j.summary())
	}
	for _, s := range e.history {
		if _, running := e.jobs[s.ID]; !running {
			out = append(out, s)
		}
	}
	e.mu.Unlock()

	sort.SliceStable(out, func(a, b int) bool { return out[a].SubmittedAt.After(out[b].SubmittedAt) })
	return out
}

// Job returns a running job by ID.
func (e *Engine) Job(id string) (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	return j, ok
}

// Submit validates dag, builds its tasklets and starts the job. When the
// job has a processing guarantee and the snapshot store holds a committed
// snapshot for cfg.JobID, every instance is restored from it first.
//
// The job runs until it completes, fails, is cancelled or ctx is done.
func (e *Engine) Submit(ctx context.Context, dag *DAG, cfg JobConfig) (*Job, error) {
	if dag == nil {
		return nil, &EngineError{Message: "graph cannot be nil", Code: "EMPTY_GRAPH"}
	}
	if err := dag.Validate(); err != nil {
		return nil, err
	}
	if cfg.Guarantee < GuaranteeNone || cfg.Guarantee > GuaranteeExactlyOnce {
		return nil, &EngineError{Message: cfg.Guarantee.String(), Code: "INVALID_GUARANTEE"}
	}
	if cfg.Guarantee == GuaranteeNone && (cfg.RestoreFrom != 0 || cfg.SnapshotInterval > 0 || cfg.InitialSnapshot != "") {
		return nil, &EngineError{Message: "snapshots need a processing guarantee", Code: "INVALID_JOB_CONFIG"}
	}
	if cfg.RestoreFrom != 0 && cfg.InitialSnapshot != "" {
		return nil, &EngineError{Message: "restore_from and initial_snapshot are exclusive", Code: "INVALID_JOB_CONFIG"}
	}
	if strings.HasPrefix(cfg.JobID, exportPrefix) {
		return nil, &EngineError{Message: "job ID uses the reserved prefix " + exportPrefix, Code: "INVALID_JOB_CONFIG"}
	}

	parallelism := e.resolveParallelism(dag)
	if err := checkTopology(dag, parallelism, cfg.Guarantee); err != nil {
		return nil, err
	}

	jobID := cfg.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	e.mu.Lock()
	if _, running := e.jobs[jobID]; running {
		e.mu.Unlock()
		return nil, &EngineError{Message: "job is already running: " + jobID, Code: "JOB_RUNNING"}
	}
	e.mu.Unlock()

	resources, err := newResourceRegistry(cfg.Resources, e.opts.ResourceOpeners)
	if err != nil {
		return nil, err
	}

	j := &Job{
		id:          jobID,
		executionID: uuid.NewString(),
		name:        cfg.Name,
		guarantee:   cfg.Guarantee,
		submitted:   time.Now(),
		engine:      e,
		resources:   resources,
		done:        make(chan struct{}),
	}
	j.status.Store(int32(JobStarting))

	var plan *restorePlan
	if cfg.Guarantee != GuaranteeNone {
		plan, err = loadRestorePlan(ctx, e.opts.SnapshotStore, jobID, cfg.RestoreFrom, parallelism, e.opts.Codec)
		if err != nil {
			return nil, err
		}
		if plan == nil && cfg.InitialSnapshot != "" {
			plan, err = loadExportedPlan(ctx, e.opts.SnapshotStore, cfg.InitialSnapshot, parallelism, e.opts.Codec)
			if err != nil {
				return nil, err
			}
			j.initialSnapshot = cfg.InitialSnapshot
		}
		var restoredID int64
		if plan != nil {
			restoredID = plan.snapshotID
		}
		j.restoredFrom = restoredID
		j.coord = newCoordinator(coordinatorConfig{
			jobID:       jobID,
			executionID: j.executionID,
			store:       e.opts.SnapshotStore,
			emitter:     e.opts.Emitter,
			metrics:     e.opts.Metrics,
			parallelism: parallelism,
			restoredID:  restoredID,
		})
	}

	if err := e.build(j, dag, parallelism, plan); err != nil {
		return nil, err
	}

	e.mu.Lock()
	if _, running := e.jobs[jobID]; running {
		e.mu.Unlock()
		_ = j.teardown()
		return nil, &EngineError{Message: "job is already running: " + jobID, Code: "JOB_RUNNING"}
	}
	e.jobs[jobID] = j
	e.mu.Unlock()

	j.start(ctx, cfg.SnapshotInterval)
	return j, nil
}

func (e *Engine) resolveParallelism(dag *DAG) map[string]int {
	out := make(map[string]int, len(dag.vertices))
	for _, v := range dag.vertices {
		n := v.Parallelism
		if n < 1 {
			n = e.opts.CooperativeThreads
		}
		out[v.Name] = n
	}
	return out
}

// checkTopology rejects edges the runtime cannot wire. Mixed input
// priorities are rejected under a processing guarantee: a barrier stuck
// behind a lower priority input would never align.
func checkTopology(dag *DAG, parallelism map[string]int, guarantee ProcessingGuarantee) error {
	for _, e := range dag.edges {
		if e.Routing == RoutingIsolated && parallelism[e.From] != parallelism[e.To] {
			return &EngineError{
				Message: fmt.Sprintf("isolated edge %s->%s joins parallelism %d and %d", e.From, e.To, parallelism[e.From], parallelism[e.To]),
				Code:    "INVALID_EDGE",
			}
		}
	}
	if guarantee == GuaranteeNone {
		return nil
	}
	for _, v := range dag.vertices {
		in := dag.inbound(v.Name)
		for _, e := range in[min(1, len(in)):] {
			if e.Priority != in[0].Priority {
				return &EngineError{
					Message: fmt.Sprintf("vertex %s mixes input priorities, which snapshots do not support", v.Name),
					Code:    "PRIORITY_WITH_SNAPSHOTS",
				}
			}
		}
	}
	return nil
}

// instance is one processor and the context it was initialized with.
type instance struct {
	proc   Processor
	ctx    *InstanceContext
	closed bool
}

// build wires queues between the instances of every edge and creates one
// tasklet per instance.
func (e *Engine) build(j *Job, dag *DAG, parallelism map[string]int, plan *restorePlan) error {
	queues := make(map[*Edge][][]*Queue, len(dag.edges))
	for _, edge := range dag.edges {
		capacity := edge.Capacity
		if capacity < 1 {
			capacity = e.opts.QueueCapacity
		}
		producers, consumers := parallelism[edge.From], parallelism[edge.To]
		grid := make([][]*Queue, producers)
		for p := range grid {
			grid[p] = make([]*Queue, consumers)
			for c := range grid[p] {
				if edge.Routing == RoutingIsolated && p != c {
					continue
				}
				grid[p][c] = NewQueue(capacity)
			}
		}
		queues[edge] = grid
	}

	batchLimit := e.opts.OutboxBatchLimit
	if batchLimit < 1 {
		batchLimit = e.opts.QueueCapacity
	}
	var restoredID int64
	if plan != nil {
		restoredID = plan.snapshotID
	}

	for _, v := range dag.vertices {
		n := parallelism[v.Name]
		mc := MemberContext{
			JobID:            j.id,
			ExecutionID:      j.executionID,
			JobName:          j.name,
			Vertex:           v.Name,
			Guarantee:        j.guarantee,
			LocalParallelism: n,
			TotalParallelism: n,
			MemberIndex:      0,
			MemberCount:      1,
		}
		procs, err := v.Supplier.Get(mc, n)
		if err != nil {
			_ = j.teardown()
			return fmt.Errorf("vertex %s: supplier failed: %w", v.Name, err)
		}
		if len(procs) != n {
			_ = j.teardown()
			return &EngineError{Message: fmt.Sprintf("vertex %s: supplier returned %d processors, want %d", v.Name, len(procs), n), Code: "INVALID_VERTEX"}
		}

		outEdges := dag.outbound(v.Name)
		inEdges := dag.inbound(v.Name)
		for i, proc := range procs {
			stats := newTaskletStats(v.Name, i, len(inEdges), len(outEdges))

			outbound := make([]*outboundEdge, 0, len(outEdges))
			for _, edge := range outEdges {
				row := queues[edge][i]
				if edge.Routing == RoutingIsolated {
					row = []*Queue{row[i]}
				}
				outbound = append(outbound, &outboundEdge{
					ordinal: edge.FromOrdinal,
					routing: edge.Routing,
					keyFn:   edge.KeyFn,
					queues:  row,
				})
			}
			streams := make([]*inboundStream, 0, len(inEdges))
			for _, edge := range inEdges {
				grid := queues[edge]
				var column []*Queue
				if edge.Routing == RoutingIsolated {
					column = []*Queue{grid[i][i]}
				} else {
					for p := range grid {
						column = append(column, grid[p][i])
					}
				}
				streams = append(streams, newInboundStream(edge.ToOrdinal, edge.Priority, column))
			}

			snapshotQ := NewQueue(e.opts.QueueCapacity)
			outbox := newOutbox(outbound, snapshotQ, e.opts.Codec, batchLimit, stats)
			ic := &InstanceContext{
				MemberContext: mc,
				LocalIndex:    i,
				GlobalIndex:   i,
				logger:        e.opts.Logger.With("job_id", j.id, "vertex", v.Name, "instance", i),
				codec:         e.opts.Codec,
				resources:     j.resources,
			}
			if err := proc.Init(ic, outbox); err != nil {
				j.instances = append(j.instances, &instance{proc: proc, ctx: ic})
				_ = j.teardown()
				return &StageError{Vertex: v.Name, Instance: i, Op: "init", Cause: err}
			}
			j.instances = append(j.instances, &instance{proc: proc, ctx: ic})

			inputs := newInputSet(streams, j.guarantee, stats)
			t := newTasklet(taskletSpec{
				vertex:         v.Name,
				index:          i,
				proc:           proc,
				ctx:            ic,
				inputs:         inputs,
				outbox:         outbox,
				snapshotQ:      snapshotQ,
				coord:          j.coord,
				inboxLimit:     e.opts.QueueCapacity,
				stats:          stats,
				restoring:      plan != nil,
				restoreEntries: plan.entriesFor(v.Name, i),
				completed:      plan.isCompleted(v.Name, i),
				lastSnapshotID: restoredID,
			})
			j.tasklets = append(j.tasklets, t)
		}
	}

	runnables := make([]runnable, len(j.tasklets))
	for i, t := range j.tasklets {
		runnables[i] = t
	}
	j.sched = newScheduler(runnables, e.opts.CooperativeThreads, e.opts.IdleMin, e.opts.IdleMax)
	return nil
}

// forget unregisters a finished job and keeps its summary.
func (e *Engine) forget(j *Job) {
	summary := j.summary()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.jobs[j.id] == j {
		delete(e.jobs, j.id)
	}
	kept := e.history[:0]
	for _, s := range e.history {
		if s.ID != j.id {
			kept = append(kept, s)
		}
	}
	e.history = append(kept, summary)
	if n := len(e.history) - jobHistoryLimit; n > 0 {
		e.history = append(e.history[:0], e.history[n:]...)
	}
}

// errorCode returns the Code of an *EngineError in err's chain.
func errorCode(err error) string {
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}
