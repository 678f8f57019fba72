package flow

import (
	"sync/atomic"
	"time"
)

// TaskletStats are the live counters of one tasklet. Writers are the
// tasklet's goroutine; readers may be any goroutine.
type TaskletStats struct {
	vertex   string
	instance int

	received []atomic.Int64
	emitted  []atomic.Int64

	snapshotBytes     atomic.Int64
	snapshotsTaken    atomic.Int64
	backpressureNanos atomic.Int64
	calls             atomic.Int64
	state             atomic.Int32
}

func newTaskletStats(vertex string, instance, inputs, outputs int) *TaskletStats {
	return &TaskletStats{
		vertex:   vertex,
		instance: instance,
		received: make([]atomic.Int64, inputs),
		emitted:  make([]atomic.Int64, outputs),
	}
}

func (s *TaskletStats) addReceived(ordinal int, n int64) {
	if ordinal >= 0 && ordinal < len(s.received) {
		s.received[ordinal].Add(n)
	}
}

func (s *TaskletStats) addEmitted(ordinal int) {
	if ordinal >= 0 && ordinal < len(s.emitted) {
		s.emitted[ordinal].Add(1)
	}
}

func (s *TaskletStats) addBackpressure(d time.Duration) {
	s.backpressureNanos.Add(int64(d))
}

// TaskletSnapshot is a point-in-time copy of a tasklet's counters.
type TaskletSnapshot struct {
	Vertex   string
	Instance int
	State    string

	// Received and Emitted are indexed by edge ordinal.
	Received []int64
	Emitted  []int64

	// QueueSize and QueueCapacity sum the queues of each input edge,
	// indexed by ordinal.
	QueueSize     []int
	QueueCapacity []int

	SnapshotBytes    int64
	SnapshotsTaken   int64
	BackpressureTime time.Duration
	Calls            int64
}

func (s *TaskletStats) snapshot(inputs *inputSet) TaskletSnapshot {
	out := TaskletSnapshot{
		Vertex:           s.vertex,
		Instance:         s.instance,
		State:            taskletState(s.state.Load()).String(),
		Received:         make([]int64, len(s.received)),
		Emitted:          make([]int64, len(s.emitted)),
		SnapshotBytes:    s.snapshotBytes.Load(),
		SnapshotsTaken:   s.snapshotsTaken.Load(),
		BackpressureTime: time.Duration(s.backpressureNanos.Load()),
		Calls:            s.calls.Load(),
	}
	for i := range s.received {
		out.Received[i] = s.received[i].Load()
	}
	for i := range s.emitted {
		out.Emitted[i] = s.emitted[i].Load()
	}
	if inputs != nil {
		sizes := inputs.queueSizes()
		out.QueueSize = make([]int, len(s.received))
		out.QueueCapacity = make([]int, len(s.received))
		for ord, sc := range sizes {
			if ord < len(out.QueueSize) {
				out.QueueSize[ord] = sc[0]
				out.QueueCapacity[ord] = sc[1]
			}
		}
	}
	return out
}
