package flow

import (
	"math"
	"sort"
)

// inputQueue is the consumer end of one producer instance's queue.
type inputQueue struct {
	q       *Queue
	done    bool
	wm      int64
	barrier int64
}

// inboundStream groups the queues of one inbound edge.
type inboundStream struct {
	ordinal  int
	priority int
	queues   []*inputQueue
	next     int
}

func newInboundStream(ordinal, priority int, queues []*Queue) *inboundStream {
	s := &inboundStream{ordinal: ordinal, priority: priority}
	for _, q := range queues {
		s.queues = append(s.queues, &inputQueue{q: q, wm: math.MinInt64})
	}
	return s
}

// drainResult reports what one drain pass observed.
type drainResult struct {
	polled    int
	watermark *Watermark
}

// inputSet holds all inbound streams of a tasklet and tracks barrier
// alignment and watermark coalescing across them.
type inputSet struct {
	streams     []*inboundStream
	blockOnSync bool
	stats       *TaskletStats
	next        int

	barrierID int64
	lastWM    int64
}

func newInputSet(streams []*inboundStream, guarantee ProcessingGuarantee, stats *TaskletStats) *inputSet {
	sorted := append([]*inboundStream(nil), streams...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].priority != sorted[j].priority {
			return sorted[i].priority < sorted[j].priority
		}
		return sorted[i].ordinal < sorted[j].ordinal
	})
	return &inputSet{
		streams:     sorted,
		blockOnSync: guarantee == GuaranteeExactlyOnce,
		stats:       stats,
		lastWM:      math.MinInt64,
	}
}

// allDone reports whether every queue delivered its done marker. A set
// without streams is done from the start.
func (s *inputSet) allDone() bool {
	for _, st := range s.streams {
		for _, q := range st.queues {
			if !q.done {
				return false
			}
		}
	}
	return true
}

// aligned reports whether a barrier is open and every live queue
// delivered it.
func (s *inputSet) aligned() (int64, bool) {
	if s.barrierID == 0 {
		return 0, false
	}
	for _, st := range s.streams {
		for _, q := range st.queues {
			if !q.done && q.barrier != s.barrierID {
				return 0, false
			}
		}
	}
	return s.barrierID, true
}

// clearBarrier unblocks the queues after the snapshot was taken.
func (s *inputSet) clearBarrier() {
	s.barrierID = 0
	for _, st := range s.streams {
		for _, q := range st.queues {
			q.barrier = 0
		}
	}
}

func (s *inputSet) readable(q *inputQueue) bool {
	if q.done {
		return false
	}
	return !(s.blockOnSync && q.barrier != 0)
}

// activePriority returns the lowest priority that still has live queues.
func (s *inputSet) activePriority() (int, bool) {
	for _, st := range s.streams {
		for _, q := range st.queues {
			if !q.done {
				return st.priority, true
			}
		}
	}
	return 0, false
}

// drainTo fills the inbox from one stream of the active priority group,
// chosen round robin. Draining a queue stops at a watermark, a done marker
// and, under exactly-once, a barrier.
func (s *inputSet) drainTo(inbox *Inbox, limit int) drainResult {
	var res drainResult
	prio, ok := s.activePriority()
	if !ok {
		return res
	}
	n := len(s.streams)
	for k := 0; k < n; k++ {
		idx := (s.next + k) % n
		st := s.streams[idx]
		if st.priority != prio || !s.streamReadable(st) {
			continue
		}
		s.next = (idx + 1) % n
		inbox.ordinal = st.ordinal
		markersSeen := s.drainStream(st, inbox, limit, &res)
		if res.polled > 0 && s.stats != nil {
			s.stats.addReceived(st.ordinal, int64(inbox.Len()))
		}
		if markersSeen {
			res.watermark = s.coalesce()
		}
		return res
	}
	return res
}

func (s *inputSet) streamReadable(st *inboundStream) bool {
	for _, q := range st.queues {
		if s.readable(q) && !q.q.IsEmpty() {
			return true
		}
	}
	return false
}

func (s *inputSet) drainStream(st *inboundStream, inbox *Inbox, limit int, res *drainResult) bool {
	markersSeen := false
	n := len(st.queues)
	for k := 0; k < n && inbox.Len() < limit; k++ {
		q := st.queues[(st.next+k)%n]
	queue:
		for s.readable(q) && inbox.Len() < limit {
			item, ok := q.q.Poll()
			if !ok {
				break
			}
			res.polled++
			switch m := item.(type) {
			case Watermark:
				q.wm = m.Timestamp
				markersSeen = true
				break queue
			case SnapshotBarrier:
				q.barrier = m.ID
				if s.barrierID == 0 {
					s.barrierID = m.ID
				}
			case doneMarker:
				q.done = true
				markersSeen = true
				break queue
			default:
				inbox.add(item)
			}
		}
	}
	st.next = (st.next + 1) % n
	return markersSeen
}

// coalesce returns the minimum watermark over the live queues when it
// advanced past the last delivered one.
func (s *inputSet) coalesce() *Watermark {
	lowest := int64(math.MaxInt64)
	live := false
	for _, st := range s.streams {
		for _, q := range st.queues {
			if q.done {
				continue
			}
			live = true
			if q.wm < lowest {
				lowest = q.wm
			}
		}
	}
	if !live || lowest == math.MinInt64 || lowest <= s.lastWM {
		return nil
	}
	s.lastWM = lowest
	return &Watermark{Timestamp: lowest}
}

// queueSizes returns the current size and capacity of each input edge.
func (s *inputSet) queueSizes() map[int][2]int {
	out := make(map[int][2]int, len(s.streams))
	for _, st := range s.streams {
		var size, capacity int
		for _, q := range st.queues {
			size += q.q.Len()
			capacity += q.q.Cap()
		}
		out[st.ordinal] = [2]int{size, capacity}
	}
	return out
}
