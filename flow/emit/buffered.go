package emit

import "sync"

// BufferedEmitter keeps events in memory, grouped by job ID.
//
// Useful for:
//   - Tests asserting on emitted events
//   - Inspecting the history of a job after it finished
//
// Thread-safe.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // jobID -> events
}

// HistoryFilter selects events. Zero fields do not filter.
type HistoryFilter struct {
	Vertex     string
	Msg        string
	SnapshotID int64
}

// NewBufferedEmitter creates an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// Emit implements Emitter.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.JobID] = append(b.events[event.JobID], event)
}

// History returns a copy of the events of a job in emission order.
func (b *BufferedEmitter) History(jobID string) []Event {
	return b.HistoryWithFilter(jobID, HistoryFilter{})
}

// HistoryWithFilter returns the events of a job matching filter.
func (b *BufferedEmitter) HistoryWithFilter(jobID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[jobID] {
		if filter.Vertex != "" && event.Vertex != filter.Vertex {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		if filter.SnapshotID != 0 && event.SnapshotID != filter.SnapshotID {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear drops the events of a job, or of every job when jobID is empty.
func (b *BufferedEmitter) Clear(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if jobID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, jobID)
}
