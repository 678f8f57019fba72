// Package emit provides event emission and observability for job execution.
package emit

// Emitter receives observability events from job execution.
//
// Emitters enable pluggable observability backends:
//   - Logging: log/slog handlers (text, JSON)
//   - Distributed tracing: OpenTelemetry
//   - Tests: in-memory buffering
//
// Implementations must be non-blocking and safe for concurrent use: events
// are emitted from worker goroutines and from the snapshot coordinator.
// Emit must not panic.
type Emitter interface {
	Emit(event Event)
}

// Multi fans an event out to several emitters in order.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}
