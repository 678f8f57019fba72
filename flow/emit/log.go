package emit

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
)

// LogEmitter implements Emitter by writing events through log/slog.
//
// Failure events (see Event.IsFailure) are logged at error level, all
// others at info level. Meta entries become attributes in key order.
//
// Example text output:
//
//	time=... level=INFO msg=snapshot_committed job_id=orders execution_id=7f0c... snapshot_id=3 bytes=4096
//
// Usage:
//
//	// Text output to stdout
//	emitter := emit.NewLogEmitter(os.Stdout, false)
//
//	// Reuse an application logger
//	emitter := emit.NewSlogEmitter(slog.Default())
type LogEmitter struct {
	logger *slog.Logger
}

// NewLogEmitter creates a LogEmitter writing text or JSON lines to writer.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	var h slog.Handler
	if jsonMode {
		h = slog.NewJSONHandler(writer, nil)
	} else {
		h = slog.NewTextHandler(writer, nil)
	}
	return &LogEmitter{logger: slog.New(h)}
}

// NewSlogEmitter creates a LogEmitter on an existing logger.
func NewSlogEmitter(logger *slog.Logger) *LogEmitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogEmitter{logger: logger}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	level := slog.LevelInfo
	if event.IsFailure() {
		level = slog.LevelError
	}
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.LogAttrs(ctx, level, event.Msg, attrs(event)...)
}

func attrs(event Event) []slog.Attr {
	out := []slog.Attr{
		slog.String("job_id", event.JobID),
		slog.String("execution_id", event.ExecutionID),
	}
	if event.Vertex != "" {
		out = append(out, slog.String("vertex", event.Vertex), slog.Int("instance", event.Instance))
	}
	if event.SnapshotID != 0 {
		out = append(out, slog.Int64("snapshot_id", event.SnapshotID))
	}
	keys := make([]string, 0, len(event.Meta))
	for k := range event.Meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, slog.Any(k, event.Meta[k]))
	}
	return out
}
