package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestLogEmitter(t *testing.T) {
	t.Run("text output carries ids and meta", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{
			JobID:       "job-1",
			ExecutionID: "exec-1",
			Vertex:      "sink",
			Instance:    2,
			Msg:         "tasklet_failed",
			Meta:        map[string]interface{}{"op": "try_process"},
		})

		out := buf.String()
		for _, want := range []string{"msg=tasklet_failed", "level=ERROR", "job_id=job-1", "vertex=sink", "instance=2", "op=try_process"} {
			if !strings.Contains(out, want) {
				t.Errorf("output missing %q: %s", want, out)
			}
		}
	})

	t.Run("json output is one object per line", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, true)

		emitter.Emit(Event{JobID: "job-1", SnapshotID: 4, Msg: "snapshot_committed", Meta: map[string]interface{}{"bytes": int64(128)}})
		emitter.Emit(Event{JobID: "job-1", Msg: "job_completed"})

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
		}
		var first map[string]interface{}
		if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
			t.Fatalf("invalid JSON %q: %v", lines[0], err)
		}
		if first["msg"] != "snapshot_committed" || first["level"] != "INFO" {
			t.Errorf("unexpected record: %v", first)
		}
		if first["snapshot_id"] != float64(4) || first["bytes"] != float64(128) {
			t.Errorf("unexpected attributes: %v", first)
		}
		if _, ok := first["vertex"]; ok {
			t.Errorf("job level event should not carry a vertex: %v", first)
		}
	})
}

func TestBufferedEmitter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{JobID: "a", Msg: "snapshot_started", SnapshotID: 1})
	b.Emit(Event{JobID: "a", Msg: "snapshot_committed", SnapshotID: 1})
	b.Emit(Event{JobID: "a", Msg: "tasklet_failed", Vertex: "map"})
	b.Emit(Event{JobID: "b", Msg: "job_started"})

	tests := []struct {
		name   string
		job    string
		filter HistoryFilter
		want   int
	}{
		{"all of job a", "a", HistoryFilter{}, 3},
		{"by message", "a", HistoryFilter{Msg: "snapshot_committed"}, 1},
		{"by snapshot", "a", HistoryFilter{SnapshotID: 1}, 2},
		{"by vertex", "a", HistoryFilter{Vertex: "map"}, 1},
		{"other job", "b", HistoryFilter{}, 1},
		{"unknown job", "zzz", HistoryFilter{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := b.HistoryWithFilter(tt.job, tt.filter)
			if len(got) != tt.want {
				t.Errorf("got %d events, want %d", len(got), tt.want)
			}
			if got == nil {
				t.Error("history should be an empty slice, not nil")
			}
		})
	}

	b.Clear("a")
	if n := len(b.History("a")); n != 0 {
		t.Errorf("after Clear(a) got %d events", n)
	}
	if n := len(b.History("b")); n != 1 {
		t.Errorf("Clear(a) removed job b events")
	}
	b.Clear("")
	if n := len(b.History("b")); n != 0 {
		t.Errorf("after Clear(\"\") got %d events", n)
	}
}

func TestBufferedEmitter_ConcurrentEmit(t *testing.T) {
	b := NewBufferedEmitter()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Emit(Event{JobID: "job", Msg: "x"})
			}
		}()
	}
	wg.Wait()
	if n := len(b.History("job")); n != 800 {
		t.Errorf("got %d events, want 800", n)
	}
}

func TestMulti(t *testing.T) {
	a, b := NewBufferedEmitter(), NewBufferedEmitter()
	m := Multi{a, nil, NewNullEmitter(), b}
	m.Emit(Event{JobID: "job", Msg: "job_started"})
	if len(a.History("job")) != 1 || len(b.History("job")) != 1 {
		t.Error("event not fanned out to every emitter")
	}
}

func TestEvent_IsFailure(t *testing.T) {
	tests := []struct {
		event Event
		want  bool
	}{
		{Event{Msg: "job_failed"}, true},
		{Event{Msg: "snapshot_aborted"}, true},
		{Event{Msg: "job_cancelled", Meta: map[string]interface{}{"error": "x"}}, true},
		{Event{Msg: "snapshot_committed"}, false},
	}
	for _, tt := range tests {
		if got := tt.event.IsFailure(); got != tt.want {
			t.Errorf("%s: IsFailure() = %v, want %v", tt.event.Msg, got, tt.want)
		}
	}
}

func newTestTracer(t *testing.T) (*OTelEmitter, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return NewOTelEmitter(tp.Tracer("test")), exporter
}

func TestOTelEmitter_Emit(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{
		JobID:       "job-1",
		ExecutionID: "exec-1",
		SnapshotID:  3,
		Msg:         "snapshot_committed",
		Meta: map[string]interface{}{
			"duration_ms": int64(250),
			"records":     12,
			"bytes":       int64(2048),
			"elapsed":     1500 * time.Millisecond,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != "snapshot_committed" {
		t.Errorf("span name = %q", span.Name)
	}
	attrs := attributeMap(span.Attributes)
	if got := attrs["dataflow.job_id"]; got != "job-1" {
		t.Errorf("job_id = %v", got)
	}
	if got := attrs["dataflow.snapshot_id"]; got != int64(3) {
		t.Errorf("snapshot_id = %v", got)
	}
	if got := attrs["records"]; got != int64(12) {
		t.Errorf("records = %v", got)
	}
	if got := attrs["elapsed"]; got != int64(1500) {
		t.Errorf("elapsed = %v", got)
	}
	if _, ok := attrs["dataflow.vertex"]; ok {
		t.Error("job level event should not carry a vertex attribute")
	}
	if d := span.EndTime.Sub(span.StartTime); d < 250*time.Millisecond {
		t.Errorf("span duration = %v, want >= 250ms", d)
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	emitter.Emit(Event{
		JobID:    "job-1",
		Vertex:   "sink",
		Instance: 1,
		Msg:      "tasklet_failed",
		Meta:     map[string]interface{}{"error": "connection refused"},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Status.Code != codes.Error {
		t.Errorf("status code = %v, want %v", span.Status.Code, codes.Error)
	}
	if span.Status.Description != "connection refused" {
		t.Errorf("status description = %q", span.Status.Description)
	}
	attrs := attributeMap(span.Attributes)
	if attrs["dataflow.vertex"] != "sink" || attrs["dataflow.instance"] != int64(1) {
		t.Errorf("instance attributes = %v", attrs)
	}
	if len(span.Events) == 0 {
		t.Error("expected a recorded error event")
	}
}

func TestOTelEmitter_EmitBatch(t *testing.T) {
	emitter, exporter := newTestTracer(t)

	events := []Event{{JobID: "j", Msg: "a"}, {JobID: "j", Msg: "b"}, {JobID: "j", Msg: "c"}}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatalf("EmitBatch: %v", err)
	}
	if n := len(exporter.GetSpans()); n != 3 {
		t.Errorf("got %d spans, want 3", n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := emitter.EmitBatch(ctx, events); err == nil {
		t.Error("EmitBatch with cancelled context should fail")
	}
	if err := emitter.Flush(context.Background()); err != nil {
		t.Errorf("Flush: %v", err)
	}
}

func attributeMap(attrs []attribute.KeyValue) map[string]interface{} {
	m := make(map[string]interface{})
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}
