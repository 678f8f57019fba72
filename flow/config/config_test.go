package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/dataflow-go/flow"
	"github.com/dshills/dataflow-go/flow/store"
)

const fullConfig = `
engine:
  cooperative_threads: 3
  queue_capacity: 64
  outbox_batch_limit: 16
  idle:
    min: 50us
    max: 2ms
  drain_timeout: 5s
  codec: gob
  log:
    level: debug
    format: json
job:
  name: orders
  id: orders-v1
  guarantee: exactly-once
  snapshot_interval: 250ms
  restore_from: 4
  resources:
    - id: lookup
      kind: FILE
      path: ./lookup.csv
`

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	e := cfg.Engine
	if e.CooperativeThreads != 3 || e.QueueCapacity != 64 || e.OutboxBatchLimit != 16 {
		t.Errorf("engine = %+v", e)
	}
	if e.Idle.Min.Duration() != 50*time.Microsecond || e.Idle.Max.Duration() != 2*time.Millisecond {
		t.Errorf("idle = %v..%v", e.Idle.Min.Duration(), e.Idle.Max.Duration())
	}
	if e.DrainTimeout.Duration() != 5*time.Second {
		t.Errorf("drain_timeout = %v", e.DrainTimeout.Duration())
	}

	job, err := cfg.Job.JobConfig()
	if err != nil {
		t.Fatalf("JobConfig: %v", err)
	}
	if job.Name != "orders" || job.JobID != "orders-v1" || job.Guarantee != flow.GuaranteeExactlyOnce {
		t.Errorf("job = %+v", job)
	}
	if job.SnapshotInterval != 250*time.Millisecond || job.RestoreFrom != 4 {
		t.Errorf("snapshot_interval = %v restore_from = %d", job.SnapshotInterval, job.RestoreFrom)
	}
	if len(job.Resources) != 1 || job.Resources[0].Kind != flow.ResourceFile || job.Resources[0].Path != "./lookup.csv" {
		t.Errorf("resources = %+v", job.Resources)
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("job:\n  name: tiny\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	job, _ := cfg.Job.JobConfig()
	if job.Guarantee != flow.GuaranteeNone {
		t.Errorf("guarantee = %v", job.Guarantee)
	}
	opts, err := cfg.Engine.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	engine, err := flow.New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := engine.Options()
	if got.QueueCapacity != flow.DefaultQueueCapacity {
		t.Errorf("QueueCapacity = %d", got.QueueCapacity)
	}
	if _, ok := got.Codec.(flow.JSONCodec); !ok {
		t.Errorf("Codec = %T, want JSONCodec", got.Codec)
	}
	if _, ok := got.SnapshotStore.(*store.MemStore); !ok {
		t.Errorf("SnapshotStore = %T, want MemStore", got.SnapshotStore)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad duration", "engine:\n  drain_timeout: soon\n", "duration"},
		{"negative threads", "engine:\n  cooperative_threads: -1\n", "cooperative_threads"},
		{"idle inverted", "engine:\n  idle:\n    min: 5ms\n    max: 1ms\n", "idle"},
		{"unknown codec", "engine:\n  codec: xml\n", "codec"},
		{"unknown driver", "engine:\n  snapshot_store:\n    driver: etcd\n", "unknown driver"},
		{"sqlite without dsn", "engine:\n  snapshot_store:\n    driver: sqlite\n", "needs a dsn"},
		{"bad level", "engine:\n  log:\n    level: loud\n", "log.level"},
		{"bad guarantee", "job:\n  guarantee: twice\n", "job.guarantee"},
		{"resource without kind", "job:\n  resources:\n    - id: x\n", "resources[0]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse() error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestEngineConfig_Options(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snap.db")
	cfg, err := Parse([]byte(fullConfig))
	if err != nil {
		t.Fatal(err)
	}
	cfg.Engine.SnapshotStore = StoreConfig{Driver: "sqlite", DSN: dbPath}
	cfg.Engine.Log.Events = true

	opts, err := cfg.Engine.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	engine, err := flow.New(opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := engine.Options()
	defer got.SnapshotStore.Close()

	if got.CooperativeThreads != 3 || got.QueueCapacity != 64 || got.OutboxBatchLimit != 16 {
		t.Errorf("options = %+v", got)
	}
	if got.IdleMin != 50*time.Microsecond || got.IdleMax != 2*time.Millisecond || got.DrainTimeout != 5*time.Second {
		t.Errorf("timing options = %v %v %v", got.IdleMin, got.IdleMax, got.DrainTimeout)
	}
	if _, ok := got.Codec.(flow.GobCodec); !ok {
		t.Errorf("Codec = %T, want GobCodec", got.Codec)
	}
	if _, ok := got.SnapshotStore.(*store.SQLiteStore); !ok {
		t.Errorf("SnapshotStore = %T, want SQLiteStore", got.SnapshotStore)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("sqlite file not created: %v", err)
	}
}

func TestEngineConfig_Logger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := EngineConfig{Log: LogConfig{Level: "warn", Format: "json"}}.Logger(&buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("hidden")
	logger.Warn("shown", "vertex", "map")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"vertex":"map"`) {
		t.Errorf("log output = %q", out)
	}
}

func TestDuration_RoundTrip(t *testing.T) {
	in := struct {
		D Duration `yaml:"d"`
	}{D: Duration(90 * time.Second)}
	data, err := yaml.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "1m30s") {
		t.Errorf("marshalled = %q", data)
	}
	var out struct {
		D Duration `yaml:"d"`
	}
	if err := yaml.Unmarshal(data, &out); err != nil || out.D != in.D {
		t.Errorf("unmarshalled %v, %v", out.D.Duration(), err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	if err := os.WriteFile(path, []byte(fullConfig), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil || cfg.Job.Name != "orders" {
		t.Fatalf("Load = %+v, %v", cfg, err)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file loaded")
	}
}
