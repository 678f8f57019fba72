// Package config loads engine and job configuration from YAML.
//
// Example file:
//
//	engine:
//	  cooperative_threads: 4
//	  queue_capacity: 1024
//	  idle:
//	    min: 25us
//	    max: 5ms
//	  drain_timeout: 30s
//	  codec: json
//	  snapshot_store:
//	    driver: sqlite
//	    dsn: ./snapshots.db
//	  log:
//	    level: info
//	    format: json
//	    events: true
//	job:
//	  name: orders
//	  id: orders-v1
//	  guarantee: exactly_once
//	  snapshot_interval: 10s
//	  resources:
//	    - id: lookup
//	      kind: file
//	      path: ./lookup.csv
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/dataflow-go/flow"
	"github.com/dshills/dataflow-go/flow/emit"
	"github.com/dshills/dataflow-go/flow/store"
)

// Config is the root of a configuration file.
type Config struct {
	Engine EngineConfig `yaml:"engine"`
	Job    JobSection   `yaml:"job"`
}

// EngineConfig configures a flow.Engine.
type EngineConfig struct {
	CooperativeThreads int         `yaml:"cooperative_threads"`
	QueueCapacity      int         `yaml:"queue_capacity"`
	OutboxBatchLimit   int         `yaml:"outbox_batch_limit"`
	Idle               IdleConfig  `yaml:"idle"`
	DrainTimeout       Duration    `yaml:"drain_timeout"`
	Codec              string      `yaml:"codec"`
	SnapshotStore      StoreConfig `yaml:"snapshot_store"`
	Log                LogConfig   `yaml:"log"`
}

// IdleConfig bounds the idle backoff of workers.
type IdleConfig struct {
	Min Duration `yaml:"min"`
	Max Duration `yaml:"max"`
}

// StoreConfig selects the snapshot store. Driver is "memory" (default),
// "sqlite" or "mysql"; DSN is the file path for sqlite and the data source
// name for mysql.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LogConfig configures the logger handed to processors. Events also logs
// engine events through the same logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Events bool   `yaml:"events"`
}

// JobSection is the YAML form of flow.JobConfig.
type JobSection struct {
	Name             string           `yaml:"name"`
	ID               string           `yaml:"id"`
	Guarantee        string           `yaml:"guarantee"`
	SnapshotInterval Duration         `yaml:"snapshot_interval"`
	RestoreFrom      int64            `yaml:"restore_from"`
	Resources        []ResourceConfig `yaml:"resources"`
}

// ResourceConfig declares an attached resource.
type ResourceConfig struct {
	ID   string `yaml:"id"`
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
}

// Duration is a time.Duration that unmarshals from YAML strings such as
// "250ms" or "1m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the standard time.Duration.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Parse parses YAML bytes and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the values the engine would reject at startup.
func (c *Config) Validate() error {
	var errs []error
	e := c.Engine
	if e.CooperativeThreads < 0 {
		errs = append(errs, errors.New("engine.cooperative_threads cannot be negative"))
	}
	if e.QueueCapacity < 0 {
		errs = append(errs, errors.New("engine.queue_capacity cannot be negative"))
	}
	if e.OutboxBatchLimit < 0 {
		errs = append(errs, errors.New("engine.outbox_batch_limit cannot be negative"))
	}
	if (e.Idle.Min != 0 || e.Idle.Max != 0) && (e.Idle.Min <= 0 || e.Idle.Max < e.Idle.Min) {
		errs = append(errs, errors.New("engine.idle needs 0 < min <= max"))
	}
	if _, err := e.codec(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(e.SnapshotStore.Driver) {
	case "", "memory":
	case "sqlite", "mysql":
		if e.SnapshotStore.DSN == "" {
			errs = append(errs, fmt.Errorf("engine.snapshot_store: driver %s needs a dsn", e.SnapshotStore.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("engine.snapshot_store: unknown driver %q", e.SnapshotStore.Driver))
	}
	if _, err := parseLevel(e.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if _, err := flow.ParseGuarantee(c.Job.Guarantee); err != nil {
		errs = append(errs, fmt.Errorf("job.guarantee: %w", err))
	}
	for i, r := range c.Job.Resources {
		if r.ID == "" || r.Kind == "" {
			errs = append(errs, fmt.Errorf("job.resources[%d] needs an id and a kind", i))
		}
	}
	return errors.Join(errs...)
}

func (e EngineConfig) codec() (flow.Codec, error) {
	switch strings.ToLower(e.Codec) {
	case "", "json":
		return flow.JSONCodec{}, nil
	case "gob":
		return flow.GobCodec{}, nil
	}
	return nil, fmt.Errorf("engine.codec: unknown codec %q", e.Codec)
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return level, fmt.Errorf("engine.log.level: %w", err)
	}
	return level, nil
}

// Logger builds the configured logger writing to w.
func (e EngineConfig) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(e.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(e.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// OpenStore opens the configured snapshot store. The caller closes it.
func (e EngineConfig) OpenStore() (store.SnapshotStore, error) {
	switch strings.ToLower(e.SnapshotStore.Driver) {
	case "", "memory":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(e.SnapshotStore.DSN)
	case "mysql":
		return store.NewMySQLStore(e.SnapshotStore.DSN)
	}
	return nil, fmt.Errorf("unknown snapshot store driver %q", e.SnapshotStore.Driver)
}

// Options converts the configuration to engine options. Logs go to
// stderr. The snapshot store is opened here; close it through
// Engine.Options().SnapshotStore once the engine is no longer used.
func (e EngineConfig) Options() ([]flow.Option, error) {
	var opts []flow.Option
	if e.CooperativeThreads > 0 {
		opts = append(opts, flow.WithCooperativeThreads(e.CooperativeThreads))
	}
	if e.QueueCapacity > 0 {
		opts = append(opts, flow.WithQueueCapacity(e.QueueCapacity))
	}
	if e.OutboxBatchLimit > 0 {
		opts = append(opts, flow.WithOutboxBatchLimit(e.OutboxBatchLimit))
	}
	if e.Idle.Min > 0 {
		opts = append(opts, flow.WithIdleStrategy(e.Idle.Min.Duration(), e.Idle.Max.Duration()))
	}
	if e.DrainTimeout > 0 {
		opts = append(opts, flow.WithDrainTimeout(e.DrainTimeout.Duration()))
	}

	codec, err := e.codec()
	if err != nil {
		return nil, err
	}
	opts = append(opts, flow.WithCodec(codec))

	logger, err := e.Logger(os.Stderr)
	if err != nil {
		return nil, err
	}
	opts = append(opts, flow.WithLogger(logger))
	if e.Log.Events {
		opts = append(opts, flow.WithEmitter(emit.NewSlogEmitter(logger)))
	}

	st, err := e.OpenStore()
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	opts = append(opts, flow.WithSnapshotStore(st))
	return opts, nil
}

// JobConfig converts the job section to a flow.JobConfig.
func (j JobSection) JobConfig() (flow.JobConfig, error) {
	guarantee, err := flow.ParseGuarantee(j.Guarantee)
	if err != nil {
		return flow.JobConfig{}, err
	}
	cfg := flow.JobConfig{
		Name:             j.Name,
		JobID:            j.ID,
		Guarantee:        guarantee,
		SnapshotInterval: j.SnapshotInterval.Duration(),
		RestoreFrom:      j.RestoreFrom,
	}
	for _, r := range j.Resources {
		cfg.Resources = append(cfg.Resources, flow.Resource{
			ID:   r.ID,
			Kind: flow.ResourceKind(strings.ToLower(r.Kind)),
			Path: r.Path,
		})
	}
	return cfg, nil
}
