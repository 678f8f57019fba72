package flow

import (
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/dshills/dataflow-go/flow/emit"
	"github.com/dshills/dataflow-go/flow/store"
)

// DefaultQueueCapacity is the capacity of each queue when neither the edge
// nor the engine options set one.
const DefaultQueueCapacity = 1024

// Options configures an Engine.
type Options struct {
	// CooperativeThreads is the number of worker goroutines that run
	// cooperative tasklets. Default: runtime.GOMAXPROCS(0).
	CooperativeThreads int

	// QueueCapacity is the default capacity of each queue. Default: 1024.
	QueueCapacity int

	// OutboxBatchLimit caps the items an outbox accepts during one tasklet
	// call. Zero means the queue capacity.
	OutboxBatchLimit int

	// IdleMin and IdleMax bound the sleep of a worker whose tasklets made
	// no progress. Defaults: 25µs and 5ms.
	IdleMin time.Duration
	IdleMax time.Duration

	// DrainTimeout bounds processor Close at teardown, which waits for
	// outstanding asynchronous work. Default: 30s.
	DrainTimeout time.Duration

	// SnapshotStore persists snapshots. Default: an in-memory store shared
	// by all jobs of the engine.
	SnapshotStore store.SnapshotStore

	// Codec encodes processor state. Default: JSONCodec.
	Codec Codec

	// Emitter receives job and snapshot events. Default: NullEmitter.
	Emitter emit.Emitter

	// Metrics is optional.
	Metrics *PrometheusMetrics

	// Logger is handed to processors through InstanceContext.Logger.
	// Default: slog.Default().
	Logger *slog.Logger

	// ResourceOpeners resolve attached resources of custom kinds.
	ResourceOpeners map[ResourceKind]ResourceOpener
}

// Option is a functional option for configuring an Engine.
//
// Example:
//
//	engine, err := flow.New(
//	    flow.WithCooperativeThreads(4),
//	    flow.WithQueueCapacity(256),
//	    flow.WithSnapshotStore(sqliteStore),
//	)
type Option func(*engineConfig) error

type engineConfig struct {
	opts Options
}

// WithOptions replaces the whole Options struct. Later options still
// override single fields.
func WithOptions(opts Options) Option {
	return func(cfg *engineConfig) error {
		cfg.opts = opts
		return nil
	}
}

// WithCooperativeThreads sets the size of the cooperative worker pool.
func WithCooperativeThreads(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 1 {
			return errors.New("cooperative threads must be at least 1")
		}
		cfg.opts.CooperativeThreads = n
		return nil
	}
}

// WithQueueCapacity sets the default queue capacity.
func WithQueueCapacity(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 1 {
			return errors.New("queue capacity must be at least 1")
		}
		cfg.opts.QueueCapacity = n
		return nil
	}
}

// WithOutboxBatchLimit caps the items one tasklet call may emit.
func WithOutboxBatchLimit(n int) Option {
	return func(cfg *engineConfig) error {
		if n < 0 {
			return errors.New("outbox batch limit cannot be negative")
		}
		cfg.opts.OutboxBatchLimit = n
		return nil
	}
}

// WithIdleStrategy sets the idle backoff bounds of workers.
func WithIdleStrategy(lo, hi time.Duration) Option {
	return func(cfg *engineConfig) error {
		if lo <= 0 || hi < lo {
			return errors.New("idle strategy needs 0 < min <= max")
		}
		cfg.opts.IdleMin = lo
		cfg.opts.IdleMax = hi
		return nil
	}
}

// WithDrainTimeout bounds how long teardown waits for processors to close.
func WithDrainTimeout(d time.Duration) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.DrainTimeout = d
		return nil
	}
}

// WithSnapshotStore sets the snapshot store.
func WithSnapshotStore(st store.SnapshotStore) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.SnapshotStore = st
		return nil
	}
}

// WithCodec sets the codec processor state is encoded with.
func WithCodec(c Codec) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Codec = c
		return nil
	}
}

// WithEmitter sets the event emitter.
func WithEmitter(e emit.Emitter) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Emitter = e
		return nil
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *PrometheusMetrics) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Metrics = m
		return nil
	}
}

// WithLogger sets the logger handed to processors.
func WithLogger(l *slog.Logger) Option {
	return func(cfg *engineConfig) error {
		cfg.opts.Logger = l
		return nil
	}
}

// WithResourceOpener registers an opener for attached resources of kind.
func WithResourceOpener(kind ResourceKind, opener ResourceOpener) Option {
	return func(cfg *engineConfig) error {
		if kind == "" || opener == nil {
			return errors.New("resource opener needs a kind and a function")
		}
		if cfg.opts.ResourceOpeners == nil {
			cfg.opts.ResourceOpeners = make(map[ResourceKind]ResourceOpener)
		}
		cfg.opts.ResourceOpeners[kind] = opener
		return nil
	}
}

func (o *Options) applyDefaults() {
	if o.CooperativeThreads < 1 {
		o.CooperativeThreads = runtime.GOMAXPROCS(0)
	}
	if o.QueueCapacity < 1 {
		o.QueueCapacity = DefaultQueueCapacity
	}
	if o.IdleMin <= 0 {
		o.IdleMin = 25 * time.Microsecond
	}
	if o.IdleMax < o.IdleMin {
		o.IdleMax = 5 * time.Millisecond
		if o.IdleMax < o.IdleMin {
			o.IdleMax = o.IdleMin
		}
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	if o.SnapshotStore == nil {
		o.SnapshotStore = store.NewMemStore()
	}
	if o.Codec == nil {
		o.Codec = JSONCodec{}
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}
