// Package sink provides sinks that write to external systems through the
// async writer of package flow.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dshills/dataflow-go/flow"
)

// MapEntry is one field of a Redis hash. Value is written as is when it is
// a string or []byte and encoded with the writer's codec otherwise.
type MapEntry struct {
	Map   string
	Key   string
	Value any
}

// RedisMapWriter writes MapEntry items to Redis hashes with HSET. It
// implements flow.AsyncClient; each write runs on its own goroutine and the
// async writer's permits bound how many are outstanding.
//
// Connection level failures are reported wrapping
// flow.ErrResourceUnavailable, so a job failing on them is restartable.
type RedisMapWriter struct {
	client  redis.UniversalClient
	prefix  string
	codec   flow.Codec
	timeout time.Duration
}

// RedisOption configures a RedisMapWriter.
type RedisOption func(*RedisMapWriter)

// WithKeyPrefix prepends prefix to every hash name.
func WithKeyPrefix(prefix string) RedisOption {
	return func(w *RedisMapWriter) { w.prefix = prefix }
}

// WithValueCodec sets the codec for values that are not strings or bytes.
func WithValueCodec(c flow.Codec) RedisOption {
	return func(w *RedisMapWriter) { w.codec = c }
}

// WithWriteTimeout bounds each HSET. Zero leaves it to the client's own
// timeouts.
func WithWriteTimeout(d time.Duration) RedisOption {
	return func(w *RedisMapWriter) { w.timeout = d }
}

// NewRedisMapWriter creates a writer using client.
func NewRedisMapWriter(client redis.UniversalClient, opts ...RedisOption) *RedisMapWriter {
	w := &RedisMapWriter{client: client, codec: flow.JSONCodec{}}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NewRedisSink returns a supplier of async writer instances writing to
// Redis through w, each with at most maxInFlight outstanding writes.
func NewRedisSink(w *RedisMapWriter, maxInFlight int) flow.SupplierFunc {
	return flow.NewAsyncWriter(w, maxInFlight)
}

// WriteAsync implements flow.AsyncClient.
func (w *RedisMapWriter) WriteAsync(ctx context.Context, item any, done func(err error)) {
	entry, err := toEntry(item)
	if err != nil {
		done(err)
		return
	}
	value, err := w.encode(entry.Value)
	if err != nil {
		done(fmt.Errorf("redis sink: map %s key %s: %w", entry.Map, entry.Key, err))
		return
	}

	go func() {
		if w.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, w.timeout)
			defer cancel()
		}
		err := w.client.HSet(ctx, w.prefix+entry.Map, entry.Key, value).Err()
		done(classify(err))
	}()
}

func toEntry(item any) (MapEntry, error) {
	switch v := item.(type) {
	case MapEntry:
		return v, nil
	case *MapEntry:
		if v != nil {
			return *v, nil
		}
	}
	return MapEntry{}, fmt.Errorf("redis sink: unexpected item type %T", item)
}

func (w *RedisMapWriter) encode(v any) (any, error) {
	switch v := v.(type) {
	case string:
		return v, nil
	case []byte:
		return v, nil
	}
	return w.codec.Encode(v)
}

// classify marks failures to reach Redis as ErrResourceUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: redis: %v", flow.ErrResourceUnavailable, err)
	}
	return fmt.Errorf("redis: %w", err)
}
