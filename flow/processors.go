package flow

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// SliceSource emits the elements of a slice. With several instances,
// element i goes to the instance whose global index is i modulo the total
// parallelism. The position of each instance is saved in snapshots, so a
// restored job continues after the last element that made it into one.
type SliceSource[T any] struct {
	BaseProcessor

	items  []T
	next   int
	step   int
	offset int
}

// NewSliceSource returns a supplier of SliceSource instances over items.
func NewSliceSource[T any](items []T) SupplierFunc {
	return func() Processor {
		return &SliceSource[T]{items: items}
	}
}

func (p *SliceSource[T]) Init(ic *InstanceContext, outbox *Outbox) error {
	if err := p.BaseProcessor.Init(ic, outbox); err != nil {
		return err
	}
	p.offset = ic.GlobalIndex
	p.step = ic.TotalParallelism
	if p.step < 1 {
		p.step = 1
	}
	p.next = p.offset
	return nil
}

func (p *SliceSource[T]) Complete() (bool, error) {
	for p.next < len(p.items) {
		if !p.Outbox().Offer(-1, p.items[p.next]) {
			return false, nil
		}
		p.next += p.step
	}
	return true, nil
}

type sourcePosition struct {
	Next int `json:"next"`
	Step int `json:"step"`
}

func (p *SliceSource[T]) SaveToSnapshot() (bool, error) {
	return p.Outbox().OfferToSnapshot(fmt.Sprintf("position/%d", p.offset), sourcePosition{Next: p.next, Step: p.step})
}

func (p *SliceSource[T]) RestoreFromSnapshot(entries []SnapshotEntry) error {
	if len(entries) > 1 {
		return fmt.Errorf("slice source got %d positions; it cannot be rescaled", len(entries))
	}
	for _, e := range entries {
		var pos sourcePosition
		if err := e.Decode(&pos); err != nil {
			return err
		}
		if pos.Step != p.step {
			return fmt.Errorf("slice source was saved with parallelism %d, now %d", pos.Step, p.step)
		}
		p.next = pos.Next
	}
	return nil
}

// MapP applies a function to every item.
type MapP[In, Out any] struct {
	BaseProcessor

	fn      func(In) (Out, error)
	pending *Out
}

// NewMap returns a supplier of MapP instances.
func NewMap[In, Out any](fn func(In) (Out, error)) SupplierFunc {
	return func() Processor {
		return &MapP[In, Out]{fn: fn}
	}
}

func (p *MapP[In, Out]) TryProcess(inbox *Inbox) (bool, error) {
	progress := false
	for {
		if p.pending == nil {
			item, ok := inbox.Peek()
			if !ok {
				return progress, nil
			}
			in, ok := item.(In)
			if !ok {
				return progress, fmt.Errorf("map: unexpected item type %T", item)
			}
			out, err := p.fn(in)
			if err != nil {
				return progress, err
			}
			p.pending = &out
		}
		if !p.Outbox().Offer(-1, *p.pending) {
			return progress, nil
		}
		p.pending = nil
		inbox.Remove()
		progress = true
	}
}

// FilterP forwards the items a predicate accepts.
type FilterP[T any] struct {
	BaseProcessor

	pred func(T) bool
}

// NewFilter returns a supplier of FilterP instances.
func NewFilter[T any](pred func(T) bool) SupplierFunc {
	return func() Processor {
		return &FilterP[T]{pred: pred}
	}
}

func (p *FilterP[T]) TryProcess(inbox *Inbox) (bool, error) {
	progress := false
	for {
		item, ok := inbox.Peek()
		if !ok {
			return progress, nil
		}
		v, ok := item.(T)
		if !ok {
			return progress, fmt.Errorf("filter: unexpected item type %T", item)
		}
		if p.pred(v) && !p.Outbox().Offer(-1, v) {
			return progress, nil
		}
		inbox.Remove()
		progress = true
	}
}

// StatefulMapP keeps one state value per key and maps each item with the
// state of its key. Key strings are the snapshot entry keys, so a vertex
// fed by a partitioned edge using the same key restores each key on the
// instance that receives its items after rescaling.
type StatefulMapP[S, In, Out any] struct {
	BaseProcessor

	keyFn    func(In) string
	newState func() S
	fn       func(state *S, key string, item In) (Out, error)

	states  map[string]*S
	pending *Out

	saveKeys []string
	saveNext int
}

// NewStatefulMap returns a supplier of StatefulMapP instances.
func NewStatefulMap[S, In, Out any](keyFn func(In) string, newState func() S, fn func(state *S, key string, item In) (Out, error)) SupplierFunc {
	return func() Processor {
		return &StatefulMapP[S, In, Out]{
			keyFn:    keyFn,
			newState: newState,
			fn:       fn,
			states:   make(map[string]*S),
		}
	}
}

func (p *StatefulMapP[S, In, Out]) TryProcess(inbox *Inbox) (bool, error) {
	progress := false
	for {
		if p.pending == nil {
			item, ok := inbox.Peek()
			if !ok {
				return progress, nil
			}
			in, ok := item.(In)
			if !ok {
				return progress, fmt.Errorf("stateful map: unexpected item type %T", item)
			}
			key := p.keyFn(in)
			st, ok := p.states[key]
			if !ok {
				s := p.newState()
				st = &s
				p.states[key] = st
			}
			out, err := p.fn(st, key, in)
			if err != nil {
				return progress, err
			}
			p.pending = &out
		}
		if !p.Outbox().Offer(-1, *p.pending) {
			return progress, nil
		}
		p.pending = nil
		inbox.Remove()
		progress = true
	}
}

// SaveToSnapshot offers one entry per key, resuming where the snapshot
// queue filled up on the previous call.
func (p *StatefulMapP[S, In, Out]) SaveToSnapshot() (bool, error) {
	if p.saveKeys == nil {
		p.saveKeys = make([]string, 0, len(p.states))
		for k := range p.states {
			p.saveKeys = append(p.saveKeys, k)
		}
		sort.Strings(p.saveKeys)
		p.saveNext = 0
	}
	for p.saveNext < len(p.saveKeys) {
		key := p.saveKeys[p.saveNext]
		ok, err := p.Outbox().OfferToSnapshot(key, p.states[key])
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		p.saveNext++
	}
	p.saveKeys = nil
	return true, nil
}

func (p *StatefulMapP[S, In, Out]) RestoreFromSnapshot(entries []SnapshotEntry) error {
	for _, e := range entries {
		s := p.newState()
		if err := e.Decode(&s); err != nil {
			return fmt.Errorf("stateful map: key %q: %w", e.Key, err)
		}
		p.states[e.Key] = &s
	}
	return nil
}

// State returns the state of key.
func (p *StatefulMapP[S, In, Out]) State(key string) (S, bool) {
	st, ok := p.states[key]
	if !ok {
		var zero S
		return zero, false
	}
	return *st, true
}

// Collector receives the items of CollectSink instances once they
// complete. It is safe for concurrent use.
type Collector[T any] struct {
	mu    sync.Mutex
	items []T
}

// NewCollector creates an empty Collector.
func NewCollector[T any]() *Collector[T] {
	return &Collector[T]{}
}

// Items returns a copy of the collected items.
func (c *Collector[T]) Items() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]T(nil), c.items...)
}

// Len returns the number of collected items.
func (c *Collector[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Collector[T]) add(items []T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, items...)
}

// CollectSink accumulates its input and hands it to a Collector on
// completion. The accumulated items are part of its snapshot, so items
// from a cancelled execution reach the Collector only through a restored
// one.
type CollectSink[T any] struct {
	BaseProcessor

	collector *Collector[T]
	items     []T
}

// NewCollectSink returns a supplier of CollectSink instances publishing to
// collector.
func NewCollectSink[T any](collector *Collector[T]) SupplierFunc {
	return func() Processor {
		return &CollectSink[T]{collector: collector}
	}
}

func (p *CollectSink[T]) TryProcess(inbox *Inbox) (bool, error) {
	progress := false
	for {
		item, ok := inbox.Peek()
		if !ok {
			return progress, nil
		}
		v, ok := item.(T)
		if !ok {
			return progress, fmt.Errorf("collect sink: unexpected item type %T", item)
		}
		p.items = append(p.items, v)
		inbox.Remove()
		progress = true
	}
}

func (p *CollectSink[T]) SaveToSnapshot() (bool, error) {
	return p.Outbox().OfferToSnapshot(fmt.Sprintf("items/%d", p.Context().GlobalIndex), p.items)
}

func (p *CollectSink[T]) RestoreFromSnapshot(entries []SnapshotEntry) error {
	for _, e := range entries {
		var items []T
		if err := e.Decode(&items); err != nil {
			return err
		}
		p.items = append(p.items, items...)
	}
	return nil
}

func (p *CollectSink[T]) Complete() (bool, error) {
	p.collector.add(p.items)
	p.items = nil
	return true, nil
}

// NoopP discards its input.
type NoopP struct {
	BaseProcessor
}

// NewNoop returns a supplier of NoopP instances.
func NewNoop() SupplierFunc {
	return func() Processor { return &NoopP{} }
}

func (p *NoopP) TryProcess(inbox *Inbox) (bool, error) {
	return inbox.Drain(func(any) {}) > 0, nil
}

// PeekP wraps a processor and logs every item it consumes at debug level
// through the instance logger.
type PeekP struct {
	Processor

	format func(item any) string
	logger *slog.Logger
}

// Peek wraps the processors of supplier in PeekP. A nil format uses %v.
func Peek(supplier ProcessorSupplier, format func(item any) string) ProcessorSupplier {
	return peekSupplier{inner: supplier, format: format}
}

type peekSupplier struct {
	inner  ProcessorSupplier
	format func(item any) string
}

func (s peekSupplier) Get(mc MemberContext, count int) ([]Processor, error) {
	procs, err := s.inner.Get(mc, count)
	if err != nil {
		return nil, err
	}
	for i, p := range procs {
		procs[i] = &PeekP{Processor: p, format: s.format}
	}
	return procs, nil
}

func (p *PeekP) Init(ic *InstanceContext, outbox *Outbox) error {
	p.logger = ic.Logger()
	return p.Processor.Init(ic, outbox)
}

func (p *PeekP) TryProcess(inbox *Inbox) (bool, error) {
	before := inbox.Items()
	progress, err := p.Processor.TryProcess(inbox)
	consumed := len(before) - inbox.Len()
	if p.logger != nil && p.logger.Enabled(context.Background(), slog.LevelDebug) {
		for _, item := range before[:consumed] {
			p.logger.Debug("item", slog.Int("ordinal", inbox.Ordinal()), slog.String("value", p.formatItem(item)))
		}
	}
	return progress, err
}

func (p *PeekP) TryProcessWatermark(wm Watermark) (bool, error) {
	if h, ok := p.Processor.(WatermarkHandler); ok {
		return h.TryProcessWatermark(wm)
	}
	return true, nil
}

func (p *PeekP) FinishSnapshotRestore() (bool, error) {
	if f, ok := p.Processor.(SnapshotRestoreFinisher); ok {
		return f.FinishSnapshotRestore()
	}
	return true, nil
}

func (p *PeekP) formatItem(item any) string {
	if p.format != nil {
		return p.format(item)
	}
	return fmt.Sprintf("%v", item)
}
