package flow

import (
	"context"
	"errors"
	"fmt"
)

// Processor is the user-supplied logic of one vertex instance. A tasklet
// drives it; all methods except Close are called from one goroutine at a
// time and must not block unless IsCooperative returns false.
//
// Every method that reports completion (done or progress) may be called
// again when it returns false. Errors stop the job.
//
// Lifecycle:
//
//	Init -> [RestoreFromSnapshot] -> (TryProcess | TryFlush | SaveToSnapshot)* -> Complete* -> Close
type Processor interface {
	// Init is called once before any other method with the instance context
	// and the outbox the processor emits to.
	Init(ic *InstanceContext, outbox *Outbox) error

	// IsCooperative reports whether the processor can share a worker
	// goroutine with others. Non-cooperative processors get a dedicated
	// goroutine and may block.
	IsCooperative() bool

	// TryProcess consumes items from the inbox. Items left in the inbox are
	// offered again on the next call. It reports whether any progress was
	// made.
	TryProcess(inbox *Inbox) (bool, error)

	// TryFlush is called on every turn of a running tasklet, even when the
	// inbox is empty. Snapshots and completion wait until it returns true.
	TryFlush() (bool, error)

	// Complete is called after all inputs are exhausted, repeatedly until it
	// returns true. Sources emit their items here.
	Complete() (bool, error)

	// SaveToSnapshot offers the processor state to the outbox snapshot
	// queue, repeatedly until it returns true.
	SaveToSnapshot() (bool, error)

	// RestoreFromSnapshot receives the state entries routed to this
	// instance. It is called at most once, before the first TryProcess.
	RestoreFromSnapshot(entries []SnapshotEntry) error

	// Close releases resources. It is called exactly once at job teardown,
	// on success, failure and cancellation alike, and may wait for
	// outstanding asynchronous work until ctx expires.
	Close(ctx context.Context) error
}

// WatermarkHandler is implemented by processors that react to coalesced
// watermarks. Without it watermarks are forwarded unchanged.
type WatermarkHandler interface {
	// TryProcessWatermark is called with each advanced watermark before it
	// is forwarded downstream, repeatedly until it returns true.
	TryProcessWatermark(wm Watermark) (bool, error)
}

// SnapshotRestoreFinisher is implemented by processors that need a hook
// after all restored entries were delivered.
type SnapshotRestoreFinisher interface {
	FinishSnapshotRestore() (bool, error)
}

// errUnexpectedInput is returned by BaseProcessor.TryProcess.
var errUnexpectedInput = errors.New("processor does not accept input")

// BaseProcessor provides default implementations. Embed it and override
// what the processor needs.
type BaseProcessor struct {
	ctx    *InstanceContext
	outbox *Outbox
}

func (p *BaseProcessor) Init(ic *InstanceContext, outbox *Outbox) error {
	p.ctx = ic
	p.outbox = outbox
	return nil
}

// Context returns the instance context passed to Init.
func (p *BaseProcessor) Context() *InstanceContext {
	return p.ctx
}

// Outbox returns the outbox passed to Init.
func (p *BaseProcessor) Outbox() *Outbox {
	return p.outbox
}

func (p *BaseProcessor) IsCooperative() bool {
	return true
}

func (p *BaseProcessor) TryProcess(inbox *Inbox) (bool, error) {
	item, _ := inbox.Peek()
	return false, fmt.Errorf("%w: got %T on ordinal %d", errUnexpectedInput, item, inbox.Ordinal())
}

func (p *BaseProcessor) TryFlush() (bool, error) {
	return true, nil
}

func (p *BaseProcessor) Complete() (bool, error) {
	return true, nil
}

func (p *BaseProcessor) SaveToSnapshot() (bool, error) {
	return true, nil
}

func (p *BaseProcessor) RestoreFromSnapshot(entries []SnapshotEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return fmt.Errorf("processor saved no state but %d snapshot entries were routed to it", len(entries))
}

func (p *BaseProcessor) Close(context.Context) error {
	return nil
}

// ProcessorSupplier creates the processor instances of one vertex on a
// member.
type ProcessorSupplier interface {
	Get(mc MemberContext, count int) ([]Processor, error)
}

// SupplierFunc adapts a constructor into a ProcessorSupplier; it is called
// once per instance.
type SupplierFunc func() Processor

// Get implements ProcessorSupplier.
func (f SupplierFunc) Get(_ MemberContext, count int) ([]Processor, error) {
	out := make([]Processor, count)
	for i := range out {
		out[i] = f()
		if out[i] == nil {
			return nil, errors.New("supplier returned a nil processor")
		}
	}
	return out, nil
}
