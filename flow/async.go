package flow

import (
	"context"
	"sync"
	"sync/atomic"
)

// AsyncClient is an external system that accepts writes without blocking.
// WriteAsync must return promptly and call done exactly once, from any
// goroutine, when the write finished.
type AsyncClient interface {
	WriteAsync(ctx context.Context, item any, done func(err error))
}

// AsyncClientFunc adapts a function to AsyncClient.
type AsyncClientFunc func(ctx context.Context, item any, done func(err error))

// WriteAsync implements AsyncClient.
func (f AsyncClientFunc) WriteAsync(ctx context.Context, item any, done func(err error)) {
	f(ctx, item, done)
}

// AsyncWriterP is a sink that hands every item to an AsyncClient, holding
// one permit per outstanding write.
//
// Items that get no permit stay in the inbox. The first failed write is
// reported on the next call as an *AsyncOperationError and no further
// items are submitted. SaveToSnapshot and Complete report done only once
// every write finished, so a snapshot never commits with writes still
// outstanding.
type AsyncWriterP struct {
	BaseProcessor

	client AsyncClient
	guard  *PermitGuard

	ctx       context.Context
	cancel    context.CancelFunc
	submitted atomic.Int64
}

// NewAsyncWriter returns a supplier of AsyncWriterP instances sharing
// client, each allowed maxInFlight outstanding writes.
func NewAsyncWriter(client AsyncClient, maxInFlight int) SupplierFunc {
	return func() Processor {
		return &AsyncWriterP{client: client, guard: NewPermitGuard(maxInFlight)}
	}
}

func (p *AsyncWriterP) Init(ic *InstanceContext, outbox *Outbox) error {
	if err := p.BaseProcessor.Init(ic, outbox); err != nil {
		return err
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return nil
}

// Guard returns the permit guard of this instance.
func (p *AsyncWriterP) Guard() *PermitGuard {
	return p.guard
}

// Submitted returns the number of writes handed to the client.
func (p *AsyncWriterP) Submitted() int64 {
	return p.submitted.Load()
}

func (p *AsyncWriterP) checkError() error {
	if err := p.guard.Err(); err != nil {
		return &AsyncOperationError{Cause: err}
	}
	return nil
}

func (p *AsyncWriterP) TryProcess(inbox *Inbox) (bool, error) {
	if err := p.checkError(); err != nil {
		return false, err
	}
	granted := p.guard.TryAcquire(inbox.Len())
	for i := 0; i < granted; i++ {
		if err := p.checkError(); err != nil {
			for ; i < granted; i++ {
				p.guard.Release(nil)
			}
			return true, err
		}
		item, _ := inbox.Poll()
		var once sync.Once
		p.submitted.Add(1)
		p.client.WriteAsync(p.ctx, item, func(err error) {
			once.Do(func() { p.guard.Release(err) })
		})
	}
	return granted > 0, nil
}

func (p *AsyncWriterP) TryFlush() (bool, error) {
	if err := p.checkError(); err != nil {
		return false, err
	}
	return true, nil
}

func (p *AsyncWriterP) TryProcessWatermark(Watermark) (bool, error) {
	return true, p.checkError()
}

func (p *AsyncWriterP) SaveToSnapshot() (bool, error) {
	return p.writesDone()
}

func (p *AsyncWriterP) Complete() (bool, error) {
	return p.writesDone()
}

func (p *AsyncWriterP) writesDone() (bool, error) {
	done, err := p.guard.Done()
	if err != nil {
		return false, &AsyncOperationError{Cause: err}
	}
	return done, nil
}

// Close waits for outstanding writes until ctx expires.
func (p *AsyncWriterP) Close(ctx context.Context) error {
	err := p.guard.Drain(ctx)
	if p.cancel != nil {
		p.cancel()
	}
	return err
}
