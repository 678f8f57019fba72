package flow

import "sync/atomic"

// Queue is a bounded single-producer single-consumer FIFO connecting one
// producer instance to one consumer instance.
//
// Offer and Poll never block. A full queue is backpressure: Offer returns
// false and the producer retries on a later call. Exactly one goroutine may
// offer and exactly one goroutine may poll at any time; Len and Cap are safe
// from any goroutine.
type Queue struct {
	buf []any
	cap uint64

	// head is the next slot to read, tail the next slot to write. Both only
	// grow; the slot index is the value modulo cap.
	head atomic.Uint64
	_    [56]byte
	tail atomic.Uint64
	_    [56]byte
}

// NewQueue creates a queue holding up to capacity items. A capacity below
// one is raised to one.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf: make([]any, capacity),
		cap: uint64(capacity),
	}
}

// Offer appends item unless the queue is full.
func (q *Queue) Offer(item any) bool {
	tail := q.tail.Load()
	if tail-q.head.Load() >= q.cap {
		return false
	}
	q.buf[tail%q.cap] = item
	q.tail.Store(tail + 1)
	return true
}

// Poll removes and returns the oldest item.
func (q *Queue) Poll() (any, bool) {
	head := q.head.Load()
	if head == q.tail.Load() {
		return nil, false
	}
	slot := head % q.cap
	item := q.buf[slot]
	q.buf[slot] = nil
	q.head.Store(head + 1)
	return item, true
}

// Peek returns the oldest item without removing it.
func (q *Queue) Peek() (any, bool) {
	head := q.head.Load()
	if head == q.tail.Load() {
		return nil, false
	}
	return q.buf[head%q.cap], true
}

// DrainTo polls up to limit items and passes them to fn. fn returns false
// to stop after the current item. A limit below one drains everything
// currently available. It returns the number of items removed.
func (q *Queue) DrainTo(fn func(item any) bool, limit int) int {
	n := 0
	for limit < 1 || n < limit {
		item, ok := q.Poll()
		if !ok {
			break
		}
		n++
		if !fn(item) {
			break
		}
	}
	return n
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	head := q.head.Load()
	return int(q.tail.Load() - head)
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return int(q.cap)
}

// IsEmpty reports whether the queue holds no items.
func (q *Queue) IsEmpty() bool {
	return q.head.Load() == q.tail.Load()
}
