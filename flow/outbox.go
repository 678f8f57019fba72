package flow

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

var errNoSnapshotQueue = errors.New("outbox has no snapshot queue")

// outboundEdge is one producer instance's end of an edge: one queue per
// consumer instance (a single queue for isolated edges).
type outboundEdge struct {
	ordinal int
	routing RoutingPolicy
	keyFn   func(item any) string
	queues  []*Queue
	next    int
}

// deliveryTarget is a queue that must accept the item, or for unicast a
// group of queues of which any one may accept it.
type deliveryTarget struct {
	edge  *outboundEdge
	queue *Queue
	anyOf bool
	done  bool
}

// Outbox is a processor's output. Each outgoing edge is addressed by its
// ordinal; one extra queue collects snapshot entries.
//
// Offer returns false when any target queue is full. The processor must
// then stop, return from the current call and offer the same item again on
// the next one. An item offered to several queues remembers which of them
// already accepted it, so a retry never delivers it twice.
//
// The outbox also caps the number of items accepted during one tasklet call
// so a processor with plenty of output still returns quickly.
type Outbox struct {
	edges       []*outboundEdge
	allOrdinals []int
	snapshot    *Queue
	codec       Codec
	batchLimit  int
	stats       *TaskletStats

	batchCount int

	hasPending      bool
	pendingMarker   bool
	pendingOrdinals []int
	targets         []deliveryTarget
	single          [1]int

	moved        int64
	blockedSince time.Time
}

func newOutbox(edges []*outboundEdge, snapshot *Queue, codec Codec, batchLimit int, stats *TaskletStats) *Outbox {
	if codec == nil {
		codec = JSONCodec{}
	}
	o := &Outbox{
		edges:      edges,
		snapshot:   snapshot,
		codec:      codec,
		batchLimit: batchLimit,
		stats:      stats,
	}
	for _, e := range edges {
		o.allOrdinals = append(o.allOrdinals, e.ordinal)
	}
	return o
}

// BucketCount returns the number of outgoing edges.
func (o *Outbox) BucketCount() int {
	return len(o.edges)
}

// Offer offers item to the edge with the given ordinal, or to every edge
// when ordinal is -1. It panics on an ordinal with no edge.
//
// A Watermark is not routed like data: it goes to every consumer instance
// of the addressed edges, after the items offered before it. Offering a
// SnapshotBarrier panics; barriers are injected by the engine only.
func (o *Outbox) Offer(ordinal int, item any) bool {
	if ordinal == -1 {
		return o.offer(o.allOrdinals, item)
	}
	o.single[0] = ordinal
	return o.offer(o.single[:], item)
}

// OfferToEdges offers item to each of the given edge ordinals.
func (o *Outbox) OfferToEdges(ordinals []int, item any) bool {
	return o.offer(ordinals, item)
}

// OfferToSnapshot adds one state entry to the snapshot being taken. It
// returns false when the snapshot queue is full; the processor retries on
// its next SaveToSnapshot call.
func (o *Outbox) OfferToSnapshot(key string, value any) (bool, error) {
	return o.offerToSnapshot(key, value, false)
}

// OfferBroadcastToSnapshot adds a state entry that every instance of the
// vertex receives on restore.
func (o *Outbox) OfferBroadcastToSnapshot(key string, value any) (bool, error) {
	return o.offerToSnapshot(key, value, true)
}

func (o *Outbox) offerToSnapshot(key string, value any, broadcast bool) (bool, error) {
	if o.snapshot == nil {
		return false, errNoSnapshotQueue
	}
	if o.snapshot.Len() >= o.snapshot.Cap() {
		return false, nil
	}
	data, err := o.codec.Encode(value)
	if err != nil {
		return false, fmt.Errorf("failed to encode snapshot entry %q: %w", key, err)
	}
	o.snapshot.Offer(SnapshotEntry{Key: key, Value: data, Broadcast: broadcast, codec: o.codec})
	return true, nil
}

// HasUnfinishedItem reports whether an offered item is still waiting for
// some of its target queues.
func (o *Outbox) HasUnfinishedItem() bool {
	return o.hasPending
}

func (o *Outbox) offer(ordinals []int, item any) bool {
	switch item.(type) {
	case Watermark:
		return o.offerMarkerTo(ordinals, item)
	case SnapshotBarrier, doneMarker:
		panic(fmt.Sprintf("flow: processors cannot offer %T", item))
	}
	if o.hasPending && o.pendingMarker {
		panic("flow: data item offered while a marker is pending")
	}
	if !o.hasPending {
		if o.batchLimit > 0 && o.batchCount >= o.batchLimit {
			return false
		}
		o.planData(ordinals, item)
	}
	if !o.deliver(item) {
		return false
	}
	o.batchCount++
	if o.stats != nil {
		for _, ord := range o.pendingOrdinals {
			o.stats.addEmitted(ord)
		}
	}
	o.hasPending = false
	return true
}

// offerMarker broadcasts a marker to every queue of every edge.
func (o *Outbox) offerMarker(item any) bool {
	return o.offerMarkerTo(o.allOrdinals, item)
}

// offerMarkerTo broadcasts a marker to every queue of the given edges.
func (o *Outbox) offerMarkerTo(ordinals []int, item any) bool {
	if o.hasPending && !o.pendingMarker {
		panic("flow: marker offered while a data item is pending")
	}
	if !o.hasPending {
		o.targets = o.targets[:0]
		for _, ord := range ordinals {
			if ord < 0 || ord >= len(o.edges) {
				panic(fmt.Sprintf("flow: outbox has no edge with ordinal %d", ord))
			}
			e := o.edges[ord]
			for _, q := range e.queues {
				o.targets = append(o.targets, deliveryTarget{edge: e, queue: q})
			}
		}
		o.pendingOrdinals = o.pendingOrdinals[:0]
		o.pendingMarker = true
		o.hasPending = true
	}
	if !o.deliver(item) {
		return false
	}
	o.hasPending = false
	o.pendingMarker = false
	return true
}

func (o *Outbox) planData(ordinals []int, item any) {
	o.targets = o.targets[:0]
	o.pendingOrdinals = append(o.pendingOrdinals[:0], ordinals...)
	for _, ord := range ordinals {
		if ord < 0 || ord >= len(o.edges) {
			panic(fmt.Sprintf("flow: outbox has no edge with ordinal %d", ord))
		}
		e := o.edges[ord]
		switch e.routing {
		case RoutingBroadcast:
			for _, q := range e.queues {
				o.targets = append(o.targets, deliveryTarget{edge: e, queue: q})
			}
		case RoutingPartitioned:
			idx := partitionIndex(e.keyFn(item), len(e.queues))
			o.targets = append(o.targets, deliveryTarget{edge: e, queue: e.queues[idx]})
		default:
			o.targets = append(o.targets, deliveryTarget{edge: e, anyOf: true})
		}
	}
	o.pendingMarker = false
	o.hasPending = true
}

func (o *Outbox) deliver(item any) bool {
	complete := true
	for i := range o.targets {
		t := &o.targets[i]
		if t.done {
			continue
		}
		if t.anyOf {
			e := t.edge
			n := len(e.queues)
			for k := 0; k < n; k++ {
				idx := (e.next + k) % n
				if e.queues[idx].Offer(item) {
					e.next = (idx + 1) % n
					t.done = true
					break
				}
			}
		} else {
			t.done = t.queue.Offer(item)
		}
		if t.done {
			o.moved++
		} else {
			complete = false
		}
	}
	if !complete {
		if o.blockedSince.IsZero() {
			o.blockedSince = time.Now()
		}
		return false
	}
	if !o.blockedSince.IsZero() {
		if o.stats != nil {
			o.stats.addBackpressure(time.Since(o.blockedSince))
		}
		o.blockedSince = time.Time{}
	}
	return true
}

// reset starts a new tasklet call.
func (o *Outbox) reset() {
	o.batchCount = 0
}

// partitionIndex maps a partitioning key to one of n partitions.
func partitionIndex(key string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
