package flow

import (
	"errors"
	"testing"
)

func newTestEdge(ordinal int, routing RoutingPolicy, keyFn func(any) string, queues ...*Queue) *outboundEdge {
	return &outboundEdge{ordinal: ordinal, routing: routing, keyFn: keyFn, queues: queues}
}

func drainAll(q *Queue) []any {
	var out []any
	q.DrainTo(func(item any) bool {
		out = append(out, item)
		return true
	}, 0)
	return out
}

func TestOutbox_RetryNeverDuplicates(t *testing.T) {
	a := NewQueue(1)
	b := NewQueue(1)
	stats := newTaskletStats("v", 0, 0, 2)
	o := newOutbox([]*outboundEdge{
		newTestEdge(0, RoutingUnicast, nil, a),
		newTestEdge(1, RoutingUnicast, nil, b),
	}, nil, nil, 0, stats)

	b.Offer("blocker")
	if o.Offer(-1, "x") {
		t.Fatal("offer to a full queue reported success")
	}
	if !o.HasUnfinishedItem() {
		t.Fatal("partially delivered item not tracked")
	}
	if a.Len() != 1 {
		t.Fatalf("edge 0 should have accepted the item, Len() = %d", a.Len())
	}

	// Retrying while b is still full must not deliver to a again.
	if o.Offer(-1, "x") {
		t.Fatal("retry succeeded while queue still full")
	}
	if a.Len() != 1 {
		t.Fatalf("retry duplicated the item on edge 0: Len() = %d", a.Len())
	}

	b.Poll()
	if !o.Offer(-1, "x") {
		t.Fatal("retry failed after queue drained")
	}
	if o.HasUnfinishedItem() {
		t.Error("item still unfinished after full delivery")
	}
	if got := drainAll(a); len(got) != 1 || got[0] != "x" {
		t.Errorf("edge 0 got %v", got)
	}
	if got := drainAll(b); len(got) != 1 || got[0] != "x" {
		t.Errorf("edge 1 got %v", got)
	}
	if stats.emitted[0].Load() != 1 || stats.emitted[1].Load() != 1 {
		t.Errorf("emitted counters = %d %d", stats.emitted[0].Load(), stats.emitted[1].Load())
	}
}

func TestOutbox_Routing(t *testing.T) {
	key := func(item any) string { return item.(string) }

	t.Run("unicast round robin skips full queues", func(t *testing.T) {
		q0, q1 := NewQueue(10), NewQueue(1)
		o := newOutbox([]*outboundEdge{newTestEdge(0, RoutingUnicast, nil, q0, q1)}, nil, nil, 0, nil)
		for i := 0; i < 4; i++ {
			if !o.Offer(0, i) {
				t.Fatalf("Offer(%d) rejected", i)
			}
		}
		if q0.Len() != 3 || q1.Len() != 1 {
			t.Errorf("queue sizes = %d %d, want 3 1", q0.Len(), q1.Len())
		}
	})

	t.Run("broadcast reaches every queue", func(t *testing.T) {
		qs := []*Queue{NewQueue(2), NewQueue(2), NewQueue(2)}
		o := newOutbox([]*outboundEdge{newTestEdge(0, RoutingBroadcast, nil, qs...)}, nil, nil, 0, nil)
		o.Offer(0, "x")
		for i, q := range qs {
			if q.Len() != 1 {
				t.Errorf("queue %d Len() = %d", i, q.Len())
			}
		}
	})

	t.Run("partitioned sends a key to one queue", func(t *testing.T) {
		qs := []*Queue{NewQueue(100), NewQueue(100), NewQueue(100)}
		o := newOutbox([]*outboundEdge{newTestEdge(0, RoutingPartitioned, key, qs...)}, nil, nil, 0, nil)
		for i := 0; i < 10; i++ {
			o.Offer(0, "alpha")
			o.Offer(0, "beta")
		}
		want := partitionIndex("alpha", 3)
		if qs[want].Len() < 10 {
			t.Errorf("queue %d holds %d items, want all alpha items", want, qs[want].Len())
		}
		total := 0
		for _, q := range qs {
			total += q.Len()
		}
		if total != 20 {
			t.Errorf("total = %d, want 20", total)
		}
	})
}

func TestOutbox_MarkersGoEverywhere(t *testing.T) {
	q0, q1, q2 := NewQueue(1), NewQueue(1), NewQueue(1)
	o := newOutbox([]*outboundEdge{
		newTestEdge(0, RoutingUnicast, nil, q0, q1),
		newTestEdge(1, RoutingUnicast, nil, q2),
	}, nil, nil, 0, nil)

	q1.Offer("blocker")
	if o.offerMarker(SnapshotBarrier{ID: 1}) {
		t.Fatal("marker accepted while a queue was full")
	}
	q1.Poll()
	if !o.offerMarker(SnapshotBarrier{ID: 1}) {
		t.Fatal("marker rejected after the queue drained")
	}
	for i, q := range []*Queue{q0, q1, q2} {
		got := drainAll(q)
		if len(got) != 1 || got[0] != (SnapshotBarrier{ID: 1}) {
			t.Errorf("queue %d got %v", i, got)
		}
	}
}

func TestOutbox_MixingPendingItemAndMarkerPanics(t *testing.T) {
	q := NewQueue(1)
	o := newOutbox([]*outboundEdge{newTestEdge(0, RoutingUnicast, nil, q)}, nil, nil, 0, nil)
	q.Offer("blocker")
	o.Offer(0, "x")

	defer func() {
		if recover() == nil {
			t.Error("offering a marker while a data item is pending did not panic")
		}
	}()
	o.offerMarker(doneItem)
}

func TestOutbox_BatchLimit(t *testing.T) {
	q := NewQueue(100)
	o := newOutbox([]*outboundEdge{newTestEdge(0, RoutingUnicast, nil, q)}, nil, nil, 3, nil)
	accepted := 0
	for i := 0; i < 10; i++ {
		if o.Offer(0, i) {
			accepted++
		}
	}
	if accepted != 3 {
		t.Errorf("accepted %d items in one call, want 3", accepted)
	}
	o.reset()
	if !o.Offer(0, 99) {
		t.Error("offer rejected after reset")
	}
}

func TestOutbox_Snapshot(t *testing.T) {
	snap := NewQueue(1)
	o := newOutbox(nil, snap, JSONCodec{}, 0, nil)

	ok, err := o.OfferToSnapshot("count", 42)
	if err != nil || !ok {
		t.Fatalf("OfferToSnapshot = %v, %v", ok, err)
	}
	if ok, _ := o.OfferBroadcastToSnapshot("config", "x"); ok {
		t.Error("snapshot queue over capacity accepted an entry")
	}

	item, _ := snap.Poll()
	entry := item.(SnapshotEntry)
	var n int
	if err := entry.Decode(&n); err != nil || n != 42 || entry.Key != "count" || entry.Broadcast {
		t.Errorf("entry = %+v decoded %d err %v", entry, n, err)
	}

	if _, err := o.OfferToSnapshot("bad", func() {}); err == nil {
		t.Error("unencodable value accepted")
	}

	none := newOutbox(nil, nil, nil, 0, nil)
	if _, err := none.OfferToSnapshot("k", 1); !errors.Is(err, errNoSnapshotQueue) {
		t.Errorf("error = %v, want errNoSnapshotQueue", err)
	}
}

func TestOutbox_UnknownOrdinalPanics(t *testing.T) {
	o := newOutbox([]*outboundEdge{newTestEdge(0, RoutingUnicast, nil, NewQueue(1))}, nil, nil, 0, nil)
	defer func() {
		if recover() == nil {
			t.Error("offer to unknown ordinal did not panic")
		}
	}()
	o.Offer(5, "x")
}

func TestOutbox_OfferedWatermarkIsBroadcast(t *testing.T) {
	keyCalls := 0
	key := func(item any) string {
		keyCalls++
		return "k"
	}
	u0, u1 := NewQueue(4), NewQueue(4)
	p0, p1, p2 := NewQueue(4), NewQueue(4), NewQueue(4)
	other := NewQueue(4)
	o := newOutbox([]*outboundEdge{
		newTestEdge(0, RoutingUnicast, nil, u0, u1),
		newTestEdge(1, RoutingPartitioned, key, p0, p1, p2),
		newTestEdge(2, RoutingUnicast, nil, other),
	}, nil, nil, 0, nil)

	if !o.OfferToEdges([]int{0, 1}, Watermark{Timestamp: 7}) {
		t.Fatal("watermark rejected")
	}
	if keyCalls != 0 {
		t.Errorf("key function called %d times for a watermark", keyCalls)
	}
	for i, q := range []*Queue{u0, u1, p0, p1, p2} {
		got := drainAll(q)
		if len(got) != 1 || got[0] != (Watermark{Timestamp: 7}) {
			t.Errorf("queue %d got %v", i, got)
		}
	}
	if other.Len() != 0 {
		t.Errorf("edge 2 was not addressed but holds %d items", other.Len())
	}

	u1.Offer("blocker")
	if o.Offer(0, Watermark{Timestamp: 8}) {
		t.Fatal("watermark accepted while a queue was full")
	}
	u1.Poll()
	if !o.Offer(0, Watermark{Timestamp: 8}) {
		t.Fatal("watermark retry rejected after the queue drained")
	}
	if got := drainAll(u0); len(got) != 1 {
		t.Errorf("retry duplicated the watermark on queue 0: %v", got)
	}
}

func TestOutbox_EngineMarkersAreReserved(t *testing.T) {
	tests := []struct {
		name string
		item any
	}{
		{"snapshot barrier", SnapshotBarrier{ID: 1}},
		{"done marker", doneItem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := NewQueue(4)
			o := newOutbox([]*outboundEdge{newTestEdge(0, RoutingUnicast, nil, q)}, nil, nil, 0, nil)
			defer func() {
				if recover() == nil {
					t.Errorf("offering %T did not panic", tt.item)
				}
				if q.Len() != 0 {
					t.Errorf("queue holds %d items after a rejected offer", q.Len())
				}
			}()
			o.Offer(0, tt.item)
		})
	}
}
