package flow

import "fmt"

// Watermark asserts that no further items with an event time below
// Timestamp will arrive on the edge that carried it.
type Watermark struct {
	Timestamp int64
}

func (w Watermark) String() string {
	return fmt.Sprintf("Watermark{%d}", w.Timestamp)
}

// SnapshotBarrier separates the items that belong to snapshot ID from the
// items that come after it. Barriers travel in-band and are never handed to
// a processor.
type SnapshotBarrier struct {
	ID int64
}

func (b SnapshotBarrier) String() string {
	return fmt.Sprintf("SnapshotBarrier{%d}", b.ID)
}

// doneMarker is the last item a producer puts into each of its queues.
type doneMarker struct{}

var doneItem = doneMarker{}

func isMarker(item any) bool {
	switch item.(type) {
	case Watermark, SnapshotBarrier, doneMarker:
		return true
	}
	return false
}

// SnapshotEntry is one saved state record delivered to a processor during
// restore.
type SnapshotEntry struct {
	Key       string
	Value     []byte
	Broadcast bool

	codec Codec
}

// Decode decodes the entry value into v with the codec the value was saved
// with.
func (e SnapshotEntry) Decode(v any) error {
	c := e.codec
	if c == nil {
		c = JSONCodec{}
	}
	return c.Decode(e.Value, v)
}
