package flow

// Inbox holds the items a tasklet drained from one inbound edge for its
// processor. Items the processor does not consume stay in the inbox, in
// order, and are offered again on the next call. The tasklet refills the
// inbox only after it is empty.
type Inbox struct {
	items   []any
	head    int
	ordinal int
}

func newInbox() *Inbox {
	return &Inbox{}
}

// Ordinal returns the ordinal of the inbound edge the current items came
// from.
func (in *Inbox) Ordinal() int {
	return in.ordinal
}

// Peek returns the first item without removing it.
func (in *Inbox) Peek() (any, bool) {
	if in.head >= len(in.items) {
		return nil, false
	}
	return in.items[in.head], true
}

// Poll removes and returns the first item.
func (in *Inbox) Poll() (any, bool) {
	item, ok := in.Peek()
	if ok {
		in.Remove()
	}
	return item, ok
}

// Remove drops the first item. It is a no-op on an empty inbox.
func (in *Inbox) Remove() {
	if in.head >= len(in.items) {
		return
	}
	in.items[in.head] = nil
	in.head++
	if in.head == len(in.items) {
		in.items = in.items[:0]
		in.head = 0
	}
}

// Len returns the number of items left.
func (in *Inbox) Len() int {
	return len(in.items) - in.head
}

// IsEmpty reports whether all items were consumed.
func (in *Inbox) IsEmpty() bool {
	return in.Len() == 0
}

// Drain removes every item, passing each to fn, and returns the count.
func (in *Inbox) Drain(fn func(item any)) int {
	n := 0
	for !in.IsEmpty() {
		item, _ := in.Poll()
		fn(item)
		n++
	}
	return n
}

// Items returns a copy of the remaining items.
func (in *Inbox) Items() []any {
	out := make([]any, in.Len())
	copy(out, in.items[in.head:])
	return out
}

func (in *Inbox) add(item any) {
	in.items = append(in.items, item)
}

func (in *Inbox) clear() {
	for i := range in.items {
		in.items[i] = nil
	}
	in.items = in.items[:0]
	in.head = 0
}
