// Package eventbuf holds one aggregate's event buffer: a strictly
// ascending, duplicate-free sequence of events, kept in order despite
// out-of-order ("time travel") arrival from multiple sources.
package eventbuf

import (
	"go.uber.org/zap"

	"github.com/mickamy/fes/internal/core"
)

// ChangeReport describes the effect of an Insert call.
type ChangeReport struct {
	// Changed is true when the buffer gained at least one event (a tail
	// append included); it is false for an empty batch or one whose
	// events were all duplicates already in the buffer.
	Changed bool
	// HighestUnmovedIndex is the largest index i such that buffer
	// entries at positions 0..=i are unchanged in identity and position.
	// -1 means nothing is guaranteed unmoved (including an empty buffer).
	HighestUnmovedIndex int64
}

// Buffer is the ordered event sequence for one aggregate.
type Buffer struct {
	events []core.Event
	log    *zap.Logger
}

// New creates an empty Buffer. A nil logger is replaced with a no-op one.
func New(logger *zap.Logger) *Buffer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Buffer{log: logger}
}

// Len returns the number of buffered events.
func (b *Buffer) Len() int { return len(b.events) }

// Events returns the buffered events in order. The caller must not
// mutate the returned slice.
func (b *Buffer) Events() []core.Event { return b.events }

// At returns the event at index i.
func (b *Buffer) At(i int) core.Event { return b.events[i] }

// Reset empties the buffer (full wipe, used on shatter).
func (b *Buffer) Reset() { b.events = nil }

// TruncateFront drops the first n events, e.g. after a local snapshot is
// promoted to the new base ("become_local") or a semantic reset discards
// events at or below the new horizon.
func (b *Buffer) TruncateFront(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.events) {
		b.events = nil
		return
	}
	remaining := make([]core.Event, len(b.events)-n)
	copy(remaining, b.events[n:])
	b.events = remaining
}

// Insert merges a sorted, within-batch-deduplicated set of new events
// into the buffer, preserving strict ascending order and dropping any
// event whose key already appears in the buffer (ties prefer the
// existing entry). It reports how much of the buffer's prefix is
// guaranteed to have kept its identity and position, so callers can
// invalidate caches above that point.
func (b *Buffer) Insert(batch []core.Event) ChangeReport {
	if len(batch) == 0 {
		return ChangeReport{Changed: false, HighestUnmovedIndex: int64(len(b.events)) - 1}
	}
	if len(b.events) == 0 {
		b.events = append([]core.Event(nil), batch...)
		return ChangeReport{Changed: len(batch) > 0, HighestUnmovedIndex: -1}
	}

	// All-tail shortcut: batch sorts entirely after the current tail.
	if b.events[len(b.events)-1].Key.Less(batch[0].Key) {
		w := int64(len(b.events) - 1)
		b.events = append(b.events, batch...)
		return ChangeReport{Changed: true, HighestUnmovedIndex: w}
	}

	l := b.events
	r := batch
	out := make([]core.Event, 0, len(l)+len(r))

	var li, ri int
	w := int64(-1)

	for li < len(l) && ri < len(r) {
		cmp := l[li].Key.Compare(r[ri].Key)
		switch {
		case cmp < 0:
			if len(out) == li {
				w = int64(li)
			}
			out = append(out, l[li])
			li++
		case cmp > 0:
			out = append(out, r[ri])
			ri++
		default:
			// Tie: prefer the existing entry, drop the incoming one.
			b.log.Warn("eventbuf: dropping duplicate event key on insert",
				zap.String("key", l[li].Key.String()))
			if len(out) == li {
				w = int64(li)
			}
			out = append(out, l[li])
			li++
			ri++
		}
	}
	for ; li < len(l); li++ {
		if len(out) == li {
			w = int64(li)
		}
		out = append(out, l[li])
	}
	for ; ri < len(r); ri++ {
		out = append(out, r[ri])
	}

	b.events = out
	changed := w+1 != int64(len(out))
	return ChangeReport{Changed: changed, HighestUnmovedIndex: w}
}
