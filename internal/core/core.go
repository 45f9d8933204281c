// Package core holds the FES's foundational data types: the total order
// over events (EventKey), the event envelope itself, aggregate identity,
// and the persisted local snapshot shape. It exists as a leaf package so
// that the scheduler, event buffer, state pointer table, and latest
// snapshot holder can all depend on these shapes without creating an
// import cycle back through the root orchestrator package, which in turn
// depends on all of them. The root package re-exports everything here
// under its own names via type aliases, so external callers never see
// this package directly.
package core

import "fmt"

// StreamID identifies the source that produced an event (e.g. a device, a
// connection, a writer process). Distinct streams may emit concurrently;
// EventKey gives their events a single total order.
type StreamID string

// EventKey totally orders events across all sources. Comparison is
// lexicographic on (Lamport, Stream); Offset is carried for bookkeeping
// only and never affects ordering. Keys are dense but not contiguous:
// gaps are normal, but a duplicate (Lamport, Stream) pair from the same
// source is not expected to occur and is merely tolerated, never relied on.
type EventKey struct {
	Lamport uint64
	Stream  StreamID
	Offset  uint64
}

// Compare returns -1, 0, or 1 as k is less than, equal to, or greater than
// other, ordering first by Lamport then by Stream.
func (k EventKey) Compare(other EventKey) int {
	if k.Lamport != other.Lamport {
		if k.Lamport < other.Lamport {
			return -1
		}
		return 1
	}
	if k.Stream != other.Stream {
		if k.Stream < other.Stream {
			return -1
		}
		return 1
	}
	return 0
}

// Less reports whether k sorts strictly before other.
func (k EventKey) Less(other EventKey) bool { return k.Compare(other) < 0 }

// Equal reports whether k and other identify the same event, i.e. share
// both Lamport and Stream (Offset is informational and excluded).
func (k EventKey) Equal(other EventKey) bool {
	return k.Lamport == other.Lamport && k.Stream == other.Stream
}

// ZeroEventKey is the key below which every EventKey compares greater; it
// is used as the "drop everything" argument to SnapshotStore.Invalidate.
var ZeroEventKey = EventKey{}

func (k EventKey) String() string {
	return fmt.Sprintf("%d@%s#%d", k.Lamport, k.Stream, k.Offset)
}

// OffsetMap maps each known StreamID to the highest offset seen from it:
// "all events from this source with offset <= v are accounted for". It
// supports a per-key-max Merge and a Dominates partial order check.
type OffsetMap map[StreamID]uint64

// Get returns the highest known offset for stream, or 0 if unknown.
func (m OffsetMap) Get(stream StreamID) uint64 {
	return m[stream]
}

// Merge returns a new OffsetMap that is the per-key maximum of m and other.
// Neither input is modified.
func (m OffsetMap) Merge(other OffsetMap) OffsetMap {
	out := make(OffsetMap, len(m)+len(other))
	for s, v := range m {
		out[s] = v
	}
	for s, v := range other {
		if cur, ok := out[s]; !ok || v > cur {
			out[s] = v
		}
	}
	return out
}

// WithEvent returns a new OffsetMap with e's (stream, offset) folded in,
// taking the max if the stream is already present.
func (m OffsetMap) WithEvent(e Event) OffsetMap {
	out := m.Merge(nil)
	if cur, ok := out[e.Source]; !ok || e.Offset > cur {
		out[e.Source] = e.Offset
	}
	return out
}

// Dominates reports whether m accounts for at least as much as other on
// every stream other knows about: for every stream s in other,
// m[s] >= other[s].
func (m OffsetMap) Dominates(other OffsetMap) bool {
	for s, v := range other {
		if m[s] < v {
			return false
		}
	}
	return true
}

// Clone returns an independent copy of m.
func (m OffsetMap) Clone() OffsetMap {
	return m.Merge(nil)
}

// TagSet is an immutable-by-convention set of tags attached to an event.
// Subscriptions select events by tag; the predicate that implements that
// selection is opaque to the FES (see Filter).
type TagSet map[string]struct{}

// NewTagSet builds a TagSet from a list of tag strings.
func NewTagSet(tags ...string) TagSet {
	s := make(TagSet, len(tags))
	for _, t := range tags {
		s[t] = struct{}{}
	}
	return s
}

// Has reports whether tag is present in the set.
func (s TagSet) Has(tag string) bool {
	_, ok := s[tag]
	return ok
}

// Event is a single immutable fact in the event log. The FES only ever
// reads these fields; Payload is opaque to everything except the
// user-supplied FoldFunc and IsResetFunc.
type Event struct {
	Key             EventKey
	Source          StreamID
	Offset          uint64
	Tags            TagSet
	Payload         any
	TimestampMicros uint64
}

func (e Event) String() string {
	return fmt.Sprintf("Event{key=%s, source=%s, offset=%d}", e.Key, e.Source, e.Offset)
}

// Filter is an opaque predicate over events, typically produced by a
// tag-query layer above the FES. The FES treats it as a black box: it
// asks the EventStore to apply it server-side and never inspects it.
type Filter func(Event) bool

// Identity names a versioned aggregate: an entity type, an instance name,
// and a code version. Its canonical string form is used as the
// snapshot-store key and as the cache key for in-process lookups, and a
// version bump is how a breaking change to Fold/IsReset is signalled —
// retrieval of a mismatched version must behave as if no snapshot exists.
type Identity struct {
	EntityType string
	Name       string
	Version    uint32
}

// String returns the canonical form "<entity_type>-<name>-<version>".
func (id Identity) String() string {
	return fmt.Sprintf("%s-%s-%d", id.EntityType, id.Name, id.Version)
}

// FoldFunc applies a single event to a state, producing the next state.
// It must be pure and deterministic: same (state, e) in, same state out,
// with no side effects. The FES guarantees events are offered to Fold in
// strict EventKey order.
type FoldFunc func(state any, e Event) any

// IsResetFunc reports whether e is a semantic-snapshot ("reset") event:
// one past which all earlier history is irrelevant. When non-nil, the
// event itself (applied to the initial state) defines a fresh base state
// and a new horizon at e.Key.
type IsResetFunc func(e Event) bool

// LocalSnapshot is a persisted, serialized state together with everything
// needed to decide whether it is still valid once new events surface:
// the offsets it accounts for, the key of the last event folded into it,
// the horizon in force when it was taken, and its persistence cycle.
//
// Blob is opaque to the FES; it is whatever the caller's state codec
// produces for the aggregate's state.
type LocalSnapshot[Blob any] struct {
	// StateBlob is the serialized state.
	StateBlob Blob
	// Offsets proves which events are folded into StateBlob.
	Offsets OffsetMap
	// EventKey is the key of the final event folded into StateBlob.
	EventKey EventKey
	// Horizon is the highest EventKey below which events are irrelevant,
	// carried over from the last preceding semantic reset. Nil if none.
	Horizon *EventKey
	// Cycle strictly increases with every snapshot ever persisted for
	// this aggregate; it both spaces scheduler decisions and arbitrates
	// concurrent stale writes (the store keeps the greater Cycle).
	Cycle uint64
}
