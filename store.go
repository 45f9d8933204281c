package fes

import "context"

// Order selects the direction persisted events are streamed in.
type Order int

const (
	// Ascending streams events with increasing EventKey. Used for
	// ordinary (non-semantic-reset) hydration and for live updates.
	Ascending Order = iota
	// Descending streams events with decreasing EventKey. Used for
	// semantic-reset hydration, which walks backward from the present
	// looking for the most recent reset event.
	Descending
)

// Chunk is a batch of events delivered by an EventStore. Chunks are
// internally sorted per the requested Order; cross-chunk sortedness is
// only guaranteed in Ascending mode. Duplicates across chunks are not
// expected, but the FES tolerates them (see internal/eventbuf).
type Chunk []Event

// EventStore is the durable, shared event log the FES reads from. It is
// the FES's sole view of "what has happened"; implementations must be
// safe for concurrent use since many aggregates share one store.
type EventStore interface {
	// PersistedEvents streams events for id between fromExclusive and
	// toInclusive (both OffsetMaps), restricted by filter and horizon,
	// in the given order. horizon may be nil (no lower bound beyond
	// fromExclusive). The returned channel is closed when the stream
	// ends or ctx is cancelled; a non-nil error surfaces through errc.
	PersistedEvents(
		ctx context.Context,
		id Identity,
		fromExclusive OffsetMap,
		toInclusive OffsetMap,
		filter Filter,
		order Order,
		horizon *EventKey,
	) (<-chan Chunk, <-chan error)

	// Present returns the current known tip offsets across all streams
	// this EventStore knows about.
	Present(ctx context.Context) (OffsetMap, error)
}

// SnapshotStore is the durable, shared store for local snapshots. Like
// EventStore, it is shared across aggregates and must be concurrency
// safe. Store and Invalidate races are resolved by the store itself:
// whichever write carries the greater Cycle wins.
type SnapshotStore[Blob any] interface {
	// Store persists a local snapshot for id, returning whether it was
	// actually stored (implementations may refuse stale cycles or a
	// version mismatch against id.Version).
	Store(
		ctx context.Context,
		id Identity,
		tag string,
		snap LocalSnapshot[Blob],
	) (bool, error)

	// Retrieve returns the latest valid snapshot for id. ok is false if
	// none exists, or if one exists but for a different Identity.Version
	// (snapshots are isolated per version; a mismatch behaves as a miss).
	Retrieve(ctx context.Context, id Identity) (snap LocalSnapshot[Blob], ok bool, err error)

	// Invalidate drops every snapshot for id with EventKey >= atOrAbove.
	// Use ZeroEventKey to drop all snapshots for id.
	Invalidate(ctx context.Context, id Identity, atOrAbove EventKey) error
}

// Ingestor is the write side of an EventStore: the "outer driver" that
// appends newly-produced events. It is not part of the FES's own
// contract (the FES only ever reads via EventStore) but every concrete
// backend below exposes it so tests, demos, and the enclosing
// command-pipeline layer have something to append through.
type Ingestor interface {
	// Append writes events for stream, requiring the store's current
	// offset for stream to equal expectedOffset (optimistic concurrency).
	// On mismatch it returns *OffsetConflictError. Returns the new offset.
	Append(ctx context.Context, stream StreamID, expectedOffset uint64, events []Event, md Metadata) (uint64, error)
}

// OffsetConflictError reports that Ingestor.Append's expectedOffset did
// not match the store's current offset for the stream, generally because
// of a concurrent writer.
type OffsetConflictError struct {
	Stream         StreamID
	ExpectedOffset uint64
	ActualOffset   uint64
}

func (e *OffsetConflictError) Error() string {
	return "fes: offset conflict on stream " + string(e.Stream)
}

// Is allows errors.Is(err, ErrOffsetConflict) to match any *OffsetConflictError.
func (e *OffsetConflictError) Is(target error) bool {
	return target == ErrOffsetConflict
}

// ErrOffsetConflict is the sentinel OffsetConflictError.Is compares
// against, following the standard sentinel-error comparison idiom.
var ErrOffsetConflict = &OffsetConflictError{}
