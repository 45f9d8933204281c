// Package mem is an in-memory, concurrency-safe EventStore/SnapshotStore
// pair for tests, prototypes, and local runs. Events and snapshots are
// kept in-process and lost on restart.
package mem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mickamy/fes"
)

// Store is an in-memory EventStore, SnapshotStore, and Ingestor
// implementation, keyed by StreamID for writes and by Identity for
// snapshots.
type Store struct {
	mu sync.RWMutex

	streams map[fes.StreamID][]fes.Event
	lamport uint64

	snapshots map[string]map[string]fes.LocalSnapshot[[]byte]

	extractor fes.MetadataExtractor
}

// Option configures a Store.
type Option func(*Store)

// WithMetadataExtractor sets a function that builds Metadata from
// context. When provided, Append merges extracted metadata with the
// explicit md passed to Append; explicit keys take precedence.
func WithMetadataExtractor(ex fes.MetadataExtractor) Option {
	return func(s *Store) { s.extractor = ex }
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		streams:   make(map[fes.StreamID][]fes.Event),
		snapshots: make(map[string]map[string]fes.LocalSnapshot[[]byte]),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append implements fes.Ingestor, assigning each event the next Lamport
// tick and its per-stream offset under a single global lock.
func (s *Store) Append(
	ctx context.Context,
	stream fes.StreamID,
	expectedOffset uint64,
	events []fes.Event,
	md fes.Metadata,
) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.streams[stream]
	currentOffset := uint64(len(seq))
	if currentOffset != expectedOffset {
		return 0, &fes.OffsetConflictError{
			Stream:         stream,
			ExpectedOffset: expectedOffset,
			ActualOffset:   currentOffset,
		}
	}
	if len(events) == 0 {
		return currentOffset, nil
	}

	if s.extractor != nil {
		// Metadata has nowhere to live on fes.Event, but the extractor is
		// still invoked so callers relying on its side effects (e.g. a
		// request-scoped counter) behave the same as against a backend
		// that does persist it, such as stores/pgx.
		_ = s.extractor(ctx).Merge(md)
	}
	now := uint64(time.Now().UnixMicro())

	for _, e := range events {
		currentOffset++
		s.lamport++
		e.Source = stream
		e.Offset = currentOffset
		e.Key = fes.EventKey{Lamport: s.lamport, Stream: stream, Offset: currentOffset}
		if e.TimestampMicros == 0 {
			e.TimestampMicros = now
		}
		seq = append(seq, e)
	}
	s.streams[stream] = seq
	return currentOffset, nil
}

// Present implements fes.EventStore.
func (s *Store) Present(ctx context.Context) (fes.OffsetMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(fes.OffsetMap, len(s.streams))
	for stream, seq := range s.streams {
		out[stream] = uint64(len(seq))
	}
	return out, nil
}

// PersistedEvents implements fes.EventStore. It snapshots the matching
// events eagerly under lock and delivers them as a single chunk,
// sufficient for an in-memory store; a real backend would page.
func (s *Store) PersistedEvents(
	ctx context.Context,
	id fes.Identity,
	fromExclusive fes.OffsetMap,
	toInclusive fes.OffsetMap,
	filter fes.Filter,
	order fes.Order,
	horizon *fes.EventKey,
) (<-chan fes.Chunk, <-chan error) {
	out := make(chan fes.Chunk, 1)
	errc := make(chan error, 1)

	matched := s.collect(fromExclusive, toInclusive, filter, horizon)
	sort.Slice(matched, func(i, j int) bool {
		if order == fes.Descending {
			return matched[j].Key.Less(matched[i].Key)
		}
		return matched[i].Key.Less(matched[j].Key)
	})

	go func() {
		defer close(out)
		defer close(errc)
		if len(matched) == 0 {
			return
		}
		select {
		case out <- matched:
		case <-ctx.Done():
			errc <- ctx.Err()
		}
	}()

	return out, errc
}

func (s *Store) collect(
	fromExclusive fes.OffsetMap,
	toInclusive fes.OffsetMap,
	filter fes.Filter,
	horizon *fes.EventKey,
) fes.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out fes.Chunk
	for stream, seq := range s.streams {
		from := fromExclusive.Get(stream)
		to, bounded := uint64(0), false
		if v, ok := toInclusive[stream]; ok {
			to, bounded = v, true
		}
		for _, e := range seq {
			if e.Offset <= from {
				continue
			}
			if bounded && e.Offset > to {
				continue
			}
			if horizon != nil && e.Key.Compare(*horizon) <= 0 {
				continue
			}
			if filter != nil && !filter(e) {
				continue
			}
			out = append(out, e)
		}
	}
	return out
}

// Store implements fes.SnapshotStore. It keeps the highest-Cycle
// snapshot per (Identity, tag), refusing a write whose Cycle does not
// exceed the one already held.
func (s *Store) Store(ctx context.Context, id fes.Identity, tag string, snap fes.LocalSnapshot[[]byte]) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := id.String()
	byTag, ok := s.snapshots[key]
	if !ok {
		byTag = make(map[string]fes.LocalSnapshot[[]byte])
		s.snapshots[key] = byTag
	}
	if existing, ok := byTag[tag]; ok && existing.Cycle >= snap.Cycle {
		return false, nil
	}
	byTag[tag] = snap
	return true, nil
}

// Retrieve returns the highest-EventKey snapshot stored for id, across
// all tags.
func (s *Store) Retrieve(ctx context.Context, id fes.Identity) (fes.LocalSnapshot[[]byte], bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byTag, ok := s.snapshots[id.String()]
	if !ok {
		return fes.LocalSnapshot[[]byte]{}, false, nil
	}
	var best fes.LocalSnapshot[[]byte]
	found := false
	for _, snap := range byTag {
		if !found || best.EventKey.Less(snap.EventKey) {
			best = snap
			found = true
		}
	}
	return best, found, nil
}

// Invalidate drops every snapshot for id with EventKey >= atOrAbove.
func (s *Store) Invalidate(ctx context.Context, id fes.Identity, atOrAbove fes.EventKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byTag, ok := s.snapshots[id.String()]
	if !ok {
		return nil
	}
	for tag, snap := range byTag {
		if !snap.EventKey.Less(atOrAbove) {
			delete(byTag, tag)
		}
	}
	return nil
}

var (
	_ fes.EventStore            = (*Store)(nil)
	_ fes.Ingestor              = (*Store)(nil)
	_ fes.SnapshotStore[[]byte] = (*Store)(nil)
)
