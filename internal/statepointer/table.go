// Package statepointer implements the FES's State Pointer Table: a cache
// of intermediate fold results keyed by tag, split across three
// sub-stores (ephemeral, pending-eligibility, pending-application), with
// invalidation on time travel and index shifting on truncation.
package statepointer

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/mickamy/fes/internal/core"
	"github.com/mickamy/fes/scheduler"
)

// Entry is a single cached state pointer: a state folded up to Index,
// optionally serialized for persistence as a local snapshot.
type Entry[Blob any] struct {
	Tag            string
	Index          int64
	State          any
	Serialized     Blob
	HasSerialized  bool
	FinalEvent     core.Event
	Offsets        core.OffsetMap
	PersistAsLocal bool
}

const (
	defaultWindowSize   = 32
	defaultSpacing      = 8
	defaultHotCacheSize = 256
)

// Table is the State Pointer Table for one aggregate. The ephemeral
// sub-store is bounded by an LRU so re-fold caching can't grow without
// limit across a long-lived aggregate; pendingEligibility and
// pendingApplication are small by construction (entries only arrive
// there via the scheduler, at a cadence the scheduler itself controls).
type Table[Blob any] struct {
	ephemeral          *lru.Cache[string, Entry[Blob]]
	pendingEligibility map[string]Entry[Blob]
	pendingApplication map[string]Entry[Blob]

	scheduler        scheduler.Scheduler
	windowSize       int
	spacing          int
	perSourceCaching bool
	hotCacheSize     int
	log              *zap.Logger
}

// Option configures a Table.
type Option[Blob any] func(*Table[Blob])

// WithWindow overrides the recent-window size and spacing (defaults: 32, 8).
func WithWindow[Blob any](windowSize, spacing int) Option[Blob] {
	return func(t *Table[Blob]) {
		t.windowSize = windowSize
		t.spacing = spacing
	}
}

// WithPerSourceCaching enables the one-pointer-per-distinct-source
// strategy (disabled by default, since it is O(sources) extra folds).
func WithPerSourceCaching[Blob any](enabled bool) Option[Blob] {
	return func(t *Table[Blob]) { t.perSourceCaching = enabled }
}

// WithLogger sets the logger used for anomaly reporting.
func WithLogger[Blob any](logger *zap.Logger) Option[Blob] {
	return func(t *Table[Blob]) { t.log = logger }
}

// WithHotCacheSize overrides the bounded size of the ephemeral sub-store
// (default 256 tags).
func WithHotCacheSize[Blob any](size int) Option[Blob] {
	return func(t *Table[Blob]) { t.hotCacheSize = size }
}

// New creates an empty Table governed by sched.
func New[Blob any](sched scheduler.Scheduler, opts ...Option[Blob]) *Table[Blob] {
	t := &Table[Blob]{
		scheduler:          sched,
		windowSize:         defaultWindowSize,
		spacing:            defaultSpacing,
		hotCacheSize:       defaultHotCacheSize,
		log:                zap.NewNop(),
		pendingEligibility: make(map[string]Entry[Blob]),
		pendingApplication: make(map[string]Entry[Blob]),
	}
	for _, opt := range opts {
		opt(t)
	}
	cache, err := lru.New[string, Entry[Blob]](t.hotCacheSize)
	if err != nil {
		// Only returns an error for size <= 0: hotCacheSize defaults to a
		// positive constant, so this fires only when WithHotCacheSize was
		// given a non-positive size.
		panic(err)
	}
	t.ephemeral = cache
	return t
}

// ephemeralSnapshot copies the ephemeral sub-store's current contents
// into a plain map keyed by tag, without touching LRU recency.
func (t *Table[Blob]) ephemeralSnapshot() map[string]Entry[Blob] {
	out := make(map[string]Entry[Blob], t.ephemeral.Len())
	for _, k := range t.ephemeral.Keys() {
		if v, ok := t.ephemeral.Peek(k); ok {
			out[k] = v
		}
	}
	return out
}

// InvalidateDownTo deletes every entry with Index > i across all
// sub-stores, implementing the state-pointer half of time-travel
// invalidation (spec'd alongside the event buffer merge).
func (t *Table[Blob]) InvalidateDownTo(i int64) {
	for _, k := range t.ephemeral.Keys() {
		if v, ok := t.ephemeral.Peek(k); ok && v.Index > i {
			t.ephemeral.Remove(k)
		}
	}
	for k, v := range t.pendingEligibility {
		if v.Index > i {
			delete(t.pendingEligibility, k)
		}
	}
	for k, v := range t.pendingApplication {
		if v.Index > i {
			delete(t.pendingApplication, k)
		}
	}
}

// ShiftBack subtracts k from every entry's Index, dropping any that go
// negative. Used after a local snapshot is promoted to the new base and
// the event buffer's front is truncated by the same amount.
func (t *Table[Blob]) ShiftBack(k int64) {
	if k == 0 {
		return
	}
	for _, key := range t.ephemeral.Keys() {
		v, ok := t.ephemeral.Peek(key)
		if !ok {
			continue
		}
		v.Index -= k
		if v.Index < 0 {
			t.ephemeral.Remove(key)
			continue
		}
		t.ephemeral.Add(key, v)
	}
	shiftMap(t.pendingEligibility, k)
	shiftMap(t.pendingApplication, k)
}

func shiftMap[Blob any](m map[string]Entry[Blob], k int64) {
	for key, v := range m {
		v.Index -= k
		if v.Index < 0 {
			delete(m, key)
			continue
		}
		m[key] = v
	}
}

// LatestStored returns the entry with the highest Index across all
// sub-stores, or false if the table is empty.
func (t *Table[Blob]) LatestStored() (Entry[Blob], bool) {
	var best Entry[Blob]
	found := false
	consider := func(v Entry[Blob]) {
		if !found || v.Index > best.Index {
			best = v
			found = true
		}
	}
	for _, k := range t.ephemeral.Keys() {
		if v, ok := t.ephemeral.Peek(k); ok {
			consider(v)
		}
	}
	for _, v := range t.pendingEligibility {
		consider(v)
	}
	for _, v := range t.pendingApplication {
		consider(v)
	}
	return best, found
}

// GetSnapshotsToPersist returns the contents of pendingApplication,
// sorted ascending by Index.
func (t *Table[Blob]) GetSnapshotsToPersist() []Entry[Blob] {
	out := make([]Entry[Blob], 0, len(t.pendingApplication))
	for _, v := range t.pendingApplication {
		out = append(out, v)
	}
	sortEntriesByIndex(out)
	return out
}

// ClearPendingApplication removes the given tags from pendingApplication,
// typically once they have been durably stored.
func (t *Table[Blob]) ClearPendingApplication(tags ...string) {
	for _, tag := range tags {
		delete(t.pendingApplication, tag)
	}
}

func sortEntriesByIndex[Blob any](entries []Entry[Blob]) {
	// Small slices in practice (bounded by scheduler cadence); simple
	// insertion sort keeps this allocation-free and avoids importing
	// sort for a handful of elements.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Index < entries[j-1].Index; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
