// Package scheduler implements the snapshot scheduling policy used by
// the state pointer table: which buffer indices deserve a cached state,
// and which of those are old enough to actually persist.
package scheduler

import (
	"time"

	"github.com/mickamy/fes/internal/core"
)

// TaggedIndex names a buffer position worth caching a state at, along
// with an arbitrary tag a scheduler can use to recognize "the same"
// position across calls, and whether that cache should become a
// candidate for local-snapshot persistence.
type TaggedIndex struct {
	Tag            string
	Index          int64
	PersistAsLocal bool
}

// Scheduler is a small, stateless policy object. Implementations must be
// safe for concurrent use across different aggregates (a single
// Scheduler value is typically shared), but are never called
// concurrently for the same aggregate (see the FES's single-threaded
// per-aggregate contract).
type Scheduler interface {
	// MinEventsForSnapshot is the buffer length below which the
	// orchestrator may skip snapshot work entirely.
	MinEventsForSnapshot() int

	// GetSnapshotLevels returns indices > limit where a snapshot should
	// be taken. cycleStart lets a level strategy reproduce the same
	// positions across separate runs (e.g. "every 2^k-th cycle").
	GetSnapshotLevels(cycleStart uint64, events []core.Event, limit int64) []TaggedIndex

	// IsEligibleForStorage reports whether a snapshot taken at
	// snapshotEvent is old enough, relative to the latest known event
	// tipEvent, to be worth persisting now.
	IsEligibleForStorage(snapshotEvent, tipEvent core.Event) bool
}

// NullScheduler disables snapshotting entirely: it never proposes a
// level and nothing is ever eligible for storage. Useful for aggregates
// that rehydrate cheaply enough that local snapshots aren't worth it.
type NullScheduler struct{}

func (NullScheduler) MinEventsForSnapshot() int { return 1<<63 - 1 }
func (NullScheduler) GetSnapshotLevels(uint64, []core.Event, int64) []TaggedIndex {
	return nil
}
func (NullScheduler) IsEligibleForStorage(core.Event, core.Event) bool { return false }

// StrideScheduler is the reference policy: power-of-two strides
// (small/medium/large) plus a minimum age before persisting, calibrated
// per the design notes' tested defaults.
type StrideScheduler struct {
	// MinEvents is the buffer length below which snapshot work is
	// skipped. Defaults to 64 if zero.
	MinEvents int
	// SmallStride, MediumStride, LargeStride are the spacings (in buffer
	// positions) at which each tier proposes a level. Zero values
	// default to 16, 64, 256 respectively.
	SmallStride, MediumStride, LargeStride int64
	// MinAge is the minimum wall-clock distance between a snapshot's
	// event and the tip event before the snapshot is eligible for
	// storage. Defaults to 2s if zero.
	MinAge time.Duration
}

func (s StrideScheduler) minEvents() int {
	if s.MinEvents <= 0 {
		return 64
	}
	return s.MinEvents
}

func (s StrideScheduler) strides() (small, medium, large int64) {
	small, medium, large = s.SmallStride, s.MediumStride, s.LargeStride
	if small <= 0 {
		small = 16
	}
	if medium <= 0 {
		medium = 64
	}
	if large <= 0 {
		large = 256
	}
	return
}

func (s StrideScheduler) MinEventsForSnapshot() int { return s.minEvents() }

// GetSnapshotLevels proposes, for each stride tier, the highest index
// beyond limit that is a multiple of that tier's stride within the
// buffer, offset by cycleStart so repeated runs over the same events
// land on the same positions.
func (s StrideScheduler) GetSnapshotLevels(cycleStart uint64, events []core.Event, limit int64) []TaggedIndex {
	small, medium, large := s.strides()
	n := int64(len(events))
	if n == 0 || limit >= n-1 {
		return nil
	}

	var out []TaggedIndex
	for _, tier := range []struct {
		name   string
		stride int64
	}{{"small", small}, {"medium", medium}, {"large", large}} {
		offset := int64(cycleStart) % tier.stride
		// Walk backward from the tail to find the highest qualifying index.
		for i := n - 1; i > limit; i-- {
			if (i-offset)%tier.stride == 0 {
				out = append(out, TaggedIndex{Tag: tier.name, Index: i, PersistAsLocal: true})
				break
			}
		}
	}
	return out
}

// IsEligibleForStorage requires at least MinAge of wall-clock
// distance between the two events' timestamps.
func (s StrideScheduler) IsEligibleForStorage(snapshotEvent, tipEvent core.Event) bool {
	minAge := s.MinAge
	if minAge <= 0 {
		minAge = 2 * time.Second
	}
	if tipEvent.TimestampMicros < snapshotEvent.TimestampMicros {
		return false
	}
	age := time.Duration(tipEvent.TimestampMicros-snapshotEvent.TimestampMicros) * time.Microsecond
	return age >= minAge
}
