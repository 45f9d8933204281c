package fixture

import (
	"github.com/mickamy/fes"
	"github.com/mickamy/fes/scheduler"
)

// FixedScheduler is a test double that proposes a snapshot level only at
// explicitly named buffer indices ("trigger" markers) and becomes
// eligible for storage only once a test has advanced MinAge past the
// snapshot event's timestamp ("age" markers), mirroring the scenario
// notation used to drive the multi-stride-snapshot property.
type FixedScheduler struct {
	// Triggers is the set of buffer indices GetSnapshotLevels proposes.
	Triggers map[int64]bool
	// MinAge is the minimum TimestampMicros delta required before a
	// proposed snapshot is eligible for storage.
	MinAge uint64
}

func (s FixedScheduler) MinEventsForSnapshot() int { return 1 }

func (s FixedScheduler) GetSnapshotLevels(_ uint64, events []fes.Event, limit int64) []scheduler.TaggedIndex {
	var out []scheduler.TaggedIndex
	for idx := range s.Triggers {
		if idx > limit && idx < int64(len(events)) {
			out = append(out, scheduler.TaggedIndex{
				Tag:            "fixed",
				Index:          idx,
				PersistAsLocal: true,
			})
		}
	}
	return out
}

func (s FixedScheduler) IsEligibleForStorage(snapshotEvent, tipEvent fes.Event) bool {
	if tipEvent.TimestampMicros < snapshotEvent.TimestampMicros {
		return false
	}
	return tipEvent.TimestampMicros-snapshotEvent.TimestampMicros >= s.MinAge
}

var _ scheduler.Scheduler = FixedScheduler{}
