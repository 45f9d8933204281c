package scheduler_test

import (
	"testing"
	"time"

	"github.com/mickamy/fes/internal/core"
	"github.com/mickamy/fes/scheduler"
)

func mkEvents(n int) []core.Event {
	out := make([]core.Event, n)
	for i := range out {
		out[i] = core.Event{Key: core.EventKey{Lamport: uint64(i + 1)}}
	}
	return out
}

func TestNullScheduler_NeverProposesOrStores(t *testing.T) {
	s := scheduler.NullScheduler{}
	if levels := s.GetSnapshotLevels(0, mkEvents(100), -1); levels != nil {
		t.Fatalf("expected no levels, got %v", levels)
	}
	if s.IsEligibleForStorage(core.Event{}, core.Event{}) {
		t.Fatalf("expected never eligible")
	}
}

func TestStrideScheduler_LevelsRespectLimit(t *testing.T) {
	s := scheduler.StrideScheduler{SmallStride: 4, MediumStride: 8, LargeStride: 16}
	events := mkEvents(20)
	levels := s.GetSnapshotLevels(0, events, -1)
	if len(levels) == 0 {
		t.Fatalf("expected at least one level")
	}
	for _, l := range levels {
		if l.Index <= -1 {
			t.Fatalf("level %+v must be > limit", l)
		}
		if l.Index >= int64(len(events)) {
			t.Fatalf("level %+v out of range", l)
		}
	}
}

func TestStrideScheduler_NoLevelsWhenBelowLimit(t *testing.T) {
	s := scheduler.StrideScheduler{SmallStride: 4, MediumStride: 8, LargeStride: 16}
	events := mkEvents(5)
	levels := s.GetSnapshotLevels(0, events, int64(len(events)-1))
	if levels != nil {
		t.Fatalf("expected no levels at/above tip, got %v", levels)
	}
}

func TestStrideScheduler_EligibilityByAge(t *testing.T) {
	s := scheduler.StrideScheduler{MinAge: time.Second}
	old := core.Event{TimestampMicros: 0}
	near := core.Event{TimestampMicros: uint64(500 * time.Millisecond / time.Microsecond)}
	far := core.Event{TimestampMicros: uint64(2 * time.Second / time.Microsecond)}

	if s.IsEligibleForStorage(old, near) {
		t.Fatalf("expected not yet eligible")
	}
	if !s.IsEligibleForStorage(old, far) {
		t.Fatalf("expected eligible once min age elapsed")
	}
}
