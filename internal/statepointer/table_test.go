package statepointer_test

import (
	"testing"

	"github.com/mickamy/fes"
	"github.com/mickamy/fes/internal/statepointer"
	"github.com/mickamy/fes/scheduler"
)

func mkEvents(n int) []fes.Event {
	out := make([]fes.Event, n)
	for i := range out {
		out[i] = fes.Event{
			Key:    fes.EventKey{Lamport: uint64(i + 1)},
			Source: fes.StreamID("s0"),
		}
	}
	return out
}

func TestTable_InvalidateDownTo(t *testing.T) {
	t.Parallel()
	tbl := statepointer.New[string](scheduler.NullScheduler{})
	tbl.AddPopulatedPointers([]statepointer.Entry[string]{
		{Tag: "a", Index: 1},
		{Tag: "b", Index: 5},
		{Tag: "c", Index: 10},
	}, fes.Event{})

	tbl.InvalidateDownTo(4)

	if _, ok := tbl.Ephemeral("b"); ok {
		t.Fatalf("expected b invalidated")
	}
	if _, ok := tbl.Ephemeral("c"); ok {
		t.Fatalf("expected c invalidated")
	}
	if _, ok := tbl.Ephemeral("a"); !ok {
		t.Fatalf("expected a to survive")
	}
}

func TestTable_ShiftBack(t *testing.T) {
	t.Parallel()
	tbl := statepointer.New[string](scheduler.NullScheduler{})
	tbl.AddPopulatedPointers([]statepointer.Entry[string]{
		{Tag: "a", Index: 2},
		{Tag: "b", Index: 8},
	}, fes.Event{})

	tbl.ShiftBack(3)

	if _, ok := tbl.Ephemeral("a"); ok {
		t.Fatalf("expected a dropped (went negative)")
	}
	e, ok := tbl.Ephemeral("b")
	if !ok || e.Index != 5 {
		t.Fatalf("expected b shifted to 5, got %+v ok=%v", e, ok)
	}
}

func TestTable_GetStatesToCache_PerSourceDisabledByDefault(t *testing.T) {
	t.Parallel()
	tbl := statepointer.New[string](scheduler.NullScheduler{})
	events := mkEvents(10)
	events[9].Source = "other"

	levels := tbl.GetStatesToCache(0, events, -1)
	sourceLevels := 0
	for _, l := range levels {
		if l.Tag == "source-other" || l.Tag == "source-s0" {
			sourceLevels++
		}
	}
	if sourceLevels != 1 {
		t.Fatalf("expected exactly one source pointer when per-source caching disabled, got %d", sourceLevels)
	}
}

func TestTable_GetStatesToCache_PerSourceEnabled(t *testing.T) {
	t.Parallel()
	tbl := statepointer.New[string](scheduler.NullScheduler{}, statepointer.WithPerSourceCaching[string](true))
	events := mkEvents(10)
	events[9].Source = "other"
	events[5].Source = "third"

	levels := tbl.GetStatesToCache(0, events, -1)
	distinctSources := map[string]bool{}
	for _, l := range levels {
		distinctSources[l.Tag] = true
	}
	if len(distinctSources) < 3 {
		t.Fatalf("expected pointers for all distinct sources, got %v", distinctSources)
	}
}

func TestTable_GetStatesToCache_RecentWindowRotatesTags(t *testing.T) {
	t.Parallel()
	tbl := statepointer.New[string](scheduler.NullScheduler{}, statepointer.WithWindow[string](8, 4))
	levels := tbl.GetStatesToCache(0, mkEvents(20), -1)

	tags := map[string]bool{}
	for _, l := range levels {
		tags[l.Tag] = true
	}
	if len(tags) == 0 {
		t.Fatalf("expected at least one recent-window pointer")
	}
	for tag := range tags {
		if tag != "source-s0" && len(tag) < 5 {
			t.Fatalf("unexpected short tag %q", tag)
		}
	}
}

func TestTable_AddPopulatedPointers_RoutesByEligibility(t *testing.T) {
	t.Parallel()
	sched := scheduler.StrideScheduler{MinAge: 1}
	tbl := statepointer.New[string](sched)

	tip := fes.Event{TimestampMicros: 1_000_000}
	tbl.AddPopulatedPointers([]statepointer.Entry[string]{
		{Tag: "small", Index: 5, PersistAsLocal: true, FinalEvent: fes.Event{TimestampMicros: 0}},
	}, tip)

	persist := tbl.GetSnapshotsToPersist()
	if len(persist) != 1 || persist[0].Tag != "small" {
		t.Fatalf("expected small snapshot eligible for persistence, got %+v", persist)
	}
}

func TestTable_AddPopulatedPointers_MigratesAgedEligibility(t *testing.T) {
	t.Parallel()
	sched := scheduler.StrideScheduler{MinAge: 100}
	tbl := statepointer.New[string](sched)

	tbl.AddPopulatedPointers([]statepointer.Entry[string]{
		{Tag: "snap", Index: 5, PersistAsLocal: true, FinalEvent: fes.Event{TimestampMicros: 0}},
	}, fes.Event{TimestampMicros: 0})

	if persist := tbl.GetSnapshotsToPersist(); len(persist) != 0 {
		t.Fatalf("expected not yet eligible, got %+v", persist)
	}

	tbl.AddPopulatedPointers(nil, fes.Event{TimestampMicros: 1_000_000})

	if persist := tbl.GetSnapshotsToPersist(); len(persist) != 1 {
		t.Fatalf("expected migration to pendingApplication once aged, got %+v", persist)
	}
}

func TestTable_LatestStored(t *testing.T) {
	t.Parallel()
	tbl := statepointer.New[string](scheduler.NullScheduler{})
	if _, ok := tbl.LatestStored(); ok {
		t.Fatalf("expected empty table to report none")
	}
	tbl.AddPopulatedPointers([]statepointer.Entry[string]{
		{Tag: "a", Index: 3},
		{Tag: "b", Index: 9},
	}, fes.Event{})
	best, ok := tbl.LatestStored()
	if !ok || best.Index != 9 {
		t.Fatalf("expected latest index 9, got %+v ok=%v", best, ok)
	}
}

func TestTable_ClearPendingApplication(t *testing.T) {
	t.Parallel()
	sched := scheduler.StrideScheduler{MinAge: 1}
	tbl := statepointer.New[string](sched)
	tbl.AddPopulatedPointers([]statepointer.Entry[string]{
		{Tag: "snap", Index: 5, PersistAsLocal: true, FinalEvent: fes.Event{TimestampMicros: 0}},
	}, fes.Event{TimestampMicros: 1_000_000})

	tbl.ClearPendingApplication("snap")
	if persist := tbl.GetSnapshotsToPersist(); len(persist) != 0 {
		t.Fatalf("expected cleared, got %+v", persist)
	}
}
