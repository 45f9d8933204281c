package mem_test

import (
	"testing"

	"github.com/mickamy/fes"
	"github.com/mickamy/fes/internal/fixture"
	"github.com/mickamy/fes/stores/mem"
)

func TestStore_Compliance(t *testing.T) {
	t.Parallel()
	fixture.Run(t, func(t *testing.T) fixture.Backend {
		t.Helper()
		return mem.New()
	})
}

func TestStore_HorizonExcludesEventsAtOrBelow(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := mem.New()
	stream := fes.StreamID("h")

	if _, err := s.Append(ctx, stream, 0, []fes.Event{{Payload: 1}, {Payload: 2}, {Payload: 3}}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	id := fes.Identity{EntityType: "test", Name: "t", Version: 1}
	chunks, errc := s.PersistedEvents(ctx, id, nil, nil, nil, fes.Ascending, &fes.EventKey{Lamport: 2, Stream: stream, Offset: 2})

	var got []fes.Event
	for c := range chunks {
		got = append(got, c...)
	}
	for err := range errc {
		if err != nil {
			t.Fatalf("persisted events: %v", err)
		}
	}
	if len(got) != 1 || got[0].Payload != 3 {
		t.Fatalf("expected only the event above the horizon, got %+v", got)
	}
}

func TestStore_SnapshotStoreKeepsHighestCycle(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := mem.New()
	id := fes.Identity{EntityType: "test", Name: "t", Version: 1}

	stored, err := s.Store(ctx, id, "tag", fes.LocalSnapshot[[]byte]{EventKey: fes.EventKey{Lamport: 5}, Cycle: 2})
	if err != nil || !stored {
		t.Fatalf("expected initial store to succeed: stored=%v err=%v", stored, err)
	}

	stored, err = s.Store(ctx, id, "tag", fes.LocalSnapshot[[]byte]{EventKey: fes.EventKey{Lamport: 3}, Cycle: 1})
	if err != nil || stored {
		t.Fatalf("expected stale cycle to be refused: stored=%v err=%v", stored, err)
	}

	snap, ok, err := s.Retrieve(ctx, id)
	if err != nil || !ok || snap.Cycle != 2 {
		t.Fatalf("expected cycle 2 retained, got %+v ok=%v err=%v", snap, ok, err)
	}
}

func TestStore_InvalidateDropsAtOrAbove(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	s := mem.New()
	id := fes.Identity{EntityType: "test", Name: "t", Version: 1}

	if _, err := s.Store(ctx, id, "tag", fes.LocalSnapshot[[]byte]{EventKey: fes.EventKey{Lamport: 5}, Cycle: 1}); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.Invalidate(ctx, id, fes.EventKey{Lamport: 5}); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := s.Retrieve(ctx, id); ok {
		t.Fatalf("expected snapshot invalidated")
	}
}
