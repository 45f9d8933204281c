package fes_test

import (
	"context"
	"sort"
	"testing"

	"github.com/mickamy/fes"
)

// memEventStore is a minimal in-process EventStore/Ingestor double for
// exercising the Orchestrator without a real backend.
type memEventStore struct {
	events []fes.Event
}

func (s *memEventStore) Append(_ context.Context, stream fes.StreamID, expected uint64, events []fes.Event, _ fes.Metadata) (uint64, error) {
	var cur uint64
	for _, e := range s.events {
		if e.Source == stream && e.Offset > cur {
			cur = e.Offset
		}
	}
	if cur != expected {
		return 0, &fes.OffsetConflictError{Stream: stream, ExpectedOffset: expected, ActualOffset: cur}
	}
	for i, e := range events {
		e.Source = stream
		e.Offset = cur + uint64(i) + 1
		s.events = append(s.events, e)
		cur = e.Offset
	}
	return cur, nil
}

func (s *memEventStore) PersistedEvents(_ context.Context, _ fes.Identity, fromExclusive, toInclusive fes.OffsetMap, filter fes.Filter, order fes.Order, horizon *fes.EventKey) (<-chan fes.Chunk, <-chan error) {
	out := make(chan fes.Chunk, 1)
	errc := make(chan error, 1)

	var selected []fes.Event
	for _, e := range s.events {
		if e.Offset <= fromExclusive.Get(e.Source) {
			continue
		}
		if v, ok := toInclusive[e.Source]; ok && e.Offset > v {
			continue
		}
		if horizon != nil && !horizon.Less(e.Key) {
			continue
		}
		if filter != nil && !filter(e) {
			continue
		}
		selected = append(selected, e)
	}
	sort.Slice(selected, func(i, j int) bool {
		if order == fes.Descending {
			return selected[j].Key.Less(selected[i].Key)
		}
		return selected[i].Key.Less(selected[j].Key)
	})

	out <- fes.Chunk(selected)
	close(out)
	close(errc)
	return out, errc
}

func (s *memEventStore) Present(context.Context) (fes.OffsetMap, error) {
	out := fes.OffsetMap{}
	for _, e := range s.events {
		out = out.WithEvent(e)
	}
	return out, nil
}

type memSnapshotStore[Blob any] struct {
	snaps map[string]fes.LocalSnapshot[Blob]
}

func newMemSnapshotStore[Blob any]() *memSnapshotStore[Blob] {
	return &memSnapshotStore[Blob]{snaps: make(map[string]fes.LocalSnapshot[Blob])}
}

func (s *memSnapshotStore[Blob]) Store(_ context.Context, id fes.Identity, tag string, snap fes.LocalSnapshot[Blob]) (bool, error) {
	s.snaps[id.String()+"/"+tag] = snap
	return true, nil
}

func (s *memSnapshotStore[Blob]) Retrieve(_ context.Context, id fes.Identity) (fes.LocalSnapshot[Blob], bool, error) {
	var best fes.LocalSnapshot[Blob]
	found := false
	prefix := id.String() + "/"
	for k, v := range s.snaps {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			if !found || v.Cycle > best.Cycle {
				best = v
				found = true
			}
		}
	}
	return best, found, nil
}

func (s *memSnapshotStore[Blob]) Invalidate(_ context.Context, id fes.Identity, atOrAbove fes.EventKey) error {
	prefix := id.String() + "/"
	for k, v := range s.snaps {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix && !v.EventKey.Less(atOrAbove) {
			delete(s.snaps, k)
		}
	}
	return nil
}

func appendFold(state any, e fes.Event) any {
	s, _ := state.([]int)
	return append(append([]int(nil), s...), e.Payload.(int))
}

func mkEvent(lamport uint64, source fes.StreamID, offset uint64, payload int) fes.Event {
	return fes.Event{
		Key:     fes.EventKey{Lamport: lamport, Stream: source, Offset: offset},
		Source:  source,
		Offset:  offset,
		Payload: payload,
	}
}

func TestOrchestrator_CrossSourceOrdering(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	id := fes.Identity{EntityType: "counter", Name: "1", Version: 1}

	o, err := fes.Initialize[[]byte](ctx, id, appendFold, nil, []int(nil),
		fes.JSONStateCodec[[]int](), &memEventStore{}, newMemSnapshotStore[[]byte](), fes.OffsetMap{})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := o.ProcessEvents([]fes.Event{
		mkEvent(1, "A", 1, 1),
		mkEvent(3, "A", 2, 3),
	}); err != nil {
		t.Fatalf("ProcessEvents: %v", err)
	}
	if _, err := o.ProcessEvents([]fes.Event{
		mkEvent(2, "B", 1, 2),
		mkEvent(4, "B", 2, 4),
	}); err != nil {
		t.Fatalf("ProcessEvents: %v", err)
	}

	state, offsets, err := o.CurrentState(ctx)
	if err != nil {
		t.Fatalf("CurrentState: %v", err)
	}
	got := state.([]int)
	want := []int{1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
	if offsets.Get("A") != 2 || offsets.Get("B") != 2 {
		t.Fatalf("unexpected offsets: %+v", offsets)
	}
}

func TestOrchestrator_UnsortedBatchIsRepaired(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	id := fes.Identity{EntityType: "counter", Name: "2", Version: 1}

	o, err := fes.Initialize[[]byte](ctx, id, appendFold, nil, []int(nil),
		fes.JSONStateCodec[[]int](), &memEventStore{}, newMemSnapshotStore[[]byte](), fes.OffsetMap{})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := o.ProcessEvents([]fes.Event{
		mkEvent(2, "B", 1, 2),
		mkEvent(4, "B", 2, 4),
		mkEvent(1, "A", 1, 1),
		mkEvent(3, "A", 2, 3),
	}); err != nil {
		t.Fatalf("ProcessEvents: %v", err)
	}

	state, _, err := o.CurrentState(ctx)
	if err != nil {
		t.Fatalf("CurrentState: %v", err)
	}
	got := state.([]int)
	want := []int{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestOrchestrator_SemanticResetInsideBatch(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	id := fes.Identity{EntityType: "counter", Name: "3", Version: 1}

	isReset := func(e fes.Event) bool { return e.Payload.(int) == -1 }

	o, err := fes.Initialize[[]byte](ctx, id, appendFold, isReset, []int(nil),
		fes.JSONStateCodec[[]int](), &memEventStore{}, newMemSnapshotStore[[]byte](), fes.OffsetMap{})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := o.ProcessEvents([]fes.Event{
		mkEvent(3, "A", 1, 3),
		mkEvent(7, "A", 2, 7),
		mkEvent(9, "A", 3, -1),
		mkEvent(11, "A", 4, 8),
	}); err != nil {
		t.Fatalf("ProcessEvents: %v", err)
	}

	state, _, err := o.CurrentState(ctx)
	if err != nil {
		t.Fatalf("CurrentState: %v", err)
	}
	got := state.([]int)
	want := []int{-1, 8}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestOrchestrator_Validate_CleanOrchestratorHasNoViolations(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	id := fes.Identity{EntityType: "counter", Name: "4", Version: 1}

	o, err := fes.Initialize[[]byte](ctx, id, appendFold, nil, []int(nil),
		fes.JSONStateCodec[[]int](), &memEventStore{}, newMemSnapshotStore[[]byte](), fes.OffsetMap{})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if violations := o.Validate(); violations != nil {
		t.Fatalf("expected clean orchestrator to validate, got %v", violations)
	}
}
