// Package fixture provides deterministic test builders and a black-box
// compliance suite shared by every EventStore/SnapshotStore backend
// (stores/mem, stores/pgx), plus scheduler test doubles for exercising
// the orchestrator's snapshot-persistence path on demand.
package fixture

import (
	"context"
	"errors"
	"testing"

	"github.com/mickamy/fes"
)

// Backend is the combined read/write surface a compliance suite needs:
// every shipped store implements both.
type Backend interface {
	fes.EventStore
	fes.Ingestor
}

// Factory creates a fresh, isolated Backend for a single subtest. Use
// t.Cleanup for teardown if the backend owns external resources.
type Factory func(t *testing.T) Backend

// Event builds a minimal fes.Event for a given source and offset. The
// store is expected to overwrite Key and Offset on Append; callers that
// need a fully-formed Event without going through a store (e.g. to seed
// a Buffer or Orchestrator directly) should set Key explicitly.
func Event(source fes.StreamID, offset uint64, payload any) fes.Event {
	return fes.Event{
		Source:  source,
		Offset:  offset,
		Key:     fes.EventKey{Lamport: offset, Stream: source, Offset: offset},
		Payload: payload,
	}
}

// Run executes a suite of compliance tests every EventStore/Ingestor
// backend must pass. Subtests run in parallel, so backends must be
// concurrency-safe.
func Run(t *testing.T, newBackend Factory) {
	t.Run("append assigns increasing offsets", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		b := newBackend(t)
		stream := fes.StreamID("stream-1")

		off, err := b.Append(ctx, stream, 0, []fes.Event{{Payload: "a"}}, nil)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if off != 1 {
			t.Fatalf("expected offset 1, got %d", off)
		}

		off, err = b.Append(ctx, stream, off, []fes.Event{{Payload: "b"}, {Payload: "c"}}, nil)
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if off != 3 {
			t.Fatalf("expected offset 3, got %d", off)
		}

		present, err := b.Present(ctx)
		if err != nil {
			t.Fatalf("present: %v", err)
		}
		if present.Get(stream) != 3 {
			t.Fatalf("expected present offset 3, got %d", present.Get(stream))
		}
	})

	t.Run("append rejects stale expected offset", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		b := newBackend(t)
		stream := fes.StreamID("stream-2")

		if _, err := b.Append(ctx, stream, 0, []fes.Event{{Payload: "a"}}, nil); err != nil {
			t.Fatalf("append: %v", err)
		}

		_, err := b.Append(ctx, stream, 0, []fes.Event{{Payload: "b"}}, nil)
		var conflict *fes.OffsetConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected OffsetConflictError, got %v", err)
		}
		if !errors.Is(err, fes.ErrOffsetConflict) {
			t.Fatalf("expected errors.Is match against ErrOffsetConflict")
		}
	})

	t.Run("persisted events respect from/to bounds and order", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		b := newBackend(t)
		stream := fes.StreamID("stream-3")

		if _, err := b.Append(ctx, stream, 0, []fes.Event{
			{Payload: 1}, {Payload: 2}, {Payload: 3}, {Payload: 4},
		}, nil); err != nil {
			t.Fatalf("append: %v", err)
		}

		id := fes.Identity{EntityType: "test", Name: "t", Version: 1}
		events := drain(t, ctx, b, id, fes.OffsetMap{stream: 1}, fes.OffsetMap{stream: 3}, nil, fes.Ascending, nil)
		if len(events) != 2 {
			t.Fatalf("expected 2 events in [1,3], got %d", len(events))
		}
		if events[0].Payload != 2 || events[1].Payload != 3 {
			t.Fatalf("unexpected payloads: %+v", events)
		}

		desc := drain(t, ctx, b, id, nil, nil, nil, fes.Descending, nil)
		if len(desc) != 4 || desc[0].Payload != 4 {
			t.Fatalf("expected descending order starting at 4, got %+v", desc)
		}
	})

	t.Run("persisted events honor a filter predicate", func(t *testing.T) {
		t.Parallel()
		ctx := t.Context()
		b := newBackend(t)
		stream := fes.StreamID("stream-4")

		if _, err := b.Append(ctx, stream, 0, []fes.Event{
			{Payload: 1}, {Payload: 2}, {Payload: 3},
		}, nil); err != nil {
			t.Fatalf("append: %v", err)
		}

		id := fes.Identity{EntityType: "test", Name: "t", Version: 1}
		onlyEven := fes.Filter(func(e fes.Event) bool {
			n, ok := e.Payload.(int)
			return ok && n%2 == 0
		})
		events := drain(t, ctx, b, id, nil, nil, onlyEven, fes.Ascending, nil)
		if len(events) != 1 || events[0].Payload != 2 {
			t.Fatalf("expected only the even payload, got %+v", events)
		}
	})
}

func drain(
	t *testing.T,
	ctx context.Context,
	b Backend,
	id fes.Identity,
	from, to fes.OffsetMap,
	filter fes.Filter,
	order fes.Order,
	horizon *fes.EventKey,
) []fes.Event {
	t.Helper()
	chunks, errc := b.PersistedEvents(ctx, id, from, to, filter, order, horizon)
	var out []fes.Event
	for chunks != nil || errc != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			out = append(out, c...)
		case err, ok := <-errc:
			if !ok {
				errc = nil
				continue
			}
			if err != nil {
				t.Fatalf("persisted events: %v", err)
			}
		}
	}
	return out
}
