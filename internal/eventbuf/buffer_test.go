package eventbuf_test

import (
	"testing"

	"github.com/mickamy/fes/internal/core"
	"github.com/mickamy/fes/internal/eventbuf"
)

func ev(lamport uint64, stream string) core.Event {
	return core.Event{Key: core.EventKey{Lamport: lamport, Stream: core.StreamID(stream)}, Source: core.StreamID(stream)}
}

func keys(events []core.Event) []uint64 {
	out := make([]uint64, len(events))
	for i, e := range events {
		out[i] = e.Key.Lamport
	}
	return out
}

func assertKeys(t *testing.T, got []core.Event, want []uint64) {
	t.Helper()
	gk := keys(got)
	if len(gk) != len(want) {
		t.Fatalf("length mismatch: got %v want %v", gk, want)
	}
	for i := range want {
		if gk[i] != want[i] {
			t.Fatalf("index %d: got %v want %v", i, gk, want)
		}
	}
}

func TestBuffer_EmptyBatch(t *testing.T) {
	b := eventbuf.New(nil)
	b.Insert([]core.Event{ev(1, "A")})
	report := b.Insert(nil)
	if report.Changed {
		t.Fatalf("empty batch must not report changed")
	}
	if report.HighestUnmovedIndex != 0 {
		t.Fatalf("expected unmoved index 0, got %d", report.HighestUnmovedIndex)
	}
}

func TestBuffer_EmptyBufferInsert(t *testing.T) {
	b := eventbuf.New(nil)
	report := b.Insert([]core.Event{ev(1, "A"), ev(2, "A")})
	if !report.Changed || report.HighestUnmovedIndex != -1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	assertKeys(t, b.Events(), []uint64{1, 2})
}

func TestBuffer_TailAppendShortcut(t *testing.T) {
	b := eventbuf.New(nil)
	b.Insert([]core.Event{ev(1, "A"), ev(3, "A")})
	report := b.Insert([]core.Event{ev(5, "A"), ev(7, "A")})
	if !report.Changed {
		t.Fatalf("expected changed=true")
	}
	if report.HighestUnmovedIndex != 1 {
		t.Fatalf("expected unmoved index 1 (old length - 1), got %d", report.HighestUnmovedIndex)
	}
	assertKeys(t, b.Events(), []uint64{1, 3, 5, 7})
}

func TestBuffer_CrossSourceOrdering(t *testing.T) {
	// Cross-source merge: feed [A:1, A:3] then [B:2, B:4].
	b := eventbuf.New(nil)
	b.Insert([]core.Event{ev(1, "A"), ev(3, "A")})
	report := b.Insert([]core.Event{ev(2, "B"), ev(4, "B")})
	assertKeys(t, b.Events(), []uint64{1, 2, 3, 4})
	// A:3 (index 1 pre-insert) moves to index 2; only index 0 (A:1) is unmoved.
	if report.HighestUnmovedIndex != 0 {
		t.Fatalf("expected unmoved index 0 (time travel), got %d", report.HighestUnmovedIndex)
	}
	if !report.Changed {
		t.Fatalf("expected changed=true on time travel")
	}
}

func TestBuffer_DuplicateAcrossBatchesDropped(t *testing.T) {
	b := eventbuf.New(nil)
	b.Insert([]core.Event{ev(1, "A"), ev(2, "A")})
	b.Insert([]core.Event{ev(2, "A"), ev(3, "A")})
	assertKeys(t, b.Events(), []uint64{1, 2, 3})
}

func TestBuffer_Prepend(t *testing.T) {
	b := eventbuf.New(nil)
	b.Insert([]core.Event{ev(5, "A"), ev(6, "A")})
	report := b.Insert([]core.Event{ev(1, "A"), ev(2, "A")})
	assertKeys(t, b.Events(), []uint64{1, 2, 5, 6})
	if report.HighestUnmovedIndex != -1 {
		t.Fatalf("prepend should move everything, got unmoved index %d", report.HighestUnmovedIndex)
	}
}

func TestBuffer_TruncateFront(t *testing.T) {
	b := eventbuf.New(nil)
	b.Insert([]core.Event{ev(1, "A"), ev(2, "A"), ev(3, "A")})
	b.TruncateFront(2)
	assertKeys(t, b.Events(), []uint64{3})
	b.TruncateFront(10)
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer after over-truncating")
	}
}
