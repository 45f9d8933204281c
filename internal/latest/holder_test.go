package latest_test

import (
	"testing"

	"github.com/mickamy/fes"
	"github.com/mickamy/fes/internal/latest"
)

func TestHolder_PrefersSemanticOverLocal(t *testing.T) {
	h := latest.New[string]()
	if err := h.SetLocal(fes.LocalSnapshot[string]{EventKey: fes.EventKey{Lamport: 1}}); err != nil {
		t.Fatalf("SetLocal: %v", err)
	}
	if err := h.SetSemantic(fes.Event{Key: fes.EventKey{Lamport: 2}}); err != nil {
		t.Fatalf("SetSemantic: %v", err)
	}

	got := latest.FromSemanticFromLocalOrDefault(h,
		func(e fes.Event) string { return "semantic" },
		func(s fes.LocalSnapshot[string]) string { return "local" },
		"default",
	)
	if got != "semantic" {
		t.Fatalf("expected semantic to win, got %q", got)
	}
}

func TestHolder_FallsBackToLocalThenDefault(t *testing.T) {
	h := latest.New[string]()
	got := latest.FromSemanticFromLocalOrDefault(h,
		func(e fes.Event) string { return "semantic" },
		func(s fes.LocalSnapshot[string]) string { return "local" },
		"default",
	)
	if got != "default" {
		t.Fatalf("expected default, got %q", got)
	}

	if err := h.SetLocal(fes.LocalSnapshot[string]{EventKey: fes.EventKey{Lamport: 1}}); err != nil {
		t.Fatalf("SetLocal: %v", err)
	}
	got = latest.FromSemanticFromLocalOrDefault(h,
		func(e fes.Event) string { return "semantic" },
		func(s fes.LocalSnapshot[string]) string { return "local" },
		"default",
	)
	if got != "local" {
		t.Fatalf("expected local, got %q", got)
	}
}

func TestHolder_MonotonicityEnforced(t *testing.T) {
	h := latest.New[string]()
	if err := h.SetSemantic(fes.Event{Key: fes.EventKey{Lamport: 5}}); err != nil {
		t.Fatalf("SetSemantic: %v", err)
	}
	if err := h.SetSemantic(fes.Event{Key: fes.EventKey{Lamport: 3}}); err == nil {
		t.Fatalf("expected regression error")
	}
}

func TestHolder_ClearHasNoConstraint(t *testing.T) {
	h := latest.New[string]()
	if err := h.SetSemantic(fes.Event{Key: fes.EventKey{Lamport: 5}}); err != nil {
		t.Fatalf("SetSemantic: %v", err)
	}
	h.ClearSemantic()
	if err := h.SetSemantic(fes.Event{Key: fes.EventKey{Lamport: 1}}); err != nil {
		t.Fatalf("expected clear to reset monotonicity floor: %v", err)
	}
}
