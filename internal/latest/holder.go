// Package latest implements the FES's two monotonic "latest snapshot"
// slots: the last known semantic reset event, and the last locally
// persisted snapshot.
package latest

import (
	"fmt"

	"github.com/mickamy/fes/internal/core"
)

// Holder tracks the latest semantic and local snapshots for one
// aggregate. Both slots are monotonic: SetSemantic/SetLocal report an
// error if asked to overwrite with an older EventKey, since that would
// indicate an internal invariant violation the orchestrator must turn
// into a fatal ferrors.InvariantViolation. Clearing either slot has no
// such constraint.
type Holder[Blob any] struct {
	semantic *core.Event
	local    *core.LocalSnapshot[Blob]
}

// New returns an empty Holder.
func New[Blob any]() *Holder[Blob] {
	return &Holder[Blob]{}
}

// Semantic returns the latest semantic reset event, if any.
func (h *Holder[Blob]) Semantic() (core.Event, bool) {
	if h.semantic == nil {
		return core.Event{}, false
	}
	return *h.semantic, true
}

// Local returns the latest local snapshot, if any.
func (h *Holder[Blob]) Local() (core.LocalSnapshot[Blob], bool) {
	if h.local == nil {
		return core.LocalSnapshot[Blob]{}, false
	}
	return *h.local, true
}

// SetSemantic records e as the new latest semantic reset. e's key must
// not be older than the current one, if any.
func (h *Holder[Blob]) SetSemantic(e core.Event) error {
	if h.semantic != nil && e.Key.Less(h.semantic.Key) {
		return fmt.Errorf("latest: semantic snapshot regression: %s -> %s", h.semantic.Key, e.Key)
	}
	ev := e
	h.semantic = &ev
	return nil
}

// ClearSemantic drops the semantic slot unconditionally.
func (h *Holder[Blob]) ClearSemantic() { h.semantic = nil }

// SetLocal records snap as the new latest local snapshot. snap's
// EventKey must not be older than the current one, if any.
func (h *Holder[Blob]) SetLocal(snap core.LocalSnapshot[Blob]) error {
	if h.local != nil && snap.EventKey.Less(h.local.EventKey) {
		return fmt.Errorf("latest: local snapshot regression: %s -> %s", h.local.EventKey, snap.EventKey)
	}
	s := snap
	h.local = &s
	return nil
}

// ClearLocal drops the local slot unconditionally.
func (h *Holder[Blob]) ClearLocal() { h.local = nil }

// FromSemanticFromLocalOrDefault evaluates fSem on the semantic event if
// present, else fLoc on the local snapshot if present, else returns def.
// The semantic slot is always preferred when both are set, since a
// semantic reset supersedes anything a local snapshot absorbed before it.
func FromSemanticFromLocalOrDefault[Blob any, T any](
	h *Holder[Blob],
	fSem func(core.Event) T,
	fLoc func(core.LocalSnapshot[Blob]) T,
	def T,
) T {
	if sem, ok := h.Semantic(); ok {
		return fSem(sem)
	}
	if loc, ok := h.Local(); ok {
		return fLoc(loc)
	}
	return def
}
