package statepointer

import (
	"fmt"

	"github.com/mickamy/fes/internal/core"
	"github.com/mickamy/fes/scheduler"
)

// GetStatesToCache merges three strategies into a single ascending,
// index-sorted list of positions worth folding and caching this pass:
// the scheduler's own proposed levels, one pointer per distinct source
// observed scanning the tail backward (only the most recent source
// unless per-source caching is enabled), and a fixed-size recent window
// at regular spacing whose tags rotate so repeated similar-sized
// workloads reuse the same cache slots instead of growing without bound.
func (t *Table[Blob]) GetStatesToCache(cycleStart uint64, events []core.Event, limit int64) []scheduler.TaggedIndex {
	picked := make(map[int64]scheduler.TaggedIndex)

	for _, l := range t.scheduler.GetSnapshotLevels(cycleStart, events, limit) {
		if l.Index > limit && l.Index < int64(len(events)) {
			picked[l.Index] = l
		}
	}

	for _, l := range t.perSourcePointers(events, limit) {
		if _, exists := picked[l.Index]; !exists {
			picked[l.Index] = l
		}
	}

	for _, l := range t.recentWindowPointers(cycleStart, events, limit) {
		if _, exists := picked[l.Index]; !exists {
			picked[l.Index] = l
		}
	}

	out := make([]scheduler.TaggedIndex, 0, len(picked))
	for _, l := range picked {
		out = append(out, l)
	}
	sortTaggedByIndex(out)
	return out
}

func (t *Table[Blob]) perSourcePointers(events []core.Event, limit int64) []scheduler.TaggedIndex {
	n := int64(len(events))
	if n == 0 {
		return nil
	}
	seen := make(map[core.StreamID]bool)
	var out []scheduler.TaggedIndex
	for i := n - 1; i > limit; i-- {
		src := events[i].Source
		if seen[src] {
			continue
		}
		seen[src] = true
		out = append(out, scheduler.TaggedIndex{
			Tag:            fmt.Sprintf("source-%s", src),
			Index:          i,
			PersistAsLocal: false,
		})
		if !t.perSourceCaching {
			break
		}
	}
	return out
}

func (t *Table[Blob]) recentWindowPointers(cycleStart uint64, events []core.Event, limit int64) []scheduler.TaggedIndex {
	n := int64(len(events))
	if n == 0 || t.spacing <= 0 {
		return nil
	}
	windowStart := n - int64(t.windowSize)
	if windowStart <= limit {
		windowStart = limit + 1
	}
	if windowStart < 0 {
		windowStart = 0
	}

	slots := int64(t.windowSize) / int64(t.spacing)
	if slots <= 0 {
		slots = 1
	}
	offset := int64(cycleStart) % int64(t.spacing)

	var out []scheduler.TaggedIndex
	for i := windowStart; i < n; i++ {
		if i <= limit {
			continue
		}
		if (i-offset)%int64(t.spacing) != 0 {
			continue
		}
		slot := (i / int64(t.spacing)) % slots
		out = append(out, scheduler.TaggedIndex{
			Tag:            fmt.Sprintf("recent-%d", slot),
			Index:          i,
			PersistAsLocal: false,
		})
	}
	return out
}

func sortTaggedByIndex(entries []scheduler.TaggedIndex) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Index < entries[j-1].Index; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// AddPopulatedPointers places freshly-folded pointers into the proper
// sub-store. A pointer flagged PersistAsLocal is routed to
// pendingApplication if the scheduler judges it old enough relative to
// tip, else to pendingEligibility. On every call, pendingEligibility is
// rescanned so entries that have aged past eligibility since their last
// check are migrated too.
func (t *Table[Blob]) AddPopulatedPointers(pointers []Entry[Blob], tipEvent core.Event) {
	for _, p := range pointers {
		if !p.PersistAsLocal {
			t.ephemeral.Add(p.Tag, p)
			continue
		}
		if t.scheduler.IsEligibleForStorage(p.FinalEvent, tipEvent) {
			t.pendingApplication[p.Tag] = p
		} else {
			t.pendingEligibility[p.Tag] = p
		}
	}

	for tag, p := range t.pendingEligibility {
		if t.scheduler.IsEligibleForStorage(p.FinalEvent, tipEvent) {
			delete(t.pendingEligibility, tag)
			t.pendingApplication[tag] = p
		}
	}
}

// Ephemeral returns the cached entry for tag from the ephemeral
// sub-store, if present, and marks it as recently used.
func (t *Table[Blob]) Ephemeral(tag string) (Entry[Blob], bool) {
	return t.ephemeral.Get(tag)
}
