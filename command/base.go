// Package command is a thin command-handling layer above an
// Orchestrator: it tracks an aggregate's current materialized state and
// the StreamID/offset it was read at, lets a command handler raise new
// events against a working copy of that state via the aggregate's own
// FoldFunc, and flushes the result as a batch ready for Ingestor.Append
// with the correct expected offset for optimistic concurrency.
package command

import "github.com/mickamy/fes"

// Base is an embeddable helper that replaces hand-written
// apply/raise/flush bookkeeping in a command handler. Unlike the FES's
// own FoldFunc, which is pure and only ever reads history forward, Base
// exists on the write side: it lets a handler preview the effect of a
// new event on the aggregate's state before deciding to raise it.
type Base[State any] struct {
	stream  fes.StreamID
	offset  uint64
	state   State
	pending []fes.Event
	fold    fes.FoldFunc
}

// Init sets the stream, the offset the state was read at, the current
// state, and the fold function used to preview new events. Call this
// once per command invocation, seeded from Orchestrator.CurrentState.
func (b *Base[State]) Init(stream fes.StreamID, offset uint64, state State, fold fes.FoldFunc) {
	b.stream = stream
	b.offset = offset
	b.state = state
	b.fold = fold
	b.pending = nil
}

// Stream returns the aggregate's stream.
func (b *Base[State]) Stream() fes.StreamID { return b.stream }

// State returns the current state, including the effect of any events
// raised so far in this command invocation.
func (b *Base[State]) State() State { return b.state }

// Offset returns the offset the state was originally read at (not
// advanced by Raise; see Flush for the expected-offset computation).
func (b *Base[State]) Offset() uint64 { return b.offset }

// Raise folds payload into the working state via the aggregate's
// FoldFunc and enqueues it for Flush. tags are attached to the produced
// Event so a tag-query layer above the FES can route it.
func (b *Base[State]) Raise(payload any, tags fes.TagSet) fes.Event {
	e := fes.Event{
		Source:  b.stream,
		Tags:    tags,
		Payload: payload,
	}
	b.state = b.fold(b.state, e).(State)
	b.pending = append(b.pending, e)
	return e
}

// Flush returns every event raised since Init (or the last Flush) along
// with the offset Ingestor.Append should expect: the offset the
// aggregate was read at, since none of the pending events have been
// persisted yet.
func (b *Base[State]) Flush() (events []fes.Event, expectedOffset uint64) {
	events = b.pending
	expectedOffset = b.offset
	b.pending = nil
	return
}
