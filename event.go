package fes

import "github.com/mickamy/fes/internal/core"

// TagSet is an immutable-by-convention set of tags attached to an event.
type TagSet = core.TagSet

// NewTagSet builds a TagSet from a list of tag strings.
var NewTagSet = core.NewTagSet

// Event is a single immutable fact in the event log. See internal/core
// for the full contract.
type Event = core.Event

// Filter is an opaque predicate over events.
type Filter = core.Filter

// Identity names a versioned aggregate: an entity type, an instance
// name, and a code version.
type Identity = core.Identity

// FoldFunc applies a single event to a state, producing the next state.
type FoldFunc = core.FoldFunc

// IsResetFunc reports whether e is a semantic-snapshot ("reset") event.
type IsResetFunc = core.IsResetFunc
