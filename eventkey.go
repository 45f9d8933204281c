package fes

import "github.com/mickamy/fes/internal/core"

// StreamID identifies the source that produced an event (e.g. a device, a
// connection, a writer process).
type StreamID = core.StreamID

// EventKey totally orders events across all sources. See internal/core
// for the full contract; it is defined there so the scheduler, event
// buffer, state pointer table, and latest snapshot holder can share it
// without importing this package.
type EventKey = core.EventKey

// ZeroEventKey is the key below which every EventKey compares greater.
var ZeroEventKey = core.ZeroEventKey

// OffsetMap maps each known StreamID to the highest offset seen from it.
type OffsetMap = core.OffsetMap
