package fes

import "github.com/mickamy/fes/internal/core"

// LocalSnapshot is a persisted, serialized state together with
// everything needed to decide whether it is still valid once new events
// surface. See internal/core for the full field-by-field contract; it is
// defined there so internal/latest can hold one without this package
// importing internal/latest back.
type LocalSnapshot[Blob any] = core.LocalSnapshot[Blob]
