package command

import "github.com/mickamy/fes"

// Handler is implemented by a command-handling aggregate built on top of
// Base[State]: a domain type that previews new events against its
// current state and flushes them for persistence.
type Handler interface {
	// Stream returns the aggregate's stream.
	Stream() fes.StreamID

	// Flush returns every event raised since the last Flush, and the
	// offset Ingestor.Append should expect for them.
	Flush() (events []fes.Event, expectedOffset uint64)
}
