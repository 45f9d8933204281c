package fes

import (
	"encoding/json"
	"fmt"
)

// StateCodec converts between a fold's in-memory state (an opaque `any`,
// whatever the caller's FoldFunc produces) and Blob, the serialized form
// a SnapshotStore actually persists. It generalizes EventCodec's
// (de)serialization role from event payloads to aggregate state.
type StateCodec[Blob any] interface {
	Serialize(state any) (Blob, error)
	Deserialize(blob Blob) (any, error)
}

// JSONStateCodec is a generic JSON-backed StateCodec, mirroring
// JSONCodec[T]'s shape one level up: T is the concrete state type the
// fold produces, Blob is fixed to []byte.
func JSONStateCodec[T any]() StateCodec[[]byte] {
	return jsonStateCodec[T]{}
}

type jsonStateCodec[T any] struct{}

func (jsonStateCodec[T]) Serialize(state any) ([]byte, error) {
	return json.Marshal(state)
}

func (jsonStateCodec[T]) Deserialize(blob []byte) (any, error) {
	var v T
	if err := json.Unmarshal(blob, &v); err != nil {
		return nil, fmt.Errorf("fes: failed to decode json state: %w", err)
	}
	return v, nil
}
