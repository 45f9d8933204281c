package main

import (
	"encoding/json"
	"fmt"
)

// payloadCodec is the fes.EventCodec passed to stores/pgx for this
// aggregate's closed set of event types. It wraps the payload in an
// envelope carrying a type discriminator, since a generic store has no
// other way to know which concrete Go type to decode bytes back into.
type payloadCodec struct{}

type payloadEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (payloadCodec) Encode(v any) ([]byte, error) {
	var typ string
	switch v.(type) {
	case AccountOpened:
		typ = "AccountOpened"
	case MoneyDeposited:
		typ = "MoneyDeposited"
	default:
		return nil, fmt.Errorf("account: no codec for payload type %T", v)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(payloadEnvelope{Type: typ, Data: data})
}

func (payloadCodec) Decode(b []byte) (any, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, err
	}
	switch env.Type {
	case "AccountOpened":
		var e AccountOpened
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	case "MoneyDeposited":
		var e MoneyDeposited
		if err := json.Unmarshal(env.Data, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("account: unknown payload type %q", env.Type)
	}
}
