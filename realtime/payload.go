package realtime

import (
	"bytes"
	"encoding/json"
)

// PayloadKind tags the recognized shapes of a hub event payload.
type PayloadKind int

const (
	// PayloadUnrecognized marks a payload no normalization rule matched.
	PayloadUnrecognized PayloadKind = iota
	// PayloadSingle is one bare value, after unwrapping {data:...} wrappers
	// and one-element arrays.
	PayloadSingle
	// PayloadKeyed is a [contractId, value] pair.
	PayloadKeyed
)

// Payload is the normalized form of one event's argument list. The wire
// shape has varied across gateway versions (bare object, one-element array,
// {data:...} wrapper, [contractId, object] pair), so the variance is
// absorbed here, once, at the feed boundary instead of in every handler.
type Payload struct {
	Kind       PayloadKind
	ContractID string
	Value      json.RawMessage
}

type dataWrapper struct {
	Data json.RawMessage `json:"data"`
}

// normalizePayload collapses a raw argument list into a Payload.
func normalizePayload(arguments []json.RawMessage) Payload {
	switch len(arguments) {
	case 0:
		return Payload{Kind: PayloadUnrecognized}
	case 1:
		value, ok := unwrapValue(arguments[0])
		if !ok {
			return Payload{Kind: PayloadUnrecognized, Value: arguments[0]}
		}
		return Payload{Kind: PayloadSingle, Value: value}
	default:
		var contractID string
		if err := json.Unmarshal(arguments[0], &contractID); err != nil {
			return Payload{Kind: PayloadUnrecognized, Value: arguments[0]}
		}
		value, ok := unwrapValue(arguments[1])
		if !ok {
			value = arguments[1]
		}
		return Payload{Kind: PayloadKeyed, ContractID: contractID, Value: value}
	}
}

// unwrapValue strips a {data:...} wrapper and unwraps a one-element array,
// applying each rule at most once.
func unwrapValue(raw json.RawMessage) (json.RawMessage, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, false
	}

	switch trimmed[0] {
	case '{':
		var wrapper dataWrapper
		if err := json.Unmarshal(trimmed, &wrapper); err == nil && len(wrapper.Data) > 0 {
			return wrapper.Data, true
		}
		return trimmed, true
	case '[':
		var elems []json.RawMessage
		if err := json.Unmarshal(trimmed, &elems); err != nil {
			return nil, false
		}
		if len(elems) == 1 {
			return elems[0], true
		}
		return trimmed, true
	default:
		// scalar payloads pass through untouched
		return trimmed, true
	}
}
