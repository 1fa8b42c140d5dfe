package op

import (
	"encoding/json"
	"fmt"
)

// Decode parses one wire value. Objects carrying "__op" decode into the
// matching operation; any other JSON value decodes into Set.
func Decode(data []byte) (Op, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("op: decoding: %w", err)
	}
	return FromValue(v)
}

// FromValue is Decode for an already unmarshaled JSON value.
func FromValue(v any) (Op, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Set{Value: v}, nil
	}
	kind, ok := m["__op"].(string)
	if !ok {
		return Set{Value: v}, nil
	}

	switch Kind(kind) {
	case KindDelete:
		return Delete{}, nil
	case KindIncrement, KindDecrement:
		amount, ok := toNumber(m["amount"])
		if !ok {
			return nil, fmt.Errorf("op: %s requires a numeric amount", kind)
		}
		if Kind(kind) == KindDecrement {
			amount = -amount
		}
		return Increment{Amount: amount}, nil
	case KindAdd, KindAddUnique, KindRemove:
		objects, ok := toList(m["objects"])
		if !ok {
			return nil, fmt.Errorf("op: %s requires an objects array", kind)
		}
		switch Kind(kind) {
		case KindAdd:
			return Add{Objects: objects}, nil
		case KindAddUnique:
			return NewAddUnique(objects...), nil
		default:
			return NewRemove(objects...), nil
		}
	}
	return nil, fmt.Errorf("op: unknown operation %q", kind)
}
