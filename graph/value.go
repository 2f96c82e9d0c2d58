package graph

import "encoding/json"

// Value is the engine's universal value type. It is JSON-shaped: nil,
// bool, float64/int64, string, []Value, or map[string]Value. Channels,
// checkpoints, and the wire format all speak this type so that a graph's
// state schema is not fixed at compile time the way a single Go struct
// would fix it.
type Value = interface{}

// Writes is a partial update produced by a node: channel name -> value.
// It is merged into State by the channel each name names.
type Writes map[string]Value

// CloneValue returns a value deep enough to make State snapshots safe to read
// concurrently: maps and slices are copied, scalars are returned as-is.
func CloneValue(v Value) Value {
	switch t := v.(type) {
	case map[string]Value:
		out := make(map[string]Value, len(t))
		for k, vv := range t {
			out[k] = CloneValue(vv)
		}
		return out
	case []Value:
		out := make([]Value, len(t))
		for i, vv := range t {
			out[i] = CloneValue(vv)
		}
		return out
	default:
		return v
	}
}

// ToJSON marshals a Value using the standard encoding, used for
// checkpoint persistence and idempotency-key hashing.
func ToJSON(v Value) ([]byte, error) {
	return json.Marshal(v)
}

// FromJSON unmarshals bytes produced by ToJSON back into a Value.
func FromJSON(data []byte) (Value, error) {
	var v Value
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
