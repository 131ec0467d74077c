// Package idempotency derives stable fingerprints for tool calls.
//
// A key is a sha256 digest over a canonical, type-tagged JSON encoding of
// (tool name, phase, arguments). Type tags keep ambiguous values apart
// ("1" the string must not collide with 1 the number) and map keys are
// emitted in sorted order so the key is independent of argument insertion
// order and survives process restarts.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// EncodingError reports arguments that cannot be canonicalized. It is fatal
// to the call; the runtime does not retry it.
type EncodingError struct {
	Err error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("cannot encode arguments for idempotency key: %v", e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }

// Key computes the idempotency key for a tool call. Tool name and phase are
// part of the payload so the same arguments passed to a different tool, or to
// the same tool in a different phase, produce a different key.
func Key(toolName, phase string, args map[string]any) (string, error) {
	payload := map[string]any{
		"tool":  toolName,
		"phase": phase,
		"args":  args,
	}
	canonical, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Canonical returns the deterministic tagged-JSON encoding of v.
func Canonical(v any) ([]byte, error) {
	tagged, err := tag(v)
	if err != nil {
		return nil, err
	}
	// encoding/json emits map keys in sorted order, which makes the
	// marshaled form canonical once values are tagged.
	data, err := json.Marshal(tagged)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	return data, nil
}

// tag recursively converts v into a structure carrying explicit type
// information. Integer values keep their exact bits and tag as "int"; a float
// carrying an integral value tags as "int" too, so 1 and 1.0 collapse to the
// same key while staying distinct from the string "1". Only genuine integers
// survive above 2^53, where float64 cannot represent every value.
func tag(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return map[string]any{"__type__": "nil"}, nil
	case bool:
		return map[string]any{"__type__": "bool", "value": x}, nil
	case string:
		return map[string]any{"__type__": "string", "value": x}, nil
	case int:
		return tagInt(int64(x)), nil
	case int8:
		return tagInt(int64(x)), nil
	case int16:
		return tagInt(int64(x)), nil
	case int32:
		return tagInt(int64(x)), nil
	case int64:
		return tagInt(x), nil
	case uint:
		return tagUint(uint64(x)), nil
	case uint8:
		return tagInt(int64(x)), nil
	case uint16:
		return tagInt(int64(x)), nil
	case uint32:
		return tagInt(int64(x)), nil
	case uint64:
		return tagUint(x), nil
	case float32:
		return tagNumber(float64(x))
	case float64:
		return tagNumber(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return tagInt(i), nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, &EncodingError{Err: err}
		}
		return tagNumber(f)
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			t, err := tag(item)
			if err != nil {
				return nil, err
			}
			out[i] = t
		}
		return map[string]any{"__type__": "list", "value": out}, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make(map[string]any, len(x))
		for _, k := range keys {
			t, err := tag(x[k])
			if err != nil {
				return nil, err
			}
			out[k] = t
		}
		return map[string]any{"__type__": "map", "value": out}, nil
	default:
		// Structs, named types, typed slices and maps: round-trip through
		// JSON into the generic shapes above. Values JSON cannot express
		// (channels, funcs, cycles) fail here.
		data, err := json.Marshal(v)
		if err != nil {
			return nil, &EncodingError{Err: err}
		}
		var decoded any
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, &EncodingError{Err: err}
		}
		return tag(decoded)
	}
}

func tagInt(i int64) any {
	return map[string]any{"__type__": "int", "value": i}
}

// tagUint keeps values above math.MaxInt64 as uint64; json.Marshal emits the
// same digits either way, so the encoding stays canonical across the split.
func tagUint(u uint64) any {
	if u <= math.MaxInt64 {
		return tagInt(int64(u))
	}
	return map[string]any{"__type__": "int", "value": u}
}

// tagNumber handles genuine floats. Integral values inside the exact int64
// range collapse to the "int" tag so 1.0 keys like 1; everything else keeps
// its float64 bits.
func tagNumber(f float64) (any, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, &EncodingError{Err: fmt.Errorf("non-finite number %v", f)}
	}
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 {
		return tagInt(int64(f)), nil
	}
	return map[string]any{"__type__": "float", "value": f}, nil
}
