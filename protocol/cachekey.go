package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// CacheKey computes the shared-cache key for a cacheable request:
// the method name joined with a canonical encoding of its parameters.
// Two requests that differ only in JSON object key order or whitespace
// produce the same key. Absent params canonicalize to "null".
func CacheKey(method string, params json.RawMessage) (string, error) {
	canonical, err := canonicalizeJSON(params)
	if err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}
	return method + ":" + canonical, nil
}

// canonicalizeJSON re-encodes a JSON value with object keys sorted
// lexicographically at every nesting level.
func canonicalizeJSON(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "null", nil
	}

	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", err
	}

	var sb strings.Builder
	if err := writeCanonical(&sb, value); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func writeCanonical(sb *strings.Builder, value interface{}) error {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			encKey, err := json.Marshal(k)
			if err != nil {
				return err
			}
			sb.Write(encKey)
			sb.WriteByte(':')
			if err := writeCanonical(sb, v[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
		return nil

	case []interface{}:
		sb.WriteByte('[')
		for i, elem := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, elem); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
		return nil

	default:
		// Scalars (string, float64, bool, nil) round-trip through the
		// standard encoder.
		enc, err := json.Marshal(v)
		if err != nil {
			return err
		}
		sb.Write(enc)
		return nil
	}
}
