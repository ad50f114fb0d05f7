package specs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Fields whose values are chemically case-insensitive and are
// lowercased during canonicalisation.
var caseInsensitiveFields = map[string]bool{
	"program": true,
	"method":  true,
	"basis":   true,
}

// Canonicalize normalises a specification content document so that
// content-equal specifications hash identically:
//   - program/method/basis values are lowercased
//   - a null basis and an empty basis are treated as equal
//   - default-valued sub-fields (nulls, empty strings, empty objects,
//     empty arrays) are elided
// The result marshals with sorted keys.
func Canonicalize(content json.RawMessage) (json.RawMessage, error) {
	var doc interface{}
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse specification content: %w", err)
	}
	canon := canonicalValue("", doc)
	if canon == nil {
		canon = map[string]interface{}{}
	}
	out, err := json.Marshal(canon)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canonical specification: %w", err)
	}
	return out, nil
}

// canonicalValue returns the canonical form of v, or nil if v is
// default-valued and should be elided
func canonicalValue(key string, v interface{}) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		if caseInsensitiveFields[key] {
			val = strings.ToLower(val)
		}
		if val == "" {
			return nil
		}
		return val
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			if canon := canonicalValue(k, sub); canon != nil {
				out[k] = canon
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	case []interface{}:
		if len(val) == 0 {
			return nil
		}
		out := make([]interface{}, 0, len(val))
		for _, sub := range val {
			// Elements keep their position; only the field name
			// context is lost inside arrays
			if canon := canonicalValue("", sub); canon != nil {
				out = append(out, canon)
			} else {
				out = append(out, sub)
			}
		}
		return out
	case bool:
		if !val {
			return nil
		}
		return val
	case float64:
		return val
	default:
		return val
	}
}

// Hash computes the content hash of a canonicalised specification
func Hash(kind string, canonical json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(kind)))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// SortedKeys returns the sorted top-level keys of a canonical document.
// Used for human-readable keyword tables in service output.
func SortedKeys(content json.RawMessage) []string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil
	}
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
