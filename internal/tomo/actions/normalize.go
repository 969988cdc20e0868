package actions

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Normalize converts raw argument values into their canonical string form.
// Two requests that mean the same thing ("transfer 100 to alice" proposed
// twice, possibly with arguments in a different order or 100 vs 100.0) must
// normalize identically so the payload hash can detect the duplicate.
func Normalize(action *Action) (map[string]string, error) {
	out := make(map[string]string, len(action.Args))
	for k, v := range action.Args {
		s, err := canonicalValue(v)
		if err != nil {
			return nil, fmt.Errorf("normalize %s argument %q: %w", action.Kind, k, err)
		}
		out[k] = s
	}
	return out, nil
}

// PayloadHash derives the idempotency fingerprint for a normalized action.
// The hash covers the kind and every argument in sorted key order, so it is
// stable across argument ordering, process restarts, and sessions.
func PayloadHash(kind Kind, normalized map[string]string) string {
	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{'\n'})
	for _, k := range sortedKeys(normalized) {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(normalized[k]))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalValue renders one argument value as a canonical string.
func canonicalValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(t), nil
	case bool:
		return strconv.FormatBool(t), nil
	case int:
		return strconv.Itoa(t), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	case float64:
		// JSON numbers decode as float64; integral values must not carry a
		// trailing ".0" or "100" and 100.0 would hash differently.
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10), nil
		}
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case json.Number:
		return canonicalNumber(t)
	default:
		// Composite values (slices, nested maps) fall back to compact JSON,
		// which marshals maps with sorted keys.
		b, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

// canonicalNumber canonicalizes a json.Number the same way as float64.
func canonicalNumber(n json.Number) (string, error) {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	f, err := n.Float64()
	if err != nil {
		return "", err
	}
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10), nil
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// sortedKeys returns the map keys in ascending order.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
