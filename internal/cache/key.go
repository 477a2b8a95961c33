package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrVersionEmpty is returned when a key is requested without a model version.
var ErrVersionEmpty = errors.New("cache: model version id is required")

// Key derives the content address for a generation request:
// "{versionID}/{hex sha256 of canonical inputs}". Inputs are canonicalized
// so that key order and integral float encodings do not affect the result.
func Key(versionID string, inputs map[string]any) (string, error) {
	if versionID == "" {
		return "", ErrVersionEmpty
	}
	canonical, err := canonicalInputs(inputs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return versionID + "/" + hex.EncodeToString(sum[:]), nil
}

// canonicalInputs encodes inputs as a JSON array of [key, value] pairs sorted by key.
func canonicalInputs(inputs map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]any, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, [2]any{k, normalize(inputs[k])})
	}
	b, err := json.Marshal(pairs)
	if err != nil {
		return nil, fmt.Errorf("cache: encode inputs: %w", err)
	}
	return b, nil
}

// normalize folds numeric representations that decode differently but mean
// the same value: 42.0 and 42 hash alike, as do []any{1.0, 2.0} and []int{1, 2}.
func normalize(v any) any {
	switch t := v.(type) {
	case float64:
		return normalizeFloat(t)
	case float32:
		return normalizeFloat(float64(t))
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return normalizeFloat(f)
		}
		return t.String()
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case []int:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = int64(n)
		}
		return out
	case []int64:
		out := make([]any, len(t))
		for i, n := range t {
			out[i] = n
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

func normalizeFloat(f float64) any {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
		return int64(f)
	}
	return f
}
