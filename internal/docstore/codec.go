package docstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// timeKey wraps timestamps in the JSON encoding so they decode back to
// time.Time instead of strings.
const timeKey = "__time__"

// timeLayout is fixed width in UTC so encoded timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Normalize converts v into the package value model. Every number becomes
// float64, timestamps become UTC time.Time, and typed slices and maps
// become []any and map[string]any.
func Normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string, bool, float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int8:
		return float64(t), nil
	case int16:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case uint:
		return float64(t), nil
	case uint8:
		return float64(t), nil
	case uint16:
		return float64(t), nil
	case uint32:
		return float64(t), nil
	case uint64:
		return float64(t), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", t, err)
		}
		return f, nil
	case time.Time:
		return t.UTC(), nil
	case *time.Time:
		if t == nil {
			return nil, nil
		}
		return t.UTC(), nil
	case Fields:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			n, err := Normalize(e)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	}

	if IsDeleteField(v) {
		return v, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			n, err := Normalize(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			n, err := Normalize(iter.Value().Interface())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = n
		}
		return out, nil
	case reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return Normalize(rv.Elem().Interface())
	}

	return nil, fmt.Errorf("unsupported value type %T", v)
}

func normalizeMap(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, e := range m {
		n, err := Normalize(e)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

// NormalizeFields normalizes every value of f.
func NormalizeFields(f Fields) (Fields, error) {
	m, err := normalizeMap(f)
	if err != nil {
		return nil, err
	}
	return Fields(m), nil
}

// encodeJSON serializes fields for the SQLite backend.
func encodeJSON(f Fields) ([]byte, error) {
	enc, err := encodeValue(map[string]any(stripDeletes(f)))
	if err != nil {
		return nil, err
	}
	return json.Marshal(enc)
}

func encodeValue(v any) (any, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	return wrapTimes(n), nil
}

func wrapTimes(v any) any {
	switch t := v.(type) {
	case time.Time:
		return map[string]any{timeKey: t.UTC().Format(timeLayout)}
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = wrapTimes(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = wrapTimes(e)
		}
		return out
	}
	return v
}

// decodeJSON parses fields written by encodeJSON.
func decodeJSON(data []byte) (Fields, error) {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	out := make(Fields, len(raw))
	for k, v := range raw {
		out[k] = unwrapTimes(v)
	}
	return out, nil
}

func unwrapTimes(v any) any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 1 {
			if s, ok := t[timeKey].(string); ok {
				if ts, err := time.Parse(timeLayout, s); err == nil {
					return ts.UTC()
				}
			}
		}
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = unwrapTimes(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = unwrapTimes(e)
		}
		return out
	}
	return v
}

// sqlArg converts a filter or cursor value into the representation the
// SQLite backend compares against json_extract results.
func sqlArg(v any) (any, error) {
	n, err := Normalize(v)
	if err != nil {
		return nil, err
	}
	switch t := n.(type) {
	case bool:
		if t {
			return int64(1), nil
		}
		return int64(0), nil
	case time.Time:
		return t.UTC().Format(timeLayout), nil
	case map[string]any, []any:
		return nil, fmt.Errorf("cannot compare against %T", v)
	}
	return n, nil
}
