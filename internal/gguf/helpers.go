package gguf

import "fmt"

// Metadata is the key/value section of a GGUF file.
type Metadata map[string]Value

// String returns the string stored under key.
func (m Metadata) String(key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.Value.(string)
	return s, ok
}

// Bool returns the bool stored under key.
func (m Metadata) Bool(key string) (bool, bool) {
	v, ok := m[key]
	if !ok {
		return false, false
	}
	b, ok := v.Value.(bool)
	return b, ok
}

// Uint returns a non-negative integer stored under key, whatever its width.
func (m Metadata) Uint(key string) (uint64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	return asUint64(v.Value)
}

// Int returns an integer stored under key, whatever its width.
func (m Metadata) Int(key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch t := v.Value.(type) {
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	}
	if u, ok := asUint64(v.Value); ok && u <= 1<<63-1 {
		return int64(u), true
	}
	return 0, false
}

// Float returns a float stored under key.
func (m Metadata) Float(key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch t := v.Value.(type) {
	case float32:
		return float64(t), true
	case float64:
		return t, true
	}
	return 0, false
}

// Len returns the element count of the array under key, or -1.
func (m Metadata) Len(key string) int {
	arr, ok := m[key].Value.(ArrayValue)
	if !ok {
		return -1
	}
	return len(arr.Values)
}

// Require returns the string under key or an error naming the key.
func (m Metadata) Require(key string) (string, error) {
	if s, ok := m.String(key); ok {
		return s, nil
	}
	return "", fmt.Errorf("missing or invalid %s", key)
}

// Array returns the array under key as []T. It fails if any element is not a T.
func Array[T any](m Metadata, key string) ([]T, bool) {
	arr, ok := m[key].Value.(ArrayValue)
	if !ok {
		return nil, false
	}
	out := make([]T, 0, len(arr.Values))
	for _, item := range arr.Values {
		v, ok := item.(T)
		if !ok {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

func asUint64(v any) (uint64, bool) {
	switch t := v.(type) {
	case uint8:
		return uint64(t), true
	case uint16:
		return uint64(t), true
	case uint32:
		return uint64(t), true
	case uint64:
		return t, true
	case int8:
		return uint64(t), t >= 0
	case int16:
		return uint64(t), t >= 0
	case int32:
		return uint64(t), t >= 0
	case int64:
		return uint64(t), t >= 0
	}
	return 0, false
}
