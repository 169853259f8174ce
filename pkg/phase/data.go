package phase

import (
	"fmt"
	"strconv"
)

// Accessors for the raw phase data. Implementations read their own keys
// through these so type errors come out uniform across every how.

// String reads an optional string key. Absent keys yield "".
func (c Config) String(key string) (string, error) {
	return stringValue(c.Data, key)
}

// Int reads an optional integer key, falling back when the key is absent.
func (c Config) Int(key string, fallback int) (int, error) {
	return intValue(c.Data, key, fallback)
}

// Bool reads an optional boolean key.
func (c Config) Bool(key string, fallback bool) (bool, error) {
	v, ok := c.Data[key]
	if !ok || v == nil {
		return fallback, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%s must be a boolean, got %T", key, v)
	}
	return b, nil
}

// StringList reads a key that may be a single string or a list of strings.
func (c Config) StringList(key string) ([]string, error) {
	return stringListValue(c.Data, key)
}

// StringMap reads a mapping key such as an environment block. Scalar
// values are rendered to strings the way the metadata layer renders them.
func (c Config) StringMap(key string) (map[string]string, error) {
	v, ok := c.Data[key]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be a mapping, got %T", key, v)
	}
	out := make(map[string]string, len(m))
	for k, item := range m {
		s, ok := scalarToString(item)
		if !ok {
			return nil, fmt.Errorf("%s.%s must be a scalar, got %T", key, k, item)
		}
		out[k] = s
	}
	return out, nil
}

func scalarToString(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	}
	return "", false
}
