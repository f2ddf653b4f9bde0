package store

import (
	"strconv"

	"github.com/pkg/errors"
)

// AsMap asserts a map[string]interface{}, the shape every collection and
// collection member takes once unmarshalled from JSON.
func AsMap(v interface{}) (map[string]interface{}, bool) {
	m, ok := v.(map[string]interface{})
	return m, ok
}

// AsBool coerces a decoded JSON value into a bool. JSON booleans decode as
// bool directly; some addresses (old persisted documents, rule bodies)
// carry "true"/"false" strings instead.
func AsBool(v interface{}) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		if err != nil {
			return false, false
		}
		return b, true
	default:
		return false, false
	}
}

// AsInt coerces a decoded JSON value (float64 for numbers, or a numeric
// string) into an int.
func AsInt(v interface{}) (int, error) {
	switch t := v.(type) {
	case float64:
		return int(t), nil
	case int:
		return t, nil
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, errors.Wrapf(err, "value %q is not an integer", t)
		}
		return n, nil
	default:
		return 0, errors.Errorf("value %v is not an integer", v)
	}
}

// AsString coerces a decoded JSON value into a string.
func AsString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
