package ops

import (
	"encoding/json"
	"math"

	"github.com/CIRWEL/unitares/pkg/models"
)

// Args is the structured argument bundle of one operation call. Values carry
// the types encoding/json produces: string, float64, bool, []any,
// map[string]any. Accessors convert and report MISSING_PARAMETER or
// INVALID_PARAMETER_TYPE with the parameter name in the details.
type Args map[string]any

// Has reports whether the parameter is present and non-null.
func (a Args) Has(name string) bool {
	v, ok := a[name]
	return ok && v != nil
}

// String returns a required string parameter.
func (a Args) String(name string) (string, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return "", missing(name)
	}
	s, ok := v.(string)
	if !ok {
		return "", wrongType(name, "string", v)
	}
	return s, nil
}

// OptString returns a string parameter or "" when absent.
func (a Args) OptString(name string) (string, error) {
	if !a.Has(name) {
		return "", nil
	}
	return a.String(name)
}

// OptBool returns a bool parameter or false when absent.
func (a Args) OptBool(name string) (bool, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, wrongType(name, "boolean", v)
	}
	return b, nil
}

// OptFloat returns a numeric parameter, nil when absent.
func (a Args) OptFloat(name string) (*float64, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return nil, nil
	}
	f, ok := asFloat(v)
	if !ok {
		return nil, wrongType(name, "number", v)
	}
	return &f, nil
}

// Int returns a required integer parameter. JSON numbers arrive as float64;
// fractional values are rejected rather than truncated.
func (a Args) Int(name string) (int, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return 0, missing(name)
	}
	f, ok := asFloat(v)
	if !ok || f != math.Trunc(f) {
		return 0, wrongType(name, "integer", v)
	}
	return int(f), nil
}

// OptInt returns an integer parameter or def when absent.
func (a Args) OptInt(name string, def int) (int, error) {
	if !a.Has(name) {
		return def, nil
	}
	return a.Int(name)
}

// Floats returns a required numeric vector.
func (a Args) Floats(name string) ([]float64, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return nil, missing(name)
	}
	return floatSlice(name, v)
}

// OptFloats returns a numeric vector, nil when absent.
func (a Args) OptFloats(name string) ([]float64, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return nil, nil
	}
	return floatSlice(name, v)
}

// OptStrings returns a string list, nil when absent.
func (a Args) OptStrings(name string) ([]string, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return nil, nil
	}
	if direct, ok := v.([]string); ok {
		return direct, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, wrongType(name, "array of strings", v)
	}
	out := make([]string, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, wrongType(name, "array of strings", item)
		}
		out[i] = s
	}
	return out, nil
}

// OptMap returns an object parameter, nil when absent.
func (a Args) OptMap(name string) (map[string]any, error) {
	v, ok := a[name]
	if !ok || v == nil {
		return nil, nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, wrongType(name, "object", v)
	}
	return m, nil
}

// Map returns a required object parameter.
func (a Args) Map(name string) (map[string]any, error) {
	if !a.Has(name) {
		return nil, missing(name)
	}
	return a.OptMap(name)
}

// Decode unmarshals a structured parameter into out via a JSON round-trip,
// so loosely typed bundles reuse the model types' own tags and validation.
func (a Args) Decode(name string, out any) error {
	v, ok := a[name]
	if !ok || v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return wrongType(name, "object", v)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return models.NewError(models.ErrCodeInvalidParameterType,
			"parameter %q does not match the expected shape: %v", name, err).
			WithDetails(map[string]any{"parameter": name})
	}
	return nil
}

func floatSlice(name string, v any) ([]float64, error) {
	if direct, ok := v.([]float64); ok {
		return direct, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, wrongType(name, "array of numbers", v)
	}
	out := make([]float64, len(items))
	for i, item := range items {
		f, ok := asFloat(item)
		if !ok {
			return nil, wrongType(name, "array of numbers", item)
		}
		out[i] = f
	}
	return out, nil
}

// asFloat widens the numeric types a bundle may carry: float64 from JSON,
// int family from in-process callers.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func missing(name string) error {
	return models.NewError(models.ErrCodeMissingParameter, "parameter %q is required", name).
		WithDetails(map[string]any{"parameter": name})
}

func wrongType(name, expected string, got any) error {
	return models.NewError(models.ErrCodeInvalidParameterType,
		"parameter %q must be a %s", name, expected).
		WithDetails(map[string]any{"parameter": name, "expected": expected, "got": jsonTypeName(got)})
}

func jsonTypeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64, float32, int, int32, int64:
		return "number"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}
