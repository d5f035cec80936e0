package expressions

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/rendis/waveflow/pkg/schema"
)

// Interpolate resolves ${{ path }} references in string params against the
// workflow context. A string that is exactly one reference takes the
// referenced value with its type intact; references embedded in longer
// strings are stringified. Maps and slices are walked recursively and the
// input is never modified.
//
// Paths are dot-delimited, optionally prefixed with "context.".
func Interpolate(params map[string]any, data map[string]any) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	out, err := interpolateValue(params, data)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// HasInterpolation reports whether any string in params contains a reference.
func HasInterpolation(params map[string]any) bool {
	found := false
	walkStrings(params, func(s string) {
		if strings.Contains(s, "${{") {
			found = true
		}
	})
	return found
}

func interpolateValue(v any, data map[string]any) (any, error) {
	switch val := v.(type) {
	case string:
		return interpolateString(val, data)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := interpolateValue(item, data)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := interpolateValue(item, data)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return v, nil
	}
}

func interpolateString(input string, data map[string]any) (any, error) {
	if !strings.Contains(input, "${{") {
		return input, nil
	}

	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, "${{") && strings.HasSuffix(trimmed, "}}") &&
		strings.Count(trimmed, "${{") == 1 && strings.Index(trimmed, "}}") == len(trimmed)-2 {
		return resolvePath(strings.TrimSpace(trimmed[3:len(trimmed)-2]), data)
	}

	var result strings.Builder
	result.Grow(len(input))

	i := 0
	for i < len(input) {
		idx := strings.Index(input[i:], "${{")
		if idx == -1 {
			result.WriteString(input[i:])
			break
		}

		result.WriteString(input[i : i+idx])
		start := i + idx + 3

		end := strings.Index(input[start:], "}}")
		if end == -1 {
			return nil, schema.NewError(schema.ErrCodeInterpolation, "unclosed ${{ expression")
		}
		end += start

		val, err := resolvePath(strings.TrimSpace(input[start:end]), data)
		if err != nil {
			return nil, err
		}
		result.WriteString(marshalInline(val))

		i = end + 2
	}

	return result.String(), nil
}

func resolvePath(expr string, data map[string]any) (any, error) {
	if expr == "" {
		return nil, schema.NewError(schema.ErrCodeInterpolation, "empty variable reference: ${{  }}")
	}
	if strings.Contains(expr, "${{") {
		return nil, schema.NewError(schema.ErrCodeInterpolation,
			"nested interpolation not allowed: ${{...}} cannot contain ${{")
	}

	path := strings.TrimPrefix(expr, "context.")

	// Direct key lookup first so keys containing dots still resolve.
	if val, ok := data[path]; ok {
		return val, nil
	}

	var current any = data
	for i, seg := range strings.Split(path, ".") {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"empty segment in path %q at position %d", expr, i).
				WithDetails(map[string]any{"expression": expr})
		}
		m, ok := current.(map[string]any)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, expr, current).
				WithDetails(map[string]any{"expression": expr})
		}
		val, ok := m[seg]
		if !ok {
			available := mapKeys(m)
			return nil, schema.NewErrorf(schema.ErrCodeInterpolation,
				"field %q not found in %q; available: [%s]", seg, expr, strings.Join(available, ", ")).
				WithDetails(map[string]any{"expression": expr, "available_fields": available})
		}
		current = val
	}
	return current, nil
}

// marshalInline renders a resolved value for embedding inside a string.
func marshalInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func mapKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func walkStrings(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	case []any:
		for _, item := range val {
			walkStrings(item, fn)
		}
	}
}
