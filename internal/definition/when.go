package definition

import (
	"reflect"

	"github.com/rendis/waveflow/internal/engine"
	"github.com/rendis/waveflow/pkg/schema"
)

// condition turns a when clause into a step predicate. equals compares the
// context value with numbers widened to float64; exists tests key presence.
func condition(w *schema.WhenClause) func(engine.Context) bool {
	if w == nil {
		return nil
	}
	if w.Exists != nil {
		want := *w.Exists
		return func(c engine.Context) bool {
			_, ok := c.Get(w.Key)
			return ok == want
		}
	}
	expected := widen(w.Equals)
	return func(c engine.Context) bool {
		v, ok := c.Get(w.Key)
		if !ok {
			return false
		}
		return reflect.DeepEqual(widen(v), expected)
	}
}

func widen(v any) any {
	switch val := v.(type) {
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case uint:
		return float64(val)
	case uint64:
		return float64(val)
	case float32:
		return float64(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = widen(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = widen(item)
		}
		return out
	default:
		return v
	}
}
