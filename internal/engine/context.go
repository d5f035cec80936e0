package engine

import (
	"encoding/json"
	"slices"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Context is the immutable, insertion-ordered key/value bag shared by the
// steps of a run. Seed fields come first, followed by step results keyed by
// step ID. Every update returns a new Context; the receiver is never
// modified. The zero value is an empty context.
type Context struct {
	m *orderedmap.OrderedMap[string, any]
}

// NewContext builds a context from seed. Map iteration order is undefined,
// so keys are inserted in sorted order.
func NewContext(seed map[string]any) Context {
	keys := make([]string, 0, len(seed))
	for k := range seed {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	m := orderedmap.New[string, any]()
	for _, k := range keys {
		m.Set(k, seed[k])
	}
	return Context{m: m}
}

// Get returns the value stored under key.
func (c Context) Get(key string) (any, bool) {
	if c.m == nil {
		return nil, false
	}
	return c.m.Get(key)
}

// Len returns the number of keys.
func (c Context) Len() int {
	if c.m == nil {
		return 0
	}
	return c.m.Len()
}

// Keys returns the keys in insertion order.
func (c Context) Keys() []string {
	keys := make([]string, 0, c.Len())
	c.each(func(k string, _ any) { keys = append(keys, k) })
	return keys
}

// Map returns a shallow copy as a plain map.
func (c Context) Map() map[string]any {
	out := make(map[string]any, c.Len())
	c.each(func(k string, v any) { out[k] = v })
	return out
}

// With returns a copy with key set to value. An existing key keeps its
// position.
func (c Context) With(key string, value any) Context {
	m := c.clone()
	m.Set(key, value)
	return Context{m: m}
}

// Without returns a copy with key removed.
func (c Context) Without(key string) Context {
	m := c.clone()
	m.Delete(key)
	return Context{m: m}
}

// Merge returns a copy with every entry of other applied in other's order.
func (c Context) Merge(other Context) Context {
	m := c.clone()
	other.each(func(k string, v any) { m.Set(k, v) })
	return Context{m: m}
}

// MarshalJSON encodes the context as a JSON object preserving key order.
func (c Context) MarshalJSON() ([]byte, error) {
	if c.m == nil {
		return []byte("{}"), nil
	}
	return c.m.MarshalJSON()
}

// UnmarshalJSON decodes a JSON object, keeping the document's key order.
func (c *Context) UnmarshalJSON(data []byte) error {
	m := orderedmap.New[string, any]()
	if err := json.Unmarshal(data, m); err != nil {
		return err
	}
	c.m = m
	return nil
}

func (c Context) same(other Context) bool {
	return c.m == other.m
}

func (c Context) clone() *orderedmap.OrderedMap[string, any] {
	m := orderedmap.New[string, any]()
	c.each(func(k string, v any) { m.Set(k, v) })
	return m
}

func (c Context) each(fn func(k string, v any)) {
	if c.m == nil {
		return
	}
	for p := c.m.Oldest(); p != nil; p = p.Next() {
		fn(p.Key, p.Value)
	}
}
