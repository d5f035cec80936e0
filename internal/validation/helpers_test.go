package validation

import "strings"

type mockActionLookup struct {
	registered map[string]bool
}

func (m *mockActionLookup) Has(name string) bool {
	return m.registered[name]
}

func newMockLookup(names ...string) *mockActionLookup {
	m := &mockActionLookup{registered: make(map[string]bool)}
	for _, n := range names {
		m.registered[n] = true
	}
	return m
}

func contains(s, sub string) bool {
	return strings.Contains(s, sub)
}
