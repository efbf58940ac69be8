// Package cimap implements a map keyed by string but folding case on every
// access, used by the Discovery Handler Registry (protocol names) where
// callers cannot be relied on to normalize case themselves.
package cimap

import "strings"

// Map is a case-insensitive map[string]V. The zero value is ready to use.
type Map[V any] struct {
	entries map[string]entry[V]
}

type entry[V any] struct {
	key   string
	value V
}

func fold(key string) string {
	return strings.ToLower(key)
}

// Get returns the value stored under key (folded) and whether it was found.
func (m *Map[V]) Get(key string) (V, bool) {
	if m.entries == nil {
		var zero V
		return zero, false
	}
	e, ok := m.entries[fold(key)]
	return e.value, ok
}

// Set stores val under key, overwriting any existing entry that folds to
// the same key (preserving the originally-inserted casing for Keys()).
func (m *Map[V]) Set(key string, val V) {
	if m.entries == nil {
		m.entries = make(map[string]entry[V])
	}
	folded := fold(key)
	original := key
	if existing, ok := m.entries[folded]; ok {
		original = existing.key
	}
	m.entries[folded] = entry[V]{key: original, value: val}
}

// Delete removes the entry for key, if any.
func (m *Map[V]) Delete(key string) {
	if m.entries == nil {
		return
	}
	delete(m.entries, fold(key))
}

// Len reports the number of entries.
func (m *Map[V]) Len() int {
	return len(m.entries)
}

// Keys returns the originally-inserted casing of every stored key, in no
// particular order.
func (m *Map[V]) Keys() []string {
	keys := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		keys = append(keys, e.key)
	}
	return keys
}

// Range calls f for every entry, in no particular order. Iteration stops
// early if f returns false.
func (m *Map[V]) Range(f func(key string, val V) bool) {
	for _, e := range m.entries {
		if !f(e.key, e.value) {
			return
		}
	}
}
