package core

// Modifiers is an insertion-ordered mapping from modifier key to its raw
// argument string. Setting an existing key keeps its original position.
type Modifiers struct {
	keys   []string
	values map[string]string
}

// NewModifiers returns an empty set.
func NewModifiers() *Modifiers {
	return &Modifiers{values: make(map[string]string)}
}

// Set stores value under key.
func (m *Modifiers) Set(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Get returns the value for key and whether it was present.
func (m *Modifiers) Get(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	v, ok := m.values[key]
	return v, ok
}

// Has reports whether key is present.
func (m *Modifiers) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// First returns the value of the first present key among keys.
func (m *Modifiers) First(keys ...string) (string, bool) {
	for _, k := range keys {
		if v, ok := m.Get(k); ok {
			return v, true
		}
	}
	return "", false
}

// Delete removes key.
func (m *Modifiers) Delete(key string) {
	if m == nil {
		return
	}
	if _, ok := m.values[key]; !ok {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (m *Modifiers) Keys() []string {
	if m == nil {
		return nil
	}
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len returns the number of entries.
func (m *Modifiers) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Each calls fn for every entry in insertion order.
func (m *Modifiers) Each(fn func(key, value string)) {
	if m == nil {
		return
	}
	for _, k := range m.keys {
		fn(k, m.values[k])
	}
}

// Clone returns an independent copy.
func (m *Modifiers) Clone() *Modifiers {
	out := NewModifiers()
	m.Each(out.Set)
	return out
}

// Equal reports whether both sets hold the same entries in the same order.
func (m *Modifiers) Equal(o *Modifiers) bool {
	if m.Len() != o.Len() {
		return false
	}
	for i, k := range m.Keys() {
		if o.keys[i] != k || o.values[k] != m.values[k] {
			return false
		}
	}
	return true
}
