package crdt

import "encoding/json"

// propertyValue is one last-writer-wins register: the raw JSON value of
// a field together with the stamp of the write that set it.
type propertyValue struct {
	raw   json.RawMessage
	stamp Stamp
}

// propertyMap is a map of field name to LWW register. It has no
// locking of its own; Document serializes access.
type propertyMap struct {
	values map[string]propertyValue
}

func newPropertyMap() propertyMap {
	return propertyMap{values: make(map[string]propertyValue)}
}

// set applies a stamped write and reports whether it took effect. A
// write loses when the register already holds a value with a stamp
// that is not superseded, which makes replayed and stale writes no-ops.
func (m *propertyMap) set(key string, raw json.RawMessage, st Stamp) bool {
	cur, ok := m.values[key]
	if ok && !st.After(cur.stamp) {
		return false
	}
	m.values[key] = propertyValue{raw: cloneRaw(raw), stamp: st}
	return true
}

// get returns the current value of a field.
func (m *propertyMap) get(key string) (json.RawMessage, bool) {
	v, ok := m.values[key]
	if !ok {
		return nil, false
	}
	return cloneRaw(v.raw), true
}

// snapshot returns a copy of all current field values.
func (m *propertyMap) snapshot() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(m.values))
	for k, v := range m.values {
		out[k] = cloneRaw(v.raw)
	}
	return out
}

// deltas returns every register as a PropDelta, for full-state encoding.
func (m *propertyMap) deltas() []PropDelta {
	out := make([]PropDelta, 0, len(m.values))
	for k, v := range m.values {
		out = append(out, PropDelta{Key: k, Value: cloneRaw(v.raw), Stamp: v.stamp})
	}
	return out
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
