package accel

import (
	"fmt"
	"sort"
	"sync"
)

// Keys understood by the image conversion chip.
const (
	ParamInputFormat  = "image.input.format"
	ParamInputSize    = "image.input.size"
	ParamOutputFormat = "image.output.format"
	ParamOutputSize   = "image.output.size"
)

// Image formats for the Param*Format keys.
const (
	FormatNV12           = "nv12"
	FormatRGBInterleaved = "rgb-interleaved"
)

// Map is a typed key/value parameter set passed to LoadModel or CreateJob.
type Map struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{values: make(map[string]interface{})}
}

// SetStr stores a string value.
func (m *Map) SetStr(key, value string) {
	m.set(key, value)
}

// SetInt stores an integer value.
func (m *Map) SetInt(key string, value int64) {
	m.set(key, value)
}

// SetIntArr2 stores a pair of integers, e.g. a width and height.
func (m *Map) SetIntArr2(key string, v0, v1 int64) {
	m.set(key, [2]int64{v0, v1})
}

func (m *Map) set(key string, value interface{}) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
}

// GetStr returns a string value.
func (m *Map) GetStr(key string) (string, error) {
	v, err := m.get(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %q is %T, not a string", key, v)
	}
	return s, nil
}

// GetInt returns an integer value.
func (m *Map) GetInt(key string) (int64, error) {
	v, err := m.get(key)
	if err != nil {
		return 0, err
	}
	i, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("parameter %q is %T, not an integer", key, v)
	}
	return i, nil
}

// GetIntArr2 returns a pair of integers.
func (m *Map) GetIntArr2(key string) (int64, int64, error) {
	v, err := m.get(key)
	if err != nil {
		return 0, 0, err
	}
	a, ok := v.([2]int64)
	if !ok {
		return 0, 0, fmt.Errorf("parameter %q is %T, not an integer pair", key, v)
	}
	return a[0], a[1], nil
}

func (m *Map) get(key string) (interface{}, error) {
	if m == nil {
		return nil, fmt.Errorf("parameter %q: no parameters", key)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, fmt.Errorf("parameter %q not set", key)
	}
	return v, nil
}

// Keys returns the set keys in sorted order.
func (m *Map) Keys() []string {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keysLocked()
}

// String renders the map for logs.
func (m *Map) String() string {
	if m == nil {
		return "{}"
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := "{"
	for i, k := range m.keysLocked() {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s=%v", k, m.values[k])
	}
	return s + "}"
}

func (m *Map) keysLocked() []string {
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
