// Package attributes implements the layered node attribute store that recipes,
// templates and guards read from.
//
// Values are written into one of three layers and resolved at read time with
// the precedence default < computed < forced. Nested maps are deep-merged
// across layers, so a forced layer may override a single key of a default map.
package attributes

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no layer holds a value at a path.
var ErrNotFound = errors.New("attribute not found")

// Layer is an attribute precedence level.
type Layer int

const (
	// LayerDefault holds cookbook defaults.
	LayerDefault Layer = iota

	// LayerComputed holds values set while recipes evaluate.
	LayerComputed

	// LayerForced holds host facts and operator overrides.
	LayerForced
)

var layerNames = map[Layer]string{
	LayerDefault:  "default",
	LayerComputed: "computed",
	LayerForced:   "forced",
}

// String returns the layer name.
func (l Layer) String() string {
	if name, ok := layerNames[l]; ok {
		return name
	}
	return fmt.Sprintf("layer(%d)", int(l))
}

// ParseLayer parses a layer name.
func ParseLayer(s string) (Layer, error) {
	for l, name := range layerNames {
		if name == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown attribute layer: %s", s)
}

// Layers lists the layers from lowest to highest precedence.
func Layers() []Layer {
	return []Layer{LayerDefault, LayerComputed, LayerForced}
}

// Store is a layered attribute store. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	layers map[Layer]map[string]interface{}
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{layers: make(map[Layer]map[string]interface{})}
	for _, l := range Layers() {
		s.layers[l] = make(map[string]interface{})
	}
	return s
}

// Set writes a value at a dot-separated path in a layer.
func (s *Store) Set(layer Layer, path string, value interface{}) error {
	if err := checkLayer(layer); err != nil {
		return err
	}
	keys, err := splitPath(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return setPath(s.layers[layer], keys, normalize(value))
}

// SetUnless writes a value only if no layer holds one at the path yet.
// It reports whether the value was written.
func (s *Store) SetUnless(layer Layer, path string, value interface{}) (bool, error) {
	if err := checkLayer(layer); err != nil {
		return false, err
	}
	keys, err := splitPath(path)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := walk(s.mergedLocked(), keys); ok {
		return false, nil
	}
	return true, setPath(s.layers[layer], keys, normalize(value))
}

// Merge deep-merges a map into a layer. Values in data override existing ones.
func (s *Store) Merge(layer Layer, data map[string]interface{}) error {
	if err := checkLayer(layer); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	src, _ := normalize(data).(map[string]interface{})
	deepMerge(s.layers[layer], src)
	return nil
}

// LoadFile merges a YAML attribute file into a layer.
func (s *Store) LoadFile(layer Layer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read attribute file: %w", err)
	}
	var values map[string]interface{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse attribute file %s: %w", path, err)
	}
	if values == nil {
		return nil
	}
	return s.Merge(layer, values)
}

// Lookup resolves a path across layers. It satisfies engine.PropertySource.
func (s *Store) Lookup(path string) (interface{}, bool) {
	keys, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	merged := s.Merged()
	return walk(merged, keys)
}

// Get resolves a path across layers, returning ErrNotFound if it is unset.
func (s *Store) Get(path string) (interface{}, error) {
	v, ok := s.Lookup(path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return v, nil
}

// GetString resolves a path and formats scalar values as a string.
func (s *Store) GetString(path string) (string, error) {
	v, err := s.Get(path)
	if err != nil {
		return "", err
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case map[string]interface{}, []interface{}:
		return "", fmt.Errorf("attribute %s is not a scalar", path)
	default:
		return fmt.Sprint(val), nil
	}
}

// Origin returns the highest-precedence layer that sets a path.
func (s *Store) Origin(path string) (Layer, bool) {
	keys, err := splitPath(path)
	if err != nil {
		return 0, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	layers := Layers()
	for i := len(layers) - 1; i >= 0; i-- {
		if _, ok := walk(s.layers[layers[i]], keys); ok {
			return layers[i], true
		}
	}
	return 0, false
}

// Merged returns a deep copy of every layer merged by precedence.
func (s *Store) Merged() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.mergedLocked()
}

// Layer returns a deep copy of a single layer.
func (s *Store) Layer(layer Layer) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopy(s.layers[layer]).(map[string]interface{})
}

// Keys returns the sorted top-level keys of the merged view.
func (s *Store) Keys() []string {
	merged := s.Merged()
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) mergedLocked() map[string]interface{} {
	merged := make(map[string]interface{})
	for _, l := range Layers() {
		deepMerge(merged, s.layers[l])
	}
	return merged
}

// deepMerge copies src into dst. Maps present on both sides merge key by key;
// any other src value replaces the dst value, including false, zero and empty.
func deepMerge(dst, src map[string]interface{}) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]interface{}); ok {
			if dstMap, ok := dst[k].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[k] = deepCopy(v)
	}
}

func checkLayer(l Layer) error {
	if _, ok := layerNames[l]; !ok {
		return fmt.Errorf("unknown attribute layer: %d", int(l))
	}
	return nil
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("attribute path is empty")
	}
	keys := strings.Split(path, ".")
	for _, k := range keys {
		if k == "" {
			return nil, fmt.Errorf("invalid attribute path: %q", path)
		}
	}
	return keys, nil
}

func walk(m map[string]interface{}, keys []string) (interface{}, bool) {
	var cur interface{} = m
	for _, k := range keys {
		node, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = node[k]
		if !ok {
			return nil, false
		}
	}
	return deepCopy(cur), true
}

func setPath(m map[string]interface{}, keys []string, value interface{}) error {
	node := m
	for i, k := range keys[:len(keys)-1] {
		next, ok := node[k]
		if !ok {
			child := make(map[string]interface{})
			node[k] = child
			node = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("attribute %s is not a map", strings.Join(keys[:i+1], "."))
		}
		node = child
	}
	node[keys[len(keys)-1]] = value
	return nil
}

// normalize converts nested maps into map[string]interface{} so that walk and
// deepMerge see a single map type.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = normalize(item)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[fmt.Sprint(k)] = normalize(item)
		}
		return out
	case map[string]string:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = item
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = normalize(item)
		}
		return out
	case []string:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	default:
		return v
	}
}

func deepCopy(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			out[k] = deepCopy(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
