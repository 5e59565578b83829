package entry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader converts between a file format and a plain record. Records hold
// only JSON-compatible values: maps, slices, strings, float64, bools, nil.
type Loader interface {
	Parse(data []byte) (map[string]any, error)
	Format(record map[string]any) ([]byte, error)
}

// Registry maps file extensions to loaders.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]Loader
}

func NewRegistry() *Registry {
	return &Registry{loaders: make(map[string]Loader)}
}

// DefaultRegistry knows json, yaml and yml.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("json", JSONLoader{})
	r.Register("yaml", YAMLLoader{})
	r.Register("yml", YAMLLoader{})
	return r
}

func (r *Registry) Register(ext string, l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[ext] = l
}

func (r *Registry) Get(ext string) (Loader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.loaders[ext]
	return l, ok
}

func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.loaders))
	for ext := range r.loaders {
		out = append(out, ext)
	}
	sort.Strings(out)
	return out
}

// JSONLoader writes 2-space indented JSON with sorted keys.
type JSONLoader struct{}

func (JSONLoader) Parse(data []byte) (map[string]any, error) {
	var rec map[string]any
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("expected an object")
	}
	return rec, nil
}

func (JSONLoader) Format(record map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(record); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type YAMLLoader struct{}

func (YAMLLoader) Parse(data []byte) (map[string]any, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("expected a mapping")
	}
	return normalize(raw)
}

func (YAMLLoader) Format(record map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(record); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalize passes a decoded value through encoding/json so YAML ints,
// timestamps and the like become the same types a JSON file produces.
func normalize(v map[string]any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
