package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
)

// ProgressData is the serialized progress of one scope, keyed by extension name.
type ProgressData map[string]json.RawMessage

// ProgressDocument is the progress side channel of a job: its own scope plus every site.
type ProgressDocument struct {
	Job   ProgressData               `json:"job,omitempty"`
	Sites map[uuid.UUID]ProgressData `json:"sites,omitempty"`
}

// ProgressKey names a typed progress extension.
type ProgressKey[T any] struct {
	name string
}

func NewProgressKey[T any](name string) ProgressKey[T] {
	return ProgressKey[T]{name: name}
}

func (k ProgressKey[T]) Name() string {
	return k.name
}

// Progress holds the progress extensions of one scope. Entries loaded from storage stay
// raw until a step first asks for them under a typed key.
type Progress struct {
	mu      sync.Mutex
	entries map[string]any
}

func NewProgress() *Progress {
	return &Progress{entries: make(map[string]any)}
}

func LoadProgress(data ProgressData) *Progress {
	p := NewProgress()
	for k, v := range data {
		p.entries[k] = v
	}
	return p
}

// entry returns the value under key, inserting a zero T if absent.
// Caller must hold p.mu.
func entry[T any](p *Progress, key ProgressKey[T]) (*T, error) {
	switch v := p.entries[key.name].(type) {
	case *T:
		return v, nil
	case nil:
		t := new(T)
		p.entries[key.name] = t
		return t, nil
	case json.RawMessage:
		t := new(T)
		if err := json.Unmarshal(v, t); err != nil {
			return nil, fmt.Errorf("decode progress %q: %w", key.name, err)
		}
		p.entries[key.name] = t
		return t, nil
	default:
		return nil, fmt.Errorf("progress %q holds %T", key.name, v)
	}
}

// UpdateProgress runs fn on the extension stored under key, creating it if needed.
func UpdateProgress[T any](p *Progress, key ProgressKey[T], fn func(*T)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := entry(p, key)
	if err != nil {
		return err
	}
	fn(t)
	return nil
}

// ReadProgress returns a copy of the extension stored under key.
func ReadProgress[T any](p *Progress, key ProgressKey[T]) (T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := entry(p, key)
	if err != nil {
		var zero T
		return zero, err
	}
	return *t, nil
}

func (p *Progress) Marshal() (ProgressData, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(ProgressData, len(p.entries))
	for k, v := range p.entries {
		if raw, ok := v.(json.RawMessage); ok {
			out[k] = raw
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode progress %q: %w", k, err)
		}
		out[k] = raw
	}
	return out, nil
}

func (d ProgressDocument) Clone() ProgressDocument {
	c := ProgressDocument{Job: maps.Clone(d.Job)}
	if d.Sites != nil {
		c.Sites = make(map[uuid.UUID]ProgressData, len(d.Sites))
		for id, data := range d.Sites {
			c.Sites[id] = maps.Clone(data)
		}
	}
	return c
}
