package state

import (
	"fmt"
	"sort"
	"sync"
)

// Registry owns named state containers and aggregates their change
// streams into one global stream.
type Registry struct {
	mu         sync.RWMutex
	containers map[string]container
	observers  map[int]Observer
	nextID     int
}

// NewRegistry creates an empty state registry.
func NewRegistry() *Registry {
	return &Registry{
		containers: make(map[string]container),
		observers:  make(map[int]Observer),
	}
}

// RegisterMutable creates a mutable container under key. Registering
// a duplicate key is an error.
func RegisterMutable[T any](r *Registry, key string, initial T) (*Mutable[T], error) {
	c, err := register(r, key, initial)
	if err != nil {
		return nil, err
	}
	return &Mutable[T]{core: c}, nil
}

// RegisterImmutable creates a copy-on-write container under key.
// Registering a duplicate key is an error.
func RegisterImmutable[T any](r *Registry, key string, initial T) (*Immutable[T], error) {
	c, err := register(r, key, initial)
	if err != nil {
		return nil, err
	}
	return &Immutable[T]{core: c}, nil
}

// GetMutable returns a mutable handle on the container registered
// under key, if its value type is T. As with channels, the variant
// and value type of a key are the callers' out-of-band agreement.
func GetMutable[T any](r *Registry, key string) (*Mutable[T], bool) {
	c, ok := lookup[T](r, key)
	if !ok {
		return nil, false
	}
	return &Mutable[T]{core: c}, true
}

// GetImmutable returns a copy-on-write handle on the container
// registered under key, if its value type is T.
func GetImmutable[T any](r *Registry, key string) (*Immutable[T], bool) {
	c, ok := lookup[T](r, key)
	if !ok {
		return nil, false
	}
	return &Immutable[T]{core: c}, true
}

func lookup[T any](r *Registry, key string) (*core[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.containers[key].(*core[T])
	return c, ok
}

func register[T any](r *Registry, key string, initial T) (*core[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.containers[key]; exists {
		return nil, fmt.Errorf("state: container %q: %w", key, ErrDuplicateKey)
	}
	c := &core[T]{
		key:       key,
		reg:       r,
		val:       initial,
		observers: make(map[int]Observer),
	}
	r.containers[key] = c
	return c, nil
}

// Subscribe registers an observer on the global change stream; every
// change to any registered container is delivered to it. Returns an
// unsubscribe function.
func (r *Registry) Subscribe(obs Observer) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.observers[id] = obs
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.observers, id)
	}
}

// snapshotObserversLocked returns the global observers if the key is
// still registered. Containers dropped by Clear no longer feed the
// global stream. Must be called with r.mu held.
func (r *Registry) snapshotObserversLocked(key string) []Observer {
	if _, registered := r.containers[key]; !registered {
		return nil
	}
	out := make([]Observer, 0, len(r.observers))
	for _, obs := range r.observers {
		out = append(out, obs)
	}
	return out
}

// Snapshot returns a plain map of key to current value for every
// registered container.
func (r *Registry) Snapshot() map[string]any {
	r.mu.RLock()
	containers := make([]container, 0, len(r.containers))
	for _, c := range r.containers {
		containers = append(containers, c)
	}
	r.mu.RUnlock()

	snap := make(map[string]any, len(containers))
	for _, c := range containers {
		snap[c.containerKey()] = c.currentValue()
	}
	return snap
}

// Restore sets every container whose key appears in the snapshot,
// leaving others untouched. Unknown snapshot keys are ignored.
func (r *Registry) Restore(snapshot map[string]any) error {
	r.mu.RLock()
	containers := make([]container, 0, len(r.containers))
	for _, c := range r.containers {
		containers = append(containers, c)
	}
	r.mu.RUnlock()

	for _, c := range containers {
		v, ok := snapshot[c.containerKey()]
		if !ok {
			continue
		}
		if err := c.restoreValue(v); err != nil {
			return err
		}
	}
	return nil
}

// Clear drops all containers without emitting change events. Handles
// held by callers become detached: their mutations still work locally
// but no longer reach the global stream.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.containers = make(map[string]container)
}

// Keys returns the sorted keys of all registered containers.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.containers))
	for key := range r.containers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of registered containers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.containers)
}
