// Package state provides named state containers with change
// notification and snapshot/restore. Containers come in two variants:
// mutable (in-place replacement) and immutable (every update produces
// a structurally fresh value, so earlier snapshots stay valid).
package state

import (
	"errors"
	"fmt"
	"reflect"
	"time"
)

// Change describes a single container mutation.
type Change struct {
	Key       string
	OldValue  any
	NewValue  any
	Timestamp time.Time
}

// Observer receives change notifications.
type Observer func(Change)

// ErrDuplicateKey is returned when registering a container under a
// key that is already taken.
var ErrDuplicateKey = errors.New("state key already registered")

// ErrTypeMismatch is returned when restoring a snapshot value whose
// type does not match the container's.
var ErrTypeMismatch = errors.New("snapshot value type mismatch")

// container is the untyped view the registry keeps of every typed
// container.
type container interface {
	containerKey() string
	currentValue() any
	restoreValue(v any) error
}

// cloneRoot shallow-copies the root of a map or slice value so an
// updater can mutate the draft without aliasing the previous value.
// Other kinds are already copied by value.
func cloneRoot[T any](v T) T {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		if rv.IsNil() {
			return v
		}
		clone := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			clone.SetMapIndex(iter.Key(), iter.Value())
		}
		return clone.Interface().(T)
	case reflect.Slice:
		if rv.IsNil() {
			return v
		}
		clone := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		reflect.Copy(clone, rv)
		return clone.Interface().(T)
	default:
		return v
	}
}

// Mutable is a state container whose value is replaced in place.
type Mutable[T any] struct {
	core *core[T]
}

// Get returns the current value.
func (m *Mutable[T]) Get() T { return m.core.get() }

// Set replaces the value and notifies subscribers.
func (m *Mutable[T]) Set(v T) { m.core.set(v) }

// Update applies fn to the current value and stores the result. The
// update is atomic: fn runs under the registry lock and must not call
// back into any container or the registry.
func (m *Mutable[T]) Update(fn func(T) T) { m.core.update(fn) }

// Subscribe registers an observer for this container's changes and
// returns an unsubscribe function.
func (m *Mutable[T]) Subscribe(obs Observer) func() { return m.core.subscribe(obs) }

// Key returns the container's registry key.
func (m *Mutable[T]) Key() string { return m.core.key }

// Immutable is a copy-on-write state container. Update hands the
// updater a draft whose map/slice root is cloned, so values read
// before the update are never mutated underneath their holders.
type Immutable[T any] struct {
	core *core[T]
}

// Get returns the current value. Callers must treat it as read-only.
func (im *Immutable[T]) Get() T { return im.core.get() }

// Set replaces the value and notifies subscribers.
func (im *Immutable[T]) Set(v T) { im.core.set(v) }

// Update applies fn to a draft copy of the current value and stores
// the returned value. As with Mutable.Update, fn runs under the
// registry lock and must not call back into any container or the
// registry.
func (im *Immutable[T]) Update(fn func(draft T) T) {
	im.core.update(func(v T) T {
		return fn(cloneRoot(v))
	})
}

// Subscribe registers an observer for this container's changes and
// returns an unsubscribe function.
func (im *Immutable[T]) Subscribe(obs Observer) func() { return im.core.subscribe(obs) }

// Key returns the container's registry key.
func (im *Immutable[T]) Key() string { return im.core.key }

// core carries the behavior shared by both container variants. Its
// mutations run under the registry's lock so snapshot and restore see
// a consistent view across containers.
type core[T any] struct {
	key string
	reg *Registry
	val T

	observers map[int]Observer
	nextID    int
}

var _ container = (*core[string])(nil)

func (c *core[T]) containerKey() string { return c.key }

func (c *core[T]) currentValue() any {
	c.reg.mu.RLock()
	defer c.reg.mu.RUnlock()
	return c.val
}

func (c *core[T]) restoreValue(v any) error {
	typed, ok := v.(T)
	if !ok {
		return fmt.Errorf("state: container %q: %w (got %T)", c.key, ErrTypeMismatch, v)
	}
	c.set(typed)
	return nil
}

func (c *core[T]) get() T {
	c.reg.mu.RLock()
	defer c.reg.mu.RUnlock()
	return c.val
}

func (c *core[T]) set(v T) {
	c.reg.mu.Lock()
	old := c.val
	c.val = v
	change := Change{Key: c.key, OldValue: old, NewValue: v, Timestamp: time.Now()}
	observers := c.snapshotObservers()
	global := c.reg.snapshotObserversLocked(c.key)
	c.reg.mu.Unlock()

	for _, obs := range observers {
		obs(change)
	}
	for _, obs := range global {
		obs(change)
	}
}

func (c *core[T]) update(fn func(T) T) {
	c.reg.mu.Lock()
	old := c.val
	next := fn(old)
	c.val = next
	change := Change{Key: c.key, OldValue: old, NewValue: next, Timestamp: time.Now()}
	observers := c.snapshotObservers()
	global := c.reg.snapshotObserversLocked(c.key)
	c.reg.mu.Unlock()

	for _, obs := range observers {
		obs(change)
	}
	for _, obs := range global {
		obs(change)
	}
}

// snapshotObservers must be called with the registry lock held.
func (c *core[T]) snapshotObservers() []Observer {
	out := make([]Observer, 0, len(c.observers))
	for _, obs := range c.observers {
		out = append(out, obs)
	}
	return out
}

func (c *core[T]) subscribe(obs Observer) func() {
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()

	id := c.nextID
	c.nextID++
	c.observers[id] = obs
	return func() {
		c.reg.mu.Lock()
		defer c.reg.mu.Unlock()
		delete(c.observers, id)
	}
}
