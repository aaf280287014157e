// Package component provides a dependency-injection factory and
// lifecycle supervisor for long-lived services. Components move
// through created, initialized, started, stopped and destroyed, and
// lifecycle operations are applied in dependency order.
package component

import (
	"context"
	"errors"
	"fmt"
)

// State is the lifecycle position of a component instance.
type State int

const (
	// StateCreated indicates the component was created but not initialized.
	StateCreated State = iota
	// StateInitialized indicates the component was initialized but not started.
	StateInitialized
	// StateStarted indicates the component is running.
	StateStarted
	// StateStopped indicates the component was stopped.
	StateStopped
	// StateDestroyed indicates the component was destroyed and removed.
	StateDestroyed
)

// String returns a string representation of the component state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateInitialized:
		return "initialized"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Component is the contract a supervised service implements.
type Component interface {
	Initialize(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Destroy(ctx context.Context) error
}

// Base provides no-op implementations for Component methods.
// Components can embed it to implement only the phases they need.
type Base struct{}

func (Base) Initialize(ctx context.Context) error { return nil }
func (Base) Start(ctx context.Context) error      { return nil }
func (Base) Stop(ctx context.Context) error       { return nil }
func (Base) Destroy(ctx context.Context) error    { return nil }

// Config is the blueprint under which components are created.
type Config struct {
	// Name uniquely identifies the blueprint.
	Name string
	// Factory constructs the component. Creation arguments are passed
	// through from Create.
	Factory func(args ...any) (Component, error)
	// Dependencies names blueprints that must be created before this
	// one; lifecycle ordering follows these edges.
	Dependencies []string
	// Singleton caches the first instance by name; subsequent Create
	// calls return it.
	Singleton bool
}

// Sentinel errors for blueprint and graph conditions.
var (
	ErrDuplicateComponent = errors.New("component already registered")
	ErrUnknownComponent   = errors.New("component not registered")
	ErrDependencyCycle    = errors.New("component dependency cycle")
)

// LifecycleError reports an illegal lifecycle transition or a failed
// lifecycle hook, naming the offending component.
type LifecycleError struct {
	Component string
	State     State
	Op        string
	Err       error
}

func (e *LifecycleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("component %s: %s failed: %v", e.Component, e.Op, e.Err)
	}
	return fmt.Sprintf("component %s: cannot %s while %s", e.Component, e.Op, e.State)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// Instance is the factory's record of a created component.
type Instance struct {
	id           string
	name         string
	state        State
	component    Component
	dependencies []*Instance
}

// ID returns the generated instance id.
func (i *Instance) ID() string { return i.id }

// Name returns the blueprint name.
func (i *Instance) Name() string { return i.name }

// Component returns the underlying component.
func (i *Instance) Component() Component { return i.component }

// Dependencies returns the resolved dependency instances.
func (i *Instance) Dependencies() []*Instance {
	out := make([]*Instance, len(i.dependencies))
	copy(out, i.dependencies)
	return out
}
