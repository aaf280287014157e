package component

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Factory stores component blueprints, creates instances with their
// dependencies resolved, and supervises lifecycle transitions in
// dependency order.
type Factory struct {
	mu         sync.Mutex
	blueprints map[string]Config
	instances  map[string]*Instance
	creating   map[string]bool
	container  *container
}

// NewFactory creates an empty factory.
func NewFactory() *Factory {
	return &Factory{
		blueprints: make(map[string]Config),
		instances:  make(map[string]*Instance),
		creating:   make(map[string]bool),
		container:  newContainer(),
	}
}

// Register stores a blueprint. Registering a duplicate name is an
// error.
func (f *Factory) Register(cfg Config) error {
	if cfg.Name == "" {
		return fmt.Errorf("component: blueprint name is required")
	}
	if cfg.Factory == nil {
		return fmt.Errorf("component: blueprint %q has no factory", cfg.Name)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.blueprints[cfg.Name]; exists {
		return fmt.Errorf("component: %q: %w", cfg.Name, ErrDuplicateComponent)
	}
	f.blueprints[cfg.Name] = cfg
	return nil
}

// Names returns the sorted names of all registered blueprints.
func (f *Factory) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.blueprints))
	for name := range f.blueprints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create instantiates the named blueprint, resolving each declared
// dependency recursively. Singleton instances are cached by name;
// others by name and id.
func (f *Factory) Create(name string, args ...any) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createLocked(name, args...)
}

func (f *Factory) createLocked(name string, args ...any) (*Instance, error) {
	cfg, ok := f.blueprints[name]
	if !ok {
		return nil, fmt.Errorf("component: %q: %w", name, ErrUnknownComponent)
	}
	if cfg.Singleton {
		if inst, cached := f.instances[name]; cached {
			return inst, nil
		}
	}
	if f.creating[name] {
		return nil, fmt.Errorf("component: %q: %w", name, ErrDependencyCycle)
	}
	f.creating[name] = true
	defer delete(f.creating, name)

	deps := make([]*Instance, 0, len(cfg.Dependencies))
	for _, depName := range cfg.Dependencies {
		dep, err := f.createLocked(depName)
		if err != nil {
			return nil, fmt.Errorf("component: %q: resolve dependency: %w", name, err)
		}
		deps = append(deps, dep)
	}

	comp, err := cfg.Factory(args...)
	if err != nil {
		return nil, fmt.Errorf("component: %q: factory: %w", name, err)
	}

	inst := &Instance{
		id:           uuid.NewString(),
		name:         name,
		state:        StateCreated,
		component:    comp,
		dependencies: deps,
	}
	if cfg.Singleton {
		f.instances[name] = inst
	} else {
		f.instances[name+"_"+inst.id] = inst
	}
	return inst, nil
}

// Get returns the cached singleton instance for name, if any.
func (f *Factory) Get(name string) (*Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[name]
	return inst, ok
}

// Instances returns all live instances.
func (f *Factory) Instances() []*Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.liveLocked()
}

func (f *Factory) liveLocked() []*Instance {
	out := make([]*Instance, 0, len(f.instances))
	for _, inst := range f.instances {
		out = append(out, inst)
	}
	// Map iteration order is random; fix it so bulk operations are
	// deterministic between dependency-equivalent components.
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// State returns an instance's current lifecycle state.
func (f *Factory) State(inst *Instance) State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return inst.state
}

// Initialize moves an instance from created to initialized, after
// initializing its created dependencies.
func (f *Factory) Initialize(ctx context.Context, inst *Instance) error {
	for _, dep := range inst.dependencies {
		if f.State(dep) == StateCreated {
			if err := f.Initialize(ctx, dep); err != nil {
				return err
			}
		}
	}
	return f.apply(ctx, inst, "initialize", StateCreated, StateInitialized, inst.component.Initialize)
}

// Start moves an instance from initialized to started, after starting
// its initialized dependencies.
func (f *Factory) Start(ctx context.Context, inst *Instance) error {
	for _, dep := range inst.dependencies {
		if f.State(dep) == StateInitialized {
			if err := f.Start(ctx, dep); err != nil {
				return err
			}
		}
	}
	return f.apply(ctx, inst, "start", StateInitialized, StateStarted, inst.component.Start)
}

// Stop moves an instance from started to stopped, then stops its
// started dependencies (dependencies stop after their dependents).
func (f *Factory) Stop(ctx context.Context, inst *Instance) error {
	if err := f.apply(ctx, inst, "stop", StateStarted, StateStopped, inst.component.Stop); err != nil {
		return err
	}
	for _, dep := range inst.dependencies {
		if f.State(dep) == StateStarted {
			if err := f.Stop(ctx, dep); err != nil {
				return err
			}
		}
	}
	return nil
}

// Destroy finalizes an instance and removes it from the factory, then
// destroys its remaining dependencies. A started instance must be
// stopped first.
func (f *Factory) Destroy(ctx context.Context, inst *Instance) error {
	f.mu.Lock()
	if inst.state == StateStarted || inst.state == StateDestroyed {
		err := &LifecycleError{Component: inst.name, State: inst.state, Op: "destroy"}
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()

	if err := inst.component.Destroy(ctx); err != nil {
		return &LifecycleError{Component: inst.name, State: f.State(inst), Op: "destroy", Err: err}
	}

	f.mu.Lock()
	inst.state = StateDestroyed
	f.removeLocked(inst)
	f.mu.Unlock()

	for _, dep := range inst.dependencies {
		if f.State(dep) != StateDestroyed {
			if err := f.Destroy(ctx, dep); err != nil {
				return err
			}
		}
	}
	return nil
}

// apply performs one lifecycle step with its precondition. The
// component hook runs outside the factory lock so components may call
// back into the factory.
func (f *Factory) apply(ctx context.Context, inst *Instance, op string, from, to State, hook func(context.Context) error) error {
	f.mu.Lock()
	if inst.state != from {
		err := &LifecycleError{Component: inst.name, State: inst.state, Op: op}
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()

	if err := hook(ctx); err != nil {
		return &LifecycleError{Component: inst.name, State: from, Op: op, Err: err}
	}

	f.mu.Lock()
	inst.state = to
	f.mu.Unlock()
	return nil
}

func (f *Factory) removeLocked(inst *Instance) {
	for key, candidate := range f.instances {
		if candidate == inst {
			delete(f.instances, key)
			return
		}
	}
}

// InitializeAll initializes every created instance in dependency
// order.
func (f *Factory) InitializeAll(ctx context.Context) error {
	order, err := f.topoOrder()
	if err != nil {
		return err
	}
	for _, inst := range order {
		if f.State(inst) != StateCreated {
			continue
		}
		if err := f.apply(ctx, inst, "initialize", StateCreated, StateInitialized, inst.component.Initialize); err != nil {
			return err
		}
	}
	return nil
}

// StartAll starts every initialized instance in dependency order.
func (f *Factory) StartAll(ctx context.Context) error {
	order, err := f.topoOrder()
	if err != nil {
		return err
	}
	for _, inst := range order {
		if f.State(inst) != StateInitialized {
			continue
		}
		if err := f.apply(ctx, inst, "start", StateInitialized, StateStarted, inst.component.Start); err != nil {
			return err
		}
	}
	return nil
}

// StopAll stops every started instance in reverse dependency order.
func (f *Factory) StopAll(ctx context.Context) error {
	order, err := f.topoOrder()
	if err != nil {
		return err
	}
	for i := len(order) - 1; i >= 0; i-- {
		inst := order[i]
		if f.State(inst) != StateStarted {
			continue
		}
		if err := f.apply(ctx, inst, "stop", StateStarted, StateStopped, inst.component.Stop); err != nil {
			return err
		}
	}
	return nil
}

// DestroyAll destroys every instance in reverse dependency order and
// empties the factory.
func (f *Factory) DestroyAll(ctx context.Context) error {
	order, err := f.topoOrder()
	if err != nil {
		return err
	}
	for i := len(order) - 1; i >= 0; i-- {
		inst := order[i]
		if f.State(inst) == StateStarted || f.State(inst) == StateDestroyed {
			continue
		}
		if err := inst.component.Destroy(ctx); err != nil {
			return &LifecycleError{Component: inst.name, State: f.State(inst), Op: "destroy", Err: err}
		}
		f.mu.Lock()
		inst.state = StateDestroyed
		f.removeLocked(inst)
		f.mu.Unlock()
	}
	return nil
}

// topoOrder sorts live instances so dependencies precede their
// dependents. A node revisited while in progress means the graph is
// not a DAG; that is reported rather than silently mis-resolved.
func (f *Factory) topoOrder() ([]*Instance, error) {
	f.mu.Lock()
	live := f.liveLocked()
	f.mu.Unlock()

	var order []*Instance
	done := make(map[*Instance]bool)
	inProgress := make(map[*Instance]bool)

	var visit func(inst *Instance) error
	visit = func(inst *Instance) error {
		if done[inst] {
			return nil
		}
		if inProgress[inst] {
			return fmt.Errorf("component: %q: %w", inst.name, ErrDependencyCycle)
		}
		inProgress[inst] = true
		for _, dep := range inst.dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(inProgress, inst)
		done[inst] = true
		order = append(order, inst)
		return nil
	}

	for _, inst := range live {
		if err := visit(inst); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// RegisterDependency stores a plain value in the side DI container
// under a token, independent of component lifecycle.
func (f *Factory) RegisterDependency(token string, value any) {
	f.container.registerValue(token, value)
}

// RegisterDependencyFactory stores a lazy provider in the side DI
// container under a token.
func (f *Factory) RegisterDependencyFactory(token string, provider func() (any, error)) {
	f.container.registerFactory(token, provider)
}

// ResolveDependency resolves a token from the side DI container.
func (f *Factory) ResolveDependency(token string) (any, error) {
	return f.container.resolve(token)
}
