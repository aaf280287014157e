// Package plugin provides named, dependency-ordered installable
// extensions. A plugin may touch the bus, the state registry or the
// component factory through the context it is handed.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/nfrund/wsexport/internal/breaker"
	"github.com/nfrund/wsexport/internal/bus"
	"github.com/nfrund/wsexport/internal/component"
	"github.com/nfrund/wsexport/internal/state"
)

// Context is handed to plugin callbacks; it exposes the core
// subsystems a plugin may extend.
type Context struct {
	Bus        *bus.Bus
	State      *state.Registry
	Components *component.Factory
	Breakers   *breaker.Registry
}

// Hook is a plugin lifecycle callback.
type Hook func(ctx context.Context, pctx *Context) error

// Plugin is a named extension with optional dependencies on other
// plugins.
type Plugin struct {
	Name         string
	Version      string
	Dependencies []string

	// Install is required; it applies the plugin's extensions.
	Install Hook
	// Uninstall is optional; it reverts the plugin's extensions.
	Uninstall Hook

	BeforeInstall   Hook
	AfterInstall    Hook
	BeforeUninstall Hook
	AfterUninstall  Hook

	// OnError is invoked before a failed install or uninstall is
	// reported to the caller.
	OnError func(err error)
}

// Sentinel errors for registry conditions.
var (
	ErrDuplicatePlugin   = errors.New("plugin already registered")
	ErrUnknownPlugin     = errors.New("plugin not registered")
	ErrMissingDependency = errors.New("plugin dependency not installed")
	ErrStillDepended     = errors.New("plugin is depended on by installed plugins")
	ErrPluginCycle       = errors.New("plugin dependency cycle")
)

// Error wraps an install or uninstall failure, naming the plugin.
type Error struct {
	Plugin string
	Op     string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("plugin %s: %s failed: %v", e.Plugin, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Registry owns registered plugins and tracks which are installed.
type Registry struct {
	mu        sync.Mutex
	plugins   map[string]Plugin
	installed map[string]bool
	pctx      *Context
}

// NewRegistry creates an empty plugin registry. The context is shared
// by every plugin callback.
func NewRegistry(pctx *Context) *Registry {
	return &Registry{
		plugins:   make(map[string]Plugin),
		installed: make(map[string]bool),
		pctx:      pctx,
	}
}

// Register stores a plugin blueprint. Duplicate names are an error.
func (r *Registry) Register(p Plugin) error {
	if p.Name == "" {
		return fmt.Errorf("plugin: name is required")
	}
	if p.Install == nil {
		return fmt.Errorf("plugin: %q has no install function", p.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.plugins[p.Name]; exists {
		return fmt.Errorf("plugin: %q: %w", p.Name, ErrDuplicatePlugin)
	}
	r.plugins[p.Name] = p
	return nil
}

// Install verifies the plugin's dependencies are installed, then runs
// beforeInstall, install and afterInstall. Any failure invokes the
// plugin's OnError and is returned wrapped, naming the plugin.
func (r *Registry) Install(ctx context.Context, name string) error {
	r.mu.Lock()
	p, ok := r.plugins[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("plugin: %q: %w", name, ErrUnknownPlugin)
	}
	if r.installed[name] {
		r.mu.Unlock()
		return nil
	}
	for _, dep := range p.Dependencies {
		if !r.installed[dep] {
			r.mu.Unlock()
			return fmt.Errorf("plugin: %q requires %q: %w", name, dep, ErrMissingDependency)
		}
	}
	r.mu.Unlock()

	if err := r.runHook(ctx, p, "beforeInstall", p.BeforeInstall); err != nil {
		return err
	}
	if err := r.runHook(ctx, p, "install", p.Install); err != nil {
		return err
	}

	r.mu.Lock()
	r.installed[name] = true
	r.mu.Unlock()

	return r.runHook(ctx, p, "afterInstall", p.AfterInstall)
}

// Uninstall verifies no installed plugin still depends on this one,
// then mirrors Install in reverse.
func (r *Registry) Uninstall(ctx context.Context, name string) error {
	r.mu.Lock()
	p, ok := r.plugins[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("plugin: %q: %w", name, ErrUnknownPlugin)
	}
	if !r.installed[name] {
		r.mu.Unlock()
		return nil
	}
	for otherName, other := range r.plugins {
		if otherName == name || !r.installed[otherName] {
			continue
		}
		for _, dep := range other.Dependencies {
			if dep == name {
				r.mu.Unlock()
				return fmt.Errorf("plugin: %q is required by %q: %w", name, otherName, ErrStillDepended)
			}
		}
	}
	r.mu.Unlock()

	if err := r.runHook(ctx, p, "beforeUninstall", p.BeforeUninstall); err != nil {
		return err
	}
	if err := r.runHook(ctx, p, "uninstall", p.Uninstall); err != nil {
		return err
	}

	r.mu.Lock()
	delete(r.installed, name)
	r.mu.Unlock()

	return r.runHook(ctx, p, "afterUninstall", p.AfterUninstall)
}

func (r *Registry) runHook(ctx context.Context, p Plugin, op string, hook Hook) error {
	if hook == nil {
		return nil
	}
	if err := hook(ctx, r.pctx); err != nil {
		wrapped := &Error{Plugin: p.Name, Op: op, Err: err}
		if p.OnError != nil {
			p.OnError(wrapped)
		}
		return wrapped
	}
	return nil
}

// InstallAll installs every registered plugin, dependencies first.
func (r *Registry) InstallAll(ctx context.Context) error {
	order, err := r.topoOrder()
	if err != nil {
		return err
	}
	for _, name := range order {
		if err := r.Install(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// UninstallAll uninstalls every installed plugin, dependents first.
func (r *Registry) UninstallAll(ctx context.Context) error {
	order, err := r.topoOrder()
	if err != nil {
		return err
	}
	for i := len(order) - 1; i >= 0; i-- {
		if err := r.Uninstall(ctx, order[i]); err != nil {
			return err
		}
	}
	return nil
}

// topoOrder sorts all registered plugins so dependencies precede
// dependents, reporting cycles instead of resolving them silently.
func (r *Registry) topoOrder() ([]string, error) {
	r.mu.Lock()
	names := make([]string, 0, len(r.plugins))
	deps := make(map[string][]string, len(r.plugins))
	for name, p := range r.plugins {
		names = append(names, name)
		deps[name] = p.Dependencies
	}
	r.mu.Unlock()
	sort.Strings(names)

	var order []string
	done := make(map[string]bool)
	inProgress := make(map[string]bool)

	var visit func(name string) error
	visit = func(name string) error {
		if done[name] {
			return nil
		}
		if inProgress[name] {
			return fmt.Errorf("plugin: %q: %w", name, ErrPluginCycle)
		}
		inProgress[name] = true
		for _, dep := range deps[name] {
			if _, known := deps[dep]; !known {
				return fmt.Errorf("plugin: %q requires unregistered %q: %w", name, dep, ErrUnknownPlugin)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(inProgress, name)
		done[name] = true
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Installed returns the sorted names of installed plugins.
func (r *Registry) Installed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.installed))
	for name := range r.installed {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsInstalled reports whether the named plugin is installed.
func (r *Registry) IsInstalled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installed[name]
}

// Names returns the sorted names of all registered plugins.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plugins)
}
