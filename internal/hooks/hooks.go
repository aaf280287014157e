// Package hooks provides cross-cutting lifecycle callbacks executed
// at named phases, ordered by priority.
package hooks

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Well-known hook types fired by the control plane. Any string is a
// valid type; these are the phases the facade emits.
const (
	TypeBeforeInitialize = "before.initialize"
	TypeAfterInitialize  = "after.initialize"
	TypeBeforeStart      = "before.start"
	TypeAfterStart       = "after.start"
	TypeBeforeStop       = "before.stop"
	TypeAfterStop        = "after.stop"
	TypeBeforeDestroy    = "before.destroy"
	TypeAfterDestroy     = "after.destroy"
	TypeError            = "error"
)

// Context carries arbitrary data into hook functions.
type Context map[string]any

// Func is a hook callback.
type Func func(ctx context.Context, hctx Context) error

// Options configures a hook registration.
type Options struct {
	// Priority orders execution; higher runs first. Registrations
	// sharing a priority run in registration order.
	Priority int
	// Once removes the hook after its first successful execution.
	Once bool
}

type registration struct {
	id       string
	hookType string
	fn       Func
	priority int
	once     bool
	seq      int
}

// Manager holds hook registrations per type and executes them in
// descending-priority order.
type Manager struct {
	mu    sync.Mutex
	hooks map[string][]*registration
	seq   int
}

// NewManager creates an empty hook manager.
func NewManager() *Manager {
	return &Manager{hooks: make(map[string][]*registration)}
}

// Register inserts a hook for the given type and returns its id.
func (m *Manager) Register(hookType string, fn Func, opts Options) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg := &registration{
		id:       uuid.NewString(),
		hookType: hookType,
		fn:       fn,
		priority: opts.Priority,
		once:     opts.Once,
		seq:      m.seq,
	}
	m.seq++

	list := append(m.hooks[hookType], reg)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].priority != list[j].priority {
			return list[i].priority > list[j].priority
		}
		return list[i].seq < list[j].seq
	})
	m.hooks[hookType] = list
	return reg.id
}

// Unregister removes a hook by id from whichever type list holds it.
// It reports whether a hook was removed.
func (m *Manager) Unregister(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for hookType, list := range m.hooks {
		for i, reg := range list {
			if reg.id == id {
				m.hooks[hookType] = append(list[:i:i], list[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Execute invokes every hook registered for the type in order,
// awaiting each before the next. A failing hook of any type other
// than "error" is re-dispatched as an "error" hook execution and the
// remaining hooks still run. One-shot hooks are removed after their
// first successful execution.
func (m *Manager) Execute(ctx context.Context, hookType string, hctx Context) {
	m.mu.Lock()
	list := make([]*registration, len(m.hooks[hookType]))
	copy(list, m.hooks[hookType])
	m.mu.Unlock()

	for _, reg := range list {
		err := reg.fn(ctx, hctx)
		if err != nil {
			if hookType == TypeError {
				// Error hooks are the last line; a failure here is
				// only logged to avoid re-dispatch loops.
				slog.Error("hooks: error hook failed", "hook_id", reg.id, "error", err)
				continue
			}
			slog.Warn("hooks: hook failed", "type", hookType, "hook_id", reg.id, "error", err)
			errCtx := Context{}
			for k, v := range hctx {
				errCtx[k] = v
			}
			errCtx["error"] = err
			errCtx["hookId"] = reg.id
			errCtx["hookType"] = hookType
			m.Execute(ctx, TypeError, errCtx)
			continue
		}
		if reg.once {
			m.Unregister(reg.id)
		}
	}
}

// Count returns the number of hooks registered for a type.
func (m *Manager) Count(hookType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.hooks[hookType])
}

// Total returns the number of hooks across all types.
func (m *Manager) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, list := range m.hooks {
		total += len(list)
	}
	return total
}

// Types returns the sorted hook types that have registrations.
func (m *Manager) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	types := make([]string, 0, len(m.hooks))
	for hookType, list := range m.hooks {
		if len(list) > 0 {
			types = append(types, hookType)
		}
	}
	sort.Strings(types)
	return types
}
