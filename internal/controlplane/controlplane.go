// Package controlplane composes the bus, state registry, component
// factory, breaker registry, hook manager and plugin registry behind
// one lifecycle-managed facade.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/nfrund/wsexport/internal/breaker"
	"github.com/nfrund/wsexport/internal/bus"
	"github.com/nfrund/wsexport/internal/component"
	"github.com/nfrund/wsexport/internal/hooks"
	"github.com/nfrund/wsexport/internal/metrics"
	"github.com/nfrund/wsexport/internal/plugin"
	"github.com/nfrund/wsexport/internal/state"
)

// Well-known channel names used by the application on the plane's
// bus. The plane itself is agnostic to payload content.
const (
	ChannelDomainEvents   = "domain-events"
	ChannelCommands       = "commands"
	ChannelCommandResults = "command-results"
	ChannelQueries        = "queries"
	ChannelQueryResponses = "query-responses"
	ChannelMetrics        = "metrics"
)

// Lifecycle sentinel errors.
var (
	ErrAlreadyInitialized = errors.New("control plane already initialized")
	ErrNotInitialized     = errors.New("control plane not initialized")
	ErrAlreadyStarted     = errors.New("control plane already started")
	ErrNotStarted         = errors.New("control plane not started")
	ErrDestroyed          = errors.New("control plane destroyed")
)

// Plane owns one instance of every core subsystem; they are
// constructed together and destroyed together.
type Plane struct {
	bus        *bus.Bus
	state      *state.Registry
	components *component.Factory
	breakers   *breaker.Registry
	hooks      *hooks.Manager
	plugins    *plugin.Registry
	metrics    *metrics.Registry

	mu          sync.Mutex
	initialized bool
	started     bool
	destroyed   bool
	startTime   time.Time
}

// Option configures a Plane.
type Option func(*options)

type options struct {
	adapter bus.Adapter
}

// WithBusAdapter substitutes the bus transport adapter.
func WithBusAdapter(a bus.Adapter) Option {
	return func(o *options) { o.adapter = a }
}

// New constructs a control plane. Production wiring passes the
// returned plane to every consumer explicitly; the plane never hides
// behind implicit global state.
func New(opts ...Option) *Plane {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var busOpts []bus.Option
	if o.adapter != nil {
		busOpts = append(busOpts, bus.WithAdapter(o.adapter))
	}

	p := &Plane{
		bus:        bus.New(busOpts...),
		state:      state.NewRegistry(),
		components: component.NewFactory(),
		breakers:   breaker.NewRegistry(),
		hooks:      hooks.NewManager(),
		metrics:    metrics.NewRegistry(),
	}
	p.plugins = plugin.NewRegistry(&plugin.Context{
		Bus:        p.bus,
		State:      p.state,
		Components: p.components,
		Breakers:   p.breakers,
	})

	// Count every publish by channel.
	p.bus.Use(func(ctx context.Context, msg bus.Message, next func(context.Context, bus.Message) error) error {
		p.metrics.MessagesPublished.WithLabelValues(msg.Channel).Inc()
		return next(ctx, msg)
	})

	// Surface breaker transitions on the metrics channel.
	p.breakers.OnStateChange(func(change breaker.StateChange) {
		p.metrics.BreakerTransitions.WithLabelValues(change.Name, change.To.String()).Inc()
		payload, err := json.Marshal(map[string]any{
			"breaker": change.Name,
			"from":    change.From.String(),
			"to":      change.To.String(),
			"at":      change.At,
		})
		if err != nil {
			return
		}
		if err := p.bus.Publish(context.Background(), ChannelMetrics, payload); err != nil {
			slog.Debug("controlplane: breaker transition not published", "breaker", change.Name, "error", err)
		}
	})

	return p
}

// lifecycleStep runs one facade lifecycle operation with its hook
// phases. Errors propagate to the caller and additionally fire the
// error hook type.
func (p *Plane) lifecycleStep(ctx context.Context, name string, precondition func() error, op func(context.Context) error) error {
	p.hooks.Execute(ctx, "before."+name, hooks.Context{"operation": name})

	fail := func(err error) error {
		p.hooks.Execute(ctx, hooks.TypeError, hooks.Context{"operation": name, "error": err})
		return err
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return fail(fmt.Errorf("controlplane: %s: %w", name, ErrDestroyed))
	}
	if err := precondition(); err != nil {
		p.mu.Unlock()
		return fail(fmt.Errorf("controlplane: %s: %w", name, err))
	}
	p.mu.Unlock()

	if err := op(ctx); err != nil {
		return fail(err)
	}

	p.hooks.Execute(ctx, "after."+name, hooks.Context{"operation": name})
	return nil
}

// Initialize brings the plane up: all created components are
// initialized in dependency order.
func (p *Plane) Initialize(ctx context.Context) error {
	return p.lifecycleStep(ctx, "initialize",
		func() error {
			if p.initialized {
				return ErrAlreadyInitialized
			}
			return nil
		},
		func(ctx context.Context) error {
			if err := p.components.InitializeAll(ctx); err != nil {
				return err
			}
			p.mu.Lock()
			p.initialized = true
			p.mu.Unlock()
			return nil
		})
}

// Start starts all initialized components in dependency order.
func (p *Plane) Start(ctx context.Context) error {
	return p.lifecycleStep(ctx, "start",
		func() error {
			if !p.initialized {
				return ErrNotInitialized
			}
			if p.started {
				return ErrAlreadyStarted
			}
			return nil
		},
		func(ctx context.Context) error {
			if err := p.components.StartAll(ctx); err != nil {
				return err
			}
			p.mu.Lock()
			p.started = true
			p.startTime = time.Now()
			p.mu.Unlock()
			return nil
		})
}

// Stop stops all started components in reverse dependency order.
func (p *Plane) Stop(ctx context.Context) error {
	return p.lifecycleStep(ctx, "stop",
		func() error {
			if !p.started {
				return ErrNotStarted
			}
			return nil
		},
		func(ctx context.Context) error {
			if err := p.components.StopAll(ctx); err != nil {
				return err
			}
			p.mu.Lock()
			p.started = false
			p.mu.Unlock()
			return nil
		})
}

// Destroy tears everything down: plugins are uninstalled, components
// destroyed, the bus closed and state dropped. The plane cannot be
// reused afterwards.
func (p *Plane) Destroy(ctx context.Context) error {
	return p.lifecycleStep(ctx, "destroy",
		func() error { return nil },
		func(ctx context.Context) error {
			if err := p.plugins.UninstallAll(ctx); err != nil {
				return err
			}
			if err := p.components.DestroyAll(ctx); err != nil {
				return err
			}
			if err := p.bus.Close(); err != nil {
				return err
			}
			p.state.Clear()
			p.breakers.Clear()
			p.mu.Lock()
			p.initialized = false
			p.started = false
			p.destroyed = true
			p.mu.Unlock()
			return nil
		})
}

// Publish publishes raw payload bytes on a channel.
func (p *Plane) Publish(ctx context.Context, channel string, payload []byte, opts ...bus.PublishOption) error {
	return p.bus.Publish(ctx, channel, payload, opts...)
}

// Subscribe registers a handler on a channel.
func (p *Plane) Subscribe(ctx context.Context, channel string, handler bus.Handler) (func(), error) {
	return p.bus.Subscribe(ctx, channel, handler)
}

// Use appends a middleware to the bus pipeline.
func (p *Plane) Use(mw bus.Middleware) {
	p.bus.Use(mw)
}

// Bus returns the plane's message bus.
func (p *Plane) Bus() *bus.Bus { return p.bus }

// State returns the plane's state registry.
func (p *Plane) State() *state.Registry { return p.state }

// Components returns the plane's component factory.
func (p *Plane) Components() *component.Factory { return p.components }

// RegisterComponent stores a component blueprint on the factory.
func (p *Plane) RegisterComponent(cfg component.Config) error {
	return p.components.Register(cfg)
}

// Breakers returns the plane's circuit breaker registry.
func (p *Plane) Breakers() *breaker.Registry { return p.breakers }

// CircuitBreaker returns the named breaker, creating it on first
// request.
func (p *Plane) CircuitBreaker(name string, cfg breaker.Config) *breaker.Breaker {
	return p.breakers.GetOrCreate(name, cfg)
}

// Plugins returns the plane's plugin registry.
func (p *Plane) Plugins() *plugin.Registry { return p.plugins }

// RegisterPlugin stores a plugin blueprint.
func (p *Plane) RegisterPlugin(pl plugin.Plugin) error {
	return p.plugins.Register(pl)
}

// InstallPlugin installs a registered plugin by name.
func (p *Plane) InstallPlugin(ctx context.Context, name string) error {
	return p.plugins.Install(ctx, name)
}

// Hooks returns the plane's hook manager.
func (p *Plane) Hooks() *hooks.Manager { return p.hooks }

// RegisterHook registers a lifecycle hook and returns its id.
func (p *Plane) RegisterHook(hookType string, fn hooks.Func, opts hooks.Options) string {
	return p.hooks.Register(hookType, fn, opts)
}

// Metrics returns the plane's metrics registry.
func (p *Plane) Metrics() *metrics.Registry { return p.metrics }

// Status is a plain snapshot of the plane's composition.
type Status struct {
	Initialized      bool          `json:"initialized"`
	Started          bool          `json:"started"`
	Uptime           time.Duration `json:"uptime"`
	Components       int           `json:"components"`
	Plugins          int           `json:"plugins"`
	InstalledPlugins int           `json:"installed_plugins"`
	Hooks            int           `json:"hooks"`
	Breakers         int           `json:"breakers"`
	StateContainers  int           `json:"state_containers"`
}

// Status returns the current composition snapshot.
func (p *Plane) Status() Status {
	p.mu.Lock()
	initialized, started, startTime := p.initialized, p.started, p.startTime
	p.mu.Unlock()

	uptime := time.Duration(0)
	if started {
		uptime = time.Since(startTime)
	}
	return Status{
		Initialized:      initialized,
		Started:          started,
		Uptime:           uptime,
		Components:       len(p.components.Instances()),
		Plugins:          p.plugins.Len(),
		InstalledPlugins: len(p.plugins.Installed()),
		Hooks:            p.hooks.Total(),
		Breakers:         p.breakers.Len(),
		StateContainers:  p.state.Len(),
	}
}

// Health is a plain snapshot of process-level signals for CLI or
// operational display; no network endpoint is exposed.
type Health struct {
	Status       string                   `json:"status"`
	Uptime       time.Duration            `json:"uptime"`
	Goroutines   int                      `json:"goroutines"`
	AllocBytes   uint64                   `json:"alloc_bytes"`
	SysBytes     uint64                   `json:"sys_bytes"`
	NumGC        uint32                   `json:"num_gc"`
	BreakerStats map[string]breaker.Stats `json:"breaker_stats"`
}

// Health returns the current process health snapshot.
func (p *Plane) Health() Health {
	status := p.Status()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	overall := "stopped"
	switch {
	case status.Started:
		overall = "running"
	case status.Initialized:
		overall = "initialized"
	}
	return Health{
		Status:       overall,
		Uptime:       status.Uptime,
		Goroutines:   runtime.NumGoroutine(),
		AllocBytes:   mem.Alloc,
		SysBytes:     mem.Sys,
		NumGC:        mem.NumGC,
		BreakerStats: p.breakers.AllStats(),
	}
}

// Test-only shared default instance, mirroring the explicit-instance
// rule: production code receives a plane by reference.
var (
	defaultPlane     *Plane
	defaultPlaneOnce sync.Once
)

// Default returns a process-wide plane for tests and throwaway
// tooling. Production wiring must construct its own via New.
func Default() *Plane {
	defaultPlaneOnce.Do(func() {
		defaultPlane = New()
	})
	return defaultPlane
}
