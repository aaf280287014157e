package cqrs

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nfrund/wsexport/internal/controlplane"
)

// CommandHandler processes a dispatched command.
type CommandHandler func(ctx context.Context, cmd Command) error

// CommandBus dispatches commands over the control plane. Commands are
// always published on the commands channel so remote or auditing
// subscribers can react; a registered local handler is additionally
// invoked directly.
type CommandBus struct {
	plane *controlplane.Plane

	mu       sync.RWMutex
	handlers map[string]CommandHandler
}

// NewCommandBus creates a command bus on the given plane.
func NewCommandBus(plane *controlplane.Plane) *CommandBus {
	return &CommandBus{
		plane:    plane,
		handlers: make(map[string]CommandHandler),
	}
}

// Register sets the handler for a command type. An existing handler
// is overwritten; that is logged, not rejected.
func (b *CommandBus) Register(commandType string, handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[commandType]; exists {
		slog.Warn("cqrs: overwriting command handler", "type", commandType)
	}
	b.handlers[commandType] = handler
}

// Unregister removes the handler for a command type.
func (b *CommandBus) Unregister(commandType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, commandType)
}

// Dispatch publishes the command and, if a local handler is
// registered for its type, invokes it. Handler failures are reported
// only via the command.failed event; Dispatch returns an error only
// when the command cannot be published at all.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) error {
	envelope, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	if err := b.plane.Publish(ctx, ChannelCommands, envelope); err != nil {
		return err
	}

	b.mu.RLock()
	handler, ok := b.handlers[cmd.Type]
	b.mu.RUnlock()
	if !ok {
		return nil
	}

	b.publishEvent(ctx, ChannelCommandStarted, Event{
		CommandID:   cmd.ID,
		CommandType: cmd.Type,
		Timestamp:   time.Now(),
	})

	start := time.Now()
	if err := handler(ctx, cmd); err != nil {
		b.plane.Metrics().CommandsDispatched.WithLabelValues(cmd.Type, "failed").Inc()
		b.publishEvent(ctx, ChannelCommandFailed, Event{
			CommandID:   cmd.ID,
			CommandType: cmd.Type,
			Timestamp:   time.Now(),
			DurationMs:  time.Since(start).Milliseconds(),
			Error:       err.Error(),
		})
		return nil
	}

	b.plane.Metrics().CommandsDispatched.WithLabelValues(cmd.Type, "completed").Inc()
	b.publishEvent(ctx, ChannelCommandCompleted, Event{
		CommandID:   cmd.ID,
		CommandType: cmd.Type,
		Timestamp:   time.Now(),
		DurationMs:  time.Since(start).Milliseconds(),
	})
	return nil
}

func (b *CommandBus) publishEvent(ctx context.Context, channel string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("cqrs: marshal lifecycle event", "channel", channel, "error", err)
		return
	}
	if err := b.plane.Publish(ctx, channel, payload); err != nil {
		slog.Error("cqrs: publish lifecycle event", "channel", channel, "error", err)
	}
}
