package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// ErrChannelClosed is returned by publish and subscribe on a closed
// channel handle.
var ErrChannelClosed = errors.New("channel is closed")

// Channel provides type-safe publish and subscribe for a single named
// channel. The payload type is agreed out-of-band by the channel name;
// payloads are marshaled to JSON on the wire so a future remote
// adapter needs no changes. Closing the handle ends the subscriptions
// made through it without touching the rest of the bus.
type Channel[T any] struct {
	name string
	bus  *Bus

	mu      sync.Mutex
	closed  bool
	cancels map[int]func()
	nextID  int
}

// NewChannel binds a typed channel to a name on the given bus.
func NewChannel[T any](b *Bus, name string) *Channel[T] {
	return &Channel[T]{
		name:    name,
		bus:     b,
		cancels: make(map[int]func()),
	}
}

// Name returns the channel name.
func (c *Channel[T]) Name() string { return c.name }

// Publish marshals the payload and publishes it on the channel. The
// compiler ensures payload matches T.
func (c *Channel[T]) Publish(ctx context.Context, payload T, opts ...PublishOption) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return fmt.Errorf("bus: channel %q: %w", c.name, ErrChannelClosed)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload for channel %q: %w", c.name, err)
	}
	return c.bus.Publish(ctx, c.name, data, opts...)
}

// TypedHandler processes a decoded payload along with its envelope.
type TypedHandler[T any] func(ctx context.Context, payload T, msg Message) error

// Subscribe registers a typed handler. Payloads that fail to decode as
// T are reported as handler errors (logged, never fatal to delivery).
// The subscription ends when the returned function is called or the
// channel handle is closed.
func (c *Channel[T]) Subscribe(ctx context.Context, handler TypedHandler[T]) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("bus: channel %q: %w", c.name, ErrChannelClosed)
	}
	c.mu.Unlock()

	cancel, err := c.bus.Subscribe(ctx, c.name, func(ctx context.Context, msg Message) error {
		var payload T
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			return fmt.Errorf("bus: decode payload on channel %q: %w", c.name, err)
		}
		return handler(ctx, payload, msg)
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed {
		// Close raced the subscription; end it immediately.
		c.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("bus: channel %q: %w", c.name, ErrChannelClosed)
	}
	id := c.nextID
	c.nextID++
	c.cancels[id] = cancel
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.cancels, id)
		c.mu.Unlock()
		cancel()
	}, nil
}

// Close ends every subscription made through this handle and rejects
// further publish and subscribe calls on it. Other handles and raw bus
// subscribers on the same name are unaffected. Safe to call more than
// once.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancels := make([]func(), 0, len(c.cancels))
	for _, cancel := range c.cancels {
		cancels = append(cancels, cancel)
	}
	c.cancels = nil
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}
