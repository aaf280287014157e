// Package bus provides the in-process message bus: named multicast
// channels over a pluggable transport adapter, with an ordered
// middleware pipeline applied to every publish.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message is the envelope passed between participants on the bus.
// It is constructed once per publish and must not be mutated after
// delivery has started.
type Message struct {
	// ID uniquely identifies this message; generated per publish.
	ID string
	// Channel is the name of the channel the message was published on.
	Channel string
	// Payload contains the raw message data. Typed channels marshal
	// their payloads to JSON.
	Payload []byte
	// Timestamp records when the message was constructed.
	Timestamp time.Time
	// Source optionally identifies the publishing participant.
	Source string
	// Target optionally addresses a specific participant.
	Target string
	// Metadata carries arbitrary key-value context.
	Metadata map[string]string
}

// Handler processes a message delivered to a subscriber.
type Handler func(ctx context.Context, msg Message) error

// Middleware observes a message before delivery. It must call next to
// continue the pipeline; returning an error without calling next
// aborts delivery and surfaces the error to the publisher.
type Middleware func(ctx context.Context, msg Message, next func(context.Context, Message) error) error

// ErrClosed is returned by publish and subscribe after Close.
var ErrClosed = errors.New("bus is closed")

// RoutingError wraps a failure to deliver a specific message.
type RoutingError struct {
	MessageID string
	Channel   string
	Err       error
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("bus: delivery of message %s on channel %q failed: %v", e.MessageID, e.Channel, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }

// Bus is a typed publish/subscribe message bus. Channels are created
// lazily on first publish or subscribe and live for the lifetime of
// the bus.
type Bus struct {
	adapter Adapter

	mu         sync.RWMutex
	middleware []Middleware
	closed     bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithAdapter replaces the default in-memory transport adapter.
func WithAdapter(a Adapter) Option {
	return func(b *Bus) { b.adapter = a }
}

// New creates a bus backed by the in-memory adapter unless overridden.
func New(opts ...Option) *Bus {
	b := &Bus{}
	for _, opt := range opts {
		opt(b)
	}
	if b.adapter == nil {
		b.adapter = NewGoChannelAdapter()
	}
	return b
}

// Use appends a middleware to the pipeline. Middleware run in
// registration order on every subsequent publish.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, mw)
}

// PublishOption customizes a single published message.
type PublishOption func(*Message)

// WithMetadata merges the given metadata into the message.
func WithMetadata(md map[string]string) PublishOption {
	return func(m *Message) {
		for k, v := range md {
			m.Metadata[k] = v
		}
	}
}

// WithSource sets the message source.
func WithSource(source string) PublishOption {
	return func(m *Message) { m.Source = source }
}

// WithTarget addresses the message to a specific participant.
func WithTarget(target string) PublishOption {
	return func(m *Message) { m.Target = target }
}

// Publish constructs a message, runs it through the middleware
// pipeline and hands it to the transport adapter. It returns once the
// adapter has accepted the message; subscriber handlers run
// asynchronously and their failures never reach the publisher.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte, opts ...PublishOption) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	mws := b.middleware
	b.mu.RUnlock()

	msg := Message{
		ID:        uuid.NewString(),
		Channel:   channel,
		Payload:   payload,
		Timestamp: time.Now(),
		Metadata:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(&msg)
	}

	next := func(ctx context.Context, m Message) error {
		return b.adapter.Publish(channel, m)
	}
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		inner := next
		next = func(ctx context.Context, m Message) error {
			return mw(ctx, m, inner)
		}
	}

	if err := next(ctx, msg); err != nil {
		return &RoutingError{MessageID: msg.ID, Channel: channel, Err: err}
	}
	return nil
}

// Subscribe registers a handler for a channel and returns an
// unsubscribe function. The handler is invoked sequentially per
// subscription, in publish order. A handler error is logged and does
// not affect delivery to other subscribers. Messages published before
// the subscription are never replayed.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrClosed
	}
	b.mu.RUnlock()

	subCtx, cancel := context.WithCancel(ctx)
	messages, err := b.adapter.Subscribe(subCtx, channel)
	if err != nil {
		cancel()
		return nil, err
	}

	go func() {
		for msg := range messages {
			if err := handler(subCtx, msg); err != nil {
				slog.Error("bus: subscriber handler failed",
					"channel", channel, "message_id", msg.ID, "error", err)
			}
		}
		slog.Debug("bus: subscription ended", "channel", channel)
	}()

	return cancel, nil
}

// Close completes all channels and invalidates further publish and
// subscribe calls on this instance.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	return b.adapter.Close()
}
