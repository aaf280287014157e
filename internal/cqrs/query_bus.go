package cqrs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nfrund/wsexport/internal/bus"
	"github.com/nfrund/wsexport/internal/controlplane"
)

// DefaultQueryTimeout bounds how long a distributed query waits for a
// correlated response.
const DefaultQueryTimeout = 30 * time.Second

// QueryHandler computes the result for a query.
type QueryHandler func(ctx context.Context, q Query) (any, error)

// QueryBus executes queries over the control plane. A query with a
// local handler is served directly; otherwise it is published on the
// queries channel and the bus awaits a response correlated by the
// query id. The two paths are mutually exclusive per call.
type QueryBus struct {
	plane   *controlplane.Plane
	timeout time.Duration

	mu       sync.RWMutex
	handlers map[string]QueryHandler
}

// QueryBusOption configures a QueryBus.
type QueryBusOption func(*QueryBus)

// WithTimeout overrides the distributed-query timeout.
func WithTimeout(d time.Duration) QueryBusOption {
	return func(b *QueryBus) { b.timeout = d }
}

// NewQueryBus creates a query bus on the given plane.
func NewQueryBus(plane *controlplane.Plane, opts ...QueryBusOption) *QueryBus {
	b := &QueryBus{
		plane:    plane,
		timeout:  DefaultQueryTimeout,
		handlers: make(map[string]QueryHandler),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Register sets the handler for a query type. An existing handler is
// overwritten; that is logged, not rejected.
func (b *QueryBus) Register(queryType string, handler QueryHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[queryType]; exists {
		slog.Warn("cqrs: overwriting query handler", "type", queryType)
	}
	b.handlers[queryType] = handler
}

// Unregister removes the handler for a query type.
func (b *QueryBus) Unregister(queryType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, queryType)
}

// Execute serves the query locally when a handler is registered,
// otherwise falls back to the distributed path. Unlike command
// dispatch, handler failures propagate to the caller.
func (b *QueryBus) Execute(ctx context.Context, q Query) (any, error) {
	b.mu.RLock()
	handler, ok := b.handlers[q.Type]
	b.mu.RUnlock()

	if ok {
		return b.executeLocal(ctx, q, handler)
	}
	return b.executeDistributed(ctx, q)
}

func (b *QueryBus) executeLocal(ctx context.Context, q Query, handler QueryHandler) (any, error) {
	b.publishEvent(ctx, ChannelQueryStarted, Event{
		QueryID:   q.ID,
		QueryType: q.Type,
		Timestamp: time.Now(),
	})

	start := time.Now()
	result, err := handler(ctx, q)
	if err != nil {
		b.plane.Metrics().QueriesExecuted.WithLabelValues(q.Type, "failed").Inc()
		b.publishEvent(ctx, ChannelQueryFailed, Event{
			QueryID:    q.ID,
			QueryType:  q.Type,
			Timestamp:  time.Now(),
			DurationMs: time.Since(start).Milliseconds(),
			Error:      err.Error(),
		})
		return nil, err
	}

	b.plane.Metrics().QueriesExecuted.WithLabelValues(q.Type, "completed").Inc()
	b.publishEvent(ctx, ChannelQueryCompleted, Event{
		QueryID:    q.ID,
		QueryType:  q.Type,
		Timestamp:  time.Now(),
		DurationMs: time.Since(start).Milliseconds(),
	})
	return result, nil
}

func (b *QueryBus) executeDistributed(ctx context.Context, q Query) (any, error) {
	// Subscribe before publishing so the response cannot slip past.
	responses := make(chan Response, 1)
	unsubscribe, err := b.plane.Subscribe(ctx, ChannelQueryResponses, func(ctx context.Context, msg bus.Message) error {
		var resp Response
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			return err
		}
		if resp.QueryID != q.ID {
			return nil
		}
		select {
		case responses <- resp:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer unsubscribe()

	envelope, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	if err := b.plane.Publish(ctx, ChannelQueries, envelope); err != nil {
		return nil, err
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case resp := <-responses:
		if resp.Error != "" {
			b.plane.Metrics().QueriesExecuted.WithLabelValues(q.Type, "failed").Inc()
			return nil, errors.New(resp.Error)
		}
		b.plane.Metrics().QueriesExecuted.WithLabelValues(q.Type, "completed").Inc()
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		b.plane.Metrics().QueriesExecuted.WithLabelValues(q.Type, "timeout").Inc()
		return nil, &QueryTimeoutError{QueryType: q.Type, Timeout: b.timeout}
	}
}

func (b *QueryBus) publishEvent(ctx context.Context, channel string, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		slog.Error("cqrs: marshal lifecycle event", "channel", channel, "error", err)
		return
	}
	if err := b.plane.Publish(ctx, channel, payload); err != nil {
		slog.Error("cqrs: publish lifecycle event", "channel", channel, "error", err)
	}
}
