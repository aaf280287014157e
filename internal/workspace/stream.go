package workspace

import (
	"context"
	"sync"
)

// Stream yields items from a paginated listing one at a time over a
// bounded queue. The producer fetches pages on demand and blocks when
// the queue is full, so a slow consumer applies backpressure all the
// way to the HTTP layer instead of buffering the whole listing.
type Stream[T any] struct {
	items  chan T
	done   chan struct{}
	closed sync.Once

	mu  sync.Mutex
	err error
}

// FetchPage returns one page of items plus the cursor for the next
// page; an empty cursor ends the stream.
type FetchPage[T any] func(ctx context.Context, cursor string) ([]T, string, error)

// NewStream starts a stream over any paginated fetch function.
func NewStream[T any](ctx context.Context, buffer int, fetch FetchPage[T]) *Stream[T] {
	if buffer < 1 {
		buffer = 1
	}
	s := &Stream[T]{
		items: make(chan T, buffer),
		done:  make(chan struct{}),
	}
	go s.produce(ctx, fetch)
	return s
}

func (s *Stream[T]) produce(ctx context.Context, fetch FetchPage[T]) {
	defer close(s.items)

	cursor := ""
	for {
		items, next, err := fetch(ctx, cursor)
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
		for _, item := range items {
			select {
			case s.items <- item:
			case <-s.done:
				return
			case <-ctx.Done():
				s.mu.Lock()
				s.err = ctx.Err()
				s.mu.Unlock()
				return
			}
		}
		if next == "" {
			return
		}
		cursor = next
	}
}

// Next blocks until an item is available. ok is false once the stream
// is exhausted, failed, or closed; check Err then.
func (s *Stream[T]) Next(ctx context.Context) (T, bool, error) {
	var zero T
	select {
	case item, open := <-s.items:
		if !open {
			return zero, false, s.Err()
		}
		return item, true, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Err returns the terminal error, if the producer failed.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close stops the producer. Safe to call more than once.
func (s *Stream[T]) Close() {
	s.closed.Do(func() { close(s.done) })
}

// StreamBlocks streams all block children of a page.
func (c *Client) StreamBlocks(ctx context.Context, pageID string, buffer int) *Stream[Block] {
	return NewStream(ctx, buffer, func(ctx context.Context, cursor string) ([]Block, string, error) {
		page, err := c.ListBlocks(ctx, pageID, cursor)
		if err != nil {
			return nil, "", err
		}
		next := ""
		if page.HasMore {
			next = page.NextCursor
		}
		return page.Blocks, next, nil
	})
}

// StreamSearch streams all pages matching the query.
func (c *Client) StreamSearch(ctx context.Context, query string, buffer int) *Stream[Page] {
	return NewStream(ctx, buffer, func(ctx context.Context, cursor string) ([]Page, string, error) {
		page, err := c.Search(ctx, query, cursor)
		if err != nil {
			return nil, "", err
		}
		next := ""
		if page.HasMore {
			next = page.NextCursor
		}
		return page.Pages, next, nil
	})
}
