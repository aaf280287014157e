package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/wsexport/internal/breaker"
)

func newTestClient(t *testing.T, handler http.Handler, opts ...func(*ClientConfig)) (*Client, *breaker.Registry) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := ClientConfig{
		BaseURL:           srv.URL,
		Token:             "test-token",
		RequestsPerSecond: 1000,
		Retry:             RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	breakers := breaker.NewRegistry()
	return NewClient(cfg, breakers), breakers
}

func TestGetPage(t *testing.T) {
	var gotAuth string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.Equal(t, "/v1/pages/page-1", r.URL.Path)
		json.NewEncoder(w).Encode(Page{ID: "page-1", Title: "Roadmap"})
	}))

	page, err := client.GetPage(context.Background(), "page-1")
	require.NoError(t, err)
	assert.Equal(t, "page-1", page.ID)
	assert.Equal(t, "Roadmap", page.Title)
	assert.Equal(t, "Bearer test-token", gotAuth)
}

func TestListBlocksPassesCursor(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/blocks/page-1/children", r.URL.Path)
		require.Equal(t, "abc", r.URL.Query().Get("cursor"))
		json.NewEncoder(w).Encode(BlockPage{
			Blocks:  []Block{{ID: "b1", Type: "paragraph", Text: "hello"}},
			HasMore: false,
		})
	}))

	page, err := client.ListBlocks(context.Background(), "page-1", "abc")
	require.NoError(t, err)
	require.Len(t, page.Blocks, 1)
	assert.Equal(t, "hello", page.Blocks[0].Text)
}

func TestClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"code": "not_found", "message": "no such page"})
	}))

	_, err := client.GetPage(context.Background(), "missing")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestServerErrorIsRetriedUntilSuccess(t *testing.T) {
	var calls atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(Page{ID: "page-1"})
	}))

	page, err := client.GetPage(context.Background(), "page-1")
	require.NoError(t, err)
	assert.Equal(t, "page-1", page.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	var calls atomic.Int32
	start := time.Now()
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(Page{ID: "page-1"})
	}))

	_, err := client.GetPage(context.Background(), "page-1")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestRepeatedFailuresOpenBreaker(t *testing.T) {
	client, breakers := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}), func(cfg *ClientConfig) {
		cfg.Retry = RetryConfig{MaxAttempts: 10, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	})

	_, err := client.GetPage(context.Background(), "page-1")
	require.Error(t, err)

	var openErr *breaker.OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, BreakerName, openErr.Name)

	b, ok := breakers.Get(BreakerName)
	require.True(t, ok)
	assert.Equal(t, breaker.StateOpen, b.State())
}

func TestSearchPostsQuery(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/search", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "roadmap", body["query"])

		json.NewEncoder(w).Encode(SearchPage{Pages: []Page{{ID: "page-1"}}})
	}))

	results, err := client.Search(context.Background(), "roadmap", "")
	require.NoError(t, err)
	require.Len(t, results.Pages, 1)
}

func TestStreamBlocksWalksAllPages(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cursor") {
		case "":
			json.NewEncoder(w).Encode(BlockPage{
				Blocks:     []Block{{ID: "b1"}, {ID: "b2"}},
				NextCursor: "c2",
				HasMore:    true,
			})
		case "c2":
			json.NewEncoder(w).Encode(BlockPage{Blocks: []Block{{ID: "b3"}}})
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))

	stream := client.StreamBlocks(context.Background(), "page-1", 2)
	defer stream.Close()

	var ids []string
	for {
		block, ok, err := stream.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		ids = append(ids, block.ID)
	}
	assert.Equal(t, []string{"b1", "b2", "b3"}, ids)
	assert.NoError(t, stream.Err())
}

func TestStreamSurfacesProducerError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	stream := client.StreamBlocks(context.Background(), "page-1", 1)
	defer stream.Close()

	_, ok, err := stream.Next(context.Background())
	assert.False(t, ok)
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
}

func TestStreamProducerBlocksOnFullQueue(t *testing.T) {
	var served atomic.Int32
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served.Add(1)
		blocks := make([]Block, 10)
		for i := range blocks {
			blocks[i] = Block{ID: fmt.Sprintf("b%d", i)}
		}
		json.NewEncoder(w).Encode(BlockPage{Blocks: blocks, NextCursor: "more", HasMore: true})
	}))

	stream := client.StreamBlocks(context.Background(), "page-1", 2)
	defer stream.Close()

	// Drain nothing; the producer must stall after the first page
	// rather than fetching the endless listing.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), served.Load())
}

func TestStreamCloseStopsProducer(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(BlockPage{
			Blocks:     []Block{{ID: "b1"}, {ID: "b2"}, {ID: "b3"}},
			NextCursor: "more",
			HasMore:    true,
		})
	}))

	stream := client.StreamBlocks(context.Background(), "page-1", 1)
	_, ok, err := stream.Next(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	stream.Close()

	// The queue may hold one buffered item; after that the stream ends.
	for i := 0; i < 2; i++ {
		if _, ok, _ := stream.Next(context.Background()); !ok {
			return
		}
	}
	t.Fatal("stream did not end after Close")
}
