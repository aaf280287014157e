package export

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/wsexport/internal/bus"
	"github.com/nfrund/wsexport/internal/controlplane"
	"github.com/nfrund/wsexport/internal/workspace"
)

type fakeSource struct {
	pages    map[string]workspace.Page
	blocks   map[string][]workspace.Block
	search   []workspace.Page
	blockErr map[string]error
}

func (s *fakeSource) GetPage(ctx context.Context, pageID string) (workspace.Page, error) {
	page, ok := s.pages[pageID]
	if !ok {
		return workspace.Page{}, &workspace.APIError{Status: 404, Code: "not_found"}
	}
	return page, nil
}

func (s *fakeSource) StreamBlocks(ctx context.Context, pageID string, buffer int) *workspace.Stream[workspace.Block] {
	return workspace.NewStream(ctx, buffer, func(ctx context.Context, cursor string) ([]workspace.Block, string, error) {
		if err := s.blockErr[pageID]; err != nil {
			return nil, "", err
		}
		return s.blocks[pageID], "", nil
	})
}

func (s *fakeSource) StreamSearch(ctx context.Context, query string, buffer int) *workspace.Stream[workspace.Page] {
	return workspace.NewStream(ctx, buffer, func(ctx context.Context, cursor string) ([]workspace.Page, string, error) {
		return s.search, "", nil
	})
}

// watchEvents collects export progress events from the domain-events
// channel.
func watchEvents(t *testing.T, plane *controlplane.Plane) <-chan Event {
	t.Helper()

	out := make(chan Event, 32)
	cancel, err := plane.Subscribe(context.Background(), controlplane.ChannelDomainEvents, func(ctx context.Context, msg bus.Message) error {
		var ev Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			return err
		}
		out <- ev
		return nil
	})
	require.NoError(t, err)
	t.Cleanup(cancel)
	return out
}

func waitFor(t *testing.T, events <-chan Event, eventType string) Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", eventType)
			return Event{}
		}
	}
}

func TestRunExportsSinglePageAsMarkdown(t *testing.T) {
	plane := controlplane.New()
	fs := afero.NewMemMapFs()
	source := &fakeSource{
		pages: map[string]workspace.Page{
			"page-1": {ID: "page-1", Title: "Team Notes"},
		},
		blocks: map[string][]workspace.Block{
			"page-1": {
				{Type: "heading_1", Text: "Agenda"},
				{Type: "bulleted_list_item", Text: "ship it"},
				{Type: "code", Text: "go test ./...", Language: "bash"},
			},
		},
	}

	events := watchEvents(t, plane)
	exporter := New(plane, source, fs, Options{OutputDir: "/out", PageID: "page-1"})
	require.NoError(t, exporter.Run(context.Background()))

	waitFor(t, events, EventStarted)
	pageEv := waitFor(t, events, EventPage)
	assert.Equal(t, "page-1", pageEv.PageID)

	data, err := afero.ReadFile(fs, pageEv.Path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "# Team Notes")
	assert.Contains(t, content, "# Agenda")
	assert.Contains(t, content, "- ship it")
	assert.Contains(t, content, "```bash\ngo test ./...\n```")

	done := waitFor(t, events, EventCompleted)
	assert.Equal(t, 1, done.Pages)
	assert.Equal(t, 0, done.Errors)
}

func TestRunExportsSearchResultsAsJSON(t *testing.T) {
	plane := controlplane.New()
	fs := afero.NewMemMapFs()
	source := &fakeSource{
		search: []workspace.Page{
			{ID: "aaaa1111", Title: "First"},
			{ID: "bbbb2222", Title: "Second"},
		},
		blocks: map[string][]workspace.Block{
			"aaaa1111": {{Type: "paragraph", Text: "one"}},
			"bbbb2222": {{Type: "paragraph", Text: "two"}},
		},
	}

	events := watchEvents(t, plane)
	exporter := New(plane, source, fs, Options{OutputDir: "/out", Query: "notes", Format: FormatJSON})
	require.NoError(t, exporter.Run(context.Background()))

	done := waitFor(t, events, EventCompleted)
	assert.Equal(t, 2, done.Pages)

	matches, err := afero.Glob(fs, "/out/*.json")
	require.NoError(t, err)
	require.Len(t, matches, 2)

	data, err := afero.ReadFile(fs, matches[0])
	require.NoError(t, err)
	var doc struct {
		Page   workspace.Page    `json:"page"`
		Blocks []workspace.Block `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.NotEmpty(t, doc.Page.ID)
	require.Len(t, doc.Blocks, 1)
}

func TestPerPageFailureDoesNotStopRun(t *testing.T) {
	plane := controlplane.New()
	fs := afero.NewMemMapFs()
	source := &fakeSource{
		search: []workspace.Page{
			{ID: "good1111", Title: "Good"},
			{ID: "bad22222", Title: "Bad"},
		},
		blocks: map[string][]workspace.Block{
			"good1111": {{Type: "paragraph", Text: "fine"}},
		},
		blockErr: map[string]error{
			"bad22222": errors.New("blocks unavailable"),
		},
	}

	events := watchEvents(t, plane)
	exporter := New(plane, source, fs, Options{OutputDir: "/out", Query: "all", Concurrency: 1})
	require.NoError(t, exporter.Run(context.Background()))

	failed := waitFor(t, events, EventFailed)
	assert.Equal(t, "bad22222", failed.PageID)
	assert.Contains(t, failed.Error, "blocks unavailable")

	done := waitFor(t, events, EventCompleted)
	assert.Equal(t, 1, done.Pages)
	assert.Equal(t, 1, done.Errors)

	progress := exporter.progress.Get()
	assert.False(t, progress.Running)
	assert.Equal(t, 1, progress.Exported)
	assert.Equal(t, 1, progress.Errors)

	snap, err := plane.Metrics().Snapshot()
	require.NoError(t, err)
	assert.Equal(t, float64(1), snap["wsexport_pages_exported_total"])
	assert.Equal(t, float64(1), snap["wsexport_export_errors_total"])
}

func TestRunFailsWhenPageLookupFails(t *testing.T) {
	plane := controlplane.New()
	source := &fakeSource{}

	events := watchEvents(t, plane)
	exporter := New(plane, source, afero.NewMemMapFs(), Options{OutputDir: "/out", PageID: "missing"})

	err := exporter.Run(context.Background())
	require.Error(t, err)

	var apiErr *workspace.APIError
	require.ErrorAs(t, err, &apiErr)

	failed := waitFor(t, events, EventFailed)
	assert.NotEmpty(t, failed.Error)
}

func TestRenderMarkdownBlockTypes(t *testing.T) {
	page := workspace.Page{Title: "Doc"}
	tests := []struct {
		name  string
		block workspace.Block
		want  string
	}{
		{"heading2", workspace.Block{Type: "heading_2", Text: "Sub"}, "## Sub"},
		{"todo", workspace.Block{Type: "to_do", Text: "review"}, "- [ ] review"},
		{"quote", workspace.Block{Type: "quote", Text: "wise words"}, "> wise words"},
		{"numbered", workspace.Block{Type: "numbered_list_item", Text: "first"}, "1. first"},
		{"divider", workspace.Block{Type: "divider"}, "---"},
		{"unknown", workspace.Block{Type: "synced_block", Text: "raw"}, "raw"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := string(renderMarkdown(page, []workspace.Block{tt.block}))
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestFileNameSlug(t *testing.T) {
	page := workspace.Page{ID: "abcd-1234-ef56", Title: "Q3 Roadmap: Final!"}
	assert.Equal(t, "q3-roadmap-final-abcd1234.md", fileName(page, FormatMarkdown))
	assert.Equal(t, "q3-roadmap-final-abcd1234.json", fileName(page, FormatJSON))

	untitled := workspace.Page{ID: "abcd1234"}
	assert.Equal(t, "untitled-abcd1234.md", fileName(untitled, FormatMarkdown))
}

func TestSecondExporterSharesProgressContainer(t *testing.T) {
	plane := controlplane.New()
	fs := afero.NewMemMapFs()
	source := &fakeSource{
		pages: map[string]workspace.Page{
			"page-1": {ID: "page-1", Title: "Notes"},
		},
		blocks: map[string][]workspace.Block{
			"page-1": {{Type: "paragraph", Text: "body"}},
		},
	}

	first := New(plane, source, fs, Options{OutputDir: "/a", PageID: "page-1"})
	second := New(plane, source, fs, Options{OutputDir: "/b", PageID: "page-1"})
	require.NotNil(t, second.progress)

	require.NoError(t, second.Run(context.Background()))

	// Both handles read the same container, so the first exporter sees
	// the second one's run.
	assert.Equal(t, 1, first.progress.Get().Exported)
	assert.Equal(t, 1, second.progress.Get().Exported)
}

func TestRegisterComponentsUnderPlaneLifecycle(t *testing.T) {
	plane := controlplane.New()
	fs := afero.NewMemMapFs()
	exporter := New(plane, &fakeSource{}, fs, Options{OutputDir: "/exports"})

	require.NoError(t, exporter.RegisterComponents())

	ctx := context.Background()
	require.NoError(t, plane.Initialize(ctx))

	ok, err := afero.DirExists(fs, "/exports")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, plane.Start(ctx))
	require.NoError(t, plane.Stop(ctx))
	assert.False(t, exporter.progress.Get().Running)
}
