// Package export walks workspace pages and writes them to files. It
// sits on the control plane: progress is published as domain events,
// counters land in the metrics registry, and the running totals live
// in a state container so any subscriber can watch an export move.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/nfrund/wsexport/internal/component"
	"github.com/nfrund/wsexport/internal/controlplane"
	"github.com/nfrund/wsexport/internal/state"
	"github.com/nfrund/wsexport/internal/workspace"
)

// Format selects the output file format.
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
)

// Event types published on the domain-events channel.
const (
	EventStarted   = "export.started"
	EventPage      = "export.page"
	EventCompleted = "export.completed"
	EventFailed    = "export.failed"
)

// StateKey is the registry key of the export progress container.
const StateKey = "export.progress"

// Event is one export progress notification.
type Event struct {
	Type      string    `json:"type"`
	PageID    string    `json:"pageId,omitempty"`
	Title     string    `json:"title,omitempty"`
	Path      string    `json:"path,omitempty"`
	Pages     int       `json:"pages,omitempty"`
	Errors    int       `json:"errors,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Progress is the running totals kept in the state registry.
type Progress struct {
	Running  bool `json:"running"`
	Exported int  `json:"exported"`
	Errors   int  `json:"errors"`
}

// Source yields pages and blocks; satisfied by workspace.Client.
type Source interface {
	GetPage(ctx context.Context, pageID string) (workspace.Page, error)
	StreamBlocks(ctx context.Context, pageID string, buffer int) *workspace.Stream[workspace.Block]
	StreamSearch(ctx context.Context, query string, buffer int) *workspace.Stream[workspace.Page]
}

// Options configures one exporter.
type Options struct {
	OutputDir   string
	Format      Format
	PageID      string
	Query       string
	Concurrency int
	QueueSize   int
}

// Exporter runs exports against one source and filesystem.
type Exporter struct {
	plane    *controlplane.Plane
	source   Source
	fs       afero.Fs
	opts     Options
	progress *state.Mutable[Progress]
}

// New builds an exporter. The progress container is registered on the
// plane's state registry; a second exporter on the same plane shares
// it.
func New(plane *controlplane.Plane, source Source, fs afero.Fs, opts Options) *Exporter {
	if opts.Format == "" {
		opts.Format = FormatMarkdown
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 4
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 16
	}

	progress, err := state.RegisterMutable(plane.State(), StateKey, Progress{})
	if err != nil {
		existing, ok := state.GetMutable[Progress](plane.State(), StateKey)
		if !ok {
			slog.Warn("export: progress container unavailable", "error", err)
		}
		progress = existing
	}

	return &Exporter{
		plane:    plane,
		source:   source,
		fs:       fs,
		opts:     opts,
		progress: progress,
	}
}

// Run exports either the single configured page or everything the
// search query matches. Per-page failures are counted and reported
// but do not stop the run; Run returns an error only when the page
// stream itself fails or every worker is cancelled.
func (e *Exporter) Run(ctx context.Context) error {
	if err := e.fs.MkdirAll(e.opts.OutputDir, 0o755); err != nil {
		return fmt.Errorf("export: create output dir: %w", err)
	}

	e.setProgress(func(p *Progress) { *p = Progress{Running: true} })
	e.publish(ctx, Event{Type: EventStarted, Timestamp: time.Now()})

	pages, finish, err := e.pageSource(ctx)
	if err != nil {
		e.fail(ctx, err)
		return err
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		exported int
		failures int
	)
	for i := 0; i < e.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for page := range pages {
				if err := e.exportPage(ctx, page); err != nil {
					slog.Error("export: page failed", "page", page.ID, "error", err)
					e.plane.Metrics().ExportErrors.Inc()
					e.publish(ctx, Event{
						Type:      EventFailed,
						PageID:    page.ID,
						Title:     page.Title,
						Error:     err.Error(),
						Timestamp: time.Now(),
					})
					mu.Lock()
					failures++
					mu.Unlock()
					e.setProgress(func(p *Progress) { p.Errors++ })
					continue
				}
				mu.Lock()
				exported++
				mu.Unlock()
				e.setProgress(func(p *Progress) { p.Exported++ })
			}
		}()
	}
	wg.Wait()

	if err := finish(); err != nil {
		e.fail(ctx, err)
		return err
	}

	e.setProgress(func(p *Progress) { p.Running = false })
	e.publish(ctx, Event{
		Type:      EventCompleted,
		Pages:     exported,
		Errors:    failures,
		Timestamp: time.Now(),
	})
	slog.Info("export: completed", "pages", exported, "errors", failures)
	return nil
}

// pageSource feeds pages to the workers over a bounded channel. The
// finish callback reports the terminal stream error once the channel
// is drained.
func (e *Exporter) pageSource(ctx context.Context) (<-chan workspace.Page, func() error, error) {
	out := make(chan workspace.Page, e.opts.QueueSize)

	if e.opts.PageID != "" {
		page, err := e.source.GetPage(ctx, e.opts.PageID)
		if err != nil {
			return nil, nil, err
		}
		out <- page
		close(out)
		return out, func() error { return nil }, nil
	}

	stream := e.source.StreamSearch(ctx, e.opts.Query, e.opts.QueueSize)
	go func() {
		defer close(out)
		for {
			page, ok, err := stream.Next(ctx)
			if err != nil || !ok {
				return
			}
			select {
			case out <- page:
			case <-ctx.Done():
				stream.Close()
				return
			}
		}
	}()
	return out, func() error {
		stream.Close()
		return stream.Err()
	}, nil
}

func (e *Exporter) exportPage(ctx context.Context, page workspace.Page) error {
	blocks, err := e.collectBlocks(ctx, page.ID)
	if err != nil {
		return err
	}

	var content []byte
	switch e.opts.Format {
	case FormatJSON:
		content, err = renderJSON(page, blocks)
		if err != nil {
			return fmt.Errorf("render %s: %w", page.ID, err)
		}
	default:
		content = renderMarkdown(page, blocks)
	}

	path := filepath.Join(e.opts.OutputDir, fileName(page, e.opts.Format))
	if err := afero.WriteFile(e.fs, path, content, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	e.plane.Metrics().PagesExported.Inc()
	e.publish(ctx, Event{
		Type:      EventPage,
		PageID:    page.ID,
		Title:     page.Title,
		Path:      path,
		Timestamp: time.Now(),
	})
	return nil
}

func (e *Exporter) collectBlocks(ctx context.Context, pageID string) ([]workspace.Block, error) {
	stream := e.source.StreamBlocks(ctx, pageID, e.opts.QueueSize)
	defer stream.Close()

	var blocks []workspace.Block
	for {
		block, ok, err := stream.Next(ctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return blocks, stream.Err()
		}
		blocks = append(blocks, block)
	}
}

func (e *Exporter) fail(ctx context.Context, err error) {
	e.plane.Metrics().ExportErrors.Inc()
	e.setProgress(func(p *Progress) { p.Running = false; p.Errors++ })
	e.publish(ctx, Event{Type: EventFailed, Error: err.Error(), Timestamp: time.Now()})
}

func (e *Exporter) publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := e.plane.Publish(ctx, controlplane.ChannelDomainEvents, payload); err != nil {
		slog.Debug("export: progress event not published", "type", event.Type, "error", err)
	}
}

func (e *Exporter) setProgress(update func(*Progress)) {
	if e.progress == nil {
		return
	}
	e.progress.Update(func(p Progress) Progress {
		update(&p)
		return p
	})
}

// RegisterComponents puts the exporter's moving parts under the
// plane's component lifecycle: the writer prepares the output tree on
// initialize and the tracker closes out progress on stop.
func (e *Exporter) RegisterComponents() error {
	writer := component.Config{
		Name:      "export.writer",
		Singleton: true,
		Factory: func(args ...any) (component.Component, error) {
			return &writerComponent{fs: e.fs, dir: e.opts.OutputDir}, nil
		},
	}
	tracker := component.Config{
		Name:         "export.tracker",
		Singleton:    true,
		Dependencies: []string{"export.writer"},
		Factory: func(args ...any) (component.Component, error) {
			return &trackerComponent{exporter: e}, nil
		},
	}
	if err := e.plane.RegisterComponent(writer); err != nil {
		return err
	}
	if err := e.plane.RegisterComponent(tracker); err != nil {
		return err
	}
	if _, err := e.plane.Components().Create("export.tracker"); err != nil {
		return err
	}
	return nil
}

type writerComponent struct {
	component.Base
	fs  afero.Fs
	dir string
}

func (w *writerComponent) Initialize(ctx context.Context) error {
	return w.fs.MkdirAll(w.dir, 0o755)
}

type trackerComponent struct {
	component.Base
	exporter *Exporter
}

func (t *trackerComponent) Stop(ctx context.Context) error {
	t.exporter.setProgress(func(p *Progress) { p.Running = false })
	return nil
}
