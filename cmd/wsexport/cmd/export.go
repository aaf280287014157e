package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nfrund/wsexport/internal/config"
	"github.com/nfrund/wsexport/internal/controlplane"
	"github.com/nfrund/wsexport/internal/export"
	"github.com/nfrund/wsexport/internal/workspace"
)

var (
	flagPageID      string
	flagQuery       string
	flagOutputDir   string
	flagFormat      string
	flagConcurrency int
	flagWatch       bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export one page or a whole search result to files",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagWatch && configPath == "" {
			return fmt.Errorf("--watch needs --config to know which file to watch")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := runExport(ctx); err != nil {
			return err
		}
		if !flagWatch {
			return nil
		}
		return watchAndRerun(ctx)
	},
}

func init() {
	exportCmd.Flags().StringVar(&flagPageID, "page", "", "export a single page by id")
	exportCmd.Flags().StringVar(&flagQuery, "query", "", "export every page matching this search query")
	exportCmd.Flags().StringVarP(&flagOutputDir, "out", "o", "", "output directory")
	exportCmd.Flags().StringVar(&flagFormat, "format", "", "output format: markdown or json")
	exportCmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "number of concurrent page workers")
	exportCmd.Flags().BoolVar(&flagWatch, "watch", false, "re-run the export when the config file changes")
	rootCmd.AddCommand(exportCmd)
}

// loadConfig merges flag overrides on top of env and file config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.New(configPath)
	if err != nil {
		return nil, err
	}
	if flagPageID != "" {
		cfg.PageID = flagPageID
	}
	if flagQuery != "" {
		cfg.Query = flagQuery
	}
	if flagOutputDir != "" {
		cfg.OutputDir = flagOutputDir
	}
	if flagFormat != "" {
		cfg.Format = flagFormat
	}
	if flagConcurrency > 0 {
		cfg.Concurrency = flagConcurrency
	}
	return cfg, cfg.Validate()
}

// runExport builds a fresh control plane, runs one export through its
// lifecycle, and tears it down.
func runExport(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	plane := controlplane.New()
	client := workspace.NewClient(workspace.ClientConfig{
		BaseURL:           cfg.WorkspaceURL,
		Token:             cfg.Token,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}, plane.Breakers())

	exporter := export.New(plane, client, afero.NewOsFs(), export.Options{
		OutputDir:   cfg.OutputDir,
		Format:      export.Format(cfg.Format),
		PageID:      cfg.PageID,
		Query:       cfg.Query,
		Concurrency: cfg.Concurrency,
		QueueSize:   cfg.QueueSize,
	})
	if err := exporter.RegisterComponents(); err != nil {
		return err
	}

	if err := plane.Initialize(ctx); err != nil {
		return err
	}
	if err := plane.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := plane.Stop(context.Background()); err != nil {
			slog.Warn("export: stop failed", "error", err)
		}
		if err := plane.Destroy(context.Background()); err != nil {
			slog.Warn("export: teardown failed", "error", err)
		}
	}()

	return exporter.Run(ctx)
}

// watchAndRerun re-runs the export whenever the config file changes.
// Editors often replace the file rather than writing it in place, so
// the watch is on the directory and filtered by name.
func watchAndRerun(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(configPath)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	slog.Info("watching for config changes", "path", configPath)

	var debounce *time.Timer
	rerun := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(configPath) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(250*time.Millisecond, func() {
				select {
				case rerun <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("watch error", "error", err)
		case <-rerun:
			slog.Info("config changed, re-running export")
			if err := runExport(ctx); err != nil {
				slog.Error("export failed", "error", err)
			}
		}
	}
}
