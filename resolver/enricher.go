package resolver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"nextcloud-notifier/pkg/notifier"
	"os"
	"path/filepath"
)

// Downloader fetches file contents by file id.
type Downloader interface {
	DirectLink(ctx context.Context, fileID string) (string, error)
	Download(ctx context.Context, link string, w io.Writer) error
}

// Enricher downloads event files and attaches resolver fields to events.
type Enricher struct {
	downloader Downloader
	registry   *Registry
	logger     *slog.Logger
	tempDir    string // Parent for scratch directories, os.TempDir() when empty
}

// NewEnricher creates a new enricher.
func NewEnricher(downloader Downloader, registry *Registry, logger *slog.Logger) *Enricher {
	return &Enricher{
		downloader: downloader,
		registry:   registry,
		logger:     logger,
	}
}

// Enrich downloads the event's file and appends the registry's fields to it.
// Events whose action leaves no file behind are left untouched.
func (e *Enricher) Enrich(ctx context.Context, ev *notifier.Event) error {
	if !ev.Action.Downloadable() || e.registry.Len() == 0 {
		return nil
	}

	dir, err := os.MkdirTemp(e.tempDir, "nc-notifier-*")
	if err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			e.logger.Warn("Failed to remove download dir", "dir", dir, "error", rmErr)
		}
	}()

	name := ev.FileName()
	if name == "" || name == "." || name == ".." {
		name = "download"
	}
	target := filepath.Join(dir, name)

	if err := e.download(ctx, ev.FileID, target); err != nil {
		return fmt.Errorf("download file %s: %w", ev.FileID, err)
	}

	fields := e.registry.Fields(target)
	ev.Fields = append(ev.Fields, fields...)

	e.logger.Debug("Event enriched", "key", ev.Key(), "fields", len(fields))
	return nil
}

func (e *Enricher) download(ctx context.Context, fileID, target string) error {
	link, err := e.downloader.DirectLink(ctx, fileID)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create target: %w", err)
	}
	if err := e.downloader.Download(ctx, link, f); err != nil {
		if closeErr := f.Close(); closeErr != nil {
			e.logger.Warn("Failed to close download target after error", "error", closeErr)
		}
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close target: %w", err)
	}
	return nil
}
