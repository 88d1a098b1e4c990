package sync

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// outboxSettle is how long a dropped file must sit unchanged before import.
// Copies from slow media arrive as a stream of writes; importing too early
// captures a truncated payload.
const outboxSettle = 1 * time.Second

// OutboxWatcher imports attachments dropped into the outbox directory.
// The expected layout is <outbox>/<caseID>/<filename>: each file becomes a
// locally created case document and is removed once registered.
type OutboxWatcher struct {
	dir     string
	docs    *DocReconciler
	watcher *fsnotify.Watcher
	logger  *slog.Logger

	pending map[string]time.Time
}

// NewOutboxWatcher creates the directory if needed and starts watching it
// and its per-case subdirectories.
func NewOutboxWatcher(dir string, docs *DocReconciler, logger *slog.Logger) (*OutboxWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("sync: creating outbox %s: %w", dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("sync: creating outbox watcher: %w", err)
	}

	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("sync: watching outbox %s: %w", dir, err)
	}

	w := &OutboxWatcher{
		dir:     dir,
		docs:    docs,
		watcher: watcher,
		logger:  logger,
		pending: make(map[string]time.Time),
	}

	// Pick up case subdirectories that already exist.
	entries, err := os.ReadDir(dir)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("sync: reading outbox %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			if err := watcher.Add(filepath.Join(dir, entry.Name())); err != nil {
				w.logger.Warn("outbox subdirectory not watched",
					slog.String("dir", entry.Name()),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	return w, nil
}

// Close releases the filesystem watcher.
func (w *OutboxWatcher) Close() error {
	return w.watcher.Close()
}

// Run processes events until the context is canceled, signaling drops after
// each successful import so the watch loop schedules a pass.
func (w *OutboxWatcher) Run(ctx context.Context, drops chan<- struct{}) {
	// Files left behind from a previous session import on startup.
	w.sweepExisting()

	ticker := time.NewTicker(outboxSettle)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.logger.Warn("outbox watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if w.importSettled(ctx) {
				select {
				case drops <- struct{}{}:
				default:
				}
			}
		}
	}
}

// handleEvent tracks new files and watches new case subdirectories.
func (w *OutboxWatcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}

	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Warn("outbox subdirectory not watched",
					slog.String("dir", event.Name),
					slog.String("error", err.Error()),
				)
			}
		}

		return
	}

	w.pending[event.Name] = time.Now()
}

// sweepExisting queues every file already sitting in the outbox.
func (w *OutboxWatcher) sweepExisting() {
	_ = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}

		w.pending[path] = time.Now()

		return nil
	})
}

// importSettled imports every pending file that has sat unchanged for the
// settle window. Returns true when at least one import succeeded.
func (w *OutboxWatcher) importSettled(ctx context.Context) bool {
	imported := false

	for path, seen := range w.pending {
		if time.Since(seen) < outboxSettle {
			continue
		}

		delete(w.pending, path)

		if err := w.importFile(ctx, path); err != nil {
			w.logger.Warn("outbox import failed",
				slog.String("file", path),
				slog.String("error", err.Error()),
			)

			continue
		}

		imported = true
	}

	return imported
}

// importFile registers one dropped file as a local case document and removes
// it from the outbox.
func (w *OutboxWatcher) importFile(ctx context.Context, path string) error {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return err
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 {
		return fmt.Errorf("sync: outbox file %s not under a case directory", rel)
	}

	caseID, name := parts[0], parts[1]

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("sync: reading outbox file %s: %w", rel, err)
	}

	contentType := mime.TypeByExtension(filepath.Ext(name))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}

	rec, err := w.docs.ImportLocal(ctx, caseID, name, contentType, data)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		w.logger.Warn("outbox file not removed after import",
			slog.String("file", rel),
			slog.String("error", err.Error()),
		)
	}

	w.logger.Info("attachment imported",
		slog.String("case", caseID),
		slog.String("name", name),
		slog.String("doc", rec.ID()),
	)

	return nil
}
