package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

const processedDir = "processed"

// Capturer is what the watcher hands photos to.
type Capturer interface {
	Capture(ctx context.Context, c Capture) (Outcome, error)
}

// Watcher picks up photos dropped into an inbox directory. Files are
// captured one at a time and moved into inbox/processed afterwards.
// Writers should create files under a dot-prefixed or .part name and
// rename them into place; such names are ignored.
type Watcher struct {
	dir      string
	owner    string
	capturer Capturer
	logger   *slog.Logger
}

// NewWatcher creates a Watcher for dir that captures on behalf of owner.
func NewWatcher(dir, owner string, capturer Capturer) *Watcher {
	if owner == "" {
		owner = "device"
	}
	return &Watcher{dir: dir, owner: owner, capturer: capturer, logger: slog.Default()}
}

// Run processes files already in the inbox and then watches for new ones
// until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Join(w.dir, processedDir), 0o700); err != nil {
		return fmt.Errorf("creating inbox: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating inbox watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}

	if _, err := w.Backfill(ctx); err != nil {
		w.logger.Warn("inbox backfill failed", "error", err)
	}
	w.logger.Info("watching inbox", "dir", w.dir, "owner", w.owner)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) != 0 && isImage(ev.Name) {
				w.process(ctx, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("inbox watcher error", "error", err)
		}
	}
}

// Backfill captures every image currently in the inbox and returns how many
// were handled.
func (w *Watcher) Backfill(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() || !isImage(e.Name()) {
			continue
		}
		if w.process(ctx, filepath.Join(w.dir, e.Name())) {
			n++
		}
	}
	return n, nil
}

func (w *Watcher) process(ctx context.Context, path string) bool {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("reading inbox file", "path", path, "error", err)
		return false
	}

	out, err := w.capturer.Capture(ctx, Capture{
		OwnerID:    w.owner,
		Data:       data,
		Metadata:   map[string]string{"source": "inbox", "filename": filepath.Base(path)},
		CapturedAt: info.ModTime().UTC(),
	})
	if err != nil {
		w.logger.Error("inbox capture failed, leaving file in place", "path", path, "error", err)
		return false
	}

	dest := filepath.Join(w.dir, processedDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		w.logger.Warn("moving processed inbox file", "path", path, "error", err)
	}
	w.logger.Info("inbox file captured", "file", filepath.Base(path), "queued", out.Queued)
	return true
}

func isImage(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	switch strings.ToLower(filepath.Ext(base)) {
	case ".jpg", ".jpeg", ".png", ".webp":
		return true
	}
	return false
}
