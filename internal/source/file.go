package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultFileDebounce = 100 * time.Millisecond

// File reads a document from the local filesystem.
type File struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
}

// FileOption configures a File source.
type FileOption func(*File)

// WithFileDebounce sets how long Watch waits for writes to settle before
// signalling.
func WithFileDebounce(d time.Duration) FileOption {
	return func(f *File) {
		if d > 0 {
			f.debounce = d
		}
	}
}

func WithFileLogger(logger *slog.Logger) FileOption {
	return func(f *File) {
		if logger != nil {
			f.logger = logger
		}
	}
}

func NewFile(path string, opts ...FileOption) *File {
	f := &File{
		path:     filepath.Clean(path),
		debounce: defaultFileDebounce,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *File) Fetch(context.Context) ([]byte, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", f.path, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", f.path, err)
	}
	return raw, nil
}

// Watch signals after the file is written, created, renamed into place or
// removed. The parent directory is watched so that editors and deploy tools
// that replace the file atomically are seen.
func (f *File) Watch(ctx context.Context) (<-chan struct{}, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(f.path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}

	changes := make(chan struct{}, 1)
	go f.run(ctx, fsw, changes)

	return changes, nil
}

func (f *File) run(ctx context.Context, fsw *fsnotify.Watcher, changes chan<- struct{}) {
	defer close(changes)
	defer fsw.Close()

	debounce := time.NewTimer(f.debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != f.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			debounce.Reset(f.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			f.logger.Warn("file watcher error", "path", f.path, "error", err)
			return
		case <-debounce.C:
			notify(changes)
		}
	}
}
