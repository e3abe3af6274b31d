package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const reloadDebounce = 500 * time.Millisecond

type seedFile struct {
	Entries []Entry `yaml:"entries"`
}

// LoadSeedFile reads provisioning entries from a YAML file. A missing
// file yields no entries.
func LoadSeedFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var f seedFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i := range f.Entries {
		if err := f.Entries[i].Normalize(); err != nil {
			return nil, fmt.Errorf("%s entry %d: %w", path, i, err)
		}
	}
	return f.Entries, nil
}

// ApplySeed upserts every entry from path into the list. Entries that are
// only present in the list are left alone.
func (l *List) ApplySeed(path string) (int, error) {
	entries, err := LoadSeedFile(path)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if err := l.Upsert(e); err != nil {
			return 0, err
		}
	}
	return len(entries), nil
}

// Watcher re-applies a seed file whenever it changes on disk.
type Watcher struct {
	path    string
	list    *List
	watcher *fsnotify.Watcher
	logger  *slog.Logger
}

// NewWatcher watches the directory holding path so that editors which
// replace the file on save are still noticed.
func NewWatcher(path string, list *List, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %q: %w", path, err)
	}
	return &Watcher{
		path:    filepath.Clean(path),
		list:    list,
		watcher: w,
		logger:  logger.With("component", "provisioning-watch"),
	}, nil
}

// Run blocks until ctx is canceled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, w.reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "err", err)
		}
	}
}

func (w *Watcher) reload() {
	n, err := w.list.ApplySeed(w.path)
	if err != nil {
		w.logger.Error("provisioning reload failed", "path", w.path, "err", err)
		return
	}
	w.logger.Info("provisioning file reloaded", "path", w.path, "entries", n)
}
