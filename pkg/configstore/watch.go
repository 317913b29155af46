package configstore

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 100 * time.Millisecond

// Watcher reports changes to the config directory, debounced so an editor's
// write-rename dance or a multi-file apply lands as one tick. The channel is
// buffered, a pending tick absorbs further changes.
type Watcher struct {
	logger  *slog.Logger
	dir     string
	watcher *fsnotify.Watcher
	ch      chan struct{}
}

func NewWatcher(logger *slog.Logger, dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watching directory %s: %w", dir, err)
	}
	return &Watcher{
		logger:  logger,
		dir:     dir,
		watcher: fw,
		ch:      make(chan struct{}, 1),
	}, nil
}

// Changes delivers one tick per debounced burst of edits.
func (w *Watcher) Changes() <-chan struct{} {
	return w.ch
}

// Run pumps filesystem events until the context ends.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.logger.With("dir", w.dir).Debug("watching config directory")

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
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.ignore(event) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDelay, func() {
				select {
				case w.ch <- struct{}{}:
					w.logger.With("dir", w.dir).Debug("config directory changed")
				default:
				}
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.With("err", err).Error("file watcher error")
		}
	}
}

// ignore filters the hash file, hidden files, and events that do not change
// content.
func (w *Watcher) ignore(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if name == hashFileName || strings.HasPrefix(name, ".") {
		return true
	}
	return !event.Op.Has(fsnotify.Write) &&
		!event.Op.Has(fsnotify.Create) &&
		!event.Op.Has(fsnotify.Remove) &&
		!event.Op.Has(fsnotify.Rename)
}
