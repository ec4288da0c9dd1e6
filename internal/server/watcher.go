package server

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// MetadataWatcher calls a reload function when a file is written or replaced.
// The parent directory is watched so that editors that save by renaming are
// still seen.
type MetadataWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	reload  func()
	log     *slog.Logger

	// debounce collapses bursts of events from a single save
	debounce time.Duration
}

// NewMetadataWatcher creates a watcher for path
func NewMetadataWatcher(path string, log *slog.Logger, reload func()) (*MetadataWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &MetadataWatcher{
		watcher:  watcher,
		path:     abs,
		reload:   reload,
		log:      log,
		debounce: 100 * time.Millisecond,
	}, nil
}

// Start begins watching and processes events in the background until ctx ends
func (mw *MetadataWatcher) Start(ctx context.Context) error {
	if err := mw.watcher.Add(filepath.Dir(mw.path)); err != nil {
		mw.watcher.Close()
		return err
	}
	mw.log.Info("Watching plate metadata", "path", mw.path)
	go mw.processEvents(ctx)
	return nil
}

func (mw *MetadataWatcher) processEvents(ctx context.Context) {
	defer mw.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != mw.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(mw.debounce)
			} else {
				timer.Reset(mw.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			mw.reload()

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			mw.log.Warn("metadata watcher error", "error", err)

		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}
