package memory

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// SnapshotWatcher watches the configured snapshot file for external writes.
// Changes are debounced and surfaced through the onChange callback; reloading
// stays an explicit LoadState call.
type SnapshotWatcher struct {
	watcher  *fsnotify.Watcher
	logger   zerolog.Logger
	target   string
	onChange func()
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}

	mu            sync.Mutex
	suppressUntil time.Time
}

// NewSnapshotWatcher creates a watcher invoking onChange after external
// snapshot writes.
func NewSnapshotWatcher(logger zerolog.Logger, onChange func()) (*SnapshotWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	sw := &SnapshotWatcher{
		watcher:  watcher,
		logger:   logger.With().Str("component", "snapshot-watcher").Logger(),
		onChange: onChange,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	go sw.run()

	return sw, nil
}

// Watch starts watching the snapshot path. The containing directory is
// watched so the watcher survives atomic replace-by-rename writes.
func (sw *SnapshotWatcher) Watch(path string) error {
	if path == "" {
		return fmt.Errorf("snapshot path is required")
	}
	sw.target = filepath.Base(path)
	return sw.watcher.Add(filepath.Dir(path))
}

// SuppressOwnWrite ignores events arriving within one debounce window. The
// engine calls it before writing its own snapshot so only external writes
// mark the state dirty.
func (sw *SnapshotWatcher) SuppressOwnWrite() {
	sw.mu.Lock()
	sw.suppressUntil = time.Now().Add(sw.debounce)
	sw.mu.Unlock()
}

func (sw *SnapshotWatcher) suppressed() bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return time.Now().Before(sw.suppressUntil)
}

// Stop stops the watcher.
func (sw *SnapshotWatcher) Stop() error {
	close(sw.stopCh)
	return sw.watcher.Close()
}

func (sw *SnapshotWatcher) run() {
	for {
		select {
		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}

			if filepath.Base(event.Name) != sw.target {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if sw.suppressed() {
					continue
				}

				sw.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Snapshot change detected")

				sw.scheduleNotify()
			}

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			sw.logger.Error().Err(err).Msg("Snapshot watcher error")

		case <-sw.stopCh:
			return
		}
	}
}

func (sw *SnapshotWatcher) scheduleNotify() {
	if sw.timer != nil {
		sw.timer.Stop()
	}

	sw.timer = time.AfterFunc(sw.debounce, func() {
		sw.logger.Debug().Msg("Marking engine state dirty after snapshot change")
		sw.onChange()
	})
}
