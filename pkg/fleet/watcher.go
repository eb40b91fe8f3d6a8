package fleet

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/core-tools/hsu-fleet/pkg/domain"
	"github.com/core-tools/hsu-fleet/pkg/errors"
	"github.com/core-tools/hsu-fleet/pkg/logging"
)

const DefaultReloadDebounce = 500 * time.Millisecond

// ReloadFunc receives the groups loaded after a change in the groups directory
type ReloadFunc func(groups []*domain.GroupConfig) error

// GroupWatcher reloads the groups directory whenever a group file changes.
// Bursts of events are collapsed into one reload.
type GroupWatcher struct {
	dir      string
	debounce time.Duration
	onChange ReloadFunc
	logger   logging.Logger

	mutex    sync.Mutex
	watcher  *fsnotify.Watcher
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func NewGroupWatcher(dir string, debounce time.Duration, onChange ReloadFunc, logger logging.Logger) *GroupWatcher {
	if debounce <= 0 {
		debounce = DefaultReloadDebounce
	}
	return &GroupWatcher{
		dir:      dir,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
	}
}

func (w *GroupWatcher) Start() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.watcher != nil {
		return errors.NewConflictError("group watcher already running", nil)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.NewIOError("failed to create file watcher", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return errors.NewIOError("failed to watch groups directory", err).WithContext("directory", w.dir)
	}

	w.watcher = watcher
	w.stopChan = make(chan struct{})
	w.wg.Add(1)
	go w.watchLoop(watcher, w.stopChan)

	w.logger.Infof("Watching groups directory: %s", w.dir)
	return nil
}

func (w *GroupWatcher) Stop() error {
	w.mutex.Lock()
	watcher := w.watcher
	if watcher == nil {
		w.mutex.Unlock()
		return nil
	}
	w.watcher = nil
	close(w.stopChan)
	w.mutex.Unlock()

	w.wg.Wait()
	if err := watcher.Close(); err != nil {
		return errors.NewIOError("failed to close file watcher", err)
	}
	w.logger.Infof("Stopped watching groups directory")
	return nil
}

func (w *GroupWatcher) watchLoop(watcher *fsnotify.Watcher, stopChan chan struct{}) {
	defer w.wg.Done()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !IsGroupFile(filepath.Base(event.Name)) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debugf("Group file changed: %s (%s)", event.Name, event.Op)
			timer.Reset(w.debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("Group watcher error: %v", err)

		case <-timer.C:
			w.reload()

		case <-stopChan:
			return
		}
	}
}

func (w *GroupWatcher) reload() {
	groups, err := LoadGroups(w.dir)
	if err != nil {
		// a broken file would otherwise drop its group and delete its servers
		w.logger.Errorf("Group reload skipped, fix the group files first: %v", err)
		return
	}

	w.logger.Infof("Reloading %d groups from %s", len(groups), w.dir)
	if err := w.onChange(groups); err != nil {
		w.logger.Errorf("Failed to apply reloaded groups: %v", err)
	}
}
