package danmaku

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watcherJoinTimeout bounds how long Stop waits for the watch goroutine.
const watcherJoinTimeout = time.Second

// Watcher hot-reloads the blacklist when either of its files changes on
// disk. It watches the containing directory (not the files themselves) so
// editors that replace files atomically still trigger a reload.
type Watcher struct {
	fsWatcher   *fsnotify.Watcher
	patternFile string
	userFile    string
	done        chan struct{}
}

// StartWatcher schedules filesystem watching for the two blacklist files
// and attaches the watcher to the service so Close tears it down.
func StartWatcher(service *BlacklistService, patternFile, userFile string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(patternFile)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		fsWatcher:   fsw,
		patternFile: filepath.Clean(patternFile),
		userFile:    filepath.Clean(userFile),
		done:        make(chan struct{}),
	}
	go w.run(service)

	service.watcher = w
	slog.Info("Started blacklist watcher", "dir", filepath.Dir(patternFile))
	return w, nil
}

func (w *Watcher) run(service *BlacklistService) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			path := filepath.Clean(event.Name)
			if path != w.patternFile && path != w.userFile {
				continue
			}
			slog.Info("Blacklist file changed", "path", filepath.Base(path))
			service.Reload(w.patternFile, w.userFile)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			slog.Error("Blacklist watcher error", "error", err)
		}
	}
}

// Stop closes the underlying watcher and waits up to one second for the
// watch goroutine to exit. A timeout is logged and swallowed so shutdown
// never hangs on a stuck watch.
func (w *Watcher) Stop() {
	w.fsWatcher.Close()
	select {
	case <-w.done:
	case <-time.After(watcherJoinTimeout):
		slog.Warn("Blacklist watcher did not stop in time")
	}
}
