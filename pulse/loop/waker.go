package loop

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/emfacilities/emfac/errors"
	"github.com/emfacilities/emfac/logger"
)

// FileWaker wakes a loop when a watched file changes. SQLite writers touch
// the -wal and -shm companions rather than the main file, so the parent
// directory is watched and events are matched on the file name prefix.
type FileWaker struct {
	watcher *fsnotify.Watcher
	names   map[string]struct{}
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
	log     *zap.SugaredLogger
}

// NewFileWaker watches paths. It returns an error when a parent directory
// cannot be watched.
func NewFileWaker(log *zap.SugaredLogger, paths ...string) (*FileWaker, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	w := &FileWaker{
		watcher: watcher,
		names:   make(map[string]struct{}),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		log:     logger.OrNop(log).Named("waker"),
	}

	dirs := make(map[string]struct{})
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			watcher.Close()
			return nil, errors.Wrapf(err, "resolve %s", p)
		}
		w.names[abs] = struct{}{}
		dirs[filepath.Dir(abs)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, errors.Wrapf(err, "failed to watch %s", dir)
		}
	}

	go w.watchLoop()
	return w, nil
}

// Wake returns the wake-up channel. At most one wake-up is buffered.
func (w *FileWaker) Wake() <-chan struct{} { return w.wake }

// Close stops watching.
func (w *FileWaker) Close() error {
	var err error
	w.once.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}

func (w *FileWaker) watchLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if !w.matches(event.Name) {
				continue
			}
			select {
			case w.wake <- struct{}{}:
			default:
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warnw("Watcher error", logger.FieldError, err)
		}
	}
}

func (w *FileWaker) matches(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	for watched := range w.names {
		if abs == watched || strings.HasPrefix(abs, watched+"-") {
			return true
		}
	}
	return false
}
