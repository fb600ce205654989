package datasource

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// bookOps are the operations that can change the contents of a watched file.
// Rename covers editors that save by moving a temp file over the original.
const bookOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename

// Watcher reports edits to one file, such as the address book, coalescing
// bursts of events into a single signal.
type Watcher struct {
	fs       *fsnotify.Watcher
	path     string
	name     string
	quiet    time.Duration
	changes  chan struct{}
	shutdown chan struct{}
}

// NewWatcher watches path through its parent directory, so the file may be
// replaced or created after the watch starts.
func NewWatcher(path string) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fs.Add(filepath.Dir(path)); err != nil {
		fs.Close()
		return nil, err
	}

	w := &Watcher{
		fs:       fs,
		path:     path,
		name:     filepath.Base(path),
		quiet:    100 * time.Millisecond,
		changes:  make(chan struct{}, 1),
		shutdown: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// Path is the watched file.
func (w *Watcher) Path() string {
	return w.path
}

// Changes delivers one value after each burst of edits settles. A value not
// yet received absorbs later bursts.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.shutdown)
	return w.fs.Close()
}

// affects reports whether ev touches the watched file's contents. Other files
// in the same directory are ignored.
func (w *Watcher) affects(ev fsnotify.Event) bool {
	return filepath.Base(ev.Name) == w.name && ev.Op&bookOps != 0
}

func (w *Watcher) notify() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}

func (w *Watcher) run() {
	settle := time.NewTimer(w.quiet)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-w.shutdown:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if w.affects(ev) {
				settle.Reset(w.quiet)
			}
		case <-settle.C:
			w.notify()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logger.WithError(err).WithField("path", w.path).Warn("file watch error")
		}
	}
}
