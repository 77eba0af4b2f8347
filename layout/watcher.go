package layout

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.spotsense.io/slotwatch/logging"
	"go.spotsense.io/slotwatch/utils"
)

// DefaultDebounce is how long the watcher waits for writes to settle before reloading.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a layout file whenever it changes on disk.
type Watcher struct {
	path     string
	debounce func(func())
	watcher  *fsnotify.Watcher
	logger   logging.Logger
	workers  utils.StoppableWorkers

	mu      sync.Mutex
	updates chan *Layout
}

// NewWatcher starts watching path. The parent directory is watched so that editors which
// replace the file by renaming are noticed.
func NewWatcher(path string, settle time.Duration, logger logging.Logger) (*Watcher, error) {
	if settle <= 0 {
		settle = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, multierr.Combine(err, fsw.Close())
	}
	if err := fsw.Add(filepath.Dir(absPath)); err != nil {
		return nil, multierr.Combine(errors.Wrapf(err, "failed to watch %q", path), fsw.Close())
	}
	w := &Watcher{
		path:     absPath,
		debounce: debounce.New(settle),
		watcher:  fsw,
		updates:  make(chan *Layout, 1),
		logger:   logger,
	}
	w.workers = utils.NewStoppableWorkers(w.watchLoop)
	return w, nil
}

// Updates delivers every successfully reloaded layout. Only the newest unread layout is kept.
func (w *Watcher) Updates() <-chan *Layout {
	return w.updates
}

// Close stops watching.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	w.workers.Stop()
	return err
}

func (w *Watcher) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debugw("layout file changed", "op", event.Op.String())
			w.debounce(w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warnw("layout watcher error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	if _, err := os.Stat(w.path); err != nil {
		w.logger.Warnw("layout file disappeared, keeping current layout", "path", w.path)
		return
	}
	l, err := Load(w.path)
	if err != nil {
		w.logger.Warnw("ignoring invalid layout", "path", w.path, "error", err)
		return
	}
	w.logger.Infow("layout reloaded", "path", w.path, "slots", l.Len())
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.updates:
	default:
	}
	w.updates <- l
}
