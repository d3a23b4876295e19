package clientconfig

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/insa-strasbourg/hermes-client/internal/datamodel"
	"github.com/insa-strasbourg/hermes-client/pkg/logger"
)

// debounce absorbs the burst of Write/Create/Rename events a single editor
// save can produce (write-then-rename for atomic saves, multiple writes for
// in-place ones), mirroring the debounce pattern used for watched reloads
// elsewhere in the corpus.
const debounce = 200 * time.Millisecond

// OnChange is called with the freshly loaded mappings whenever the watched
// file changes and reloads successfully. A failed reload is logged and the
// previous mappings are left in place, so a syntax error mid-edit never
// tears down a running client.
type OnChange func(mappings map[string]*datamodel.Mapping)

// Watcher reloads the datamodel mapping file on change, spec §4.2's
// "client may update its mapping at runtime" allowance — this is additive
// to the distilled spec's reload-on-restart baseline.
type Watcher struct {
	Path string
	Log  logger.Logger

	watcher *fsnotify.Watcher
}

// Watch starts watching Path's containing directory (not the file itself:
// editors typically replace the file via rename-on-save, which would
// silently drop a watch on the inode) and calls onChange after every
// settled edit. Stops when ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context, onChange OnChange) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw

	dir := filepath.Dir(w.Path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return err
	}

	go w.loop(ctx, onChange)
	return nil
}

func (w *Watcher) loop(ctx context.Context, onChange OnChange) {
	defer w.watcher.Close()

	var timer *time.Timer
	reload := func() {
		mappings, err := Load(w.Path)
		if err != nil {
			w.Log.WarnContext(ctx, "datamodel mapping reload failed, keeping previous mapping", "path", w.Path, "error", err)
			return
		}
		w.Log.InfoContext(ctx, "datamodel mapping reloaded", "path", w.Path)
		onChange(mappings)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.Path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.Log.WarnContext(ctx, "datamodel mapping watch error", "path", w.Path, "error", err)
		}
	}
}

// Close stops the underlying fsnotify watcher, if started.
func (w *Watcher) Close() error {
	if w.watcher == nil {
		return nil
	}
	return w.watcher.Close()
}
