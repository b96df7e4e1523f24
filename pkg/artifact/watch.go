package artifact

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher evicts cached checksums of audio files that change on disk.
//
// Without it the checksum cache trusts a file whose size and modification
// time are unchanged. With it, any write, attribute change, rename or
// removal of a *.wav under the audio directory drops the cached digest, so
// the next Verify hashes the file again.
type Watcher struct {
	store   *Store
	watcher *fsnotify.Watcher
	log     *slog.Logger

	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once

	evictions atomic.Uint64
}

// Watch starts watching the audio tree until ctx is cancelled or Close is
// called. Directories created later (new modes and models) are added as
// they appear.
func (s *Store) Watch(ctx context.Context) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("artifact: creating watcher: %w", err)
	}

	w := &Watcher{
		store:   s,
		watcher: fw,
		log:     s.log.With("component", "artifact-watch"),
		done:    make(chan struct{}),
	}
	if err := w.addTree(s.audioDir); err != nil {
		_ = fw.Close()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(runCtx)

	w.log.Debug("watching audio directory", "dir", s.audioDir)
	return w, nil
}

// Evictions counts the cached digests dropped so far.
func (w *Watcher) Evictions() uint64 {
	return w.evictions.Load()
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		w.cancel()
		<-w.done
		err = w.watcher.Close()
	})
	return err
}

// addTree adds dir and every directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("artifact: watching %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.log.Warn("cannot watch new directory", "dir", event.Name, "error", err)
			}
			return
		}
	}
	if !strings.EqualFold(filepath.Ext(event.Name), "."+Ext) {
		return
	}
	if w.store.Forget(event.Name) {
		w.evictions.Add(1)
		w.log.Debug("checksum evicted", "path", w.store.Rel(event.Name), "op", event.Op.String())
	}
}
