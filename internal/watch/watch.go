// Package watch feeds newly written VTT transcripts into the pipeline. A
// debounce timer per path absorbs the write bursts of files that are still
// being copied in.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const defaultDebounce = 2 * time.Second

// Handler receives the path of a settled transcript file.
type Handler func(path string)

// Watcher observes transcript directories recursively.
type Watcher struct {
	dirs     []string
	handler  Handler
	debounce time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New builds a watcher over the given root directories.
func New(dirs []string, handler Handler, log zerolog.Logger) *Watcher {
	return &Watcher{
		dirs:     dirs,
		handler:  handler,
		debounce: defaultDebounce,
		log:      log,
		timers:   make(map[string]*time.Timer),
	}
}

func isVTT(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".vtt")
}

// Run blocks until the context is cancelled, invoking the handler for every
// VTT file that stops changing. Directories created under a watched root are
// picked up as they appear.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer fw.Close()

	for _, dir := range w.dirs {
		if err := addRecursive(fw, dir); err != nil {
			return err
		}
		w.log.Info().Str("dir", dir).Msg("watching transcripts")
	}

	for {
		select {
		case <-ctx.Done():
			w.cancelTimers()
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fw, ev)
		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(werr).Msg("watch error")
		}
	}
}

func (w *Watcher) handleEvent(fw *fsnotify.Watcher, ev fsnotify.Event) {
	if ev.Op.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := addRecursive(fw, ev.Name); err != nil {
				w.log.Warn().Err(err).Str("dir", ev.Name).Msg("watching new directory")
			}
			return
		}
	}
	if !isVTT(ev.Name) {
		return
	}
	if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
		return
	}
	w.touch(ev.Name)
}

// touch resets the debounce timer for a path; the handler fires once writes
// go quiet.
func (w *Watcher) touch(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.handler(path)
	})
}

func (w *Watcher) cancelTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

func addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				return fmt.Errorf("watch %s: %w", path, err)
			}
		}
		return nil
	})
}
