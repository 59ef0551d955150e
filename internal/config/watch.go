package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	. "github.com/roelfdiedericks/chatstream/internal/logging"
)

// DefaultDebounce coalesces the burst of events editors produce on save.
const DefaultDebounce = 300 * time.Millisecond

// Watch reloads path after it changes and passes the new config to onChange.
// Invalid files are logged and skipped. It blocks until ctx is done.
func Watch(ctx context.Context, path string, debounce time.Duration, onChange func(*Config)) error {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// watch the directory; editors replace the file with a rename
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	L_debug("config: watching", "path", abs, "debounce", debounce)

	var (
		mu      sync.Mutex
		pending *time.Timer
	)
	reload := func() {
		cfg, err := Load(abs)
		if err != nil {
			L_warn("config: reload failed", "path", abs, "error", err)
			return
		}
		if err := cfg.Validate(); err != nil {
			L_warn("config: reloaded config is invalid, keeping previous", "path", abs, "error", err)
			return
		}
		L_info("config: reloaded", "path", abs)
		onChange(cfg)
	}
	defer func() {
		mu.Lock()
		if pending != nil {
			pending.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			L_trace("config: file event", "op", event.Op.String())

			mu.Lock()
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(debounce, reload)
			mu.Unlock()

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			L_warn("config: watcher error", "error", err)
		}
	}
}
