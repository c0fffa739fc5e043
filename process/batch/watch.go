package batch

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchTick = 250 * time.Millisecond

// watch calls run once the watched directories have been quiet for debounce
// after a change. Hidden files and paths under ignore do not count as changes.
// It returns when ctx is done.
func watch(ctx context.Context, dirs []string, debounce time.Duration, run func(), ignore ...string) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	seen := map[string]bool{}
	for _, d := range dirs {
		abs, err := filepath.Abs(d)
		if err != nil {
			return err
		}
		if seen[abs] {
			continue
		}
		seen[abs] = true
		if err := w.Add(abs); err != nil {
			return err
		}
	}
	skip := make([]string, 0, len(ignore))
	for _, p := range ignore {
		if p == "" {
			continue
		}
		if abs, err := filepath.Abs(p); err == nil {
			skip = append(skip, abs)
		}
	}

	// pending changes keyed by path, with the time of the last event
	pending := map[string]time.Time{}
	ticker := time.NewTicker(watchTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op == fsnotify.Chmod || ignored(ev.Name, skip) {
				continue
			}
			pending[ev.Name] = time.Now()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return err
		case <-ticker.C:
			if len(pending) == 0 {
				continue
			}
			quiet := true
			for _, t := range pending {
				if time.Since(t) < debounce {
					quiet = false
					break
				}
			}
			if !quiet {
				continue
			}
			clear(pending)
			run()
		}
	}
}

func ignored(path string, skip []string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, ".part") {
		return true
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	for _, s := range skip {
		if abs == s || strings.HasPrefix(abs, s+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
