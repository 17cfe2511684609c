package coords

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses the burst of events an editor or an atomic
// rename produces into one reload.
const reloadDebounce = 250 * time.Millisecond

// Watch reloads the snapshot whenever the primary or backup file changes.
// Directories are watched rather than files because atomic saves replace
// the file. Watch blocks until ctx is cancelled. onReload, if non-nil, is
// called after every reload attempt.
func (r *Registry) Watch(ctx context.Context, onReload func(ok bool)) error {
	targets := make(map[string]bool)
	for _, p := range []string{r.primaryPath, r.backupPath} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("coords: watch: %w", err)
		}
		targets[abs] = true
	}
	if len(targets) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("coords: watch: %w", err)
	}
	defer w.Close()

	dirs := make(map[string]bool)
	for p := range targets {
		dirs[filepath.Dir(p)] = true
	}
	for d := range dirs {
		if err := w.Add(d); err != nil {
			r.logger.Warn("cannot watch coordinate directory", "dir", d, "error", err)
		}
	}
	r.logger.Info("watching coordinate files", "files", len(targets))

	var (
		timer  *time.Timer
		fireCh <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			abs, _ := filepath.Abs(ev.Name)
			if !targets[abs] {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fireCh = timer.C

		case <-fireCh:
			fireCh = nil
			res := r.Reload(ctx)
			if onReload != nil {
				onReload(res.Success)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("coordinate watcher error", "error", err)
		}
	}
}
