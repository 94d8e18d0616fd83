package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	appLog "rvacal/internal/log"
)

// reloadDelay coalesces the burst of events an editor or an atomic
// temp+rename save produces into one reload.
const reloadDelay = 250 * time.Millisecond

// Watch blocks until ctx is done, calling onChange with the re-parsed config
// each time the file at path is written or replaced. A file that fails to
// parse or validate is logged and skipped; the previous config stays in
// effect.
//
// The parent directory is watched rather than the file itself so that
// rename-over saves keep being observed.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %q: %w", filepath.Dir(abs), err)
	}
	appLog.Debug("watching config", "path", abs)

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(reloadDelay)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			appLog.Warn("config watcher error", err, "path", abs)

		case <-timer.C:
			cfg, err := reload(abs)
			if err != nil {
				appLog.Warn("config reload rejected; keeping previous config", err, "path", abs)
				continue
			}
			appLog.Info("config reloaded", "path", abs, "sources", len(cfg.Sources))
			onChange(cfg)
		}
	}
}

func reload(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
