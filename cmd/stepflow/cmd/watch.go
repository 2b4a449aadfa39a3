package cmd

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// reloadOrKeep reloads the definitions and logs a failure instead of
// returning it, so the running steps keep serving.
func (a *app) reloadOrKeep(ctx context.Context, trigger string) {
	if err := a.reload(ctx); err != nil {
		a.logger.Error("definition reload failed, keeping current steps",
			zap.String("trigger", trigger), zap.Error(err))
	}
}

// watchSignals reloads the step definitions on every SIGHUP until ctx is
// done.
func watchSignals(ctx context.Context, a *app) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			a.reloadOrKeep(ctx, "sighup")
		}
	}
}

// watchFiles reloads the step definitions when a definition file under
// dirs is written, created, removed, or renamed. A burst of events is
// collapsed into one reload after debounce of quiet.
func watchFiles(ctx context.Context, a *app, dirs []string, debounce time.Duration) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("definition watcher: %w", err)
	}
	defer w.Close()

	for _, dir := range dirs {
		if err := watchTree(w, dir); err != nil {
			return err
		}
	}

	timer := time.NewTimer(debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := watchTree(w, ev.Name); err != nil {
						a.logger.Warn("cannot watch new definition directory", zap.String("dir", ev.Name), zap.Error(err))
					}
					continue
				}
			}
			if isDefinitionFile(ev.Name) {
				timer.Reset(debounce)
			}

		case <-timer.C:
			a.reloadOrKeep(ctx, "file change")

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("definition watcher error", zap.Error(err))
		}
	}
}

func watchTree(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
