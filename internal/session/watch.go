package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	applog "finsync/internal/log"

	"github.com/fsnotify/fsnotify"
)

const reloadDelay = 200 * time.Millisecond

// CredentialsWatcher keeps a long-running Manager in step with the saved
// credentials file, which the CLI rewrites on login and removes on logout.
type CredentialsWatcher struct {
	path    string
	manager *Manager
	fsw     *fsnotify.Watcher
}

// WatchCredentials starts watching the directory holding path. Call Run to
// apply changes.
func WatchCredentials(path string, m *Manager) (*CredentialsWatcher, error) {
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create credentials directory: %w", err)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Saves replace the file by rename, so the directory is watched.
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &CredentialsWatcher{path: path, manager: m, fsw: fsw}, nil
}

// Run applies credential changes until ctx is done. Bursts of events are
// coalesced into one reload.
func (w *CredentialsWatcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) == w.path {
				timer.Reset(reloadDelay)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.WarnContext(ctx, "Credentials watcher error",
				applog.FieldComponent, applog.ComponentSession,
				applog.FieldError, err)
		case <-timer.C:
			w.reload(ctx)
		}
	}
}

func (w *CredentialsWatcher) reload(ctx context.Context) {
	cb, err := LoadCredentials(w.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if w.manager.UserID() != "" {
			w.manager.SignOut()
		}
		return
	case err != nil:
		slog.WarnContext(ctx, "Failed to reload credentials",
			applog.FieldComponent, applog.ComponentSession,
			applog.FieldError, err)
		return
	}

	if cb == w.manager.Credentials() {
		return
	}
	if err := w.manager.Restore(ctx, cb); err != nil {
		slog.ErrorContext(ctx, "Failed to apply saved credentials",
			applog.FieldComponent, applog.ComponentSession,
			applog.FieldUserID, cb.UserID,
			applog.FieldError, err)
	}
}
