// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/tradewright/copyfleet/internal/log"
)

// CredentialWatcher observes the credential store file and flags staleness.
// It never reloads by itself: the loaded credential list is init-time
// immutable and only the operator reload endpoint may swap it. The flag lets
// the API surface a "reload pending" hint.
type CredentialWatcher struct {
	path    string
	watcher *fsnotify.Watcher
	stale   atomic.Bool
}

// NewCredentialWatcher starts watching the given file. Close stops it.
func NewCredentialWatcher(path string) (*CredentialWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		_ = w.Close()
		return nil, err
	}
	return &CredentialWatcher{path: path, watcher: w}, nil
}

// Run consumes watch events until ctx is done.
func (cw *CredentialWatcher) Run(ctx context.Context) {
	logger := log.WithComponent("credwatch")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				if cw.stale.CompareAndSwap(false, true) {
					logger.Warn().
						Str("event", "credentials.changed_on_disk").
						Str("path", cw.path).
						Msg("credential store changed on disk; POST /api/reload to apply")
				}
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			logger.Error().Err(err).Str("event", "credentials.watch_error").Msg("credential watch error")
		}
	}
}

// Stale reports whether the on-disk store differs from the loaded one.
func (cw *CredentialWatcher) Stale() bool { return cw.stale.Load() }

// MarkFresh clears the staleness flag after a successful reload.
func (cw *CredentialWatcher) MarkFresh() { cw.stale.Store(false) }

// Close stops the underlying watcher.
func (cw *CredentialWatcher) Close() error { return cw.watcher.Close() }
