package vault

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reloads the key ring whenever the file at path changes, so an
// external rotation (pulsed keygen --rotate) takes effect without a
// restart. It blocks until ctx is done.
//
// The parent directory is watched rather than the file, because
// SaveKeyRing replaces the file by rename. A reload that fails to parse
// or that would drop a known version is logged and the current ring kept.
func (v *Vault) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating key ring watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			v.reloadFrom(target)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			v.logger.Warn("key ring watcher error", zap.Error(err))
		}
	}
}

func (v *Vault) reloadFrom(path string) {
	ring, err := LoadKeyRing(path)
	if err == nil {
		err = v.Reload(ring)
	}
	if err != nil {
		v.logger.Warn("key ring reload failed, keeping current ring",
			zap.String("path", path), zap.Error(err))
		return
	}
	v.logger.Info("key ring reloaded",
		zap.String("path", path),
		zap.Uint32("current_version", ring.Current),
		zap.Int("versions", len(ring.Keys)))
}
