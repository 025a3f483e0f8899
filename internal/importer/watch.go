package importer

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/howeyc/fsnotify"
)

// settle is how long the file must stay quiet before a re-import.
const settle = 200 * time.Millisecond

// Watch re-runs the import whenever the file at path changes, until ctx is
// done. The parent directory is watched so editors that replace the file on
// save are seen too.
func (im *Importer) Watch(ctx context.Context, path string, onRun func(Summary, error)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Watch(filepath.Dir(abs)); err != nil {
		return err
	}
	im.logger.Info("watching import source", slog.String("path", abs))

	var (
		timer   *time.Timer
		trigger <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case evt := <-watcher.Event:
			if evt == nil || filepath.Clean(evt.Name) != abs {
				continue
			}
			if !(evt.IsCreate() || evt.IsModify() || evt.IsRename()) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(settle)
			trigger = timer.C
		case <-trigger:
			trigger = nil
			summary, err := im.RunFile(ctx, abs)
			if err != nil {
				im.logger.Error("re-import failed", slog.String("path", abs), slog.String("error", err.Error()))
			}
			if onRun != nil {
				onRun(summary, err)
			}
		case err := <-watcher.Error:
			if err != nil {
				im.logger.Warn("import watcher error", slog.String("error", err.Error()))
			}
		}
	}
}
