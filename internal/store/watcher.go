package store

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ChangeEvent reports an external edit to one of the store's files.
type ChangeEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watch invalidates the snapshot cache whenever openclaw.json or the env
// file changes on disk, and forwards the events to the returned channel.
// The watcher stops and the channel closes when ctx is canceled. Slow
// consumers miss events rather than blocking the watcher.
func (s *Store) Watch(ctx context.Context) (<-chan ChangeEvent, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory rather than the files: atomic replace via rename
	// swaps the inode, which per-file watches lose track of.
	if err := fsw.Add(s.paths.Home); err != nil {
		fsw.Close()
		return nil, err
	}

	events := make(chan ChangeEvent, 16)
	go func() {
		defer fsw.Close()
		defer close(events)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				name := filepath.Base(ev.Name)
				if name != configFileName && name != envFileName {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				s.Invalidate()
				select {
				case events <- ChangeEvent{Path: ev.Name, Op: ev.Op}:
				default:
				}
				s.logger.Info("configuration file changed", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				s.logger.Error("configuration watcher error", "error", err)
			}
		}
	}()
	return events, nil
}
