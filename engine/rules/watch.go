package rules

import (
	"context"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the catalogue when rule files change on disk, so hand-edited
// rules appear without a gateway restart. Events are debounced: editors and
// atomic renames produce bursts.
func (s *Store) Watch(ctx context.Context, onReload func(), onError func(error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(s.rulesDir); err != nil {
		return err
	}
	if err := w.Add(s.root); err != nil {
		return err
	}

	var pending *time.Timer
	const settle = 200 * time.Millisecond
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !relevant(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(settle, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case <-reload:
			if err := s.Reload(); err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if onError != nil {
				onError(err)
			}
		}
	}
}

func relevant(name string) bool {
	if strings.HasSuffix(name, ".js") || strings.HasSuffix(name, compositeFileName) {
		return !strings.Contains(name, ".tmp-")
	}
	return false
}
