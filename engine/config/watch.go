package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change describes one accepted hot reload.
type Change struct {
	Config           Config
	ChangedAt        time.Time
	PreviousChecksum string
	Checksum         string
}

// Watcher hot-reloads the gateway configuration file. Only changes that parse
// and validate are surfaced; broken edits are reported via the error callback
// and the previous configuration stays active.
type Watcher struct {
	path     string
	onChange func(Change)
	onError  func(error)

	mu       sync.Mutex
	checksum string
}

// NewWatcher builds a watcher for path. onChange receives validated reloads;
// onError (optional) receives rejected ones.
func NewWatcher(path string, onChange func(Change), onError func(error)) *Watcher {
	w := &Watcher{path: path, onChange: onChange, onError: onError}
	if data, err := os.ReadFile(path); err == nil {
		w.checksum = checksumOf(data)
	}
	return w
}

// Watch blocks until ctx is done, delivering validated config changes.
func (w *Watcher) Watch(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = fsw.Close() }()

	// Watch the directory: editors replace files via rename, which drops a
	// watch installed on the file itself.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.fail(err)
		}
	}
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.path)
	if err != nil {
		w.fail(err)
		return
	}
	sum := checksumOf(data)
	w.mu.Lock()
	prev := w.checksum
	w.mu.Unlock()
	if sum == prev {
		return
	}
	cfg, err := Load(w.path)
	if err != nil {
		w.fail(err)
		return
	}
	w.mu.Lock()
	w.checksum = sum
	w.mu.Unlock()
	if w.onChange != nil {
		w.onChange(Change{Config: cfg, ChangedAt: time.Now(), PreviousChecksum: prev, Checksum: sum})
	}
}

func (w *Watcher) fail(err error) {
	if w.onError != nil {
		w.onError(err)
	}
}

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
