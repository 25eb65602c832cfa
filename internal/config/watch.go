package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"foreman/internal/faults"
	"foreman/internal/logging"
)

// reloadDebounce coalesces the multiple events editors emit per save.
const reloadDebounce = 100 * time.Millisecond

// Watcher reloads the workspace config when the file changes on disk
// and hands each successfully parsed version to a callback. Broken
// intermediate writes are skipped.
type Watcher struct {
	workspace string
	onChange  func(*Config)
	fs        *fsnotify.Watcher
	done      chan struct{}
}

// Watch starts watching the workspace config file. The containing
// directory is watched rather than the file itself so atomic
// rename-replace saves are seen.
func Watch(workspace string, onChange func(*Config)) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, faults.Wrap(faults.CodeLoadFailed, err, "create config watcher")
	}
	dir := filepath.Dir(Path(workspace))
	if err := fs.Add(dir); err != nil {
		fs.Close()
		return nil, faults.Wrap(faults.CodeLoadFailed, err, "watch config directory").With("dir", dir)
	}

	w := &Watcher{
		workspace: workspace,
		onChange:  onChange,
		fs:        fs,
		done:      make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	target := Path(w.workspace)
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(target) {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			logging.BootWarn("config watcher: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.workspace)
	if err != nil {
		logging.BootWarn("config reload skipped: %v", err)
		return
	}
	if err := logging.ReloadConfig(); err != nil {
		logging.BootWarn("logging config reload: %v", err)
	}
	logging.Boot("config reloaded from %s", Path(w.workspace))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops the watcher. Safe to call once.
func (w *Watcher) Close() error {
	close(w.done)
	return w.fs.Close()
}
