package config

import (
	"log"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file on change and calls onChange with each new
// valid config. Invalid edits are logged and skipped, so a half-saved file
// never replaces a working configuration. Returns a stop function.
func Watch(path string, onChange func(Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: editors that write via
	// rename-into-place would otherwise drop the watch on the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	closed := make(chan struct{})
	go func() {
		for {
			select {
			case <-closed:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Printf("CONFIG: reload failed: %v", err)
					continue
				}
				log.Printf("CONFIG: reloaded %s", path)
				onChange(cfg)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watcher error: %v", err)
			}
		}
	}()

	return func() {
		close(closed)
		watcher.Close()
	}, nil
}
