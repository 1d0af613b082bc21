package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watchDebounce coalesces the burst of fsnotify events editors emit when
// saving a file.
const watchDebounce = 250 * time.Millisecond

// Watch re-reads the config file whenever it changes and hands the result
// to onReload. The watch runs until stop is closed. The containing
// directory is watched rather than the file itself, because most editors
// replace the file on save (which would kill a direct watch).
func Watch(path string, log zerolog.Logger, stop <-chan struct{}, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case <-stop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != absPath {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(watchDebounce, func() {
					cfg, err := Load(absPath)
					if err != nil {
						log.Warn().Err(err).Msg("Ignoring config reload: file did not validate")
						return
					}
					log.Info().Int("relays", len(cfg.Relays)).Msg("Config reloaded")
					onReload(cfg)
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return nil
}
