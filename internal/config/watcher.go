package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// CatalogWatcher monitors the catalog file and swaps in validated reloads.
// Consumers read the current catalog through Current, which is safe from any
// goroutine.
type CatalogWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	stopChan chan struct{}

	mu       sync.RWMutex
	current  *Catalog
	onReload func(*Catalog)
}

// NewCatalogWatcher loads the catalog once and prepares the file watcher.
// An empty path yields a static empty catalog with no watching.
func NewCatalogWatcher(path string) (*CatalogWatcher, error) {
	cw := &CatalogWatcher{
		path:     path,
		stopChan: make(chan struct{}),
	}
	if path == "" {
		cw.current = EmptyCatalog()
		return cw, nil
	}

	catalog, err := LoadCatalog(path)
	if err != nil {
		return nil, err
	}
	cw.current = catalog

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	cw.watcher = watcher
	return cw, nil
}

// Current returns the active catalog.
func (cw *CatalogWatcher) Current() *Catalog {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.current
}

// SetReloadCallback registers a hook invoked after each successful reload.
func (cw *CatalogWatcher) SetReloadCallback(fn func(*Catalog)) {
	cw.mu.Lock()
	cw.onReload = fn
	cw.mu.Unlock()
}

// Start begins watching the catalog file's directory. Editors replace files
// rather than writing in place, so the directory is watched and events are
// filtered by name.
func (cw *CatalogWatcher) Start() error {
	if cw.watcher == nil {
		return nil
	}
	if err := cw.watcher.Add(filepath.Dir(cw.path)); err != nil {
		return err
	}
	go cw.watch()
	log.Info().Str("path", cw.path).Msg("Catalog watcher started")
	return nil
}

// Stop halts watching.
func (cw *CatalogWatcher) Stop() {
	close(cw.stopChan)
	if cw.watcher != nil {
		cw.watcher.Close()
	}
}

func (cw *CatalogWatcher) watch() {
	// Debounce: editors emit several events per save.
	var timer *time.Timer
	for {
		select {
		case <-cw.stopChan:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(500*time.Millisecond, cw.reload)
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Catalog watcher error")
		}
	}
}

func (cw *CatalogWatcher) reload() {
	catalog, err := LoadCatalog(cw.path)
	if err != nil {
		log.Error().Err(err).Str("path", cw.path).
			Msg("Catalog reload failed; keeping previous catalog")
		return
	}

	cw.mu.Lock()
	cw.current = catalog
	fn := cw.onReload
	cw.mu.Unlock()

	log.Info().
		Int("contacts", len(catalog.Contacts)).
		Int("policies", len(catalog.Policies)).
		Int("actions", len(catalog.Actions)).
		Int("windows", len(catalog.Windows)).
		Msg("Catalog reloaded")

	if fn != nil {
		fn(catalog)
	}
}
