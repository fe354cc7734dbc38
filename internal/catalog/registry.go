package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const reloadDebounce = 250 * time.Millisecond

// Registry holds the current catalog snapshot and swaps it on reload.
type Registry struct {
	mu       sync.RWMutex
	current  *Catalog
	path     string
	onReload []func(*Catalog)
}

func NewRegistry(c *Catalog) *Registry {
	if c == nil {
		c = Default()
	}
	return &Registry{current: c}
}

// Loads the catalog from path, or the built-in one when path is empty
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return NewRegistry(Default()), nil
	}
	c, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	r := NewRegistry(c)
	r.path = path
	return r, nil
}

func (r *Registry) Current() *Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

func (r *Registry) Path() string {
	return r.path
}

// Registers fn to run after every successful reload
func (r *Registry) OnReload(fn func(*Catalog)) {
	r.mu.Lock()
	r.onReload = append(r.onReload, fn)
	r.mu.Unlock()
}

// Replaces the snapshot; an invalid catalog leaves the current one in place
func (r *Registry) Swap(c *Catalog) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.current = c
	hooks := append([]func(*Catalog){}, r.onReload...)
	r.mu.Unlock()

	for _, fn := range hooks {
		fn(c)
	}
	return nil
}

func (r *Registry) Reload() error {
	if r.path == "" {
		return r.Swap(Default())
	}
	c, err := LoadFile(r.path)
	if err != nil {
		return err
	}
	if err := r.Swap(c); err != nil {
		return err
	}
	log.WithField("path", r.path).Info("catalog reloaded")
	return nil
}

// Watches the catalog file and reloads on change until ctx is done
func (r *Registry) Watch(ctx context.Context) error {
	if r.path == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}
	defer watcher.Close()

	// watch the directory, editors replace files rather than write them
	dir := filepath.Dir(r.path)
	file := filepath.Base(r.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	log.WithField("path", r.path).Info("watching catalog file")

	var debounce *time.Timer
	reload := func() {
		if errReload := r.Reload(); errReload != nil {
			log.WithError(errReload).WithField("path", r.path).Error("catalog reload rejected, keeping previous catalog")
		}
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != file {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, reload)

		case errWatch, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(errWatch).Warn("catalog watcher error")
		}
	}
}
