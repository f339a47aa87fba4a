package topics

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const defaultDebounce = 500 * time.Millisecond

// Registry holds the current topic configurations. Reads never block a
// reload for longer than the swap.
type Registry struct {
	dir    string
	logger logger.Logger

	mu      sync.RWMutex
	topics  map[string]*domain.TopicConfig
	ordered []*domain.TopicConfig
	paths   map[string]string

	// writeMu serializes Create, Update and Remove.
	writeMu sync.Mutex

	listenersMu sync.Mutex
	listeners   []func()
	debounce    time.Duration
}

// NewRegistry creates a Registry over dir and performs the first load.
func NewRegistry(dir string, log logger.Logger) (*Registry, error) {
	r := &Registry{dir: dir, logger: log, topics: map[string]*domain.TopicConfig{}, debounce: defaultDebounce}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// NewStaticRegistry creates a Registry holding cfgs that never reloads from
// disk.
func NewStaticRegistry(cfgs ...*domain.TopicConfig) *Registry {
	r := &Registry{logger: logger.NewNop(), debounce: defaultDebounce}
	r.swap(cfgs, nil)
	return r
}

func (r *Registry) swap(cfgs []*domain.TopicConfig, paths map[string]string) {
	m := make(map[string]*domain.TopicConfig, len(cfgs))
	for _, c := range cfgs {
		m[c.Slug] = c
	}
	r.mu.Lock()
	r.topics = m
	r.ordered = cfgs
	r.paths = paths
	r.mu.Unlock()
}

// Reload re-reads the directory. On error the previous topics stay in place.
func (r *Registry) Reload() error {
	cfgs, paths, err := loadDir(r.dir)
	if err != nil {
		return err
	}
	r.swap(cfgs, paths)
	r.logger.Info("Topic configuration loaded", logger.String("dir", r.dir), logger.Int("topics", len(cfgs)))
	return nil
}

// Topic implements processor.TopicProvider.
func (r *Registry) Topic(slug string) (*domain.TopicConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.topics[slug]
	return cfg, ok
}

// All returns every topic ordered by slug.
func (r *Registry) All() []*domain.TopicConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*domain.TopicConfig(nil), r.ordered...)
}

// Len returns the number of loaded topics.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ordered)
}

// OnChange registers fn to run after every successful reload triggered by
// Watch.
func (r *Registry) OnChange(fn func()) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) notify() {
	r.listenersMu.Lock()
	fns := append([]func(){}, r.listeners...)
	r.listenersMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Watch reloads the registry when a JSON file in the directory changes,
// coalescing bursts of events. It blocks until ctx is done.
func (r *Registry) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err = w.Add(r.dir); err != nil {
		return err
	}
	r.logger.Info("Watching topic configuration", logger.String("dir", r.dir))

	timer := time.NewTimer(r.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			timer.Reset(r.debounce)
		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("Topic watcher error", logger.Error(werr))
		case <-timer.C:
			if reloadErr := r.Reload(); reloadErr != nil {
				r.logger.Error("Topic reload failed, keeping previous configuration", logger.Error(reloadErr))
				continue
			}
			r.notify()
		}
	}
}

func relevant(ev fsnotify.Event) bool {
	if !strings.EqualFold(filepath.Ext(ev.Name), ".json") {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename)
}
