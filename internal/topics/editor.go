package topics

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const topicFileMode = 0o644

var (
	// ErrExists is returned when creating a slug that is already configured.
	ErrExists = errors.New("topic already exists")
	// ErrNotFound is returned when updating or removing an unknown slug.
	ErrNotFound = errors.New("topic not found")
	// ErrReadOnly is returned by registries that have no directory behind them.
	ErrReadOnly = errors.New("topic registry is read-only")
)

// Create validates data and writes it to <slug>.json in the registry
// directory, then reloads.
func (r *Registry) Create(data []byte) (*domain.TopicConfig, error) {
	if r.dir == "" {
		return nil, ErrReadOnly
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if _, ok := r.Topic(cfg.Slug); ok {
		return nil, fmt.Errorf("%w: %s", ErrExists, cfg.Slug)
	}
	path := filepath.Join(r.dir, cfg.Slug+".json")
	if _, statErr := os.Stat(path); statErr == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, path)
	}
	if err = os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create topics dir: %w", err)
	}

	if err = r.commit(path, data, nil); err != nil {
		return nil, err
	}
	r.logger.Info("Topic created", logger.TopicSlug(cfg.Slug), logger.String("path", path))
	return cfg, nil
}

// Update replaces the file holding slug with data. The slug itself cannot
// change.
func (r *Registry) Update(slug string, data []byte) (*domain.TopicConfig, error) {
	if r.dir == "" {
		return nil, ErrReadOnly
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if cfg.Slug != slug {
		return nil, fmt.Errorf("%w: slug %q does not match %q", ErrInvalidTopic, cfg.Slug, slug)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	path, ok := r.path(slug)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	prev, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read topic file %s: %w", path, err)
	}

	if err = r.commit(path, data, prev); err != nil {
		return nil, err
	}
	r.logger.Info("Topic updated", logger.TopicSlug(slug), logger.String("path", path))
	return cfg, nil
}

// Remove deletes the file holding slug and reloads.
func (r *Registry) Remove(slug string) error {
	if r.dir == "" {
		return ErrReadOnly
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	path, ok := r.path(slug)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, slug)
	}
	prev, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read topic file %s: %w", path, err)
	}
	if err = os.Remove(path); err != nil {
		return fmt.Errorf("remove topic file %s: %w", path, err)
	}
	if err = r.Reload(); err != nil {
		if restoreErr := writeAtomic(path, prev); restoreErr != nil {
			r.logger.Error("Failed to restore topic file", logger.String("path", path), logger.Error(restoreErr))
		}
		return err
	}
	r.logger.Info("Topic removed", logger.TopicSlug(slug), logger.String("path", path))
	r.notify()
	return nil
}

func (r *Registry) path(slug string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.paths[slug]
	return p, ok
}

// commit writes data to path and reloads. When the reload fails the file is
// put back to prev, or removed when prev is nil.
func (r *Registry) commit(path string, data, prev []byte) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTopic, err)
	}
	buf.WriteByte('\n')

	if err := writeAtomic(path, buf.Bytes()); err != nil {
		return err
	}
	if err := r.Reload(); err != nil {
		var restoreErr error
		if prev == nil {
			restoreErr = os.Remove(path)
		} else {
			restoreErr = writeAtomic(path, prev)
		}
		if restoreErr != nil {
			r.logger.Error("Failed to roll back topic file", logger.String("path", path), logger.Error(restoreErr))
		}
		return err
	}
	r.notify()
	return nil
}

// writeAtomic writes through a temporary file the watcher ignores and
// renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err = tmp.Chmod(topicFileMode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}
