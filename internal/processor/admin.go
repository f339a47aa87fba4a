package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/database"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

// ProcessLockName is the advisory lock held while slug is being processed.
func ProcessLockName(slug string) string {
	return "process-topic-" + slug
}

// TopicEditor writes topic configuration files.
type TopicEditor interface {
	Create(data []byte) (*domain.TopicConfig, error)
	Update(slug string, data []byte) (*domain.TopicConfig, error)
	Remove(slug string) error
}

// SyncTopic creates or refreshes the stored topic and every configured
// source so the rows exist before the first run.
func (p *Processor) SyncTopic(ctx context.Context, cfg *domain.TopicConfig) (*domain.Topic, error) {
	t, err := p.store.UpsertTopic(ctx, cfg, p.lookbackDays(cfg))
	if err != nil {
		return nil, fmt.Errorf("upsert topic %s: %w", cfg.Slug, err)
	}
	for _, src := range cfg.Sources {
		if _, err = p.store.UpsertSource(ctx, t.ID, src); err != nil {
			return nil, fmt.Errorf("upsert source %s/%s: %w", cfg.Slug, src.Name, err)
		}
	}
	return t, nil
}

// Admin edits topic configuration and keeps the stored topic in step.
type Admin struct {
	editor TopicEditor
	proc   *Processor
	logger logger.Logger
}

// NewAdmin creates an Admin.
func NewAdmin(editor TopicEditor, p *Processor, log logger.Logger) *Admin {
	return &Admin{editor: editor, proc: p, logger: log}
}

// CreateTopic writes a new topic file and stores its rows. A store failure
// is logged; the next run or sync creates the rows.
func (a *Admin) CreateTopic(ctx context.Context, data []byte) (*domain.TopicConfig, error) {
	cfg, err := a.editor.Create(data)
	if err != nil {
		return nil, err
	}
	a.sync(ctx, cfg)
	return cfg, nil
}

// UpdateTopic rewrites the topic file of slug and refreshes its rows.
func (a *Admin) UpdateTopic(ctx context.Context, slug string, data []byte) (*domain.TopicConfig, error) {
	cfg, err := a.editor.Update(slug, data)
	if err != nil {
		return nil, err
	}
	a.sync(ctx, cfg)
	return cfg, nil
}

// DeleteTopic removes the topic file of slug and then every stored row. A
// topic that never ran has nothing stored and reports zero counts.
func (a *Admin) DeleteTopic(ctx context.Context, slug string) (*CleanResult, error) {
	if err := a.editor.Remove(slug); err != nil {
		return nil, err
	}
	res, err := a.proc.CleanTopic(ctx, slug, true)
	if errors.Is(err, ErrTopicNotFound) {
		return &CleanResult{
			Deleted: &database.CleanCounts{},
			Message: fmt.Sprintf("Topic %s removed; it had no stored data", slug),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("clean deleted topic %s: %w", slug, err)
	}
	return res, nil
}

func (a *Admin) sync(ctx context.Context, cfg *domain.TopicConfig) {
	if _, err := a.proc.SyncTopic(ctx, cfg); err != nil {
		a.logger.Warn("Failed to store topic after configuration change", logger.TopicSlug(cfg.Slug), logger.Error(err))
	}
}
