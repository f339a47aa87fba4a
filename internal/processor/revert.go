package processor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/database"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const noRunsMessage = "No runs found in the specified period"

var periodPattern = regexp.MustCompile(`^(\d+)([dhm])$`)

// ParsePeriod converts "<N>d", "<N>h" or "<N>m" to a duration.
func ParsePeriod(period string) (time.Duration, error) {
	m := periodPattern.FindStringSubmatch(period)
	if m == nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	unit := time.Minute
	switch m[2] {
	case "d":
		unit = 24 * time.Hour
	case "h":
		unit = time.Hour
	}
	if int64(n) > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%w: %q is too long", ErrInvalidPeriod, period)
	}
	return time.Duration(n) * unit, nil
}

// RevertResult reports what RevertTopic removed.
type RevertResult struct {
	Deleted           int64  `json:"deleted"`
	ItemsDeleted      int64  `json:"itemsDeleted"`
	WatermarksDeleted int64  `json:"watermarksDeleted"`
	Message           string `json:"message,omitempty"`
}

// ToMap renders the result as a task result payload.
func (r *RevertResult) ToMap() domain.JSONMap {
	m := domain.JSONMap{
		"deleted":           r.Deleted,
		"itemsDeleted":      r.ItemsDeleted,
		"watermarksDeleted": r.WatermarksDeleted,
	}
	if r.Message != "" {
		m["message"] = r.Message
	}
	return m
}

// storedTopic resolves slug in configuration and then in the store.
func (p *Processor) storedTopic(ctx context.Context, slug string) (*domain.Topic, error) {
	topic, err := p.store.GetTopic(ctx, slug)
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s has no stored data", ErrTopicNotFound, slug)
	}
	if err != nil {
		return nil, err
	}
	return topic, nil
}

// RevertTopic undoes the runs created within period before now: their item
// links, the items only they referenced, and every watermark of the topic so
// the next run refetches from the lookback window.
func (p *Processor) RevertTopic(ctx context.Context, slug, period string) (*RevertResult, error) {
	window, err := ParsePeriod(period)
	if err != nil {
		return nil, err
	}
	if _, err = p.resolve(slug); err != nil {
		return nil, err
	}

	var result *RevertResult
	err = p.withLock(ctx, "revert", "revert-topic-"+slug, func(ctx context.Context) error {
		topic, lookupErr := p.storedTopic(ctx, slug)
		if lookupErr != nil {
			return lookupErr
		}

		cutoff := p.now().UTC().Add(-window)
		counts, revertErr := p.store.RevertSince(ctx, topic.ID, cutoff)
		if revertErr != nil {
			return revertErr
		}

		result = &RevertResult{
			Deleted:           counts.RunsDeleted,
			ItemsDeleted:      counts.ItemsDeleted,
			WatermarksDeleted: counts.WatermarksDeleted,
		}
		if counts.RunsDeleted == 0 {
			result.Message = noRunsMessage
		}
		p.logger.Info("Topic reverted",
			logger.TopicSlug(slug),
			logger.String("period", period),
			logger.Time("cutoff", cutoff),
			logger.Int64("runs_deleted", counts.RunsDeleted),
			logger.Int64("items_deleted", counts.ItemsDeleted),
			logger.Int64("watermarks_deleted", counts.WatermarksDeleted),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if p.stats != nil {
		p.stats.TopicStats(ctx, slug)
	}
	return result, nil
}

// CleanResult reports what CleanTopic removed.
type CleanResult struct {
	Deleted *database.CleanCounts `json:"deleted"`
	Message string                `json:"message"`
}

// ToMap renders the result as a task result payload.
func (r *CleanResult) ToMap() domain.JSONMap {
	return domain.JSONMap{
		"deleted": domain.JSONMap{
			"runItems":   r.Deleted.RunItems,
			"runs":       r.Deleted.Runs,
			"items":      r.Deleted.Items,
			"watermarks": r.Deleted.Watermarks,
			"sources":    r.Deleted.Sources,
			"topic":      r.Deleted.Topic > 0,
		},
		"message": r.Message,
	}
}

// CleanTopic deletes every stored row of the topic, including the topic
// itself. It requires confirm. A topic no longer present in configuration
// can still be cleaned.
func (p *Processor) CleanTopic(ctx context.Context, slug string, confirm bool) (*CleanResult, error) {
	if !confirm {
		return nil, ErrConfirmationRequired
	}

	var result *CleanResult
	err := p.withLock(ctx, "clean", "clean-topic-"+slug, func(ctx context.Context) error {
		topic, err := p.storedTopic(ctx, slug)
		if err != nil {
			return err
		}
		counts, err := p.store.CleanTopic(ctx, topic.ID)
		if err != nil {
			return err
		}
		result = &CleanResult{
			Deleted: counts,
			Message: fmt.Sprintf("Topic %s has been completely cleaned from the database", slug),
		}
		p.logger.Warn("Topic cleaned",
			logger.TopicSlug(slug),
			logger.Int64("runs", counts.Runs),
			logger.Int64("items", counts.Items),
			logger.Int64("sources", counts.Sources),
			logger.Int64("watermarks", counts.Watermarks),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
