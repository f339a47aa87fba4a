// Package processor runs a topic through fetch, dedup, persist, summarize
// and notify under a per-topic lock, and implements the revert and clean
// maintenance operations.
package processor

//go:generate mockgen -destination=mock_ports_test.go -package=processor_test . Summarizer,Notifier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/coordination"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/database"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/dedup"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/events"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/fetcher"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/metrics"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/notifier"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/summarizer"
)

const (
	defaultLookbackDays     = 7
	defaultFetchConcurrency = 4
	finalizeTimeout         = 10 * time.Second

	noNewItemsMessage = "No new items to process"
)

var (
	// ErrTopicNotFound is returned when a slug has no configuration or no stored row.
	ErrTopicNotFound = errors.New("topic not found")
	// ErrTopicDisabled is returned when processing a disabled topic.
	ErrTopicDisabled = errors.New("topic is disabled")
	// ErrInvalidPeriod is returned for revert periods not matching <N>d|h|m.
	ErrInvalidPeriod = errors.New("invalid period format, expected a number followed by d, h or m")
	// ErrConfirmationRequired is returned when clean is called without confirmation.
	ErrConfirmationRequired = errors.New("clean requires explicit confirmation")
)

// IsConfigError reports whether err is caused by topic configuration or
// caller input, which no retry can fix.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrTopicNotFound) ||
		errors.Is(err, ErrTopicDisabled) ||
		errors.Is(err, ErrInvalidPeriod) ||
		errors.Is(err, ErrConfirmationRequired) ||
		errors.Is(err, fetcher.ErrUnsupportedKind)
}

// TopicProvider resolves topic configuration by slug.
type TopicProvider interface {
	Topic(slug string) (*domain.TopicConfig, bool)
}

// Store is the persistence the processor needs.
type Store interface {
	UpsertTopic(ctx context.Context, cfg *domain.TopicConfig, lookbackDays int) (*domain.Topic, error)
	GetTopic(ctx context.Context, slug string) (*domain.Topic, error)
	UpsertSource(ctx context.Context, topicID string, cfg domain.SourceConfig) (*domain.Source, error)
	GetWatermark(ctx context.Context, sourceID, wmType string) (*domain.Watermark, error)
	CreateRun(ctx context.Context, topicID string) (*domain.Run, error)
	FinishRun(ctx context.Context, id string, status domain.Status, errText *string, metadata domain.JSONMap) error
	PersistSourceBatch(ctx context.Context, batch database.SourceBatch) (int, error)
	RevertSince(ctx context.Context, topicID string, cutoff time.Time) (*database.RevertCounts, error)
	CleanTopic(ctx context.Context, topicID string) (*database.CleanCounts, error)
}

// Adapters selects the fetch adapter for a source kind.
type Adapters interface {
	For(kind domain.SourceKind) (fetcher.Adapter, error)
}

// Deduplicator drops items already seen for a topic.
type Deduplicator interface {
	Filter(ctx context.Context, topicID string, items []domain.FetchedItem) []domain.FetchedItem
}

// Summarizer produces a digest for a set of items.
type Summarizer = summarizer.Summarizer

// Notifier posts a digest to notification channels.
type Notifier = notifier.Notifier

// StatsPublisher pushes topic aggregates to observers.
type StatsPublisher interface {
	TopicStats(ctx context.Context, slug string)
}

// Config holds processor settings.
type Config struct {
	// LockTimeout bounds lock acquisition; zero selects the locker default.
	LockTimeout time.Duration
	// FetchConcurrency caps how many sources of one run fetch at once.
	// Each adapter bounds its own attempts, so a run sets no fetch deadline
	// of its own.
	FetchConcurrency int
	Global           config.GlobalConfig
}

// Deps are the collaborators of a Processor. Summarizer, Notifier,
// Broadcaster, Stats and Metrics are optional.
type Deps struct {
	Topics      TopicProvider
	Store       Store
	Locker      coordination.Locker
	Adapters    Adapters
	Dedup       Deduplicator
	Summarizer  Summarizer
	Notifier    Notifier
	Broadcaster events.Broadcaster
	Stats       StatsPublisher
	Metrics     *metrics.Metrics
}

// Processor orchestrates topic runs.
type Processor struct {
	cfg         Config
	topics      TopicProvider
	store       Store
	locker      coordination.Locker
	adapters    Adapters
	dedup       Deduplicator
	summarizer  Summarizer
	notifier    Notifier
	broadcaster events.Broadcaster
	stats       StatsPublisher
	metrics     *metrics.Metrics
	logger      logger.Logger
	now         func() time.Time
}

// New creates a Processor.
func New(cfg Config, deps Deps, log logger.Logger) (*Processor, error) {
	switch {
	case deps.Topics == nil:
		return nil, errors.New("processor: topic provider is required")
	case deps.Store == nil:
		return nil, errors.New("processor: store is required")
	case deps.Locker == nil:
		return nil, errors.New("processor: locker is required")
	case deps.Adapters == nil:
		return nil, errors.New("processor: adapter factory is required")
	case deps.Dedup == nil:
		return nil, errors.New("processor: dedup gate is required")
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = defaultFetchConcurrency
	}
	if deps.Broadcaster == nil {
		deps.Broadcaster = events.Nop{}
	}
	return &Processor{
		cfg:         cfg,
		topics:      deps.Topics,
		store:       deps.Store,
		locker:      deps.Locker,
		adapters:    deps.Adapters,
		dedup:       deps.Dedup,
		summarizer:  deps.Summarizer,
		notifier:    deps.Notifier,
		broadcaster: deps.Broadcaster,
		stats:       deps.Stats,
		metrics:     deps.Metrics,
		logger:      log,
		now:         time.Now,
	}, nil
}

// NotificationResult is the outcome of posting to one channel.
type NotificationResult struct {
	Channel   string `json:"channel"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProcessResult summarizes one completed run.
type ProcessResult struct {
	RunID         string               `json:"runId"`
	Processed     int                  `json:"processed"`
	Summary       string               `json:"summary,omitempty"`
	Notifications []NotificationResult `json:"notifications,omitempty"`
}

// ToMap renders the result as a task result payload.
func (r *ProcessResult) ToMap() domain.JSONMap {
	m := domain.JSONMap{
		"runId":     r.RunID,
		"processed": r.Processed,
		"summary":   nil,
	}
	if r.Summary != "" {
		m["summary"] = r.Summary
	}
	if len(r.Notifications) > 0 {
		m["notifications"] = r.Notifications
	}
	return m
}

// resolve returns the configuration for slug, enabled or not.
func (p *Processor) resolve(slug string) (*domain.TopicConfig, error) {
	cfg, ok := p.topics.Topic(slug)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, slug)
	}
	return cfg, nil
}

func (p *Processor) lookbackDays(cfg *domain.TopicConfig) int {
	switch {
	case cfg.LookbackDays > 0:
		return cfg.LookbackDays
	case p.cfg.Global.LookbackDays > 0:
		return p.cfg.Global.LookbackDays
	default:
		return defaultLookbackDays
	}
}

// withLock runs fn under name and records the wait.
func (p *Processor) withLock(ctx context.Context, op, name string, fn func(ctx context.Context) error) error {
	start := p.now()
	acquired := false
	err := p.locker.WithLock(ctx, name, p.cfg.LockTimeout, func(ctx context.Context) error {
		acquired = true
		p.metrics.ObserveLock(op, p.now().Sub(start), false)
		return fn(ctx)
	})
	if !acquired {
		p.metrics.ObserveLock(op, p.now().Sub(start), errors.Is(err, coordination.ErrLockTimeout))
	}
	return err
}

// ProcessTopic runs the pipeline once for slug. force re-fetches from the
// lookback window and skips deduplication.
func (p *Processor) ProcessTopic(ctx context.Context, slug string, force bool) (*ProcessResult, error) {
	cfg, err := p.resolve(slug)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrTopicDisabled, slug)
	}

	var result *ProcessResult
	err = p.withLock(ctx, "process", ProcessLockName(slug), func(ctx context.Context) error {
		var runErr error
		result, runErr = p.process(ctx, cfg, force)
		return runErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// sourceFetch is what one source produced in a run.
type sourceFetch struct {
	source    *domain.Source
	watermark string
	stored    bool // the source already had a cursor
	result    *fetcher.Result
}

func (p *Processor) process(ctx context.Context, cfg *domain.TopicConfig, force bool) (*ProcessResult, error) {
	log := p.logger.With(logger.TopicSlug(cfg.Slug))
	started := p.now()

	topic, err := p.store.UpsertTopic(ctx, cfg, p.lookbackDays(cfg))
	if err != nil {
		return nil, fmt.Errorf("upsert topic: %w", err)
	}

	run, err := p.store.CreateRun(ctx, topic.ID)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	log = log.With(logger.RunID(run.ID))
	log.Info("Run started", logger.Bool("force", force))
	p.broadcaster.Broadcast(ctx, events.TypeNewRun, events.NewRunPayload{
		ID:        run.ID,
		TopicSlug: cfg.Slug,
		TopicName: cfg.Name,
		Status:    run.Status,
		CreatedAt: run.CreatedAt,
	})

	result, metadata, runErr := p.execute(ctx, log, cfg, topic, run, force)

	// The run row is finalized even when the caller's context is gone.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	status := domain.StatusCompleted
	var errText *string
	if runErr != nil {
		status = domain.StatusFailed
		msg := runErr.Error()
		errText = &msg
		metadata = nil
	}
	if finErr := p.store.FinishRun(finCtx, run.ID, status, errText, metadata); finErr != nil {
		log.Error("Failed to finalize run", logger.Error(finErr))
		if runErr == nil {
			runErr = fmt.Errorf("finish run: %w", finErr)
			status = domain.StatusFailed
		}
	}

	p.metrics.ObserveRun(string(status))
	update := events.RunUpdatePayload{RunID: run.ID, TopicSlug: cfg.Slug, Status: status, Extra: map[string]any{}}
	if runErr != nil {
		update.Extra["error"] = runErr.Error()
		log.Error("Run failed", logger.Error(runErr), logger.Duration("duration", p.now().Sub(started)))
	} else {
		update.Extra["itemsProcessed"] = result.Processed
		log.Info("Run completed",
			logger.Int("items_processed", result.Processed),
			logger.Duration("duration", p.now().Sub(started)),
		)
	}
	p.broadcaster.Broadcast(finCtx, events.TypeRunUpdate, update)
	if p.stats != nil {
		p.stats.TopicStats(finCtx, cfg.Slug)
	}

	if runErr != nil {
		return nil, runErr
	}
	return result, nil
}

// execute is the body of a run between creation and finalization. It
// returns the metadata to store on success.
func (p *Processor) execute(
	ctx context.Context, log logger.Logger, cfg *domain.TopicConfig, topic *domain.Topic, run *domain.Run, force bool,
) (*ProcessResult, domain.JSONMap, error) {
	fetches, all, err := p.fetchAll(ctx, log, cfg, topic, force)
	if err != nil {
		return nil, nil, err
	}
	fetched := len(all)
	all = filterKeywords(cfg, all)
	log.Info("Fetched items",
		logger.Int("items", len(all)),
		logger.Int("filtered", fetched-len(all)),
		logger.Int("sources", len(fetches)),
	)

	unique := all
	if !force {
		unique = p.dedup.Filter(ctx, topic.ID, all)
		p.metrics.ObserveDuplicates(len(all) - len(unique))
		log.Debug("Deduplicated items", logger.Int("unique", len(unique)), logger.Int("fetched", len(all)))
	}

	if err = p.persist(ctx, run.ID, fetches, unique); err != nil {
		return nil, nil, err
	}

	result := &ProcessResult{RunID: run.ID, Processed: len(unique)}
	if len(unique) == 0 {
		return result, domain.JSONMap{"message": noNewItemsMessage, "itemsProcessed": 0}, nil
	}

	summary := p.summarize(ctx, log, cfg, unique)
	if summary != nil {
		result.Summary = summary.Text
		result.Notifications = p.notify(ctx, log, cfg, summary.Text, unique)
	}

	metadata := domain.JSONMap{
		"itemsProcessed":   len(unique),
		"sourcesProcessed": len(cfg.EnabledSources()),
		"hasSummary":       summary != nil,
		"summary":          nil,
		"prompt":           nil,
	}
	if summary != nil {
		metadata["summary"] = summary.Text
		metadata["prompt"] = summary.Prompt
	}
	if len(result.Notifications) > 0 {
		metadata["notifications"] = result.Notifications
	}
	return result, metadata, nil
}

// fetchAll fetches every enabled source, at most FetchConcurrency at a
// time. A failing source is logged and skipped. Items keep source order.
func (p *Processor) fetchAll(
	ctx context.Context, log logger.Logger, cfg *domain.TopicConfig, topic *domain.Topic, force bool,
) ([]*sourceFetch, []domain.FetchedItem, error) {
	enabled := cfg.EnabledSources()
	slots := make([]*sourceFetch, len(enabled))

	var g errgroup.Group
	g.SetLimit(p.cfg.FetchConcurrency)
	for i, sc := range enabled {
		g.Go(func() error {
			f, err := p.fetchSource(ctx, log, cfg, topic, sc, force)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("Source fetch failed, continuing", logger.String("source", sc.Name), logger.Error(err))
				}
				return nil
			}
			slots[i] = f
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	fetches := make([]*sourceFetch, 0, len(slots))
	var all []domain.FetchedItem
	for _, f := range slots {
		if f == nil {
			continue
		}
		fetches = append(fetches, f)
		all = append(all, f.result.Items...)
	}
	return fetches, all, nil
}

// fetchSource upserts the source row and calls its adapter from the stored
// watermark, or from the lookback window when there is none or force is set.
func (p *Processor) fetchSource(
	ctx context.Context, log logger.Logger, cfg *domain.TopicConfig, topic *domain.Topic, sc domain.SourceConfig, force bool,
) (*sourceFetch, error) {
	src, err := p.store.UpsertSource(ctx, topic.ID, sc)
	if err != nil {
		return nil, fmt.Errorf("upsert source %s: %w", sc.Name, err)
	}

	adapter, err := p.adapters.For(src.Kind)
	if err != nil {
		p.metrics.ObserveFetch(string(src.Kind), 0, err)
		return nil, err
	}

	f := &sourceFetch{source: src}
	wm, err := p.store.GetWatermark(ctx, src.ID, domain.WatermarkTypeTimestamp)
	if err != nil {
		return nil, err
	}
	f.stored = wm != nil && wm.Value != ""
	if f.stored && !force {
		f.watermark = wm.Value
	} else {
		f.watermark = p.now().UTC().AddDate(0, 0, -p.lookbackDays(cfg)).Format(time.RFC3339)
	}

	res, err := adapter.FetchItems(ctx, src, f.watermark)
	p.metrics.ObserveFetch(string(src.Kind), resultLen(res), err)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", sc.Name, err)
	}
	for i := range res.Items {
		res.Items[i].SourceID = src.ID
	}
	f.result = res

	log.Debug("Source fetched",
		logger.String("source", sc.Name),
		logger.String("watermark", f.watermark),
		logger.String("next_watermark", res.NextWatermark),
		logger.Int("items", len(res.Items)),
	)
	return f, nil
}

func resultLen(r *fetcher.Result) int {
	if r == nil {
		return 0
	}
	return len(r.Items)
}

// persist writes each fetched source's accepted items and advanced
// watermark. Sources whose items were all duplicates still advance.
func (p *Processor) persist(ctx context.Context, runID string, fetches []*sourceFetch, unique []domain.FetchedItem) error {
	bySource := make(map[string][]*domain.Item, len(fetches))
	for i := range unique {
		it := &unique[i]
		bySource[it.SourceID] = append(bySource[it.SourceID], toItem(it))
	}

	for _, f := range fetches {
		batch := database.SourceBatch{
			RunID:         runID,
			SourceID:      f.source.ID,
			Items:         bySource[f.source.ID],
			WatermarkType: domain.WatermarkTypeTimestamp,
		}
		// A cursor that did not move is not rewritten, so a forced run from
		// the lookback window never rolls a stored watermark back.
		next := f.result.NextWatermark
		if next != "" && (next != f.watermark || !f.stored) {
			batch.NextWatermark = next
		}
		if len(batch.Items) == 0 && batch.NextWatermark == "" {
			continue
		}
		if _, err := p.store.PersistSourceBatch(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

func toItem(f *domain.FetchedItem) *domain.Item {
	return &domain.Item{
		SourceID:    f.SourceID,
		Title:       f.Title,
		Content:     f.Content,
		URL:         f.URL,
		PublishedAt: f.PublishedAt,
		ContentHash: dedup.Fingerprint(f.Title, f.URL),
		SimHash:     dedup.SimHash(f.Title, f.URL),
		Metadata:    domain.JSONMap(f.Metadata),
	}
}

// assistantFor returns the topic's assistant, else the global default.
func (p *Processor) assistantFor(cfg *domain.TopicConfig) string {
	if cfg.AssistantID != "" {
		return cfg.AssistantID
	}
	return p.cfg.Global.AssistantID
}

// summarize returns nil when no summarizer applies or it failed.
func (p *Processor) summarize(
	ctx context.Context, log logger.Logger, cfg *domain.TopicConfig, items []domain.FetchedItem,
) *summarizer.Summary {
	ref := p.assistantFor(cfg)
	if p.summarizer == nil || ref == "" {
		return nil
	}
	summary, err := p.summarizer.Summarize(ctx, summarizer.Request{
		TopicName:    cfg.Name,
		Items:        items,
		AssistantRef: ref,
	})
	if err != nil {
		log.Error("Summarization failed, continuing without summary",
			logger.String("assistant", ref),
			logger.Error(err),
		)
		return nil
	}
	if summary == nil || summary.Text == "" {
		return nil
	}
	return summary
}

// targetsFor returns the topic's channels, else the global defaults.
func (p *Processor) targetsFor(cfg *domain.TopicConfig) []string {
	if t := cfg.Channels.Targets(); len(t) > 0 {
		return t
	}
	return p.cfg.Global.Targets
}

// notify posts text to every channel. Failures are recorded per channel and
// never fail the run.
func (p *Processor) notify(
	ctx context.Context, log logger.Logger, cfg *domain.TopicConfig, text string, items []domain.FetchedItem,
) []NotificationResult {
	targets := p.targetsFor(cfg)
	if p.notifier == nil || len(targets) == 0 {
		return nil
	}

	meta := notifier.Metadata{ItemCount: len(items), TimeRange: timeRange(items)}
	for _, s := range cfg.EnabledSources() {
		meta.Sources = append(meta.Sources, s.Name)
	}

	results := make([]NotificationResult, 0, len(targets))
	for _, ch := range targets {
		res := NotificationResult{Channel: ch}
		posted, err := p.notifier.Post(ctx, cfg.Name, text, []string{ch}, meta)
		p.metrics.ObserveNotification(targetKind(ch), err)
		if err != nil {
			res.Error = err.Error()
			log.Error("Notification failed", logger.String("channel", ch), logger.Error(err))
		} else if posted != nil {
			res.MessageID = posted.MessageID
		}
		results = append(results, res)
	}
	return results
}

func targetKind(ch string) string {
	t, err := notifier.ParseTarget(ch)
	if err != nil {
		return "invalid"
	}
	return t.Kind
}

const dayLayout = "Mon Jan 02 2006"

// timeRange describes the publication span of items, one day or "from - to".
func timeRange(items []domain.FetchedItem) string {
	if len(items) == 0 {
		return "No items"
	}
	dates := make([]time.Time, 0, len(items))
	for i := range items {
		if !items[i].PublishedAt.IsZero() {
			dates = append(dates, items[i].PublishedAt)
		}
	}
	if len(dates) == 0 {
		return "No dates available"
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	oldest, newest := dates[0].Format(dayLayout), dates[len(dates)-1].Format(dayLayout)
	if oldest == newest {
		return oldest
	}
	return oldest + " - " + newest
}
