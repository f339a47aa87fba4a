// Package scheduler turns topic cron schedules into queued process tasks and
// runs the daily maintenance sweep.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	_ "time/tzdata" // default timezone must resolve in minimal images

	"github.com/robfig/cron/v3"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/queue"
)

const (
	// RequestedBy is the requester recorded on scheduled tasks.
	RequestedBy = "scheduler"

	maintenanceName     = "maintenance"
	defaultMaintenance  = "0 2 * * *"
	defaultTimezone     = "Europe/Paris"
	defaultRetention    = 7
	queueCleanGrace     = 5 * time.Second
	duplicateJobMessage = "duplicate job"
)

// TopicLister lists the configured topics.
type TopicLister interface {
	All() []*domain.TopicConfig
}

// Tasks is the slice of the task ledger the scheduler uses.
type Tasks interface {
	Create(ctx context.Context, kind domain.TaskType, topicSlug string, params domain.JSONMap, requestedBy string) (*domain.Task, error)
	SetStatus(ctx context.Context, id string, status domain.Status, result domain.JSONMap, errText string) error
	DeleteOlderThan(ctx context.Context, days int) (int64, error)
}

// Queue accepts jobs and prunes finished ones.
type Queue interface {
	Enqueue(ctx context.Context, req queue.EnqueueRequest) (*queue.Job, error)
	Clean(ctx context.Context, grace time.Duration) (int, error)
}

// DedupCleaner prunes item history past the dedup window.
type DedupCleaner interface {
	CleanupOld(ctx context.Context) (int64, error)
}

// Config configures the scheduler.
type Config struct {
	DefaultSchedule string
	Timezone        string
	MaintenanceCron string
	RetentionDays   int
}

// ScheduleInfo describes one registered cron entry.
type ScheduleInfo struct {
	Name      string     `json:"name"`
	TopicSlug string     `json:"topic_slug,omitempty"`
	Cron      string     `json:"cron"`
	Timezone  string     `json:"timezone"`
	Next      time.Time  `json:"next_run"`
	Prev      *time.Time `json:"last_run,omitempty"`
}

type entry struct {
	id   cron.EntryID
	info ScheduleInfo
}

// Scheduler owns a cron instance with one entry per scheduled topic plus
// the maintenance entry.
type Scheduler struct {
	cfg    Config
	topics TopicLister
	tasks  Tasks
	queue  Queue
	dedup  DedupCleaner
	logger logger.Logger

	cron   *cron.Cron
	parser cron.Parser

	mu      sync.RWMutex
	entries map[string]entry
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a Scheduler. dedup may be nil.
func New(cfg Config, topics TopicLister, tasks Tasks, q Queue, dedup DedupCleaner, log logger.Logger) *Scheduler {
	if cfg.Timezone == "" {
		cfg.Timezone = defaultTimezone
	}
	if cfg.MaintenanceCron == "" {
		cfg.MaintenanceCron = defaultMaintenance
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = defaultRetention
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cfg:     cfg,
		topics:  topics,
		tasks:   tasks,
		queue:   q,
		dedup:   dedup,
		logger:  log,
		parser:  parser,
		cron:    cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cronLogger{log}))),
		entries: make(map[string]entry),
		ctx:     context.Background(),
	}
}

// Start registers every entry and starts the cron loop. Triggers run with
// a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.mu.Unlock()

	if err := s.addMaintenance(); err != nil {
		return err
	}
	s.Refresh()
	s.cron.Start()
	s.logger.Info("Scheduler started", logger.Int("entries", len(s.Schedules())))
	return nil
}

// Stop halts the cron loop and waits for running triggers or ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	done := s.cron.Stop()
	defer cancel()
	select {
	case <-done.Done():
		s.logger.Info("Scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// Running reports whether Start has been called without Stop.
func (s *Scheduler) Running() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Scheduler) addMaintenance() error {
	spec := withTimezone(s.cfg.MaintenanceCron, s.cfg.Timezone)
	id, err := s.cron.AddFunc(spec, func() { _ = s.RunMaintenance(s.runCtx()) })
	if err != nil {
		return fmt.Errorf("schedule maintenance %q: %w", s.cfg.MaintenanceCron, err)
	}
	s.mu.Lock()
	s.entries[maintenanceName] = entry{id: id, info: ScheduleInfo{
		Name: maintenanceName, Cron: s.cfg.MaintenanceCron, Timezone: s.cfg.Timezone,
	}}
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) runCtx() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// Refresh replaces every topic entry from the current topic list. A topic
// with a malformed schedule is logged and skipped.
func (s *Scheduler) Refresh() {
	s.mu.Lock()
	for name, e := range s.entries {
		if name == maintenanceName {
			continue
		}
		s.cron.Remove(e.id)
		delete(s.entries, name)
	}
	s.mu.Unlock()

	scheduled := 0
	for _, t := range s.topics.All() {
		if !t.Enabled {
			continue
		}
		if err := s.scheduleTopic(t); err != nil {
			s.logger.Error("Skipping topic with invalid schedule", logger.TopicSlug(t.Slug), logger.Error(err))
			continue
		}
		scheduled++
	}
	s.logger.Info("Schedules refreshed", logger.Int("topics", scheduled))
}

func (s *Scheduler) scheduleTopic(t *domain.TopicConfig) error {
	expr := t.Schedule.Cron
	if expr == "" {
		expr = s.cfg.DefaultSchedule
	}
	if expr == "" {
		s.logger.Debug("No schedule for topic", logger.TopicSlug(t.Slug))
		return nil
	}
	tz := t.Schedule.Timezone
	if tz == "" {
		tz = s.cfg.Timezone
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("timezone %q: %w", tz, err)
	}

	slug := t.Slug
	id, err := s.cron.AddFunc(withTimezone(expr, tz), func() {
		if _, trigErr := s.Trigger(s.runCtx(), slug); trigErr != nil && !errors.Is(trigErr, queue.ErrDuplicateJob) {
			s.logger.Error("Scheduled trigger failed", logger.TopicSlug(slug), logger.Error(trigErr))
		}
	})
	if err != nil {
		return fmt.Errorf("cron %q: %w", expr, err)
	}

	name := "topic-" + slug
	s.mu.Lock()
	s.entries[name] = entry{id: id, info: ScheduleInfo{Name: name, TopicSlug: slug, Cron: expr, Timezone: tz}}
	s.mu.Unlock()
	s.logger.Info("Topic scheduled", logger.TopicSlug(slug), logger.String("cron", expr), logger.String("timezone", tz))
	return nil
}

func withTimezone(expr, tz string) string {
	if tz == "" {
		return expr
	}
	return "CRON_TZ=" + tz + " " + expr
}

// Trigger records a scheduled process task for slug and enqueues it. A
// duplicate job marks the task failed and is returned as ErrDuplicateJob.
func (s *Scheduler) Trigger(ctx context.Context, slug string) (*domain.Task, error) {
	t, err := s.tasks.Create(ctx, domain.TaskTypeProcess, slug, domain.JSONMap{"topic_slug": slug, "force": false}, RequestedBy)
	if err != nil {
		return nil, fmt.Errorf("create scheduled task: %w", err)
	}

	_, err = s.queue.Enqueue(ctx, queue.EnqueueRequest{
		TaskID:    t.ID,
		TaskType:  domain.TaskTypeProcess,
		TopicSlug: slug,
		Params:    map[string]any{"force": false},
	})
	if err == nil {
		s.logger.Info("Scheduled processing queued", logger.TopicSlug(slug), logger.TaskID(t.ID))
		return t, nil
	}

	msg := err.Error()
	if errors.Is(err, queue.ErrDuplicateJob) {
		s.logger.Info("Topic already queued, skipping scheduled run", logger.TopicSlug(slug), logger.TaskID(t.ID))
		msg = duplicateJobMessage
	}
	if setErr := s.tasks.SetStatus(ctx, t.ID, domain.StatusFailed, nil, msg); setErr != nil {
		s.logger.Warn("Failed to mark scheduled task failed", logger.TaskID(t.ID), logger.Error(setErr))
	}
	return t, err
}

// RunMaintenance prunes old tasks, finished queue jobs and stale item
// history. Each step runs even if an earlier one failed.
func (s *Scheduler) RunMaintenance(ctx context.Context) error {
	s.logger.Info("Running maintenance")
	var errs []error

	if _, err := s.tasks.DeleteOlderThan(ctx, s.cfg.RetentionDays); err != nil {
		errs = append(errs, fmt.Errorf("delete old tasks: %w", err))
	}
	if n, err := s.queue.Clean(ctx, queueCleanGrace); err != nil {
		errs = append(errs, fmt.Errorf("clean queue: %w", err))
	} else {
		s.logger.Info("Queue cleaned", logger.Int("removed", n))
	}
	if s.dedup != nil {
		if _, err := s.dedup.CleanupOld(ctx); err != nil {
			errs = append(errs, fmt.Errorf("cleanup items: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("Maintenance finished with errors", logger.Error(err))
	}
	return err
}

// Schedules returns the registered entries with their next run, ordered by
// name.
func (s *Scheduler) Schedules() []ScheduleInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ScheduleInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := e.info
		ce := s.cron.Entry(e.id)
		info.Next = ce.Next
		if !ce.Prev.IsZero() {
			prev := ce.Prev
			info.Prev = &prev
		}
		if info.Next.IsZero() {
			if sched, err := s.parser.Parse(withTimezone(info.Cron, info.Timezone)); err == nil {
				info.Next = sched.Next(time.Now())
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, logger.Any("details", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, logger.Error(err), logger.Any("details", keysAndValues))
}
