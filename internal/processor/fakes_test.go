package processor_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/database"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/fetcher"
)

// topicMap is a static TopicProvider.
type topicMap map[string]*domain.TopicConfig

func (m topicMap) Topic(slug string) (*domain.TopicConfig, bool) {
	cfg, ok := m[slug]
	return cfg, ok
}

// memStore is an in-memory processor.Store that also serves the dedup gate.
type memStore struct {
	mu         sync.Mutex
	topics     map[string]*domain.Topic
	sources    map[string]*domain.Source
	watermarks map[string]string
	items      map[string]*domain.Item
	runs       map[string]*domain.Run
	runItems   map[string][]string

	persistErr  error
	revertCalls int
}

func newMemStore() *memStore {
	return &memStore{
		topics:     map[string]*domain.Topic{},
		sources:    map[string]*domain.Source{},
		watermarks: map[string]string{},
		items:      map[string]*domain.Item{},
		runs:       map[string]*domain.Run{},
		runItems:   map[string][]string{},
	}
}

func (s *memStore) UpsertTopic(_ context.Context, cfg *domain.TopicConfig, lookbackDays int) (*domain.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[cfg.Slug]
	if !ok {
		t = &domain.Topic{ID: uuid.NewString(), Slug: cfg.Slug, CreatedAt: time.Now().UTC()}
		s.topics[cfg.Slug] = t
	}
	t.Name = cfg.Name
	t.Enabled = cfg.Enabled
	t.LookbackDays = lookbackDays
	return t, nil
}

func (s *memStore) GetTopic(_ context.Context, slug string) (*domain.Topic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[slug]
	if !ok {
		return nil, fmt.Errorf("topic %s: %w", slug, database.ErrNotFound)
	}
	return t, nil
}

func (s *memStore) UpsertSource(_ context.Context, topicID string, cfg domain.SourceConfig) (*domain.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range s.sources {
		if src.TopicID == topicID && src.Name == cfg.Name {
			src.URL = cfg.URL
			src.Kind = cfg.Kind
			return src, nil
		}
	}
	src := &domain.Source{
		ID: uuid.NewString(), TopicID: topicID, Name: cfg.Name,
		Kind: cfg.Kind, URL: cfg.URL, Enabled: cfg.Enabled, Meta: domain.JSONMap(cfg.Meta),
	}
	s.sources[src.ID] = src
	return src, nil
}

func (s *memStore) GetWatermark(_ context.Context, sourceID, wmType string) (*domain.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.watermarks[sourceID]
	if !ok {
		return nil, nil
	}
	return &domain.Watermark{SourceID: sourceID, Type: wmType, Value: v}, nil
}

func (s *memStore) CreateRun(_ context.Context, topicID string) (*domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	r := &domain.Run{ID: uuid.NewString(), TopicID: topicID, Status: domain.StatusRunning, StartedAt: now, CreatedAt: now}
	s.runs[r.ID] = r
	return r, nil
}

func (s *memStore) FinishRun(_ context.Context, id string, status domain.Status, errText *string, metadata domain.JSONMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return database.ErrNotFound
	}
	if r.Status.IsTerminal() {
		return database.ErrRunFinished
	}
	now := time.Now().UTC()
	r.Status = status
	r.CompletedAt = &now
	r.Error = errText
	r.Metadata = metadata
	return nil
}

func (s *memStore) PersistSourceBatch(_ context.Context, batch database.SourceBatch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persistErr != nil {
		return 0, s.persistErr
	}
	for _, it := range batch.Items {
		key := it.SourceID + "|" + it.ContentHash
		existing, ok := s.items[key]
		if !ok {
			it.ID = uuid.NewString()
			it.CreatedAt = time.Now().UTC()
			s.items[key] = it
			existing = it
		}
		s.runItems[batch.RunID] = append(s.runItems[batch.RunID], existing.ID)
	}
	if batch.NextWatermark != "" {
		s.watermarks[batch.SourceID] = batch.NextWatermark
	}
	return len(batch.Items), nil
}

func (s *memStore) RevertSince(_ context.Context, topicID string, cutoff time.Time) (*database.RevertCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revertCalls++
	counts := &database.RevertCounts{}
	for id, r := range s.runs {
		if r.TopicID == topicID && !r.CreatedAt.Before(cutoff) {
			delete(s.runs, id)
			delete(s.runItems, id)
			counts.RunsDeleted++
		}
	}
	if counts.RunsDeleted == 0 {
		return counts, nil
	}
	for key, it := range s.items {
		if s.sources[it.SourceID].TopicID == topicID && !it.CreatedAt.Before(cutoff) && !s.referenced(it.ID) {
			delete(s.items, key)
			counts.ItemsDeleted++
		}
	}
	for srcID := range s.watermarks {
		if s.sources[srcID].TopicID == topicID {
			delete(s.watermarks, srcID)
			counts.WatermarksDeleted++
		}
	}
	return counts, nil
}

func (s *memStore) referenced(itemID string) bool {
	for _, ids := range s.runItems {
		for _, id := range ids {
			if id == itemID {
				return true
			}
		}
	}
	return false
}

func (s *memStore) CleanTopic(_ context.Context, topicID string) (*database.CleanCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := &database.CleanCounts{}
	for id, r := range s.runs {
		if r.TopicID == topicID {
			counts.RunItems += int64(len(s.runItems[id]))
			delete(s.runItems, id)
			delete(s.runs, id)
			counts.Runs++
		}
	}
	for key, it := range s.items {
		if s.sources[it.SourceID].TopicID == topicID {
			delete(s.items, key)
			counts.Items++
		}
	}
	for id, src := range s.sources {
		if src.TopicID != topicID {
			continue
		}
		if _, ok := s.watermarks[id]; ok {
			delete(s.watermarks, id)
			counts.Watermarks++
		}
		delete(s.sources, id)
		counts.Sources++
	}
	for slug, t := range s.topics {
		if t.ID == topicID {
			delete(s.topics, slug)
			counts.Topic++
		}
	}
	return counts, nil
}

func (s *memStore) TitleExistsSince(_ context.Context, topicID, title string, since time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.items {
		if s.sources[it.SourceID].TopicID == topicID && it.Title == title && !it.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) DeleteCreatedBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *memStore) onlyRun() *domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		return r
	}
	return nil
}

func (s *memStore) run(id string) *domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

func (s *memStore) sourceByName(name string) *domain.Source {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, src := range s.sources {
		if src.Name == name {
			return src
		}
	}
	return nil
}

func (s *memStore) watermark(sourceID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.watermarks[sourceID]
	return v, ok
}

func (s *memStore) itemCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// stubAdapter answers FetchItems per source URL.
type stubAdapter struct {
	kind  domain.SourceKind
	fetch func(ctx context.Context, src *domain.Source, watermark string) (*fetcher.Result, error)

	mu         sync.Mutex
	watermarks []string
}

func (a *stubAdapter) Kind() domain.SourceKind { return a.kind }

func (a *stubAdapter) FetchItems(ctx context.Context, src *domain.Source, watermark string) (*fetcher.Result, error) {
	a.mu.Lock()
	a.watermarks = append(a.watermarks, watermark)
	a.mu.Unlock()
	return a.fetch(ctx, src, watermark)
}

func (a *stubAdapter) seen() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.watermarks...)
}

// recordingBroadcaster keeps every event it is given.
type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	Type    string
	Payload any
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, eventType string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedEvent{Type: eventType, Payload: payload})
}

func (b *recordingBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, e := range b.events {
		out = append(out, e.Type)
	}
	return out
}

// statsCounter counts TopicStats calls.
type statsCounter struct {
	mu    sync.Mutex
	slugs []string
}

func (s *statsCounter) TopicStats(_ context.Context, slug string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slugs = append(s.slugs, slug)
}

var errUpstream = errors.New("upstream unavailable")
