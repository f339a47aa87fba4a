// Package domain holds the entities shared by every topic-monitor component.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SourceKind enumerates the closed set of adapter kinds.
type SourceKind string

const (
	SourceKindFeed           SourceKind = "feed"
	SourceKindCodeHost       SourceKind = "code-host"
	SourceKindChatChannel    SourceKind = "chat-channel"
	SourceKindChangeDetector SourceKind = "change-detector"
)

// legacy names accepted in topic files.
var sourceKindAliases = map[string]SourceKind{
	"rss":             SourceKindFeed,
	"github":          SourceKindCodeHost,
	"discord":         SourceKindChatChannel,
	"content_monitor": SourceKindChangeDetector,
}

// ParseSourceKind normalizes a declared kind, accepting legacy aliases.
func ParseSourceKind(s string) (SourceKind, error) {
	switch k := SourceKind(s); k {
	case SourceKindFeed, SourceKindCodeHost, SourceKindChatChannel, SourceKindChangeDetector:
		return k, nil
	}
	if k, ok := sourceKindAliases[s]; ok {
		return k, nil
	}
	return "", fmt.Errorf("unknown source kind %q", s)
}

// Status is the lifecycle state shared by runs and tasks.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskType is the kind of operation a task requests.
type TaskType string

const (
	TaskTypeProcess TaskType = "process"
	TaskTypeRevert  TaskType = "revert"
	TaskTypeClean   TaskType = "clean"
)

// JSONMap is a jsonb column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*m = JSONMap{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("jsonmap: unsupported scan type")
	}
	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// Topic is a monitored subject.
type Topic struct {
	ID           string    `db:"id"            json:"id"`
	Slug         string    `db:"slug"          json:"slug"`
	Name         string    `db:"name"          json:"name"`
	Enabled      bool      `db:"enabled"       json:"enabled"`
	LookbackDays int       `db:"lookback_days" json:"lookback_days"`
	AssistantID  *string   `db:"assistant_id"  json:"assistant_id,omitempty"`
	Config       JSONMap   `db:"config"        json:"config,omitempty"`
	CreatedAt    time.Time `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"    json:"updated_at"`
}

// Source is one content origin within a topic.
type Source struct {
	ID        string     `db:"id"         json:"id"`
	TopicID   string     `db:"topic_id"   json:"topic_id"`
	Name      string     `db:"name"       json:"name"`
	Kind      SourceKind `db:"type"       json:"type"`
	URL       string     `db:"url"        json:"url"`
	Enabled   bool       `db:"enabled"    json:"enabled"`
	Meta      JSONMap    `db:"meta"       json:"meta,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// WatermarkTypeTimestamp is the only watermark type currently written.
const WatermarkTypeTimestamp = "timestamp"

// Watermark is a per-source incremental fetch cursor.
type Watermark struct {
	ID        string    `db:"id"         json:"id"`
	SourceID  string    `db:"source_id"  json:"source_id"`
	Type      string    `db:"type"       json:"type"`
	Value     string    `db:"value"      json:"value"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// FetchedItem is what an adapter returns, before deduplication.
type FetchedItem struct {
	Title       string
	Content     string
	URL         string
	PublishedAt time.Time
	Metadata    map[string]any

	// SourceID is filled in by the processor, not by adapters.
	SourceID string
}

// Item is a persisted, deduplicated piece of content.
type Item struct {
	ID          string    `db:"id"           json:"id"`
	SourceID    string    `db:"source_id"    json:"source_id"`
	Title       string    `db:"title"        json:"title"`
	Content     string    `db:"content"      json:"content"`
	URL         string    `db:"url"          json:"url"`
	PublishedAt time.Time `db:"published_at" json:"published_at"`
	ContentHash string    `db:"content_hash" json:"content_hash"`
	SimHash     string    `db:"sim_hash"     json:"sim_hash"`
	Metadata    JSONMap   `db:"metadata"     json:"metadata,omitempty"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
}

// Run is one execution of the pipeline for a topic.
type Run struct {
	ID          string     `db:"id"           json:"id"`
	TopicID     string     `db:"topic_id"     json:"topic_id"`
	Status      Status     `db:"status"       json:"status"`
	StartedAt   time.Time  `db:"started_at"   json:"started_at"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Error       *string    `db:"error"        json:"error,omitempty"`
	Metadata    JSONMap    `db:"metadata"     json:"metadata,omitempty"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
}

// Task is a requested operation tracked independently of runs.
type Task struct {
	ID          string     `db:"id"           json:"id"`
	Type        TaskType   `db:"type"         json:"type"`
	TopicSlug   *string    `db:"topic_slug"   json:"topic_slug,omitempty"`
	Status      Status     `db:"status"       json:"status"`
	RequestedBy string     `db:"requested_by" json:"requested_by"`
	Params      JSONMap    `db:"params"       json:"params,omitempty"`
	Result      JSONMap    `db:"result"       json:"result,omitempty"`
	Error       *string    `db:"error"        json:"error,omitempty"`
	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	StartedAt   *time.Time `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// TopicStats is the aggregate pushed as a topic-stats event.
type TopicStats struct {
	Slug          string     `db:"slug"            json:"slug"`
	Name          string     `db:"name"            json:"name"`
	Enabled       bool       `db:"enabled"         json:"enabled"`
	ItemsCount    int        `db:"items_count"     json:"items_count"`
	RunsCount     int        `db:"runs_count"      json:"runs_count"`
	LastRun       *time.Time `db:"last_run"        json:"last_run"`
	LastRunStatus *string    `db:"last_run_status" json:"last_run_status"`
}
