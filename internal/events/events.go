// Package events fans run and topic updates out to connected observers
// over Server-Sent Events and WebSocket.
package events

import (
	"context"
	"time"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
)

// Event types pushed to observers.
const (
	TypeConnected  = "connected"
	TypeNewRun     = "new-run"
	TypeRunUpdate  = "run-update"
	TypeTopicStats = "topic-stats"
)

// Event is the envelope every observer receives.
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster publishes events. Delivery is best effort.
type Broadcaster interface {
	Broadcast(ctx context.Context, eventType string, payload any)
}

// Nop discards events.
type Nop struct{}

// Broadcast implements Broadcaster.
func (Nop) Broadcast(context.Context, string, any) {}

// NewRunPayload announces a run that was just created.
type NewRunPayload struct {
	ID        string        `json:"id"`
	TopicSlug string        `json:"topicSlug"`
	TopicName string        `json:"topicName"`
	Status    domain.Status `json:"status"`
	CreatedAt time.Time     `json:"createdAt"`
}

// RunUpdatePayload reports a run or task status change. Extra carries
// status-specific fields such as the item count or error text.
type RunUpdatePayload struct {
	RunID     string         `json:"runId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	TopicSlug string         `json:"topicSlug"`
	Status    domain.Status  `json:"status"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// TopicStatsPayload carries one or more topic aggregates.
type TopicStatsPayload struct {
	Topics []*domain.TopicStats `json:"topics"`
}

// topicSlugOf extracts the topic an event concerns, or "" for events that
// concern every observer.
func topicSlugOf(e Event) string {
	switch p := e.Payload.(type) {
	case NewRunPayload:
		return p.TopicSlug
	case *NewRunPayload:
		return p.TopicSlug
	case RunUpdatePayload:
		return p.TopicSlug
	case *RunUpdatePayload:
		return p.TopicSlug
	case TopicStatsPayload:
		if len(p.Topics) == 1 {
			return p.Topics[0].Slug
		}
	}
	return ""
}
