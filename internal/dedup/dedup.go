// Package dedup rejects items whose title was already seen for the same topic
// within a lookback window.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

const defaultLookbackDays = 30

// ItemStore is the slice of the item repository the gate needs.
type ItemStore interface {
	TitleExistsSince(ctx context.Context, topicID, title string, since time.Time) (bool, error)
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Gate decides which fetched items are new.
type Gate struct {
	store        ItemStore
	lookbackDays int
	logger       logger.Logger
	now          func() time.Time
}

// NewGate creates a Gate. lookbackDays <= 0 selects 30 days.
func NewGate(store ItemStore, lookbackDays int, log logger.Logger) *Gate {
	if lookbackDays <= 0 {
		lookbackDays = defaultLookbackDays
	}
	return &Gate{store: store, lookbackDays: lookbackDays, logger: log, now: time.Now}
}

// Fingerprint is the content hash of an item: hex sha256 of "title|url".
func Fingerprint(title, url string) string {
	sum := sha256.Sum256([]byte(title + "|" + url))
	return hex.EncodeToString(sum[:])
}

// SimHash is kept equal to Fingerprint; duplicates are exact-title matches only.
func SimHash(title, url string) string {
	return Fingerprint(title, url)
}

func (g *Gate) window() time.Time {
	return g.now().AddDate(0, 0, -g.lookbackDays)
}

// IsDuplicate reports whether an item with the same trimmed title was stored
// for the topic inside the lookback window. Store failures count as new.
func (g *Gate) IsDuplicate(ctx context.Context, item *domain.FetchedItem, topicID string) bool {
	title := strings.TrimSpace(item.Title)
	exists, err := g.store.TitleExistsSince(ctx, topicID, title, g.window())
	if err != nil {
		g.logger.Warn("Dedup lookup failed, treating item as new",
			logger.String("topic_id", topicID),
			logger.String("title", title),
			logger.Error(err),
		)
		return false
	}
	return exists
}

// Filter returns the items that are neither stored duplicates nor repeats of
// an earlier title in the same batch. Order is preserved.
func (g *Gate) Filter(ctx context.Context, topicID string, items []domain.FetchedItem) []domain.FetchedItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]domain.FetchedItem, 0, len(items))
	for i := range items {
		title := strings.TrimSpace(items[i].Title)
		if _, dup := seen[title]; dup {
			continue
		}
		seen[title] = struct{}{}
		if g.IsDuplicate(ctx, &items[i], topicID) {
			continue
		}
		out = append(out, items[i])
	}
	return out
}

// CleanupOld deletes items older than twice the lookback window.
func (g *Gate) CleanupOld(ctx context.Context) (int64, error) {
	cutoff := g.now().AddDate(0, 0, -2*g.lookbackDays)
	n, err := g.store.DeleteCreatedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	g.logger.Info("Removed old items", logger.Int64("deleted", n), logger.Time("cutoff", cutoff))
	return n, nil
}
