package processor

import (
	"strings"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
)

// filterKeywords keeps items whose title or content mentions at least one
// include keyword, when any are configured, and none of the exclude
// keywords. Matching ignores case.
func filterKeywords(cfg *domain.TopicConfig, items []domain.FetchedItem) []domain.FetchedItem {
	include := lowerAll(cfg.IncludeKeywords)
	exclude := lowerAll(cfg.ExcludeKeywords)
	if len(include) == 0 && len(exclude) == 0 {
		return items
	}

	kept := items[:0:0]
	for i := range items {
		text := strings.ToLower(items[i].Title + "\n" + items[i].Content)
		if len(include) > 0 && !containsAny(text, include) {
			continue
		}
		if containsAny(text, exclude) {
			continue
		}
		kept = append(kept, items[i])
	}
	return kept
}

func lowerAll(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			out = append(out, w)
		}
	}
	return out
}

func containsAny(text string, words []string) bool {
	for _, w := range words {
		if strings.Contains(text, w) {
			return true
		}
	}
	return false
}
