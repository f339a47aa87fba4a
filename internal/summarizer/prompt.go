package summarizer

import (
	"fmt"
	"strings"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
)

const ellipsis = "..."

const promptHeader = `Analyze the following %d news items and create a comprehensive summary.

STRUCTURE REQUIRED:
TOP 5 CRITICAL UPDATES
- List the 5 most important items (breaking changes, major releases, critical features)
- Each point should be 1-2 lines maximum

ADDITIONAL UPDATES
- List all other relevant items
- Keep each point concise but informative

NEWS ITEMS:

`

const promptFooter = "\n---\nProvide the structured summary with the exact headers shown above (no markdown formatting):"

// Limit keeps at most maxItems items and truncates each item's content to
// maxChars runes, marking cut content with "...". Non-positive limits
// disable the corresponding cap. The input slice is not modified.
func Limit(items []domain.FetchedItem, maxItems, maxChars int) []domain.FetchedItem {
	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	out := make([]domain.FetchedItem, len(items))
	for i, item := range items {
		if maxChars > 0 {
			if r := []rune(item.Content); len(r) > maxChars {
				item.Content = string(r[:maxChars]) + ellipsis
			}
		}
		out[i] = item
	}
	return out
}

// BuildPrompt renders items as a numbered list between a fixed header and
// footer.
func BuildPrompt(items []domain.FetchedItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, promptHeader, len(items))

	for i, item := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. **%s**", i+1, item.Title)
		if !item.PublishedAt.IsZero() {
			fmt.Fprintf(&b, " (%s)", item.PublishedAt.UTC().Format("2006-01-02"))
		}
		b.WriteByte('\n')
		if item.URL != "" {
			fmt.Fprintf(&b, "   Source: %s\n", item.URL)
		}
		if item.Content != "" {
			fmt.Fprintf(&b, "   %s\n", item.Content)
		}
	}

	b.WriteString(promptFooter)
	return b.String()
}
