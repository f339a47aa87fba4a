// Package fetcher turns heterogeneous content sources into FetchedItems under
// a per-source watermark protocol.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/mitchellh/mapstructure"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
)

// MaxContentLength caps sanitized item content, in characters.
const MaxContentLength = 10000

var (
	// ErrUnsupportedKind is returned by the factory for kinds outside the registry.
	ErrUnsupportedKind = errors.New("unsupported source kind")
	// ErrInvalidSource is returned when a source URL or meta cannot be used by its adapter.
	ErrInvalidSource = errors.New("invalid source configuration")
)

// Result is one adapter call's output. NextWatermark is the cursor to store
// for the next call; it equals the input watermark when nothing advanced.
type Result struct {
	Items         []domain.FetchedItem
	NextWatermark string
}

// Adapter fetches items newer than watermark from one kind of source.
type Adapter interface {
	Kind() domain.SourceKind
	FetchItems(ctx context.Context, src *domain.Source, watermark string) (*Result, error)
}

// Sanitize collapses runs of whitespace to one space, trims, and caps the
// result at MaxContentLength characters.
func Sanitize(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= MaxContentLength {
		return s
	}
	return string([]rune(s)[:MaxContentLength])
}

func domainOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return u.Hostname()
}

// decodeMeta fills out from a source's meta map. Keys match field tags
// case-insensitively with underscores ignored, so monitor_selector and
// monitorSelector are the same key.
func decodeMeta(meta map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		MatchName: func(mapKey, fieldName string) bool {
			return strings.EqualFold(strings.ReplaceAll(mapKey, "_", ""), strings.ReplaceAll(fieldName, "_", ""))
		},
	})
	if err != nil {
		return err
	}
	if decodeErr := dec.Decode(meta); decodeErr != nil {
		return fmt.Errorf("%w: meta: %w", ErrInvalidSource, decodeErr)
	}
	return nil
}
