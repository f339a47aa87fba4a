package fetcher

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/config"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/domain"
	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

// Factory selects the adapter for a source kind from a registry fixed at
// construction.
type Factory struct {
	adapters map[domain.SourceKind]Adapter
}

// NewFactory builds the registry with one adapter per known kind.
func NewFactory(httpClient *http.Client, cfg config.FetcherConfig, log logger.Logger) *Factory {
	client := NewHTTPClient(httpClient, cfg, log.With(logger.Component("http")))
	return NewFactoryWith(
		NewFeedAdapter(client, log.With(logger.Component("feed"))),
		NewGitHubAdapter(client, cfg.GitHubAPIURL, cfg.GitHubToken, cfg.GitHubRPS, log.With(logger.Component("github"))),
		NewDiscordAdapter(client, cfg.DiscordURL, cfg.DiscordToken, log.With(logger.Component("discord"))),
		NewChangeDetector(client, log.With(logger.Component("change-detector"))),
	)
}

// NewFactoryWith builds a registry from explicit adapters. A later adapter
// replaces an earlier one of the same kind.
func NewFactoryWith(adapters ...Adapter) *Factory {
	f := &Factory{adapters: make(map[domain.SourceKind]Adapter, len(adapters))}
	for _, a := range adapters {
		f.adapters[a.Kind()] = a
	}
	return f
}

// For returns the adapter for kind or ErrUnsupportedKind.
func (f *Factory) For(kind domain.SourceKind) (Adapter, error) {
	a, ok := f.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	return a, nil
}

// Kinds lists the registered kinds, sorted.
func (f *Factory) Kinds() []domain.SourceKind {
	kinds := make([]domain.SourceKind, 0, len(f.adapters))
	for k := range f.adapters {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
