package domain

import "encoding/json"

// TopicConfig is the file-backed definition of a topic.
type TopicConfig struct {
	Name            string         `json:"name"`
	Slug            string         `json:"slug"`
	Enabled         bool           `json:"enabled"`
	AssistantID     string         `json:"assistantId,omitempty"`
	Schedule        ScheduleConfig `json:"schedule,omitempty"`
	LookbackDays    int            `json:"lookbackDays,omitempty"`
	IncludeKeywords []string       `json:"includeKeywords,omitempty"`
	ExcludeKeywords []string       `json:"excludeKeywords,omitempty"`
	Sources         []SourceConfig `json:"sources"`
	Channels        ChannelsConfig `json:"channels,omitempty"`
}

// ScheduleConfig is an optional cron expression with a timezone.
type ScheduleConfig struct {
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// SourceConfig declares one source inside a topic file.
type SourceConfig struct {
	Name    string         `json:"name"`
	Kind    SourceKind     `json:"type"`
	URL     string         `json:"url"`
	Enabled bool           `json:"enabled"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// ChannelsConfig lists notification targets.
type ChannelsConfig struct {
	Notifier NotifierTargets `json:"notifier,omitempty"`
	Slack    SlackChannels   `json:"slack,omitempty"`
}

// NotifierTargets are prefixed channel references such as "slack:#news".
type NotifierTargets struct {
	Targets []string `json:"targets,omitempty"`
}

// SlackChannels is the legacy Slack-only channel list.
type SlackChannels struct {
	Channels []string `json:"channels,omitempty"`
}

// Targets returns every configured notification target. Legacy Slack
// channels are returned with a "slack:" prefix.
func (c ChannelsConfig) Targets() []string {
	out := make([]string, 0, len(c.Notifier.Targets)+len(c.Slack.Channels))
	out = append(out, c.Notifier.Targets...)
	for _, ch := range c.Slack.Channels {
		out = append(out, "slack:"+ch)
	}
	return out
}

// EnabledSources returns the sources with Enabled set.
func (t *TopicConfig) EnabledSources() []SourceConfig {
	out := make([]SourceConfig, 0, len(t.Sources))
	for _, s := range t.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}

// UnmarshalJSON defaults Enabled to true when the key is absent.
func (t *TopicConfig) UnmarshalJSON(data []byte) error {
	type plain TopicConfig
	p := plain{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*t = TopicConfig(p)
	return nil
}

// UnmarshalJSON defaults Enabled to true and normalizes legacy kind names.
func (s *SourceConfig) UnmarshalJSON(data []byte) error {
	type plain SourceConfig
	p := plain{Enabled: true}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	if k, err := ParseSourceKind(string(p.Kind)); err == nil {
		p.Kind = k
	}
	*s = SourceConfig(p)
	return nil
}
