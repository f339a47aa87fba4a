package config

import (
	"fmt"
	"time"

	"github.com/jonesrussell/north-cloud/topic-monitor/internal/logger"
)

// Config is the root configuration for every topic-monitor command.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Logging    logger.Config    `yaml:"logging"`
	Lock       LockConfig       `yaml:"lock"`
	Queue      QueueConfig      `yaml:"queue"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Fetcher    FetcherConfig    `yaml:"fetcher"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Notifier   NotifierConfig   `yaml:"notifier"`
	Topics     TopicsConfig     `yaml:"topics"`
	Global     GlobalConfig     `yaml:"global"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `env:"SERVER_PORT"   yaml:"port"`
	Debug           bool          `env:"SERVER_DEBUG"  yaml:"debug"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	CORSOrigins     []string      `env:"CORS_ORIGINS" yaml:"cors_origins"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `env:"POSTGRES_HOST"     yaml:"host"`
	Port            int           `env:"POSTGRES_PORT"     yaml:"port"`
	User            string        `env:"POSTGRES_USER"     yaml:"user"`
	Password        string        `env:"POSTGRES_PASSWORD" yaml:"password"`
	DBName          string        `env:"POSTGRES_DB"       yaml:"dbname"`
	SSLMode         string        `env:"POSTGRES_SSLMODE"  yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN returns a lib/pq key/value connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// RedisConfig holds Redis connection settings for the work queue.
type RedisConfig struct {
	Address  string `env:"REDIS_ADDRESS"  yaml:"address"`
	Password string `env:"REDIS_PASSWORD" yaml:"password"`
	DB       int    `env:"REDIS_DB"       yaml:"db"`
	Prefix   string `env:"REDIS_PREFIX"   yaml:"prefix"`
}

// Lock modes.
const (
	LockModePoll     = "poll"
	LockModeBlocking = "blocking"
)

// LockConfig configures the advisory lock service.
type LockConfig struct {
	Mode         string        `env:"LOCK_MODE"    yaml:"mode"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `env:"LOCK_TIMEOUT" yaml:"timeout"`
}

// QueueConfig configures the Redis-backed work queue and worker pool.
type QueueConfig struct {
	Name            string        `yaml:"name"`
	Concurrency     int           `env:"QUEUE_CONCURRENCY" yaml:"concurrency"`
	BlockTimeout    time.Duration `yaml:"block_timeout"`
	ReclaimIdle     time.Duration `yaml:"reclaim_idle"`
	PromoteInterval time.Duration `yaml:"promote_interval"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	DrainTimeout    time.Duration `yaml:"drain_timeout"`
	KeepCompleted   int           `yaml:"keep_completed"`
	KeepFailed      int           `yaml:"keep_failed"`
}

// SchedulerConfig configures cron triggers.
type SchedulerConfig struct {
	Enabled           bool   `env:"SCHEDULER_ENABLED" yaml:"enabled"`
	MaintenanceCron   string `yaml:"maintenance_cron"`
	TaskRetentionDays int    `yaml:"task_retention_days"`
}

// FetcherConfig configures source adapters.
type FetcherConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	BaseDelay    time.Duration `yaml:"base_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	UserAgent    string        `yaml:"user_agent"`
	Concurrency  int           `yaml:"concurrency"`
	GitHubToken  string        `env:"GITHUB_TOKEN"      yaml:"github_token"`
	GitHubAPIURL string        `yaml:"github_api_url"`
	GitHubRPS    float64       `yaml:"github_rps"`
	DiscordToken string        `env:"DISCORD_BOT_TOKEN" yaml:"discord_token"`
	DiscordURL   string        `yaml:"discord_api_url"`
}

// DedupConfig configures the deduplication gate.
type DedupConfig struct {
	LookbackDays int `yaml:"lookback_days"`
}

// Assistant is a named summarization profile a topic can reference.
type Assistant struct {
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	MaxTokens    int64  `yaml:"max_tokens"`
}

// SummarizerConfig configures the Anthropic-backed summarizer.
type SummarizerConfig struct {
	APIKey          string               `env:"ANTHROPIC_API_KEY" yaml:"api_key"`
	BaseURL         string               `yaml:"base_url"`
	Assistants      map[string]Assistant `yaml:"assistants"`
	Timeout         time.Duration        `yaml:"timeout"`
	MaxItems        int                  `yaml:"max_items"`
	MaxCharsPerItem int                  `yaml:"max_chars_per_item"`
}

// NotifierConfig configures outbound notification channels.
type NotifierConfig struct {
	SlackToken          string `env:"SLACK_BOT_TOKEN"    yaml:"slack_token"`
	SlackBaseURL        string `yaml:"slack_base_url"`
	TelegramToken       string `env:"TELEGRAM_BOT_TOKEN" yaml:"telegram_token"`
	TelegramEndpoint    string `yaml:"telegram_endpoint"`
	PostAsFileThreshold int    `yaml:"post_as_file_threshold"`
	ChunkSize           int    `yaml:"chunk_size"`
}

// TopicsConfig locates per-topic JSON configuration files.
type TopicsConfig struct {
	Dir   string `env:"TOPICS_DIR" yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

// GlobalConfig holds defaults applied to every topic.
type GlobalConfig struct {
	LookbackDays    int      `yaml:"lookback_days"`
	DefaultSchedule string   `yaml:"default_schedule"`
	Timezone        string   `env:"TZ_DEFAULT" yaml:"timezone"`
	AssistantID     string   `yaml:"assistant_id"`
	Targets         []string `yaml:"targets"`
}

// SetDefaults fills every unset field.
func (c *Config) SetDefaults() {
	setServerDefaults(&c.Server)
	setDatabaseDefaults(&c.Database)
	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "topic-monitor"
	}
	c.Logging.SetDefaults()
	setLockDefaults(&c.Lock)
	setQueueDefaults(&c.Queue)
	if c.Scheduler.MaintenanceCron == "" {
		c.Scheduler.MaintenanceCron = "0 2 * * *"
	}
	if c.Scheduler.TaskRetentionDays == 0 {
		c.Scheduler.TaskRetentionDays = 7
	}
	setFetcherDefaults(&c.Fetcher)
	if c.Dedup.LookbackDays == 0 {
		c.Dedup.LookbackDays = 30
	}
	setSummarizerDefaults(&c.Summarizer)
	if c.Notifier.PostAsFileThreshold == 0 {
		c.Notifier.PostAsFileThreshold = 4000
	}
	if c.Notifier.ChunkSize == 0 {
		c.Notifier.ChunkSize = 3000
	}
	if c.Notifier.SlackBaseURL == "" {
		c.Notifier.SlackBaseURL = "https://slack.com/api"
	}
	if c.Notifier.TelegramEndpoint == "" {
		c.Notifier.TelegramEndpoint = "https://api.telegram.org/bot%s/%s"
	}
	if c.Topics.Dir == "" {
		c.Topics.Dir = "config/topics"
	}
	if c.Global.LookbackDays == 0 {
		c.Global.LookbackDays = 7
	}
	if c.Global.Timezone == "" {
		c.Global.Timezone = "Europe/Paris"
	}
}

func setServerDefaults(s *ServerConfig) {
	if s.Port == 0 {
		s.Port = 8070
	}
	if s.ReadTimeout == 0 {
		s.ReadTimeout = 30 * time.Second
	}
	// SSE streams are long lived; a write timeout would cut them.
	if s.IdleTimeout == 0 {
		s.IdleTimeout = 120 * time.Second
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = 30 * time.Second
	}
}

func setDatabaseDefaults(d *DatabaseConfig) {
	if d.Host == "" {
		d.Host = "localhost"
	}
	if d.Port == 0 {
		d.Port = 5432
	}
	if d.User == "" {
		d.User = "postgres"
	}
	if d.DBName == "" {
		d.DBName = "topic_monitor"
	}
	if d.SSLMode == "" {
		d.SSLMode = "disable"
	}
	if d.MaxOpenConns == 0 {
		d.MaxOpenConns = 25
	}
	if d.MaxIdleConns == 0 {
		d.MaxIdleConns = 5
	}
	if d.ConnMaxLifetime == 0 {
		d.ConnMaxLifetime = 5 * time.Minute
	}
}

func setLockDefaults(l *LockConfig) {
	if l.Mode == "" {
		l.Mode = LockModePoll
	}
	if l.PollInterval == 0 {
		l.PollInterval = 100 * time.Millisecond
	}
	if l.Timeout == 0 {
		l.Timeout = 30 * time.Second
	}
}

func setQueueDefaults(q *QueueConfig) {
	if q.Name == "" {
		q.Name = "news-processing"
	}
	if q.Concurrency == 0 {
		q.Concurrency = 2
	}
	if q.BlockTimeout == 0 {
		q.BlockTimeout = 5 * time.Second
	}
	if q.ReclaimIdle == 0 {
		q.ReclaimIdle = 5 * time.Minute
	}
	if q.PromoteInterval == 0 {
		q.PromoteInterval = time.Second
	}
	if q.JobTimeout == 0 {
		q.JobTimeout = 15 * time.Minute
	}
	if q.DrainTimeout == 0 {
		q.DrainTimeout = 30 * time.Second
	}
	if q.KeepCompleted == 0 {
		q.KeepCompleted = 10
	}
	if q.KeepFailed == 0 {
		q.KeepFailed = 5
	}
}

func setFetcherDefaults(f *FetcherConfig) {
	if f.Timeout == 0 {
		f.Timeout = 30 * time.Second
	}
	if f.MaxRetries == 0 {
		f.MaxRetries = 3
	}
	if f.BaseDelay == 0 {
		f.BaseDelay = time.Second
	}
	if f.MaxDelay == 0 {
		f.MaxDelay = 30 * time.Second
	}
	if f.UserAgent == "" {
		f.UserAgent = "topic-monitor/1.0"
	}
	if f.Concurrency == 0 {
		f.Concurrency = 4
	}
	if f.GitHubAPIURL == "" {
		f.GitHubAPIURL = "https://api.github.com"
	}
	if f.GitHubRPS == 0 {
		f.GitHubRPS = 1
	}
	if f.DiscordURL == "" {
		f.DiscordURL = "https://discord.com/api/v10"
	}
}

func setSummarizerDefaults(s *SummarizerConfig) {
	if s.Timeout == 0 {
		s.Timeout = 120 * time.Second
	}
	if s.MaxItems == 0 {
		s.MaxItems = 60
	}
	if s.MaxCharsPerItem == 0 {
		s.MaxCharsPerItem = 2000
	}
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	if err := ValidatePort("server.port", c.Server.Port); err != nil {
		return err
	}
	if err := ValidateRequired("database.host", c.Database.Host); err != nil {
		return err
	}
	if err := ValidateRequired("redis.address", c.Redis.Address); err != nil {
		return err
	}
	if err := ValidateLogLevel(c.Logging.Level); err != nil {
		return err
	}
	if c.Lock.Mode != LockModePoll && c.Lock.Mode != LockModeBlocking {
		return &ValidationError{Field: "lock.mode", Message: "must be one of: poll, blocking"}
	}
	if c.Lock.PollInterval <= 0 || c.Lock.Timeout <= 0 {
		return &ValidationError{Field: "lock", Message: "poll_interval and timeout must be positive"}
	}
	if c.Queue.Concurrency < 1 {
		return &ValidationError{Field: "queue.concurrency", Message: "must be at least 1"}
	}
	if c.Global.LookbackDays < 1 {
		return &ValidationError{Field: "global.lookback_days", Message: "must be at least 1"}
	}
	if _, err := time.LoadLocation(c.Global.Timezone); err != nil {
		return &ValidationError{Field: "global.timezone", Message: err.Error()}
	}
	for name, a := range c.Summarizer.Assistants {
		if a.Model == "" {
			return &ValidationError{Field: "summarizer.assistants." + name + ".model", Message: "is required"}
		}
	}
	return nil
}
