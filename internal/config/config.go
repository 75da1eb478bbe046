package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Router    RouterConfig    `yaml:"router" mapstructure:"router"`
	EDGAR     EDGARConfig     `yaml:"edgar" mapstructure:"edgar"`
	Quotes    QuotesConfig    `yaml:"quotes" mapstructure:"quotes"`
	Search    SearchConfig    `yaml:"search" mapstructure:"search"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Webhook   WebhookConfig   `yaml:"webhook" mapstructure:"webhook"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Worker    WorkerConfig    `yaml:"worker" mapstructure:"worker"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend shared by the job queue and
// the job record store.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // "sqlite" or "postgres"
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// QueueConfig configures delivery semantics.
type QueueConfig struct {
	VisibilityTimeoutSecs int `yaml:"visibility_timeout_secs" mapstructure:"visibility_timeout_secs"`
	MaxAttempts           int `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBaseSecs       int `yaml:"backoff_base_secs" mapstructure:"backoff_base_secs"`
	BackoffCapSecs        int `yaml:"backoff_cap_secs" mapstructure:"backoff_cap_secs"`
	DedupWindowHours      int `yaml:"dedup_window_hours" mapstructure:"dedup_window_hours"`
	PollIntervalMillis    int `yaml:"poll_interval_millis" mapstructure:"poll_interval_millis"`
}

// VisibilityTimeout returns the lease duration.
func (q QueueConfig) VisibilityTimeout() time.Duration {
	return time.Duration(q.VisibilityTimeoutSecs) * time.Second
}

// DedupWindow returns the idempotent-enqueue caching window.
func (q QueueConfig) DedupWindow() time.Duration {
	return time.Duration(q.DedupWindowHours) * time.Hour
}

// PipelineConfig bounds pipeline execution.
type PipelineConfig struct {
	StageTimeoutSecs int `yaml:"stage_timeout_secs" mapstructure:"stage_timeout_secs"`
	TotalCeilingSecs int `yaml:"total_ceiling_secs" mapstructure:"total_ceiling_secs"`
	CancelGraceSecs  int `yaml:"cancel_grace_secs" mapstructure:"cancel_grace_secs"`
}

// StageTimeout returns the per-stage budget.
func (p PipelineConfig) StageTimeout() time.Duration {
	return time.Duration(p.StageTimeoutSecs) * time.Second
}

// TotalCeiling returns the wall-clock ceiling for a full attempt.
func (p PipelineConfig) TotalCeiling() time.Duration {
	return time.Duration(p.TotalCeilingSecs) * time.Second
}

// CancelGrace returns how long in-flight stages keep running after a
// cancellation request is observed.
func (p PipelineConfig) CancelGrace() time.Duration {
	return time.Duration(p.CancelGraceSecs) * time.Second
}

// RouterConfig configures financial-source routing.
type RouterConfig struct {
	AllowlistPath string `yaml:"allowlist_path" mapstructure:"allowlist_path"`
	DomainMatch   string `yaml:"domain_match" mapstructure:"domain_match"` // only "exact" is implemented
}

// EDGARConfig holds SEC EDGAR API settings.
type EDGARConfig struct {
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	UserAgent  string  `yaml:"user_agent" mapstructure:"user_agent"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// QuotesConfig holds the quote-profile API used by the domain guard.
type QuotesConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// SearchConfig holds the web search API used by the derived-signal sources.
type SearchConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Key     string `yaml:"key" mapstructure:"key"`
}

// AnthropicConfig holds settings for the AI enrichment source.
type AnthropicConfig struct {
	Key      string `yaml:"key" mapstructure:"key"`
	Model    string `yaml:"model" mapstructure:"model"`
	Disabled bool   `yaml:"disabled" mapstructure:"disabled"`
}

// WebhookConfig configures outbound terminal-state notifications.
type WebhookConfig struct {
	Secret      string `yaml:"secret" mapstructure:"secret"`
	MaxAttempts int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// ServerConfig configures the submission API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// WorkerConfig configures the worker pool.
type WorkerConfig struct {
	Count int `yaml:"count" mapstructure:"count"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("KRAWLR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "intel.db")
	v.SetDefault("queue.visibility_timeout_secs", 60)
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.backoff_base_secs", 2)
	v.SetDefault("queue.backoff_cap_secs", 300)
	v.SetDefault("queue.dedup_window_hours", 24)
	v.SetDefault("queue.poll_interval_millis", 500)
	v.SetDefault("pipeline.stage_timeout_secs", 45)
	v.SetDefault("pipeline.total_ceiling_secs", 150)
	v.SetDefault("pipeline.cancel_grace_secs", 10)
	v.SetDefault("router.domain_match", "exact")
	v.SetDefault("edgar.base_url", "https://www.sec.gov")
	v.SetDefault("edgar.user_agent", "Krawlr Intelligence ops@krawlr.io")
	v.SetDefault("edgar.rate_per_sec", 8)
	v.SetDefault("quotes.base_url", "https://query2.finance.yahoo.com")
	v.SetDefault("search.base_url", "https://api.search.brave.com/res/v1")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("webhook.max_attempts", 5)
	v.SetDefault("webhook.timeout_secs", 10)
	v.SetDefault("server.port", 8080)
	v.SetDefault("worker.count", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
