package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Dedup     DedupConfig     `yaml:"dedup" mapstructure:"dedup"`
	Filter    FilterConfig    `yaml:"filter" mapstructure:"filter"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Fetch     FetchConfig     `yaml:"fetch" mapstructure:"fetch"`
	Sources   SourcesConfig   `yaml:"sources" mapstructure:"sources"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings for the enrichment client.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
}

// DedupConfig configures the duplicate classifier.
type DedupConfig struct {
	// StalenessDays is the age beyond which a matched record with no provider
	// timestamp is reconsidered for update.
	StalenessDays int `yaml:"staleness_days" mapstructure:"staleness_days"`
	// MinTitleLength excludes too-short titles from lookup.
	MinTitleLength int `yaml:"min_title_length" mapstructure:"min_title_length"`
	// SimilarityThreshold validates identifier matches against title drift.
	SimilarityThreshold float64 `yaml:"similarity_threshold" mapstructure:"similarity_threshold"`
}

// FilterConfig configures the post-enrichment score filter.
type FilterConfig struct {
	ScoreThreshold float64 `yaml:"score_threshold" mapstructure:"score_threshold"`
}

// QueueConfig configures the job queue coordinator.
type QueueConfig struct {
	ChunkSize           int `yaml:"chunk_size" mapstructure:"chunk_size"`
	MaxRetries          int `yaml:"max_retries" mapstructure:"max_retries"`
	StuckTimeoutMinutes int `yaml:"stuck_timeout_minutes" mapstructure:"stuck_timeout_minutes"`
}

// FetchConfig configures the extraction fetchers.
type FetchConfig struct {
	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// SourcesConfig points at the YAML source registry.
type SourcesConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port       int    `yaml:"port" mapstructure:"port"`
	CronSecret string `yaml:"cron_secret" mapstructure:"cron_secret"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.batch_size", 10)
	v.SetDefault("dedup.staleness_days", 90)
	v.SetDefault("dedup.min_title_length", 3)
	v.SetDefault("dedup.similarity_threshold", 0.5)
	v.SetDefault("filter.score_threshold", 0.4)
	v.SetDefault("queue.chunk_size", 50)
	v.SetDefault("queue.max_retries", 3)
	v.SetDefault("queue.stuck_timeout_minutes", 5)
	v.SetDefault("fetch.user_agent", "fundscope-ingest/1.0")
	v.SetDefault("fetch.timeout_secs", 60)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.requests_per_sec", 2.0)
	v.SetDefault("sources.path", "sources.yaml")

	// Read config file (optional)
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
