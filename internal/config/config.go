// Package config loads service settings from config.yaml and the
// environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
)

type Config struct {
	Host                 string   `mapstructure:"host"`
	Port                 int      `mapstructure:"port"`
	AllowOrigins         []string `mapstructure:"allow_origins"`
	MaxUploadMB          int      `mapstructure:"max_upload_mb"`
	MaxDescriptionLength int      `mapstructure:"max_description_length"`
	MaxContextHeaders    int      `mapstructure:"max_context_headers"`

	Log     LogConfig      `mapstructure:"log"`
	DB      DBConfig       `mapstructure:"db"`
	Cohere  ProviderConfig `mapstructure:"cohere"`
	OpenAI  ProviderConfig `mapstructure:"openai"`
	Embed   EmbedConfig    `mapstructure:"embed"`
	Match   CacheConfig    `mapstructure:"match"`
	Catalog CatalogConfig  `mapstructure:"catalog"`
	Job     JobConfig      `mapstructure:"job"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	File    string `mapstructure:"file"` // empty disables the file sink
	Console bool   `mapstructure:"console"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

// ProviderConfig configures one embedding provider. An empty APIKey
// disables the provider.
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
}

func (p ProviderConfig) Enabled() bool { return strings.TrimSpace(p.APIKey) != "" }

type EmbedConfig struct {
	Attempts   int           `mapstructure:"attempts"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
	Timeout    time.Duration `mapstructure:"timeout"`
	CacheSize  int           `mapstructure:"cache_size"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	BatchPause time.Duration `mapstructure:"batch_pause"`
}

type CacheConfig struct {
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type CatalogConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type JobConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	FlushThreshold int           `mapstructure:"flush_threshold"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	CleanupDelay   time.Duration `mapstructure:"cleanup_delay"`
	MaxItems       int           `mapstructure:"max_items"`
	Workers        int           `mapstructure:"workers"`

	// Pause between batches. A negative delay disables it.
	FastBatch      time.Duration `mapstructure:"fast_batch"`
	FastBatchDelay time.Duration `mapstructure:"fast_batch_delay"`
	SlowBatchDelay time.Duration `mapstructure:"slow_batch_delay"`
}

// Load reads config.yaml from the working directory when present, then
// lets environment variables override it. Nested keys map to
// underscore-joined variables: job.batch_size is JOB_BATCH_SIZE.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8082)
	v.SetDefault("allow_origins", []string{"*"})
	v.SetDefault("max_upload_mb", 64)
	v.SetDefault("max_description_length", 500)
	v.SetDefault("max_context_headers", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "logs/boq-matcher.log")
	v.SetDefault("log.console", true)
	v.SetDefault("db.path", "data/boq-matcher.db")
	v.SetDefault("cohere.api_key", "")
	v.SetDefault("cohere.base_url", "https://api.cohere.com")
	v.SetDefault("cohere.model", "embed-english-v3.0")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "text-embedding-3-large")
	v.SetDefault("embed.attempts", 2)
	v.SetDefault("embed.retry_delay", 3*time.Second)
	v.SetDefault("embed.timeout", 30*time.Second)
	v.SetDefault("embed.cache_size", 10000)
	v.SetDefault("embed.cache_ttl", time.Hour)
	v.SetDefault("embed.batch_pause", time.Second)
	v.SetDefault("match.cache_size", 10000)
	v.SetDefault("match.cache_ttl", time.Hour)
	v.SetDefault("catalog.ttl", 5*time.Minute)
	v.SetDefault("job.batch_size", 10)
	v.SetDefault("job.flush_threshold", 25)
	v.SetDefault("job.flush_interval", 2*time.Second)
	v.SetDefault("job.poll_interval", time.Second)
	v.SetDefault("job.cleanup_delay", 5*time.Minute)
	v.SetDefault("job.max_items", 10000)
	v.SetDefault("job.workers", 4)
	v.SetDefault("job.fast_batch", 500*time.Millisecond)
	v.SetDefault("job.fast_batch_delay", 200*time.Millisecond)
	v.SetDefault("job.slow_batch_delay", 100*time.Millisecond)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	cfg.AllowOrigins = splitOrigins(cfg.AllowOrigins)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return eris.Errorf("config: invalid port %d", c.Port)
	}
	if c.Job.BatchSize <= 0 {
		return eris.Errorf("config: job.batch_size must be positive, got %d", c.Job.BatchSize)
	}
	if c.Embed.Attempts <= 0 {
		return eris.Errorf("config: embed.attempts must be positive, got %d", c.Embed.Attempts)
	}
	return nil
}

// splitOrigins accepts both a list and a single comma-separated entry.
func splitOrigins(in []string) []string {
	var out []string
	for _, s := range in {
		for _, o := range strings.Split(s, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
