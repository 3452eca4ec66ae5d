package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the RowForge server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	AI       AIConfig
	Pipeline PipelineConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	OpenAI           OpenAIConfig
}

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// PipelineConfig tunes node processing defaults; per-node config can narrow
// concurrency further but never exceed the configured ceiling.
type PipelineConfig struct {
	DefaultBatchSize   int
	DefaultConcurrency int
	MaxConcurrency     int
	QueueWorkers       int
}

var validProviders = map[string]bool{
	"openai": true,
	"mock":   true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("ROWFORGE_PORT", 8080),
			Env:  envString("ROWFORGE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		AI: AIConfig{
			Provider:         envString("AI_PROVIDER", "openai"),
			InferenceTimeout: envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 60*time.Second),
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				BaseURL: os.Getenv("OPENAI_BASE_URL"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
			},
		},
		Pipeline: PipelineConfig{
			DefaultBatchSize:   envInt("PIPELINE_BATCH_SIZE", 50),
			DefaultConcurrency: envInt("PIPELINE_CONCURRENCY", 4),
			MaxConcurrency:     envInt("PIPELINE_MAX_CONCURRENCY", 32),
			QueueWorkers:       envInt("QUEUE_WORKERS", 8),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of openai, mock; got %q", c.AI.Provider)
	}
	if c.AI.Provider == "openai" && c.AI.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
	}

	if c.Pipeline.DefaultBatchSize <= 0 {
		return fmt.Errorf("PIPELINE_BATCH_SIZE must be positive, got %d", c.Pipeline.DefaultBatchSize)
	}
	if c.Pipeline.DefaultConcurrency <= 0 {
		return fmt.Errorf("PIPELINE_CONCURRENCY must be positive, got %d", c.Pipeline.DefaultConcurrency)
	}
	if c.Pipeline.DefaultConcurrency > c.Pipeline.MaxConcurrency {
		return fmt.Errorf("PIPELINE_CONCURRENCY (%d) exceeds PIPELINE_MAX_CONCURRENCY (%d)",
			c.Pipeline.DefaultConcurrency, c.Pipeline.MaxConcurrency)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
