package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the cliplens service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

// LLMConfig contains model backend configurations and per-phase routing.
type LLMConfig struct {
	Backends map[string]BackendConfig `mapstructure:"backends"`
	Routing  RoutingConfig            `mapstructure:"routing"`
}

// BackendConfig represents a single model backend configuration.
type BackendConfig struct {
	Type    string                 `mapstructure:"type"` // openai, anthropic
	APIKey  string                 `mapstructure:"api_key"`
	BaseURL string                 `mapstructure:"base_url"`
	Timeout time.Duration          `mapstructure:"timeout"`
	Models  map[string]ModelConfig `mapstructure:"models"`
}

// ModelConfig represents a specific model tier within a backend.
type ModelConfig struct {
	APIName     string  `mapstructure:"api_name"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float64 `mapstructure:"temperature"`
}

// RoutingConfig selects "backend/model" for each pipeline phase.
// Mechanical phases route to cheap tiers, reasoning phases to strong ones.
type RoutingConfig struct {
	Context      string `mapstructure:"context"`
	Hypothesis   string `mapstructure:"hypothesis"`
	Search       string `mapstructure:"search"`
	Validation   string `mapstructure:"validation"`
	Finalization string `mapstructure:"finalization"`
	Enrichment   string `mapstructure:"enrichment"`
}

// Resolve splits a routing entry into backend id and model tier.
func (r RoutingConfig) Resolve(entry string) (backendID, model string) {
	if i := strings.IndexByte(entry, '/'); i >= 0 {
		return entry[:i], entry[i+1:]
	}
	return entry, ""
}

// AgentConfig contains the agentic pipeline settings.
type AgentConfig struct {
	MaxLoops             int           `mapstructure:"max_loops"`
	MaxCandidates        int           `mapstructure:"max_candidates"`
	MaxTokens            int64         `mapstructure:"max_tokens"`
	MaxDuration          time.Duration `mapstructure:"max_duration"`
	ValidationThreshold  float64       `mapstructure:"validation_threshold"`
	ModelValidation      bool          `mapstructure:"model_validation"`
	FallbackToClassic    bool          `mapstructure:"fallback_to_classic"`
	ToolCacheTTL         time.Duration `mapstructure:"tool_cache_ttl"`
	ToolTimeout          time.Duration `mapstructure:"tool_timeout"`
	ToolMaxRetries       int           `mapstructure:"tool_max_retries"`
	ToolRetryBackoff     time.Duration `mapstructure:"tool_retry_backoff"`
	SessionTTL           time.Duration `mapstructure:"session_ttl"`
	EnrichmentEnabled    bool          `mapstructure:"enrichment_enabled"`
	MaxFanouts           int           `mapstructure:"max_fanouts"`
	MaxValidations       int           `mapstructure:"max_validations"`
}

// Normalize applies defaults for unset agent values.
func (a AgentConfig) Normalize() AgentConfig {
	if a.MaxLoops <= 0 {
		a.MaxLoops = 5
	}
	if a.MaxCandidates <= 0 {
		a.MaxCandidates = 25
	}
	if a.MaxDuration <= 0 {
		a.MaxDuration = 2 * time.Minute
	}
	if a.ValidationThreshold <= 0 {
		a.ValidationThreshold = 2.0
	}
	if a.ToolCacheTTL <= 0 {
		a.ToolCacheTTL = 5 * time.Minute
	}
	if a.ToolTimeout <= 0 {
		a.ToolTimeout = 10 * time.Second
	}
	if a.ToolMaxRetries < 0 {
		a.ToolMaxRetries = 0
	}
	if a.ToolRetryBackoff <= 0 {
		a.ToolRetryBackoff = 200 * time.Millisecond
	}
	if a.SessionTTL <= 0 {
		a.SessionTTL = 30 * time.Minute
	}
	if a.MaxFanouts <= 0 {
		a.MaxFanouts = 3
	}
	if a.MaxValidations <= 0 {
		a.MaxValidations = 50
	}
	return a
}

// StorageConfig contains storage and cache settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN builds a connection string from either URL or discrete fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if p.Host == "" || p.DBName == "" {
		return "", fmt.Errorf("postgres not configured (storage.postgres.host/dbname or url)")
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl), nil
}

// RedisConfig contains Redis connection settings for the tool-result cache.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// TelemetryConfig contains telemetry and monitoring settings.
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

// SchedulerConfig controls the stale-report reanalysis scheduler.
type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Cron     string `mapstructure:"cron"`
	MaxAge   string `mapstructure:"max_age"`
	BatchMax int    `mapstructure:"batch_max"`
}

// LoadConfig loads configuration from file and CLIPLENS_* environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", "30s")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("agent.max_loops", 5)
	v.SetDefault("agent.max_candidates", 25)
	v.SetDefault("agent.max_duration", "2m")
	v.SetDefault("agent.validation_threshold", 2.0)
	v.SetDefault("agent.fallback_to_classic", true)
	v.SetDefault("agent.tool_cache_ttl", "5m")
	v.SetDefault("agent.tool_timeout", "10s")
	v.SetDefault("agent.tool_max_retries", 2)
	v.SetDefault("agent.tool_retry_backoff", "200ms")
	v.SetDefault("scheduler.batch_max", 10)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("CLIPLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// config file is optional when everything comes from env
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	cfg.Agent = cfg.Agent.Normalize()
	return &cfg, nil
}
