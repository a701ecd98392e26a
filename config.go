package ddi

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/brunobiangulo/ddi/llm"
	"github.com/brunobiangulo/ddi/match"
	"github.com/brunobiangulo/ddi/record"
	"github.com/brunobiangulo/ddi/resolver"
)

// Resolver run modes.
const (
	ModeSequential = "sequential"
	ModeParallel   = "parallel"
)

// Config holds all configuration for the DDI engine.
type Config struct {
	// DataDir holds the record table and the graph database when their
	// paths are not set. Empty means ~/.ddi.
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`

	// CSVPath is the Record Store table. Defaults to <DataDir>/drugs.csv.
	CSVPath string `json:"csv_path" yaml:"csv_path" mapstructure:"csv_path"`

	// DBPath is the SQLite graph mirror and query log. Defaults to
	// <DataDir>/ddi.db.
	DBPath string `json:"db_path" yaml:"db_path" mapstructure:"db_path"`

	LogLevel string `json:"log_level" yaml:"log_level" mapstructure:"log_level" validate:"oneof=debug info warn error"`

	// MinConfidence is the lowest stored interaction confidence that
	// answers a pair query without consulting resolvers.
	MinConfidence float64 `json:"min_confidence" yaml:"min_confidence" mapstructure:"min_confidence" validate:"gte=0,lte=1"`

	// Mode selects how resolvers run: one at a time, stopping once the
	// answer is usable, or all concurrently.
	Mode string `json:"mode" yaml:"mode" mapstructure:"mode" validate:"oneof=sequential parallel"`

	// ResolverTimeout bounds each resolver call.
	ResolverTimeout time.Duration `json:"resolver_timeout" yaml:"resolver_timeout" mapstructure:"resolver_timeout" validate:"gte=0"`

	Matcher    match.Matcher          `json:"matcher" yaml:"matcher" mapstructure:"matcher"`
	Confidence record.Policy          `json:"confidence" yaml:"confidence" mapstructure:"confidence"`
	Chat       llm.Config             `json:"chat" yaml:"chat" mapstructure:"chat"`
	Resolvers  ResolversConfig        `json:"resolvers" yaml:"resolvers" mapstructure:"resolvers"`
	Breaker    resolver.BreakerConfig `json:"breaker" yaml:"breaker" mapstructure:"breaker"`
	Neo4j      Neo4jConfig            `json:"neo4j" yaml:"neo4j" mapstructure:"neo4j"`
}

// ResolversConfig enables and points the external resolvers.
type ResolversConfig struct {
	HealthKR  SiteConfig      `json:"healthkr" yaml:"healthkr" mapstructure:"healthkr"`
	DDInter   SiteConfig      `json:"ddinter" yaml:"ddinter" mapstructure:"ddinter"`
	WebSearch WebSearchConfig `json:"websearch" yaml:"websearch" mapstructure:"websearch"`
	LLM       bool            `json:"llm" yaml:"llm" mapstructure:"llm"`

	// Browser renders registry pages in headless Chromium instead of
	// plain HTTP.
	Browser bool `json:"browser" yaml:"browser" mapstructure:"browser"`
	// RatePerHost is requests per second per registry host.
	RatePerHost float64 `json:"rate_per_host" yaml:"rate_per_host" mapstructure:"rate_per_host"`
	UserAgent   string  `json:"user_agent" yaml:"user_agent" mapstructure:"user_agent"`
	// CircuitBreaker wraps every resolver in a breaker.
	CircuitBreaker bool `json:"circuit_breaker" yaml:"circuit_breaker" mapstructure:"circuit_breaker"`
}

// SiteConfig configures one registry scraper.
type SiteConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	BaseURL string `json:"base_url" yaml:"base_url" mapstructure:"base_url" validate:"omitempty,url"`
}

// WebSearchConfig points the generic web resolver at a SearXNG instance.
type WebSearchConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Endpoint   string `json:"endpoint" yaml:"endpoint" mapstructure:"endpoint" validate:"required_if=Enabled true,omitempty,url"`
	MaxResults int    `json:"max_results" yaml:"max_results" mapstructure:"max_results" validate:"gte=0"`
}

// Neo4jConfig enables the optional Neo4j mirror. An empty URL disables it.
type Neo4jConfig struct {
	URL      string `json:"url" yaml:"url" mapstructure:"url" validate:"omitempty,url"`
	Database string `json:"database" yaml:"database" mapstructure:"database"`
	User     string `json:"user" yaml:"user" mapstructure:"user"`
	Password string `json:"password" yaml:"password" mapstructure:"password"`
}

// DefaultConfig returns a Config with the curated scrapers and a local
// Ollama model enabled. Data lives in ~/.ddi by default.
func DefaultConfig() Config {
	return Config{
		LogLevel:        "info",
		MinConfidence:   0.6,
		Mode:            ModeSequential,
		ResolverTimeout: 20 * time.Second,
		Matcher: match.Matcher{
			Cutoff: match.DefaultCutoff,
			TopN:   match.DefaultTopN,
			Margin: match.DefaultMargin,
		},
		Confidence: record.DefaultPolicy(),
		Chat: llm.Config{
			Provider: "ollama",
			Model:    "llama3.1:8b",
			BaseURL:  "http://localhost:11434",
		},
		Resolvers: ResolversConfig{
			HealthKR:       SiteConfig{Enabled: true, BaseURL: resolver.DefaultHealthKRBase},
			DDInter:        SiteConfig{Enabled: true, BaseURL: resolver.DefaultDDInterBase},
			LLM:            true,
			RatePerHost:    1,
			CircuitBreaker: true,
		},
		Breaker: resolver.DefaultBreakerConfig(),
		Neo4j:   Neo4jConfig{Database: "neo4j"},
	}
}

var validate = validator.New()

// Validate checks field constraints and returns an ErrInvalidConfig error
// naming every offending field.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, formatFieldError(fe))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
}

func formatFieldError(fe validator.FieldError) string {
	field := strings.ToLower(strings.TrimPrefix(fe.Namespace(), "Config."))
	switch fe.Tag() {
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s out of range (%s %s)", field, fe.Tag(), fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a URL", field)
	case "required_if":
		return fmt.Sprintf("%s is required", field)
	}
	return fmt.Sprintf("%s is invalid", field)
}

// LoadConfig layers DefaultConfig, the optional file at path (YAML or
// JSON by extension) and DDI_-prefixed environment variables, e.g.
// DDI_CHAT_API_KEY for chat.api_key. A .env file in the working
// directory is loaded first when present.
func LoadConfig(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("config: reading .env", "error", err)
	}

	v := viper.New()
	base, err := configMap(DefaultConfig())
	if err != nil {
		return Config{}, err
	}
	if err := v.MergeConfigMap(base); err != nil {
		return Config{}, fmt.Errorf("%w: defaults: %v", ErrInvalidConfig, err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return Config{}, fmt.Errorf("%w: reading %s: %v", ErrInvalidConfig, path, err)
		}
	}
	v.SetEnvPrefix("DDI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.applyKeyFallbacks()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configMap renders c as the nested map viper merges. Going through YAML
// registers every key, which AutomaticEnv needs to see overrides.
func configMap(c Config) (map[string]any, error) {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encoding defaults: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding defaults: %w", err)
	}
	return m, nil
}

// providerKeyEnv lists the well-known API key variable per provider.
var providerKeyEnv = map[string]string{
	"openai":     "OPENAI_API_KEY",
	"groq":       "GROQ_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"xai":        "XAI_API_KEY",
}

func (c *Config) applyKeyFallbacks() {
	if c.Chat.APIKey != "" {
		return
	}
	if name, ok := providerKeyEnv[c.Chat.Provider]; ok {
		c.Chat.APIKey = os.Getenv(name)
	}
}

// resolvePaths fills CSVPath and DBPath from DataDir.
func (c *Config) resolvePaths() {
	dir := c.DataDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			dir = "." // fallback to cwd
		} else {
			dir = filepath.Join(home, ".ddi")
		}
	}
	if c.CSVPath == "" {
		c.CSVPath = filepath.Join(dir, "drugs.csv")
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(dir, "ddi.db")
	}
}

// SlogLevel maps LogLevel to a slog.Level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
