// Package config provides application configuration with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.sage/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - AI: generation model and embedder selection
//   - Storage: PostgreSQL connection (see storage.go)
//   - Drive: source folder and credentials for the document connector
//   - Scraper: link expansion fetch behavior
//   - Ingest: chunking and embedding retry knobs
//   - Observability: Datadog APM tracing
//
// Sensitive values (passwords, API keys) are masked in MarshalJSON and
// never logged. Validation lives in validation.go and uses sentinel
// errors so callers can check with errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrMissingDriveFolder indicates no source folder is configured.
	ErrMissingDriveFolder = errors.New("missing drive folder ID")

	// ErrInvalidScraperConfig indicates a scraper knob is out of range.
	ErrInvalidScraperConfig = errors.New("invalid scraper configuration")

	// ErrInvalidIngestConfig indicates an ingest knob is out of range.
	ErrInvalidIngestConfig = errors.New("invalid ingest configuration")

	// ErrInvalidTopK indicates the retrieval depth is out of range.
	ErrInvalidTopK = errors.New("invalid top_k")
)

const (
	// DefaultEmbedderModel produces the 768-dimension vectors the
	// fragments schema is declared with; see knowledge.VectorDimension.
	DefaultEmbedderModel = "text-embedding-004"

	// DefaultModelName is the generation model for answering questions.
	DefaultModelName = "googleai/gemini-2.0-flash"
)

// WebScraperConfig holds fetch behavior for link expansion.
type WebScraperConfig struct {
	// Parallelism is max concurrent requests per domain (default: 2)
	Parallelism int `mapstructure:"parallelism" json:"parallelism"`
	// DelayMs is delay between requests in milliseconds (default: 1000)
	DelayMs int `mapstructure:"delay_ms" json:"delay_ms"`
	// TimeoutMs is request timeout in milliseconds (default: 30000)
	TimeoutMs int `mapstructure:"timeout_ms" json:"timeout_ms"`
	// MinContentLength drops scraped pages shorter than this many
	// characters of markdown (default: 100)
	MinContentLength int `mapstructure:"min_content_length" json:"min_content_length"`
}

// IngestConfig holds chunking and embedding knobs for the ingestion pipeline.
type IngestConfig struct {
	// MinChunkChars drops paragraphs shorter than this (default: 50)
	MinChunkChars int `mapstructure:"min_chunk_chars" json:"min_chunk_chars"`
	// EmbedMaxAttempts is the total attempts per fragment embedding (default: 3)
	EmbedMaxAttempts int `mapstructure:"embed_max_attempts" json:"embed_max_attempts"`
	// EmbedRetryDelayMs is the fixed delay between attempts (default: 1000)
	EmbedRetryDelayMs int `mapstructure:"embed_retry_delay_ms" json:"embed_retry_delay_ms"`
	// EmbedRatePerSec caps embedding API calls per second (default: 5)
	EmbedRatePerSec int `mapstructure:"embed_rate_per_sec" json:"embed_rate_per_sec"`
}

// DatadogConfig holds Datadog APM tracing configuration.
// Tracing goes through the local Datadog Agent's OTLP endpoint;
// see internal/observability/datadog.go.
type DatadogConfig struct {
	// APIKey is the Datadog API key (optional)
	APIKey string `mapstructure:"api_key" json:"api_key" sensitive:"true"`
	// AgentHost is the Datadog Agent OTLP endpoint (default: localhost:4318)
	AgentHost string `mapstructure:"agent_host"`
	// Environment is the deployment environment tag (default: dev)
	Environment string `mapstructure:"environment"`
	// ServiceName is the service name in Datadog APM (default: sage)
	ServiceName string `mapstructure:"service_name"`
}

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields, update MarshalJSON.
type Config struct {
	// AI model configuration
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// Document source configuration
	DriveFolderID        string `mapstructure:"drive_folder_id" json:"drive_folder_id"`
	DriveCredentialsFile string `mapstructure:"drive_credentials_file" json:"drive_credentials_file"`

	// Default tenant for requests that do not carry one
	DefaultTenant string `mapstructure:"default_tenant" json:"default_tenant"`

	// Storage configuration (see storage.go)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Retrieval configuration
	TopK int `mapstructure:"top_k" json:"top_k"`

	// Pipeline configuration
	WebScraper WebScraperConfig `mapstructure:"web_scraper" json:"web_scraper"`
	Ingest     IngestConfig     `mapstructure:"ingest" json:"ingest"`

	// Observability configuration
	Datadog DatadogConfig `mapstructure:"datadog" json:"datadog"`

	// HTTP server configuration (serve mode only)
	ListenAddr string `mapstructure:"listen_addr" json:"listen_addr"`
	TrustProxy bool   `mapstructure:"trust_proxy" json:"trust_proxy"` // trust X-Real-IP/X-Forwarded-For (set true behind reverse proxy)
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".sage")

	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("model_name", DefaultModelName)
	viper.SetDefault("embedder_model", DefaultEmbedderModel)

	viper.SetDefault("default_tenant", "default")

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "sage")
	viper.SetDefault("postgres_password", "sage_dev_password")
	viper.SetDefault("postgres_db_name", "sage")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("top_k", 5)

	viper.SetDefault("web_scraper.parallelism", 2)
	viper.SetDefault("web_scraper.delay_ms", 1000)
	viper.SetDefault("web_scraper.timeout_ms", 30000)
	viper.SetDefault("web_scraper.min_content_length", 100)

	viper.SetDefault("ingest.min_chunk_chars", 50)
	viper.SetDefault("ingest.embed_max_attempts", 3)
	viper.SetDefault("ingest.embed_retry_delay_ms", 1000)
	viper.SetDefault("ingest.embed_rate_per_sec", 5)

	viper.SetDefault("listen_addr", ":8080")
	viper.SetDefault("trust_proxy", false)

	viper.SetDefault("datadog.agent_host", "localhost:4318")
	viper.SetDefault("datadog.environment", "dev")
	viper.SetDefault("datadog.service_name", "sage")
}

// bindEnvVariables binds environment variable overrides explicitly.
// GEMINI_API_KEY is read directly by Genkit, not via Viper; validation
// checks its presence in cfg.Validate().
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("datadog.api_key", "DD_API_KEY")

	mustBind("model_name", "SAGE_MODEL_NAME")
	mustBind("embedder_model", "SAGE_EMBEDDER_MODEL")
	mustBind("drive_folder_id", "SAGE_DRIVE_FOLDER_ID")
	mustBind("drive_credentials_file", "GOOGLE_APPLICATION_CREDENTIALS")
	mustBind("default_tenant", "SAGE_DEFAULT_TENANT")
	mustBind("listen_addr", "SAGE_LISTEN_ADDR")
	mustBind("trust_proxy", "SAGE_TRUST_PROXY")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid accidental substring matches against the
// original secret.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Secrets of 8 bytes or
// fewer are fully masked; longer ones keep the first and last two
// characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive fields masked.
func (c *Config) MarshalJSON() ([]byte, error) {
	type alias Config // avoid recursion
	masked := *c
	masked.PostgresPassword = maskSecret(c.PostgresPassword)
	masked.Datadog.APIKey = maskSecret(c.Datadog.APIKey)
	return json.Marshal((*alias)(&masked))
}
