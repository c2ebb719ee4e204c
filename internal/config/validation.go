package config

import (
	"fmt"
	"os"
	"strings"
)

// validSSLModes are the sslmode values libpq and pgx accept.
var validSSLModes = map[string]bool{
	"disable":     true,
	"allow":       true,
	"prefer":      true,
	"require":     true,
	"verify-ca":   true,
	"verify-full": true,
}

// Validate checks the configuration for internal consistency.
// Called by Load after all sources are merged; returns wrapped
// sentinel errors so callers can match with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if strings.TrimSpace(c.ModelName) == "" {
		return fmt.Errorf("%w: model name is empty", ErrInvalidModelName)
	}
	if strings.TrimSpace(c.EmbedderModel) == "" {
		return fmt.Errorf("%w: embedder model is empty", ErrInvalidEmbedderModel)
	}

	if os.Getenv("GEMINI_API_KEY") == "" && os.Getenv("GOOGLE_API_KEY") == "" {
		return fmt.Errorf("%w: set GEMINI_API_KEY or GOOGLE_API_KEY", ErrMissingAPIKey)
	}

	if strings.TrimSpace(c.PostgresHost) == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: %d (must be 1-65535)", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if strings.TrimSpace(c.PostgresDBName) == "" {
		return fmt.Errorf("%w: database name is empty", ErrInvalidPostgresDBName)
	}
	if !validSSLModes[c.PostgresSSLMode] {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if c.TopK < 1 || c.TopK > 100 {
		return fmt.Errorf("%w: %d (must be 1-100)", ErrInvalidTopK, c.TopK)
	}

	if c.WebScraper.Parallelism < 1 {
		return fmt.Errorf("%w: parallelism %d (must be >= 1)", ErrInvalidScraperConfig, c.WebScraper.Parallelism)
	}
	if c.WebScraper.DelayMs < 0 {
		return fmt.Errorf("%w: delay_ms %d (must be >= 0)", ErrInvalidScraperConfig, c.WebScraper.DelayMs)
	}
	if c.WebScraper.TimeoutMs < 1 {
		return fmt.Errorf("%w: timeout_ms %d (must be >= 1)", ErrInvalidScraperConfig, c.WebScraper.TimeoutMs)
	}
	if c.WebScraper.MinContentLength < 0 {
		return fmt.Errorf("%w: min_content_length %d (must be >= 0)", ErrInvalidScraperConfig, c.WebScraper.MinContentLength)
	}

	if c.Ingest.MinChunkChars < 0 {
		return fmt.Errorf("%w: min_chunk_chars %d (must be >= 0)", ErrInvalidIngestConfig, c.Ingest.MinChunkChars)
	}
	if c.Ingest.EmbedMaxAttempts < 1 {
		return fmt.Errorf("%w: embed_max_attempts %d (must be >= 1)", ErrInvalidIngestConfig, c.Ingest.EmbedMaxAttempts)
	}
	if c.Ingest.EmbedRetryDelayMs < 0 {
		return fmt.Errorf("%w: embed_retry_delay_ms %d (must be >= 0)", ErrInvalidIngestConfig, c.Ingest.EmbedRetryDelayMs)
	}
	if c.Ingest.EmbedRatePerSec < 1 {
		return fmt.Errorf("%w: embed_rate_per_sec %d (must be >= 1)", ErrInvalidIngestConfig, c.Ingest.EmbedRatePerSec)
	}

	return nil
}
