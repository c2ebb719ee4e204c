package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"golang.org/x/time/rate"
)

// Gemini task types. Document embeddings and query embeddings live in
// slightly different spaces; tagging each call improves retrieval.
const (
	TaskDocument = "RETRIEVAL_DOCUMENT"
	TaskQuery    = "RETRIEVAL_QUERY"
)

// ErrInvalidEmbedding indicates the provider returned a vector
// containing NaN components. Such vectors corrupt similarity ordering
// if they reach the index, so the fragment is rejected instead.
var ErrInvalidEmbedding = errors.New("embedding contains NaN components")

// RetryConfig configures retry behavior for embedding calls.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Delay is the fixed wait between attempts.
	Delay time.Duration
}

// DefaultRetryConfig returns the retry policy used by the ingestion
// pipeline.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Delay:       time.Second,
	}
}

// retryablePatterns groups transient error substrings by category.
// Matched case-insensitively against err.Error().
//
// NOTE: string matching because Genkit and provider SDKs do not expose
// typed errors for transient failures. Re-evaluate if Genkit adds
// structured error types.
var retryablePatterns = [][]string{
	{"rate limit", "quota exceeded", "429"},      // rate limiting
	{"500", "502", "503", "504", "unavailable"},  // transient server errors
	{"connection reset", "timeout", "temporary"}, // network errors
}

// retryableError reports whether err is transient and worth retrying.
func retryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, group := range retryablePatterns {
		for _, pattern := range group {
			if strings.Contains(errStr, pattern) {
				return true
			}
		}
	}
	return false
}

// Embedder wraps a Genkit embedder with retry, rate limiting and NaN
// rejection. Safe for concurrent use.
type Embedder struct {
	embedder ai.Embedder
	retry    RetryConfig
	limiter  *rate.Limiter
	logger   *slog.Logger
	taskType string
}

// NewEmbedder creates an Embedder. limiter may be nil to disable rate
// limiting (tests).
func NewEmbedder(embedder ai.Embedder, retry RetryConfig, limiter *rate.Limiter, logger *slog.Logger) *Embedder {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.MaxAttempts < 1 {
		retry.MaxAttempts = 1
	}
	return &Embedder{
		embedder: embedder,
		retry:    retry,
		limiter:  limiter,
		logger:   logger,
	}
}

// WithTaskType returns a copy of the Embedder that tags every call
// with the given Gemini task type. The copy shares the receiver's rate
// limiter, so document and query traffic drain one budget.
func (e *Embedder) WithTaskType(taskType string) *Embedder {
	clone := *e
	clone.taskType = taskType
	return &clone
}

// Embed returns the embedding vector for text.
//
// Transient provider failures are retried up to MaxAttempts with a
// fixed delay; non-transient failures and NaN vectors fail immediately.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var lastErr error

	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		// Each attempt consumes a rate token, retries included.
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("waiting for rate limiter: %w", err)
			}
		}

		vec, err := e.embedOnce(ctx, text)
		if err == nil {
			return vec, nil
		}
		lastErr = err

		if errors.Is(err, ErrInvalidEmbedding) || !retryableError(err) {
			return nil, err
		}

		if attempt < e.retry.MaxAttempts {
			e.logger.Warn("embedding attempt failed, retrying",
				"attempt", attempt,
				"max_attempts", e.retry.MaxAttempts,
				"error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(e.retry.Delay):
			}
		}
	}

	return nil, fmt.Errorf("embedding failed after %d attempts: %w", e.retry.MaxAttempts, lastErr)
}

// embedOnce performs a single embedding call and validates the result.
func (e *Embedder) embedOnce(ctx context.Context, text string) ([]float32, error) {
	req := &ai.EmbedRequest{
		Input: []*ai.Document{ai.DocumentFromText(text, nil)},
	}
	if e.taskType != "" {
		req.Options = &googlegenai.EmbedOptions{TaskType: e.taskType}
	}
	resp, err := e.embedder.Embed(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, errors.New("provider returned empty embedding")
	}

	vec := resp.Embeddings[0].Embedding
	for _, v := range vec {
		if math.IsNaN(float64(v)) {
			return nil, ErrInvalidEmbedding
		}
	}

	return vec, nil
}
