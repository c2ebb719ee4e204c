package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
	"golang.org/x/time/rate"

	"github.com/sagehq/sage/db"
	"github.com/sagehq/sage/internal/answer"
	"github.com/sagehq/sage/internal/config"
	"github.com/sagehq/sage/internal/extract"
	"github.com/sagehq/sage/internal/ingest"
	"github.com/sagehq/sage/internal/knowledge"
	"github.com/sagehq/sage/internal/observability"
	"github.com/sagehq/sage/internal/scrape"
	"github.com/sagehq/sage/internal/security"
	"github.com/sagehq/sage/internal/source"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup — call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.DBPool = pool

	g, err := provideGenkit(ctx)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	a.Embedder = googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	if a.Embedder == nil {
		return nil, fmt.Errorf("embedder %q not found", cfg.EmbedderModel)
	}

	a.Store = knowledge.NewStore(pool, logger)

	// One embedder, one rate limiter. Ingestion and answering tag
	// their copies with the matching Gemini task type but drain the
	// same token budget.
	emb := provideEmbedder(a, cfg)

	a.Pipeline, err = providePipeline(ctx, a, cfg, emb.WithTaskType(knowledge.TaskDocument), logger)
	if err != nil {
		return nil, err
	}

	a.Answer = answer.New(g, emb.WithTaskType(knowledge.TaskQuery), a.Store, answer.Config{
		ModelName: cfg.ModelName,
		TopK:      cfg.TopK,
	}, logger)

	return a, nil
}

// provideOtelShutdown sets up Datadog tracing before Genkit initialization
// so the TracerProvider is ready when flows start.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger *slog.Logger) func() {
	shutdown, err := observability.SetupDatadog(ctx, observability.Config{
		AgentHost:   cfg.Datadog.AgentHost,
		Environment: cfg.Datadog.Environment,
		ServiceName: cfg.Datadog.ServiceName,
	})
	if err != nil {
		logger.Warn("datadog setup failed, tracing disabled", "error", err)
		return func() {}
	}

	//nolint:contextcheck // Independent context: shutdown runs during teardown when parent is canceled
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideGenkit initializes Genkit with the Google AI plugin. The plugin
// reads GEMINI_API_KEY or GOOGLE_API_KEY from the environment.
func provideGenkit(ctx context.Context) (*genkit.Genkit, error) {
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit with gemini provider")
	}
	return g, nil
}

// provideDBPool creates a PostgreSQL connection pool and runs migrations.
// Every connection registers the pgvector types so embeddings scan
// directly into vector values.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// provideEmbedder wraps the raw Genkit embedder with rate limiting and
// transient-error retry.
func provideEmbedder(a *App, cfg *config.Config) *knowledge.Embedder {
	retry := knowledge.DefaultRetryConfig()
	if cfg.Ingest.EmbedMaxAttempts > 0 {
		retry.MaxAttempts = cfg.Ingest.EmbedMaxAttempts
	}
	if cfg.Ingest.EmbedRetryDelayMs > 0 {
		retry.Delay = time.Duration(cfg.Ingest.EmbedRetryDelayMs) * time.Millisecond
	}

	perSec := cfg.Ingest.EmbedRatePerSec
	if perSec <= 0 {
		perSec = 5
	}
	limiter := rate.NewLimiter(rate.Limit(perSec), perSec)

	return knowledge.NewEmbedder(a.Embedder, retry, limiter, a.Logger)
}

// providePipeline assembles the ingestion pipeline: Drive listing,
// extraction with OCR fallback, link expansion and the fragment store.
func providePipeline(ctx context.Context, a *App, cfg *config.Config, emb *knowledge.Embedder, logger *slog.Logger) (*ingest.Pipeline, error) {
	drive, err := source.NewDrive(ctx, cfg.DriveCredentialsFile, logger)
	if err != nil {
		return nil, fmt.Errorf("creating drive client: %w", err)
	}

	extractor := extract.New(drive, logger)

	scraper := scrape.New(scrape.Config{
		Parallelism:      cfg.WebScraper.Parallelism,
		Delay:            time.Duration(cfg.WebScraper.DelayMs) * time.Millisecond,
		Timeout:          time.Duration(cfg.WebScraper.TimeoutMs) * time.Millisecond,
		MinContentLength: cfg.WebScraper.MinContentLength,
	}, security.NewHTTP(), logger)

	return ingest.New(drive, extractor, scraper, emb, a.Store, ingest.Config{
		MinChunkChars: cfg.Ingest.MinChunkChars,
		DefaultTenant: cfg.DefaultTenant,
		SweepStale:    true,
	}, logger), nil
}
