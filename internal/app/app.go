// Package app provides application initialization and dependency injection.
//
// App is the core container that wires configuration, Genkit, the
// database pool, the fragment store and the ingestion and answering
// services together. Call Setup to build one and Close to release it.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sagehq/sage/internal/answer"
	"github.com/sagehq/sage/internal/config"
	"github.com/sagehq/sage/internal/ingest"
	"github.com/sagehq/sage/internal/knowledge"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	DBPool   *pgxpool.Pool
	Store    *knowledge.Store

	Pipeline *ingest.Pipeline
	Answer   *answer.Service

	otelCleanup func()
}

// Close gracefully shuts down all resources.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}

	if a.DBPool != nil {
		a.DBPool.Close()
	}

	// Flush pending spans last so shutdown itself is traced.
	if a.otelCleanup != nil {
		a.otelCleanup()
	}

	return nil
}
