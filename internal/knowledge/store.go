package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// Querier is the database surface Store needs. *pgxpool.Pool satisfies
// it; tests can substitute a transaction or a fake. Defined by the
// consumer, like http.RoundTripper.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Store persists fragments in PostgreSQL with pgvector similarity
// search. Safe for concurrent use.
type Store struct {
	db     Querier
	logger *slog.Logger
}

// NewStore creates a Store. logger may be nil.
func NewStore(db Querier, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

const insertFragmentSQL = `
	INSERT INTO fragments (
		id, content, embedding, tenant_id, source_kind, source_id,
		display_name, fingerprint, chunk_index, source_url, parent_source_id
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), NULLIF($11, ''))`

// UpsertBatch inserts all fragments in a single transaction.
// Callers delete the previous generation first; partial writes roll
// back so a document is never half-indexed.
func (s *Store) UpsertBatch(ctx context.Context, fragments []Fragment) error {
	if len(fragments) == 0 {
		return nil
	}

	for i := range fragments {
		if len(fragments[i].Embedding) != VectorDimension {
			return fmt.Errorf("fragment %d: embedding dimension %d, want %d",
				i, len(fragments[i].Embedding), VectorDimension)
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", "error", rbErr)
		}
	}()

	batch := &pgx.Batch{}
	for _, f := range fragments {
		id := f.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		batch.Queue(insertFragmentSQL,
			id,
			f.Content,
			pgvector.NewVector(f.Embedding),
			f.TenantID,
			string(f.SourceKind),
			f.SourceID,
			f.DisplayName,
			f.Fingerprint,
			f.ChunkIndex,
			f.SourceURL,
			f.ParentSourceID,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for range fragments {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("inserting fragment: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Debug("fragments inserted",
		"count", len(fragments),
		"source_id", fragments[0].SourceID)
	return nil
}

// Fingerprint returns the stored fingerprint for a source. Any single
// fragment carries it since a generation shares one fingerprint.
// found is false when the source has no fragments.
func (s *Store) Fingerprint(ctx context.Context, sourceID string) (fingerprint string, found bool, err error) {
	row := s.db.QueryRow(ctx,
		`SELECT fingerprint FROM fragments WHERE source_id = $1 LIMIT 1`, sourceID)

	if err := row.Scan(&fingerprint); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("querying fingerprint: %w", err)
	}
	return fingerprint, true, nil
}

// DeleteBySource removes every fragment of a source across all chunk
// indexes. Returns the number of fragments removed.
func (s *Store) DeleteBySource(ctx context.Context, sourceID string) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM fragments WHERE source_id = $1`, sourceID)
	if err != nil {
		return 0, fmt.Errorf("deleting fragments for source %s: %w", sourceID, err)
	}
	return tag.RowsAffected(), nil
}

// CountBySource returns the number of fragments stored for a source.
func (s *Store) CountBySource(ctx context.Context, sourceID string) (int64, error) {
	var count int64
	row := s.db.QueryRow(ctx,
		`SELECT count(*) FROM fragments WHERE source_id = $1`, sourceID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("counting fragments: %w", err)
	}
	return count, nil
}

// SearchNearest returns the k fragments closest to the query vector by
// cosine distance, restricted to one tenant. Results are ordered most
// similar first.
func (s *Store) SearchNearest(ctx context.Context, query []float32, k int, tenantID string) ([]Match, error) {
	if len(query) != VectorDimension {
		return nil, fmt.Errorf("query dimension %d, want %d", len(query), VectorDimension)
	}
	if k < 1 {
		return nil, fmt.Errorf("k must be >= 1, got %d", k)
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, content, tenant_id, source_kind, source_id, display_name,
		       fingerprint, chunk_index, COALESCE(source_url, ''),
		       COALESCE(parent_source_id, ''), created_at,
		       1 - (embedding <=> $1) AS similarity
		FROM fragments
		WHERE tenant_id = $2
		ORDER BY embedding <=> $1
		LIMIT $3`,
		pgvector.NewVector(query), tenantID, k)
	if err != nil {
		return nil, fmt.Errorf("searching fragments: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var kind string
		if err := rows.Scan(
			&m.ID, &m.Content, &m.TenantID, &kind, &m.SourceID,
			&m.DisplayName, &m.Fingerprint, &m.ChunkIndex, &m.SourceURL,
			&m.ParentSourceID, &m.CreatedAt, &m.Similarity,
		); err != nil {
			return nil, fmt.Errorf("scanning match: %w", err)
		}
		m.SourceKind = SourceKind(kind)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating matches: %w", err)
	}

	return matches, nil
}

// DeleteStale removes all fragments of a tenant whose source is not in
// keep. A scraped fragment survives as long as its parent document is
// kept, because an unchanged parent is skipped without re-listing its
// scraped pages. Called at the end of an ingestion run so documents
// removed from the source container disappear from the index. Returns
// the number of fragments removed.
func (s *Store) DeleteStale(ctx context.Context, tenantID string, keep []string) (int64, error) {
	if len(keep) == 0 {
		// An empty keep list would wipe the tenant; refuse rather than
		// trust a failed listing.
		return 0, errors.New("refusing stale sweep with empty keep list")
	}

	tag, err := s.db.Exec(ctx,
		`DELETE FROM fragments
		 WHERE tenant_id = $1
		   AND source_id != ALL($2)
		   AND (parent_source_id IS NULL OR parent_source_id != ALL($2))`,
		tenantID, keep)
	if err != nil {
		return 0, fmt.Errorf("sweeping stale fragments: %w", err)
	}

	if n := tag.RowsAffected(); n > 0 {
		s.logger.Info("stale fragments removed", "tenant_id", tenantID, "count", n)
		return n, nil
	}
	return 0, nil
}
