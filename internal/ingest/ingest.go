// Package ingest drives the knowledge ingestion run: list the source
// container, detect changed documents, extract text, expand links,
// chunk, embed and write fragments.
//
// A run is incremental. Documents whose fingerprint matches the stored
// one are skipped; changed documents have their whole fragment
// generation replaced; documents gone from the container are swept at
// the end of the run. Per-document failures are recorded in the summary
// and never abort the run.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sagehq/sage/internal/extract"
	"github.com/sagehq/sage/internal/knowledge"
	"github.com/sagehq/sage/internal/scrape"
	"github.com/sagehq/sage/internal/source"
)

// Lister lists the documents of a source container.
type Lister interface {
	List(ctx context.Context, containerID string) ([]source.File, error)
}

// Extractor turns a source file into plain text.
type Extractor interface {
	Extract(ctx context.Context, f source.File) (string, error)
}

// Expander fetches an external page as markdown. An empty result means
// the page yielded nothing usable.
type Expander interface {
	Scrape(ctx context.Context, rawURL string) string
}

// Embedder produces the embedding vector for one chunk.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store is the fragment persistence surface the pipeline needs.
type Store interface {
	Fingerprint(ctx context.Context, sourceID string) (string, bool, error)
	DeleteBySource(ctx context.Context, sourceID string) (int64, error)
	UpsertBatch(ctx context.Context, fragments []knowledge.Fragment) error
	DeleteStale(ctx context.Context, tenantID string, keep []string) (int64, error)
}

// Config holds pipeline knobs.
type Config struct {
	// MinChunkChars is the paragraph floor passed to the chunker.
	MinChunkChars int
	// DefaultTenant applies when a request carries no tenant.
	DefaultTenant string
	// SweepStale enables the end-of-run removal of unlisted sources.
	SweepStale bool
}

// Request identifies one ingestion run.
type Request struct {
	// ContainerID is the source folder to ingest.
	ContainerID string
	// TenantID scopes the written fragments. Empty means the default
	// tenant.
	TenantID string
}

// Summary reports the outcome of a run.
type Summary struct {
	// ProcessedFiles counts documents whose fragments were written
	// this run. Skipped and failed documents are not counted.
	ProcessedFiles int `json:"processed_files"`
	// ScrapedPages counts link expansion documents written this run.
	ScrapedPages int `json:"scraped_pages"`
	// SweptFragments counts fragments removed by the stale sweep.
	SweptFragments int64 `json:"swept_fragments"`
	// Errors holds one "name (id): message" entry per failed document.
	Errors []string `json:"errors"`
}

// Pipeline is the ingestion coordinator.
type Pipeline struct {
	src    Lister
	ext    Extractor
	exp    Expander
	emb    Embedder
	store  Store
	cfg    Config
	logger *slog.Logger
}

// New creates a Pipeline. logger may be nil.
func New(src Lister, ext Extractor, exp Expander, emb Embedder, store Store, cfg Config, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTenant == "" {
		cfg.DefaultTenant = "default"
	}
	return &Pipeline{
		src:    src,
		ext:    ext,
		exp:    exp,
		emb:    emb,
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// Run executes one ingestion pass over the container.
//
// Listing failures abort the run with an error. Everything after that
// is per-document: a failure lands in Summary.Errors and the run moves
// on.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Summary, error) {
	tenant := req.TenantID
	if tenant == "" {
		tenant = p.cfg.DefaultTenant
	}

	files, err := p.src.List(ctx, req.ContainerID)
	if err != nil {
		return nil, fmt.Errorf("listing container %s: %w", req.ContainerID, err)
	}

	p.logger.Info("ingestion run started",
		"container_id", req.ContainerID,
		"tenant_id", tenant,
		"files", len(files))

	summary := &Summary{}
	// keep accumulates every source ID seen this run, top-level and
	// scraped, for the stale sweep.
	keep := make([]string, 0, len(files))

	for _, f := range files {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		keep = append(keep, f.ID)

		scraped, processed, err := p.ingestFile(ctx, f, tenant, &keep)
		if err != nil {
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("%s (%s): %s", f.Name, f.ID, err))
			p.logger.Warn("document ingestion failed",
				"name", f.Name, "file_id", f.ID, "error", err)
			continue
		}
		if processed {
			summary.ProcessedFiles++
		}
		summary.ScrapedPages += scraped
	}

	if p.cfg.SweepStale && len(keep) > 0 {
		swept, err := p.store.DeleteStale(ctx, tenant, keep)
		if err != nil {
			summary.Errors = append(summary.Errors,
				fmt.Sprintf("stale sweep (%s): %s", tenant, err))
		} else {
			summary.SweptFragments = swept
		}
	}

	p.logger.Info("ingestion run finished",
		"processed", summary.ProcessedFiles,
		"scraped", summary.ScrapedPages,
		"swept", summary.SweptFragments,
		"errors", len(summary.Errors))
	return summary, nil
}

// ingestFile processes one listed document: change detection, text
// extraction, link expansion and fragment replacement. Returns the
// number of scraped pages written and whether the document itself was
// (re)written.
func (p *Pipeline) ingestFile(ctx context.Context, f source.File, tenant string, keep *[]string) (int, bool, error) {
	fingerprint := f.Fingerprint()

	stored, exists, err := p.store.Fingerprint(ctx, f.ID)
	if err != nil {
		return 0, false, fmt.Errorf("checking fingerprint: %w", err)
	}
	if exists && stored == fingerprint {
		p.logger.Debug("document unchanged, skipping",
			"name", f.Name, "file_id", f.ID, "fingerprint", fingerprint)
		return 0, false, nil
	}

	text, err := p.ext.Extract(ctx, f)
	if err != nil {
		if errors.Is(err, extract.ErrUnsupportedKind) {
			p.logger.Debug("unsupported document kind, skipping",
				"name", f.Name, "mime_type", f.MimeType)
			return 0, false, nil
		}
		return 0, false, err
	}

	// Link expansion before the write so a failed document leaves its
	// old generation intact.
	scraped := p.expandLinks(ctx, f, text, tenant, keep)

	doc := document{
		sourceID:    f.ID,
		kind:        extract.KindOf(f),
		displayName: f.Name,
		fingerprint: fingerprint,
		sourceURL:   f.WebViewLink,
		tenant:      tenant,
	}
	wrote, err := p.writeDocument(ctx, doc, text, exists)
	if err != nil {
		return scraped, false, err
	}

	return scraped, wrote, nil
}

// expandLinks scrapes every external URL of a document into its own
// virtual document. Failures are logged and dropped; a dead link never
// fails the parent.
func (p *Pipeline) expandLinks(ctx context.Context, parent source.File, text, tenant string, keep *[]string) int {
	written := 0
	for _, rawURL := range scrape.FindURLs(text) {
		if ctx.Err() != nil {
			return written
		}
		if scrape.IsSourceSystemURL(rawURL) {
			continue
		}

		markdown := p.exp.Scrape(ctx, rawURL)
		if markdown == "" {
			continue
		}

		scrapeID := ScrapeSourceID(rawURL)
		*keep = append(*keep, scrapeID)

		// Scraped pages get content-hash fingerprints so an unchanged
		// page is not re-embedded on the next run.
		fingerprint := contentFingerprint(markdown)
		stored, exists, err := p.store.Fingerprint(ctx, scrapeID)
		if err != nil {
			p.logger.Warn("scrape fingerprint check failed", "url", rawURL, "error", err)
			continue
		}
		if exists && stored == fingerprint {
			continue
		}

		doc := document{
			sourceID:    scrapeID,
			kind:        knowledge.SourceWebScrape,
			displayName: parent.Name + " (scraped)",
			fingerprint: fingerprint,
			sourceURL:   rawURL,
			parentID:    parent.ID,
			tenant:      tenant,
		}
		wrote, err := p.writeDocument(ctx, doc, markdown, exists)
		if err != nil {
			p.logger.Warn("scraped page ingestion failed", "url", rawURL, "error", err)
			continue
		}
		if wrote {
			written++
		}
	}
	return written
}

// document carries the per-document metadata stamped on every fragment.
type document struct {
	sourceID    string
	kind        knowledge.SourceKind
	displayName string
	fingerprint string
	sourceURL   string
	parentID    string
	tenant      string
}

// writeDocument chunks and embeds text, then replaces the document's
// fragment generation. Chunks whose embedding fails are skipped;
// replacement only happens when at least one fragment survived.
// Returns whether fragments were written.
func (p *Pipeline) writeDocument(ctx context.Context, doc document, text string, replace bool) (bool, error) {
	chunks := knowledge.SplitParagraphs(text, p.cfg.MinChunkChars)
	if len(chunks) == 0 {
		// A rewrite that chunks to nothing must still drop the old
		// generation, or stale fragments would keep being served
		// under the previous fingerprint.
		if replace {
			if _, err := p.store.DeleteBySource(ctx, doc.sourceID); err != nil {
				return false, fmt.Errorf("deleting previous generation: %w", err)
			}
		}
		p.logger.Debug("document yielded no chunks", "source_id", doc.sourceID)
		return false, nil
	}

	fragments := make([]knowledge.Fragment, 0, len(chunks))
	for i, chunk := range chunks {
		vec, err := p.emb.Embed(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			// Unembeddable chunks are dropped, the rest of the
			// document still lands.
			p.logger.Warn("chunk embedding failed, skipping fragment",
				"source_id", doc.sourceID, "chunk_index", i, "error", err)
			continue
		}
		fragments = append(fragments, knowledge.Fragment{
			Content:        chunk,
			Embedding:      vec,
			TenantID:       doc.tenant,
			SourceKind:     doc.kind,
			SourceID:       doc.sourceID,
			DisplayName:    doc.displayName,
			Fingerprint:    doc.fingerprint,
			ChunkIndex:     i,
			SourceURL:      doc.sourceURL,
			ParentSourceID: doc.parentID,
		})
	}

	if len(fragments) == 0 {
		return false, fmt.Errorf("no chunk of %d could be embedded", len(chunks))
	}

	if replace {
		if _, err := p.store.DeleteBySource(ctx, doc.sourceID); err != nil {
			return false, fmt.Errorf("deleting previous generation: %w", err)
		}
	}
	if err := p.store.UpsertBatch(ctx, fragments); err != nil {
		return false, fmt.Errorf("writing fragments: %w", err)
	}

	p.logger.Debug("document indexed",
		"source_id", doc.sourceID,
		"kind", doc.kind,
		"fragments", len(fragments))
	return true, nil
}

// ScrapeSourceID derives the stable source ID of a scraped page from
// its URL.
func ScrapeSourceID(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return "scrape_" + hex.EncodeToString(sum[:16])
}

// contentFingerprint is the change detection marker for virtual
// documents, which have no upstream version counter.
func contentFingerprint(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:16])
}
