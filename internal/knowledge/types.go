// Package knowledge stores and retrieves embedded document fragments.
//
// A fragment is one chunk of an ingested document together with its
// embedding vector and source metadata. Fragments for a document form a
// generation: re-ingesting a changed document deletes the old
// generation and inserts the new one, keyed by source ID.
package knowledge

import (
	"time"

	"github.com/google/uuid"
)

// VectorDimension is the embedding width the fragments schema is
// declared with. The embedder model must produce vectors of exactly
// this size.
const VectorDimension = 768

// SourceKind classifies where a fragment's content came from.
type SourceKind string

const (
	// SourceNativeDoc is a document native to the source system,
	// exported as plain text.
	SourceNativeDoc SourceKind = "gdoc"

	// SourceTextFile is a plain text or markdown file.
	SourceTextFile SourceKind = "text"

	// SourcePDF is a PDF file.
	SourcePDF SourceKind = "pdf"

	// SourceWebScrape is a virtual document produced by link
	// expansion: an external page scraped to markdown.
	SourceWebScrape SourceKind = "web-scrape"
)

// Fragment is one embedded chunk of a document.
type Fragment struct {
	ID        uuid.UUID
	Content   string
	Embedding []float32

	// TenantID scopes the fragment; every search filters on it.
	TenantID string

	// SourceKind classifies the originating document.
	SourceKind SourceKind

	// SourceID identifies the originating document. All fragments of
	// one document share it.
	SourceID string

	// DisplayName is the human-readable document name, used in
	// citations.
	DisplayName string

	// Fingerprint is the document content marker recorded at ingestion
	// time, used for change detection on the next run.
	Fingerprint string

	// ChunkIndex is the fragment's position within its document.
	ChunkIndex int

	// SourceURL is the page URL for scraped fragments, or the source
	// system link for native documents. Empty when unknown.
	SourceURL string

	// ParentSourceID links a scraped fragment back to the document
	// whose link expansion produced it. Empty for top-level documents.
	ParentSourceID string

	CreatedAt time.Time
}

// Match is a search hit: a fragment with its cosine similarity to the
// query vector, in [-1, 1] with 1 meaning identical direction.
type Match struct {
	Fragment
	Similarity float64
}
