package knowledge_test

import (
	"context"
	"testing"

	"github.com/sagehq/sage/internal/knowledge"
	"github.com/sagehq/sage/internal/log"
	"github.com/sagehq/sage/internal/testutil"
)

// axisVector returns a unit vector along the given axis. Cosine
// similarity between distinct axes is exactly 0, which makes ranking
// assertions deterministic.
func axisVector(axis int) []float32 {
	vec := make([]float32, knowledge.VectorDimension)
	vec[axis] = 1
	return vec
}

// blendVector mixes two axes so similarity to each falls between 0 and 1.
func blendVector(a, b int, weightA, weightB float32) []float32 {
	vec := make([]float32, knowledge.VectorDimension)
	vec[a] = weightA
	vec[b] = weightB
	return vec
}

func fragment(sourceID, tenantID, content, fp string, idx int, vec []float32) knowledge.Fragment {
	return knowledge.Fragment{
		Content:     content,
		Embedding:   vec,
		TenantID:    tenantID,
		SourceKind:  knowledge.SourceNativeDoc,
		SourceID:    sourceID,
		DisplayName: "Doc " + sourceID,
		Fingerprint: fp,
		ChunkIndex:  idx,
	}
}

func TestStoreLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test, skipped in short mode")
	}

	dbc, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	store := knowledge.NewStore(dbc.Pool, log.NewNop())

	t.Run("fingerprint missing for unknown source", func(t *testing.T) {
		_, found, err := store.Fingerprint(ctx, "file_none")
		if err != nil {
			t.Fatalf("Fingerprint() = %v", err)
		}
		if found {
			t.Error("found = true for unknown source")
		}
	})

	t.Run("upsert and fingerprint", func(t *testing.T) {
		frags := []knowledge.Fragment{
			fragment("file_a", "default", "first paragraph", "md5-v1", 0, axisVector(0)),
			fragment("file_a", "default", "second paragraph", "md5-v1", 1, axisVector(1)),
		}
		if err := store.UpsertBatch(ctx, frags); err != nil {
			t.Fatalf("UpsertBatch() = %v", err)
		}

		fp, found, err := store.Fingerprint(ctx, "file_a")
		if err != nil {
			t.Fatalf("Fingerprint() = %v", err)
		}
		if !found || fp != "md5-v1" {
			t.Errorf("Fingerprint() = %q, %v, want md5-v1, true", fp, found)
		}

		count, err := store.CountBySource(ctx, "file_a")
		if err != nil {
			t.Fatalf("CountBySource() = %v", err)
		}
		if count != 2 {
			t.Errorf("count = %d, want 2", count)
		}
	})

	t.Run("generation replacement", func(t *testing.T) {
		if _, err := store.DeleteBySource(ctx, "file_a"); err != nil {
			t.Fatalf("DeleteBySource() = %v", err)
		}

		frags := []knowledge.Fragment{
			fragment("file_a", "default", "rewritten paragraph", "md5-v2", 0, axisVector(0)),
		}
		if err := store.UpsertBatch(ctx, frags); err != nil {
			t.Fatalf("UpsertBatch() = %v", err)
		}

		fp, found, err := store.Fingerprint(ctx, "file_a")
		if err != nil || !found {
			t.Fatalf("Fingerprint() = %q, %v, %v", fp, found, err)
		}
		if fp != "md5-v2" {
			t.Errorf("fingerprint = %q, want md5-v2", fp)
		}

		count, _ := store.CountBySource(ctx, "file_a")
		if count != 1 {
			t.Errorf("count = %d after replacement, want 1", count)
		}
	})

	t.Run("search ranks by cosine similarity", func(t *testing.T) {
		frags := []knowledge.Fragment{
			fragment("file_rank", "default", "exact match", "fp", 0, axisVector(2)),
			fragment("file_rank", "default", "partial match", "fp", 1, blendVector(2, 3, 0.7, 0.7)),
			fragment("file_rank", "default", "orthogonal", "fp", 2, axisVector(4)),
		}
		if err := store.UpsertBatch(ctx, frags); err != nil {
			t.Fatalf("UpsertBatch() = %v", err)
		}

		matches, err := store.SearchNearest(ctx, axisVector(2), 3, "default")
		if err != nil {
			t.Fatalf("SearchNearest() = %v", err)
		}
		if len(matches) < 2 {
			t.Fatalf("got %d matches, want at least 2", len(matches))
		}
		if matches[0].Content != "exact match" {
			t.Errorf("top match = %q, want exact match", matches[0].Content)
		}
		if matches[0].Similarity < 0.99 {
			t.Errorf("top similarity = %f, want ~1", matches[0].Similarity)
		}
		for i := 1; i < len(matches); i++ {
			if matches[i].Similarity > matches[i-1].Similarity {
				t.Errorf("matches not ordered: %f > %f at %d",
					matches[i].Similarity, matches[i-1].Similarity, i)
			}
		}
	})

	t.Run("search respects tenant isolation", func(t *testing.T) {
		frags := []knowledge.Fragment{
			fragment("file_tenant_b", "tenant-b", "tenant b secret", "fp", 0, axisVector(5)),
		}
		if err := store.UpsertBatch(ctx, frags); err != nil {
			t.Fatalf("UpsertBatch() = %v", err)
		}

		matches, err := store.SearchNearest(ctx, axisVector(5), 10, "default")
		if err != nil {
			t.Fatalf("SearchNearest() = %v", err)
		}
		for _, m := range matches {
			if m.TenantID != "default" {
				t.Errorf("match leaked from tenant %q", m.TenantID)
			}
		}

		matches, err = store.SearchNearest(ctx, axisVector(5), 10, "tenant-b")
		if err != nil {
			t.Fatalf("SearchNearest() = %v", err)
		}
		if len(matches) != 1 || matches[0].Content != "tenant b secret" {
			t.Errorf("tenant-b search = %v, want its single fragment", matches)
		}
	})

	t.Run("search respects k", func(t *testing.T) {
		matches, err := store.SearchNearest(ctx, axisVector(2), 1, "default")
		if err != nil {
			t.Fatalf("SearchNearest() = %v", err)
		}
		if len(matches) != 1 {
			t.Errorf("got %d matches, want 1", len(matches))
		}
	})

	t.Run("stale sweep keeps listed sources", func(t *testing.T) {
		scraped := fragment("scrape_x", "default", "scraped page text", "hash1", 0, axisVector(7))
		scraped.SourceKind = knowledge.SourceWebScrape
		scraped.SourceURL = "https://example.com/page"
		scraped.ParentSourceID = "file_a"
		if err := store.UpsertBatch(ctx, []knowledge.Fragment{scraped}); err != nil {
			t.Fatalf("UpsertBatch() = %v", err)
		}

		deleted, err := store.DeleteStale(ctx, "default", []string{"file_a"})
		if err != nil {
			t.Fatalf("DeleteStale() = %v", err)
		}
		if deleted == 0 {
			t.Error("DeleteStale removed nothing, expected file_rank fragments to go")
		}

		count, _ := store.CountBySource(ctx, "file_a")
		if count != 1 {
			t.Errorf("file_a count = %d after sweep, want 1", count)
		}
		count, _ = store.CountBySource(ctx, "file_rank")
		if count != 0 {
			t.Errorf("file_rank count = %d after sweep, want 0", count)
		}

		// Scraped pages survive as long as their parent is kept, even
		// though their own source ID was not listed.
		count, _ = store.CountBySource(ctx, "scrape_x")
		if count != 1 {
			t.Errorf("scrape_x count = %d after sweep, want 1", count)
		}

		// Other tenants are untouched.
		count, _ = store.CountBySource(ctx, "file_tenant_b")
		if count != 1 {
			t.Errorf("tenant-b count = %d after default sweep, want 1", count)
		}

		// Once the parent disappears, its scraped pages go with it.
		if _, err := store.DeleteStale(ctx, "default", []string{"file_other"}); err != nil {
			t.Fatalf("DeleteStale() = %v", err)
		}
		count, _ = store.CountBySource(ctx, "scrape_x")
		if count != 0 {
			t.Errorf("scrape_x count = %d after parent swept, want 0", count)
		}
	})

	t.Run("stale sweep refuses empty keep list", func(t *testing.T) {
		if _, err := store.DeleteStale(ctx, "default", nil); err == nil {
			t.Error("DeleteStale(nil) = nil, want refusal")
		}
	})

	t.Run("dimension mismatch rejected", func(t *testing.T) {
		bad := fragment("file_bad", "default", "bad", "fp", 0, []float32{1, 2, 3})
		if err := store.UpsertBatch(ctx, []knowledge.Fragment{bad}); err == nil {
			t.Error("UpsertBatch accepted wrong dimension")
		}

		if _, err := store.SearchNearest(ctx, []float32{1}, 5, "default"); err == nil {
			t.Error("SearchNearest accepted wrong dimension")
		}
	})
}
