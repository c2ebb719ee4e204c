package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sagehq/sage/internal/answer"
	"github.com/sagehq/sage/internal/ingest"
	"github.com/sagehq/sage/internal/log"
)

type fakeIngestor struct {
	summary *ingest.Summary
	err     error

	gotReq ingest.Request
}

func (f *fakeIngestor) Run(_ context.Context, req ingest.Request) (*ingest.Summary, error) {
	f.gotReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.summary, nil
}

type fakeAnswerer struct {
	answer string
	err    error

	gotQuestion string
	gotHistory  []answer.Turn
	gotTenant   string
}

func (f *fakeAnswerer) Answer(_ context.Context, question string, history []answer.Turn, tenantID string) (string, error) {
	f.gotQuestion = question
	f.gotHistory = history
	f.gotTenant = tenantID
	return f.answer, f.err
}

func newTestServer(t *testing.T, ing *fakeIngestor, ans *fakeAnswerer) *Server {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Logger:        log.NewNop(),
		Ingestor:      ing,
		Answerer:      ans,
		DefaultTenant: "default",
		RateBurst:     1000,
	})
	if err != nil {
		t.Fatalf("NewServer() = %v", err)
	}
	return srv
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIngestEndpoint(t *testing.T) {
	ing := &fakeIngestor{summary: &ingest.Summary{ProcessedFiles: 3, Errors: []string{"Doc (x): boom"}}}
	srv := newTestServer(t, ing, &fakeAnswerer{})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/ingest",
		`{"source_container_id":"folder-1"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var got ingest.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.ProcessedFiles != 3 {
		t.Errorf("processed_files = %d, want 3", got.ProcessedFiles)
	}
	if len(got.Errors) != 1 {
		t.Errorf("errors = %v, want one entry", got.Errors)
	}

	if ing.gotReq.ContainerID != "folder-1" {
		t.Errorf("container = %q", ing.gotReq.ContainerID)
	}
	if ing.gotReq.TenantID != "default" {
		t.Errorf("tenant = %q, want default", ing.gotReq.TenantID)
	}
}

func TestIngestTenantOverride(t *testing.T) {
	ing := &fakeIngestor{summary: &ingest.Summary{}}
	srv := newTestServer(t, ing, &fakeAnswerer{})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/ingest",
		`{"source_container_id":"folder-1","tenant_id":"acme"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ing.gotReq.TenantID != "acme" {
		t.Errorf("tenant = %q, want acme", ing.gotReq.TenantID)
	}
}

func TestIngestMissingContainer(t *testing.T) {
	srv := newTestServer(t, &fakeIngestor{}, &fakeAnswerer{})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/ingest", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestIngestListingFailure(t *testing.T) {
	ing := &fakeIngestor{err: errors.New("listing folder: 403")}
	srv := newTestServer(t, ing, &fakeAnswerer{})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/ingest",
		`{"source_container_id":"folder-1"}`)
	if rec.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rec.Code)
	}
}

func TestAskEndpoint(t *testing.T) {
	ans := &fakeAnswerer{answer: "Enrollment opens in March."}
	srv := newTestServer(t, &fakeIngestor{}, ans)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/ask",
		`{"question":"When does enrollment open?"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var got askResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.Answer != "Enrollment opens in March." {
		t.Errorf("answer = %q", got.Answer)
	}
	if ans.gotTenant != "default" {
		t.Errorf("tenant = %q, want default", ans.gotTenant)
	}
}

func TestAskHistoryFlattened(t *testing.T) {
	ans := &fakeAnswerer{answer: "ok"}
	srv := newTestServer(t, &fakeIngestor{}, ans)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/ask",
		`{"question":"next","history":[{"role":"user","content":[{"text":"hello"},{"text":"world"}]},{"role":"model","content":[{"text":"hi"}]}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(ans.gotHistory) != 2 {
		t.Fatalf("history = %d turns, want 2", len(ans.gotHistory))
	}
	if ans.gotHistory[0].Text != "hello\nworld" {
		t.Errorf("first turn = %q", ans.gotHistory[0].Text)
	}
	if ans.gotHistory[1].Role != "model" {
		t.Errorf("second role = %q", ans.gotHistory[1].Role)
	}
}

func TestAskGenerationFailureDegrades(t *testing.T) {
	ans := &fakeAnswerer{err: errors.New("model unavailable")}
	srv := newTestServer(t, &fakeIngestor{}, ans)

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/ask",
		`{"question":"anything"}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got askResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if got.Answer != answer.GenerationFailedMessage {
		t.Errorf("answer = %q, want fixed failure message", got.Answer)
	}
}

func TestAskMissingQuestion(t *testing.T) {
	srv := newTestServer(t, &fakeIngestor{}, &fakeAnswerer{})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/ask", `{"question":"  "}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestMalformedBody(t *testing.T) {
	srv := newTestServer(t, &fakeIngestor{}, &fakeAnswerer{})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/ask", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	srv := newTestServer(t, &fakeIngestor{}, &fakeAnswerer{})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/ask",
		`{"question":"q","bogus":true}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t, &fakeIngestor{}, &fakeAnswerer{})

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("/healthz status = %d", rec.Code)
	}

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/readyz", "")
	if rec.Code != http.StatusOK {
		t.Errorf("/readyz status = %d (nil pool should degrade to ok)", rec.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t, &fakeIngestor{}, &fakeAnswerer{})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/ask", `{"question":"q"}`)
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestRequestIDEchoed(t *testing.T) {
	srv := newTestServer(t, &fakeIngestor{}, &fakeAnswerer{answer: "ok"})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ask", strings.NewReader(`{"question":"q"}`))
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Request-ID"); got != "req-123" {
		t.Errorf("X-Request-ID = %q, want req-123", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	panicky := http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("boom")
	})
	handler := recoveryMiddleware(log.NewNop())(panicky)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t, &fakeIngestor{}, &fakeAnswerer{answer: "ok"})

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/ask", `{"question":"q"}`)
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}
