// Package api exposes the ingestion and question answering pipeline over
// a JSON HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sagehq/sage/internal/answer"
	"github.com/sagehq/sage/internal/ingest"
)

const maxRequestBody = 1 << 20 // 1 MiB

// Ingestor runs a full ingestion pass over a source container.
type Ingestor interface {
	Run(ctx context.Context, req ingest.Request) (*ingest.Summary, error)
}

// Answerer produces a grounded answer for a question.
type Answerer interface {
	Answer(ctx context.Context, question string, history []answer.Turn, tenantID string) (string, error)
}

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger        *slog.Logger
	Ingestor      Ingestor      // Required
	Answerer      Answerer      // Required
	Pool          *pgxpool.Pool // Optional: nil degrades /readyz to liveness
	DefaultTenant string        // Tenant used when requests omit tenant_id
	TrustProxy    bool          // Trust X-Real-IP/X-Forwarded-For headers (behind reverse proxy)
	RateBurst     int           // Rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates a new API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Ingestor == nil {
		return nil, errors.New("ingestor is required")
	}
	if cfg.Answerer == nil {
		return nil, errors.New("answerer is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &handlers{
		logger:        logger,
		ingestor:      cfg.Ingestor,
		answerer:      cfg.Answerer,
		defaultTenant: cfg.DefaultTenant,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/ingest", h.ingest)
	mux.HandleFunc("POST /api/v1/ask", h.ask)

	// Per-IP token bucket, refilling at 1 token/sec.
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newThrottle(1.0, burst, cfg.TrustProxy, logger)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → RateLimit → Routes
	// RequestID must be before Logging so request_id is available in log attributes.
	var handler http.Handler = mux
	handler = rl.middleware(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	final := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setSecurityHeaders(w)
		handler.ServeHTTP(w, r)
	})

	// Health probes bypass the middleware stack so load balancers are never
	// rate limited.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /healthz", health(logger))
	topMux.Handle("GET /readyz", readiness(cfg.Pool, logger))
	topMux.Handle("/", final)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

type handlers struct {
	logger        *slog.Logger
	ingestor      Ingestor
	answerer      Answerer
	defaultTenant string
}

type ingestRequest struct {
	SourceContainerID string `json:"source_container_id"`
	TenantID          string `json:"tenant_id,omitempty"`
}

func (h *handlers) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	if strings.TrimSpace(req.SourceContainerID) == "" {
		writeError(w, http.StatusBadRequest, "missing_container", "source_container_id is required", h.logger)
		return
	}

	summary, err := h.ingestor.Run(r.Context(), ingest.Request{
		ContainerID: req.SourceContainerID,
		TenantID:    h.tenant(req.TenantID),
	})
	if err != nil {
		h.logger.Error("ingestion failed", "container", req.SourceContainerID, "error", err)
		writeError(w, http.StatusBadGateway, "ingest_failed", "could not list the source container", h.logger)
		return
	}

	writeJSON(w, http.StatusOK, summary, h.logger)
}

// askRequest mirrors the conversational wire format: history entries carry
// a role and a list of text parts.
type askRequest struct {
	Question string        `json:"question"`
	History  []historyTurn `json:"history,omitempty"`
	TenantID string        `json:"tenant_id,omitempty"`
}

type historyTurn struct {
	Role    string     `json:"role"`
	Content []textPart `json:"content"`
}

type textPart struct {
	Text string `json:"text"`
}

type askResponse struct {
	Answer string `json:"answer"`
}

func (h *handlers) ask(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "missing_question", "question is required", h.logger)
		return
	}

	text, err := h.answerer.Answer(r.Context(), req.Question, flattenHistory(req.History), h.tenant(req.TenantID))
	if err != nil {
		// Degrade to a fixed apology so callers always get an answer body.
		h.logger.Error("answer generation failed", "error", err)
		writeJSON(w, http.StatusOK, askResponse{Answer: answer.GenerationFailedMessage}, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, askResponse{Answer: text}, h.logger)
}

func (h *handlers) tenant(requested string) string {
	if requested != "" {
		return requested
	}
	return h.defaultTenant
}

// flattenHistory joins each turn's text parts into a single turn.
func flattenHistory(turns []historyTurn) []answer.Turn {
	if len(turns) == 0 {
		return nil
	}
	out := make([]answer.Turn, 0, len(turns))
	for _, t := range turns {
		var parts []string
		for _, p := range t.Content {
			if p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		out = append(out, answer.Turn{Role: t.Role, Text: strings.Join(parts, "\n")})
	}
	return out
}

// decodeBody parses the JSON request body into dst, replying with 400 on
// malformed input. Returns false when a response was already written.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any, logger *slog.Logger) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "request body must be valid JSON", logger)
		return false
	}
	return true
}
