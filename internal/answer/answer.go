// Package answer implements the query side of the knowledge base:
// embed the question, retrieve the nearest fragments, assemble the
// prompt and generate a grounded reply.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"

	"github.com/sagehq/sage/internal/knowledge"
)

// GenerationFailedMessage is what callers show the user when generation
// fails outright. The error itself goes to the logs, not the user.
const GenerationFailedMessage = "Sorry, something went wrong while generating the answer. Please try again."

// DefaultTopK is the retrieval depth when the config does not set one.
const DefaultTopK = 5

// Embedder produces the query embedding.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher retrieves the nearest fragments for a tenant.
type Searcher interface {
	SearchNearest(ctx context.Context, query []float32, k int, tenantID string) ([]knowledge.Match, error)
}

// Turn is one prior exchange message, as received from API clients.
type Turn struct {
	// Role is "user" or "model".
	Role string `json:"role"`
	// Text is the message content.
	Text string `json:"text"`
}

// Config holds query-side settings.
type Config struct {
	// ModelName is the generation model reference.
	ModelName string
	// TopK is the number of fragments retrieved per question.
	TopK int
}

// Service answers questions against the knowledge base.
type Service struct {
	g      *genkit.Genkit
	emb    Embedder
	store  Searcher
	cfg    Config
	logger *slog.Logger
}

// New creates a Service. logger may be nil.
func New(g *genkit.Genkit, emb Embedder, store Searcher, cfg Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopK < 1 {
		cfg.TopK = DefaultTopK
	}
	return &Service{
		g:      g,
		emb:    emb,
		store:  store,
		cfg:    cfg,
		logger: logger,
	}
}

// Answer generates a grounded reply to question for one tenant.
// history carries the prior turns of the conversation, oldest first.
func (s *Service) Answer(ctx context.Context, question string, history []Turn, tenantID string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", fmt.Errorf("empty question")
	}

	queryVec, err := s.emb.Embed(ctx, question)
	if err != nil {
		return "", fmt.Errorf("embedding question: %w", err)
	}

	matches, err := s.store.SearchNearest(ctx, queryVec, s.cfg.TopK, tenantID)
	if err != nil {
		return "", fmt.Errorf("searching fragments: %w", err)
	}

	s.logger.Debug("fragments retrieved",
		"tenant_id", tenantID,
		"matches", len(matches))

	messages := historyMessages(history)
	messages = append(messages, ai.NewUserMessage(
		ai.NewTextPart(buildUserPrompt(question, matches))))

	resp, err := genkit.Generate(ctx, s.g,
		ai.WithModelName(s.cfg.ModelName),
		ai.WithSystem(systemPrompt),
		ai.WithMessages(messages...),
	)
	if err != nil {
		return "", fmt.Errorf("generating answer: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("model returned empty answer")
	}
	return text, nil
}

// historyMessages converts client turns to model messages. Unknown
// roles are treated as user turns rather than dropped.
func historyMessages(history []Turn) []*ai.Message {
	var messages []*ai.Message
	for _, turn := range history {
		text := strings.TrimSpace(turn.Text)
		if text == "" {
			continue
		}
		if strings.EqualFold(turn.Role, "model") || strings.EqualFold(turn.Role, "assistant") {
			messages = append(messages, ai.NewModelMessage(ai.NewTextPart(text)))
		} else {
			messages = append(messages, ai.NewUserMessage(ai.NewTextPart(text)))
		}
	}
	return messages
}

// buildUserPrompt assembles the final user message: the context block
// built from retrieved fragments, then the question.
func buildUserPrompt(question string, matches []knowledge.Match) string {
	var b strings.Builder
	b.WriteString("CONTEXT:\n")
	if len(matches) == 0 {
		b.WriteString(noContextNotice)
	} else {
		b.WriteString(ContextBlock(matches))
	}
	b.WriteString("\n\nQUESTION:\n")
	b.WriteString(question)
	return b.String()
}

// ContextBlock renders retrieved fragments as a citation-labeled
// context section. Scraped fragments cite their page URL, document
// fragments their file name.
func ContextBlock(matches []knowledge.Match) string {
	blocks := make([]string, 0, len(matches))
	for _, m := range matches {
		var label string
		if m.SourceKind == knowledge.SourceWebScrape && m.SourceURL != "" {
			label = fmt.Sprintf("[Source: %s]", m.SourceURL)
		} else {
			label = fmt.Sprintf("[File: %s]", m.DisplayName)
		}
		blocks = append(blocks, label+"\n"+m.Content)
	}
	return strings.Join(blocks, "\n---\n")
}
