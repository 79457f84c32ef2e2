// Package rag answers questions about filings by retrieving the closest
// chunks and handing them to a chat model as context.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/WessleyAI/filings-analyst/engine/domain"
	"github.com/WessleyAI/filings-analyst/engine/embed"
	"github.com/WessleyAI/filings-analyst/engine/llm"
	"github.com/WessleyAI/filings-analyst/pkg/metrics"
)

const systemPrompt = "You are a financial analysis assistant for SEC filings. Use the provided CONTEXT to answer. Be concise and cite figures directly."

const summaryQuestion = "Provide a concise executive summary focusing on key financial metrics, risks, and outlook. Use up to 5 short bullet points."

// SummaryTopK is the retrieval depth for document summaries.
const SummaryTopK = 12

// Embedder embeds texts for one intent.
type Embedder interface {
	Embed(ctx context.Context, texts []string, intent embed.Intent) ([][]float32, error)
}

// Retriever returns the chunks closest to an embedding.
type Retriever interface {
	Match(ctx context.Context, embedding []float32, k int, documentID string) ([]domain.Match, error)
}

// Options configures the answer pipeline.
type Options struct {
	Temperature     float32
	RetrieveTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Registry
}

// DefaultOptions returns the defaults used by the API.
func DefaultOptions() Options {
	return Options{Temperature: 0.2, RetrieveTimeout: 10 * time.Second}
}

// Question is one answer request.
type Question struct {
	Text         string
	DocumentID   string
	TopK         int
	ExtraContext string
}

// Answer is the model reply plus the chunks it was given.
type Answer struct {
	Text      string         `json:"answer"`
	Citations []domain.Match `json:"citations"`
}

// Service is the RAG orchestration service.
type Service struct {
	embedder  Embedder
	retriever Retriever
	chat      llm.Chatter
	opts      Options
	logger    *slog.Logger

	answered  *metrics.Counter
	failed    *metrics.Counter
	latency   *metrics.Histogram
	retrieval *metrics.Histogram // vector search only
	matched   *metrics.Counter
}

// New creates a new RAG Service.
func New(embedder Embedder, retriever Retriever, chat llm.Chatter, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RetrieveTimeout <= 0 {
		opts.RetrieveTimeout = DefaultOptions().RetrieveTimeout
	}
	return &Service{
		embedder:  embedder,
		retriever: retriever,
		chat:      chat,
		opts:      opts,
		logger:    opts.Logger,
		answered:  opts.Metrics.AnswersTotal(),
		failed:    opts.Metrics.AnswerFailures(),
		latency:   opts.Metrics.AnswerDuration(),
		retrieval: opts.Metrics.RetrievalDuration(),
		matched:   opts.Metrics.RetrievalMatches(),
	}
}

// Answer embeds the question, retrieves up to TopK chunks and asks the model.
// An empty retrieval still produces a model call with empty context.
func (s *Service) Answer(ctx context.Context, q Question) (*Answer, error) {
	if err := domain.ValidateQuestion(q.Text); err != nil {
		return nil, err
	}
	start := time.Now()
	ans, err := s.answer(ctx, q)
	s.latency.Since(start)
	if err != nil {
		s.failed.Inc()
		return nil, err
	}
	s.answered.Inc()
	return ans, nil
}

func (s *Service) answer(ctx context.Context, q Question) (*Answer, error) {
	topK := domain.ClampTopK(q.TopK)
	s.logger.Info("rag: answer start", "question_len", len(q.Text), "document_id", q.DocumentID, "top_k", topK)

	vecs, err := s.embedder.Embed(ctx, []string{q.Text}, embed.Query)
	if err != nil {
		return nil, fmt.Errorf("rag: embed query: %w", err)
	}

	rctx, cancel := context.WithTimeout(ctx, s.opts.RetrieveTimeout)
	defer cancel()
	searched := time.Now()
	matches, err := s.retriever.Match(rctx, vecs[0], topK, q.DocumentID)
	s.retrieval.Since(searched)
	if err != nil {
		return nil, fmt.Errorf("rag: retrieve: %w", err)
	}
	s.matched.Add(int64(len(matches)))
	s.logger.Info("rag: retrieved", "matches", len(matches))

	reply, err := s.chat.Chat(ctx, llm.Request{
		Messages:    buildMessages(q.Text, matches, q.ExtraContext),
		Temperature: s.opts.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("rag: chat: %w", err)
	}
	if matches == nil {
		matches = []domain.Match{}
	}
	return &Answer{Text: reply, Citations: matches}, nil
}

// Summarize answers the fixed executive-summary question over one document.
func (s *Service) Summarize(ctx context.Context, documentID string) (*Answer, error) {
	return s.Answer(ctx, Question{Text: summaryQuestion, DocumentID: documentID, TopK: SummaryTopK})
}

func buildMessages(question string, matches []domain.Match, extra string) []llm.Message {
	ctxBlock := "CONTEXT:\n" + buildContext(matches)
	if strings.TrimSpace(extra) != "" {
		ctxBlock += "\n\nEXTRA CONTEXT:\n" + extra
	}
	return []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleSystem, Content: ctxBlock},
		{Role: llm.RoleUser, Content: question},
	}
}

// buildContext renders matches as numbered blocks separated by "---".
func buildContext(matches []domain.Match) string {
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = fmt.Sprintf("Chunk #%d (doc %s):\n%s", m.ChunkIndex, m.DocumentID, m.Content)
	}
	return strings.Join(parts, "\n---\n")
}
