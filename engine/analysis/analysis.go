// Package analysis runs whole-corpus LLM passes over stored filings:
// per-company sentiment and financial anomaly detection.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/WessleyAI/filings-analyst/engine/domain"
	"github.com/WessleyAI/filings-analyst/engine/llm"
	"github.com/WessleyAI/filings-analyst/pkg/metrics"
)

// DefaultLimitDocs is the number of newest documents analysed when unset.
const DefaultLimitDocs = 50

// InfoNoDocuments is reported when the corpus is empty.
const InfoNoDocuments = "No documents found"

// Corpus is the read side of the document store.
type Corpus interface {
	ListDocuments(ctx context.Context, limit int) ([]domain.Document, error)
	DocumentChunks(ctx context.Context, documentID string, limit int) ([]domain.Chunk, error)
}

// Options configures an Analyzer.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// Analyzer runs sentiment and anomaly passes.
type Analyzer struct {
	corpus Corpus
	chat   llm.Chatter
	logger *slog.Logger
	reg    *metrics.Registry
}

// New creates an Analyzer.
func New(corpus Corpus, chat llm.Chatter, opts Options) *Analyzer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Analyzer{corpus: corpus, chat: chat, logger: opts.Logger, reg: opts.Metrics}
}

type pass struct {
	name        string
	chunkLimit  int
	byteLimit   int
	temperature float32
	system      string
	user        func(title, text string) string
}

// each runs p over the newest documents and hands every model reply to fn.
// Documents whose chunks, text or model call fail are skipped.
func (a *Analyzer) each(ctx context.Context, p pass, limitDocs int, fn func(doc domain.Document, reply string)) (int, error) {
	if limitDocs <= 0 {
		limitDocs = DefaultLimitDocs
	}
	docs, err := a.corpus.ListDocuments(ctx, limitDocs)
	if err != nil {
		return 0, fmt.Errorf("analysis: %s: list documents: %w", p.name, err)
	}
	skipped := a.reg.Counter(metrics.WithLabels("filings_analysis_skipped_total", "pass", p.name), "Documents skipped by an analysis pass.")
	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return len(docs), err
		}
		text, err := a.documentText(ctx, doc.ID, p.chunkLimit, p.byteLimit)
		if err != nil {
			a.logger.Warn("analysis: chunk fetch failed", "pass", p.name, "document_id", doc.ID, "err", err)
			skipped.Inc()
			continue
		}
		if text == "" {
			continue
		}
		reply, err := a.chat.Chat(ctx, llm.Request{
			Messages: []llm.Message{
				{Role: llm.RoleSystem, Content: p.system},
				{Role: llm.RoleUser, Content: p.user(doc.Title, text)},
			},
			Temperature: p.temperature,
		})
		if err != nil {
			a.logger.Warn("analysis: model call failed", "pass", p.name, "document_id", doc.ID, "err", err)
			skipped.Inc()
			continue
		}
		fn(doc, reply)
	}
	return len(docs), nil
}

func (a *Analyzer) documentText(ctx context.Context, id string, chunkLimit, byteLimit int) (string, error) {
	chunks, err := a.corpus.DocumentChunks(ctx, id, chunkLimit)
	if err != nil {
		return "", err
	}
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Content
	}
	return clip(strings.Join(parts, "\n\n"), byteLimit), nil
}

// clip cuts s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
