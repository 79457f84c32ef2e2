// Package backend opens the stores and model clients selected by
// pkg/config. Every binary builds its engine from here.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/WessleyAI/filings-analyst/engine/embed"
	"github.com/WessleyAI/filings-analyst/engine/llm"
	"github.com/WessleyAI/filings-analyst/engine/semantic"
	"github.com/WessleyAI/filings-analyst/pkg/config"
	"github.com/WessleyAI/filings-analyst/pkg/metrics"
	"github.com/WessleyAI/filings-analyst/pkg/ollama"
	"github.com/WessleyAI/filings-analyst/pkg/resilience"
)

// Model defaults per provider when EMBED_MODEL or CHAT_MODEL is unset.
const (
	DefaultOpenAIEmbedModel = "text-embedding-3-small"
	DefaultOllamaEmbedModel = "bge-m3"
	DefaultOllamaChatModel  = "llama3.1"
)

// Backends holds the opened store and clients.
type Backends struct {
	Store    semantic.Store
	Embedder *embed.Service
	Chat     llm.Chatter

	closers []func() error
}

// Open builds every backend. On error anything already opened is closed.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger, reg *metrics.Registry) (*Backends, error) {
	b := &Backends{}
	store, closers, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	b.Store, b.closers = store, closers

	if b.Embedder, err = NewEmbedder(cfg, logger, reg); err != nil {
		_ = b.Close()
		return nil, err
	}
	if b.Chat, err = NewChatter(cfg, logger); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

// Close releases connections in reverse open order.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// OpenStore returns the document store, optionally with chunks held in Qdrant.
func OpenStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (semantic.Store, []func() error, error) {
	var (
		base    semantic.Store
		closers []func() error
	)
	switch cfg.StoreBackend {
	case config.StorePostgres:
		pg, err := semantic.OpenPostgres(cfg.DatabaseURL, cfg.EmbedDims)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			_ = pg.Close()
			return nil, nil, err
		}
		base = pg
	default:
		base = semantic.NewMemoryStore()
	}
	logger.Info("store ready", "backend", cfg.StoreBackend)

	if cfg.VectorBackend != config.VectorQdrant {
		return base, closers, nil
	}
	vs, err := semantic.New(cfg.QdrantURL, cfg.QdrantCollection)
	if err != nil {
		closeAll(closers)
		return nil, nil, err
	}
	closers = append(closers, vs.Close)
	if err := vs.EnsureCollection(ctx, cfg.EmbedDims); err != nil {
		closeAll(closers)
		return nil, nil, err
	}
	logger.Info("vector index ready", "backend", cfg.VectorBackend, "collection", cfg.QdrantCollection)
	return semantic.Hybrid{DocumentRepo: base, ChunkIndex: vs}, closers, nil
}

func closeAll(fns []func() error) {
	for i := len(fns) - 1; i >= 0; i-- {
		_ = fns[i]()
	}
}

// NewEmbedder wraps the configured embedding provider in an embed.Service.
func NewEmbedder(cfg config.Config, logger *slog.Logger, reg *metrics.Registry) (*embed.Service, error) {
	var p embed.Provider
	switch cfg.EmbedProvider {
	case config.ProviderHuggingFace:
		if cfg.HuggingFaceKey == "" {
			return nil, errors.New("backend: HUGGINGFACE_API_KEY is required for the huggingface provider")
		}
		p = embed.NewHuggingFace(cfg.EmbedModel, cfg.HuggingFaceKey)
	case config.ProviderOpenAI:
		if cfg.OpenAIKey == "" {
			return nil, errors.New("backend: OPENAI_API_KEY is required for the openai embed provider")
		}
		p = embed.NewOpenAI(cfg.OpenAIKey, cfg.OpenAIBaseURL, or(cfg.EmbedModel, DefaultOpenAIEmbedModel))
	case config.ProviderOllama:
		p = ollama.NewEmbedClient(cfg.OllamaURL, or(cfg.EmbedModel, DefaultOllamaEmbedModel))
	default:
		return nil, fmt.Errorf("backend: unknown embed provider %q", cfg.EmbedProvider)
	}
	return embed.New(p, embed.Options{
		Breaker: Breaker("embed."+cfg.EmbedProvider, logger),
		Logger:  logger,
		Metrics: reg,
	}), nil
}

// NewChatter returns the configured chat model client.
func NewChatter(cfg config.Config, logger *slog.Logger) (llm.Chatter, error) {
	switch cfg.ChatProvider {
	case config.ProviderOpenAI:
		if cfg.OpenAIKey == "" {
			return nil, errors.New("backend: OPENAI_API_KEY is required for the openai chat provider")
		}
		return llm.NewOpenAI(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.ChatModel, Breaker("chat.openai", logger), logger), nil
	case config.ProviderOllama:
		return llm.NewOllama(ollama.NewChatClient(cfg.OllamaURL), or(cfg.ChatModel, DefaultOllamaChatModel), Breaker("chat.ollama", logger)), nil
	default:
		return nil, fmt.Errorf("backend: unknown chat provider %q", cfg.ChatProvider)
	}
}

// Breaker returns a default breaker that logs its state transitions.
func Breaker(name string, logger *slog.Logger) *resilience.Breaker {
	opts := resilience.DefaultBreakerOpts
	opts.Name = name
	opts.OnStateChange = func(name string, from, to resilience.State) {
		logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
	}
	return resilience.NewBreaker(opts)
}

func or(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
