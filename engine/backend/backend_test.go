package backend

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/WessleyAI/filings-analyst/engine/llm"
	"github.com/WessleyAI/filings-analyst/engine/semantic"
	"github.com/WessleyAI/filings-analyst/pkg/config"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)) }

func TestOpenStore_Memory(t *testing.T) {
	store, closers, err := OpenStore(context.Background(), config.Default(), quiet())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	if _, ok := store.(*semantic.MemoryStore); !ok {
		t.Fatalf("expected *semantic.MemoryStore, got %T", store)
	}
	if len(closers) != 0 {
		t.Fatalf("memory store has nothing to close, got %d closers", len(closers))
	}
}

func TestNewEmbedder(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		model   string
		wantErr string
	}{
		{"huggingface without key", func(c *config.Config) {}, "", "HUGGINGFACE_API_KEY"},
		{"huggingface", func(c *config.Config) { c.HuggingFaceKey = "hf_x" }, "BAAI/bge-m3", ""},
		{"openai without key", func(c *config.Config) { c.EmbedProvider = config.ProviderOpenAI }, "", "OPENAI_API_KEY"},
		{"openai", func(c *config.Config) { c.EmbedProvider, c.OpenAIKey = config.ProviderOpenAI, "sk-x" }, DefaultOpenAIEmbedModel, ""},
		{"ollama", func(c *config.Config) { c.EmbedProvider = config.ProviderOllama }, DefaultOllamaEmbedModel, ""},
		{"ollama custom model", func(c *config.Config) { c.EmbedProvider, c.EmbedModel = config.ProviderOllama, "nomic-embed-text" }, "nomic-embed-text", ""},
		{"unknown", func(c *config.Config) { c.EmbedProvider = "cohere" }, "", "unknown embed provider"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			svc, err := NewEmbedder(cfg, quiet(), nil)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if svc.Model() != tt.model {
				t.Fatalf("model = %q, want %q", svc.Model(), tt.model)
			}
		})
	}
}

func TestNewChatter(t *testing.T) {
	cfg := config.Default()
	if _, err := NewChatter(cfg, quiet()); err == nil {
		t.Fatal("openai chat without a key should fail")
	}
	cfg.OpenAIKey = "sk-x"
	c, err := NewChatter(cfg, quiet())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := c.(*llm.OpenAI); !ok {
		t.Fatalf("expected *llm.OpenAI, got %T", c)
	}
	cfg.ChatProvider = config.ProviderOllama
	if c, _ = NewChatter(cfg, quiet()); c == nil {
		t.Fatal("expected an ollama chatter")
	}
	if _, ok := c.(*llm.Ollama); !ok {
		t.Fatalf("expected *llm.Ollama, got %T", c)
	}
	cfg.ChatProvider = "claude"
	if _, err := NewChatter(cfg, quiet()); err == nil {
		t.Fatal("unknown provider should fail")
	}
}

func TestBreaker_LogsTransitions(t *testing.T) {
	var buf bytes.Buffer
	b := Breaker("embed.huggingface", slog.New(slog.NewTextHandler(&buf, nil)))
	boom := errors.New("503")
	for i := 0; i < 5; i++ {
		_ = b.Call(context.Background(), func(context.Context) error { return boom })
	}
	out := buf.String()
	if !strings.Contains(out, "breaker=embed.huggingface") || !strings.Contains(out, "to=open") {
		t.Fatalf("expected open transition in log, got %q", out)
	}
}

func TestBackends_CloseOrder(t *testing.T) {
	var order []string
	b := &Backends{closers: []func() error{
		func() error { order = append(order, "postgres"); return nil },
		func() error { order = append(order, "qdrant"); return errors.New("already closed") },
	}}
	err := b.Close()
	if err == nil || !strings.Contains(err.Error(), "already closed") {
		t.Fatalf("expected joined close error, got %v", err)
	}
	if strings.Join(order, ",") != "qdrant,postgres" {
		t.Fatalf("close order = %v", order)
	}
	if b.Close() != nil {
		t.Fatal("second Close should be a no-op")
	}
}
