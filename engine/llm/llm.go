// Package llm wraps chat-completion backends behind a single Chatter
// interface and parses the loosely structured JSON they return.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/WessleyAI/filings-analyst/pkg/fn"
	"github.com/WessleyAI/filings-analyst/pkg/ollama"
	"github.com/WessleyAI/filings-analyst/pkg/resilience"
)

// DefaultModel is the chat model used when none is configured.
const DefaultModel = "gpt-4o-mini"

// Roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single completion request.
type Request struct {
	Messages    []Message
	Temperature float32
}

// Chatter returns the assistant reply for a request.
type Chatter interface {
	Chat(ctx context.Context, req Request) (string, error)
}

// OpenAI is a Chatter over an OpenAI-compatible /chat/completions endpoint.
type OpenAI struct {
	client  *openai.Client
	model   string
	breaker *resilience.Breaker
	logger  *slog.Logger
}

// NewOpenAI creates an OpenAI chat client. An empty baseURL means api.openai.com.
func NewOpenAI(apiKey, baseURL, model string, breaker *resilience.Breaker, logger *slog.Logger) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = DefaultModel
	}
	if breaker == nil {
		breaker = resilience.NewBreaker(resilience.DefaultBreakerOpts)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), model: model, breaker: breaker, logger: logger}
}

// Chat implements Chatter.
func (o *OpenAI) Chat(ctx context.Context, req Request) (string, error) {
	msgs := fn.Map(req.Messages, func(m Message) openai.ChatCompletionMessage {
		return openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	})
	start := time.Now()
	res := resilience.CallResult(o.breaker, ctx, func(ctx context.Context) fn.Result[openai.ChatCompletionResponse] {
		return fn.FromPair(o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       o.model,
			Messages:    msgs,
			Temperature: &req.Temperature,
		}))
	})
	resp, err := res.Unwrap()
	if err != nil {
		return "", fmt.Errorf("llm: openai chat: %w", err)
	}
	o.logger.Debug("llm: chat done", "model", o.model, "tokens", resp.Usage.TotalTokens, "duration", time.Since(start))
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Ollama is a Chatter over a local Ollama server.
type Ollama struct {
	client  *ollama.ChatClient
	model   string
	breaker *resilience.Breaker
}

// NewOllama creates an Ollama chat adapter.
func NewOllama(client *ollama.ChatClient, model string, breaker *resilience.Breaker) *Ollama {
	if breaker == nil {
		breaker = resilience.NewBreaker(resilience.DefaultBreakerOpts)
	}
	return &Ollama{client: client, model: model, breaker: breaker}
}

// Chat implements Chatter.
func (o *Ollama) Chat(ctx context.Context, req Request) (string, error) {
	msgs := fn.Map(req.Messages, func(m Message) ollama.Message {
		return ollama.Message{Role: m.Role, Content: m.Content}
	})
	var reply string
	err := o.breaker.Call(ctx, func(ctx context.Context) error {
		var err error
		reply, err = o.client.Chat(ctx, o.model, msgs, req.Temperature)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("llm: %w", err)
	}
	return reply, nil
}
