package ollama

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatClient talks to /api/chat without streaming.
type ChatClient struct {
	baseURL string
	client  *http.Client
}

// NewChatClient creates an Ollama chat client.
func NewChatClient(baseURL string) *ChatClient {
	return &ChatClient{baseURL: baseURL, client: &http.Client{Timeout: 5 * time.Minute}}
}

type chatReq struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatResp struct {
	Message Message `json:"message"`
}

// Chat returns the assistant reply for messages.
func (c *ChatClient) Chat(ctx context.Context, model string, messages []Message, temperature float32) (string, error) {
	var out chatResp
	req := chatReq{
		Model:    model,
		Messages: messages,
		Options:  map[string]any{"temperature": temperature},
	}
	if err := postJSON(ctx, c.client, c.baseURL+"/api/chat", req, &out); err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	return out.Message.Content, nil
}
