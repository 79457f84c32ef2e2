package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// DefaultHFModel is the multilingual model the passage/query prefixes target.
const DefaultHFModel = "BAAI/bge-m3"

const (
	hfRouterURL = "https://router.huggingface.co/hf-inference/models/%s/pipeline/feature-extraction"
	hfLegacyURL = "https://api-inference.huggingface.co/pipeline/feature-extraction/%s"
)

// HuggingFace calls the Inference feature-extraction pipeline.
type HuggingFace struct {
	model  string
	token  string
	client *http.Client

	// The router endpoint is tried first; a 404 switches the process to the
	// legacy endpoint for good.
	mu       sync.Mutex
	resolved bool
	endpoint string
	router   string
	legacy   string
}

// NewHuggingFace creates a provider for model authenticated with token.
func NewHuggingFace(model, token string) *HuggingFace {
	if model == "" {
		model = DefaultHFModel
	}
	return &HuggingFace{
		model:  model,
		token:  token,
		client: &http.Client{Timeout: 120 * time.Second},
		router: fmt.Sprintf(hfRouterURL, model),
		legacy: fmt.Sprintf(hfLegacyURL, model),
	}
}

// WithEndpoints overrides the router and legacy URLs.
func (h *HuggingFace) WithEndpoints(router, legacy string) *HuggingFace {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.router, h.legacy = router, legacy
	h.resolved, h.endpoint = false, ""
	return h
}

// Model implements Provider.
func (h *HuggingFace) Model() string { return h.model }

type hfRequest struct {
	Inputs  []string  `json:"inputs"`
	Options hfOptions `json:"options"`
}

type hfOptions struct {
	WaitForModel bool `json:"wait_for_model"`
}

// EmbedBatch implements Provider.
func (h *HuggingFace) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(hfRequest{Inputs: texts, Options: hfOptions{WaitForModel: true}})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	endpoint, resolved := h.endpoint, h.resolved
	if !resolved {
		endpoint = h.router
	}
	legacy := h.legacy
	h.mu.Unlock()

	raw, code, err := h.post(ctx, endpoint, body)
	if err != nil {
		return nil, err
	}
	if code == http.StatusNotFound && !resolved {
		raw, code, err = h.post(ctx, legacy, body)
		if err != nil {
			return nil, err
		}
		if code == http.StatusOK {
			h.resolve(legacy)
		}
	} else if code == http.StatusOK {
		h.resolve(endpoint)
	}
	if code != http.StatusOK {
		return nil, &StatusError{Provider: "huggingface", Code: code, Body: truncateBody(raw)}
	}
	return parseFeatures(raw, len(texts))
}

func (h *HuggingFace) resolve(endpoint string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.resolved {
		h.resolved, h.endpoint = true, endpoint
	}
}

func (h *HuggingFace) post(ctx context.Context, url string, body []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("huggingface: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("huggingface: read body: %w", err)
	}
	return raw, resp.StatusCode, nil
}

func truncateBody(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max])
	}
	return string(b)
}

// parseFeatures accepts the response shapes the pipeline is known to return:
// a flat vector, tokens x dims, batch x dims, batch x tokens x dims,
// {"embeddings": ...} and {"data": [{"embedding": ...}]}. Token matrices are
// mean-pooled. n is the number of inputs sent.
func parseFeatures(raw []byte, n int) ([][]float32, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("huggingface: decode: %w", err)
	}
	if obj, ok := v.(map[string]any); ok {
		switch {
		case obj["embeddings"] != nil:
			v = obj["embeddings"]
		case obj["data"] != nil:
			items, _ := obj["data"].([]any)
			out := make([][]float32, 0, len(items))
			for i, it := range items {
				m, _ := it.(map[string]any)
				vec, ok := floats(m["embedding"])
				if !ok {
					return nil, fmt.Errorf("huggingface: data[%d]: missing embedding", i)
				}
				out = append(out, vec)
			}
			return out, nil
		case obj["error"] != nil:
			return nil, fmt.Errorf("huggingface: %v", obj["error"])
		default:
			return nil, fmt.Errorf("huggingface: unexpected embeddings format")
		}
	}

	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, fmt.Errorf("huggingface: unexpected embeddings format")
	}
	switch depth(arr) {
	case 1:
		vec, ok := floats(arr)
		if !ok {
			return nil, fmt.Errorf("huggingface: vector is not numeric")
		}
		return [][]float32{vec}, nil
	case 2:
		rows, err := matrix(arr)
		if err != nil {
			return nil, err
		}
		if n > 1 && len(rows) == n {
			return rows, nil
		}
		return [][]float32{meanPool(rows)}, nil
	case 3:
		out := make([][]float32, len(arr))
		for i, tokens := range arr {
			t, _ := tokens.([]any)
			rows, err := matrix(t)
			if err != nil {
				return nil, err
			}
			out[i] = meanPool(rows)
		}
		return out, nil
	}
	return nil, fmt.Errorf("huggingface: unexpected embeddings format")
}

// depth is the nesting level of the first element chain, 0 if not numeric.
func depth(arr []any) int {
	d := 1
	var cur any = arr
	for {
		a, ok := cur.([]any)
		if !ok || len(a) == 0 {
			return 0
		}
		switch a[0].(type) {
		case float64:
			return d
		case []any:
			cur = a[0]
			d++
		default:
			return 0
		}
	}
}

func floats(v any) ([]float32, bool) {
	arr, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]float32, len(arr))
	for i, x := range arr {
		f, ok := x.(float64)
		if !ok {
			return nil, false
		}
		out[i] = float32(f)
	}
	return out, true
}

func matrix(arr []any) ([][]float32, error) {
	rows := make([][]float32, len(arr))
	for i, r := range arr {
		vec, ok := floats(r)
		if !ok {
			return nil, fmt.Errorf("huggingface: row %d is not numeric", i)
		}
		rows[i] = vec
	}
	return rows, nil
}

func meanPool(rows [][]float32) []float32 {
	if len(rows) == 0 {
		return nil
	}
	out := make([]float32, len(rows[0]))
	for _, r := range rows {
		for j := range out {
			if j < len(r) {
				out[j] += r[j]
			}
		}
	}
	for j := range out {
		out[j] /= float32(len(rows))
	}
	return out
}
