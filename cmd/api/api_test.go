package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/filings-analyst/engine/analysis"
	"github.com/WessleyAI/filings-analyst/engine/domain"
	"github.com/WessleyAI/filings-analyst/engine/embed"
	"github.com/WessleyAI/filings-analyst/engine/forecast"
	"github.com/WessleyAI/filings-analyst/engine/ingest"
	"github.com/WessleyAI/filings-analyst/engine/llm"
	"github.com/WessleyAI/filings-analyst/engine/rag"
	"github.com/WessleyAI/filings-analyst/engine/semantic"
	"github.com/WessleyAI/filings-analyst/engine/strategy"
	"github.com/WessleyAI/filings-analyst/pkg/metrics"
	"github.com/WessleyAI/filings-analyst/pkg/mid"
)

// --- Fakes ---

type countingProvider struct {
	batches int
	last    []string
}

func (p *countingProvider) Model() string { return "test-embed" }

func (p *countingProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.batches++
	p.last = append([]string(nil), texts...)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(strings.Count(t, "revenue") + 1), float32(len(t) % 13), 1}
	}
	return out, nil
}

type scriptedChat struct{ fail bool }

func (c *scriptedChat) Chat(_ context.Context, req llm.Request) (string, error) {
	if c.fail {
		return "", errors.New("upstream 502")
	}
	switch sys := req.Messages[0].Content; {
	case strings.Contains(sys, "sentiment"):
		return `Sure: {"companies":[{"name":"walmart inc","score":0.4}]}`, nil
	case strings.Contains(sys, "anomalies"):
		return `{"anomalies":[{"company":"Walmart","metric":"Inventory","change":"+12%","severity":"high"}]}`, nil
	default:
		return "Revenue grew 5% year over year.", nil
	}
}

type linearSource struct{}

func (linearSource) History(_ context.Context, symbol string) ([]domain.PricePoint, error) {
	if symbol != "WMT" {
		return nil, fmt.Errorf("forecast: %s: no data", symbol)
	}
	start := time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)
	pts := make([]domain.PricePoint, 40)
	for i := range pts {
		pts[i] = domain.PricePoint{Date: start.AddDate(0, 0, i).Format("2006-01-02"), Close: 100 + float64(i)}
	}
	return pts, nil
}

type harness struct {
	store    semantic.Store
	provider *countingProvider
	chat     *scriptedChat
	reg      *metrics.Registry
	handler  http.Handler
}

func newHarness(t *testing.T) *harness {
	return newHarnessWith(t, semantic.NewMemoryStore())
}

func newHarnessWith(t *testing.T, store semantic.Store) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store:    store,
		provider: &countingProvider{},
		chat:     &scriptedChat{},
		reg:      metrics.New(),
	}
	emb := embed.New(h.provider, embed.Options{Logger: logger})
	analyzer := analysis.New(h.store, h.chat, analysis.Options{Logger: logger})
	forecaster := forecast.New(linearSource{}, forecast.Options{Logger: logger})
	srv := &server{
		docs:     h.store,
		ingest:   ingest.NewPipeline(ingest.Deps{Embedder: emb, Store: h.store, Logger: logger}),
		embed:    emb,
		rag:      rag.New(emb, h.store, h.chat, rag.Options{Logger: logger}),
		signals:  analyzer,
		forecast: forecaster,
		advisor:  strategy.NewAdvisor(forecaster, analyzer, h.store, nil, logger),
		logger:   logger,
	}
	h.handler = mid.Chain(srv.routes(h.reg), mid.Recover(logger), mid.Metrics(h.reg))
	return h
}

func (h *harness) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

type file struct {
	name string
	data []byte
}

func (h *harness) upload(t *testing.T, files ...file) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range files {
		fw, err := mw.CreateFormFile("files", f.name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(f.data)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

var walmart10K = file{"walmart-10k.txt", []byte("WALMART INC.\n\nTrading Symbol(s): WMT\n\nTotal revenue increased 5% to $648 billion.\n\nInventories rose 12% year over year.")}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func (h *harness) seed(t *testing.T) ingest.Report {
	t.Helper()
	rec := h.upload(t, walmart10K)
	if rec.Code != http.StatusOK {
		t.Fatalf("seed upload: %d %s", rec.Code, rec.Body)
	}
	resp := decode[struct{ Documents []ingest.Report }](t, rec)
	return resp.Documents[0]
}

// --- Tests ---

func TestHealth(t *testing.T) {
	rec := newHarness(t).do(t, http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := decode[map[string]string](t, rec); got["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", got)
	}
}

func TestUpload_IndexesAndLists(t *testing.T) {
	h := newHarness(t)
	rep := h.seed(t)
	if rep.Status != domain.StatusIndexed || rep.Chunks != 1 || rep.DocumentID == "" {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(rep.Tickers) != 1 || rep.Tickers[0] != "WMT" {
		t.Fatalf("expected WMT ticker, got %v", rep.Tickers)
	}

	rec := h.do(t, http.MethodGet, "/api/documents", "")
	docs := decode[struct{ Documents []domain.Document }](t, rec).Documents
	if len(docs) != 1 || docs[0].ID != rep.DocumentID || docs[0].Status != domain.StatusIndexed {
		t.Fatalf("unexpected documents %+v", docs)
	}
	if docs[0].Metadata.Size != int64(len(walmart10K.data)) {
		t.Fatalf("size = %d", docs[0].Metadata.Size)
	}
}

func TestUpload_Rejected(t *testing.T) {
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	tests := []struct {
		name  string
		files []file
		want  string
	}{
		{"no files", nil, "missing field"},
		{"image", []file{walmart10K, {"chart.png", png}}, "unsupported file type"},
		{"empty", []file{{"empty.txt", nil}}, "empty file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.upload(t, tt.files...)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if got := decode[map[string]string](t, rec)["error"]; !strings.Contains(got, tt.want) {
				t.Fatalf("error %q does not mention %q", got, tt.want)
			}
			if docs, _ := h.store.ListDocuments(context.Background(), 0); len(docs) != 0 {
				t.Fatalf("nothing should be ingested when any file is rejected, got %d", len(docs))
			}
		})
	}
}

func TestDeleteDocument(t *testing.T) {
	h := newHarness(t)
	id := h.seed(t).DocumentID

	if rec := h.do(t, http.MethodDelete, "/api/documents/"+id, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if chunks, _ := h.store.DocumentChunks(context.Background(), id, 0); len(chunks) != 0 {
		t.Fatalf("chunks should be deleted with the document, got %d", len(chunks))
	}
	if rec := h.do(t, http.MethodDelete, "/api/documents/"+id, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", rec.Code)
	}
}

func TestSummary(t *testing.T) {
	h := newHarness(t)
	if rec := h.do(t, http.MethodPost, "/api/documents/missing/summary", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	id := h.seed(t).DocumentID
	rec := h.do(t, http.MethodPost, "/api/documents/"+id+"/summary", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if got := decode[map[string]string](t, rec)["summary"]; got == "" {
		t.Fatal("empty summary")
	}
}

func TestEmbed(t *testing.T) {
	h := newHarness(t)

	rec := h.do(t, http.MethodPost, "/api/embed", `{"texts":"net income"}`)
	resp := decode[EmbedResponse](t, rec)
	if resp.Model != "test-embed" || len(resp.Embeddings) != 1 {
		t.Fatalf("unexpected response %+v", resp)
	}
	var norm float64
	for _, x := range resp.Embeddings[0] {
		norm += float64(x * x)
	}
	if norm < 0.999 || norm > 1.001 {
		t.Fatalf("embedding not unit length: %v", norm)
	}

	texts := make([]string, 30)
	for i := range texts {
		texts[i] = fmt.Sprintf("paragraph %d", i)
	}
	body, _ := json.Marshal(map[string]any{"texts": texts})
	h.provider.batches = 0
	resp = decode[EmbedResponse](t, h.do(t, http.MethodPost, "/api/embed", string(body)))
	if len(resp.Embeddings) != 30 || h.provider.batches != 2 {
		t.Fatalf("expected 30 vectors in 2 batches, got %d in %d", len(resp.Embeddings), h.provider.batches)
	}

	for _, bad := range []string{`{"texts":[]}`, `{}`, `{"texts":42}`, `{"texts":"x","intent":"summary"}`} {
		if rec := h.do(t, http.MethodPost, "/api/embed", bad); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", bad, rec.Code)
		}
	}
}

func TestEmbed_Intent(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		body string
		want string
	}{
		{`{"texts":"net income"}`, "net income"},
		{`{"texts":"net income","intent":"none"}`, "net income"},
		{`{"texts":"net income","intent":"query"}`, "query: net income"},
		{`{"texts":"net income","intent":"passage"}`, "passage: net income"},
	}
	for _, tt := range tests {
		rec := h.do(t, http.MethodPost, "/api/embed", tt.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d: %s", tt.body, rec.Code, rec.Body)
		}
		if len(h.provider.last) != 1 || h.provider.last[0] != tt.want {
			t.Errorf("%s: provider saw %q, want %q", tt.body, h.provider.last, tt.want)
		}
	}
}

func TestAnswer(t *testing.T) {
	h := newHarness(t)
	h.seed(t)

	rec := h.do(t, http.MethodPost, "/api/answer", `{"question":"How did revenue change?","top_k":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	ans := decode[rag.Answer](t, rec)
	if ans.Text != "Revenue grew 5% year over year." {
		t.Fatalf("unexpected answer %q", ans.Text)
	}
	if len(ans.Citations) != 1 || ans.Citations[0].ChunkIndex != 0 {
		t.Fatalf("unexpected citations %+v", ans.Citations)
	}
}

func TestAnswer_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		fail bool
		want int
	}{
		{"empty question", `{"question":"  "}`, false, http.StatusBadRequest},
		{"top_k too large", `{"question":"q","top_k":21}`, false, http.StatusBadRequest},
		{"negative top_k", `{"question":"q","top_k":-1}`, false, http.StatusBadRequest},
		{"invalid json", `{invalid`, false, http.StatusBadRequest},
		{"upstream failure", `{"question":"q"}`, true, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.chat.fail = tt.fail
			rec := h.do(t, http.MethodPost, "/api/answer", tt.body)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body)
			}
			if decode[map[string]string](t, rec)["error"] == "" {
				t.Fatal("error body missing")
			}
		})
	}
}

func TestSentimentAndAnomalies(t *testing.T) {
	h := newHarness(t)

	empty := decode[analysis.SentimentReport](t, h.do(t, http.MethodPost, "/api/sentiment", ""))
	if empty.Info != analysis.InfoNoDocuments || len(empty.Companies) != 0 {
		t.Fatalf("unexpected empty-corpus report %+v", empty)
	}

	h.seed(t)
	sent := decode[analysis.SentimentReport](t, h.do(t, http.MethodPost, "/api/sentiment", `{"limit_docs":5}`))
	if len(sent.Companies) != 1 || sent.Companies[0].Name != "Walmart Inc." || sent.Companies[0].Score != 0.4 {
		t.Fatalf("unexpected sentiment %+v", sent.Companies)
	}
	if sent.Companies[0].Documents[0] != walmart10K.name {
		t.Fatalf("unexpected documents %v", sent.Companies[0].Documents)
	}

	anom := decode[analysis.AnomalyReport](t, h.do(t, http.MethodPost, "/api/anomalies", `{}`))
	if len(anom.Anomalies) != 1 || anom.Anomalies[0].Severity != analysis.SeverityHigh || anom.Anomalies[0].Document != walmart10K.name {
		t.Fatalf("unexpected anomalies %+v", anom.Anomalies)
	}
}

func TestForecast(t *testing.T) {
	h := newHarness(t)
	rec := h.do(t, http.MethodPost, "/api/forecast", `{"tickers":["wmt","MSFT","WMT"],"horizonDays":10}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	out := decode[struct{ Tickers []forecast.TickerForecast }](t, rec).Tickers
	if len(out) != 2 || out[0].Symbol != "WMT" || out[1].Symbol != "MSFT" {
		t.Fatalf("unexpected tickers %+v", out)
	}
	if len(out[0].Forecast) != 10 || out[0].Metrics.Trend != forecast.TrendUp {
		t.Fatalf("unexpected WMT forecast %+v", out[0].Metrics)
	}
	if len(out[1].History) != 0 || len(out[1].Forecast) != 0 {
		t.Fatal("a failed ticker is reported empty")
	}

	if rec := h.do(t, http.MethodPost, "/api/forecast", `{"tickers":["WMT"],"horizonDays":400}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for horizon, got %d", rec.Code)
	}
}

func TestStrategy(t *testing.T) {
	h := newHarness(t)
	h.seed(t)
	rec := h.do(t, http.MethodPost, "/api/strategy", `{"tickers":["WMT"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	recs := decode[struct{ Strategies []strategy.Recommendation }](t, rec).Strategies
	if len(recs) != 1 || recs[0].Symbol != "WMT" {
		t.Fatalf("unexpected strategies %+v", recs)
	}
	if recs[0].Decision != strategy.Sell {
		t.Fatalf("a high-severity anomaly should mean Sell, got %s", recs[0].Decision)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.do(t, http.MethodGet, "/api/health", "")
	rec := h.do(t, http.MethodGet, "/metrics", "")
	if !strings.Contains(rec.Body.String(), `filings_http_requests_total{route="GET /api/health",code="200"} 1`) {
		t.Fatalf("missing request counter in:\n%s", rec.Body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.NewValidationError("question", "", domain.ErrEmptyQuestion), http.StatusBadRequest},
		{fmt.Errorf("semantic: get document x: %w", domain.ErrDocumentNotFound), http.StatusNotFound},
		{errors.New("semantic: match: connection refused"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
