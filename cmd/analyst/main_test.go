package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/WessleyAI/filings-analyst/engine/domain"
	"github.com/WessleyAI/filings-analyst/engine/ingest"
)

// fakeAPI records the last request body per route and answers with canned JSON.
type fakeAPI struct {
	bodies map[string]map[string]any
	files  []string
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	f := &fakeAPI{bodies: map[string]map[string]any{}}
	mux := http.NewServeMux()
	reply := func(route string, v any) {
		mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Content-Type") == "application/json" {
				var body map[string]any
				_ = json.NewDecoder(r.Body).Decode(&body)
				f.bodies[route] = body
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(v)
		})
	}

	mux.HandleFunc("POST /api/documents", func(w http.ResponseWriter, r *http.Request) {
		_, params, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
		mr := multipart.NewReader(r.Body, params["boundary"])
		var reports []ingest.Report
		for {
			part, err := mr.NextPart()
			if err != nil {
				break
			}
			f.files = append(f.files, part.FileName())
			reports = append(reports, ingest.Report{FileName: part.FileName(), DocumentID: "doc-1", Status: domain.StatusIndexed, Chunks: 3, Total: 3, Tickers: []string{"WMT"}})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"documents": reports})
	})
	reply("GET /api/documents", map[string]any{"documents": []domain.Document{{
		ID: "doc-1", Title: "walmart-10k.pdf", Status: domain.StatusIndexed,
		Metadata:  domain.DocumentMetadata{Pages: 12, Tickers: []string{"WMT"}},
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}}})
	mux.HandleFunc("DELETE /api/documents/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "doc-1" {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "document not found"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	reply("POST /api/documents/{id}/summary", map[string]string{"summary": "Revenue grew 6%."})
	reply("POST /api/answer", map[string]any{
		"answer":    "Net sales were $648 billion.",
		"citations": []domain.Match{{DocumentID: "doc-1", ChunkIndex: 4, Content: "Net sales  of $648.1 billion", Similarity: 0.91}},
	})
	reply("POST /api/embed", map[string]any{"model": "bge-m3", "embeddings": [][]float32{{0.1, 0.2, 0.3, 0.4, 0.5}}})
	reply("POST /api/sentiment", map[string]any{"companies": []map[string]any{{"name": "Walmart Inc.", "score": 0.4, "count": 2, "documents": []string{"walmart-10k.pdf"}}}})
	reply("POST /api/anomalies", map[string]any{"anomalies": []any{}, "info": "No documents found."})
	reply("POST /api/forecast", map[string]any{"tickers": []map[string]any{{
		"symbol":   "WMT",
		"forecast": []domain.ForecastPoint{{Date: "2026-04-01", Predicted: 171.5}},
		"metrics":  map[string]any{"lastClose": 165.2, "trend": "up", "expectedChangePct": 3.8, "volatility": 1.2},
	}}})
	reply("POST /api/strategy", map[string]any{"strategies": []map[string]any{{
		"symbol": "WMT", "decision": "Buy", "confidence": 72.4, "reasons": []string{"Uptrend with +3.8% expected"},
	}}})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func execute(t *testing.T, a *app, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(a)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func testApp(url string) *app {
	return &app{apiURL: url, natsURL: "nats://127.0.0.1:1"}
}

func TestIngest_Upload(t *testing.T) {
	f, srv := newFakeAPI(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "walmart-10k.txt")
	if err := os.WriteFile(path, []byte("Walmart Inc. annual report"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, testApp(srv.URL), "ingest", path)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if len(f.files) != 1 || f.files[0] != "walmart-10k.txt" {
		t.Errorf("uploaded files = %v", f.files)
	}
	for _, want := range []string{"FILE", "walmart-10k.txt", "indexed", "3/3", "WMT"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestIngest_MissingFile(t *testing.T) {
	_, srv := newFakeAPI(t)
	_, err := execute(t, testApp(srv.URL), "ingest", filepath.Join(t.TempDir(), "nope.pdf"))
	if err == nil || !strings.Contains(err.Error(), "nope.pdf") {
		t.Fatalf("err = %v, want read error naming the file", err)
	}
}

func TestIngest_NATS(t *testing.T) {
	a := testApp("http://unused")
	var got []ingest.Job
	a.submit = func(_ context.Context, jobs []ingest.Job) ([]ingest.Report, error) {
		got = jobs
		return []ingest.Report{{FileName: jobs[0].FileName, Status: domain.StatusNoText}}, nil
	}

	out, err := execute(t, a, "ingest", "--nats", "filings/scan.pdf")
	if err != nil {
		t.Fatalf("ingest --nats: %v", err)
	}
	if len(got) != 1 || !filepath.IsAbs(got[0].Path) || got[0].FileName != "scan.pdf" {
		t.Fatalf("jobs = %+v", got)
	}
	if !strings.Contains(out, "no_text") {
		t.Errorf("output = %q", out)
	}
}

func TestIngest_NATSError(t *testing.T) {
	a := testApp("http://unused")
	a.submit = func(context.Context, []ingest.Job) ([]ingest.Report, error) {
		return nil, errors.New("nats: no responders")
	}
	if _, err := execute(t, a, "ingest", "--nats", "x.pdf"); err == nil {
		t.Fatal("expected error")
	}
}

func TestDocuments(t *testing.T) {
	_, srv := newFakeAPI(t)

	out, err := execute(t, testApp(srv.URL), "documents", "list")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"doc-1", "walmart-10k.pdf", "indexed", "12", "2026-03-01 09:00:00"} {
		if !strings.Contains(out, want) {
			t.Errorf("list missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, testApp(srv.URL), "docs", "summary", "doc-1")
	if err != nil || strings.TrimSpace(out) != "Revenue grew 6%." {
		t.Errorf("summary = %q, %v", out, err)
	}

	out, err = execute(t, testApp(srv.URL), "documents", "rm", "doc-1")
	if err != nil || !strings.Contains(out, "Deleted doc-1") {
		t.Errorf("delete = %q, %v", out, err)
	}
}

func TestDocuments_DeleteNotFound(t *testing.T) {
	_, srv := newFakeAPI(t)
	_, err := execute(t, testApp(srv.URL), "documents", "delete", "missing")
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *apiError", err)
	}
	if apiErr.Status != http.StatusNotFound || apiErr.Message != "document not found" {
		t.Errorf("apiErr = %+v", apiErr)
	}
}

func TestAsk(t *testing.T) {
	f, srv := newFakeAPI(t)
	out, err := execute(t, testApp(srv.URL), "ask", "--doc", "doc-1", "-k", "3", "What", "were", "net", "sales?")
	if err != nil {
		t.Fatal(err)
	}
	body := f.bodies["POST /api/answer"]
	if body["question"] != "What were net sales?" || body["document_id"] != "doc-1" || body["top_k"] != float64(3) {
		t.Errorf("request body = %v", body)
	}
	if _, ok := body["context"]; ok {
		t.Errorf("empty context should be omitted: %v", body)
	}
	for _, want := range []string{"Net sales were $648 billion.", "[1] doc-1#4 (0.910) Net sales of $648.1 billion"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestAsk_JSON(t *testing.T) {
	_, srv := newFakeAPI(t)
	out, err := execute(t, testApp(srv.URL), "--json", "ask", "revenue?")
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Answer    string         `json:"answer"`
		Citations []domain.Match `json:"citations"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got.Answer == "" || len(got.Citations) != 1 {
		t.Errorf("decoded = %+v", got)
	}
}

func TestEmbed(t *testing.T) {
	f, srv := newFakeAPI(t)
	out, err := execute(t, testApp(srv.URL), "embed", "net sales")
	if err != nil {
		t.Fatal(err)
	}
	texts, _ := f.bodies["POST /api/embed"]["texts"].([]any)
	if len(texts) != 1 || texts[0] != "net sales" {
		t.Errorf("texts = %v", texts)
	}
	if !strings.Contains(out, "5 dims") || !strings.Contains(out, "model: bge-m3") {
		t.Errorf("output = %q", out)
	}
	if _, ok := f.bodies["POST /api/embed"]["intent"]; ok {
		t.Errorf("intent sent without --intent")
	}

	if _, err := execute(t, testApp(srv.URL), "embed", "--intent", "query", "net sales"); err != nil {
		t.Fatal(err)
	}
	if got := f.bodies["POST /api/embed"]["intent"]; got != "query" {
		t.Errorf("intent = %v", got)
	}
}

func TestSentimentAndAnomalies(t *testing.T) {
	f, srv := newFakeAPI(t)
	out, err := execute(t, testApp(srv.URL), "sentiment", "--limit-docs", "5")
	if err != nil {
		t.Fatal(err)
	}
	if f.bodies["POST /api/sentiment"]["limit_docs"] != float64(5) {
		t.Errorf("body = %v", f.bodies["POST /api/sentiment"])
	}
	if !strings.Contains(out, "Walmart Inc.") || !strings.Contains(out, "+0.400") {
		t.Errorf("sentiment output = %q", out)
	}

	out, err = execute(t, testApp(srv.URL), "anomalies")
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(out) != "No documents found." {
		t.Errorf("anomalies output = %q", out)
	}
}

func TestForecastAndStrategy(t *testing.T) {
	f, srv := newFakeAPI(t)
	out, err := execute(t, testApp(srv.URL), "forecast", "--horizon", "10", "WMT")
	if err != nil {
		t.Fatal(err)
	}
	if f.bodies["POST /api/forecast"]["horizonDays"] != float64(10) {
		t.Errorf("body = %v", f.bodies["POST /api/forecast"])
	}
	for _, want := range []string{"WMT", "165.20", "up", "+3.80%", "171.50 on 2026-04-01"} {
		if !strings.Contains(out, want) {
			t.Errorf("forecast output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, testApp(srv.URL), "strategy", "WMT")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "WMT  Buy  (confidence 72%)") || !strings.Contains(out, "- Uptrend") {
		t.Errorf("strategy output = %q", out)
	}
}

func TestArgsValidation(t *testing.T) {
	for _, args := range [][]string{
		{"ingest"},
		{"ask"},
		{"embed"},
		{"documents", "delete"},
		{"sentiment", "extra"},
	} {
		if _, err := execute(t, testApp("http://unused"), args...); err == nil {
			t.Errorf("%v: expected argument error", args)
		}
	}
}

func TestSnippet(t *testing.T) {
	if got := snippet("a\n  b   c", 10); got != "a b c" {
		t.Errorf("snippet = %q", got)
	}
	if got := snippet("abcdef", 3); got != "abc..." {
		t.Errorf("snippet = %q", got)
	}
}

func TestFollow(t *testing.T) {
	events := make(chan ingest.StatusEvent, 3)
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	events <- ingest.StatusEvent{FileName: "walmart-10k.pdf", Status: domain.StatusExtracting, At: at}
	events <- ingest.StatusEvent{FileName: "walmart-10k.pdf", DocumentID: "doc-1", Status: domain.StatusIndexed, Chunks: 3, At: at}
	events <- ingest.StatusEvent{FileName: "broken.pdf", Status: domain.StatusFailed, Error: "unreadable", At: at}

	var out bytes.Buffer
	if err := testApp("").follow(context.Background(), &out, events, 3); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	if !strings.Contains(lines[1], "indexed") || !strings.HasSuffix(lines[1], "walmart-10k.pdf (doc-1, 3 chunks)") {
		t.Errorf("line 2 = %q", lines[1])
	}
	if !strings.HasSuffix(lines[2], "broken.pdf: unreadable") {
		t.Errorf("line 3 = %q", lines[2])
	}
}

func TestFollow_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := testApp("")
	a.asJSON = true
	if err := a.follow(ctx, io.Discard, make(chan ingest.StatusEvent), 0); err != nil {
		t.Fatalf("follow: %v", err)
	}
}
