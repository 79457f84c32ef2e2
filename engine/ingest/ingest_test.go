package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/WessleyAI/filings-analyst/engine/domain"
	"github.com/WessleyAI/filings-analyst/engine/embed"
	"github.com/WessleyAI/filings-analyst/engine/semantic"
	"github.com/WessleyAI/filings-analyst/pkg/metrics"
)

type fakeEmbedder struct {
	calls  int
	failOn int // 1-based call that fails; 0 never
	texts  [][]string
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string, intent embed.Intent) ([][]float32, error) {
	f.calls++
	if intent != embed.Passage {
		return nil, fmt.Errorf("unexpected intent %s", intent)
	}
	if f.calls == f.failOn {
		return nil, errors.New("hf: status 503: loading")
	}
	f.texts = append(f.texts, texts)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, float32(i)}
	}
	return out, nil
}

type flakyStore struct {
	*semantic.MemoryStore
	inserts int
	failOn  int
}

func (s *flakyStore) InsertChunks(ctx context.Context, documentID string, chunks []semantic.ChunkRecord) error {
	s.inserts++
	if s.inserts == s.failOn {
		return errors.New("connection reset")
	}
	return s.MemoryStore.InsertChunks(ctx, documentID, chunks)
}

type recordingPublisher struct {
	events []StatusEvent
}

func (r *recordingPublisher) PublishStatus(_ context.Context, ev StatusEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingPublisher) statuses() []domain.Status {
	out := make([]domain.Status, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Status
	}
	return out
}

// filing builds n paragraphs that each land in their own chunk.
func filing(n int) []byte {
	paras := make([]string, n)
	for i := range paras {
		paras[i] = fmt.Sprintf("Paragraph %d. ", i) + strings.Repeat("Revenue grew in the quarter. ", 35)
	}
	paras[0] = "Trading Symbol(s): WMT\n\n" + paras[0]
	return []byte(strings.Join(paras, "\n\n"))
}

type harness struct {
	pipeline *Pipeline
	embedder *fakeEmbedder
	store    *flakyStore
	pub      *recordingPublisher
	reg      *metrics.Registry
}

func newHarness(embedFailOn, insertFailOn int) *harness {
	h := &harness{
		embedder: &fakeEmbedder{failOn: embedFailOn},
		store:    &flakyStore{MemoryStore: semantic.NewMemoryStore(), failOn: insertFailOn},
		pub:      &recordingPublisher{},
		reg:      metrics.New(),
	}
	h.pipeline = NewPipeline(Deps{
		Embedder:  h.embedder,
		Store:     h.store,
		Publisher: h.pub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:   h.reg,
		BatchSize: 2,
		NewID:     func() string { return "doc-1" },
	})
	return h
}

func TestIngestFile_Indexed(t *testing.T) {
	h := newHarness(0, 0)
	ctx := context.Background()

	rep := h.pipeline.IngestFile(ctx, Upload{FileName: "wmt-10k.txt", ContentType: "application/octet-stream", Data: filing(5)})
	if rep.Status != domain.StatusIndexed || rep.Error != "" {
		t.Fatalf("unexpected report %+v", rep)
	}
	if rep.DocumentID != "doc-1" || rep.Chunks != 5 || rep.Total != 5 {
		t.Fatalf("unexpected counts %+v", rep)
	}
	if h.embedder.calls != 3 {
		t.Fatalf("expected 3 embed batches, got %d", h.embedder.calls)
	}

	doc, err := h.store.GetDocument(ctx, "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != domain.StatusIndexed || doc.Title != "wmt-10k.txt" || doc.Source != domain.SourceUpload {
		t.Fatalf("unexpected document %+v", doc)
	}
	if !reflect.DeepEqual(doc.Metadata.Tickers, []string{"WMT"}) || doc.Metadata.Pages != 1 || doc.Metadata.Size != int64(len(filing(5))) {
		t.Fatalf("unexpected metadata %+v", doc.Metadata)
	}

	chunks, _ := h.store.DocumentChunks(ctx, "doc-1", 0)
	if len(chunks) != 5 {
		t.Fatalf("expected 5 stored chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Fatalf("chunk %d has index %d", i, c.ChunkIndex)
		}
	}

	want := []domain.Status{domain.StatusExtracting, domain.StatusIndexing, domain.StatusIndexed}
	if got := h.pub.statuses(); !reflect.DeepEqual(got, want) {
		t.Fatalf("status events = %v, want %v", got, want)
	}
	out := h.reg.Render()
	for _, line := range []string{`filings_ingest_files_total{status="indexed"} 1`, `filings_ingest_chunks_total 5`} {
		if !strings.Contains(out, line) {
			t.Errorf("missing %q in:\n%s", line, out)
		}
	}
}

func TestIngestFile_EmbeddingFailedKeepsEarlierBatches(t *testing.T) {
	h := newHarness(2, 0)
	ctx := context.Background()

	rep := h.pipeline.IngestFile(ctx, Upload{FileName: "mcd.txt", Data: filing(5)})
	if rep.Status != domain.StatusEmbeddingFailed {
		t.Fatalf("expected embedding_failed, got %+v", rep)
	}
	if rep.Chunks != 2 || rep.Total != 5 || !strings.Contains(rep.Error, "503") {
		t.Fatalf("unexpected report %+v", rep)
	}
	if h.embedder.calls != 2 {
		t.Fatalf("later batches should be abandoned, got %d calls", h.embedder.calls)
	}
	doc, _ := h.store.GetDocument(ctx, rep.DocumentID)
	if doc.Status != domain.StatusEmbeddingFailed {
		t.Fatalf("document status = %s", doc.Status)
	}
	chunks, _ := h.store.DocumentChunks(ctx, rep.DocumentID, 0)
	if len(chunks) != 2 {
		t.Fatalf("expected the first batch to stay stored, got %d chunks", len(chunks))
	}
}

func TestIngestFile_InsertFailed(t *testing.T) {
	h := newHarness(0, 3)
	ctx := context.Background()

	rep := h.pipeline.IngestFile(ctx, Upload{FileName: "adbe.txt", Data: filing(5)})
	if rep.Status != domain.StatusInsertFailed || rep.Chunks != 4 {
		t.Fatalf("unexpected report %+v", rep)
	}
	doc, _ := h.store.GetDocument(ctx, rep.DocumentID)
	if doc.Status != domain.StatusInsertFailed {
		t.Fatalf("document status = %s", doc.Status)
	}
	if !strings.Contains(rep.Error, "chunks 4-4") {
		t.Fatalf("error should name the failing batch: %s", rep.Error)
	}
}

func TestIngestFile_NoText(t *testing.T) {
	h := newHarness(0, 0)
	rep := h.pipeline.IngestFile(context.Background(), Upload{FileName: "blank.txt", Data: []byte("   \n\n  \n")})
	if rep.Status != domain.StatusNoText || rep.DocumentID != "" {
		t.Fatalf("unexpected report %+v", rep)
	}
	if !rep.Succeeded() {
		t.Fatal("no_text is not an error state")
	}
	docs, _ := h.store.ListDocuments(context.Background(), 0)
	if len(docs) != 0 {
		t.Fatalf("no document should be created, got %d", len(docs))
	}
	if h.embedder.calls != 0 {
		t.Fatal("embedder should not be called")
	}
}

func TestIngestFile_Rejected(t *testing.T) {
	h := newHarness(0, 0)
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")
	cases := []struct {
		name string
		up   Upload
		want error
	}{
		{"unsupported", Upload{FileName: "chart.png", ContentType: "application/pdf", Data: png}, domain.ErrUnsupportedFileType},
		{"empty", Upload{FileName: "empty.txt", Data: nil}, domain.ErrEmptyFile},
		{"unnamed", Upload{FileName: " ", Data: []byte("text")}, domain.ErrMissingField},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rep := h.pipeline.IngestFile(context.Background(), c.up)
			if rep.Status != domain.StatusFailed || rep.DocumentID != "" {
				t.Fatalf("unexpected report %+v", rep)
			}
			if !strings.Contains(rep.Error, c.want.Error()) {
				t.Fatalf("error %q should mention %q", rep.Error, c.want)
			}
		})
	}
}

func TestIngestFiles_Sequential(t *testing.T) {
	h := newHarness(0, 0)
	ids := []string{"a", "b"}
	h.pipeline.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	reps := h.pipeline.IngestFiles(context.Background(), []Upload{
		{FileName: "one.txt", Data: filing(1)},
		{FileName: "bad.png", Data: []byte("\x89PNG\r\n\x1a\n")},
		{FileName: "two.txt", Data: filing(3)},
	})
	if len(reps) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(reps))
	}
	if reps[0].DocumentID != "a" || reps[1].Status != domain.StatusFailed || reps[2].DocumentID != "b" {
		t.Fatalf("unexpected reports %+v", reps)
	}
	if reps[2].Chunks != 3 {
		t.Fatalf("expected 3 chunks for the last file, got %d", reps[2].Chunks)
	}
}
